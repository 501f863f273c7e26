package puzzle

import (
	"errors"
	"fmt"

	"magicchain/types"
)

var (
	ErrNotMagic      = errors.New("grid is not a magic square")
	ErrClueMismatch  = errors.New("solution does not match the given cells")
	ErrDuplicateCell = errors.New("grid repeats a value")
)

// 丢勒幻方，作为所有题目的模板
var baseSquare = [types.GridSize][types.GridSize]uint32{
	{16, 2, 3, 13},
	{5, 11, 10, 8},
	{9, 7, 6, 12},
	{4, 14, 15, 1},
}

// BaseSquare 返回模板幻方的副本
func BaseSquare() types.Grid {
	return types.GridFromRows(baseSquare)
}

// IsMagic 1..16 各出现一次，且 4 行 4 列 2 条对角线之和都是 34
func IsMagic(g types.Grid) bool {
	return checkMagic(g) == nil
}

func checkMagic(g types.Grid) error {
	if err := g.Validate(); err != nil {
		return err
	}
	var seen [types.CellCount + 1]bool
	for _, row := range g {
		for _, v := range row {
			if v == types.BlankCell {
				return fmt.Errorf("%w: blank cell", ErrNotMagic)
			}
			if seen[v] {
				return fmt.Errorf("%w: %d", ErrDuplicateCell, v)
			}
			seen[v] = true
		}
	}

	var diag, anti uint32
	for i := 0; i < types.GridSize; i++ {
		var row, col uint32
		for j := 0; j < types.GridSize; j++ {
			row += g[i][j]
			col += g[j][i]
		}
		if row != types.MagicConstant {
			return fmt.Errorf("%w: row %d sums to %d", ErrNotMagic, i, row)
		}
		if col != types.MagicConstant {
			return fmt.Errorf("%w: column %d sums to %d", ErrNotMagic, i, col)
		}
		diag += g[i][i]
		anti += g[i][types.GridSize-1-i]
	}
	if diag != types.MagicConstant || anti != types.MagicConstant {
		return fmt.Errorf("%w: diagonals sum to %d/%d", ErrNotMagic, diag, anti)
	}
	return nil
}

// Verify 检查 solution 是一个幻方，并且保留了 problem 中所有非空格子
func Verify(problem, solution types.Grid) error {
	if err := problem.Validate(); err != nil {
		return fmt.Errorf("problem: %w", err)
	}
	if err := checkMagic(solution); err != nil {
		return err
	}
	for i := range problem {
		for j, v := range problem[i] {
			if v != types.BlankCell && solution[i][j] != v {
				return fmt.Errorf("%w at (%d,%d): want %d, got %d", ErrClueMismatch, i, j, v, solution[i][j])
			}
		}
	}
	return nil
}
