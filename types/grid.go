package types

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// GridSize 方阵边长
	GridSize = 4
	// CellCount 方阵格子数
	CellCount = GridSize * GridSize
	// MagicConstant 1..16 组成的 4x4 幻方每行/列/对角线之和
	MagicConstant = 34
	// BlankCell 题目中被挖空的格子
	BlankCell uint32 = 0
)

var (
	ErrInvalidGrid  = errors.New("grid must be 4x4")
	ErrCellOutRange = errors.New("grid cell out of range 0..16")
)

// Grid 4x4 方阵（行优先），0 表示空格
type Grid [][]uint32

// NewGrid 创建全 0 的 4x4 方阵
func NewGrid() Grid {
	g := make(Grid, GridSize)
	for i := range g {
		g[i] = make([]uint32, GridSize)
	}
	return g
}

// GridFromRows 由固定大小数组构造 Grid
func GridFromRows(rows [GridSize][GridSize]uint32) Grid {
	g := NewGrid()
	for i := 0; i < GridSize; i++ {
		copy(g[i], rows[i][:])
	}
	return g
}

// Validate 检查形状和取值范围
func (g Grid) Validate() error {
	if len(g) != GridSize {
		return fmt.Errorf("%w: got %d rows", ErrInvalidGrid, len(g))
	}
	for i, row := range g {
		if len(row) != GridSize {
			return fmt.Errorf("%w: row %d has %d cells", ErrInvalidGrid, i, len(row))
		}
		for j, v := range row {
			if v > CellCount {
				return fmt.Errorf("%w: cell (%d,%d)=%d", ErrCellOutRange, i, j, v)
			}
		}
	}
	return nil
}

// IsEmpty 创世区块的 solution / prev_solution 为空
func (g Grid) IsEmpty() bool {
	return len(g) == 0
}

func (g Grid) Clone() Grid {
	if g == nil {
		return nil
	}
	out := make(Grid, len(g))
	for i, row := range g {
		out[i] = append([]uint32(nil), row...)
	}
	return out
}

func (g Grid) Equal(other Grid) bool {
	if len(g) != len(other) {
		return false
	}
	for i := range g {
		if len(g[i]) != len(other[i]) {
			return false
		}
		for j := range g[i] {
			if g[i][j] != other[i][j] {
				return false
			}
		}
	}
	return true
}

// BlankCount 统计空格数量
func (g Grid) BlankCount() int {
	n := 0
	for _, row := range g {
		for _, v := range row {
			if v == BlankCell {
				n++
			}
		}
	}
	return n
}

func (g Grid) String() string {
	var sb strings.Builder
	for i, row := range g {
		if i > 0 {
			sb.WriteByte('\n')
		}
		for j, v := range row {
			if j > 0 {
				sb.WriteByte(' ')
			}
			if v == BlankCell {
				sb.WriteString(" .")
				continue
			}
			fmt.Fprintf(&sb, "%2d", v)
		}
	}
	return sb.String()
}
