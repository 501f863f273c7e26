package puzzle

import (
	"magicchain/types"
)

// Solve 回溯补全空格，最多返回 limit 个解（limit<=0 视为 1）。
// 题目本身非法（形状错误、重复数字）时返回 nil
func Solve(problem types.Grid, limit int) []types.Grid {
	if limit <= 0 {
		limit = 1
	}
	if problem.Validate() != nil {
		return nil
	}

	s := &solver{grid: problem.Clone(), limit: limit}
	for i, row := range s.grid {
		for j, v := range row {
			if v == types.BlankCell {
				s.blanks = append(s.blanks, [2]int{i, j})
				continue
			}
			if s.used[v] {
				return nil
			}
			s.used[v] = true
		}
	}
	s.search(0)
	return s.found
}

// HasUniqueSolution 题目恰好只有一个补全
func HasUniqueSolution(problem types.Grid) bool {
	return len(Solve(problem, 2)) == 1
}

type solver struct {
	grid   types.Grid
	blanks [][2]int
	used   [types.CellCount + 1]bool
	limit  int
	found  []types.Grid
}

func (s *solver) search(k int) {
	if len(s.found) >= s.limit {
		return
	}
	if k == len(s.blanks) {
		if IsMagic(s.grid) {
			s.found = append(s.found, s.grid.Clone())
		}
		return
	}
	r, c := s.blanks[k][0], s.blanks[k][1]
	for v := uint32(1); v <= types.CellCount; v++ {
		if s.used[v] {
			continue
		}
		s.grid[r][c] = v
		if s.feasible(r, c) {
			s.used[v] = true
			s.search(k + 1)
			s.used[v] = false
		}
		s.grid[r][c] = types.BlankCell
		if len(s.found) >= s.limit {
			return
		}
	}
}

// feasible 剪枝：行列的部分和不能超过 34，填满时必须正好 34
func (s *solver) feasible(r, c int) bool {
	return lineOK(s.grid[r][0], s.grid[r][1], s.grid[r][2], s.grid[r][3]) &&
		lineOK(s.grid[0][c], s.grid[1][c], s.grid[2][c], s.grid[3][c])
}

func lineOK(cells ...uint32) bool {
	var sum uint32
	full := true
	for _, v := range cells {
		if v == types.BlankCell {
			full = false
			continue
		}
		sum += v
	}
	if full {
		return sum == types.MagicConstant
	}
	return sum < types.MagicConstant
}
