package puzzle

import (
	"math/rand"
	"sync"
	"time"

	"magicchain/logs"
	"magicchain/types"
)

const (
	DefaultBlanks          = 4
	DefaultShuffleAttempts = 16
	DefaultUniqueAttempts  = 32
)

// Options 出题参数
type Options struct {
	Blanks          int
	ShuffleAttempts int
	// RequireUnique 重新挖空直到题目只有一个解
	RequireUnique  bool
	UniqueAttempts int
}

func DefaultOptions() Options {
	return Options{
		Blanks:          DefaultBlanks,
		ShuffleAttempts: DefaultShuffleAttempts,
		UniqueAttempts:  DefaultUniqueAttempts,
	}
}

// Generator 出题器。rand.Rand 不是并发安全的，所有随机数都在 mu 下取
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	opts   Options
	nextID uint64
	Logger logs.Logger
}

func NewGenerator(opts Options) *Generator {
	return NewGeneratorWithSeed(opts, time.Now().UnixNano())
}

// NewGeneratorWithSeed 固定种子，测试用
func NewGeneratorWithSeed(opts Options, seed int64) *Generator {
	if opts.ShuffleAttempts <= 0 {
		opts.ShuffleAttempts = DefaultShuffleAttempts
	}
	if opts.UniqueAttempts <= 0 {
		opts.UniqueAttempts = DefaultUniqueAttempts
	}
	opts.Blanks = clampBlanks(opts.Blanks)
	return &Generator{
		rng:    rand.New(rand.NewSource(seed)),
		opts:   opts,
		nextID: 1,
		Logger: logs.NewNodeLogger("puzzle", 0),
	}
}

func clampBlanks(k int) int {
	if k < 0 {
		return 0
	}
	if k > types.CellCount {
		return types.CellCount
	}
	return k
}

// Generate 打乱模板幻方并挖空，返回带评分 key 的题目
func (g *Generator) Generate() types.Puzzle {
	key := g.Randomize(BaseSquare())
	p := g.Blank(key, g.opts.Blanks)
	if !g.opts.RequireUnique {
		return p
	}
	for attempt := 1; attempt < g.opts.UniqueAttempts; attempt++ {
		if HasUniqueSolution(p.Matrix) {
			return p
		}
		p = g.Blank(key, g.opts.Blanks)
	}
	if !HasUniqueSolution(p.Matrix) {
		g.Logger.Warn("[Puzzle] puzzle %d still has several completions after %d attempts", p.ID, g.opts.UniqueAttempts)
	}
	return p
}

// Randomize 独立打乱行和列，再重新校验全部 10 条和；
// 多次失败后退回到保持对角线的对称变换，结果总是幻方
func (g *Generator) Randomize(square types.Grid) types.Grid {
	if !IsMagic(square) {
		g.Logger.Warn("[Puzzle] randomize input is not magic, using base square")
		square = BaseSquare()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < g.opts.ShuffleAttempts; i++ {
		out := permute(square, g.rng.Perm(types.GridSize), g.rng.Perm(types.GridSize))
		if IsMagic(out) {
			return out
		}
	}

	p := symmetricPerms[g.rng.Intn(len(symmetricPerms))]
	out := permute(square, p, p)
	if g.rng.Intn(2) == 1 {
		out = transpose(out)
	}
	g.Logger.Trace("[Puzzle] shuffle fell back to symmetric permutation %v", p)
	return out
}

// Blank 随机选 k 个格子置 0，k 超出 0..16 时截断
func (g *Generator) Blank(square types.Grid, k int) types.Puzzle {
	k = clampBlanks(k)
	matrix := square.Clone()

	g.mu.Lock()
	cells := g.rng.Perm(types.CellCount)[:k]
	id := g.nextID
	g.nextID++
	g.mu.Unlock()

	for _, c := range cells {
		matrix[c/types.GridSize][c%types.GridSize] = types.BlankCell
	}
	return types.NewPuzzle(id, matrix, square, time.Now().Unix())
}

func permute(square types.Grid, rows, cols []int) types.Grid {
	out := types.NewGrid()
	for i := 0; i < types.GridSize; i++ {
		for j := 0; j < types.GridSize; j++ {
			out[i][j] = square[rows[i]][cols[j]]
		}
	}
	return out
}

func transpose(square types.Grid) types.Grid {
	out := types.NewGrid()
	for i := 0; i < types.GridSize; i++ {
		for j := 0; j < types.GridSize; j++ {
			out[j][i] = square[i][j]
		}
	}
	return out
}

// symmetricPerms 与 i -> 3-i 可交换的置换。行列同时使用时两条对角线只是被重排
var symmetricPerms = func() [][]int {
	var out [][]int
	var walk func(prefix []int, used [types.GridSize]bool)
	walk = func(prefix []int, used [types.GridSize]bool) {
		if len(prefix) == types.GridSize {
			for i, v := range prefix {
				if prefix[types.GridSize-1-i] != types.GridSize-1-v {
					return
				}
			}
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for v := 0; v < types.GridSize; v++ {
			if used[v] {
				continue
			}
			used[v] = true
			walk(append(prefix, v), used)
			used[v] = false
		}
	}
	walk(nil, [types.GridSize]bool{})
	return out
}()
