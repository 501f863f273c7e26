package types

// Puzzle 下发给客户端的题目。key 为出题时的完整幻方，只留在服务端
type Puzzle struct {
	ID        uint64 `json:"id"`
	Matrix    Grid   `json:"matrix"`
	Blanks    int    `json:"blanks"`
	CreatedAt int64  `json:"created_at"`

	key Grid
}

func NewPuzzle(id uint64, matrix, key Grid, createdAt int64) Puzzle {
	return Puzzle{
		ID:        id,
		Matrix:    matrix.Clone(),
		Blanks:    matrix.BlankCount(),
		CreatedAt: createdAt,
		key:       key.Clone(),
	}
}

// Key 返回评分用的原始幻方；反序列化得到的 Puzzle 没有 key
func (p Puzzle) Key() Grid {
	return p.key.Clone()
}

func (p Puzzle) HasKey() bool {
	return !p.key.IsEmpty()
}
