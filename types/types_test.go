package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridValidate(t *testing.T) {
	assert.NoError(t, GenesisProblem().Validate())
	assert.ErrorIs(t, Grid{{1, 2, 3, 4}}.Validate(), ErrInvalidGrid)

	g := NewGrid()
	g[2] = g[2][:3]
	assert.ErrorIs(t, g.Validate(), ErrInvalidGrid)

	g = NewGrid()
	g[1][1] = 17
	assert.ErrorIs(t, g.Validate(), ErrCellOutRange)
}

func TestGridCloneIsDeep(t *testing.T) {
	g := GenesisProblem()
	c := g.Clone()
	c[0][0] = 99
	assert.Equal(t, uint32(1), g[0][0])
	assert.False(t, g.Equal(c))
	assert.Nil(t, Grid(nil).Clone())
}

func TestGridBlankCountAndString(t *testing.T) {
	g := GenesisProblem()
	g[0][0], g[3][3] = BlankCell, BlankCell
	assert.Equal(t, 2, g.BlankCount())
	assert.Equal(t, " .  2  3  4", g.String()[:11])
}

func TestGenesisBlock(t *testing.T) {
	b := NewGenesisBlock()
	assert.True(t, b.IsGenesis())
	assert.Equal(t, GenesisNodeID, b.NodeID)
	assert.Equal(t, GenesisData, b.Data)
	assert.True(t, b.Solution.IsEmpty())
	assert.NotEmpty(t, b.Timestamp)
}

func TestBlockValidate(t *testing.T) {
	b := NewBlock(1, GenesisProblem(), GenesisProblem(), nil, "n1", "")
	assert.NoError(t, b.Validate())

	b.NodeID = ""
	assert.ErrorIs(t, b.Validate(), ErrMissingNodeID)

	b = NewBlock(1, GenesisProblem(), Grid{{1}}, nil, "n1", "")
	assert.ErrorIs(t, b.Validate(), ErrInvalidGrid)

	b = NewBlock(1, GenesisProblem(), GenesisProblem(), Grid{{1}}, "n1", "")
	assert.ErrorIs(t, b.Validate(), ErrInvalidGrid)
}

func TestBlockJSONFieldNames(t *testing.T) {
	b := NewBlock(3, GenesisProblem(), GenesisProblem(), nil, "n1", "hello")
	b.ProposalID = "p"
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"index", "timestamp", "problem", "solution", "prev_solution", "node_id", "data", "proposal_id"} {
		assert.Contains(t, m, k)
	}
	assert.NotContains(t, m, "round")
}

func TestPuzzleKeyNotSerialized(t *testing.T) {
	key := GenesisProblem()
	matrix := key.Clone()
	matrix[0][0] = BlankCell
	p := NewPuzzle(1, matrix, key, 0)
	assert.True(t, p.HasKey())
	assert.Equal(t, 1, p.Blanks)

	msg, err := NewProblemMessage(p)
	require.NoError(t, err)
	assert.NotContains(t, string(msg.Data), "key")

	got, err := msg.Puzzle()
	require.NoError(t, err)
	assert.False(t, got.HasKey())
	assert.True(t, got.Matrix.Equal(matrix))

	_, err = msg.Block()
	assert.Error(t, err)
}

func TestServerMessageFrame(t *testing.T) {
	msg, err := NewBlockMessage(*NewGenesisBlock())
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"block"`)

	var back ServerMessage
	require.NoError(t, json.Unmarshal(data, &back))
	b, err := back.Block()
	require.NoError(t, err)
	assert.Equal(t, GenesisNodeID, b.NodeID)
}

func TestVoteAndTransactionValidate(t *testing.T) {
	assert.ErrorIs(t, Vote{IsValid: true}.Validate(), ErrMissingNodeID)
	assert.NoError(t, Vote{NodeID: "a"}.Validate())

	tx := &Transaction{SenderID: "a", ReceiverID: "b", Amount: decimal.RequireFromString("0.5")}
	assert.NoError(t, tx.Validate())
	tx.Amount = decimal.NewFromInt(-1)
	assert.ErrorIs(t, tx.Validate(), ErrNegativeAmount)
	tx.ReceiverID = ""
	assert.ErrorIs(t, tx.Validate(), ErrMissingParty)
}
