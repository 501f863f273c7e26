package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicchain/db"
	"magicchain/puzzle"
	"magicchain/types"
)

func openTestChain(t *testing.T, dir string) (*Chain, *db.Manager) {
	t.Helper()
	m, err := db.Open(dir, nil, nil)
	require.NoError(t, err)
	c, err := Open(m, 16, nil)
	require.NoError(t, err)
	return c, m
}

func TestGenesisOnFirstOpen(t *testing.T) {
	c, m := openTestChain(t, t.TempDir())
	defer m.Close()

	g, err := c.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g.Index)
	assert.Equal(t, types.GenesisNodeID, g.NodeID)
	assert.Equal(t, types.GenesisData, g.Data)
	assert.True(t, g.Problem.Equal(types.GenesisProblem()))
	assert.True(t, g.Solution.IsEmpty())

	idx, err := m.GetUint(db.KeyLatestBlockIndex)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)
}

func TestAddBlockLinksPrevSolution(t *testing.T) {
	c, m := openTestChain(t, t.TempDir())
	defer m.Close()

	sol := puzzle.BaseSquare()
	b1, err := c.AddBlock(types.GenesisProblem(), sol, "n1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b1.Index)
	assert.True(t, b1.PrevSolution.IsEmpty())

	b2, err := c.AddBlock(types.GenesisProblem(), sol, "n2", "hello")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b2.Index)
	assert.True(t, b2.PrevSolution.Equal(sol))

	got, err := c.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Data)
	assert.Equal(t, uint64(2), c.Height())
}

func TestAppendRejectsStaleIndex(t *testing.T) {
	c, m := openTestChain(t, t.TempDir())
	defer m.Close()

	b := types.NewBlock(3, types.GenesisProblem(), puzzle.BaseSquare(), nil, "n1", "")
	require.NoError(t, c.Append(b))
	assert.Equal(t, uint64(3), c.Height())

	err := c.Append(types.NewBlock(2, types.GenesisProblem(), puzzle.BaseSquare(), nil, "n2", ""))
	assert.ErrorIs(t, err, ErrStaleIndex)
}

func TestRangeAndReopen(t *testing.T) {
	dir := t.TempDir()
	c, m := openTestChain(t, dir)
	for i := 0; i < 5; i++ {
		_, err := c.AddBlock(types.GenesisProblem(), puzzle.BaseSquare(), "n1", "")
		require.NoError(t, err)
	}

	blocks, err := c.Range(2, 4)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint64(2), blocks[0].Index)
	assert.Equal(t, uint64(4), blocks[2].Index)

	_, err = c.Range(4, 2)
	assert.Error(t, err)
	m.Close()

	c, m = openTestChain(t, dir)
	defer m.Close()
	assert.Equal(t, uint64(5), c.Height())
	_, err = c.Get(9)
	assert.ErrorIs(t, err, ErrNoBlock)
}
