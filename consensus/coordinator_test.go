package consensus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicchain/interfaces"
	"magicchain/types"
)

type countingPuzzles struct {
	next atomic.Uint64
}

func (p *countingPuzzles) Generate() types.Puzzle {
	id := p.next.Add(1)
	return types.NewPuzzle(id, types.GenesisProblem(), nil, time.Now().Unix())
}

type recordingHub struct {
	mu      sync.Mutex
	puzzles []types.Puzzle
	blocks  []types.Block
}

func (h *recordingHub) PublishPuzzle(p types.Puzzle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.puzzles = append(h.puzzles, p)
	return 1
}

func (h *recordingHub) PublishBlock(b types.Block) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks = append(h.blocks, b)
	return 1
}

func (h *recordingHub) puzzleCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.puzzles)
}

func (h *recordingHub) blockCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}

type memTxs struct {
	mu      sync.Mutex
	txs     []*types.Transaction
	flushed int
}

func (m *memTxs) Add(tx *types.Transaction) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.Index = uint64(len(m.txs) + 1)
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *memTxs) Flush() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed++
	return len(m.txs)
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *recordingHub, *memTxs) {
	t.Helper()
	hub := &recordingHub{}
	txs := &memTxs{}
	c, err := NewCoordinator(cfg, &countingPuzzles{}, hub, txs, NewEventBus(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, hub, txs
}

func testBlock(nodeID string) *types.Block {
	return types.NewBlock(1, types.GenesisProblem(), types.GenesisProblem(), nil, nodeID, "")
}

func TestSubmitTwiceReturnsAlreadyPending(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())

	first, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)
	assert.Equal(t, SubmitAccepted, first.Status)
	assert.NotEmpty(t, first.ProposalID)

	second, err := c.SubmitBlock(testBlock("n2"))
	require.NoError(t, err)
	assert.Equal(t, SubmitAlreadyPending, second.Status)
	assert.Equal(t, first.ProposalID, second.ProposalID)

	snap := c.Snapshot()
	require.NotNil(t, snap.CurrentBlock)
	assert.Equal(t, "n1", snap.CurrentBlock.NodeID)
	assert.Equal(t, PhaseAwaitingVotes.String(), snap.Phase)
	assert.Equal(t, 1, hub.blockCount())
}

func TestSubmitNilProposal(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(nil)
	assert.ErrorIs(t, err, ErrNilProposal)
}

func TestLastVoteWins(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	assert.Equal(t, VoteRecorded, c.RecordVote(types.Vote{NodeID: "A", IsValid: true}).Status)
	res := c.RecordVote(types.Vote{NodeID: "A", IsValid: false})
	assert.Equal(t, 0, res.Yes)
	assert.Equal(t, 1, res.No)

	snap := c.Snapshot()
	assert.Equal(t, map[string]bool{"A": false}, snap.Votes)
	assert.False(t, c.CheckConsensus())
}

func TestAnyPositiveConsensus(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	c.RecordVote(types.Vote{NodeID: "A", IsValid: false})
	assert.False(t, c.CheckConsensus())

	c.RecordVote(types.Vote{NodeID: "B", IsValid: true})
	assert.True(t, c.CheckConsensus())
}

func TestVoteWithoutProposalIsIgnored(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	res := c.RecordVote(types.Vote{NodeID: "A", IsValid: true})
	assert.Equal(t, VoteIgnored, res.Status)
	assert.False(t, c.CheckConsensus())
}

func TestVoteForStaleProposalIsIgnored(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	sub, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	res := c.RecordVote(types.Vote{NodeID: "A", IsValid: true, ProposalID: "some-older-proposal"})
	assert.Equal(t, VoteIgnored, res.Status)
	assert.False(t, c.CheckConsensus())

	res = c.RecordVote(types.Vote{NodeID: "A", IsValid: true, ProposalID: sub.ProposalID})
	assert.Equal(t, VoteRecorded, res.Status)
	assert.True(t, c.CheckConsensus())
}

func TestAdvanceRoundIsIdempotent(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)
	c.RecordVote(types.Vote{NodeID: "A", IsValid: true})

	assert.True(t, c.AdvanceRound())
	assert.False(t, c.AdvanceRound())

	assert.Equal(t, 1, hub.puzzleCount())
	snap := c.Snapshot()
	assert.Equal(t, PhaseIdle.String(), snap.Phase)
	assert.Empty(t, snap.Votes)
	assert.Equal(t, uint64(1), snap.Round)
}

func TestAdvanceWithoutBlockIsNoop(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())
	assert.False(t, c.AdvanceRound())
	assert.Equal(t, 0, hub.puzzleCount())
}

func TestEndToEndRound(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())

	var finalized []*types.Block
	c.Events().Subscribe(types.EventBlockFinalized, func(e interfaces.Event) {
		finalized = append(finalized, e.Data().(*types.Block))
	})

	block := types.NewBlock(1, types.GenesisProblem(), types.GenesisProblem(), nil, "n1", "")
	sub, err := c.SubmitBlock(block)
	require.NoError(t, err)
	require.Equal(t, SubmitAccepted, sub.Status)

	res, advanced := c.HandleVote(types.Vote{NodeID: "n1", IsValid: true})
	assert.Equal(t, VoteRecorded, res.Status)
	assert.True(t, advanced)

	assert.Equal(t, 1, hub.puzzleCount())
	require.Len(t, finalized, 1)
	assert.Equal(t, sub.ProposalID, finalized[0].ProposalID)
	assert.Equal(t, uint64(1), finalized[0].Index)

	snap := c.Snapshot()
	assert.Nil(t, snap.CurrentBlock)
	assert.Empty(t, snap.Votes)
	assert.False(t, snap.IsSolved)
	assert.Equal(t, PhaseIdle.String(), snap.Phase)

	// 达成共识之后到达的票被忽略，不会再出题
	late, advanced := c.HandleVote(types.Vote{NodeID: "n2", IsValid: true})
	assert.Equal(t, VoteIgnored, late.Status)
	assert.False(t, advanced)
	assert.Equal(t, 1, hub.puzzleCount())
}

func TestConcurrentSubmitAcceptsExactlyOne(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())

	const callers = 32
	var accepted, pending atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := c.SubmitBlock(testBlock(string(rune('a' + i))))
			if err != nil {
				return
			}
			if res.Status == SubmitAccepted {
				accepted.Add(1)
			} else {
				pending.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), pending.Load())
	assert.Equal(t, 1, hub.blockCount())
}

func TestConcurrentVotesAdvanceOnce(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var advances atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := c.HandleVote(types.Vote{NodeID: string(rune('A' + i)), IsValid: true}); ok {
				advances.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), advances.Load())
	assert.Equal(t, 1, hub.puzzleCount())
}

func TestStrictMajorityCoordinator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyStrictMajority
	cfg.TotalNodes = 3
	c, _, _ := newTestCoordinator(t, cfg)
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	_, advanced := c.HandleVote(types.Vote{NodeID: "A", IsValid: true})
	assert.False(t, advanced)
	_, advanced = c.HandleVote(types.Vote{NodeID: "B", IsValid: true})
	assert.True(t, advanced)
}

func TestTransactionWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransactionWindow = 50 * time.Millisecond
	c, hub, txs := newTestCoordinator(t, cfg)

	tx := &types.Transaction{SenderID: "a", ReceiverID: "b", Amount: decimal.NewFromInt(5)}
	_, err := c.SubmitTransaction(tx)
	assert.ErrorIs(t, err, ErrTransactionWindowClosed)

	_, err = c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)
	_, advanced := c.HandleVote(types.Vote{NodeID: "n1", IsValid: true})
	require.True(t, advanced)

	snap := c.Snapshot()
	assert.Equal(t, PhaseTransactionWindow.String(), snap.Phase)
	assert.True(t, snap.WindowOpen)
	assert.Equal(t, 0, hub.puzzleCount())

	// 窗口期内不接受新提案
	res, err := c.SubmitBlock(testBlock("n2"))
	require.NoError(t, err)
	assert.Equal(t, SubmitAlreadyPending, res.Status)

	added, err := c.SubmitTransaction(&types.Transaction{SenderID: "a", ReceiverID: "b", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), added.Index)
	assert.Equal(t, snap.Round, added.Round)

	require.Eventually(t, func() bool { return hub.puzzleCount() == 1 }, time.Second, 5*time.Millisecond)
	snap = c.Snapshot()
	assert.Equal(t, PhaseIdle.String(), snap.Phase)
	assert.False(t, snap.WindowOpen)
	txs.mu.Lock()
	assert.Equal(t, 1, txs.flushed)
	txs.mu.Unlock()

	_, err = c.SubmitTransaction(&types.Transaction{SenderID: "a", ReceiverID: "b"})
	assert.ErrorIs(t, err, ErrTransactionWindowClosed)
}

func TestRoundTimeoutReopensRound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoundTimeout = 30 * time.Millisecond
	c, hub, _ := newTestCoordinator(t, cfg)

	expired := make(chan *types.Block, 1)
	c.Events().Subscribe(types.EventRoundExpired, func(e interfaces.Event) {
		expired <- e.Data().(*types.Block)
	})

	c.Start(context.Background())
	require.Equal(t, 1, hub.puzzleCount())
	first, ok := c.CurrentPuzzle()
	require.True(t, ok)

	sub, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)
	c.RecordVote(types.Vote{NodeID: "A", IsValid: false})

	select {
	case b := <-expired:
		assert.Equal(t, sub.ProposalID, b.ProposalID)
	case <-time.After(time.Second):
		t.Fatal("round did not expire")
	}

	require.Eventually(t, func() bool { return hub.puzzleCount() == 2 }, time.Second, 5*time.Millisecond)
	hub.mu.Lock()
	assert.Equal(t, first.ID, hub.puzzles[1].ID)
	hub.mu.Unlock()

	snap := c.Snapshot()
	assert.Equal(t, PhaseIdle.String(), snap.Phase)
	assert.Equal(t, sub.Round, snap.Round)

	res, err := c.SubmitBlock(testBlock("n2"))
	require.NoError(t, err)
	assert.Equal(t, SubmitAccepted, res.Status)
}

func TestBroadcastProblemKeepsProposal(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	p, n := c.BroadcastProblem()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, hub.puzzleCount())
	cur, ok := c.CurrentPuzzle()
	require.True(t, ok)
	assert.Equal(t, p.ID, cur.ID)
	assert.Equal(t, PhaseAwaitingVotes.String(), c.Snapshot().Phase)
}

func TestStopRejectsSubmissions(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, err := c.SubmitBlock(testBlock("n1"))
		return err == ErrStopped
	}, time.Second, 5*time.Millisecond)
}

func TestSetPolicyStrictMajority(t *testing.T) {
	c, _, _ := newTestCoordinator(t, DefaultConfig())
	c.SetPolicy(StrictMajority{})
	assert.Equal(t, PolicyStrictMajority, c.Snapshot().Policy)

	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	c.RecordVote(types.Vote{NodeID: "A", IsValid: true})
	assert.False(t, c.CheckConsensus())

	c.RecordVote(types.Vote{NodeID: "B", IsValid: true})
	assert.True(t, c.CheckConsensus())
}

func TestAdvanceRoundRequiresQuorum(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)

	assert.False(t, c.AdvanceRound())
	c.RecordVote(types.Vote{NodeID: "A", IsValid: false})
	assert.False(t, c.AdvanceRound())

	assert.Equal(t, 0, hub.puzzleCount())
	assert.Equal(t, PhaseAwaitingVotes.String(), c.Snapshot().Phase)
}

func TestConcurrentVotesNeverFinalizeNextProposal(t *testing.T) {
	for iter := 0; iter < 200; iter++ {
		c, _, _ := newTestCoordinator(t, DefaultConfig())

		var (
			mu        sync.Mutex
			finalized []string
			resubmit  sync.Once
		)
		c.Events().Subscribe(types.EventBlockFinalized, func(e interfaces.Event) {
			b := e.Data().(*types.Block)
			mu.Lock()
			finalized = append(finalized, b.ProposalID)
			mu.Unlock()
			// 定稿后立刻有下一个提案进来
			resubmit.Do(func() { _, _ = c.SubmitBlock(testBlock("n2")) })
		})

		first, err := c.SubmitBlock(testBlock("n1"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				c.HandleVote(types.Vote{NodeID: string(rune('A' + i)), IsValid: true, ProposalID: first.ProposalID})
			}(i)
		}
		close(start)
		wg.Wait()

		mu.Lock()
		require.Equal(t, []string{first.ProposalID}, finalized, "iteration %d", iter)
		mu.Unlock()

		snap := c.Snapshot()
		assert.Equal(t, PhaseAwaitingVotes.String(), snap.Phase)
		assert.Empty(t, snap.Votes)
		c.Stop()
	}
}

func TestStoppedCoordinatorIgnoresVotes(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, DefaultConfig())
	_, err := c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)
	c.Stop()

	res := c.RecordVote(types.Vote{NodeID: "A", IsValid: true})
	assert.Equal(t, VoteIgnored, res.Status)
	_, advanced := c.HandleVote(types.Vote{NodeID: "B", IsValid: true})
	assert.False(t, advanced)
	assert.False(t, c.AdvanceRound())
	assert.Equal(t, 0, hub.puzzleCount())
}

type gatedTxs struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTxs) Add(tx *types.Transaction) (*types.Transaction, error) {
	close(g.entered)
	<-g.release
	return tx, nil
}

func (g *gatedTxs) Flush() int { return 0 }

func TestSlowTxPoolDoesNotBlockCoordinator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransactionWindow = time.Minute
	txs := &gatedTxs{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := NewCoordinator(cfg, &countingPuzzles{}, &recordingHub{}, txs, NewEventBus(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	_, err = c.SubmitBlock(testBlock("n1"))
	require.NoError(t, err)
	_, advanced := c.HandleVote(types.Vote{NodeID: "n1", IsValid: true})
	require.True(t, advanced)

	added := make(chan error, 1)
	go func() {
		_, err := c.SubmitTransaction(&types.Transaction{SenderID: "a", ReceiverID: "b", Amount: decimal.NewFromInt(1)})
		added <- err
	}()
	<-txs.entered

	done := make(chan Status, 1)
	go func() { done <- c.Snapshot() }()
	select {
	case snap := <-done:
		assert.True(t, snap.WindowOpen)
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked while the pool was busy")
	}

	close(txs.release)
	assert.NoError(t, <-added)
}
