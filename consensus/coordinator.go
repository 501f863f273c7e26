package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"magicchain/interfaces"
	"magicchain/logs"
	"magicchain/types"
)

var (
	ErrNilProposal             = errors.New("proposal is nil")
	ErrTransactionWindowClosed = errors.New("transaction window is closed")
	ErrNoTxPool                = errors.New("no transaction pool configured")
	ErrStopped                 = errors.New("coordinator stopped")
)

type SubmitStatus int

const (
	SubmitAccepted SubmitStatus = iota
	SubmitAlreadyPending
)

func (s SubmitStatus) String() string {
	if s == SubmitAccepted {
		return "accepted"
	}
	return "already_pending"
}

// SubmitResult 提交结果。AlreadyPending 不是错误，只是被忽略
type SubmitResult struct {
	Status     SubmitStatus
	ProposalID string
	Round      uint64
	Block      *types.Block
}

type VoteStatus int

const (
	VoteRecorded VoteStatus = iota
	VoteIgnored
)

func (s VoteStatus) String() string {
	if s == VoteRecorded {
		return "recorded"
	}
	return "ignored"
}

// VoteResult 记票后的计数
type VoteResult struct {
	Status VoteStatus
	Round  uint64
	Yes    int
	No     int
	Reason string
}

// Coordinator 共识协调者。RoundState 只在 mu 内修改；
// 广播和事件分发都在解锁之后进行，慢订阅者不会阻塞状态推进
type Coordinator struct {
	mu     sync.Mutex
	state  *RoundState
	policy QuorumPolicy
	cfg    Config

	puzzles interfaces.PuzzleSource
	hub     interfaces.Broadcaster
	txs     interfaces.TxSink
	events  interfaces.EventBus

	windowTimer *time.Timer
	roundTimer  *time.Timer
	stopped     bool

	Logger logs.Logger
}

// NewCoordinator 创建协调者；txs 可以为 nil（此时交易窗口不收交易）
func NewCoordinator(
	cfg Config,
	puzzles interfaces.PuzzleSource,
	hub interfaces.Broadcaster,
	txs interfaces.TxSink,
	events interfaces.EventBus,
	logger logs.Logger,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := PolicyByName(cfg.Policy, cfg.FixedCount)
	if events == nil {
		events = NewEventBus()
	}
	if logger == nil {
		logger = logs.NewNodeLogger("coordinator", 0)
	}
	return &Coordinator{
		state:   NewRoundState(cfg.TotalNodes),
		policy:  policy,
		cfg:     cfg,
		puzzles: puzzles,
		hub:     hub,
		txs:     txs,
		events:  events,
		Logger:  logger,
	}, nil
}

func (c *Coordinator) Events() interfaces.EventBus {
	return c.events
}

// SetPolicy 运行时替换法定票数策略
func (c *Coordinator) SetPolicy(p QuorumPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
	c.Logger.Info("[Coordinator] quorum policy set to %s", p.Name())
}

// Start 出第一道题并广播；ctx 结束时停止所有计时器
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	var first *types.Puzzle
	if c.state.Puzzle == nil && !c.stopped {
		first = c.nextRoundLocked()
	}
	round, policy := c.state.Round, c.policy.Name()
	c.mu.Unlock()

	if first != nil {
		c.Logger.Info("[Coordinator] Started, round %d, policy=%s", round, policy)
		c.publishPuzzle(*first)
	}

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.stopTimersLocked()
	c.Logger.Info("[Coordinator] Stopped")
}

// SubmitBlock 本轮第一个提案被接受并广播，之后的提交一律 AlreadyPending
func (c *Coordinator) SubmitBlock(b *types.Block) (SubmitResult, error) {
	if b == nil {
		return SubmitResult{}, ErrNilProposal
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return SubmitResult{}, ErrStopped
	}
	if phase := c.state.Phase(); phase != PhaseIdle {
		res := SubmitResult{
			Status:     SubmitAlreadyPending,
			ProposalID: c.state.ProposalID,
			Round:      c.state.Round,
		}
		c.mu.Unlock()
		c.Logger.Info("[Coordinator] block from %s ignored: %s (round %d)", b.NodeID, phase, res.Round)
		return res, nil
	}

	proposal := b.Clone()
	proposal.ProposalID = uuid.NewString()
	proposal.Round = c.state.Round
	c.state.accept(proposal, proposal.ProposalID, time.Now())
	c.armRoundTimerLocked(proposal.Round, proposal.ProposalID)
	res := SubmitResult{
		Status:     SubmitAccepted,
		ProposalID: proposal.ProposalID,
		Round:      proposal.Round,
		Block:      proposal.Clone(),
	}
	c.mu.Unlock()

	c.Logger.Info("[Coordinator] accepted block %d from %s, proposal=%s round=%d",
		proposal.Index, proposal.NodeID, proposal.ProposalID, proposal.Round)
	if n := c.hub.PublishBlock(*res.Block); n == 0 {
		c.Logger.Warn("[Coordinator] proposal %s broadcast reached no subscribers", proposal.ProposalID)
	}
	c.events.Publish(types.BaseEvent{EventType: types.EventBlockProposed, EventData: res.Block.Clone()})
	return res, nil
}

// RecordVote 记录/覆盖某节点本轮的票。只在等待投票阶段有效；
// 回显的 proposal_id 与当前提案不符时忽略
func (c *Coordinator) RecordVote(v types.Vote) VoteResult {
	c.mu.Lock()
	res := c.recordLocked(v)
	c.mu.Unlock()

	c.voteRecorded(v, res)
	return res
}

func (c *Coordinator) recordLocked(v types.Vote) VoteResult {
	res := VoteResult{Round: c.state.Round}
	switch {
	case c.stopped:
		res.Status = VoteIgnored
		res.Reason = "coordinator stopped"
	case c.state.Phase() != PhaseAwaitingVotes:
		res.Status = VoteIgnored
		res.Reason = "no proposal awaiting votes"
	case v.ProposalID != "" && v.ProposalID != c.state.ProposalID:
		res.Status = VoteIgnored
		res.Reason = "stale proposal id"
	default:
		c.state.Votes[v.NodeID] = v.IsValid
		res.Status = VoteRecorded
	}
	res.Yes, res.No = c.state.Tally()
	return res
}

func (c *Coordinator) voteRecorded(v types.Vote, res VoteResult) {
	if res.Status == VoteIgnored {
		c.Logger.Debug("[Coordinator] vote from %s ignored: %s", v.NodeID, res.Reason)
	} else {
		c.Logger.Info("[Coordinator] vote from %s: valid=%v (yes=%d no=%d)", v.NodeID, v.IsValid, res.Yes, res.No)
	}
	c.events.Publish(types.BaseEvent{
		EventType: types.EventVoteRecorded,
		EventData: types.VoteRecordedData{Round: res.Round, Vote: v, Tally: res.Yes, Ignore: res.Status == VoteIgnored},
	})
}

// CheckConsensus 当前提案是否已满足法定票数
func (c *Coordinator) CheckConsensus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachedLocked()
}

func (c *Coordinator) reachedLocked() bool {
	return c.state.Phase() == PhaseAwaitingVotes && c.policy.Reached(c.state.Votes, c.state.TotalNodes)
}

// advance 一次定稿的结果，解锁后据此发布事件
type advance struct {
	finalized *types.Block
	next      *types.Puzzle
	round     uint64
	window    time.Duration
}

// AdvanceRound 当前提案达到法定票数时定稿并进入下一轮（或先开交易窗口）。
// 每个提案最多定稿一次；票数不够、已定稿或已停止时返回 false
func (c *Coordinator) AdvanceRound() bool {
	c.mu.Lock()
	if c.state.CurrentBlock == nil {
		c.mu.Unlock()
		c.Logger.Warn("[Coordinator] advance requested with no current block, ignoring")
		return false
	}
	adv, ok := c.advanceLocked(c.state.ProposalID)
	c.mu.Unlock()

	if !ok {
		c.Logger.Debug("[Coordinator] round %d not advanced", adv.round)
		return false
	}
	c.publishAdvance(adv)
	return true
}

// advanceLocked 只定稿 proposalID 对应且已达法定票数的提案，调用方持有 mu
func (c *Coordinator) advanceLocked(proposalID string) (advance, bool) {
	adv := advance{round: c.state.Round}
	if c.stopped || c.state.ProposalID != proposalID || !c.reachedLocked() {
		return adv, false
	}

	c.state.IsSolved = true
	c.stopRoundTimerLocked()
	adv.finalized = c.state.CurrentBlock.Clone()

	if window := c.cfg.TransactionWindow; window > 0 {
		round := adv.round
		adv.window = window
		c.state.IsTransactionWindowOpen = true
		c.windowTimer = time.AfterFunc(window, func() { c.closeWindow(round) })
	} else {
		adv.next = c.nextRoundLocked()
	}
	return adv, true
}

func (c *Coordinator) publishAdvance(adv advance) {
	c.Logger.Info("[Coordinator] round %d solved by %s (block %d)", adv.round, adv.finalized.NodeID, adv.finalized.Index)
	c.events.Publish(types.BaseEvent{EventType: types.EventBlockFinalized, EventData: adv.finalized})
	if adv.next != nil {
		c.publishPuzzle(*adv.next)
		return
	}
	c.Logger.Info("[Coordinator] transaction window open for %s", adv.window)
	c.events.Publish(types.BaseEvent{EventType: types.EventWindowOpened, EventData: types.WindowData{Round: adv.round}})
}

// HandleVote 在同一临界区内记票、检查共识，并只推进这张票所投的提案
func (c *Coordinator) HandleVote(v types.Vote) (VoteResult, bool) {
	c.mu.Lock()
	res := c.recordLocked(v)
	var (
		adv      advance
		advanced bool
	)
	if res.Status == VoteRecorded {
		adv, advanced = c.advanceLocked(c.state.ProposalID)
	}
	c.mu.Unlock()

	c.voteRecorded(v, res)
	if advanced {
		c.publishAdvance(adv)
	}
	return res, advanced
}

// BroadcastProblem 手动出一道新题并广播（调试用），不影响进行中的提案
func (c *Coordinator) BroadcastProblem() (types.Puzzle, int) {
	p := c.puzzles.Generate()
	c.mu.Lock()
	c.state.Puzzle = &p
	c.mu.Unlock()
	return p, c.publishPuzzle(p)
}

// SubmitTransaction 只在交易窗口打开时接受交易。入池在锁外进行，
// 交易池落盘慢时不会卡住投票和出题
func (c *Coordinator) SubmitTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	open := c.state.IsTransactionWindowOpen && !c.stopped
	round := c.state.Round
	c.mu.Unlock()

	if !open {
		return nil, ErrTransactionWindowClosed
	}
	if c.txs == nil {
		return nil, ErrNoTxPool
	}
	tx.Round = round
	return c.txs.Add(tx)
}

// CurrentPuzzle 当前轮次的题目
func (c *Coordinator) CurrentPuzzle() (types.Puzzle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Puzzle == nil {
		return types.Puzzle{}, false
	}
	return *c.state.Puzzle, true
}

// Status 对外暴露的轮次快照
type Status struct {
	Phase        string          `json:"phase"`
	Round        uint64          `json:"round"`
	ProposalID   string          `json:"proposal_id,omitempty"`
	CurrentBlock *types.Block    `json:"current_block"`
	Votes        map[string]bool `json:"votes"`
	Yes          int             `json:"yes"`
	No           int             `json:"no"`
	TotalNodes   int             `json:"total_nodes"`
	Policy       string          `json:"policy"`
	IsSolved     bool            `json:"is_solved"`
	WindowOpen   bool            `json:"is_transaction_window_open"`
	Puzzle       *types.Puzzle   `json:"puzzle,omitempty"`
	ProposedAt   int64           `json:"proposed_at,omitempty"`
}

func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	st := c.state.clone()
	policy := c.policy.Name()
	c.mu.Unlock()

	yes, no := st.Tally()
	out := Status{
		Phase:        st.Phase().String(),
		Round:        st.Round,
		ProposalID:   st.ProposalID,
		CurrentBlock: st.CurrentBlock,
		Votes:        st.Votes,
		Yes:          yes,
		No:           no,
		TotalNodes:   st.TotalNodes,
		Policy:       policy,
		IsSolved:     st.IsSolved,
		WindowOpen:   st.IsTransactionWindowOpen,
		Puzzle:       st.Puzzle,
	}
	if !st.ProposedAt.IsZero() {
		out.ProposedAt = st.ProposedAt.Unix()
	}
	return out
}

// closeWindow 交易窗口到期：冲刷交易池、出新题、重置轮次
func (c *Coordinator) closeWindow(round uint64) {
	c.mu.Lock()
	if c.stopped || c.state.Round != round || !c.state.IsTransactionWindowOpen {
		c.mu.Unlock()
		return
	}
	count := 0
	if c.txs != nil {
		count = c.txs.Flush()
	}
	next := c.nextRoundLocked()
	c.mu.Unlock()

	c.Logger.Info("[Coordinator] transaction window of round %d closed, %d tx", round, count)
	c.events.Publish(types.BaseEvent{EventType: types.EventWindowClosed, EventData: types.WindowData{Round: round, Transactions: count}})
	c.publishPuzzle(*next)
}

// expireRound 提案超时未达成共识：丢弃提案，重新广播当前题目
func (c *Coordinator) expireRound(round uint64, proposalID string) {
	c.mu.Lock()
	if c.stopped || c.state.Round != round || c.state.ProposalID != proposalID ||
		c.state.Phase() != PhaseAwaitingVotes {
		c.mu.Unlock()
		return
	}
	dropped := c.state.CurrentBlock.Clone()
	c.state.dropProposal()
	c.roundTimer = nil
	var current *types.Puzzle
	if c.state.Puzzle != nil {
		p := *c.state.Puzzle
		current = &p
	}
	c.mu.Unlock()

	c.Logger.Warn("[Coordinator] proposal %s from %s timed out after %s, round %d reopened",
		proposalID, dropped.NodeID, c.cfg.RoundTimeout, round)
	c.events.Publish(types.BaseEvent{EventType: types.EventRoundExpired, EventData: dropped})
	if current != nil {
		c.publishPuzzle(*current)
	}
}

// nextRoundLocked 出新题并重置状态，调用方持有 mu
func (c *Coordinator) nextRoundLocked() *types.Puzzle {
	c.stopTimersLocked()
	p := c.puzzles.Generate()
	c.state.reset(&p)
	return &p
}

func (c *Coordinator) armRoundTimerLocked(round uint64, proposalID string) {
	if c.cfg.RoundTimeout <= 0 {
		return
	}
	c.stopRoundTimerLocked()
	c.roundTimer = time.AfterFunc(c.cfg.RoundTimeout, func() { c.expireRound(round, proposalID) })
}

func (c *Coordinator) stopRoundTimerLocked() {
	if c.roundTimer != nil {
		c.roundTimer.Stop()
		c.roundTimer = nil
	}
}

func (c *Coordinator) stopTimersLocked() {
	c.stopRoundTimerLocked()
	if c.windowTimer != nil {
		c.windowTimer.Stop()
		c.windowTimer = nil
	}
}

func (c *Coordinator) publishPuzzle(p types.Puzzle) int {
	n := c.hub.PublishPuzzle(p)
	if n == 0 {
		c.Logger.Warn("[Coordinator] puzzle %d broadcast reached no subscribers", p.ID)
	} else {
		c.Logger.Info("[Coordinator] puzzle %d broadcast to %d subscriber(s)", p.ID, n)
	}
	c.events.Publish(types.BaseEvent{EventType: types.EventPuzzleIssued, EventData: p})
	return n
}
