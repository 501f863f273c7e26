package consensus

import (
	"time"

	"magicchain/types"
)

// Phase 协调者所处阶段，由 RoundState 推导
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingVotes
	PhaseSolved
	PhaseTransactionWindow
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingVotes:
		return "awaiting_votes"
	case PhaseSolved:
		return "solved"
	case PhaseTransactionWindow:
		return "transaction_window"
	}
	return "unknown"
}

// RoundState 一轮的可变状态，只能在 Coordinator 的锁内修改
type RoundState struct {
	CurrentBlock            *types.Block
	ProposalID              string
	Votes                   map[string]bool
	TotalNodes              int
	IsSolved                bool
	IsTransactionWindowOpen bool

	Round      uint64
	Puzzle     *types.Puzzle
	ProposedAt time.Time
}

func NewRoundState(totalNodes int) *RoundState {
	return &RoundState{
		Votes:      make(map[string]bool),
		TotalNodes: totalNodes,
	}
}

func (s *RoundState) Phase() Phase {
	switch {
	case s.IsTransactionWindowOpen:
		return PhaseTransactionWindow
	case s.IsSolved:
		return PhaseSolved
	case s.CurrentBlock != nil:
		return PhaseAwaitingVotes
	}
	return PhaseIdle
}

// accept 接受新提案，清空旧票
func (s *RoundState) accept(b *types.Block, proposalID string, now time.Time) {
	s.CurrentBlock = b
	s.ProposalID = proposalID
	s.Votes = make(map[string]bool)
	s.IsSolved = false
	s.ProposedAt = now
}

// dropProposal 放弃当前提案，题目不变
func (s *RoundState) dropProposal() {
	s.CurrentBlock = nil
	s.ProposalID = ""
	s.Votes = make(map[string]bool)
	s.ProposedAt = time.Time{}
}

// reset 进入下一轮：清空提案、选票和所有标记
func (s *RoundState) reset(next *types.Puzzle) {
	s.dropProposal()
	s.IsSolved = false
	s.IsTransactionWindowOpen = false
	s.Round++
	s.Puzzle = next
}

func (s *RoundState) Tally() (yes, no int) {
	for _, ok := range s.Votes {
		if ok {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

func (s *RoundState) clone() RoundState {
	cp := *s
	cp.CurrentBlock = s.CurrentBlock.Clone()
	cp.Votes = make(map[string]bool, len(s.Votes))
	for k, v := range s.Votes {
		cp.Votes[k] = v
	}
	if s.Puzzle != nil {
		p := *s.Puzzle
		cp.Puzzle = &p
	}
	return cp
}
