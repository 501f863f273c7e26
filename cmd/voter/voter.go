package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"magicchain/chain"
	"magicchain/logs"
	"magicchain/puzzle"
	"magicchain/sender"
	"magicchain/types"
)

var (
	errNoProblem       = errors.New("no problem received yet")
	errProblemMismatch = errors.New("block problem differs from the issued puzzle")
)

// BlockReward 自己提交的区块被本地接受时增加的余额
const BlockReward = 10

var nodeNames = []string{"SangNamJa", "HeeSeungSim", "SeungJaeLee", "MadCamp2024W", "JunhoKim", "JunhoPark"}

// randomNodeID 形如 JunhoKim042
func randomNodeID(rng *rand.Rand) string {
	return fmt.Sprintf("%s%03d", nodeNames[rng.Intn(len(nodeNames))], rng.Intn(999)+1)
}

// coordinatorClient 投票节点需要的服务端接口
type coordinatorClient interface {
	SubmitBlock(ctx context.Context, b *types.Block) (*sender.SubmitBlockResponse, error)
	SubmitVote(ctx context.Context, v types.Vote) (*sender.VoteResponse, error)
}

// ClientVoter 接收题目和提案，本地验证后投票，验证通过的区块写入本地账本
type ClientVoter struct {
	nodeID string
	client coordinatorClient
	chain  *chain.Chain
	solve  bool
	view   *view

	mu      sync.Mutex
	problem *types.Puzzle
	balance int64

	timeout time.Duration
	Logger  logs.Logger
}

func newClientVoter(nodeID string, client coordinatorClient, ledger *chain.Chain, solve bool, v *view) *ClientVoter {
	return &ClientVoter{
		nodeID:  nodeID,
		client:  client,
		chain:   ledger,
		solve:   solve,
		view:    v,
		timeout: 10 * time.Second,
		Logger:  logs.NewNodeLogger("voter", 0),
	}
}

// OnFrame 处理一帧推送
func (cv *ClientVoter) OnFrame(msg types.ServerMessage) {
	switch msg.Type {
	case types.MsgProblem:
		p, err := msg.Puzzle()
		if err != nil {
			cv.Logger.Warn("[Voter] bad problem frame: %v", err)
			return
		}
		cv.onProblem(p)
	case types.MsgBlock:
		b, err := msg.Block()
		if err != nil {
			cv.Logger.Warn("[Voter] bad block frame: %v", err)
			return
		}
		cv.onBlock(b)
	default:
		cv.Logger.Debug("[Voter] ignoring frame type %q", msg.Type)
	}
}

func (cv *ClientVoter) onProblem(p types.Puzzle) {
	cv.mu.Lock()
	cv.problem = &p
	cv.mu.Unlock()
	cv.view.problem(p)

	if !cv.solve {
		return
	}
	sols := puzzle.Solve(p.Matrix, 1)
	if len(sols) == 0 {
		cv.Logger.Warn("[Voter] puzzle %d has no completion", p.ID)
		return
	}
	b, err := cv.chain.NextBlock(p.Matrix, sols[0], cv.nodeID, fmt.Sprintf("puzzle %d", p.ID))
	if err != nil {
		cv.Logger.Error("[Voter] build block: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cv.timeout)
	defer cancel()
	resp, err := cv.client.SubmitBlock(ctx, b)
	if err != nil {
		cv.Logger.Error("[Voter] submit block: %v", err)
		return
	}
	cv.view.submitted(b, resp)
}

// check 区块必须解的是本轮下发的题目，且解法正确
func (cv *ClientVoter) check(b types.Block) error {
	cv.mu.Lock()
	issued := cv.problem
	cv.mu.Unlock()
	if issued == nil {
		return errNoProblem
	}
	if !b.Problem.Equal(issued.Matrix) {
		return errProblemMismatch
	}
	return puzzle.Verify(b.Problem, b.Solution)
}

func (cv *ClientVoter) onBlock(b types.Block) {
	verr := cv.check(b)
	valid := verr == nil
	cv.view.verdict(b, verr)

	if valid {
		cv.appendLocal(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cv.timeout)
	defer cancel()
	resp, err := cv.client.SubmitVote(ctx, types.Vote{NodeID: cv.nodeID, IsValid: valid, ProposalID: b.ProposalID})
	if err != nil {
		cv.Logger.Error("[Voter] submit vote: %v", err)
		return
	}
	cv.view.voted(resp)
}

// appendLocal 以本地最新块为前驱重建区块并写入本地账本
func (cv *ClientVoter) appendLocal(b types.Block) {
	stored, err := cv.chain.AddBlock(b.Problem, b.Solution, b.NodeID, b.Data)
	if err != nil {
		cv.Logger.Error("[Voter] append block: %v", err)
		return
	}
	cv.mu.Lock()
	if b.NodeID == cv.nodeID {
		cv.balance += BlockReward
	}
	balance := cv.balance
	cv.mu.Unlock()
	cv.view.appended(stored, balance)
}

func (cv *ClientVoter) Balance() int64 {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.balance
}

func (cv *ClientVoter) CurrentProblem() (types.Puzzle, bool) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.problem == nil {
		return types.Puzzle{}, false
	}
	return *cv.problem, true
}
