package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	GenesisNodeID = "GenesisNode"
	GenesisData   = "Genesis Block"
)

var ErrMissingNodeID = errors.New("node_id is required")

// Block 一轮被接受的提交。prev_solution 代替哈希指针链接上一块
type Block struct {
	Index        uint64 `json:"index"`
	Timestamp    string `json:"timestamp"`
	Problem      Grid   `json:"problem"`
	Solution     Grid   `json:"solution"`
	PrevSolution Grid   `json:"prev_solution"`
	NodeID       string `json:"node_id"`
	Data         string `json:"data"`

	// 由协调者在接受提案时盖章，投票可回显以绑定到具体提案
	ProposalID string `json:"proposal_id,omitempty"`
	Round      uint64 `json:"round,omitempty"`
}

// NewBlock 创建区块，timestamp 在创建时记录后不再改变
func NewBlock(index uint64, problem, solution, prevSolution Grid, nodeID, data string) *Block {
	return &Block{
		Index:        index,
		Timestamp:    strconv.FormatInt(time.Now().Unix(), 10),
		Problem:      problem.Clone(),
		Solution:     solution.Clone(),
		PrevSolution: prevSolution.Clone(),
		NodeID:       nodeID,
		Data:         data,
	}
}

// GenesisProblem 创世区块题目：1..16 行优先
func GenesisProblem() Grid {
	return GridFromRows([GridSize][GridSize]uint32{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{13, 14, 15, 16},
	})
}

func NewGenesisBlock() *Block {
	return NewBlock(0, GenesisProblem(), nil, nil, GenesisNodeID, GenesisData)
}

func (b *Block) IsGenesis() bool {
	return b.Index == 0
}

func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Problem = b.Problem.Clone()
	cp.Solution = b.Solution.Clone()
	cp.PrevSolution = b.PrevSolution.Clone()
	return &cp
}

// Validate 只检查形状，不判断解是否正确（那是投票节点的事）
func (b *Block) Validate() error {
	if b.NodeID == "" {
		return ErrMissingNodeID
	}
	if err := b.Problem.Validate(); err != nil {
		return fmt.Errorf("problem: %w", err)
	}
	if err := b.Solution.Validate(); err != nil {
		return fmt.Errorf("solution: %w", err)
	}
	if !b.PrevSolution.IsEmpty() {
		if err := b.PrevSolution.Validate(); err != nil {
			return fmt.Errorf("prev_solution: %w", err)
		}
	}
	return nil
}
