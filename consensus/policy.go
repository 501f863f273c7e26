package consensus

import (
	"fmt"
)

const (
	PolicyAnyPositive    = "any-positive"
	PolicyStrictMajority = "strict-majority"
	PolicyFixedCount     = "fixed-count"
)

// QuorumPolicy 判断当前票型是否达成共识
type QuorumPolicy interface {
	Name() string
	Reached(votes map[string]bool, totalNodes int) bool
}

// AnyPositive 至少一票通过即可
type AnyPositive struct{}

func (AnyPositive) Name() string { return PolicyAnyPositive }

func (AnyPositive) Reached(votes map[string]bool, _ int) bool {
	return countYes(votes) > 0
}

// StrictMajority 通过票数超过 totalNodes 的一半
type StrictMajority struct{}

func (StrictMajority) Name() string { return PolicyStrictMajority }

func (StrictMajority) Reached(votes map[string]bool, totalNodes int) bool {
	if totalNodes <= 0 {
		totalNodes = len(votes)
	}
	return totalNodes > 0 && countYes(votes) > totalNodes/2
}

// FixedCount 通过票数达到 N
type FixedCount struct {
	N int
}

func (p FixedCount) Name() string { return fmt.Sprintf("%s(%d)", PolicyFixedCount, p.N) }

func (p FixedCount) Reached(votes map[string]bool, _ int) bool {
	return countYes(votes) >= p.N
}

// PolicyByName 按配置名创建策略，空名使用 any-positive
func PolicyByName(name string, fixedCount int) (QuorumPolicy, error) {
	switch name {
	case "", PolicyAnyPositive:
		return AnyPositive{}, nil
	case PolicyStrictMajority:
		return StrictMajority{}, nil
	case PolicyFixedCount:
		if fixedCount <= 0 {
			return nil, fmt.Errorf("fixed-count policy needs a positive count, got %d", fixedCount)
		}
		return FixedCount{N: fixedCount}, nil
	}
	return nil, fmt.Errorf("unknown quorum policy %q", name)
}

func countYes(votes map[string]bool) int {
	n := 0
	for _, ok := range votes {
		if ok {
			n++
		}
	}
	return n
}
