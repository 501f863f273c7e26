package consensus

import (
	"fmt"
	"time"
)

// ============================================
// 配置管理
// ============================================

type Config struct {
	// Policy 法定票数策略名：any-positive | strict-majority | fixed-count
	Policy     string
	FixedCount int
	// TotalNodes 预期参与投票的节点数（strict-majority 使用）
	TotalNodes int
	// TransactionWindow 定稿后开放交易的时长，0 表示直接进入下一轮
	TransactionWindow time.Duration
	// RoundTimeout 提案等待投票的最长时间，0 表示无限等待
	RoundTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:     PolicyAnyPositive,
		FixedCount: 2,
		TotalNodes: 3,
	}
}

func (c Config) Validate() error {
	if _, err := PolicyByName(c.Policy, c.FixedCount); err != nil {
		return err
	}
	if c.TotalNodes < 0 {
		return fmt.Errorf("total_nodes must not be negative, got %d", c.TotalNodes)
	}
	if c.TransactionWindow < 0 {
		return fmt.Errorf("transaction_window must not be negative, got %s", c.TransactionWindow)
	}
	if c.RoundTimeout < 0 {
		return fmt.Errorf("round_timeout must not be negative, got %s", c.RoundTimeout)
	}
	return nil
}
