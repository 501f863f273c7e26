package interfaces

import (
	"magicchain/types"
)

// ============================================
// 事件
// ============================================

type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(Event)

type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}

// ============================================
// 协调者依赖的外部组件
// ============================================

// PuzzleSource 每轮出一道新题
type PuzzleSource interface {
	Generate() types.Puzzle
}

// Broadcaster 把题目/提案推给所有订阅者，返回成功投递的数量
type Broadcaster interface {
	PublishPuzzle(p types.Puzzle) int
	PublishBlock(b types.Block) int
}

// TxSink 交易窗口内收到的交易
type TxSink interface {
	Add(tx *types.Transaction) (*types.Transaction, error)
	Flush() int
}

// BlockStore 已定稿区块的只读视图（HTTP 查询用）
type BlockStore interface {
	Latest() (*types.Block, error)
	Get(index uint64) (*types.Block, error)
	Range(from, to uint64) ([]*types.Block, error)
}
