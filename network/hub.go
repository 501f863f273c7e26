package network

import (
	"sync"
	"sync/atomic"

	"magicchain/logs"
	"magicchain/types"
)

const (
	TopicPuzzles = "puzzles"
	TopicBlocks  = "blocks"

	// DefaultBuffer 每个订阅者的缓冲区大小
	DefaultBuffer = 100
)

// Observer 接收每次广播的投递结果（metrics 用）
type Observer interface {
	ObserveBroadcast(topic string, delivered, dropped int)
}

// Hub 两条互相独立的广播通道：新题目、被接受的提案。
// 只投递订阅之后发布的消息，不回放；单个订阅者内保持 FIFO
type Hub struct {
	puzzles *topic[types.Puzzle]
	blocks  *topic[types.Block]

	Logger   logs.Logger
	Observer Observer
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		puzzles: newTopic[types.Puzzle](TopicPuzzles, buffer),
		blocks:  newTopic[types.Block](TopicBlocks, buffer),
		Logger:  logs.NewNodeLogger("hub", 0),
	}
}

func (h *Hub) SubscribePuzzles() *Subscription[types.Puzzle] {
	s := h.puzzles.subscribe()
	h.Logger.Debug("[Hub] puzzle subscriber #%d attached (total=%d)", s.id, h.puzzles.count())
	return s
}

func (h *Hub) SubscribeBlocks() *Subscription[types.Block] {
	s := h.blocks.subscribe()
	h.Logger.Debug("[Hub] block subscriber #%d attached (total=%d)", s.id, h.blocks.count())
	return s
}

// PublishPuzzle 非阻塞投递，返回成功投递的订阅者数。没有订阅者不是错误
func (h *Hub) PublishPuzzle(p types.Puzzle) int {
	delivered, dropped := h.puzzles.publish(p)
	h.report(TopicPuzzles, delivered, dropped)
	return delivered
}

func (h *Hub) PublishBlock(b types.Block) int {
	delivered, dropped := h.blocks.publish(b)
	h.report(TopicBlocks, delivered, dropped)
	return delivered
}

// SubscriberCount 当前两条通道上的订阅者数量
func (h *Hub) SubscriberCount() (puzzles, blocks int) {
	return h.puzzles.count(), h.blocks.count()
}

// HubStats 累计投递/丢弃计数
type HubStats struct {
	PuzzleSubscribers int    `json:"puzzle_subscribers"`
	BlockSubscribers  int    `json:"block_subscribers"`
	PuzzlesDelivered  uint64 `json:"puzzles_delivered"`
	PuzzlesDropped    uint64 `json:"puzzles_dropped"`
	BlocksDelivered   uint64 `json:"blocks_delivered"`
	BlocksDropped     uint64 `json:"blocks_dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		PuzzleSubscribers: h.puzzles.count(),
		BlockSubscribers:  h.blocks.count(),
		PuzzlesDelivered:  h.puzzles.delivered.Load(),
		PuzzlesDropped:    h.puzzles.dropped.Load(),
		BlocksDelivered:   h.blocks.delivered.Load(),
		BlocksDropped:     h.blocks.dropped.Load(),
	}
}

func (h *Hub) report(name string, delivered, dropped int) {
	if delivered == 0 && dropped == 0 {
		h.Logger.Verbose("[Hub] no %s subscribers, message discarded", name)
	}
	if dropped > 0 {
		h.Logger.Warn("[Hub] %s: %d slow subscriber(s) full, message dropped", name, dropped)
	}
	if h.Observer != nil {
		h.Observer.ObserveBroadcast(name, delivered, dropped)
	}
}

// Subscription 一个订阅者的接收端，C 在 Close 后被关闭
type Subscription[T any] struct {
	C <-chan T

	id    uint64
	ch    chan T
	topic *topic[T]
	once  sync.Once
}

func (s *Subscription[T]) Close() {
	s.once.Do(func() { s.topic.unsubscribe(s) })
}

type topic[T any] struct {
	name   string
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newTopic[T any](name string, buffer int) *topic[T] {
	return &topic[T]{
		name:   name,
		buffer: buffer,
		subs:   make(map[uint64]*Subscription[T]),
	}
}

func (t *topic[T]) subscribe() *Subscription[T] {
	ch := make(chan T, t.buffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &Subscription[T]{C: ch, id: t.nextID, ch: ch, topic: t}
	t.subs[s.id] = s
	return s
}

// unsubscribe 在写锁下关闭 channel，publish 持读锁发送，不会向已关闭的 channel 写
func (t *topic[T]) unsubscribe(s *Subscription[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s.id]; ok {
		delete(t.subs, s.id)
		close(s.ch)
	}
}

func (t *topic[T]) publish(v T) (delivered, dropped int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		select {
		case s.ch <- v:
			delivered++
		default:
			dropped++
		}
	}
	t.delivered.Add(uint64(delivered))
	t.dropped.Add(uint64(dropped))
	return delivered, dropped
}

func (t *topic[T]) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
