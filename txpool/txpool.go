package txpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"magicchain/config"
	"magicchain/db"
	"magicchain/logs"
	"magicchain/stats"
	"magicchain/types"
)

var (
	ErrPoolStopped = errors.New("txpool stopped")
	ErrQueueFull   = errors.New("txpool save queue is full")
)

// TxPool 交易窗口期间的交易池：分配序号、缓存、异步落盘
type TxPool struct {
	dbManager *db.Manager

	mu        sync.RWMutex
	Logger    logs.Logger
	cacheTx   *lru.Cache // tx_id -> *types.Transaction
	pending   []*types.Transaction
	nextIndex uint64

	// DB 持久化队列（单 worker 保证 latest_tx_index 单调）
	saveQueue chan *types.Transaction
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewTxPool 创建交易池，并从 DB 恢复交易序号
func NewTxPool(dbManager *db.Manager, logger logs.Logger, cfg *config.Config) (*TxPool, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewNodeLogger("txpool", 0)
	}
	cacheTx, err := lru.New(cfg.TxPool.CacheSize)
	if err != nil {
		return nil, err
	}
	queueSize := cfg.TxPool.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	last, err := dbManager.GetUint(db.KeyLatestTxIndex)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("load %s: %w", db.KeyLatestTxIndex, err)
	}

	return &TxPool{
		dbManager: dbManager,
		Logger:    logger,
		cacheTx:   cacheTx,
		nextIndex: last + 1,
		saveQueue: make(chan *types.Transaction, queueSize),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start 启动交易池
func (tp *TxPool) Start() error {
	tp.wg.Add(1)
	go tp.runSaveWorker()
	tp.Logger.Info("[TxPool] Started")
	return nil
}

// Stop 停止交易池，退出前排空待落盘交易
func (tp *TxPool) Stop() error {
	tp.stopOnce.Do(func() {
		// 与 Add 互斥，关闭之后不会再有交易入队
		tp.mu.Lock()
		close(tp.stopChan)
		tp.mu.Unlock()
	})
	tp.wg.Wait()
	tp.Logger.Info("[TxPool] Stopped")
	return nil
}

// Add 分配 index 和 tx_id 后加入池中，同一 tx_id 重复提交返回已有记录。
// 落盘队列已满时返回 ErrQueueFull，序号和待处理列表都不变
func (tp *TxPool) Add(tx *types.Transaction) (*types.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	select {
	case <-tp.stopChan:
		return nil, ErrPoolStopped
	default:
	}
	if tx.TxID != "" {
		if v, ok := tp.cacheTx.Get(tx.TxID); ok {
			existing := *v.(*types.Transaction)
			return &existing, nil
		}
	}

	stored := *tx
	if stored.TxID == "" {
		stored.TxID = uuid.NewString()
	}
	stored.Index = tp.nextIndex
	stored.ReceivedAt = time.Now().Unix()

	select {
	case tp.saveQueue <- &stored:
	default:
		tp.Logger.Warn("[TxPool] save queue full (%d), rejecting tx from %s", cap(tp.saveQueue), stored.SenderID)
		return nil, ErrQueueFull
	}
	tp.nextIndex++
	tp.cacheTx.Add(stored.TxID, &stored)
	tp.pending = append(tp.pending, &stored)

	tp.Logger.Debug("[TxPool] added tx %s #%d %s -> %s amount=%s",
		stored.TxID, stored.Index, stored.SenderID, stored.ReceiverID, stored.Amount.String())
	out := stored
	return &out, nil
}

// Pending 当前窗口内已接收的交易
func (tp *TxPool) Pending() []*types.Transaction {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	out := make([]*types.Transaction, len(tp.pending))
	for i, tx := range tp.pending {
		cp := *tx
		out[i] = &cp
	}
	return out
}

// Flush 窗口关闭时清空待处理列表，返回本窗口交易数
func (tp *TxPool) Flush() int {
	tp.mu.Lock()
	n := len(tp.pending)
	tp.pending = nil
	tp.mu.Unlock()
	if n > 0 {
		tp.Logger.Info("[TxPool] window flushed, %d tx", n)
	}
	return n
}

// Get 按 tx_id 从缓存查找
func (tp *TxPool) Get(txID string) (*types.Transaction, bool) {
	v, ok := tp.cacheTx.Get(txID)
	if !ok {
		return nil, false
	}
	cp := *v.(*types.Transaction)
	return &cp, true
}

// Recent 从 DB 倒序读取最近 limit 笔已落盘交易
func (tp *TxPool) Recent(limit int) ([]*types.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	kvs, err := tp.dbManager.ScanByPrefixReverse(db.PrefixTx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Transaction, 0, len(kvs))
	for _, kv := range kvs {
		var tx types.Transaction
		if err := json.Unmarshal(kv.Value, &tx); err != nil {
			tp.Logger.Warn("[TxPool] skip corrupt %s: %v", kv.Key, err)
			continue
		}
		out = append(out, &tx)
	}
	return out, nil
}

func (tp *TxPool) runSaveWorker() {
	defer tp.wg.Done()
	for {
		select {
		case <-tp.stopChan:
			// 停止前尽量排空队列，避免丢最后一批待落盘交易
			for {
				select {
				case tx := <-tp.saveQueue:
					tp.persist(tx)
				default:
					return
				}
			}
		case tx := <-tp.saveQueue:
			tp.persist(tx)
		}
	}
}

func (tp *TxPool) persist(tx *types.Transaction) {
	if err := tp.dbManager.PutJSON(db.KeyTx(tx.Index), tx); err != nil {
		tp.Logger.Error("[TxPool] persist tx %s failed: %v", tx.TxID, err)
		return
	}
	tp.dbManager.PutUint(db.KeyLatestTxIndex, tx.Index)
}

// GetChannelStats 返回落盘队列状态
func (tp *TxPool) GetChannelStats() []stats.ChannelStat {
	return []stats.ChannelStat{
		stats.NewChannelStat("saveQueue", "TxPool", len(tp.saveQueue), cap(tp.saveQueue)),
	}
}
