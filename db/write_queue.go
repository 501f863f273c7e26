package db

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v2"

	"magicchain/stats"
)

type flushRequest struct {
	done chan error
}

type writeQueueMetrics struct {
	enqueueTotal     atomic.Uint64
	dequeuedTotal    atomic.Uint64
	flushBatchTotal  atomic.Uint64
	flushedTaskTotal atomic.Uint64
	flushErrTotal    atomic.Uint64
	forceFlushTotal  atomic.Uint64
	maxDepth         atomic.Uint64
}

// WriteQueueStats 写队列累计统计
type WriteQueueStats struct {
	Enqueued    uint64 `json:"enqueued"`
	Dequeued    uint64 `json:"dequeued"`
	Batches     uint64 `json:"batches"`
	FlushedTask uint64 `json:"flushed_tasks"`
	FlushErrors uint64 `json:"flush_errors"`
	ForceFlush  uint64 `json:"force_flush"`
	MaxDepth    uint64 `json:"max_depth"`
}

func (manager *Manager) InitWriteQueue(maxBatchSize int, flushInterval time.Duration) {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 200 * time.Millisecond
	}
	queueSize := manager.cfg.Database.WriteQueueSize
	if queueSize <= 0 {
		queueSize = 10000
	}
	manager.maxBatchSize = maxBatchSize
	manager.flushInterval = flushInterval
	manager.writeQueueChan = make(chan WriteTask, queueSize)
	manager.forceFlushChan = make(chan flushRequest, 1)
	manager.stopChan = make(chan struct{})
	manager.wg.Add(1)
	go manager.runWriteQueue()
}

// 写队列的核心 goroutine 逻辑
func (manager *Manager) runWriteQueue() {
	defer manager.wg.Done()

	batch := make([]WriteTask, 0, manager.maxBatchSize)
	ticker := time.NewTicker(manager.flushInterval)
	defer ticker.Stop()

	flushCurrentBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := manager.flushBatch(batch)
		manager.metrics.flushBatchTotal.Add(1)
		manager.metrics.flushedTaskTotal.Add(uint64(len(batch)))
		if err != nil {
			manager.metrics.flushErrTotal.Add(1)
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-manager.stopChan:
			// 退出前先排空队列，再刷掉最后一批
			batch = manager.drainWriteQueue(batch)
			err := flushCurrentBatch()
			manager.resolvePendingForceFlush(err)
			return

		case task := <-manager.writeQueueChan:
			manager.metrics.dequeuedTotal.Add(1)
			batch = append(batch, task)
			if len(batch) >= manager.maxBatchSize {
				if err := flushCurrentBatch(); err != nil {
					manager.Logger.Error("[DBQueue] flush by size failed: %v", err)
				}
			}

		case <-ticker.C:
			batch = manager.drainWriteQueue(batch)
			if err := flushCurrentBatch(); err != nil {
				manager.Logger.Error("[DBQueue] flush by ticker failed: %v", err)
			}

		case req := <-manager.forceFlushChan:
			// 同步 flush：排空已入队写请求并等待落盘完成
			manager.metrics.forceFlushTotal.Add(1)
			batch = manager.drainWriteQueue(batch)
			manager.finishForceFlush(req, flushCurrentBatch())
		}
	}
}

// ForceFlush 等待已入队的写请求全部落盘
func (manager *Manager) ForceFlush() error {
	if manager.forceFlushChan == nil {
		return nil
	}
	req := flushRequest{done: make(chan error, 1)}

	select {
	case manager.forceFlushChan <- req:
	case <-manager.stopChan:
		return fmt.Errorf("write queue already stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-manager.stopChan:
		select {
		case err := <-req.done:
			return err
		default:
		}
		return fmt.Errorf("write queue stopped before flush completed")
	}
}

func (manager *Manager) drainWriteQueue(batch []WriteTask) []WriteTask {
	for {
		select {
		case task := <-manager.writeQueueChan:
			manager.metrics.dequeuedTotal.Add(1)
			batch = append(batch, task)
		default:
			return batch
		}
	}
}

func (manager *Manager) finishForceFlush(req flushRequest, err error) {
	req.done <- err
	close(req.done)
}

func (manager *Manager) resolvePendingForceFlush(err error) {
	for {
		select {
		case req := <-manager.forceFlushChan:
			manager.finishForceFlush(req, err)
		default:
			return
		}
	}
}

// flushBatch 按条数切段提交；单个事务过大时二分退让
func (manager *Manager) flushBatch(batch []WriteTask) error {
	var firstErr error
	for start := 0; start < len(batch); start += manager.maxCountPerTxn {
		end := start + manager.maxCountPerTxn
		if end > len(batch) {
			end = len(batch)
		}
		if err := manager.flushRange(batch[start:end]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (manager *Manager) flushRange(tasks []WriteTask) error {
	db, err := manager.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		for _, t := range tasks {
			var err error
			if t.Op == OpDelete {
				err = txn.Delete(t.Key)
			} else {
				err = txn.Set(t.Key, t.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) && len(tasks) > 1 {
		mid := len(tasks) / 2
		if err := manager.flushRange(tasks[:mid]); err != nil {
			return err
		}
		return manager.flushRange(tasks[mid:])
	}
	if err != nil {
		manager.Logger.Error("[DBQueue] commit error: %v", err)
	}
	return err
}

func (manager *Manager) EnqueueSet(key string, value []byte) {
	manager.enqueue(WriteTask{Key: []byte(key), Value: value, Op: OpSet})
}

func (manager *Manager) EnqueueDelete(key string) {
	manager.enqueue(WriteTask{Key: []byte(key), Op: OpDelete})
}

func (manager *Manager) enqueue(task WriteTask) {
	if manager.writeQueueChan == nil {
		// 没有启动写队列时同步写
		if err := manager.flushRange([]WriteTask{task}); err != nil {
			manager.Logger.Error("[DB] direct write %s failed: %v", task.Key, err)
		}
		return
	}
	manager.writeQueueChan <- task
	manager.metrics.enqueueTotal.Add(1)
	manager.observeQueueDepth()
}

func (manager *Manager) observeQueueDepth() {
	q := uint64(len(manager.writeQueueChan))
	for {
		old := manager.metrics.maxDepth.Load()
		if q <= old || manager.metrics.maxDepth.CompareAndSwap(old, q) {
			return
		}
	}
}

func (manager *Manager) WriteQueueStats() WriteQueueStats {
	return WriteQueueStats{
		Enqueued:    manager.metrics.enqueueTotal.Load(),
		Dequeued:    manager.metrics.dequeuedTotal.Load(),
		Batches:     manager.metrics.flushBatchTotal.Load(),
		FlushedTask: manager.metrics.flushedTaskTotal.Load(),
		FlushErrors: manager.metrics.flushErrTotal.Load(),
		ForceFlush:  manager.metrics.forceFlushTotal.Load(),
		MaxDepth:    manager.metrics.maxDepth.Load(),
	}
}

// GetChannelStats 返回 DB Manager 的 channel 状态
func (manager *Manager) GetChannelStats() []stats.ChannelStat {
	if manager.writeQueueChan == nil {
		return nil
	}
	return []stats.ChannelStat{
		stats.NewChannelStat("writeQueueChan", "DB", len(manager.writeQueueChan), cap(manager.writeQueueChan)),
	}
}
