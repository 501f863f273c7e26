package db

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"

	"magicchain/config"
	"magicchain/logs"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("database is not initialized or closed")
)

// Manager 封装 BadgerDB 的管理器
type Manager struct {
	Db *badger.DB
	mu sync.RWMutex

	// 队列通道，批量写的 goroutine 用它来取写请求
	writeQueueChan chan WriteTask
	// 强制刷盘通道
	forceFlushChan chan flushRequest
	// 用于通知写队列 goroutine 停止
	stopChan chan struct{}
	metrics  writeQueueMetrics

	// 累计多少条就写一次 / 间隔多久强制写一次
	maxBatchSize   int
	flushInterval  time.Duration
	maxCountPerTxn int

	wg     sync.WaitGroup
	Logger logs.Logger
	cfg    *config.Config
}

// NewManager 创建一个新的 DBManager 实例
func NewManager(path string, logger logs.Logger) (*Manager, error) {
	return NewManagerWithConfig(path, logger, nil)
}

// NewManagerWithConfig 创建 DBManager，可选注入整份 Config。path 为空时使用内存模式
func NewManagerWithConfig(path string, logger logs.Logger, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewNodeLogger("db", 0)
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// badger v2 不自动创建父目录，需要手动创建
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
		// 使用 FileIO 模式减少 mmap 内存占用
		opts.TableLoadingMode = options.FileIO
		opts.ValueLogLoadingMode = options.FileIO
	}
	opts = opts.WithLogger(nil)
	if cfg.Database.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.Database.ValueLogFileSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	manager := &Manager{
		Db:             db,
		Logger:         logger,
		cfg:            cfg,
		maxCountPerTxn: cfg.Database.MaxCountPerTxn,
	}
	if manager.maxCountPerTxn <= 0 {
		manager.maxCountPerTxn = 500
	}
	logger.Info("[DB] opened %q", path)
	return manager, nil
}

// Open 打开数据库并启动写队列
func Open(path string, logger logs.Logger, cfg *config.Config) (*Manager, error) {
	m, err := NewManagerWithConfig(path, logger, cfg)
	if err != nil {
		return nil, err
	}
	m.InitWriteQueue(m.cfg.Database.MaxBatchSize, m.cfg.Database.FlushInterval.D())
	return m, nil
}

func (manager *Manager) handle() (*badger.DB, error) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if manager.Db == nil {
		return nil, ErrClosed
	}
	return manager.Db, nil
}

// Get 读取键对应的值，不存在时返回 ErrNotFound
func (manager *Manager) Get(key string) ([]byte, error) {
	db, err := manager.handle()
	if err != nil {
		return nil, err
	}

	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Read 读取字符串值
func (manager *Manager) Read(key string) (string, error) {
	v, err := manager.Get(key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// KV 按 key 排好序的一条记录
type KV struct {
	Key   string
	Value []byte
}

// ScanByPrefix 按 key 字典序返回前缀下最多 limit 条（limit<=0 不限）
func (manager *Manager) ScanByPrefix(prefix string, limit int) ([]KV, error) {
	return manager.scan(prefix, "", limit, false)
}

// ScanRange 返回 [start, end) 之间的记录，end 为空表示到前缀结尾
func (manager *Manager) ScanRange(prefix, start, end string, limit int) ([]KV, error) {
	if start == "" {
		start = prefix
	}
	out, err := manager.scan(prefix, start, limit, false)
	if err != nil || end == "" {
		return out, err
	}
	for i, kv := range out {
		if kv.Key >= end {
			return out[:i], nil
		}
	}
	return out, nil
}

// ScanByPrefixReverse 从前缀末尾倒序扫描
func (manager *Manager) ScanByPrefixReverse(prefix string, limit int) ([]KV, error) {
	return manager.scan(prefix, "", limit, true)
}

func (manager *Manager) scan(prefix, start string, limit int, reverse bool) ([]KV, error) {
	db, err := manager.handle()
	if err != nil {
		return nil, err
	}

	var result []KV
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(start)
		if start == "" {
			seek = []byte(prefix)
		}
		if reverse {
			// 倒序时从前缀之后的第一个 key 开始
			seek = append([]byte(prefix), 0xFF)
		}
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			result = append(result, KV{Key: string(item.KeyCopy(nil)), Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (manager *Manager) Close() {
	// 1. 先做一次同步 flush，确保已经入队的写请求全部落盘
	if err := manager.ForceFlush(); err != nil {
		manager.Logger.Error("[DB] close: force flush failed: %v", err)
	}

	// 2. 通知写队列 goroutine 停止
	if manager.stopChan != nil {
		select {
		case <-manager.stopChan:
		default:
			close(manager.stopChan)
		}
	}

	// 3. 等待 goroutine 退出
	manager.wg.Wait()

	// 4. 这时所有队列里的数据都已经flush完了，可以安全关闭DB
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.stopChan = nil
	manager.forceFlushChan = nil
	if manager.Db != nil {
		_ = manager.Db.Close()
		manager.Db = nil
	}
}
