package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"magicchain/db"
	"magicchain/logs"
	"magicchain/types"
)

var (
	ErrStaleIndex = errors.New("block index is not above the latest block")
	ErrNoBlock    = errors.New("block not found")
)

// MaxRange 单次 Range 最多返回的区块数
const MaxRange = 500

// Chain 只追加的区块账本：block_<index> + latest_block_index。
// 新块用上一块的 solution 作为 prev_solution
type Chain struct {
	dbm    *db.Manager
	cache  *lru.Cache
	mu     sync.RWMutex
	latest *types.Block
	Logger logs.Logger
}

// Open 加载账本，首次打开时写入创世块
func Open(dbm *db.Manager, cacheSize int, logger logs.Logger) (*Chain, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if logger == nil {
		logger = logs.NewNodeLogger("chain", 0)
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	c := &Chain{dbm: dbm, cache: cache, Logger: logger}

	latestIdx, err := dbm.GetUint(db.KeyLatestBlockIndex)
	switch {
	case errors.Is(err, db.ErrNotFound):
		genesis := types.NewGenesisBlock()
		if err := c.writeSync(genesis); err != nil {
			return nil, fmt.Errorf("write genesis: %w", err)
		}
		c.latest = genesis
		logger.Info("[Chain] created genesis block")
	case err != nil:
		return nil, err
	default:
		var b types.Block
		if err := dbm.GetJSON(db.KeyBlock(latestIdx), &b); err != nil {
			return nil, fmt.Errorf("load latest block %d: %w", latestIdx, err)
		}
		c.latest = &b
		logger.Info("[Chain] loaded, latest block %d", latestIdx)
	}
	c.cache.Add(c.latest.Index, c.latest)
	return c, nil
}

func (c *Chain) writeSync(b *types.Block) error {
	if err := c.dbm.PutJSON(db.KeyBlock(b.Index), b); err != nil {
		return err
	}
	c.dbm.PutUint(db.KeyLatestBlockIndex, b.Index)
	return c.dbm.ForceFlush()
}

// Latest 最新区块的副本
func (c *Chain) Latest() (*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest.Clone(), nil
}

func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest.Index
}

func (c *Chain) Get(index uint64) (*types.Block, error) {
	if v, ok := c.cache.Get(index); ok {
		return v.(*types.Block).Clone(), nil
	}
	var b types.Block
	if err := c.dbm.GetJSON(db.KeyBlock(index), &b); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNoBlock, index)
		}
		return nil, err
	}
	c.cache.Add(index, &b)
	return b.Clone(), nil
}

// Range 返回 [from, to] 内存在的区块，最多 MaxRange 个
func (c *Chain) Range(from, to uint64) ([]*types.Block, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range %d..%d", from, to)
	}
	if to-from >= MaxRange {
		to = from + MaxRange - 1
	}
	if err := c.dbm.ForceFlush(); err != nil {
		return nil, err
	}
	end := ""
	if to < ^uint64(0) {
		end = db.KeyBlock(to + 1)
	}
	kvs, err := c.dbm.ScanRange(db.PrefixBlock, db.KeyBlock(from), end, MaxRange)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Block, 0, len(kvs))
	for _, kv := range kvs {
		var b types.Block
		if err := json.Unmarshal(kv.Value, &b); err != nil {
			c.Logger.Warn("[Chain] skip corrupt %s: %v", kv.Key, err)
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

// Append 追加一个已定稿的区块。序号必须大于当前最新序号，不连续时只告警
func (c *Chain) Append(b *types.Block) error {
	if b == nil {
		return ErrNoBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.Index <= c.latest.Index {
		return fmt.Errorf("%w: got %d, latest %d", ErrStaleIndex, b.Index, c.latest.Index)
	}
	if b.Index != c.latest.Index+1 {
		c.Logger.Warn("[Chain] gap before block %d (latest %d)", b.Index, c.latest.Index)
	}
	if !b.PrevSolution.IsEmpty() && !c.latest.Solution.IsEmpty() && !b.PrevSolution.Equal(c.latest.Solution) {
		c.Logger.Warn("[Chain] block %d prev_solution does not match block %d solution", b.Index, c.latest.Index)
	}

	stored := b.Clone()
	if err := c.dbm.PutJSON(db.KeyBlock(stored.Index), stored); err != nil {
		return err
	}
	c.dbm.PutUint(db.KeyLatestBlockIndex, stored.Index)
	c.cache.Add(stored.Index, stored)
	c.latest = stored
	c.Logger.Info("[Chain] appended block %d from %s", stored.Index, stored.NodeID)
	return nil
}

// AddBlock 以当前最新块为前驱构造并追加新块
func (c *Chain) AddBlock(problem, solution types.Grid, nodeID, data string) (*types.Block, error) {
	b, err := c.NextBlock(problem, solution, nodeID, data)
	if err != nil {
		return nil, err
	}
	if err := c.Append(b); err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// NextBlock 构造下一个区块但不写入（客户端提交前使用）
func (c *Chain) NextBlock(problem, solution types.Grid, nodeID, data string) (*types.Block, error) {
	c.mu.RLock()
	latest := c.latest
	c.mu.RUnlock()

	b := types.NewBlock(latest.Index+1, problem, solution, latest.Solution, nodeID, data)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
