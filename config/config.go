// config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config 主配置结构
type Config struct {
	Server    ServerConfig
	Consensus ConsensusConfig
	Puzzle    PuzzleConfig
	Broadcast BroadcastConfig
	Database  DatabaseConfig
	TxPool    TxPoolConfig
	Log       LogConfig
	Client    ClientConfig
}

// ServerConfig HTTP 与可选 HTTP/3 服务配置
type ServerConfig struct {
	Addr string // ":3000"
	// HTTP3Addr 非空时额外开启 HTTP/3（自签名证书）
	HTTP3Addr string

	HTTPTimeout        Duration // 30s
	ShutdownTimeout    Duration // 5s
	MaxRequestBodySize int64    // 1 << 20

	// 每个 IP 的限流
	RateLimit float64 // 每秒请求数，0 表示不限
	RateBurst int

	// QUIC配置
	QUICKeepAlivePeriod Duration // 10s
	QUICMaxIdleTimeout  Duration // 5m

	// 证书配置
	CertValidityDays int // 365
}

// ConsensusConfig 轮次与法定票数
type ConsensusConfig struct {
	Policy            string // any-positive | strict-majority | fixed-count
	FixedCount        int
	TotalNodes        int
	TransactionWindow Duration // 0 表示跳过交易窗口
	RoundTimeout      Duration // 0 表示无限等待投票
}

// PuzzleConfig 出题参数
type PuzzleConfig struct {
	Blanks          int // 4
	ShuffleAttempts int // 16
	RequireUnique   bool
	UniqueAttempts  int // 32
}

// BroadcastConfig 推送通道配置
type BroadcastConfig struct {
	SubscriberBuffer int      // 100
	WriteTimeout     Duration // 10s
	PingInterval     Duration // 30s
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string // "data/server"

	// BadgerDB配置
	ValueLogFileSize int64    // 64 << 20 (64MB)
	MaxBatchSize     int      // 100
	FlushInterval    Duration // 200ms

	// 写队列配置
	WriteQueueSize int // 10000
	MaxCountPerTxn int // 500

	// 缓存配置
	BlockCacheSize int // 256
}

// TxPoolConfig 交易池配置
type TxPoolConfig struct {
	CacheSize int // 10000
	QueueSize int // 1000
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string // info
	Format      string // console | json
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
	BufferLines int // /logs 保留的行数
}

// ClientConfig 投票客户端配置
type ClientConfig struct {
	ServerURL          string // "http://127.0.0.1:3000"
	NodeID             string
	DataDir            string // "data/voter"
	UseHTTP3           bool
	InsecureSkipVerify bool
	RequestTimeout     Duration // 10s
	ReconnectDelay     Duration // 2s
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":3000",
			HTTPTimeout:         Duration(30 * time.Second),
			ShutdownTimeout:     Duration(5 * time.Second),
			MaxRequestBodySize:  1 << 20,
			RateLimit:           50,
			RateBurst:           100,
			QUICKeepAlivePeriod: Duration(10 * time.Second),
			QUICMaxIdleTimeout:  Duration(5 * time.Minute),
			CertValidityDays:    365,
		},
		Consensus: ConsensusConfig{
			Policy:     "any-positive",
			FixedCount: 2,
			TotalNodes: 3,
		},
		Puzzle: PuzzleConfig{
			Blanks:          4,
			ShuffleAttempts: 16,
			UniqueAttempts:  32,
		},
		Broadcast: BroadcastConfig{
			SubscriberBuffer: 100,
			WriteTimeout:     Duration(10 * time.Second),
			PingInterval:     Duration(30 * time.Second),
		},
		Database: DatabaseConfig{
			Path:             "data/server",
			ValueLogFileSize: 64 << 20,
			MaxBatchSize:     100,
			FlushInterval:    Duration(200 * time.Millisecond),
			WriteQueueSize:   10000,
			MaxCountPerTxn:   500,
			BlockCacheSize:   256,
		},
		TxPool: TxPoolConfig{
			CacheSize: 10000,
			QueueSize: 1000,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			MaxSizeMB:   100,
			MaxBackups:  10,
			MaxAgeDays:  30,
			BufferLines: 1000,
		},
		Client: ClientConfig{
			ServerURL:          "http://127.0.0.1:3000",
			DataDir:            "data/voter",
			InsecureSkipVerify: true,
			RequestTimeout:     Duration(10 * time.Second),
			ReconnectDelay:     Duration(2 * time.Second),
		},
	}
}

// LoadFromFile 在默认配置之上覆盖 JSON 文件中出现的字段
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("Server.Addr must not be empty")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	switch c.Consensus.Policy {
	case "", "any-positive", "strict-majority":
	case "fixed-count":
		if c.Consensus.FixedCount <= 0 {
			return fmt.Errorf("Consensus.FixedCount must be positive for fixed-count policy")
		}
	default:
		return fmt.Errorf("unknown Consensus.Policy %q", c.Consensus.Policy)
	}
	if c.Consensus.TotalNodes < 0 {
		return fmt.Errorf("Consensus.TotalNodes must not be negative")
	}
	if c.Consensus.TransactionWindow < 0 || c.Consensus.RoundTimeout < 0 {
		return fmt.Errorf("consensus durations must not be negative")
	}
	if c.Puzzle.Blanks < 0 || c.Puzzle.Blanks > 16 {
		return fmt.Errorf("Puzzle.Blanks must be within 0..16, got %d", c.Puzzle.Blanks)
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		return fmt.Errorf("Broadcast.SubscriberBuffer must be positive")
	}
	if c.Database.MaxBatchSize <= 0 || c.Database.WriteQueueSize <= 0 {
		return fmt.Errorf("database batch and queue sizes must be positive")
	}
	if c.Database.FlushInterval <= 0 {
		return fmt.Errorf("Database.FlushInterval must be positive")
	}
	if c.TxPool.CacheSize <= 0 {
		return fmt.Errorf("TxPool.CacheSize must be positive")
	}
	return nil
}
