package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"magicchain/config"
	"magicchain/consensus"
	"magicchain/db"
	"magicchain/interfaces"
	"magicchain/logs"
	"magicchain/network"
	"magicchain/stats"
	"magicchain/txpool"
)

// HandlerManager 管理所有HTTP处理器及其依赖
type HandlerManager struct {
	coordinator *consensus.Coordinator
	hub         *network.Hub
	peers       *network.Peers
	chain       interfaces.BlockStore
	txPool      *txpool.TxPool
	dbManager   *db.Manager

	// 统计相关字段
	Stats    *stats.Stats
	metrics  *stats.Metrics
	registry *prometheus.Registry

	maxBodySize  int64
	writeTimeout time.Duration
	pingInterval time.Duration
	logBuffer    string

	Logger logs.Logger
}

// NewHandlerManager 创建新的处理器管理器。chain / txPool / dbManager 可以为 nil，对应接口返回 503
func NewHandlerManager(
	coordinator *consensus.Coordinator,
	hub *network.Hub,
	chain interfaces.BlockStore,
	txPool *txpool.TxPool,
	dbManager *db.Manager,
	cfg *config.Config,
	logger logs.Logger,
) *HandlerManager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewNodeLogger("http", cfg.Log.BufferLines)
	}
	return &HandlerManager{
		coordinator:  coordinator,
		hub:          hub,
		peers:        network.NewPeers(),
		chain:        chain,
		txPool:       txPool,
		dbManager:    dbManager,
		Stats:        stats.NewStats(),
		maxBodySize:  cfg.Server.MaxRequestBodySize,
		writeTimeout: cfg.Broadcast.WriteTimeout.D(),
		pingInterval: cfg.Broadcast.PingInterval.D(),
		Logger:       logger,
	}
}

// SetMetrics 注入 Prometheus 指标，/metrics 使用同一个 registry
func (hm *HandlerManager) SetMetrics(m *stats.Metrics, reg *prometheus.Registry) {
	hm.metrics = m
	hm.registry = reg
}

// SetLogSource /logs 默认返回全局日志，这里可以指定某个节点日志
func (hm *HandlerManager) SetLogSource(name string) {
	hm.logBuffer = name
}

func (hm *HandlerManager) Peers() *network.Peers {
	return hm.peers
}

// RegisterRoutes 注册所有路由
func (hm *HandlerManager) RegisterRoutes(mux *http.ServeMux) {
	// 共识
	mux.HandleFunc("POST /submit_block", hm.HandleSubmitBlock)
	mux.HandleFunc("POST /submit_validation", hm.HandleSubmitValidation)
	mux.HandleFunc("POST /transaction", hm.HandleTransaction)
	mux.HandleFunc("GET /broadcast_problem", hm.HandleBroadcastProblem)
	// 推送
	mux.HandleFunc("GET /ws", hm.HandleWS)
	mux.HandleFunc("GET /blocks_sse", hm.HandleBlocksSSE)
	// 基本功能
	mux.HandleFunc("GET /{$}", hm.HandleRoot)
	mux.HandleFunc("GET /status", hm.HandleStatus)
	mux.HandleFunc("GET /peers", hm.HandlePeers)
	// 账本查询
	mux.HandleFunc("GET /chain/latest", hm.HandleChainLatest)
	mux.HandleFunc("GET /chain/block", hm.HandleChainBlock)
	mux.HandleFunc("GET /chain/blocks", hm.HandleChainBlocks)
	mux.HandleFunc("GET /transactions", hm.HandleTransactions)
	// 运维
	mux.HandleFunc("GET /stats", hm.HandleStats)
	mux.HandleFunc("GET /logs", hm.HandleLogs)
	if hm.registry != nil {
		mux.Handle("GET /metrics", stats.Handler(hm.registry))
	}
}

// 辅助方法

func (hm *HandlerManager) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hm.Logger.Warn("[HTTP] write response failed: %v", err)
	}
}

func (hm *HandlerManager) writeError(w http.ResponseWriter, code int, msg string) {
	hm.writeJSON(w, code, map[string]string{"error": msg})
}

// decodeBody 读取并解析 JSON 请求体，超过 maxBodySize 视为格式错误
func (hm *HandlerManager) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if hm.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, hm.maxBodySize)
	}
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func (hm *HandlerManager) channelStats() []stats.ChannelStat {
	var out []stats.ChannelStat
	if hm.dbManager != nil {
		out = append(out, hm.dbManager.GetChannelStats()...)
	}
	if hm.txPool != nil {
		out = append(out, hm.txPool.GetChannelStats()...)
	}
	return out
}

func (hm *HandlerManager) peersChanged() {
	if hm.metrics != nil {
		hm.metrics.SetConnectedPeers(hm.peers.Count())
	}
}
