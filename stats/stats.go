package stats

import (
	"sync"
	"time"
)

// Stats HTTP 接口调用计数与延迟
type Stats struct {
	statsLock     sync.RWMutex
	apiCallCounts map[string]uint64
	latency       *LatencyRecorder
	startedAt     time.Time
}

func NewStats() *Stats {
	return &Stats{
		apiCallCounts: make(map[string]uint64),
		latency:       NewLatencyRecorder(1024),
		startedAt:     time.Now(),
	}
}

// 记录API调用
func (h *Stats) RecordAPICall(apiName string) {
	h.statsLock.Lock()
	defer h.statsLock.Unlock()

	if h.apiCallCounts == nil {
		h.apiCallCounts = make(map[string]uint64)
	}
	h.apiCallCounts[apiName]++
}

// RecordLatency 记录一次请求耗时
func (h *Stats) RecordLatency(apiName string, d time.Duration) {
	h.latency.Record(apiName, d)
}

// 获取API调用统计
func (h *Stats) GetAPICallStats() map[string]uint64 {
	h.statsLock.RLock()
	defer h.statsLock.RUnlock()

	stats := make(map[string]uint64, len(h.apiCallCounts))
	for api, count := range h.apiCallCounts {
		stats[api] = count
	}
	return stats
}

// Summary /stats 接口返回的数据
type Summary struct {
	UptimeSeconds int64                     `json:"uptime_seconds"`
	APICalls      map[string]uint64         `json:"api_calls"`
	Latency       map[string]LatencySummary `json:"latency"`
	Channels      []ChannelStat             `json:"channels,omitempty"`
}

func (h *Stats) Summary(channels ...ChannelStat) Summary {
	return Summary{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		APICalls:      h.GetAPICallStats(),
		Latency:       h.latency.Snapshot(false),
		Channels:      channels,
	}
}
