package stats

import (
	"sort"
	"sync"
	"time"
)

// LatencySummary 单个接口的延迟分位统计（毫秒）
type LatencySummary struct {
	Count uint64  `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	Max   float64 `json:"max_ms"`
}

type latencyRing struct {
	samples []time.Duration
	next    int
	filled  bool
	count   uint64
	max     time.Duration
}

// LatencyRecorder 每个名字保留最近 capacity 个样本
type LatencyRecorder struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*latencyRing
}

func NewLatencyRecorder(capacity int) *LatencyRecorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LatencyRecorder{capacity: capacity, rings: make(map[string]*latencyRing)}
}

func (r *LatencyRecorder) Record(name string, d time.Duration) {
	if r == nil || name == "" {
		return
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.rings[name]
	if !ok {
		ring = &latencyRing{samples: make([]time.Duration, r.capacity)}
		r.rings[name] = ring
	}
	ring.samples[ring.next] = d
	ring.next = (ring.next + 1) % len(ring.samples)
	if ring.next == 0 {
		ring.filled = true
	}
	ring.count++
	if d > ring.max {
		ring.max = d
	}
}

// Snapshot reset=true 时清空样本
func (r *LatencyRecorder) Snapshot(reset bool) map[string]LatencySummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LatencySummary, len(r.rings))
	for name, ring := range r.rings {
		n := ring.next
		if ring.filled {
			n = len(ring.samples)
		}
		if n > 0 {
			sorted := append([]time.Duration(nil), ring.samples[:n]...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			out[name] = LatencySummary{
				Count: ring.count,
				P50:   ms(percentile(sorted, 0.50)),
				P95:   ms(percentile(sorted, 0.95)),
				Max:   ms(ring.max),
			}
		}
		if reset {
			*ring = latencyRing{samples: ring.samples}
		}
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
