package stats

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"magicchain/interfaces"
	"magicchain/types"
)

// Metrics 协调者相关的 Prometheus 指标
type Metrics struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	votes           *prometheus.CounterVec
	finalized       prometheus.Counter
	expired         prometheus.Counter
	puzzles         prometheus.Counter
	transactions    prometheus.Counter
	broadcasts      *prometheus.CounterVec
	broadcastDrops  *prometheus.CounterVec
	roundDuration   prometheus.Histogram
	currentRound    prometheus.Gauge
	windowOpen      prometheus.Gauge
	connectedPeers  prometheus.Gauge

	mu              sync.Mutex
	proposalStarted time.Time
}

// NewMetrics 在给定 registry 上注册全部指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicchain_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magicchain_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicchain_block_submissions_total",
			Help: "Block submissions by outcome",
		}, []string{"result"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicchain_votes_total",
			Help: "Validation votes by outcome",
		}, []string{"result"}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magicchain_rounds_finalized_total",
			Help: "Rounds that reached consensus",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magicchain_rounds_expired_total",
			Help: "Proposals abandoned after the round timeout",
		}),
		puzzles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magicchain_puzzles_issued_total",
			Help: "Puzzles broadcast to subscribers",
		}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magicchain_transactions_total",
			Help: "Transactions accepted during transaction windows",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicchain_broadcast_delivered_total",
			Help: "Messages handed to subscribers by topic",
		}, []string{"topic"}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magicchain_broadcast_dropped_total",
			Help: "Messages dropped because a subscriber buffer was full",
		}, []string{"topic"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "magicchain_round_duration_seconds",
			Help:    "Time from proposal acceptance to finalization",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magicchain_current_round",
			Help: "Current round number",
		}),
		windowOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magicchain_transaction_window_open",
			Help: "1 while the transaction window is open",
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magicchain_connected_peers",
			Help: "Currently connected push clients",
		}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration, m.submissions, m.votes,
		m.finalized, m.expired, m.puzzles, m.transactions,
		m.broadcasts, m.broadcastDrops, m.roundDuration,
		m.currentRound, m.windowOpen, m.connectedPeers,
	)
	return m
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AttachEvents 订阅协调者事件来更新指标
func (m *Metrics) AttachEvents(bus interfaces.EventBus) {
	bus.Subscribe(types.EventBlockProposed, func(interfaces.Event) {
		m.submissions.WithLabelValues("accepted").Inc()
		m.mu.Lock()
		m.proposalStarted = time.Now()
		m.mu.Unlock()
	})
	bus.Subscribe(types.EventVoteRecorded, func(e interfaces.Event) {
		d, ok := e.Data().(types.VoteRecordedData)
		if !ok {
			return
		}
		switch {
		case d.Ignore:
			m.votes.WithLabelValues("ignored").Inc()
		case d.Vote.IsValid:
			m.votes.WithLabelValues("valid").Inc()
		default:
			m.votes.WithLabelValues("invalid").Inc()
		}
	})
	bus.Subscribe(types.EventBlockFinalized, func(e interfaces.Event) {
		m.finalized.Inc()
		m.mu.Lock()
		started := m.proposalStarted
		m.proposalStarted = time.Time{}
		m.mu.Unlock()
		if !started.IsZero() {
			m.roundDuration.Observe(time.Since(started).Seconds())
		}
		if b, ok := e.Data().(*types.Block); ok {
			m.currentRound.Set(float64(b.Round))
		}
	})
	bus.Subscribe(types.EventRoundExpired, func(interfaces.Event) { m.expired.Inc() })
	bus.Subscribe(types.EventPuzzleIssued, func(interfaces.Event) { m.puzzles.Inc() })
	bus.Subscribe(types.EventWindowOpened, func(interfaces.Event) { m.windowOpen.Set(1) })
	bus.Subscribe(types.EventWindowClosed, func(e interfaces.Event) {
		m.windowOpen.Set(0)
		if d, ok := e.Data().(types.WindowData); ok {
			m.currentRound.Set(float64(d.Round + 1))
		}
	})
}

func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveDuplicateSubmission() {
	m.submissions.WithLabelValues("already_pending").Inc()
}

func (m *Metrics) ObserveTransaction() { m.transactions.Inc() }

// ObserveBroadcast 实现 network.Observer
func (m *Metrics) ObserveBroadcast(topic string, delivered, dropped int) {
	m.broadcasts.WithLabelValues(topic).Add(float64(delivered))
	if dropped > 0 {
		m.broadcastDrops.WithLabelValues(topic).Add(float64(dropped))
	}
}

func (m *Metrics) SetConnectedPeers(n int) { m.connectedPeers.Set(float64(n)) }
