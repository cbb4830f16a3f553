package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 指标收集器接口
type MetricsCollector interface {
	// 会话指标
	IncrementSessionsCreated(family Family)
	IncrementSessionsReused(family Family)
	IncrementSessionsDestroyed(family Family, reason string)
	IncrementSessionFailures(family Family, code ErrorCode)
	IncrementAcquireTimeouts(family Family)
	RecordAcquireWait(family Family, wait time.Duration)
	SetCachedSessions(count int)

	// 批量执行指标
	RecordBatch(family Family, outcome string, duration time.Duration)
}

// 指标快照
type MetricsSnapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	SessionsCreated   int64            `json:"sessions_created"`
	SessionsReused    int64            `json:"sessions_reused"`
	SessionsDestroyed int64            `json:"sessions_destroyed"`
	SessionFailures   int64            `json:"session_failures"`
	AcquireTimeouts   int64            `json:"acquire_timeouts"`
	CachedSessions    int64            `json:"cached_sessions"`
	BatchOutcomes     map[string]int64 `json:"batch_outcomes"`
	AvgAcquireWait    time.Duration    `json:"avg_acquire_wait"`
}

// DefaultMetricsCollector 进程内计数实现
type DefaultMetricsCollector struct {
	created   int64
	reused    int64
	destroyed int64
	failures  int64
	timeouts  int64
	cached    int64

	waitTotal int64
	waitCount int64

	mu       sync.Mutex
	outcomes map[string]int64
}

// NewDefaultMetricsCollector 创建默认指标收集器
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{outcomes: make(map[string]int64)}
}

func (c *DefaultMetricsCollector) IncrementSessionsCreated(Family) { atomic.AddInt64(&c.created, 1) }
func (c *DefaultMetricsCollector) IncrementSessionsReused(Family)  { atomic.AddInt64(&c.reused, 1) }
func (c *DefaultMetricsCollector) IncrementSessionsDestroyed(Family, string) {
	atomic.AddInt64(&c.destroyed, 1)
}
func (c *DefaultMetricsCollector) IncrementSessionFailures(Family, ErrorCode) {
	atomic.AddInt64(&c.failures, 1)
}
func (c *DefaultMetricsCollector) IncrementAcquireTimeouts(Family) { atomic.AddInt64(&c.timeouts, 1) }
func (c *DefaultMetricsCollector) SetCachedSessions(count int) {
	atomic.StoreInt64(&c.cached, int64(count))
}

func (c *DefaultMetricsCollector) RecordAcquireWait(_ Family, wait time.Duration) {
	atomic.AddInt64(&c.waitTotal, int64(wait))
	atomic.AddInt64(&c.waitCount, 1)
}

func (c *DefaultMetricsCollector) RecordBatch(_ Family, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

// GetMetrics 获取指标快照
func (c *DefaultMetricsCollector) GetMetrics() *MetricsSnapshot {
	c.mu.Lock()
	outcomes := make(map[string]int64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}
	c.mu.Unlock()

	snap := &MetricsSnapshot{
		Timestamp:         time.Now(),
		SessionsCreated:   atomic.LoadInt64(&c.created),
		SessionsReused:    atomic.LoadInt64(&c.reused),
		SessionsDestroyed: atomic.LoadInt64(&c.destroyed),
		SessionFailures:   atomic.LoadInt64(&c.failures),
		AcquireTimeouts:   atomic.LoadInt64(&c.timeouts),
		CachedSessions:    atomic.LoadInt64(&c.cached),
		BatchOutcomes:     outcomes,
	}
	if n := atomic.LoadInt64(&c.waitCount); n > 0 {
		snap.AvgAcquireWait = time.Duration(atomic.LoadInt64(&c.waitTotal) / n)
	}
	return snap
}

// PrometheusCollector 导出到Prometheus
type PrometheusCollector struct {
	sessions        *prometheus.CounterVec
	sessionFailures *prometheus.CounterVec
	acquireTimeouts *prometheus.CounterVec
	acquireWait     *prometheus.HistogramVec
	cached          prometheus.Gauge
	batches         *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
}

// NewPrometheusCollector 创建并注册指标，reg为nil时使用默认注册器
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcfg",
			Name:      "sessions_total",
			Help:      "Session lifecycle events by family and event.",
		}, []string{"family", "event"}),
		sessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcfg",
			Name:      "session_failures_total",
			Help:      "Session setup failures by family and error code.",
		}, []string{"family", "code"}),
		acquireTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcfg",
			Name:      "acquire_timeouts_total",
			Help:      "Lease acquisitions that timed out.",
		}, []string{"family"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netcfg",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a lease.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		cached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netcfg",
			Name:      "cached_sessions",
			Help:      "Idle sessions currently cached.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcfg",
			Name:      "batches_total",
			Help:      "Executed command batches by family and outcome.",
		}, []string{"family", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netcfg",
			Name:      "batch_duration_seconds",
			Help:      "Command batch execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"family"}),
	}
	reg.MustRegister(c.sessions, c.sessionFailures, c.acquireTimeouts, c.acquireWait,
		c.cached, c.batches, c.batchDuration)
	return c
}

func (c *PrometheusCollector) IncrementSessionsCreated(f Family) {
	c.sessions.WithLabelValues(string(f), "created").Inc()
}

func (c *PrometheusCollector) IncrementSessionsReused(f Family) {
	c.sessions.WithLabelValues(string(f), "reused").Inc()
}

func (c *PrometheusCollector) IncrementSessionsDestroyed(f Family, reason string) {
	c.sessions.WithLabelValues(string(f), "destroyed_"+reason).Inc()
}

func (c *PrometheusCollector) IncrementSessionFailures(f Family, code ErrorCode) {
	c.sessionFailures.WithLabelValues(string(f), string(code)).Inc()
}

func (c *PrometheusCollector) IncrementAcquireTimeouts(f Family) {
	c.acquireTimeouts.WithLabelValues(string(f)).Inc()
}

func (c *PrometheusCollector) RecordAcquireWait(f Family, wait time.Duration) {
	c.acquireWait.WithLabelValues(string(f)).Observe(wait.Seconds())
}

func (c *PrometheusCollector) SetCachedSessions(count int) {
	c.cached.Set(float64(count))
}

func (c *PrometheusCollector) RecordBatch(f Family, outcome string, d time.Duration) {
	c.batches.WithLabelValues(string(f), outcome).Inc()
	c.batchDuration.WithLabelValues(string(f)).Observe(d.Seconds())
}
