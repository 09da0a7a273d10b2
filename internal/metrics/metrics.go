package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Dispatch engine
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Dispatch results."},
		[]string{"result"}, // ok | validation | not_found | disabled | config | error
	)
	DispatchRecipients = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_recipients",
			Help:    "Resolved recipients per dispatch.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)

	// Delivery adapters
	DeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_total", Help: "Per-row delivery outcomes."},
		[]string{"channel", "outcome"}, // sent | failed
	)
	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Delivery attempt latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"channel"},
	)

	// Scheduler
	SchedulerClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_claim_total", Help: "Due-message poll results."},
		[]string{"result"}, // ok | empty | error
	)
	SchedulerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_processed_total", Help: "Scheduled message outcomes."},
		[]string{"outcome"}, // sent | failed
	)
)

// MustRegister installs default + service collectors.
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		DispatchTotal, DispatchRecipients,
		DeliveryTotal, DeliveryDuration,
		SchedulerClaimTotal, SchedulerProcessed,
	)
}

// PGXPoolStats exports a tiny pgxpool stats gauge set.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	// pgxpool exposes cumulative counters; exported counters get the delta
	// since the previous sample.
	lastAcquires   int64
	lastAcquireDur time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.sample(s.TotalConns(), s.IdleConns(), s.AcquireCount(), s.AcquireDuration())
		}
	}
}

func (m *PGXPoolStats) sample(total, idle int32, acquires int64, acquireDur time.Duration) {
	m.conns.Set(float64(total))
	m.idle.Set(float64(idle))
	m.acquireCount.Add(float64(acquires - m.lastAcquires))
	m.lastAcquires = acquires
	m.acquireLatency.Add((acquireDur - m.lastAcquireDur).Seconds())
	m.lastAcquireDur = acquireDur
}
