// Package observability tracks heartbeat delivery statistics, both as an
// in-process snapshot for the status endpoint and as Prometheus metrics.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Heartbeat outcomes.
const (
	OutcomeDelivered     = "delivered"
	OutcomeQueued        = "queued"
	OutcomeSuppressed    = "suppressed"
	OutcomeNothingToSend = "nothing_to_send"
	OutcomeDropped       = "dropped"
)

// Flush results.
const (
	FlushDelivered = "delivered"
	FlushRequeued  = "requeued"
	FlushDropped   = "dropped"
)

var sendBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// DeliveryStats records what happened to heartbeats. It is safe for
// concurrent use.
type DeliveryStats struct {
	mu           sync.RWMutex
	outcomes     map[string]int64
	flushRows    map[string]int64
	flushBatches int64
	lastDelivery time.Time
	lastFailure  time.Time
	lastError    string

	heartbeats    *prometheus.CounterVec
	batchesMetric *prometheus.CounterVec
	rowsMetric    *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	registerer    prometheus.Registerer
}

// Snapshot is a point-in-time copy of the statistics.
type Snapshot struct {
	Outcomes     map[string]int64 `json:"outcomes"`
	FlushRows    map[string]int64 `json:"flush_rows"`
	FlushBatches int64            `json:"flush_batches"`
	LastDelivery time.Time        `json:"last_delivery,omitempty"`
	LastFailure  time.Time        `json:"last_failure,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

// NewDeliveryStats creates a tracker and registers its metrics with reg.
// A nil reg keeps the metrics unregistered.
func NewDeliveryStats(reg prometheus.Registerer) *DeliveryStats {
	s := &DeliveryStats{
		outcomes:  make(map[string]int64),
		flushRows: make(map[string]int64),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wakatime",
			Name:      "heartbeats_total",
			Help:      "Heartbeats handled, by outcome",
		}, []string{"outcome"}),
		batchesMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wakatime",
			Name:      "flush_batches_total",
			Help:      "Bulk flush requests, by result",
		}, []string{"result"}),
		rowsMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wakatime",
			Name:      "flush_rows_total",
			Help:      "Queued heartbeats processed by flushes, by result",
		}, []string{"result"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wakatime",
			Name:      "send_duration_seconds",
			Help:      "Latency of delivery attempts",
			Buckets:   sendBuckets,
		}, []string{"transport", "mode"}),
		registerer: reg,
	}

	if reg != nil {
		collectors := []prometheus.Collector{s.heartbeats, s.batchesMetric, s.rowsMetric, s.sendDuration}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					s.adopt(c, already.ExistingCollector)
				}
			}
		}
	}
	return s
}

// adopt swaps in a collector that an earlier tracker already registered.
func (s *DeliveryStats) adopt(mine, existing prometheus.Collector) {
	switch mine {
	case s.heartbeats:
		if v, ok := existing.(*prometheus.CounterVec); ok {
			s.heartbeats = v
		}
	case s.batchesMetric:
		if v, ok := existing.(*prometheus.CounterVec); ok {
			s.batchesMetric = v
		}
	case s.rowsMetric:
		if v, ok := existing.(*prometheus.CounterVec); ok {
			s.rowsMetric = v
		}
	case s.sendDuration:
		if v, ok := existing.(*prometheus.HistogramVec); ok {
			s.sendDuration = v
		}
	}
}

// TrackQueueDepth exposes depth as the wakatime_queue_depth gauge.
func (s *DeliveryStats) TrackQueueDepth(depth func() float64) error {
	if s.registerer == nil {
		return nil
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "wakatime",
		Name:      "queue_depth",
		Help:      "Heartbeats waiting in the durable queue",
	}, depth)
	return s.registerer.Register(gauge)
}

// RecordHeartbeat records the final outcome of one editor event.
func (s *DeliveryStats) RecordHeartbeat(outcome string) {
	s.heartbeats.WithLabelValues(outcome).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome]++
	if outcome == OutcomeDelivered {
		s.lastDelivery = time.Now()
	}
}

// RecordFlush records one bulk request and how its rows ended up.
func (s *DeliveryStats) RecordFlush(rows map[string]int) {
	result := FlushDelivered
	if rows[FlushRequeued] > 0 {
		result = FlushRequeued
	}
	s.batchesMetric.WithLabelValues(result).Inc()
	for r, n := range rows {
		s.rowsMetric.WithLabelValues(r).Add(float64(n))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushBatches++
	for r, n := range rows {
		s.flushRows[r] += int64(n)
	}
	if rows[FlushDelivered] > 0 {
		s.lastDelivery = time.Now()
	}
}

// ObserveSend records the latency of one delivery attempt.
func (s *DeliveryStats) ObserveSend(transport, mode string, d time.Duration) {
	s.sendDuration.WithLabelValues(transport, mode).Observe(d.Seconds())
}

// RecordFailure remembers the most recent delivery error.
func (s *DeliveryStats) RecordFailure(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFailure = time.Now()
	s.lastError = err.Error()
}

// Snapshot returns a copy of the current statistics.
func (s *DeliveryStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Outcomes:     make(map[string]int64, len(s.outcomes)),
		FlushRows:    make(map[string]int64, len(s.flushRows)),
		FlushBatches: s.flushBatches,
		LastDelivery: s.lastDelivery,
		LastFailure:  s.lastFailure,
		LastError:    s.lastError,
	}
	for k, v := range s.outcomes {
		snap.Outcomes[k] = v
	}
	for k, v := range s.flushRows {
		snap.FlushRows[k] = v
	}
	return snap
}
