package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "media_uploads"

// UploadMetrics exports upload lifecycle counters. A nil *UploadMetrics is
// valid and records nothing.
type UploadMetrics struct {
	sessions          *prometheus.CounterVec
	quotaRejections   *prometheus.CounterVec
	committedBytes    *prometheus.CounterVec
	partNotifications prometheus.Counter
	completeDuration  *prometheus.HistogramVec
	sweepReclaimed    *prometheus.CounterVec
	settleFailures    *prometheus.CounterVec
}

func NewUploadMetrics(reg prometheus.Registerer) (*UploadMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &UploadMetrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Upload sessions by lifecycle outcome.",
		}, []string{"outcome"}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Initiations rejected for lack of quota.",
		}, []string{"asset_type"}),
		committedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_bytes_total",
			Help:      "Bytes moved from reserved to used on completion.",
		}, []string{"asset_type"}),
		partNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_notifications_total",
			Help:      "Accepted part completion notifications.",
		}),
		completeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "complete_duration_seconds",
			Help:      "Latency of object store multipart completion.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		sweepReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reclaimed_total",
			Help:      "Sessions handled by the expiry sweep.",
		}, []string{"phase"}),
		settleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_settle_failures_total",
			Help:      "Ledger commits or releases that failed after retries and need reconciling.",
		}, []string{"op", "asset_type"}),
	}

	collectors := []prometheus.Collector{
		m.sessions, m.quotaRejections, m.committedBytes,
		m.partNotifications, m.completeDuration, m.sweepReclaimed,
		m.settleFailures,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				collectors[i] = are.ExistingCollector
				continue
			}
			return nil, fmt.Errorf("register upload metric: %w", err)
		}
	}
	m.adopt(collectors)
	return m, nil
}

// adopt swaps in collectors that were registered by an earlier instance.
func (m *UploadMetrics) adopt(c []prometheus.Collector) {
	if v, ok := c[0].(*prometheus.CounterVec); ok {
		m.sessions = v
	}
	if v, ok := c[1].(*prometheus.CounterVec); ok {
		m.quotaRejections = v
	}
	if v, ok := c[2].(*prometheus.CounterVec); ok {
		m.committedBytes = v
	}
	if v, ok := c[3].(prometheus.Counter); ok {
		m.partNotifications = v
	}
	if v, ok := c[4].(*prometheus.HistogramVec); ok {
		m.completeDuration = v
	}
	if v, ok := c[5].(*prometheus.CounterVec); ok {
		m.sweepReclaimed = v
	}
	if v, ok := c[6].(*prometheus.CounterVec); ok {
		m.settleFailures = v
	}
}

// RecordOutcome counts a session reaching outcome (initiated, completed,
// failed, aborted, expired).
func (m *UploadMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *UploadMetrics) RecordQuotaRejected(assetType string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(assetType).Inc()
}

func (m *UploadMetrics) RecordCommitted(assetType string, bytes int64) {
	if m == nil {
		return
	}
	m.committedBytes.WithLabelValues(assetType).Add(float64(bytes))
}

func (m *UploadMetrics) RecordPartNotified() {
	if m == nil {
		return
	}
	m.partNotifications.Inc()
}

func (m *UploadMetrics) ObserveComplete(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.completeDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordSweep counts sessions expired and failed uploads cleaned up by one
// sweep run.
func (m *UploadMetrics) RecordSweep(expired, released int) {
	if m == nil {
		return
	}
	m.sweepReclaimed.WithLabelValues("expired").Add(float64(expired))
	m.sweepReclaimed.WithLabelValues("released").Add(float64(released))
}

// RecordQuotaSettleFailed counts a reservation left in reserved_bytes
// because op (commit or release) could not be applied.
func (m *UploadMetrics) RecordQuotaSettleFailed(op, assetType string) {
	if m == nil {
		return
	}
	m.settleFailures.WithLabelValues(op, assetType).Inc()
}
