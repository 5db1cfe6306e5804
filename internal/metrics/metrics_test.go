package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadMetricsRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewUploadMetrics(reg)
	require.NoError(t, err)

	m.RecordOutcome("completed")
	m.RecordOutcome("completed")
	m.RecordOutcome("expired")
	m.RecordQuotaRejected("video")
	m.RecordCommitted("video", 1024)
	m.RecordPartNotified()
	m.ObserveComplete(time.Second, errors.New("boom"))
	m.RecordSweep(3, 1)
	m.RecordQuotaSettleFailed("commit", "video")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaRejections.WithLabelValues("video")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.committedBytes.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.partNotifications))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepReclaimed.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settleFailures.WithLabelValues("commit", "video")))
}

func TestUploadMetricsReRegisterReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewUploadMetrics(reg)
	require.NoError(t, err)
	second, err := NewUploadMetrics(reg)
	require.NoError(t, err)

	second.RecordPartNotified()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.partNotifications))
}

func TestNilUploadMetricsIsNoop(t *testing.T) {
	var m *UploadMetrics
	assert.NotPanics(t, func() {
		m.RecordOutcome("failed")
		m.RecordSweep(1, 1)
		m.RecordQuotaSettleFailed("release", "video")
		m.ObserveComplete(time.Millisecond, nil)
	})
}
