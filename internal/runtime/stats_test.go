package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

func TestHandlerStatsCounts(t *testing.T) {
	stats := newHandlerStats()

	stats.onMessageStart()
	stats.onMessageStart()
	stats.onMessageFinish(10*time.Millisecond, envelope.Acked, nil, nil)
	stats.onMessageFinish(20*time.Millisecond, envelope.Nacked, errors.New("boom"), nil)

	stats.onMessageStart()
	stats.onMessageFinish(30*time.Millisecond, envelope.Nacked, errspkg.NackMessage(nil), nil)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(3), snap.MessagesProcessed)
	assert.Equal(t, uint64(1), snap.MessagesFailed)
	assert.Equal(t, uint64(1), snap.MessagesAcked)
	assert.Equal(t, uint64(2), snap.MessagesNacked)
	assert.Equal(t, uint64(0), snap.InFlight)
	assert.Equal(t, uint64(2), snap.MaxInFlight)
	assert.Equal(t, "boom", snap.LastError)
	assert.Equal(t, uint64(1), snap.Errors.Other)
	assert.Equal(t, 3, snap.Latency.SampleSize)
	assert.Equal(t, int64(30*time.Millisecond), snap.Latency.LastNs)
	assert.Equal(t, int64(20*time.Millisecond), snap.Latency.AverageNs)
	assert.False(t, snap.LastProcessedAt.IsZero())
}

func TestHandlerStatsClassifier(t *testing.T) {
	stats := newHandlerStats()
	classifier := func(error) ErrorCategory { return ErrorCategoryDownstream }

	stats.onMessageStart()
	stats.onMessageFinish(time.Millisecond, envelope.Nacked, errors.New("upstream"), classifier)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Errors.Downstream)
	assert.Equal(t, "upstream", snap.Errors.LastError)
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	stats := newHandlerStats()
	stats.onMessageStart()
	stats.onMessageFinish(time.Millisecond, envelope.Acked, nil, nil)

	raw, err := json.Marshal(stats)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.EqualValues(t, 1, doc["messages_processed"])
	assert.Contains(t, doc, "latency")
	assert.NotContains(t, doc, "mu")
}

func TestLatencyWindowWraps(t *testing.T) {
	lw := newLatencyWindow(3)
	assert.Equal(t, LatencyMetrics{}, lw.Snapshot())

	for _, ms := range []int{5, 1, 3, 10} {
		lw.Add(time.Duration(ms) * time.Millisecond)
	}
	snap := lw.Snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(3*time.Millisecond), snap.P50Ns)
	assert.Equal(t, int64(10*time.Millisecond), snap.LastNs)
	assert.Equal(t, int64(14*time.Millisecond/3), snap.AverageNs)

	var nilWindow *latencyWindow
	nilWindow.Add(time.Second)
	assert.Equal(t, LatencyMetrics{}, nilWindow.Snapshot())
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40}
	assert.Equal(t, int64(0), percentile(nil, 0.5))
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(40), percentile(samples, 1))
	assert.Equal(t, int64(25), percentile(samples, 0.5))
	assert.Equal(t, int64(20), percentile([]int64{10, 20, 30}, 0.5))
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{errspkg.NewDecodeError("application/json", nil, errors.New("eof")), ErrorCategoryValidation},
		{context.DeadlineExceeded, ErrorCategoryDownstream},
		{context.Canceled, ErrorCategoryDownstream},
		{errspkg.ErrNotStarted, ErrorCategoryTransport},
		{errspkg.ErrBrokerClosed, ErrorCategoryTransport},
		{errors.New("other"), ErrorCategoryOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, defaultErrorClassifier(tc.err), "%v", tc.err)
	}
}

func TestErrorBreakdownRecord(t *testing.T) {
	var breakdown ErrorBreakdown
	breakdown.Record(ErrorCategoryNone, nil)
	assert.Equal(t, ErrorBreakdown{}, breakdown)

	breakdown.Record(ErrorCategoryNone, errors.New("odd"))
	breakdown.Record(ErrorCategoryValidation, errors.New("bad"))
	breakdown.Record(ErrorCategoryTransport, errors.New("down"))
	breakdown.Record(ErrorCategory("custom"), errors.New("custom"))

	assert.Equal(t, uint64(2), breakdown.Other)
	assert.Equal(t, uint64(1), breakdown.Validation)
	assert.Equal(t, uint64(1), breakdown.Transport)
	assert.Equal(t, "custom", breakdown.LastError)
}
