package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsSyncActivity(t *testing.T) {
	collector := NewCollector("test")

	collector.RecordPush(PushCreated)
	collector.RecordPush(PushConflict)
	collector.RecordPush(PushConflict)
	collector.RecordResolution("local")
	collector.RecordPurge(3, 1, 2)

	require.Equal(t, float64(1), testutil.ToFloat64(collector.pushes.WithLabelValues(PushCreated)))
	require.Equal(t, float64(2), testutil.ToFloat64(collector.pushes.WithLabelValues(PushConflict)))
	require.Equal(t, float64(1), testutil.ToFloat64(collector.resolutions.WithLabelValues("local")))
	require.Equal(t, float64(3), testutil.ToFloat64(collector.purged.WithLabelValues("backups")))

	closeStream := collector.StreamOpened()
	require.Equal(t, float64(1), testutil.ToFloat64(collector.streams))
	closeStream()
	require.Equal(t, float64(0), testutil.ToFloat64(collector.streams))
}

func TestCollectorsDoNotShareRegistries(t *testing.T) {
	first := NewCollector("")
	second := NewCollector("")
	first.RecordPush(PushCreated)

	require.Equal(t, float64(0), testutil.ToFloat64(second.pushes.WithLabelValues(PushCreated)))

	count, err := testutil.GatherAndCount(first.Registry(), "reflective_sync_pushes_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector("")
	collector.ObserveRequest(http.MethodPost, "/sync/backup", "201", 15*time.Millisecond)

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, recorder.Code)

	body, err := io.ReadAll(recorder.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `reflective_http_requests_total{method="POST",route="/sync/backup",status="201"} 1`))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector
	collector.RecordPush(PushFailed)
	collector.ObserveRequest(http.MethodGet, "/", "200", time.Second)
	collector.StreamOpened()()
}
