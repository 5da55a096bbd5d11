package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "ok", time.Millisecond)
	m.QueryEvent("hit")
	m.SetEntries(3)
	m.Mutation("committed")
	m.Search("issued")
	m.ObserveAPI("GET", "/api/stats", 200, time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New(false)
	m.QueryEvent("hit")
	m.QueryEvent("hit")
	m.Mutation("rolled_back")
	m.SetEntries(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queryEvents.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("rolled_back")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.entries))
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(true)
	m.ObserveAPI("GET", "/api/stats", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "cellarsync_devapi_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}
