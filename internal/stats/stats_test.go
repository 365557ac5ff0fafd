package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	assert.NotPanics(t, func() { NewStatsUpdater(http.NewServeMux()) }, "expected a second updater not to collide")
}

func TestStatsUpdater_ServesMetrics(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric("NumActiveClients")
	su.Run()
	defer su.Stop()

	su.Incr("NumActiveClients")
	su.Incr("NumActiveClients")
	su.Decr("NumActiveClients")

	require.Eventually(t, func() bool {
		return su.Snapshot()["NumActiveClients"] == float64(1)
	}, time.Second, 5*time.Millisecond)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["NumActiveClients"])
	assert.Contains(t, body, "Uptime")
}

func TestStatsUpdater_UpdatesAfterStopAreDiscarded(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric("NumActiveClients")
	su.Run()

	su.Stop()
	su.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1024; i++ {
			su.Decr("NumActiveClients")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected updates after stop not to block")
	}
}
