package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.EventsTotal.WithLabelValues("message", OutcomeOK).Inc()

	require.Contains(t, scrape(t, a), `friendrelay_events_total{outcome="ok",type="message"} 1`)
	require.NotContains(t, scrape(t, b), `friendrelay_events_total{outcome="ok",type="message"}`)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ActiveSessions.Set(3)
	m.SessionsTotal.WithLabelValues("connected").Inc()

	body := scrape(t, m)
	require.Contains(t, body, "friendrelay_active_sessions 3")
	require.Contains(t, body, `friendrelay_sessions_total{event="connected"} 1`)
	require.Contains(t, body, "go_goroutines")
}
