package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serverWithClockOffset(t *testing.T, status int, offset time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		w.Header().Set("Date", time.Now().Add(offset).UTC().Format(http.TimeFormat))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckHealthyServer(t *testing.T) {
	srv := serverWithClockOffset(t, http.StatusOK, 0)

	status := NewChecker(srv.URL, 120, srv.Client()).Check(context.Background())
	require.True(t, status.Healthy)
	require.True(t, status.ServerReachable)
	require.LessOrEqual(t, status.TimeDrift, 1)
	require.Empty(t, status.Issues)
}

func TestCheckReportsClockDrift(t *testing.T) {
	srv := serverWithClockOffset(t, http.StatusOK, -5*time.Minute)

	status := NewChecker(srv.URL, 120, srv.Client()).Check(context.Background())
	require.False(t, status.Healthy)
	require.True(t, status.ServerReachable)
	require.InDelta(t, 300, status.TimeDrift, 2)
	require.Len(t, status.Issues, 1)
	require.Contains(t, status.Issues[0], "time drift")
}

func TestCheckUnhealthyStatus(t *testing.T) {
	srv := serverWithClockOffset(t, http.StatusServiceUnavailable, 0)

	status := NewChecker(srv.URL, 120, srv.Client()).Check(context.Background())
	require.False(t, status.Healthy)
	require.False(t, status.ServerReachable)
	require.Contains(t, status.Issues, "server unhealthy: 503")
}

func TestCheckUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	status := NewChecker(url, 120, nil).Check(context.Background())
	require.False(t, status.Healthy)
	require.False(t, status.ServerReachable)
	require.Len(t, status.Issues, 1)
}

func TestDriftSecondsUsesRoundTripMidpoint(t *testing.T) {
	sent := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	received := sent.Add(4 * time.Second)
	require.Equal(t, 0, driftSeconds(sent, received, sent.Add(2*time.Second)))
	require.Equal(t, 8, driftSeconds(sent, received, sent.Add(10*time.Second)))
}
