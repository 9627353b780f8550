package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type Status struct {
	ServerReachable bool      `json:"server_reachable"`
	TimeDrift       int       `json:"time_drift_seconds"`
	CheckedAt       time.Time `json:"checked_at"`
	Healthy         bool      `json:"healthy"`
	Issues          []string  `json:"issues,omitempty"`
}

// Checker probes the server health endpoint and compares the local clock
// with the server's Date header.
type Checker struct {
	client    *http.Client
	serverURL string
	maxDrift  int
	now       func() time.Time
}

func NewChecker(serverURL string, maxDriftSeconds int, client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		client:    client,
		serverURL: serverURL,
		maxDrift:  maxDriftSeconds,
		now:       time.Now,
	}
}

func (c *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Healthy:   true,
		Issues:    []string{},
		CheckedAt: c.now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/v1/health", nil)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("invalid server url: %v", err))
		return status
	}

	sent := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
		return status
	}
	resp.Body.Close()
	received := c.now()

	status.ServerReachable = resp.StatusCode == http.StatusOK
	if !status.ServerReachable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
	}

	serverTime, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		// without a Date header drift cannot be measured
		return status
	}
	status.TimeDrift = driftSeconds(sent, received, serverTime)
	if c.maxDrift > 0 && status.TimeDrift > c.maxDrift {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", status.TimeDrift, c.maxDrift))
	}
	return status
}

// driftSeconds compares serverTime with the midpoint of the request round
// trip. The Date header has one second resolution.
func driftSeconds(sent, received, serverTime time.Time) int {
	local := sent.Add(received.Sub(sent) / 2)
	drift := local.Sub(serverTime)
	if drift < 0 {
		drift = -drift
	}
	return int(drift.Truncate(time.Second) / time.Second)
}
