package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/tether/pkg/inventory"
	"github.com/haasonsaas/tether/pkg/registration"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// apiError is a response the server answered deliberately; retrying will not
// change it.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func statusOf(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type registerResponse struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	RegistrationID uint      `json:"registration_id"`
	RequestedAt    time.Time `json:"requested_at"`
}

type heartbeatResponse struct {
	Status   string                `json:"status"`
	DeviceID uint                  `json:"device_id"`
	Services store.ReconcileCounts `json:"services"`
	Software store.ReconcileCounts `json:"software"`
}

type apiClient struct {
	baseURL string
	http    *http.Client
	retrier *retrier
	logger  zerolog.Logger
}

func newAPIClient(baseURL string, client *http.Client, retrier *retrier, logger zerolog.Logger) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		retrier: retrier,
		logger:  logger,
	}
}

func (c *apiClient) register(ctx context.Context, req registration.Request) (*registerResponse, error) {
	var out registerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/register", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) status(ctx context.Context, agentID string) (*registration.Status, error) {
	var out registration.Status
	path := "/v1/agents/register/" + url.PathEscape(agentID) + "/status"
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) heartbeat(ctx context.Context, token string, snap *inventory.Snapshot) (*heartbeatResponse, error) {
	var out heartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/heartbeat", token, snap, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path, token string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	return c.retrier.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "tether-agent/"+Version)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if isRetryableStatus(resp.StatusCode) {
			return newRetryableStatusError(resp)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var errBody struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(data, &errBody)
			return &apiError{Status: resp.StatusCode, Message: errBody.Error}
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}, isRetryableHTTP)
}
