package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// streamEvent mirrors the server's broadcast envelope with the payload left raw.
type streamEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

type adminClient struct {
	baseURL  string
	token    string
	approver string
	http     *http.Client
}

func newAdminClient(baseURL, token, approver string, httpClient *http.Client) *adminClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &adminClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		approver: approver,
		http:     httpClient,
	}
}

func (c *adminClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *adminClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *adminClient) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.approver != "" {
		h.Set("X-Tether-Admin", c.approver)
	}
	return h
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error   string   `json:"error"`
			Missing []string `json:"missing"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			if len(errBody.Missing) > 0 {
				return fmt.Errorf("%s (status %d): %s", errBody.Error, resp.StatusCode, strings.Join(errBody.Missing, ", "))
			}
			return fmt.Errorf("%s (status %d)", errBody.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// watch streams events from a websocket topic until ctx is done or the
// server closes the connection.
func (c *adminClient) watch(ctx context.Context, path string, fn func(streamEvent)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wsURL := c.baseURL + path
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, c.headers())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket handshake failed: status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev streamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("stream closed: %s", closeErr.Text)
			}
			return err
		}
		fn(ev)
	}
}
