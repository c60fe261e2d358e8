// Package client is the agent-side bridge client: JSON-RPC tool calls
// over the MCP HTTP framing, SSE notifications, and health monitoring.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrUnreachable wraps transport-level failures; callers retry with
	// backoff.
	ErrUnreachable = errors.New("bridge unreachable")

	// ErrUnhealthy is returned by MonitorHealth after the consecutive
	// probe-failure budget is spent.
	ErrUnhealthy = errors.New("bridge unhealthy")
)

const (
	protocolVersion = "2025-03-26"

	healthTimeout = 5 * time.Second
	maxProbeFails = 10
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client talks to one bridge on behalf of one agent. Safe for
// concurrent use; the session is re-established transparently when the
// bridge forgets it.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// Initialize performs the session handshake: the initialize call, then
// the initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	id := c.nextID.Add(1)
	body, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "agorai-client", "version": "1.0"},
		},
	})

	resp, err := c.post(ctx, body, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("initialize: unexpected status %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		return fmt.Errorf("initialize: bridge assigned no session id")
	}
	if _, err := decodeRPC(resp); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	note, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	noteResp, err := c.post(ctx, note, sessionID)
	if err != nil {
		return err
	}
	_ = noteResp.Body.Close()
	return nil
}

// CallTool invokes a bridge tool and returns the raw JSON-RPC result.
// An expired session triggers one transparent re-handshake and retry.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	result, err := c.callToolOnce(ctx, name, args)
	if !errors.Is(err, errSessionExpired) {
		return result, err
	}

	c.log.Debug("session expired, re-establishing", slog.String("tool", name))
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.callToolOnce(ctx, name, args)
}

// ToolResult is the wire shape of a tools/call result.
type ToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallToolText invokes a tool and returns its text payload. A tool-level
// error becomes a Go error carrying the tool's message.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := c.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode tool result: %w", err)
	}
	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

var errSessionExpired = errors.New("session expired")

func (c *Client) callToolOnce(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil, errSessionExpired
	}

	id := c.nextID.Add(1)
	if args == nil {
		args = map[string]any{}
	}
	body, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "tools/call",
		Params:  map[string]any{"name": name, "arguments": args},
	})

	resp, err := c.post(ctx, body, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		payload, _ := io.ReadAll(resp.Body)
		if strings.Contains(strings.ToLower(string(payload)), "session not found") {
			return nil, errSessionExpired
		}
		return nil, fmt.Errorf("call %s: status 404", name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: unexpected status %d", name, resp.StatusCode)
	}

	rpc, err := decodeRPC(resp)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("call %s: rpc error %d: %s", name, rpc.Error.Code, rpc.Error.Message)
	}
	return rpc.Result, nil
}

// decodeRPC reads a JSON-RPC response from either a JSON body or an
// event-stream whose last data frame carries the response.
func decodeRPC(resp *http.Response) (*rpcResponse, error) {
	var payload []byte
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		last, err := lastData(resp.Body)
		if err != nil {
			return nil, err
		}
		if last == "" {
			return nil, fmt.Errorf("event stream carried no response")
		}
		payload = []byte(last)
	} else {
		var err error
		payload, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpc, nil
}

// Notifications attaches to the session's SSE stream and delivers
// pushed notifications until the context is cancelled or the stream
// ends. The channel is closed on return.
func (c *Client) Notifications(ctx context.Context) (<-chan json.RawMessage, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil, fmt.Errorf("no session; call Initialize first")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mcp", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)

	// The stream is long-lived; the request context, not the client
	// timeout, bounds it.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("notifications: unexpected status %d", resp.StatusCode)
	}

	events := make(chan json.RawMessage)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()
		sse := newSSEReader(resp.Body)
		for {
			payload, err := sse.Next()
			if err != nil {
				return
			}
			select {
			case events <- json.RawMessage(payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Health probes the bridge once.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

// MonitorHealth probes every interval and returns ErrUnhealthy after
// ten consecutive failures, or ctx.Err on cancellation.
func (c *Client) MonitorHealth(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Health(ctx); err != nil {
				failures++
				c.log.Warn("health probe failed",
					slog.Int("consecutive", failures),
					slog.Any("error", err))
				if failures >= maxProbeFails {
					return ErrUnhealthy
				}
			} else {
				failures = 0
			}
		}
	}
}

// Close tears the session down.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/mcp", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, sessionID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}
