// Package agentclient implements the HTTP+SSE client for the upstream LLM
// agent runtime: session creation, validation, and a single streaming call
// per turn.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinel error kinds surfaced to the orchestrator's classifier.
var (
	ErrAgentUnready = errors.New("agent unready")
	ErrSocketIdle   = errors.New("socket idle")
	ErrTimeout      = errors.New("timeout")
)

// HTTPStatusError wraps a non-2xx response from the upstream runtime.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent http status %d: %s", e.Code, e.Body)
}

// StreamError wraps an in-band `error` SSE event from the upstream runtime.
type StreamError struct {
	Msg string
}

func (e *StreamError) Error() string { return e.Msg }

// Callbacks mirror the five streaming callbacks in the spec's stream
// parsing contract. A nil callback is simply not invoked.
type Callbacks struct {
	OnToken      func(text string)
	OnToolStart  func(name string)
	OnToolDetail func(name string, args map[string]any)
	OnToolEnd    func(name string, success bool)
	OnError      func(message string)
}

// Usage captures token accounting reported by the upstream runtime.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one prompt_stream call.
type Result struct {
	Text  string
	Usage Usage
}

// Client talks to one upstream agent runtime instance.
type Client struct {
	baseURL           string
	agentName         string
	httpClient        *http.Client
	socketIdleTimeout time.Duration
}

// New creates a Client. socketIdleTimeout bounds how long the stream reader
// may go without receiving a byte before it is torn down as dead.
func New(baseURL, agentName string, socketIdleTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &Client{
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		agentName:         agentName,
		httpClient:        &http.Client{Transport: transport},
		socketIdleTimeout: socketIdleTimeout,
	}
}

// WaitForReady polls /api/ping until it returns 200 or timeout elapses.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/api/ping", nil)
		resp, err := c.httpClient.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrAgentUnready
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

type createSessionResponse struct {
	ID string `json:"id"`
}

// CreateSession opens a fresh upstream session with tools pre-approved so the
// stream never stalls waiting on a tool-confirmation event.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]bool{"tools_approved": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &HTTPStatusError{Code: resp.StatusCode, Body: string(data)}
	}

	var out createSessionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode create-session response: %w", err)
	}
	return out.ID, nil
}

// ValidateSession reports whether the upstream still has the given session.
// Not called on the orchestrator's hot path (see design notes).
func (c *Client) ValidateSession(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+id, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// PromptStream posts message to the session's agent endpoint and consumes
// the SSE response, driving cb as frames arrive. See the stream parsing
// contract: agent_choice tokens, partial_tool_call/tool_call/tool_call_response
// tool lifecycle, token_usage, and in-band error frames.
func (c *Client) PromptStream(ctx context.Context, message, sessionID string, cb Callbacks) (Result, error) {
	payload, _ := json.Marshal([]map[string]string{{"role": "user", "content": message}})
	url := fmt.Sprintf("%s/api/sessions/%s/agent/%s", c.baseURL, sessionID, c.agentName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrTimeout
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return Result{}, &HTTPStatusError{Code: resp.StatusCode, Body: string(data)}
	}

	return consumeStream(ctx, resp.Body, c.socketIdleTimeout, cb)
}
