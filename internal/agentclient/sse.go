package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// timedReader wraps a reader and fails with ErrSocketIdle if a Read blocks
// for longer than timeout — distinguishes a silently dead peer from a long
// tool execution, per the socket-idle watchdog in the stream contract.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, ErrSocketIdle
	}
}

type sseFrame struct {
	event string
	data  string
}

// scanFrames reads "event: x\ndata: y\n\n"-shaped frames off r, invoking fn
// per complete frame. Returns on EOF, a non-idle read error, or ctx
// cancellation.
func scanFrames(ctx context.Context, r io.Reader, fn func(sseFrame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur sseFrame
	var dataBuf strings.Builder

	flush := func() {
		if cur.event == "" && dataBuf.Len() == 0 {
			return
		}
		cur.data = dataBuf.String()
		fn(cur)
		cur = sseFrame{}
		dataBuf.Reset()
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive line, ignored
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		if err == ErrSocketIdle {
			return ErrSocketIdle
		}
		return fmt.Errorf("scan sse stream: %w", err)
	}
	return nil
}

type tokenUsageFrame struct {
	Usage Usage `json:"usage"`
}

type toolCallFrame struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolCallResponseFrame struct {
	Name   string `json:"name"`
	Result struct {
		IsError bool `json:"isError"`
	} `json:"result"`
}

type errorFrame struct {
	Message string `json:"message"`
}

type choiceFrame struct {
	Content string `json:"content"`
}

// consumeStream drives cb off the parsed event stream per the stream
// parsing contract and applies the end-of-stream policy: a stream_error
// with no accumulated content fails; otherwise the (possibly partial) text
// is returned.
func consumeStream(ctx context.Context, body io.Reader, idleTimeout time.Duration, cb Callbacks) (Result, error) {
	tReader := &timedReader{r: body, timeout: idleTimeout}

	var text strings.Builder
	var usage Usage
	var streamErr string
	seenTools := make(map[string]bool)
	var currentTool string

	err := scanFrames(ctx, tReader, func(f sseFrame) {
		switch f.event {
		case "agent_choice":
			var c choiceFrame
			if json.Unmarshal([]byte(f.data), &c) == nil && c.Content != "" {
				text.WriteString(c.Content)
				if cb.OnToken != nil {
					cb.OnToken(c.Content)
				}
			}
		case "partial_tool_call":
			var c toolCallFrame
			if json.Unmarshal([]byte(f.data), &c) == nil && c.Name != "" {
				if !seenTools[c.Name] {
					seenTools[c.Name] = true
					currentTool = c.Name
					if cb.OnToolStart != nil {
						cb.OnToolStart(c.Name)
					}
				}
			}
		case "tool_call":
			var c toolCallFrame
			if json.Unmarshal([]byte(f.data), &c) == nil {
				name := c.Name
				if name == "" {
					name = currentTool
				}
				if cb.OnToolDetail != nil {
					cb.OnToolDetail(name, c.Arguments)
				}
			}
		case "tool_call_response":
			var c toolCallResponseFrame
			if json.Unmarshal([]byte(f.data), &c) == nil {
				name := c.Name
				if name == "" {
					name = currentTool
				}
				if cb.OnToolEnd != nil {
					cb.OnToolEnd(name, !c.Result.IsError)
				}
				currentTool = ""
			}
		case "token_usage":
			var c tokenUsageFrame
			if json.Unmarshal([]byte(f.data), &c) == nil {
				usage = c.Usage
			}
		case "error":
			var c errorFrame
			if json.Unmarshal([]byte(f.data), &c) == nil {
				streamErr = c.Message
			} else {
				streamErr = f.data
			}
			if cb.OnError != nil {
				cb.OnError(streamErr)
			}
		}
	})

	if err != nil {
		if err == ErrSocketIdle {
			return Result{}, ErrSocketIdle
		}
		return Result{}, err
	}

	if streamErr != "" && text.Len() == 0 {
		return Result{}, &StreamError{Msg: streamErr}
	}

	return Result{Text: text.String(), Usage: usage}, nil
}
