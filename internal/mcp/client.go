package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearthlabs/hearth/internal/config"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/mcp")

// transport carries JSON-RPC messages to one tool server.
type transport interface {
	roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error)
	notify(method string) error
	close() error
}

// Client is a connection to one tool server. It is safe for concurrent use.
type Client struct {
	name string
	tr   transport
}

// NotifyFunc receives server-initiated notification methods, e.g.
// notifications/tools/list_changed.
type NotifyFunc func(server, method string)

// Dial connects to a tool server over its configured transport and performs
// the initialize handshake.
func Dial(ctx context.Context, entry config.ServerEntry, onNotify NotifyFunc) (*Client, error) {
	var (
		tr  transport
		err error
	)
	switch entry.Transport {
	case config.TransportStdio:
		tr, err = newStdioTransport(entry, onNotify)
	case config.TransportSSE:
		tr = newHTTPTransport(entry.URL, true)
	case config.TransportStreamHTTP:
		tr = newHTTPTransport(entry.URL, false)
	default:
		err = fmt.Errorf("unknown transport %q", entry.Transport)
	}
	if err != nil {
		return nil, err
	}

	c := &Client{name: entry.Name, tr: tr}
	if err := c.initialize(ctx); err != nil {
		tr.close()
		return nil, fmt.Errorf("initialize %s: %w", entry.Name, err)
	}
	return c, nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "hearth",
			"version": "1.0",
		},
	}
	if _, err := c.tr.roundTrip(ctx, "initialize", params); err != nil {
		return err
	}
	return c.tr.notify("notifications/initialized")
}

// ListTools fetches the server's current tool inventory.
func (c *Client) ListTools(ctx context.Context) ([]toolInfo, error) {
	result, err := c.tr.roundTrip(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.name, err)
	}
	var list toolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	return list.Tools, nil
}

// CallTool invokes one tool. The second return reports the server-flagged
// isError condition: the call completed but the tool reports failure.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "mcp.call_tool",
		trace.WithAttributes(
			attribute.String("mcp.server", c.name),
			attribute.String("mcp.tool", tool),
		))
	defer span.End()

	result, err := c.tr.roundTrip(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		span.RecordError(err)
		return "", false, err
	}

	var call toolCallResult
	if err := json.Unmarshal(result, &call); err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("parse call result: %w", err)
	}

	var sb strings.Builder
	for _, block := range call.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	span.SetAttributes(
		attribute.Int("mcp.result_length", len(text)),
		attribute.Bool("mcp.is_error", call.IsError),
	)
	return text, call.IsError, nil
}

func (c *Client) Close() error {
	return c.tr.close()
}

// ---------------------------------------------------------------------------
// stdio transport: line-delimited JSON-RPC over a child process.

type stdioTransport struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	mu      sync.Mutex
	nextID  int
	pending map[int]chan rpcResponse
	closed  bool
}

func newStdioTransport(entry config.ServerEntry, onNotify NotifyFunc) (*stdioTransport, error) {
	cmd := exec.Command(entry.Command, entry.Args...)
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start %s: %w", entry.Command, err)
	}

	t := &stdioTransport{
		server:  entry.Name,
		cmd:     cmd,
		stdin:   stdin,
		nextID:  1,
		pending: make(map[int]chan rpcResponse),
	}
	go t.readLoop(stdout, onNotify)
	return t, nil
}

func (t *stdioTransport) readLoop(stdout io.Reader, onNotify NotifyFunc) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("mcp: invalid line from server", "server", t.server, "raw", string(line))
			continue
		}
		if resp.ID == nil {
			if resp.Method != "" && onNotify != nil {
				onNotify(t.server, resp.Method)
			}
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()
		if !ok {
			slog.Warn("mcp: unexpected response id", "server", t.server, "id", *resp.ID)
			continue
		}
		ch <- resp
	}

	// Process exited; fail everything still in flight.
	t.mu.Lock()
	t.closed = true
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- rpcResponse{Error: &rpcError{Message: "server closed connection"}}
	}
	t.mu.Unlock()
}

func (t *stdioTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("server %s: connection closed", t.server)
	}
	id := t.nextID
	t.nextID++
	ch := make(chan rpcResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &callError{code: resp.Error.Code, message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *stdioTransport) notify(method string) error {
	return t.write(rpcRequest{JSONRPC: "2.0", Method: method})
}

func (t *stdioTransport) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", t.server, err)
	}
	return nil
}

func (t *stdioTransport) close() error {
	t.stdin.Close()
	return t.cmd.Wait()
}

// ---------------------------------------------------------------------------
// HTTP transports: JSON-RPC over POST. Streamable-HTTP servers answer with a
// JSON body; SSE servers answer with an event stream the response is read
// from. Both shapes are accepted on either transport.

type httpTransport struct {
	url    string
	client *http.Client
	sse    bool

	mu     sync.Mutex
	nextID int
}

func newHTTPTransport(url string, sse bool) *httpTransport {
	return &httpTransport{
		url:    url,
		client: &http.Client{},
		sse:    sse,
		nextID: 1,
	}
}

func (t *httpTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.sse {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json, text/event-stream")
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %s", httpResp.Status)
	}

	var resp rpcResponse
	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		resp, err = readEventStream(httpResp.Body, id)
	} else {
		err = json.NewDecoder(httpResp.Body).Decode(&resp)
	}
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return nil, &callError{code: resp.Error.Code, message: resp.Error.Message}
	}
	return resp.Result, nil
}

// readEventStream scans SSE data lines until the response with the expected
// id arrives.
func readEventStream(r io.Reader, wantID int) (rpcResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		if resp.ID != nil && *resp.ID == wantID {
			return resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return rpcResponse{}, err
	}
	return rpcResponse{}, fmt.Errorf("event stream ended before response %d", wantID)
}

func (t *httpTransport) notify(method string) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *httpTransport) close() error { return nil }

// callError is a JSON-RPC error surfaced by the server.
type callError struct {
	code    int
	message string
}

func (e *callError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.code, e.message)
}
