package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hearthlabs/hearth/internal/config"
)

// fakeToolServer answers the JSON-RPC surface a streamhttp tool server
// exposes: initialize, tools/list, tools/call.
type fakeToolServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	methods     []string
	lastTool    string
	lastArgs    map[string]any
	listErr     bool
	callIsError bool
}

func newFakeToolServer(t *testing.T) *fakeToolServer {
	t.Helper()
	f := &fakeToolServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		f.mu.Unlock()

		if strings.HasPrefix(req.Method, "notifications/") {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05"}}`, req.ID)
		case "tools/list":
			if f.listErr {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"listing broken"}}`, req.ID)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[
				{"name":"turn_on","description":"Turn an entity on","inputSchema":{"type":"object"}},
				{"name":"unlock_door","description":"Unlock a door","inputSchema":{"type":"object"}}
			]}}`, req.ID)
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			json.Unmarshal(req.Params, &p)
			f.mu.Lock()
			f.lastTool, f.lastArgs = p.Name, p.Arguments
			isErr := f.callIsError
			f.mu.Unlock()
			if isErr {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"entity not found\ndetails follow"}],"isError":true}}`, req.ID)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"turned on "},{"type":"text","text":"light.kitchen"}]}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeToolServer) entry(name string) config.ServerEntry {
	return config.ServerEntry{
		Name:        name,
		Transport:   config.TransportStreamHTTP,
		URL:         f.srv.URL,
		CallTimeout: 2,
	}
}

func TestDialAndListTools(t *testing.T) {
	f := newFakeToolServer(t)

	c, err := Dial(context.Background(), f.entry("home"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "turn_on" {
		t.Errorf("tools = %+v", tools)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.methods[0] != "initialize" || f.methods[1] != "notifications/initialized" {
		t.Errorf("handshake order = %v", f.methods)
	}
}

func TestCallToolConcatenatesText(t *testing.T) {
	f := newFakeToolServer(t)
	c, err := Dial(context.Background(), f.entry("home"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	text, isErr, err := c.CallTool(context.Background(), "turn_on", map[string]any{"entity": "light.kitchen"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isErr {
		t.Error("call must not be flagged as error")
	}
	if text != "turned on light.kitchen" {
		t.Errorf("text = %q", text)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastTool != "turn_on" || f.lastArgs["entity"] != "light.kitchen" {
		t.Errorf("server saw %s %v", f.lastTool, f.lastArgs)
	}
}

func TestCallToolIsError(t *testing.T) {
	f := newFakeToolServer(t)
	f.callIsError = true
	c, err := Dial(context.Background(), f.entry("home"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	text, isErr, err := c.CallTool(context.Background(), "turn_on", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isErr {
		t.Error("server-flagged failure must surface as isError")
	}
	if !strings.Contains(text, "entity not found") {
		t.Errorf("text = %q", text)
	}
}

func TestRPCErrorSurfacesAsCallError(t *testing.T) {
	f := newFakeToolServer(t)
	c, err := Dial(context.Background(), f.entry("home"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	_, err = c.tr.roundTrip(context.Background(), "tools/bogus", nil)
	var ce *callError
	if !errors.As(err, &ce) || ce.code != errCodeMethodNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestReadEventStream(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		": keep-alive",
		`data: {"jsonrpc":"2.0","id":1,"result":{}}`,
		`data: {"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`,
		"",
		`data: {"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`,
	}, "\n"))

	resp, err := readEventStream(stream, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID == nil || *resp.ID != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestReadEventStreamEndsWithoutResponse(t *testing.T) {
	stream := strings.NewReader(`data: {"jsonrpc":"2.0","id":1,"result":{}}` + "\n")
	if _, err := readEventStream(stream, 9); err == nil {
		t.Error("expected error when the stream ends early")
	}
}
