package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthlabs/hearth/internal/backoff"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
)

// Snapshot is an immutable view of every known tool. Lookups during a
// pipeline turn all read the same snapshot, so a mid-turn refresh never
// changes what a turn can see.
type Snapshot struct {
	tools   []domain.ToolDescriptor
	byName  map[string]*domain.ToolDescriptor
	version uint64
}

// All returns every tool, sorted by name.
func (s *Snapshot) All() []domain.ToolDescriptor { return s.tools }

// ForPrompt returns the tools included in classifier and agent prompts.
func (s *Snapshot) ForPrompt() []domain.ToolDescriptor {
	var out []domain.ToolDescriptor
	for _, t := range s.tools {
		if t.InPrompt {
			out = append(out, t)
		}
	}
	return out
}

// Describe looks up one tool by its <server>.<tool> name.
func (s *Snapshot) Describe(name string) (*domain.ToolDescriptor, bool) {
	t, ok := s.byName[name]
	return t, ok
}

func (s *Snapshot) Version() uint64 { return s.version }

// serverState is one connected tool server plus its share of the snapshot.
type serverState struct {
	entry  config.ServerEntry
	client *Client

	kick chan struct{}

	mu    sync.Mutex
	tools []domain.ToolDescriptor
	up    bool
}

// Registry connects to the configured tool servers, keeps a capability
// snapshot over them, and routes invocations.
type Registry struct {
	servers  map[string]*serverState
	snapshot atomic.Pointer[Snapshot]
	version  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry dials every enabled server in the roster. A server that fails
// to come up is kept and retried by its refresh loop rather than dropped.
func NewRegistry(ctx context.Context, roster *config.ServerRoster) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		servers: make(map[string]*serverState),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.snapshot.Store(&Snapshot{byName: map[string]*domain.ToolDescriptor{}})

	for _, entry := range roster.Servers {
		if !entry.IsEnabled() {
			slog.Info("registry: server disabled", "server", entry.Name)
			continue
		}
		st := &serverState{entry: entry, kick: make(chan struct{}, 1)}
		r.servers[entry.Name] = st
		r.wg.Add(1)
		go r.serverLoop(st)
	}
	return r
}

// Snapshot returns the current capability snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// RequestRefresh asks a server's loop to re-list its tools soon, e.g. after a
// tools/list_changed notification.
func (r *Registry) RequestRefresh(server string) {
	st, ok := r.servers[server]
	if !ok {
		return
	}
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

// OnNotify is the NotifyFunc wired into each client.
func (r *Registry) OnNotify(server, method string) {
	if strings.HasSuffix(method, "tools/list_changed") {
		r.RequestRefresh(server)
	}
}

// serverLoop owns one server's connection: dial with backoff, periodic tool
// refresh, and reconnection when the server goes away.
func (r *Registry) serverLoop(st *serverState) {
	defer r.wg.Done()

	interval := st.entry.RefreshEvery()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.refreshServer(st)
	for {
		select {
		case <-r.ctx.Done():
			st.mu.Lock()
			if st.client != nil {
				st.client.Close()
			}
			st.mu.Unlock()
			return
		case <-ticker.C:
			r.refreshServer(st)
		case <-st.kick:
			r.refreshServer(st)
		}
	}
}

// refreshServer (re)connects if needed and swaps in the server's current
// tool list.
func (r *Registry) refreshServer(st *serverState) {
	st.mu.Lock()
	client := st.client
	st.mu.Unlock()

	if client == nil {
		err := backoff.Retry(r.ctx, backoff.Quick, func(ctx context.Context, attempt int) error {
			c, err := Dial(ctx, st.entry, r.OnNotify)
			if err != nil {
				return err
			}
			client = c
			return nil
		})
		if err != nil {
			r.markDown(st, err)
			return
		}
		st.mu.Lock()
		st.client = client
		st.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(r.ctx, st.entry.CallDeadline())
	defer cancel()

	infos, err := client.ListTools(ctx)
	if err != nil {
		// Listing failures mean the connection is suspect; drop it so the
		// next refresh re-dials.
		client.Close()
		st.mu.Lock()
		st.client = nil
		st.mu.Unlock()
		r.markDown(st, err)
		return
	}

	tools := make([]domain.ToolDescriptor, 0, len(infos))
	for _, info := range infos {
		tools = append(tools, domain.ToolDescriptor{
			Name:        st.entry.Name + "." + info.Name,
			Description: info.Description,
			Schema:      info.InputSchema,
			InPrompt:    st.entry.InPrompt(info.Name),
			Server:      st.entry.Name,
		})
	}

	st.mu.Lock()
	wasUp := st.up
	st.tools = tools
	st.up = true
	st.mu.Unlock()

	if !wasUp {
		slog.Info("registry: server up", "server", st.entry.Name, "tools", len(tools))
	}
	r.rebuild()
}

func (r *Registry) markDown(st *serverState, err error) {
	st.mu.Lock()
	wasUp := st.up
	st.up = false
	st.tools = nil
	st.mu.Unlock()

	if wasUp {
		slog.Warn("registry: server down", "server", st.entry.Name, "error", err)
		r.rebuild()
	} else {
		slog.Debug("registry: server still unreachable", "server", st.entry.Name, "error", err)
	}
}

// rebuild assembles a fresh snapshot from every server's current tools and
// swaps it in atomically.
func (r *Registry) rebuild() {
	var tools []domain.ToolDescriptor
	for _, st := range r.servers {
		st.mu.Lock()
		tools = append(tools, st.tools...)
		st.mu.Unlock()
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	snap := &Snapshot{
		tools:   tools,
		byName:  make(map[string]*domain.ToolDescriptor, len(tools)),
		version: r.version.Add(1),
	}
	for i := range tools {
		snap.byName[tools[i].Name] = &tools[i]
	}
	r.snapshot.Store(snap)
}

// Invoke calls <server>.<tool> with the server's configured deadline and
// classifies failures for the fallback chain.
func (r *Registry) Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	name := server + "." + tool

	st, ok := r.servers[server]
	if !ok {
		return "", domain.NewToolError(domain.ToolErrUnknown, name, nil)
	}
	if _, known := r.Snapshot().Describe(name); !known {
		return "", domain.NewToolError(domain.ToolErrUnknown, name, nil)
	}

	st.mu.Lock()
	client := st.client
	up := st.up
	st.mu.Unlock()
	if client == nil || !up {
		return "", domain.NewToolError(domain.ToolErrServerUnavailable, name,
			fmt.Errorf("server %s not connected", server))
	}

	ctx, cancel := context.WithTimeout(ctx, st.entry.CallDeadline())
	defer cancel()

	text, isErr, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return "", classify(name, err)
	}
	if isErr {
		return "", domain.NewToolError(domain.ToolErrServerError, name, errors.New(firstLine(text)))
	}
	return text, nil
}

// classify maps a transport or RPC failure onto a ToolErrorKind.
func classify(name string, err error) *domain.ToolError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewToolError(domain.ToolErrTimeout, name, err)
	case errors.Is(err, context.Canceled):
		return domain.NewToolError(domain.ToolErrCancelled, name, err)
	}
	var ce *callError
	if errors.As(err, &ce) {
		switch ce.code {
		case errCodeInvalidParams:
			return domain.NewToolError(domain.ToolErrInvalidParams, name, err)
		case errCodeMethodNotFound:
			return domain.NewToolError(domain.ToolErrUnknown, name, err)
		default:
			return domain.NewToolError(domain.ToolErrServerError, name, err)
		}
	}
	return domain.NewToolError(domain.ToolErrServerUnavailable, name, err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ServerHealth is one row of the registry's health report.
type ServerHealth struct {
	Name  string `json:"name"`
	Up    bool   `json:"up"`
	Tools int    `json:"tools"`
}

// Health reports per-server connection status for diagnostics endpoints.
func (r *Registry) Health() []ServerHealth {
	out := make([]ServerHealth, 0, len(r.servers))
	for name, st := range r.servers {
		st.mu.Lock()
		out = append(out, ServerHealth{Name: name, Up: st.up, Tools: len(st.tools)})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops the refresh loops and shuts down every connection.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
