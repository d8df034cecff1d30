package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/id"
	"github.com/hearthlabs/hearth/internal/intent"
	"github.com/hearthlabs/hearth/internal/mcp"
	"github.com/hearthlabs/hearth/internal/outputs"
	"github.com/hearthlabs/hearth/internal/store"
)

// HistoryAPI is the REST surface over the conversation store.
type HistoryAPI interface {
	LoadTail(ctx context.Context, sessionID string, n int) ([]*domain.Message, error)
	Search(ctx context.Context, query string, limit int) ([]*domain.Message, error)
	Stats(ctx context.Context) (*store.ConversationStats, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// FeedbackAPI stores semantic corrections.
type FeedbackAPI interface {
	SaveCorrection(ctx context.Context, c *domain.Correction) error
}

// ToolsAPI exposes the registry to diagnostics endpoints.
type ToolsAPI interface {
	Snapshot() *mcp.Snapshot
	Health() []mcp.ServerHealth
}

type Server struct {
	httpServer *http.Server

	cfg      *config.Config
	hub      *Hub
	ws       *WSHandler
	history  HistoryAPI
	feedback FeedbackAPI
	embed    intent.Embedder
	fewshots *intent.Fewshots
	registry ToolsAPI
	audio    *outputs.AudioCache
}

func New(cfg *config.Config, hub *Hub, ws *WSHandler, history HistoryAPI, feedback FeedbackAPI, embed intent.Embedder, fewshots *intent.Fewshots, registry ToolsAPI, audio *outputs.AudioCache) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		ws:       ws,
		history:  history,
		feedback: feedback,
		embed:    embed,
		fewshots: fewshots,
		registry: registry,
		audio:    audio,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws/chat", s.ws.ServeChat)
	r.Get("/ws/device", s.ws.ServeDevice)
	r.Get("/ws/monitor", s.ws.ServeMonitor)

	r.Get("/audio/{clip}", s.handleAudioClip)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions/{id}/messages", s.handleSessionMessages)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/search", s.handleSearch)
		r.Get("/stats", s.handleStats)
		r.Get("/tools", s.handleTools)
		r.Post("/feedback", s.handleFeedback)
	})
	return r
}

func (s *Server) Start() error {
	slog.Info("server: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status      string             `json:"status"`
		Connections int                `json:"connections"`
		ToolServers []mcp.ServerHealth `json:"tool_servers,omitempty"`
	}
	h := health{Status: "ok", Connections: s.hub.Count()}
	if s.registry != nil {
		h.ToolServers = s.registry.Health()
	}
	writeJSON(w, http.StatusOK, h)
}

// handleAudioClip serves cached TTS clips to external media players.
func (s *Server) handleAudioClip(w http.ResponseWriter, r *http.Request) {
	clipID := strings.TrimSuffix(chi.URLParam(r, "clip"), ".wav")
	wav, ok := s.audio.Get(clipID)
	if !ok {
		http.Error(w, "clip not found or expired", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Write(wav)
}

type messageResponse struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	Meta      domain.MessageMeta `json:"meta"`
	CreatedAt time.Time          `json:"created_at"`
}

func toMessageResponses(msgs []*domain.Message) []messageResponse {
	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      string(m.Role),
			Content:   m.Content,
			Meta:      m.Meta,
			CreatedAt: m.CreatedAt,
		}
	}
	return out
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 50)

	msgs, err := s.history.LoadTail(r.Context(), sessionID, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.history.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	msgs, err := s.history.Search(r.Context(), query, queryInt(r, "limit", 20))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"sessions": stats.Sessions,
		"messages": stats.Messages,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	type toolResponse struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Server      string `json:"server"`
		InPrompt    bool   `json:"in_prompt"`
	}
	snap := s.registry.Snapshot()
	tools := make([]toolResponse, 0, len(snap.All()))
	for _, t := range snap.All() {
		tools = append(tools, toolResponse{
			Name:        t.Name,
			Description: t.Description,
			Server:      t.Server,
			InPrompt:    t.InPrompt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"tools":   tools,
		"servers": s.registry.Health(),
	})
}

// handleFeedback stores one semantic correction and drops the scope's count
// cache so it influences the very next classification.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope      string `json:"scope"`
		Query      string `json:"query"`
		WrongLabel string `json:"wrong_label"`
		RightLabel string `json:"right_label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	scope := domain.FeedbackScope(req.Scope)
	switch scope {
	case domain.ScopeIntentClassification, domain.ScopeAgentToolChoice, domain.ScopeComplexityRouting:
	default:
		http.Error(w, "unknown scope", http.StatusBadRequest)
		return
	}
	if req.Query == "" || req.RightLabel == "" {
		http.Error(w, "query and right_label are required", http.StatusBadRequest)
		return
	}

	embedding, err := s.embed.Embed(r.Context(), req.Query)
	if err != nil {
		httpError(w, fmt.Errorf("embed query: %w", err))
		return
	}

	corr := &domain.Correction{
		ID:         id.NewCorrection(),
		Scope:      scope,
		Query:      req.Query,
		Embedding:  embedding,
		WrongLabel: req.WrongLabel,
		RightLabel: req.RightLabel,
	}
	if err := s.feedback.SaveCorrection(r.Context(), corr); err != nil {
		httpError(w, err)
		return
	}
	s.fewshots.Invalidate(scope)

	writeJSON(w, http.StatusCreated, map[string]string{"id": corr.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("http: encode response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		slog.Error("http: request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
