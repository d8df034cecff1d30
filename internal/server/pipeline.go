package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hearthlabs/hearth/internal/agentloop"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/executor"
	"github.com/hearthlabs/hearth/internal/id"
	"github.com/hearthlabs/hearth/internal/llm"
	"github.com/hearthlabs/hearth/internal/mcp"
	"github.com/hearthlabs/hearth/internal/outputs"
	"github.com/hearthlabs/hearth/internal/protocol"
	"github.com/hearthlabs/hearth/internal/speech"
	"github.com/hearthlabs/hearth/internal/telemetry"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/server")

const denialLine = "I'm not allowed to do that from this device."
const unavailableLine = "Sorry, I'm having trouble answering right now. Please try again in a moment."

const responsePreamble = `You are a helpful household voice assistant. Answer briefly and
naturally, in the language the user spoke. Do not mention tools or internal
mechanics.`

// ConversationStore is the history surface the pipeline reads and writes.
type ConversationStore interface {
	Append(ctx context.Context, msg *domain.Message) error
	LoadTail(ctx context.Context, sessionID string, n int) ([]*domain.Message, error)
}

// Classifier produces ranked candidates; it never fails (degrades
// internally).
type Classifier interface {
	Classify(ctx context.Context, query string, tail []*domain.Message, tools []domain.ToolDescriptor) []domain.IntentCandidate
}

// ComplexityDetector routes between the single-shot and agent paths.
type ComplexityDetector interface {
	IsComplex(ctx context.Context, query string) bool
}

// Executor runs one candidate.
type Executor interface {
	Execute(ctx context.Context, cand domain.IntentCandidate, query string, permit domain.PermissionFunc) executor.Result
}

// AgentRunner drives the multi-step path.
type AgentRunner interface {
	Run(ctx context.Context, query string, tail []*domain.Message, tools []domain.ToolDescriptor, permit domain.PermissionFunc, emit agentloop.EmitFunc) (<-chan llm.Chunk, *agentloop.Outcome)
}

// ToolSource provides the per-turn capability snapshot.
type ToolSource interface {
	Snapshot() *mcp.Snapshot
}

// Streamer is the LM surface used for the final reply.
type Streamer interface {
	Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (<-chan llm.Chunk, error)
}

// Pipeline orchestrates one utterance end to end: history, routing,
// execution, streaming, persistence, audio out.
type Pipeline struct {
	store      ConversationStore
	classifier Classifier
	complexity ComplexityDetector
	executor   Executor
	agent      AgentRunner // nil when the agent loop is disabled
	tools      ToolSource
	lm         Streamer
	outputs    *outputs.Router
	tts        *speech.TTSClient
	cfg        *config.Config
}

func NewPipeline(store ConversationStore, classifier Classifier, complexity ComplexityDetector, exec Executor, agent AgentRunner, tools ToolSource, lm Streamer, out *outputs.Router, tts *speech.TTSClient, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:      store,
		classifier: classifier,
		complexity: complexity,
		executor:   exec,
		agent:      agent,
		tools:      tools,
		lm:         lm,
		outputs:    out,
		tts:        tts,
		cfg:        cfg,
	}
}

// TurnOptions carries per-utterance routing hints from the transport frame.
type TurnOptions struct {
	// UseRAG forces the retrieval path: the turn routes to knowledge.ask
	// without consulting the classifier.
	UseRAG bool
	// KnowledgeBase scopes retrieval to one knowledge base. Empty falls back
	// to the session's active scope.
	KnowledgeBase string
}

// turn accumulates what one utterance produced.
type turn struct {
	sessionID string
	query     string
	useRAG    bool
	kb        string
	tail      []*domain.Message
	meta      domain.MessageMeta
	answer    strings.Builder
}

// RunText drives one text utterance on a connection. It never returns an
// error: every failure path ends in a user-visible message and exactly one
// done frame.
func (p *Pipeline) RunText(ctx context.Context, c *Conn, sessionID, content string, opts TurnOptions) {
	start := time.Now()
	if p.cfg.Sessions.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Sessions.TurnTimeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "pipeline.turn")
	defer span.End()

	c.setState(StateProcessing)
	defer c.setState(StateIdle)

	sessionID = p.resolveSession(c, sessionID)
	span.SetAttributes(attribute.String("session.id", sessionID))

	t := &turn{sessionID: sessionID, query: content, useRAG: opts.UseRAG, kb: opts.KnowledgeBase}
	if t.kb == "" {
		t.kb = c.KnowledgeBase()
	}
	t.tail = p.loadTail(ctx, c, sessionID)

	p.appendMessage(ctx, &domain.Message{
		ID:        id.NewMessage(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   content,
	})

	snapshot := p.tools.Snapshot()
	promptTools := snapshot.ForPrompt()

	var path string
	if p.agent != nil && p.complexity.IsComplex(ctx, content) {
		path = "agent"
		p.runAgent(ctx, c, t, promptTools)
	} else {
		path = "simple"
		p.runChain(ctx, c, t, promptTools)
	}

	telemetry.TurnsTotal.WithLabelValues(path, outcomeLabel(ctx)).Inc()
	telemetry.TurnDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

func outcomeLabel(ctx context.Context) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case ctx.Err() != nil:
		return "cancelled"
	default:
		return "ok"
	}
}

func (p *Pipeline) resolveSession(c *Conn, sessionID string) string {
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	if sessionID == "" {
		if dev := c.Device(); dev != nil && dev.Kind == domain.DeviceSatellite {
			sessionID = domain.SatelliteSessionID(dev.ID, time.Now())
		} else {
			sessionID = id.NewSession()
		}
	}
	c.setSessionID(sessionID)
	return sessionID
}

func (p *Pipeline) tailSize(c *Conn) int {
	if !c.isDevice {
		return p.cfg.Sessions.TailChat
	}
	if dev := c.Device(); dev != nil && dev.Kind == domain.DeviceSatellite {
		return p.cfg.Sessions.TailSatellite
	}
	return p.cfg.Sessions.TailWS
}

// loadTail is best-effort: a dead store means an empty tail, not a dead turn.
func (p *Pipeline) loadTail(ctx context.Context, c *Conn, sessionID string) []*domain.Message {
	tail, err := p.store.LoadTail(ctx, sessionID, p.tailSize(c))
	if err != nil {
		slog.Warn("pipeline: tail load failed, running on empty history",
			"session", sessionID, "error", err)
		return nil
	}
	return tail
}

func (p *Pipeline) appendMessage(ctx context.Context, msg *domain.Message) {
	if err := p.store.Append(ctx, msg); err != nil {
		slog.Warn("pipeline: append failed", "session", msg.SessionID,
			"role", msg.Role, "error", err)
	}
}

// --- agent path

func (p *Pipeline) runAgent(ctx context.Context, c *Conn, t *turn, tools []domain.ToolDescriptor) {
	emit := func(ev agentloop.Event) {
		switch ev.Kind {
		case agentloop.EventThinking:
			c.Send(&protocol.AgentThinking{
				Type: protocol.TypeAgentThinking, Content: ev.Text,
				Step: ev.Step, SessionID: t.sessionID,
			})
		case agentloop.EventToolCall:
			c.Send(&protocol.AgentToolCall{
				Type: protocol.TypeAgentToolCall, Tool: ev.Tool, Args: ev.Params,
				Reason: ev.Text, Step: ev.Step, SessionID: t.sessionID,
			})
		case agentloop.EventToolResult:
			frame := &protocol.AgentToolResult{
				Type: protocol.TypeAgentToolResult, Tool: ev.Tool,
				Success: !ev.IsErr, Step: ev.Step, SessionID: t.sessionID,
			}
			if ev.IsErr {
				frame.Error = ev.Result
			} else {
				frame.Result = ev.Result
			}
			c.Send(frame)
		}
	}

	stream, outcome := p.agent.Run(ctx, t.query, t.tail, tools, c.Permit(), emit)
	p.streamAnswer(ctx, c, t, stream)

	t.meta.AgentUsed = true
	t.meta.AgentSteps = outcome.Steps
	t.meta.ToolCalls = outcome.ToolCalls
	p.finishTurn(ctx, c, t)
}

// --- single-shot path with fallback chain

func (p *Pipeline) runChain(ctx context.Context, c *Conn, t *turn, tools []domain.ToolDescriptor) {
	var candidates []domain.IntentCandidate
	if t.useRAG {
		// An explicit retrieval request skips classification entirely.
		candidates = []domain.IntentCandidate{{
			Label:      domain.LabelKnowledgeAsk,
			Params:     map[string]any{"query": t.query},
			Confidence: 1,
		}}
	} else {
		candidates = p.classifier.Classify(ctx, t.query, t.tail, tools)
	}

	var (
		used      *domain.IntentCandidate
		toolValue string
		ragCtx    string
	)

	for i := range candidates {
		cand := candidates[i]
		if cand.Label == domain.LabelKnowledgeAsk && t.kb != "" {
			if cand.Params == nil {
				cand.Params = map[string]any{}
			}
			cand.Params["knowledge_base_id"] = t.kb
		}
		res := p.executor.Execute(ctx, cand, t.query, c.Permit())

		switch res.Kind {
		case executor.NoAction:
			used = &cand

		case executor.OK:
			used = &cand
			if cand.Label == domain.LabelKnowledgeAsk {
				ragCtx = res.Value
			} else {
				toolValue = res.Value
				c.Send(&protocol.Action{
					Type: protocol.TypeAction, Intent: cand.Label,
					Result: res.Value, SessionID: t.sessionID,
				})
				telemetry.ToolInvocations.WithLabelValues(candServer(cand), "ok").Inc()
			}

		case executor.OKEmpty:
			t.meta.Skipped = append(t.meta.Skipped, domain.SkippedCandidate{
				Label: cand.Label, Reason: "ok-empty",
			})
			continue

		case executor.Failed:
			if errors.Is(res.Err, domain.ErrNotPermitted) {
				p.deny(ctx, c, t, cand.Label)
				return
			}
			reason := "error"
			if te, ok := domain.AsToolError(res.Err); ok {
				reason = string(te.Kind)
				telemetry.ToolInvocations.WithLabelValues(candServer(cand), reason).Inc()
			}
			slog.Warn("pipeline: candidate failed, falling through",
				"label", cand.Label, "reason", reason, "error", res.Err)
			t.meta.Skipped = append(t.meta.Skipped, domain.SkippedCandidate{
				Label: cand.Label, Reason: reason,
			})
			continue
		}
		break
	}

	if used == nil {
		// Chain exhausted. The agent is the last resort when enabled;
		// otherwise answer conversationally.
		if p.agent != nil {
			p.runAgent(ctx, c, t, tools)
			return
		}
		used = &domain.IntentCandidate{Label: domain.LabelConversation, Confidence: 1}
	}

	t.meta.Intent = used.Label
	t.meta.Confidence = used.Confidence
	if server := candServer(*used); server != "" {
		t.meta.ToolCalls = []string{used.Label}
	}

	stream, err := p.lm.Chat(ctx, p.responsePrompt(t, toolValue, ragCtx), llm.Options{Role: llm.RoleChat})
	if err != nil {
		slog.Error("pipeline: response stream failed", "error", err)
		p.streamAnswer(ctx, c, t, fixedStream(unavailableLine))
		p.finishTurn(ctx, c, t)
		return
	}
	p.streamAnswer(ctx, c, t, stream)
	p.finishTurn(ctx, c, t)
}

func candServer(cand domain.IntentCandidate) string {
	server, _, ok := cand.ToolCall()
	if !ok {
		return ""
	}
	return server
}

// deny terminates the chain on a permission failure. Whether the denial
// becomes a durable assistant line is deployment policy.
func (p *Pipeline) deny(ctx context.Context, c *Conn, t *turn, label string) {
	slog.Info("pipeline: permission denied", "label", label, "session", t.sessionID)
	c.SendError("not-permitted", denialLine)

	if p.cfg.Output.DenialMessage {
		p.streamAnswer(ctx, c, t, fixedStream(denialLine))
		p.finishTurn(ctx, c, t)
		return
	}
	p.sendDone(c, t, false)
}

// responsePrompt composes the final-answer prompt from the query, any tool
// result, any retrieval context, and the tail.
func (p *Pipeline) responsePrompt(t *turn, toolValue, ragCtx string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(responsePreamble)
	if toolValue != "" {
		sb.WriteString("\n\nAn action was just performed for the user. Tool result:\n")
		sb.WriteString(toolValue)
		sb.WriteString("\nConfirm the outcome or answer using it.")
	}
	if ragCtx != "" {
		sb.WriteString("\n\nRelevant excerpts from the user's documents:\n")
		sb.WriteString(ragCtx)
		sb.WriteString("\nGround your answer in these excerpts.")
	}

	msgs := make([]llm.Message, 0, len(t.tail)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: sb.String()})
	for _, m := range t.tail {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: t.query})
}

// streamAnswer forwards LM chunks to the client and accumulates the full
// text. The first chunk moves the connection to streaming state.
func (p *Pipeline) streamAnswer(ctx context.Context, c *Conn, t *turn, stream <-chan llm.Chunk) {
	first := true
	for chunk := range stream {
		if chunk.Err != nil {
			slog.Error("pipeline: stream broke", "error", chunk.Err)
			if t.answer.Len() == 0 {
				c.Send(&protocol.Stream{Type: protocol.TypeStream, Content: unavailableLine, SessionID: t.sessionID})
				t.answer.WriteString(unavailableLine)
			}
			return
		}
		if chunk.Done {
			return
		}
		if first {
			c.setState(StateStreaming)
			first = false
		}
		t.answer.WriteString(chunk.Content)
		c.Send(&protocol.Stream{Type: protocol.TypeStream, Content: chunk.Content, SessionID: t.sessionID})
	}
}

// finishTurn persists the assistant message, handles audio, and emits the
// terminal frame exactly once.
func (p *Pipeline) finishTurn(ctx context.Context, c *Conn, t *turn) {
	answer := strings.TrimSpace(t.answer.String())

	// A cancelled or timed-out exchange appends nothing; the user turn stays
	// alone.
	if err := ctx.Err(); err != nil {
		reason := "cancelled"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		c.Send(&protocol.SessionEnd{
			Type: protocol.TypeSessionEnd, SessionID: t.sessionID, Reason: reason,
		})
		return
	}

	if answer != "" {
		p.appendMessage(ctx, &domain.Message{
			ID:        id.NewMessage(),
			SessionID: t.sessionID,
			Role:      domain.RoleAssistant,
			Content:   answer,
			Meta:      t.meta,
		})
	}

	if c.isDevice && answer != "" {
		c.Send(&protocol.ResponseText{
			Type: protocol.TypeResponseText, Text: answer, SessionID: t.sessionID,
		})
	}

	ttsHandled := p.routeAudio(ctx, c, answer)
	p.sendDone(c, t, ttsHandled)
}

func (p *Pipeline) sendDone(c *Conn, t *turn, ttsHandled bool) {
	c.Send(&protocol.Done{
		Type:       protocol.TypeDone,
		TTSHandled: ttsHandled,
		AgentUsed:  t.meta.AgentUsed,
		AgentSteps: t.meta.AgentSteps,
		SessionID:  t.sessionID,
	})
}

// routeAudio synthesizes and delivers the spoken reply for device
// connections. Returns the tts_handled flag.
func (p *Pipeline) routeAudio(ctx context.Context, c *Conn, answer string) bool {
	if !c.isDevice || answer == "" || !p.tts.Enabled() || p.outputs == nil {
		return false
	}
	dev := c.Device()
	if dev == nil {
		return false
	}

	decision := p.outputs.Route(ctx, c.Room(), c)
	if decision.Target == outputs.TargetNone {
		telemetry.AudioRouted.WithLabelValues(string(decision.Target)).Inc()
		return false
	}

	wav, err := p.tts.Synthesize(ctx, answer)
	if err != nil {
		slog.Warn("pipeline: tts failed, reply stays text-only", "error", err)
		return false
	}

	switch decision.Target {
	case outputs.TargetInput:
		if err := c.PlayAudio(ctx, wav); err != nil {
			slog.Warn("pipeline: audio push to input device failed", "error", err)
		}
	default:
		if err := p.outputs.Deliver(ctx, decision, wav); err != nil {
			slog.Warn("pipeline: audio delivery failed",
				"target", decision.Target, "error", err)
			// Fall back to the input device when it can play.
			if c.HasSpeaker() {
				if err := c.PlayAudio(ctx, wav); err == nil {
					telemetry.AudioRouted.WithLabelValues(string(outputs.TargetInput)).Inc()
					return false
				}
			}
			return false
		}
	}
	telemetry.AudioRouted.WithLabelValues(string(decision.Target)).Inc()
	return decision.Handled()
}

// fixedStream wraps a fixed line as an answer stream.
func fixedStream(text string) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Content: text}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch
}
