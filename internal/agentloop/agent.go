// Package agentloop runs the multi-step ReAct path: LM reasoning interleaved
// with tool calls until a final answer is produced or the budgets trip.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/intent"
	"github.com/hearthlabs/hearth/internal/llm"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/agentloop")

// cannedFailure is emitted when even the synthesis fallback fails. Never a
// silent drop.
const cannedFailure = "I could not complete this request in time."

type EventKind string

const (
	EventThinking   EventKind = "agent-thinking"
	EventToolCall   EventKind = "agent-tool-call"
	EventToolResult EventKind = "agent-tool-result"
)

// Event is one entry of the typed progress stream the UI renders as
// "thinking / calling X / result". Step increases monotonically.
type Event struct {
	Kind   EventKind
	Step   int
	Text   string
	Tool   string
	Params map[string]any
	Result string
	IsErr  bool
}

// EmitFunc receives progress events; it must not block.
type EmitFunc func(Event)

// Invoker is the registry surface tools are called through.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// LM is the language-model surface the loop needs: one-shot steps plus a
// streamed final answer.
type LM interface {
	Generate(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error)
	Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (<-chan llm.Chunk, error)
}

// Outcome summarizes a finished run for message metadata.
type Outcome struct {
	Steps     int
	ToolCalls []string
}

type Agent struct {
	lm       LM
	registry Invoker
	fewshots *intent.Fewshots
	cfg      config.AgentConfig
}

func New(lm LM, registry Invoker, fewshots *intent.Fewshots, cfg config.AgentConfig) *Agent {
	return &Agent{lm: lm, registry: registry, fewshots: fewshots, cfg: cfg}
}

// stepReply is the structured shape each reasoning step must produce.
type stepReply struct {
	Action string         `json:"action"` // "tool_call" | "final_answer"
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Answer string         `json:"answer,omitempty"`
}

const agentPreamble = `You are the reasoning loop of a household assistant. You may call tools
to gather information or act, one call per step, then produce a final answer.

Reply with exactly one JSON object per turn:
- to call a tool: {"action": "tool_call", "tool": "<server>.<tool>", "params": {...}, "reason": "<one line for the user>"}
- to answer:      {"action": "final_answer", "answer": "<your answer>"}

Available tools:
`

// Run drives the loop. The returned channel streams the final answer; the
// Outcome is valid once the channel is closed. Run itself does not fail: any
// internal failure degrades to a synthesized or canned answer.
func (a *Agent) Run(ctx context.Context, query string, tail []*domain.Message, tools []domain.ToolDescriptor, permit domain.PermissionFunc, emit EmitFunc) (<-chan llm.Chunk, *Outcome) {
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.TotalTimeout)

	outcome := &Outcome{}
	msgs := a.setup(ctx, query, tail, tools)

	finish := func(stream <-chan llm.Chunk) (<-chan llm.Chunk, *Outcome) {
		span.SetAttributes(
			attribute.Int("agent.steps", outcome.Steps),
			attribute.Int("agent.tool_calls", len(outcome.ToolCalls)),
		)
		// Forward until the stream closes; the budget context must not gate
		// this, or a post-deadline synthesized answer would be dropped.
		out := make(chan llm.Chunk, 8)
		go func() {
			defer cancel()
			defer close(out)
			for ch := range stream {
				out <- ch
			}
		}()
		return out, outcome
	}

	parseFailures := 0
	for step := 0; step < a.cfg.MaxSteps; step++ {
		stepCtx, stepCancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
		temp := float32(0)
		response, err := a.lm.Generate(stepCtx, msgs, llm.Options{
			Role: llm.RoleAgent, Model: a.cfg.ModelOverride, Temperature: &temp,
		})
		stepCancel()
		if err != nil {
			slog.Warn("agent: step call failed", "step", step, "error", err)
			return finish(a.synthesize(ctx, msgs, outcome))
		}

		reply, err := parseStep(response)
		if err != nil {
			parseFailures++
			slog.Warn("agent: unparseable step", "step", step, "error", err)
			emit(Event{Kind: EventThinking, Step: outcome.Steps, Text: "re-reading the plan"})
			if parseFailures > 1 {
				return finish(a.synthesize(ctx, msgs, outcome))
			}
			msgs = append(msgs, llm.Message{Role: "user",
				Content: "Your reply was not a valid JSON action object. Reply with exactly one JSON object."})
			continue
		}
		parseFailures = 0

		if reply.Action == "final_answer" {
			if reply.Answer != "" {
				return finish(textStream(reply.Answer))
			}
			return finish(a.synthesize(ctx, msgs, outcome))
		}

		if reply.Reason != "" {
			emit(Event{Kind: EventThinking, Step: outcome.Steps, Text: reply.Reason})
		}
		emit(Event{Kind: EventToolCall, Step: outcome.Steps, Tool: reply.Tool, Params: reply.Params})

		result := a.callTool(ctx, reply, permit)
		emit(Event{Kind: EventToolResult, Step: outcome.Steps, Tool: reply.Tool,
			Result: truncate(result.text, 500), IsErr: result.failed})

		outcome.Steps++
		outcome.ToolCalls = append(outcome.ToolCalls, reply.Tool)

		msgs = append(msgs,
			llm.Message{Role: "assistant", Content: response},
			llm.Message{Role: "user", Content: fmt.Sprintf("Result of %s:\n%s", reply.Tool, result.text)},
		)

		select {
		case <-ctx.Done():
			return finish(a.synthesize(context.WithoutCancel(ctx), msgs, outcome))
		default:
		}
	}

	// max_steps exhausted
	return finish(a.synthesize(ctx, msgs, outcome))
}

func (a *Agent) setup(ctx context.Context, query string, tail []*domain.Message, tools []domain.ToolDescriptor) []llm.Message {
	var sb strings.Builder
	sb.WriteString(agentPreamble)
	for _, t := range tools {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		if len(t.Schema) > 0 {
			if schema, err := json.Marshal(t.Schema); err == nil {
				sb.WriteString(" ")
				sb.Write(schema)
			}
		}
		sb.WriteString("\n")
	}

	if a.fewshots != nil {
		examples, err := a.fewshots.Examples(ctx, domain.ScopeAgentToolChoice, query)
		if err != nil {
			slog.Warn("agent: fewshot lookup failed", "error", err)
		} else if len(examples) > 0 {
			sb.WriteString("\nTool-choice corrections from similar past requests:\n")
			for _, ex := range examples {
				fmt.Fprintf(&sb, "- %q: use %s, not %s\n", ex.Query, ex.RightLabel, ex.WrongLabel)
			}
		}
	}

	msgs := make([]llm.Message, 0, len(tail)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: sb.String()})
	for _, m := range tail {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: query})
}

type toolOutcome struct {
	text   string
	failed bool
}

func (a *Agent) callTool(ctx context.Context, reply *stepReply, permit domain.PermissionFunc) toolOutcome {
	if permit != nil && !permit(reply.Tool) {
		return toolOutcome{text: "Error: this action is not permitted for this client.", failed: true}
	}

	cand := domain.IntentCandidate{Label: reply.Tool, Params: reply.Params}
	server, tool, ok := cand.ToolCall()
	if !ok {
		return toolOutcome{text: fmt.Sprintf("Error: %q is not a known tool.", reply.Tool), failed: true}
	}

	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	value, err := a.registry.Invoke(stepCtx, server, tool, reply.Params)
	if err != nil {
		return toolOutcome{text: "Error: " + err.Error(), failed: true}
	}
	if strings.TrimSpace(value) == "" {
		return toolOutcome{text: "(no output)"}
	}
	return toolOutcome{text: value}
}

// synthesize makes one last streamed call asking the model to conclude from
// the transcript so far. If that fails too, the canned failure is streamed.
func (a *Agent) synthesize(ctx context.Context, msgs []llm.Message, outcome *Outcome) <-chan llm.Chunk {
	synthCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.StepTimeout)

	msgs = append(msgs, llm.Message{Role: "user",
		Content: "Stop calling tools. Conclude now: answer the original question as well as you can from what you have, in plain prose."})

	stream, err := a.lm.Chat(synthCtx, msgs, llm.Options{Role: llm.RoleAgent, Model: a.cfg.ModelOverride})
	if err != nil {
		cancel()
		slog.Warn("agent: synthesis fallback failed", "steps", outcome.Steps, "error", err)
		return textStream(cannedFailure)
	}

	out := make(chan llm.Chunk, 8)
	go func() {
		defer cancel()
		defer close(out)
		for ch := range stream {
			out <- ch
		}
	}()
	return out
}

// parseStep extracts the first JSON object from a step reply that may carry
// surrounding prose.
func parseStep(response string) (*stepReply, error) {
	start := strings.IndexByte(response, '{')
	end := strings.LastIndexByte(response, '}')
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in step reply")
	}

	var reply stepReply
	if err := json.Unmarshal([]byte(response[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("parse step reply: %w", err)
	}
	switch reply.Action {
	case "tool_call":
		if reply.Tool == "" {
			return nil, fmt.Errorf("tool_call without tool name")
		}
	case "final_answer":
	default:
		return nil, fmt.Errorf("unknown action %q", reply.Action)
	}
	return &reply, nil
}

// textStream wraps a fixed string as a one-chunk answer stream.
func textStream(text string) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 2)
	out <- llm.Chunk{Content: text}
	out <- llm.Chunk{Done: true}
	close(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
