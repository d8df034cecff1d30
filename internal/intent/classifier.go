package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/llm"
	"github.com/hearthlabs/hearth/internal/telemetry"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/intent")

const maxCandidates = 3

const classifierPreamble = `You are the intent classifier of a household voice assistant.
Classify the user's message into up to 3 ranked intent candidates.

Each candidate is either:
- a tool intent: the label is "<server>.<tool>" from the tool list below, with the tool's parameters filled in from the message
- "knowledge.ask": the user asks about their own notes, documents or past conversations
- "general.conversation": small talk, opinions, general knowledge, or anything no tool covers

Respond with a JSON array, most likely candidate first:
[{"label": "...", "params": {...}, "confidence": 0.0-1.0}]
Return only candidates you consider plausible; one is enough when the intent is clear.`

// generator is the LM call the classifier depends on.
type generator interface {
	Generate(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error)
}

// GlossaryFunc supplies smart-home-adjacent keywords (device and entity
// friendly names) for the prompt. May be nil.
type GlossaryFunc func(ctx context.Context) []string

// Classifier turns a user utterance plus context into ranked candidates.
type Classifier struct {
	lm       generator
	fewshots *Fewshots
	glossary GlossaryFunc
	examples map[string]config.ServerEntry // server name -> roster entry
}

func NewClassifier(lm generator, fewshots *Fewshots, glossary GlossaryFunc, roster *config.ServerRoster) *Classifier {
	examples := make(map[string]config.ServerEntry)
	if roster != nil {
		for _, entry := range roster.Servers {
			examples[entry.Name] = entry
		}
	}
	return &Classifier{lm: lm, fewshots: fewshots, glossary: glossary, examples: examples}
}

// Classify always returns at least one candidate. LM and parse failures are
// logged and degrade to general.conversation; they never fail the turn.
func (c *Classifier) Classify(ctx context.Context, query string, tail []*domain.Message, tools []domain.ToolDescriptor) []domain.IntentCandidate {
	ctx, span := tracer.Start(ctx, "intent.classify")
	defer span.End()
	span.SetAttributes(attribute.Int("intent.prompt_tools", len(tools)))

	system := c.buildPrompt(ctx, query, tools)

	msgs := make([]llm.Message, 0, len(tail)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	for _, m := range tail {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: query})

	temp := float32(0)
	response, err := c.lm.Generate(ctx, msgs, llm.Options{Role: llm.RoleClassifier, Temperature: &temp})
	if err != nil {
		slog.Warn("classifier: lm call failed, using conversation fallback", "error", err)
		span.RecordError(err)
		telemetry.ClassifierParseErrors.Inc()
		return fallbackCandidates()
	}

	candidates, err := ParseCandidates(response)
	if err != nil {
		slog.Warn("classifier: unparseable response, using conversation fallback",
			"error", err, "response_prefix", prefix(response, 120))
		span.RecordError(err)
		telemetry.ClassifierParseErrors.Inc()
		return fallbackCandidates()
	}

	span.SetAttributes(
		attribute.Int("intent.candidates", len(candidates)),
		attribute.String("intent.top", candidates[0].Label),
	)
	return candidates
}

func (c *Classifier) buildPrompt(ctx context.Context, query string, tools []domain.ToolDescriptor) string {
	var sb strings.Builder
	sb.WriteString(classifierPreamble)

	if len(tools) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
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
		c.writeServerExamples(&sb, tools)
	}

	if c.glossary != nil {
		if words := c.glossary(ctx); len(words) > 0 {
			sb.WriteString("\nKnown device and entity names: ")
			sb.WriteString(strings.Join(words, ", "))
			sb.WriteString("\n")
		}
	}

	if c.fewshots != nil {
		examples, err := c.fewshots.Examples(ctx, domain.ScopeIntentClassification, query)
		if err != nil {
			slog.Warn("classifier: fewshot lookup failed", "error", err)
		} else if len(examples) > 0 {
			sb.WriteString("\nPast corrections for similar messages (right label, not the wrong one):\n")
			for _, ex := range examples {
				fmt.Fprintf(&sb, "- %q: not %s but %s\n", ex.Query, ex.WrongLabel, ex.RightLabel)
			}
		}
	}

	return sb.String()
}

// writeServerExamples adds the roster's per-server sample phrasings so the
// model has seen at least one concrete mapping per server.
func (c *Classifier) writeServerExamples(sb *strings.Builder, tools []domain.ToolDescriptor) {
	seen := make(map[string]struct{})
	for _, t := range tools {
		if _, done := seen[t.Server]; done {
			continue
		}
		seen[t.Server] = struct{}{}

		entry, ok := c.examples[t.Server]
		if !ok || entry.ExampleIntent == "" {
			continue
		}
		for _, phrasings := range entry.Examples {
			for _, phrase := range phrasings {
				fmt.Fprintf(sb, "  e.g. %q -> %s\n", phrase, entry.ExampleIntent)
			}
		}
	}
}

// ParseCandidates extracts the first well-formed candidate block from an LM
// response that may contain surrounding prose or a markdown fence.
func ParseCandidates(response string) ([]domain.IntentCandidate, error) {
	type wireCandidate struct {
		Label      string         `json:"label"`
		Params     map[string]any `json:"params"`
		Confidence float64        `json:"confidence"`
	}

	block, isArray := extractBlock(response)
	if block == "" {
		return nil, fmt.Errorf("no JSON block in response")
	}

	var wire []wireCandidate
	if isArray {
		if err := json.Unmarshal([]byte(block), &wire); err != nil {
			return nil, fmt.Errorf("parse candidate array: %w", err)
		}
	} else {
		var one wireCandidate
		if err := json.Unmarshal([]byte(block), &one); err != nil {
			return nil, fmt.Errorf("parse candidate object: %w", err)
		}
		wire = []wireCandidate{one}
	}

	seen := make(map[string]struct{})
	var out []domain.IntentCandidate
	for _, w := range wire {
		label := strings.TrimSpace(w.Label)
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, domain.IntentCandidate{
			Label:      label,
			Params:     w.Params,
			Confidence: clamp01(w.Confidence),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable candidates in response")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}

// extractBlock finds the first JSON array or object in the text. Arrays win
// when one starts before any object, since the expected shape is an array.
func extractBlock(s string) (block string, isArray bool) {
	arrStart := strings.IndexByte(s, '[')
	objStart := strings.IndexByte(s, '{')

	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if end := strings.LastIndexByte(s, ']'); end > arrStart {
			return s[arrStart : end+1], true
		}
	}
	if objStart != -1 {
		if end := strings.LastIndexByte(s, '}'); end > objStart {
			return s[objStart : end+1], false
		}
	}
	return "", false
}

func fallbackCandidates() []domain.IntentCandidate {
	return []domain.IntentCandidate{{
		Label:      domain.LabelConversation,
		Params:     map[string]any{},
		Confidence: 1.0,
	}}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
