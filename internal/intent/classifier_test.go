package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/domain"
	"github.com/hearthlabs/hearth/internal/llm"
	"github.com/hearthlabs/hearth/internal/telemetry"
)

type mockGenerator struct {
	response string
	err      error
	lastMsgs []llm.Message
}

func (m *mockGenerator) Generate(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	m.lastMsgs = msgs
	return m.response, m.err
}

func TestParseCandidates(t *testing.T) {
	resp := `Here are the candidates:
[{"label": "home.lights_set", "params": {"room": "kitchen", "state": "off"}, "confidence": 0.9},
 {"label": "general.conversation", "params": {}, "confidence": 0.2}]`

	out, err := ParseCandidates(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("candidates = %d, want 2", len(out))
	}
	if out[0].Label != "home.lights_set" || out[0].Params["room"] != "kitchen" {
		t.Errorf("top candidate wrong: %+v", out[0])
	}
}

func TestParseCandidatesSingleObject(t *testing.T) {
	out, err := ParseCandidates(`{"label": "media.play_media", "confidence": 0.8}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Label != "media.play_media" {
		t.Errorf("got %+v", out)
	}
}

func TestParseCandidatesMarkdownFence(t *testing.T) {
	resp := "```json\n[{\"label\": \"knowledge.ask\", \"confidence\": 1}]\n```"
	out, err := ParseCandidates(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Label != "knowledge.ask" {
		t.Errorf("got %+v", out)
	}
}

func TestParseCandidatesOrderingAndCap(t *testing.T) {
	resp := `[
		{"label": "a.one", "confidence": 0.3},
		{"label": "b.two", "confidence": 0.9},
		{"label": "c.three", "confidence": 0.6},
		{"label": "d.four", "confidence": 0.5},
		{"label": "b.two", "confidence": 1.0}
	]`
	out, err := ParseCandidates(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("candidates = %d, want cap of 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Confidence > out[i-1].Confidence {
			t.Errorf("candidates not sorted: %+v", out)
		}
	}
	// Duplicate labels keep the first occurrence only.
	seen := map[string]bool{}
	for _, c := range out {
		if seen[c.Label] {
			t.Errorf("duplicate label %s survived", c.Label)
		}
		seen[c.Label] = true
	}
}

func TestParseCandidatesClampsConfidence(t *testing.T) {
	out, err := ParseCandidates(`[{"label": "a.b", "confidence": 7.5}, {"label": "c.d", "confidence": -1}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Confidence != 1 || out[1].Confidence != 0 {
		t.Errorf("confidence not clamped: %+v", out)
	}
}

func TestParseCandidatesGarbage(t *testing.T) {
	for _, resp := range []string{"", "no json here", `[]`, `[{"confidence": 0.9}]`} {
		if _, err := ParseCandidates(resp); err == nil {
			t.Errorf("%q should fail to parse", resp)
		}
	}
}

func TestClassifyFallsBackOnLMError(t *testing.T) {
	c := NewClassifier(&mockGenerator{err: errors.New("llm down")}, nil, nil, nil)

	out := c.Classify(context.Background(), "hello", nil, nil)
	if len(out) != 1 || out[0].Label != domain.LabelConversation {
		t.Errorf("expected conversation fallback, got %+v", out)
	}
	if out[0].Confidence != 1.0 {
		t.Errorf("fallback confidence = %v, want 1", out[0].Confidence)
	}
}

func TestClassifyFallsBackOnGarbageResponse(t *testing.T) {
	c := NewClassifier(&mockGenerator{response: "I cannot classify this."}, nil, nil, nil)

	before := testutil.ToFloat64(telemetry.ClassifierParseErrors)
	out := c.Classify(context.Background(), "hello", nil, nil)
	if len(out) != 1 || out[0].Label != domain.LabelConversation {
		t.Errorf("expected conversation fallback, got %+v", out)
	}
	if got := testutil.ToFloat64(telemetry.ClassifierParseErrors); got != before+1 {
		t.Errorf("parse-error counter = %v, want %v", got, before+1)
	}
}

func TestClassifyPromptContainsToolsAndTail(t *testing.T) {
	gen := &mockGenerator{response: `[{"label": "home.lights_set", "confidence": 0.9}]`}
	roster := &config.ServerRoster{Servers: []config.ServerEntry{{
		Name:          "home",
		ExampleIntent: "home.lights_set",
		Examples:      map[string][]string{"lights_set": {"turn off the kitchen lights"}},
	}}}
	glossary := func(ctx context.Context) []string { return []string{"kitchen", "bedroom"} }
	c := NewClassifier(gen, nil, glossary, roster)

	tools := []domain.ToolDescriptor{{
		Name:        "home.lights_set",
		Description: "Switch lights",
		Server:      "home",
		Schema:      map[string]any{"type": "object"},
	}}
	tail := []*domain.Message{
		{Role: domain.RoleUser, Content: "is anyone in the kitchen?"},
		{Role: domain.RoleAssistant, Content: "The kitchen is empty."},
	}

	out := c.Classify(context.Background(), "turn the lights off there", tail, tools)
	if out[0].Label != "home.lights_set" {
		t.Fatalf("got %+v", out)
	}

	system := gen.lastMsgs[0].Content
	for _, want := range []string{"home.lights_set", "Switch lights", "kitchen, bedroom", "turn off the kitchen lights"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	// The tail rides along as prior conversation turns, not in the system
	// prompt.
	if len(gen.lastMsgs) != 4 {
		t.Fatalf("messages = %d, want system + 2 tail + query", len(gen.lastMsgs))
	}
	if gen.lastMsgs[1].Content != "is anyone in the kitchen?" {
		t.Errorf("tail not forwarded: %+v", gen.lastMsgs[1])
	}
	if gen.lastMsgs[3].Content != "turn the lights off there" {
		t.Errorf("query not last: %+v", gen.lastMsgs[3])
	}
}
