package domain

import (
	"errors"
	"testing"
	"time"
)

func TestIntentCandidateToolCall(t *testing.T) {
	tests := []struct {
		label  string
		server string
		tool   string
		ok     bool
	}{
		{"home.lights_set", "home", "lights_set", true},
		{"media.play_media", "media", "play_media", true},
		{"knowledge.ask", "", "", false},
		{"general.conversation", "", "", false},
		{"noseparator", "", "", false},
		{".leading", "", "", false},
		{"trailing.", "", "", false},
	}

	for _, tt := range tests {
		c := IntentCandidate{Label: tt.label}
		server, tool, ok := c.ToolCall()
		if ok != tt.ok {
			t.Errorf("%q: ok = %v, want %v", tt.label, ok, tt.ok)
		}
		if server != tt.server || tool != tt.tool {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", tt.label, server, tool, tt.server, tt.tool)
		}
	}
}

func TestSatelliteSessionID(t *testing.T) {
	day := time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)
	got := SatelliteSessionID("dev_abc", day)
	want := "satellite-dev_abc-2025-03-14"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestToolErrorTransient(t *testing.T) {
	transient := []ToolErrorKind{ToolErrServerUnavailable, ToolErrTimeout, ToolErrServerError}
	for _, kind := range transient {
		if !NewToolError(kind, "x", nil).Transient() {
			t.Errorf("%s should be transient", kind)
		}
	}
	terminal := []ToolErrorKind{ToolErrUnknown, ToolErrInvalidParams, ToolErrCancelled}
	for _, kind := range terminal {
		if NewToolError(kind, "x", nil).Transient() {
			t.Errorf("%s should not be transient", kind)
		}
	}
}

func TestAsToolError(t *testing.T) {
	inner := NewToolError(ToolErrTimeout, "home.lights_set", errors.New("deadline"))
	wrapped := errors.Join(errors.New("execute"), inner)

	te, ok := AsToolError(wrapped)
	if !ok {
		t.Fatal("expected a ToolError")
	}
	if te.Kind != ToolErrTimeout {
		t.Errorf("kind = %s, want timeout", te.Kind)
	}

	if _, ok := AsToolError(errors.New("plain")); ok {
		t.Error("plain error should not match")
	}
}
