package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hearthlabs/hearth/internal/config"
)

func testClient(baseURL string) *Client {
	return NewClient(config.LLMConfig{
		BaseURL:     baseURL,
		APIKey:      "test",
		ChatModel:   "qwen3-14b",
		MaxTokens:   512,
		Temperature: 0.7,
		CallTimeout: 5 * time.Second,
	}, "")
}

func sseChunk(content string) string {
	return `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func TestChatStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseChunk("Hello")))
		w.Write([]byte(sseChunk(" world")))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	stream, err := testClient(srv.URL).Chat(context.Background(),
		[]Message{{Role: "user", Content: "hi"}}, Options{Role: RoleChat})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var done bool
	for chunk := range stream {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		text += chunk.Content
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if !done {
		t.Error("terminal chunk missing")
	}
}

func TestChatBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Chat(context.Background(),
		[]Message{{Role: "user", Content: "hi"}}, Options{}); err == nil {
		t.Error("expected error when the backend rejects the stream")
	}
}

func TestGenerate(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"simple"}}],"usage":{"prompt_tokens":12,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Generate(context.Background(),
		[]Message{{Role: "user", Content: "classify this"}},
		Options{Role: RoleClassifier})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "simple" {
		t.Errorf("out = %q", out)
	}
	// No classifier model configured: the role falls back to the chat model.
	if gotModel != "qwen3-14b" {
		t.Errorf("model = %q", gotModel)
	}
}

func TestModelOverride(t *testing.T) {
	c := testClient("http://unused")
	if got := c.model(Options{Model: "special"}); got != "special" {
		t.Errorf("model = %q", got)
	}
	if got := c.model(Options{}); got != "qwen3-14b" {
		t.Errorf("empty role must default to chat, got %q", got)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[0.25,0.5,-0.125]}]}`))
	}))
	defer srv.Close()

	vec, err := testClient(srv.URL).Embed(context.Background(), "movie night")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Embed(context.Background(), "x"); err == nil {
		t.Error("expected error for empty embedding data")
	}
}
