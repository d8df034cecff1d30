// Package llm wraps an OpenAI-compatible backend behind the three operations
// the pipeline needs: streamed chat, one-shot generation, and embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearthlabs/hearth/internal/config"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/llm")

// ModelRole selects which configured model variant serves a call.
type ModelRole string

const (
	RoleChat       ModelRole = "chat"
	RoleClassifier ModelRole = "classifier"
	RoleAgent      ModelRole = "agent"
	RoleEmbedding  ModelRole = "embedding"
)

type Message struct {
	Role    string
	Content string
}

type Options struct {
	Role        ModelRole
	Model       string // overrides the role's configured model when set
	Temperature *float32
	MaxTokens   int
}

// Chunk is one streamed piece of a chat reply. Err is terminal.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// streamBuffer bounds the number of chunks held when the consumer stalls.
const streamBuffer = 8

type Client struct {
	api         *openai.Client
	models      map[ModelRole]string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func NewClient(cfg config.LLMConfig, agentModel string) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.CallTimeout}

	classifier := cfg.ClassifierModel
	if classifier == "" {
		classifier = cfg.ChatModel
	}
	if agentModel == "" {
		agentModel = cfg.ChatModel
	}

	return &Client{
		api: openai.NewClientWithConfig(apiCfg),
		models: map[ModelRole]string{
			RoleChat:       cfg.ChatModel,
			RoleClassifier: classifier,
			RoleAgent:      agentModel,
			RoleEmbedding:  cfg.EmbeddingModel,
		},
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     cfg.CallTimeout,
	}
}

func (c *Client) model(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	role := opts.Role
	if role == "" {
		role = RoleChat
	}
	return c.models[role]
}

func (c *Client) request(msgs []Message, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     c.model(opts),
		MaxTokens: c.maxTokens,
		Messages:  make([]openai.ChatCompletionMessage, len(msgs)),
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	} else {
		req.Temperature = c.temperature
	}
	for i, m := range msgs {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return req
}

// Chat starts a streamed completion. The returned channel is closed after the
// terminal chunk; cancellation of ctx tears the stream down.
func (c *Client) Chat(ctx context.Context, msgs []Message, opts Options) (<-chan Chunk, error) {
	req := c.request(msgs, opts)
	req.Stream = true

	ctx, span := tracer.Start(ctx, "llm.chat", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.messages", len(req.Messages)),
	)

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("create chat stream: %w", err)
	}

	out := make(chan Chunk, streamBuffer)
	go func() {
		defer span.End()
		defer close(out)
		defer stream.Close()

		var chars int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				span.SetAttributes(attribute.Int("llm.response.chars", chars))
				c.emit(ctx, out, Chunk{Done: true})
				return
			}
			if err != nil {
				span.RecordError(err)
				c.emit(ctx, out, Chunk{Err: err})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			chars += len(delta)
			if !c.emit(ctx, out, Chunk{Content: delta}) {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) emit(ctx context.Context, out chan<- Chunk, ch Chunk) bool {
	select {
	case out <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Generate runs a non-streamed completion and returns the full text.
func (c *Client) Generate(ctx context.Context, msgs []Message, opts Options) (string, error) {
	req := c.request(msgs, opts)

	ctx, span := tracer.Start(ctx, "llm.generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.messages", len(req.Messages)),
	)

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.output_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "llm.embed", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.models[RoleEmbedding]),
		Input: []string{text},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return resp.Data[0].Embedding, nil
}
