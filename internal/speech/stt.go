// Package speech adapts the external STT and TTS services. Both speak
// OpenAI-style HTTP APIs; the hub treats them as opaque collaborators.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/speech")

type STTClient struct {
	url    string
	client *http.Client
}

func NewSTT(url string) *STTClient {
	return &STTClient{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Enabled reports whether an STT backend is configured.
func (c *STTClient) Enabled() bool { return c != nil && c.url != "" }

// Transcribe sends a complete WAV utterance and returns the recognized text.
// The language hint may be empty.
func (c *STTClient) Transcribe(ctx context.Context, wav []byte, language string) (string, error) {
	ctx, span := tracer.Start(ctx, "stt.transcribe")
	defer span.End()
	span.SetAttributes(attribute.Int("stt.audio_bytes", len(wav)))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stt request failed")
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("stt error (status %d): %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, "stt service error")
		return "", err
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("parse response: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("stt.latency_ms", time.Since(start).Milliseconds()),
		attribute.Int("stt.chars", len(parsed.Text)),
	)
	slog.Debug("stt: transcription received", "chars", len(parsed.Text), "latency", time.Since(start))
	return parsed.Text, nil
}
