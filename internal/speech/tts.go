package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type TTSClient struct {
	url    string
	voice  string
	client *http.Client
}

func NewTTS(url, voice string) *TTSClient {
	return &TTSClient{
		url:    url,
		voice:  voice,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *TTSClient) Enabled() bool { return c != nil && c.url != "" }

type ttsRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize converts text to a WAV clip.
func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "tts.synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("tts.text_chars", len(text)))

	body, err := json.Marshal(ttsRequest{
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: "wav",
		Speed:          1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tts request failed")
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("tts error (status %d): %s", resp.StatusCode, string(errBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, "tts service error")
		return nil, err
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read audio: %w", err)
	}
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(audio)))
	return audio, nil
}
