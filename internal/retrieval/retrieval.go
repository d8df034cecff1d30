// Package retrieval calls the external document retriever that backs the
// knowledge.ask intent.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	url    string
	client *http.Client
}

func New(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Enabled() bool { return c != nil && c.url != "" }

type queryRequest struct {
	Query           string `json:"query"`
	Limit           int    `json:"limit"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
}

type queryResponse struct {
	Documents []struct {
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"documents"`
}

// Ask queries the retriever and returns a context bundle suitable for
// grounding an LM answer. An empty string means zero hits. A non-empty kb
// scopes the search to one knowledge base.
func (c *Client) Ask(ctx context.Context, query, kb string) (string, error) {
	body, err := json.Marshal(queryRequest{Query: query, Limit: 5, KnowledgeBaseID: kb})
	if err != nil {
		return "", fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query retriever: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("retriever error (status %d): %s", resp.StatusCode, string(errBody))
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Documents) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for i, doc := range parsed.Documents {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if doc.Title != "" {
			sb.WriteString(doc.Title)
			sb.WriteString(":\n")
		}
		sb.WriteString(doc.Content)
	}
	return sb.String(), nil
}
