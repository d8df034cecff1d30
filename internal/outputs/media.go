package outputs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Invoker is the registry surface the media integration calls through.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// MediaPlayer queries and drives external media-player entities.
type MediaPlayer interface {
	// State returns the player state: idle, paused, standby, playing,
	// buffering, off, or unavailable.
	State(ctx context.Context, entityID string) (string, error)
	// Play asks the player to fetch and play a clip by URL.
	Play(ctx context.Context, entityID, url string, volume float64) error
}

// RegistryMedia drives media players through the media tool server.
type RegistryMedia struct {
	inv    Invoker
	server string
}

func NewRegistryMedia(inv Invoker, server string) *RegistryMedia {
	return &RegistryMedia{inv: inv, server: server}
}

func (m *RegistryMedia) State(ctx context.Context, entityID string) (string, error) {
	value, err := m.inv.Invoke(ctx, m.server, "player_state", map[string]any{
		"entity_id": entityID,
	})
	if err != nil {
		return "", err
	}

	// Servers answer either a bare state word or a JSON object with a
	// "state" field.
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") {
		var parsed struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.State != "" {
			return parsed.State, nil
		}
	}
	return strings.ToLower(trimmed), nil
}

func (m *RegistryMedia) Play(ctx context.Context, entityID, url string, volume float64) error {
	args := map[string]any{
		"entity_id": entityID,
		"media_url": url,
	}
	if volume > 0 {
		args["volume"] = volume
	}
	if _, err := m.inv.Invoke(ctx, m.server, "play_media", args); err != nil {
		return fmt.Errorf("play media on %s: %w", entityID, err)
	}
	return nil
}
