package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hearthlabs/hearth/internal/domain"
)

// UpsertDevice writes a device record keyed by its stable identifier.
func (s *Store) UpsertDevice(ctx context.Context, dev *domain.Device) error {
	caps, err := json.Marshal(dev.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if dev.LastSeenAt.IsZero() {
		dev.LastSeenAt = time.Now().UTC()
	}

	query := `
		INSERT INTO devices (id, kind, capabilities, network_addr, room_id, stationary, last_seen_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			capabilities = EXCLUDED.capabilities,
			network_addr = EXCLUDED.network_addr,
			room_id = COALESCE(EXCLUDED.room_id, devices.room_id),
			stationary = EXCLUDED.stationary,
			last_seen_at = EXCLUDED.last_seen_at`

	_, err = s.conn(ctx).Exec(ctx, query,
		dev.ID, string(dev.Kind), caps, dev.NetworkAddr, dev.RoomID, dev.Stationary, dev.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	query := `
		SELECT id, kind, capabilities, network_addr, COALESCE(room_id, ''), stationary, last_seen_at
		FROM devices
		WHERE id = $1`

	return s.scanDevice(s.conn(ctx).QueryRow(ctx, query, id))
}

// GetDeviceByAddr finds the last device seen at a network identity; used for
// room auto-detection of stationary devices.
func (s *Store) GetDeviceByAddr(ctx context.Context, addr string) (*domain.Device, error) {
	query := `
		SELECT id, kind, capabilities, network_addr, COALESCE(room_id, ''), stationary, last_seen_at
		FROM devices
		WHERE network_addr = $1
		ORDER BY last_seen_at DESC
		LIMIT 1`

	return s.scanDevice(s.conn(ctx).QueryRow(ctx, query, addr))
}

func (s *Store) scanDevice(row pgx.Row) (*domain.Device, error) {
	dev := &domain.Device{}
	var kind string
	var caps []byte
	err := row.Scan(&dev.ID, &kind, &caps, &dev.NetworkAddr, &dev.RoomID, &dev.Stationary, &dev.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	dev.Kind = domain.DeviceKind(kind)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &dev.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return dev, nil
}
