package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hearthlabs/hearth/internal/domain"
)

// Rooms and output bindings are defined externally; the core only reads them.

func (s *Store) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	return s.getRoom(ctx, `SELECT id, name FROM rooms WHERE id = $1`, id)
}

func (s *Store) GetRoomByName(ctx context.Context, name string) (*domain.Room, error) {
	return s.getRoom(ctx, `SELECT id, name FROM rooms WHERE lower(name) = lower($1)`, name)
}

func (s *Store) getRoom(ctx context.Context, query, arg string) (*domain.Room, error) {
	room := &domain.Room{}
	err := s.conn(ctx).QueryRow(ctx, query, arg).Scan(&room.ID, &room.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}

	bindings, err := s.ListBindings(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	room.Bindings = bindings
	return room, nil
}

// RoomNames returns every room name; feeds the classifier's keyword
// glossary.
func (s *Store) RoomNames(ctx context.Context) ([]string, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT name FROM rooms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list room names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan room name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListBindings returns a room's output sink bindings ordered by priority,
// ties broken by insertion order.
func (s *Store) ListBindings(ctx context.Context, roomID string) ([]domain.SinkBinding, error) {
	query := `
		SELECT room_id, priority, sink_kind, COALESCE(device_id, ''), COALESCE(entity_id, ''), allow_interrupt, volume
		FROM output_bindings
		WHERE room_id = $1
		ORDER BY priority ASC, seq ASC`

	rows, err := s.conn(ctx).Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []domain.SinkBinding
	for rows.Next() {
		var b domain.SinkBinding
		var kind string
		if err := rows.Scan(&b.RoomID, &b.Priority, &kind, &b.Sink.DeviceID, &b.Sink.EntityID, &b.AllowInterrupt, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.Sink.Kind = domain.SinkKind(kind)
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}
