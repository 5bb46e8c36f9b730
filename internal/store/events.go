package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/fentz26/agentplane/internal/models"
)

// --- Event Operations ---

// SaveEvent persists a published event. Saving the same ID twice is a no-op.
func (s *Store) SaveEvent(ctx context.Context, ev models.Event) error {
	data, err := marshalJSON(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, source, data, priority, timestamp) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Type, ev.Source, data, ev.Priority, ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Type   models.EventType
	Source string
	Limit  uint64
}

// ListEvents returns persisted events, newest last.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	q := s.builder.
		Select("id", "type", "source", "data", "priority", "timestamp").
		From("events").
		OrderBy("timestamp DESC", "rowid DESC")
	if f.Type != "" {
		q = q.Where(squirrel.Eq{"type": string(f.Type)})
	}
	if f.Source != "" {
		q = q.Where(squirrel.Eq{"source": f.Source})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build events query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var data sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &data, &ev.Priority, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
