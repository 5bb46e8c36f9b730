package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/fentz26/agentplane/internal/models"
)

// --- PDR Operations ---

// WritePDR inserts a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, subject, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Subject:    subject,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, subject, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.Subject, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns decision records newest first, optionally for one subject.
func (s *Store) ListPDR(ctx context.Context, subject string, limit uint64) ([]models.PDREntry, error) {
	q := s.builder.
		Select("id", "action", "inputs_hash", "outcome", "subject", "details", "timestamp").
		From("pdr").
		OrderBy("timestamp DESC")
	if subject != "" {
		q = q.Where(squirrel.Eq{"subject": subject})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pdr query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var subj, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subj, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Subject = subj.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
