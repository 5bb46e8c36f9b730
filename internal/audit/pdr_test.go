package audit

import (
	"errors"
	"testing"

	"github.com/fentz26/agentplane/internal/models"
)

type memoryPDRStore struct {
	entries []models.PDREntry
	err     error
}

func (m *memoryPDRStore) WritePDR(action, inputsHash, outcome, subject, details string) (*models.PDREntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	e := models.PDREntry{
		ID:         "pdr-1",
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Subject:    subject,
		Details:    details,
	}
	m.entries = append(m.entries, e)
	return &e, nil
}

func TestRecord(t *testing.T) {
	st := &memoryPDRStore{}
	w := NewPDRWriter(st, nil)

	entry, err := w.Record("agent.start", map[string]string{"agent": "torob"}, OutcomeSuccess, "torob", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if entry.Subject != "torob" || entry.Outcome != OutcomeSuccess {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if len(entry.InputsHash) != 64 {
		t.Errorf("Expected sha256 hex digest, got %q", entry.InputsHash)
	}
}

func TestHashInputs_Deterministic(t *testing.T) {
	a := hashInputs(map[string]any{"b": 2, "a": 1})
	b := hashInputs(map[string]any{"a": 1, "b": 2})
	if a != b {
		t.Error("Expected identical inputs to hash identically")
	}
	if hashInputs(func() {}) != "hash_error" {
		t.Error("Expected unmarshalable inputs to report hash_error")
	}
}

func TestRecord_StoreError(t *testing.T) {
	w := NewPDRWriter(&memoryPDRStore{err: errors.New("disk full")}, nil)
	if _, err := w.Record("task.retry", nil, OutcomeFailure, "t1", ""); err == nil {
		t.Error("Expected store error to propagate")
	}
}
