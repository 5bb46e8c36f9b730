// Package audit provides PDR (Process Decision Record) writing for agentplane.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/models"
)

// Outcomes recorded on decision records.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// PDRStore persists decision records.
type PDRStore interface {
	WritePDR(action, inputsHash, outcome, subject, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store  PDRStore
	logger *zap.Logger
}

// NewPDRWriter creates a new PDR writer. A nil logger is replaced with a no-op.
func NewPDRWriter(s PDRStore, logger *zap.Logger) *PDRWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDRWriter{store: s, logger: logger}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error) {
	inputsHash := hashInputs(inputs)
	entry, err := w.store.WritePDR(action, inputsHash, outcome, subject, details)
	if err != nil {
		w.logger.Warn("pdr write failed",
			zap.String("action", action),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return nil, err
	}
	return entry, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
