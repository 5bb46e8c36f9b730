package vendorsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGobreaker_LogsStateChanges(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cb := NewCircuitBreaker("alpha", BreakerConfig{
		Enabled:            true,
		MinRequests:        1,
		FailureThreshold:   1,
		HalfOpenMaxSuccess: 1,
		SamplingDuration:   time.Minute,
		RecoveryTime:       time.Hour,
	}, zap.New(core))

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))

	changes := logs.FilterMessage("breaker_state_changed").All()
	require.Len(t, changes, 1)
	assert.Equal(t, zapcore.WarnLevel, changes[0].Level)

	fields := changes[0].ContextMap()
	assert.Equal(t, "alpha", fields["vendor"])
	assert.Equal(t, "vendor-alpha", fields["breaker"])
	assert.Equal(t, "closed", fields["from"])
	assert.Equal(t, "open", fields["to"])
}

func TestNewCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker("alpha", BreakerConfig{}, nil)
	for i := 0; i < 5; i++ {
		assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	}
	assert.NoError(t, cb.Execute(func() error { return nil }), "a disabled breaker never opens")
}
