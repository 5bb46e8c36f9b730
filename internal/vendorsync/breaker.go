package vendorsync

import (
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// CircuitBreaker guards calls to one vendor.
type CircuitBreaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (n *noopBreaker) Execute(fn func() error) error {
	return fn()
}

// NoopBreaker returns a breaker that never opens.
func NoopBreaker() CircuitBreaker {
	return &noopBreaker{}
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// NewGobreaker builds a breaker named after the vendor. State changes are
// logged to logger, which may be nil.
func NewGobreaker(vendor string, cfg BreakerConfig, logger *zap.Logger) CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name: "vendor-" + vendor,

		MaxRequests: uint32(cfg.HalfOpenMaxSuccess),

		Interval: cfg.SamplingDuration,
		Timeout:  cfg.RecoveryTime,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			return counts.TotalFailures >= uint32(cfg.FailureThreshold)
		},

		IsSuccessful: func(err error) bool {
			return err == nil
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			log := logger.With(
				zap.String("vendor", vendor),
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if to == gobreaker.StateOpen {
				log.Warn("breaker_state_changed")
				return
			}
			log.Info("breaker_state_changed")
		},
	}

	return &gobreakerWrapper{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

// NewCircuitBreaker returns a gobreaker when enabled and a no-op otherwise.
func NewCircuitBreaker(vendor string, cfg BreakerConfig, logger *zap.Logger) CircuitBreaker {
	if !cfg.Enabled {
		return NoopBreaker()
	}
	return NewGobreaker(vendor, cfg, logger)
}
