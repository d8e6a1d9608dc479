package pool

import (
	"errors"

	"github.com/sony/gobreaker"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/monitoring"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// Breaker guards one tenant's clone. Only failure kinds that indicate
// an unhealthy clone count toward tripping; a permission error or a
// client cancellation never opens the circuit.
type Breaker struct {
	cb      *gobreaker.TwoStepCircuitBreaker
	openFor config.BreakerConfig
}

func NewBreaker(tenantID string, cfg config.BreakerConfig, log logger.Logger, onChange func(from, to string)) *Breaker {
	settings := gobreaker.Settings{
		Name:        tenantID,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			monitoring.SetBreakerState(name, breakerGauge(to))
			log.Warn("breaker state changed", "tenant_id", name,
				"from", from.String(), "to", to.String())
			if onChange != nil {
				onChange(from.String(), to.String())
			}
		},
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings), openFor: cfg}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs fn under the breaker. Errors whose kind does not count
// against the breaker pass through without feeding the failure
// counter; during a half-open probe they report failure, so the
// circuit only closes on a genuinely successful probe.
func (b *Breaker) Execute(fn func() error) error {
	halfOpen := b.cb.State() == gobreaker.StateHalfOpen
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperrors.E(apperrors.KindCircuitOpen, "tenant circuit is open").
				WithRetryAfter(b.openFor.OpenFor)
		}
		return err
	}
	err = fn()
	if err != nil && !apperrors.CountsAgainstBreaker(apperrors.KindOf(err)) {
		done(!halfOpen)
		return err
	}
	done(err == nil)
	return err
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string { return b.cb.State().String() }
