package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/circuitbreaker"
)

// ProtectedProvider wraps a Provider with a circuit breaker. When the
// delivery provider starts failing, the circuit opens and sends fail
// fast instead of piling up against a dead service; the queue's
// redelivery then naturally spaces out retries.
type ProtectedProvider struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewProtectedProvider wraps a provider with circuit breaker protection.
func NewProtectedProvider(provider Provider, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		provider: provider,
		breaker:  breaker,
		logger:   logger,
	}
}

// Send attempts delivery through the circuit breaker.
func (p *ProtectedProvider) Send(ctx context.Context, email Email) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("to", email.To),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: delivery provider unavailable", circuitbreaker.ErrCircuitOpen)
	}

	id, err := p.provider.Send(ctx, email)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return id, nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedProvider) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
