package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/circuitbreaker"
)

func newTestBreaker(t *testing.T) *circuitbreaker.CircuitBreaker {
	t.Helper()
	return circuitbreaker.New(circuitbreaker.Config{
		Name:                "test",
		MaxFailures:         2,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

func TestProtectedProviderPassesThrough(t *testing.T) {
	inner := &mockProvider{}
	pp := NewProtectedProvider(inner, newTestBreaker(t), zap.NewNop())

	id, err := pp.Send(context.Background(), Email{To: "u1@example.com"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id != "ses-msg-123" {
		t.Errorf("expected inner provider id, got %q", id)
	}
}

func TestProtectedProviderOpensAfterFailures(t *testing.T) {
	inner := &mockProvider{err: errors.New("ses down")}
	pp := NewProtectedProvider(inner, newTestBreaker(t), zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := pp.Send(ctx, Email{}); err == nil {
			t.Fatal("expected failure")
		}
	}

	if pp.Breaker().GetState() != circuitbreaker.StateOpen {
		t.Fatalf("expected open circuit, got %s", pp.Breaker().GetState())
	}

	calls := inner.calls
	_, err := pp.Send(ctx, Email{})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != calls {
		t.Error("open circuit must not reach the provider")
	}
}
