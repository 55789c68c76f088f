package orchestrator

import "go.uber.org/zap"

// failOpen runs a cache operation and substitutes def when it errors.
// Every dedup and rate-limit call site goes through this one helper so
// the fail-open policy lives in exactly one place: an unavailable cache
// must never block a send.
func failOpen[T any](logger *zap.Logger, op string, def T, fn func() (T, error)) T {
	v, err := fn()
	if err != nil {
		logger.Warn("cache operation failed, failing open",
			zap.String("op", op),
			zap.Error(err),
		)
		return def
	}
	return v
}
