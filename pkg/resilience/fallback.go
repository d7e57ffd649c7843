package resilience

import (
	"context"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"go.uber.org/zap"
)

// FallbackFunc decides what a rejected call returns.
type FallbackFunc func(ctx context.Context, err error) (interface{}, error)

// NoopFallback surfaces ErrCircuitOpen.
func NoopFallback(ctx context.Context, err error) (interface{}, error) {
	return nil, ErrCircuitOpen
}

// StaticFallback answers with defaultValue while the breaker is open.
func StaticFallback(defaultValue interface{}) FallbackFunc {
	return func(ctx context.Context, err error) (interface{}, error) {
		logger.WithContext(ctx).Warn("circuit breaker open, using static fallback", zap.Error(err))
		return defaultValue, nil
	}
}

// GracefulDegradation logs the degraded dependency and returns ErrCircuitOpen
// so the caller can apply its own fallback chain.
func GracefulDegradation(dependency string) FallbackFunc {
	return func(ctx context.Context, err error) (interface{}, error) {
		logger.WithContext(ctx).Warn("dependency degraded",
			zap.String("dependency", dependency),
			zap.Error(err),
		)
		return nil, ErrCircuitOpen
	}
}
