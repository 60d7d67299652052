package liquidation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/oracle"
	"github.com/mandatefi/mandate/internal/riskconfig"
)

// CircuitBreaker suspends Warning→Liquidating transitions while the
// market-wide volatility index is at or above the configured threshold.
// It only delays liquidation; it never blocks recovery or margin calls.
// A stale or unreadable index also suspends: liquidating into a market we
// cannot see is worse than waiting.
type CircuitBreaker struct {
	cfg    riskconfig.CircuitBreaker
	market oracle.Oracle
	logger *zap.Logger

	mu           sync.Mutex
	trippedUntil time.Time
}

// NewCircuitBreaker creates a breaker reading the index from market.
func NewCircuitBreaker(cfg riskconfig.CircuitBreaker, market oracle.Oracle, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, market: market, logger: logger}
}

// Allow reports whether liquidations may proceed at now.
func (b *CircuitBreaker) Allow(ctx context.Context, now time.Time) bool {
	b.mu.Lock()
	tripped := now.Before(b.trippedUntil)
	b.mu.Unlock()
	if tripped {
		return false
	}

	idx, err := b.market.VolatilityIndex(ctx)
	if err != nil {
		b.logger.Warn("volatility index unavailable, suspending liquidations", zap.Error(err))
		return false
	}
	if idx.Value >= b.cfg.VolatilityThreshold {
		b.mu.Lock()
		b.trippedUntil = now.Add(b.cfg.Cooldown)
		b.mu.Unlock()
		b.logger.Warn("circuit breaker tripped",
			zap.Float64("volatility_index", idx.Value),
			zap.Float64("threshold", b.cfg.VolatilityThreshold),
			zap.Duration("cooldown", b.cfg.Cooldown),
		)
		return false
	}
	return true
}

// Tripped reports whether the breaker is currently holding liquidations.
func (b *CircuitBreaker) Tripped(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.trippedUntil)
}
