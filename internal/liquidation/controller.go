// Package liquidation drives over-levered positions through the staged
// unwind machine: Warning positions get a grace window to recover, then
// collateral is seized in configured fractions until the position either
// clears its exposure (Closed) or is fully seized (Liquidated). A market-wide
// circuit breaker can hold the Warning→Liquidating transition during
// volatility spikes; an insurance pool covers final-stage shortfalls.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/riskconfig"
)

// Notifier delivers margin calls to agents. *notify.MarginCaller satisfies
// this interface; nil disables notification.
type Notifier interface {
	MarginCall(ctx context.Context, agentID string, positionID uuid.UUID, required decimal.Decimal, deadline time.Time) error
}

// MetricsRecorder observes liquidation stage transitions.
type MetricsRecorder func(stage int, trigger string)

// Controller reviews positions and advances the liquidation machine.
type Controller struct {
	engine  *leverage.Engine
	pool    *InsurancePool
	breaker *CircuitBreaker
	cfg     riskconfig.Config
	logger  *zap.Logger

	notifier  Notifier
	onMetrics MetricsRecorder

	mu       sync.Mutex
	notified map[uuid.UUID]bool // margin call sent for the current warning episode
}

// NewController wires the liquidation machine.
func NewController(engine *leverage.Engine, pool *InsurancePool, breaker *CircuitBreaker, cfg riskconfig.Config, logger *zap.Logger) *Controller {
	return &Controller{
		engine:   engine,
		pool:     pool,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
		notified: make(map[uuid.UUID]bool),
	}
}

// SetNotifier configures margin-call delivery.
func (c *Controller) SetNotifier(n Notifier) { c.notifier = n }

// SetMetricsRecorder configures stage-transition metrics.
func (c *Controller) SetMetricsRecorder(fn MetricsRecorder) { c.onMetrics = fn }

// Review evaluates one position and advances its state machine at now.
// A stale oracle aborts the review with no effects; the next cycle retries.
func (c *Controller) Review(ctx context.Context, positionID uuid.UUID, now time.Time) error {
	pos, err := c.engine.Get(positionID)
	if err != nil {
		return err
	}
	if pos.State.Terminal() {
		return nil
	}

	eval, err := c.engine.Evaluate(ctx, positionID)
	if err != nil {
		if errors.Is(err, leverage.ErrVersionConflict) {
			return nil // lost the race this cycle, next tick re-reviews
		}
		return err
	}
	pos, err = c.engine.Get(positionID)
	if err != nil {
		return err
	}
	tier, ok := c.cfg.TierByName(pos.Tier)
	if !ok {
		return leverage.ErrTierUnknown
	}

	switch pos.State {
	case leverage.StateHealthy:
		c.clearNotified(positionID)
		if pos.Exposure.IsPositive() && eval.LeverageRatio >= c.cfg.Liquidation.RebalanceBand*tier.MaxLeverage {
			return c.requestRebalance(ctx, pos, "leverage ratio in advisory band")
		}
		return nil

	case leverage.StateWarning:
		if err := c.marginCallOnce(ctx, pos); err != nil {
			c.logger.Warn("margin call delivery failed",
				zap.String("position_id", positionID.String()), zap.Error(err))
		}
		if eval.Adequacy >= c.cfg.Liquidation.LiquidateAdequacy || !now.After(pos.GraceDeadline) {
			return nil // inside grace, or above the liquidation line
		}
		if !c.breaker.Allow(ctx, now) {
			c.logger.Info("liquidation suspended by circuit breaker",
				zap.String("position_id", positionID.String()))
			return nil
		}
		return c.advanceStage(ctx, pos, tier, "grace expired below liquidation threshold")

	case leverage.StateLiquidating:
		if eval.Adequacy >= c.cfg.Liquidation.WarningAdequacy {
			// Partial unwind plus agent action restored the position.
			return c.engine.Close(ctx, positionID, leverage.ClosePayload{
				Final:  leverage.StateClosed,
				Reason: "recovered after partial unwind",
			})
		}
		if !now.After(pos.GraceDeadline) {
			return nil
		}
		// Later stages proceed even when the breaker is tripped: the breaker
		// holds only the entry into liquidation.
		return c.advanceStage(ctx, pos, tier, "stage deadline elapsed")
	}
	return nil
}

// advanceStage seizes the configured fraction of remaining collateral,
// applies it against exposure, and commits the stage event. The final stage
// seizes everything and draws the insurance pool for any shortfall.
func (c *Controller) advanceStage(ctx context.Context, pos *leverage.Position, tier riskconfig.Tier, trigger string) error {
	fractions := c.cfg.Liquidation.StageFractions
	stage := pos.Stage + 1
	if stage > len(fractions) {
		return c.engine.Close(ctx, pos.ID, leverage.ClosePayload{
			Final:  leverage.StateLiquidated,
			Reason: "all stages exhausted",
		})
	}
	final := stage == len(fractions)

	var remaining decimal.Decimal
	if pos.Package != nil {
		remaining = pos.Package.RiskAdjustedValue
	}
	seized := remaining.Mul(decimal.NewFromFloat(fractions[stage-1]))
	exposureAfter := pos.Exposure.Sub(seized)
	if exposureAfter.IsNegative() {
		exposureAfter = decimal.Zero
	}

	insurance := decimal.Zero
	if final && exposureAfter.IsPositive() {
		paid, err := c.pool.Draw(ctx, pos.ID, pos.AgentID, exposureAfter)
		if err != nil {
			return err
		}
		insurance = paid
		exposureAfter = exposureAfter.Sub(paid)
	}

	if err := c.engine.EnterStage(ctx, pos.ID, leverage.StagePayload{
		Stage:           stage,
		Trigger:         trigger,
		Seized:          seized,
		InsurancePayout: insurance,
		ExposureAfter:   exposureAfter,
		Adequacy:        leverage.Adequacy(exposureAfter, remaining.Sub(seized), tier.MaxLeverage),
	}); err != nil {
		return err
	}
	if c.onMetrics != nil {
		c.onMetrics(stage, trigger)
	}
	c.logger.Warn("liquidation stage entered",
		zap.String("position_id", pos.ID.String()),
		zap.Int("stage", stage),
		zap.String("trigger", trigger),
		zap.String("seized", seized.String()),
		zap.String("exposure_after", exposureAfter.String()),
	)

	if final {
		return c.engine.Close(ctx, pos.ID, leverage.ClosePayload{
			Final:  leverage.StateLiquidated,
			Reason: fmt.Sprintf("final stage seizure, uncovered shortfall %s", exposureAfter),
		})
	}
	if exposureAfter.IsZero() {
		return c.engine.Close(ctx, pos.ID, leverage.ClosePayload{
			Final:  leverage.StateClosed,
			Reason: "exposure cleared by partial unwind",
		})
	}
	return nil
}

// requestRebalance commits an advisory rebalance and delivers a margin call.
func (c *Controller) requestRebalance(ctx context.Context, pos *leverage.Position, reason string) error {
	updated, err := c.engine.Rebalance(ctx, pos.ID, reason)
	if err != nil {
		return err
	}
	return c.marginCallOnce(ctx, updated)
}

// marginCallOnce delivers at most one margin call per warning episode.
func (c *Controller) marginCallOnce(ctx context.Context, pos *leverage.Position) error {
	if c.notifier == nil {
		return nil
	}
	c.mu.Lock()
	if c.notified[pos.ID] {
		c.mu.Unlock()
		return nil
	}
	c.notified[pos.ID] = true
	c.mu.Unlock()

	tier, _ := c.cfg.TierByName(pos.Tier)
	required := pos.Exposure
	if tier.MaxLeverage > 0 {
		required = pos.Exposure.Div(decimal.NewFromFloat(tier.MaxLeverage))
	}
	return c.notifier.MarginCall(ctx, pos.AgentID, pos.ID, required, pos.GraceDeadline)
}

func (c *Controller) clearNotified(positionID uuid.UUID) {
	c.mu.Lock()
	delete(c.notified, positionID)
	c.mu.Unlock()
}
