package liquidation

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/oracle"
)

// MonitorConfig holds position review loop configuration.
type MonitorConfig struct {
	ReviewInterval time.Duration
	ReviewTimeout  time.Duration
	Concurrency    int
}

// Monitor periodically reviews every open position through the controller.
type Monitor struct {
	engine     *leverage.Engine
	controller *Controller
	cfg        MonitorConfig
	logger     *zap.Logger
}

// NewMonitor creates a Monitor with defaulted configuration.
func NewMonitor(engine *leverage.Engine, controller *Controller, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.ReviewInterval == 0 {
		cfg.ReviewInterval = time.Minute
	}
	if cfg.ReviewTimeout == 0 {
		cfg.ReviewTimeout = 30 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	return &Monitor{engine: engine, controller: controller, cfg: cfg, logger: logger}
}

// Start runs the review loop until quit is signalled.
func (m *Monitor) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(m.cfg.ReviewInterval)
	defer ticker.Stop()

	// Each cycle yields the last second of the interval to the next tick,
	// except at sub-second intervals where that would leave no budget at all.
	cycle := m.cfg.ReviewInterval - time.Second
	if cycle <= 0 {
		cycle = m.cfg.ReviewInterval
	}

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycle)
			m.ReviewAll(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// ReviewAll reviews every non-terminal position with bounded concurrency.
func (m *Monitor) ReviewAll(ctx context.Context) {
	positions := m.engine.List("")

	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup
	stale := 0
	var staleMu sync.Mutex

	for _, pos := range positions {
		if pos.State.Terminal() {
			continue
		}
		wg.Add(1)
		go func(p *leverage.Position) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rctx, cancel := context.WithTimeout(ctx, m.cfg.ReviewTimeout)
			defer cancel()

			if err := m.controller.Review(rctx, p.ID, time.Now().UTC()); err != nil {
				if errors.Is(err, oracle.ErrStale) {
					staleMu.Lock()
					stale++
					staleMu.Unlock()
					return
				}
				m.logger.Error("position review failed",
					zap.String("position_id", p.ID.String()),
					zap.Error(err),
				)
			}
		}(pos)
	}
	wg.Wait()

	if stale > 0 {
		m.logger.Warn("reviews skipped on stale oracle data", zap.Int("count", stale))
	}
}
