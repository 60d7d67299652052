// Package scoring derives a creditworthiness score per agent from the
// ledger's event history.
//
// score = Σ wᵢ·factorᵢ over eight factors, each normalized to [0, 1] before
// weighting, mapped onto the 300–850 band. Weights are supplied as opaque
// configuration. Profile writes use optimistic concurrency: each write
// carries the ledger sequence it was computed from and is discarded when the
// profile has advanced past it, so concurrent recomputations never clobber a
// newer result with a stale one.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/executor"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/riskconfig"
)

// ErrConcurrentModification is returned when repeated recomputations kept
// losing the version race. Recoverable by resubmission.
var ErrConcurrentModification = errors.New("concurrent profile modification conflict")

// maxRecomputeRetries bounds internal retries on version conflicts.
const maxRecomputeRetries = 3

// MetricsRecorder is an optional callback invoked on each committed score update.
type MetricsRecorder func(agentID string, score int)

// Engine computes and stores creditworthiness profiles.
type Engine struct {
	store   ledger.Store
	weights riskconfig.ScoringWeights
	logger  *zap.Logger

	mu        sync.RWMutex
	profiles  map[string]*Profile
	histories map[string][]Snapshot

	dispatcher delegation.WebhookDispatcher
	onMetrics  MetricsRecorder
}

// NewEngine creates a scoring Engine. The weight set is treated as opaque
// input; it must already be validated (riskconfig.Config.Validate).
func NewEngine(store ledger.Store, weights riskconfig.ScoringWeights, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		weights:   weights,
		logger:    logger,
		profiles:  make(map[string]*Profile),
		histories: make(map[string][]Snapshot),
	}
}

// SetWebhookDispatcher configures score.updated fan-out.
func (g *Engine) SetWebhookDispatcher(d delegation.WebhookDispatcher) { g.dispatcher = d }

// SetMetricsRecorder configures the score update callback.
func (g *Engine) SetMetricsRecorder(fn MetricsRecorder) { g.onMetrics = fn }

// Profile returns the agent's current profile. Agents with no committed
// profile get the unrated baseline.
func (g *Engine) Profile(agentID string) *Profile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.profiles[agentID]; ok {
		return p.clone()
	}
	return &Profile{
		AgentID: agentID,
		Score:   BaselineScore,
		Rating:  RatingFor(BaselineScore),
		Factors: map[Factor]float64{},
	}
}

// History returns the append-only factor history for an agent, oldest first.
func (g *Engine) History(agentID string) []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Snapshot(nil), g.histories[agentID]...)
}

// Trend returns the score delta across the last n history snapshots
// (positive = improving). Zero when fewer than two snapshots exist.
func (g *Engine) Trend(agentID string, n int) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h := g.histories[agentID]
	if len(h) < 2 || n < 2 {
		return 0
	}
	if n > len(h) {
		n = len(h)
	}
	return h[len(h)-1].Score - h[len(h)-n].Score
}

// Recompute implements executor.ScoreTrigger. It folds the agent's full event
// history into factor inputs, computes the weighted score, and commits it
// under optimistic version control. basis is advisory: the recomputation
// always reads up to the current ledger head.
func (g *Engine) Recompute(ctx context.Context, agentID string, basis int64) error {
	for attempt := 0; attempt < maxRecomputeRetries; attempt++ {
		events, err := g.store.ReadSince(ctx, 0, 0)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		var head int64
		st := newAgentStats()
		for _, e := range events {
			if e.Seq > head {
				head = e.Seq
			}
			if e.AgentID != agentID {
				continue
			}
			if err := st.absorb(e); err != nil {
				return err
			}
		}
		if head < basis {
			// The event that triggered us has not surfaced in our read;
			// treat as conflict and retry.
			continue
		}

		p := g.buildProfile(agentID, st, head)
		if g.commit(ctx, p) {
			return nil
		}
		// Version advanced past our basis while we computed — a newer
		// write won. Recompute once more from the new head.
	}
	return ErrConcurrentModification
}

// RecomputeAll recomputes every agent seen in the ledger in one pass over the
// log. Used after startup replay.
func (g *Engine) RecomputeAll(ctx context.Context) error {
	events, err := g.store.ReadSince(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	var head int64
	stats := make(map[string]*agentStats)
	for _, e := range events {
		if e.Seq > head {
			head = e.Seq
		}
		if e.AgentID == "" {
			continue
		}
		st, ok := stats[e.AgentID]
		if !ok {
			st = newAgentStats()
			stats[e.AgentID] = st
		}
		if err := st.absorb(e); err != nil {
			return err
		}
	}

	for agentID, st := range stats {
		g.commit(ctx, g.buildProfile(agentID, st, head))
	}
	g.logger.Info("score profiles rebuilt", zap.Int("agents", len(stats)), zap.Int64("head", head))
	return nil
}

// RecordAttestation appends an attestation event for the agent and triggers
// recomputation.
func (g *Engine) RecordAttestation(ctx context.Context, agentID string, att AttestationPayload) error {
	if att.Weight <= 0 {
		return fmt.Errorf("attestation weight must be positive")
	}
	payload, err := ledger.MarshalPayload(att)
	if err != nil {
		return err
	}
	e := &ledger.Event{
		Kind:    ledger.KindAttestationRecorded,
		AgentID: agentID,
		Payload: payload,
	}
	seq, err := g.store.Append(ctx, e)
	if err != nil {
		return fmt.Errorf("append attestation: %w", err)
	}
	return g.Recompute(ctx, agentID, seq)
}

// commit installs the profile unless a newer version is already stored.
// Returns false on a version conflict (the stale write is discarded).
func (g *Engine) commit(ctx context.Context, p *Profile) bool {
	g.mu.Lock()
	if existing, ok := g.profiles[p.AgentID]; ok && existing.Version >= p.Version {
		g.mu.Unlock()
		return false
	}
	g.profiles[p.AgentID] = p
	g.histories[p.AgentID] = append(g.histories[p.AgentID], Snapshot{
		Score:   p.Score,
		Factors: p.Factors,
		Version: p.Version,
		At:      p.UpdatedAt,
	})
	g.mu.Unlock()

	g.logger.Debug("score updated",
		zap.String("agent_id", p.AgentID),
		zap.Int("score", p.Score),
		zap.Int64("version", p.Version),
	)
	if g.onMetrics != nil {
		g.onMetrics(p.AgentID, p.Score)
	}
	if g.dispatcher != nil {
		g.dispatcher.Dispatch(ctx, "score.updated", map[string]string{
			"agent_id": p.AgentID,
			"score":    fmt.Sprintf("%d", p.Score),
			"rating":   p.Rating,
			"version":  fmt.Sprintf("%d", p.Version),
		})
	}
	return true
}

// buildProfile normalizes factors and applies the weight set.
func (g *Engine) buildProfile(agentID string, st *agentStats, head int64) *Profile {
	now := time.Now().UTC()
	factors := st.factors(now)

	w := g.weights
	weighted := w.PaymentHistory*factors[FactorPaymentHistory] +
		w.UtilizationEfficiency*factors[FactorUtilizationEfficiency] +
		w.PatternStability*factors[FactorPatternStability] +
		w.SectorDiversity*factors[FactorSectorDiversity] +
		w.HistoryDuration*factors[FactorHistoryDuration] +
		w.TransactionVolume*factors[FactorTransactionVolume] +
		w.ExternalAttestations*factors[FactorExternalAttestations] +
		w.RepaymentConsistency*factors[FactorRepaymentConsistency]

	score := MinScore + int(math.Round(weighted*float64(MaxScore-MinScore)))
	if !st.hasHistory() {
		score = BaselineScore
	}

	return &Profile{
		AgentID:   agentID,
		Score:     score,
		Rating:    RatingFor(score),
		Factors:   factors,
		Version:   head,
		UpdatedAt: now,
	}
}

// ── Event-stream statistics ───────────────────────────────────────────────────

type agentStats struct {
	txCount           int
	amounts           []float64
	utilizationRatios []float64
	categories        map[string]struct{}
	firstEvent        time.Time

	onTime, late, missed int
	longestOnTimeStreak  int
	currentOnTimeStreak  int

	attestationWeight float64
	liquidations      int
}

func newAgentStats() *agentStats {
	return &agentStats{categories: make(map[string]struct{})}
}

func (st *agentStats) hasHistory() bool {
	return st.txCount > 0 || st.onTime+st.late+st.missed > 0 ||
		st.attestationWeight > 0 || st.liquidations > 0
}

// absorb folds one ledger event into the statistics.
func (st *agentStats) absorb(e *ledger.Event) error {
	if st.firstEvent.IsZero() || e.RecordedAt.Before(st.firstEvent) {
		st.firstEvent = e.RecordedAt
	}

	switch e.Kind {
	case ledger.KindTransactionExecuted:
		var p executor.TxPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode transaction payload: %w", err)
		}
		st.txCount++
		amt, _ := p.Amount.Float64()
		st.amounts = append(st.amounts, amt)
		st.utilizationRatios = append(st.utilizationRatios, p.UtilizationRatio)
		st.categories[p.Category] = struct{}{}

	case ledger.KindRepaymentRecorded:
		var p executor.RepayPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode repayment payload: %w", err)
		}
		switch p.Status {
		case executor.RepaymentOnTime:
			st.onTime++
			st.currentOnTimeStreak++
			if st.currentOnTimeStreak > st.longestOnTimeStreak {
				st.longestOnTimeStreak = st.currentOnTimeStreak
			}
		case executor.RepaymentLate:
			st.late++
			st.currentOnTimeStreak = 0
		case executor.RepaymentMissed:
			st.missed++
			st.currentOnTimeStreak = 0
		}

	case ledger.KindAttestationRecorded:
		var p AttestationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode attestation payload: %w", err)
		}
		st.attestationWeight += p.Weight

	case ledger.KindLiquidationStageEntered:
		st.liquidations++
	}
	return nil
}

// factors normalizes the raw statistics into the eight [0, 1] inputs.
// Documented defaults: factors with no observations sit at 0.5 (neutral)
// except diversity, duration, volume, and attestations, which start at 0.
func (st *agentStats) factors(now time.Time) map[Factor]float64 {
	f := make(map[Factor]float64, 8)

	// Payment history: on-time fraction with half credit for late payments,
	// penalized 0.2 per liquidation.
	repayments := st.onTime + st.late + st.missed
	if repayments == 0 {
		f[FactorPaymentHistory] = 0.5
	} else {
		f[FactorPaymentHistory] = (float64(st.onTime) + 0.5*float64(st.late)) / float64(repayments)
	}
	f[FactorPaymentHistory] = clamp01(f[FactorPaymentHistory] - 0.2*float64(st.liquidations))

	// Utilization efficiency: distance of mean utilization from the ideal
	// 0.4 band, scaled so ratio 1.0 scores 0.
	if len(st.utilizationRatios) == 0 {
		f[FactorUtilizationEfficiency] = 0.5
	} else {
		f[FactorUtilizationEfficiency] = clamp01(1 - math.Abs(mean(st.utilizationRatios)-0.4)/0.6)
	}

	// Pattern stability: inverse coefficient of variation of amounts.
	if len(st.amounts) < 2 {
		f[FactorPatternStability] = 0.5
	} else {
		m := mean(st.amounts)
		if m == 0 {
			f[FactorPatternStability] = 0.5
		} else {
			f[FactorPatternStability] = clamp01(1 / (1 + stddev(st.amounts, m)/m))
		}
	}

	// Sector diversity: distinct categories against a reference breadth of 8.
	f[FactorSectorDiversity] = clamp01(float64(len(st.categories)) / 8)

	// History duration: saturates at one year.
	if st.firstEvent.IsZero() {
		f[FactorHistoryDuration] = 0
	} else {
		f[FactorHistoryDuration] = clamp01(now.Sub(st.firstEvent).Hours() / 24 / 365)
	}

	// Transaction volume: log scale, 1000 transactions saturate.
	f[FactorTransactionVolume] = clamp01(math.Log10(1+float64(st.txCount)) / 3)

	// External attestations: cumulative weight, saturating at 3.
	f[FactorExternalAttestations] = clamp01(st.attestationWeight / 3)

	// Repayment consistency: longest on-time streak against total repayments.
	if repayments == 0 {
		f[FactorRepaymentConsistency] = 0.5
	} else {
		f[FactorRepaymentConsistency] = clamp01(float64(st.longestOnTimeStreak) / float64(repayments))
	}

	return f
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
