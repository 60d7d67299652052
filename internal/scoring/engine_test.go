package scoring_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/executor"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/riskconfig"
	"github.com/mandatefi/mandate/internal/scoring"
)

func newEngine(t *testing.T) (*scoring.Engine, ledger.Store, *delegation.Registry, *executor.Executor) {
	t.Helper()
	logger := zap.NewNop()
	store := ledger.NewMemoryStore()
	registry := delegation.NewRegistry(store, logger)
	exec := executor.New(store, registry, nil, logger)
	eng := scoring.NewEngine(store, riskconfig.Default().Scoring, logger)
	exec.SetScoreTrigger(eng)
	return eng, store, registry, exec
}

// settle recomputes the agent's profile from the current ledger head. The
// executor schedules the same recomputation on a background goroutine after
// each commit; recomputing inline makes profile reads deterministic, and the
// version check discards whichever duplicate lands second.
func settle(t *testing.T, eng *scoring.Engine, store ledger.Store, agentID string) {
	t.Helper()
	ctx := context.Background()
	head, err := store.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if err := eng.Recompute(ctx, agentID, head); err != nil {
		t.Fatalf("recompute %s: %v", agentID, err)
	}
}

func seedDelegation(t *testing.T, registry *delegation.Registry, agentID string) *delegation.Delegation {
	t.Helper()
	d, err := registry.Create(context.Background(), "owner-1", agentID, delegation.Terms{
		CreditLimit:    decimal.NewFromInt(10000),
		UtilizationCap: 0.8,
		Categories:     []string{"compute", "storage", "data"},
		Duration:       30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	return d
}

func TestProfile_unknownAgentGetsBaseline(t *testing.T) {
	eng, _, _, _ := newEngine(t)
	p := eng.Profile("nobody")
	if p.Score != scoring.BaselineScore {
		t.Errorf("score = %d, want baseline %d", p.Score, scoring.BaselineScore)
	}
	if p.Rating != scoring.RatingFor(scoring.BaselineScore) {
		t.Errorf("rating = %q, want %q", p.Rating, scoring.RatingFor(scoring.BaselineScore))
	}
}

func TestRecompute_boundsAndFactorRange(t *testing.T) {
	eng, store, registry, exec := newEngine(t)
	ctx := context.Background()
	d := seedDelegation(t, registry, "agent-1")

	for _, amount := range []int64{1000, 1200, 900} {
		if _, err := exec.Execute(ctx, executor.Request{
			DelegationID: d.ID,
			Amount:       decimal.NewFromInt(amount),
			Category:     "compute",
		}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if _, err := exec.Repay(ctx, executor.RepayRequest{
		DelegationID: d.ID,
		Amount:       decimal.NewFromInt(3000),
		DueAt:        time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("repay: %v", err)
	}
	settle(t, eng, store, "agent-1")

	p := eng.Profile("agent-1")
	if p.Score < scoring.MinScore || p.Score > scoring.MaxScore {
		t.Fatalf("score %d outside [%d, %d]", p.Score, scoring.MinScore, scoring.MaxScore)
	}
	if p.Version == 0 {
		t.Error("profile version not set from ledger head")
	}
	for factor, v := range p.Factors {
		if v < 0 || v > 1 {
			t.Errorf("factor %s = %g outside [0, 1]", factor, v)
		}
	}
}

func TestRecompute_onTimeRepaymentsOutscoreLate(t *testing.T) {
	eng, store, registry, exec := newEngine(t)
	ctx := context.Background()

	run := func(agentID string, due time.Time) int {
		d := seedDelegation(t, registry, agentID)
		for i := 0; i < 3; i++ {
			if _, err := exec.Execute(ctx, executor.Request{
				DelegationID: d.ID,
				Amount:       decimal.NewFromInt(1000),
				Category:     "compute",
			}); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if _, err := exec.Repay(ctx, executor.RepayRequest{
				DelegationID: d.ID,
				Amount:       decimal.NewFromInt(1000),
				DueAt:        due,
			}); err != nil {
				t.Fatalf("repay: %v", err)
			}
		}
		settle(t, eng, store, agentID)
		return eng.Profile(agentID).Score
	}

	punctual := run("agent-punctual", time.Now().UTC().Add(24*time.Hour))
	tardy := run("agent-tardy", time.Now().UTC().Add(-72*time.Hour))
	if punctual <= tardy {
		t.Errorf("punctual score %d not above tardy score %d", punctual, tardy)
	}
}

func TestCommit_staleVersionDiscarded(t *testing.T) {
	eng, store, registry, exec := newEngine(t)
	ctx := context.Background()
	d := seedDelegation(t, registry, "agent-1")

	if _, err := exec.Execute(ctx, executor.Request{
		DelegationID: d.ID,
		Amount:       decimal.NewFromInt(1000),
		Category:     "compute",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	settle(t, eng, store, "agent-1")
	current := eng.Profile("agent-1")

	// A recomputation from an old basis reads the same head, so its write
	// carries the same version and is discarded, not applied over the
	// committed profile.
	head, err := store.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if err := eng.Recompute(ctx, "agent-1", head); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	after := eng.Profile("agent-1")
	if after.Version != current.Version {
		t.Errorf("version moved from %d to %d without new events", current.Version, after.Version)
	}
}

func TestRecordAttestation_raisesAttestationFactor(t *testing.T) {
	eng, store, registry, exec := newEngine(t)
	ctx := context.Background()
	d := seedDelegation(t, registry, "agent-1")

	if _, err := exec.Execute(ctx, executor.Request{
		DelegationID: d.ID,
		Amount:       decimal.NewFromInt(1000),
		Category:     "compute",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	settle(t, eng, store, "agent-1")
	before := eng.Profile("agent-1")

	if err := eng.RecordAttestation(ctx, "agent-1", scoring.AttestationPayload{
		Issuer: "bureau-1",
		Kind:   "kyb",
		Weight: 1.0,
	}); err != nil {
		t.Fatalf("attest: %v", err)
	}

	after := eng.Profile("agent-1")
	if after.Factors[scoring.FactorExternalAttestations] <= before.Factors[scoring.FactorExternalAttestations] {
		t.Errorf("attestation factor did not increase: %g -> %g",
			before.Factors[scoring.FactorExternalAttestations],
			after.Factors[scoring.FactorExternalAttestations])
	}
	if after.Score < before.Score {
		t.Errorf("score dropped after attestation: %d -> %d", before.Score, after.Score)
	}
}

func TestRecordAttestation_rejectsNonPositiveWeight(t *testing.T) {
	eng, _, _, _ := newEngine(t)
	if err := eng.RecordAttestation(context.Background(), "agent-1", scoring.AttestationPayload{
		Issuer: "bureau-1", Kind: "kyb", Weight: 0,
	}); err == nil {
		t.Fatal("zero-weight attestation accepted")
	}
}

func TestTrend_reflectsScoreDirection(t *testing.T) {
	eng, store, registry, exec := newEngine(t)
	ctx := context.Background()
	d := seedDelegation(t, registry, "agent-1")

	if _, err := exec.Execute(ctx, executor.Request{
		DelegationID: d.ID,
		Amount:       decimal.NewFromInt(1000),
		Category:     "compute",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	settle(t, eng, store, "agent-1")
	if got := eng.Trend("agent-1", 5); got != 0 {
		t.Errorf("trend with single snapshot = %d, want 0", got)
	}

	// Attestations only improve the profile, so trend must be non-negative.
	if err := eng.RecordAttestation(ctx, "agent-1", scoring.AttestationPayload{
		Issuer: "bureau-1", Kind: "kyb", Weight: 2.0,
	}); err != nil {
		t.Fatalf("attest: %v", err)
	}
	if got := eng.Trend("agent-1", 5); got < 0 {
		t.Errorf("trend = %d, want ≥ 0 after attestation", got)
	}
}

func TestRecomputeAll_rebuildsEveryAgent(t *testing.T) {
	eng, store, registry, exec := newEngine(t)
	ctx := context.Background()

	for _, agent := range []string{"agent-a", "agent-b"} {
		d := seedDelegation(t, registry, agent)
		if _, err := exec.Execute(ctx, executor.Request{
			DelegationID: d.ID,
			Amount:       decimal.NewFromInt(500),
			Category:     "compute",
		}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	for _, agent := range []string{"agent-a", "agent-b"} {
		settle(t, eng, store, agent)
	}

	rebuilt := scoring.NewEngine(store, riskconfig.Default().Scoring, zap.NewNop())
	if err := rebuilt.RecomputeAll(ctx); err != nil {
		t.Fatalf("recompute all: %v", err)
	}
	for _, agent := range []string{"agent-a", "agent-b"} {
		want := eng.Profile(agent)
		got := rebuilt.Profile(agent)
		if got.Score != want.Score {
			t.Errorf("%s: rebuilt score = %d, want %d", agent, got.Score, want.Score)
		}
	}
}
