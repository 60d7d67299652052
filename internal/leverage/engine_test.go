package leverage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/oracle"
	"github.com/mandatefi/mandate/internal/riskconfig"
	"github.com/mandatefi/mandate/internal/scoring"
)

type stubProfiles map[string]*scoring.Profile

func (s stubProfiles) Profile(agentID string) *scoring.Profile {
	if p, ok := s[agentID]; ok {
		return p
	}
	return &scoring.Profile{
		AgentID: agentID,
		Score:   scoring.BaselineScore,
		Rating:  scoring.RatingFor(scoring.BaselineScore),
		Factors: map[scoring.Factor]float64{},
	}
}

type fixture struct {
	store    *ledger.MemoryStore
	registry *delegation.Registry
	market   *oracle.Static
	profiles stubProfiles
	engine   *leverage.Engine
	deleg    *delegation.Delegation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	registry := delegation.NewRegistry(store, zap.NewNop())

	deleg, err := registry.Create(context.Background(), "owner-1", "agent-1", delegation.Terms{
		CreditLimit:    decimal.NewFromInt(10000),
		UtilizationCap: 1.0,
		Categories:     []string{"trading"},
		Duration:       30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	market := oracle.NewStatic(5 * time.Minute)
	market.SetQuote(oracle.Quote{Symbol: "GOVT", Price: decimal.NewFromInt(1), Volatility: 0})
	market.SetQuote(oracle.Quote{Symbol: "EQTY", Price: decimal.NewFromInt(10), Volatility: 0.3})

	profiles := stubProfiles{
		"agent-1": {
			AgentID: "agent-1",
			Score:   700,
			Factors: map[scoring.Factor]float64{scoring.FactorHistoryDuration: 120.0 / 365},
		},
	}

	engine := leverage.NewEngine(store, riskconfig.Default(), market, profiles, registry, zap.NewNop())
	return &fixture{store: store, registry: registry, market: market, profiles: profiles, engine: engine, deleg: deleg}
}

// draw appends a transaction event and folds it into the engine, simulating
// an executed draw against the fixture delegation.
func (f *fixture) draw(t *testing.T, amount int64) {
	t.Helper()
	payload, err := ledger.MarshalPayload(struct {
		Amount decimal.Decimal `json:"amount"`
	}{Amount: decimal.NewFromInt(amount)})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	e := &ledger.Event{
		Kind:         ledger.KindTransactionExecuted,
		DelegationID: f.deleg.ID,
		AgentID:      f.deleg.AgentID,
		Payload:      payload,
	}
	if _, err := f.store.Append(context.Background(), e); err != nil {
		t.Fatalf("append transaction: %v", err)
	}
	if err := f.registry.Apply(e); err != nil {
		t.Fatalf("apply to registry: %v", err)
	}
	if err := f.engine.Apply(e); err != nil {
		t.Fatalf("apply to engine: %v", err)
	}
}

func TestOpen_unknownTier(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Open(context.Background(), leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "hedge"})
	if !errors.Is(err, leverage.ErrTierUnknown) {
		t.Fatalf("err = %v, want ErrTierUnknown", err)
	}
}

func TestOpen_scoreBelowTierMinimum(t *testing.T) {
	f := newFixture(t)
	f.profiles["agent-1"].Score = 550

	_, err := f.engine.Open(context.Background(), leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if !errors.Is(err, leverage.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestOpen_insufficientHistory(t *testing.T) {
	f := newFixture(t)
	f.profiles["agent-1"].Factors[scoring.FactorHistoryDuration] = 10.0 / 365

	_, err := f.engine.Open(context.Background(), leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if !errors.Is(err, leverage.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestOpen_duplicatePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if !errors.Is(err, leverage.ErrPositionExists) {
		t.Fatalf("err = %v, want ErrPositionExists", err)
	}
}

func TestOpen_professionalRequiresCollateral(t *testing.T) {
	f := newFixture(t)
	f.profiles["agent-1"].Score = 760
	f.profiles["agent-1"].Factors[scoring.FactorHistoryDuration] = 200.0 / 365

	_, err := f.engine.Open(context.Background(), leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "professional"})
	if !errors.Is(err, leverage.ErrCollateralInadequate) {
		t.Fatalf("err = %v, want ErrCollateralInadequate", err)
	}
}

func TestPledgeAndEvaluate_healthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	f.draw(t, 100)

	eval, err := f.engine.Evaluate(ctx, pos.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.LeverageRatio != 1.0 {
		t.Errorf("leverage ratio = %g, want 1.0", eval.LeverageRatio)
	}
	got, _ := f.engine.Get(pos.ID)
	if got.State != leverage.StateHealthy {
		t.Errorf("state = %s, want healthy", got.State)
	}
}

func TestEvaluate_overLeveredEntersWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// 100 risk-free units against a 160 draw: 1.6x leverage on a 1.5x tier.
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	f.draw(t, 160)

	eval, err := f.engine.Evaluate(ctx, pos.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.LeverageRatio != 1.6 {
		t.Errorf("leverage ratio = %g, want 1.6", eval.LeverageRatio)
	}

	got, _ := f.engine.Get(pos.ID)
	if got.State != leverage.StateWarning {
		t.Errorf("state = %s, want warning", got.State)
	}
	if got.GraceDeadline.IsZero() {
		t.Error("grace deadline not set on warning entry")
	}
}

func TestEvaluate_recoveryClearsWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	f.draw(t, 160)
	if _, err := f.engine.Evaluate(ctx, pos.ID); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// Pledging more collateral restores adequacy; the next evaluation clears
	// the warning and its deadline.
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("second pledge: %v", err)
	}
	if _, err := f.engine.Evaluate(ctx, pos.ID); err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}

	got, _ := f.engine.Get(pos.ID)
	if got.State != leverage.StateHealthy {
		t.Errorf("state = %s, want healthy after recovery", got.State)
	}
	if !got.GraceDeadline.IsZero() {
		t.Errorf("grace deadline = %v, want cleared", got.GraceDeadline)
	}
}

func TestPledge_sameSymbolExtendsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
			{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
		}); err != nil {
			t.Fatalf("pledge %d: %v", i+1, err)
		}
	}

	got, _ := f.engine.Get(pos.ID)
	if n := len(got.Package.Assets); n != 1 {
		t.Fatalf("package holds %d entries for one symbol, want 1", n)
	}
	if want := decimal.NewFromInt(200); !got.Package.Assets[0].Units.Equal(want) {
		t.Errorf("units = %s, want %s", got.Package.Assets[0].Units, want)
	}
	// Risk-free, fully liquid, single-asset package: the risk-adjusted value
	// is the full market value, undiscounted by any correlation penalty.
	if want := decimal.NewFromInt(200); !got.Package.RiskAdjustedValue.Equal(want) {
		t.Errorf("risk-adjusted value = %s, want %s", got.Package.RiskAdjustedValue, want)
	}
}

func TestAdequacy_degenerateInputsStayFinite(t *testing.T) {
	if got := leverage.Adequacy(decimal.Zero, decimal.NewFromInt(100), 1.5); got != leverage.AdequacyCap {
		t.Errorf("adequacy without exposure = %g, want cap %g", got, leverage.AdequacyCap)
	}
	overcollateralized := leverage.Adequacy(decimal.NewFromInt(1), decimal.New(1, 12), 1.0)
	if overcollateralized != leverage.AdequacyCap {
		t.Errorf("adequacy = %g, want clamped to cap %g", overcollateralized, leverage.AdequacyCap)
	}
}

func TestEvaluate_staleOracleNoEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	before, _ := f.engine.Get(pos.ID)

	f.market.SetQuote(oracle.Quote{
		Symbol: "GOVT", Price: decimal.NewFromInt(1),
		AsOf: time.Now().Add(-time.Hour),
	})
	if _, err := f.engine.Evaluate(ctx, pos.ID); !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}

	after, _ := f.engine.Get(pos.ID)
	if after.Version != before.Version {
		t.Errorf("version changed on stale evaluation: %d -> %d", before.Version, after.Version)
	}
}

func TestCheckExposure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No position: draws are unconstrained by leverage.
	if err := f.engine.CheckExposure(ctx, f.deleg.ID, decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("no-position check: %v", err)
	}

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}

	// 100 adjusted collateral at 1.5x allows 150 exposure.
	if err := f.engine.CheckExposure(ctx, f.deleg.ID, decimal.NewFromInt(140)); err != nil {
		t.Errorf("within-ceiling check: %v", err)
	}
	if err := f.engine.CheckExposure(ctx, f.deleg.ID, decimal.NewFromInt(200)); !errors.Is(err, leverage.ErrLeverageExceeded) {
		t.Errorf("err = %v, want ErrLeverageExceeded", err)
	}
}

func TestRelease_refusedWhenAdequacyWouldDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	f.draw(t, 100)

	_, err = f.engine.Release(ctx, pos.ID, []string{"GOVT"})
	if !errors.Is(err, leverage.ErrCollateralInadequate) {
		t.Fatalf("err = %v, want ErrCollateralInadequate", err)
	}
}

func TestBuildPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetQuote(oracle.Quote{Symbol: "ILLQ", Price: decimal.NewFromInt(100), Volatility: 0.1})

	assets, err := f.engine.BuildPackage(ctx, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(200), LiquidityWeight: 1},
		{Symbol: "EQTY", Units: decimal.NewFromInt(10), LiquidityWeight: 0.8},
	}, decimal.NewFromInt(150))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(assets) == 0 {
		t.Fatal("empty package proposal")
	}

	// A target unreachable under the liquidity floor is refused.
	_, err = f.engine.BuildPackage(ctx, []leverage.AssetInput{
		{Symbol: "ILLQ", Units: decimal.NewFromInt(100), LiquidityWeight: 0.1},
	}, decimal.NewFromInt(1000))
	if !errors.Is(err, leverage.ErrCollateralInadequate) {
		t.Fatalf("err = %v, want ErrCollateralInadequate", err)
	}
}

func TestApply_replayRebuildsPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos, err := f.engine.Open(ctx, leverage.OpenRequest{DelegationID: f.deleg.ID, Tier: "basic"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.Pledge(ctx, pos.ID, []leverage.AssetInput{
		{Symbol: "GOVT", Units: decimal.NewFromInt(100), LiquidityWeight: 1},
	}); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	f.draw(t, 75)

	registry2 := delegation.NewRegistry(f.store, zap.NewNop())
	engine2 := leverage.NewEngine(f.store, riskconfig.Default(), f.market, f.profiles, registry2, zap.NewNop())
	if _, err := ledger.Replay(ctx, f.store, registry2, engine2); err != nil {
		t.Fatalf("replay: %v", err)
	}

	want, _ := f.engine.Get(pos.ID)
	got, err := engine2.Get(pos.ID)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if !got.Exposure.Equal(want.Exposure) {
		t.Errorf("exposure = %s, want %s", got.Exposure, want.Exposure)
	}
	if got.Tier != want.Tier || got.State != want.State {
		t.Errorf("tier/state = %s/%s, want %s/%s", got.Tier, got.State, want.Tier, want.State)
	}
	if got.Package == nil || len(got.Package.Assets) != len(want.Package.Assets) {
		t.Error("collateral package not rebuilt by replay")
	}
}
