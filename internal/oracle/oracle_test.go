package oracle_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/oracle"
)

func TestCheckFresh(t *testing.T) {
	now := time.Now().UTC()
	if err := oracle.CheckFresh(now.Add(-time.Minute), 5*time.Minute, now); err != nil {
		t.Errorf("fresh data rejected: %v", err)
	}
	if err := oracle.CheckFresh(now.Add(-10*time.Minute), 5*time.Minute, now); !errors.Is(err, oracle.ErrStale) {
		t.Errorf("stale data err = %v, want ErrStale", err)
	}
}

func TestStatic_quoteStaleness(t *testing.T) {
	s := oracle.NewStatic(5 * time.Minute)
	ctx := context.Background()

	s.SetQuote(oracle.Quote{Symbol: "GOVT", Price: decimal.NewFromInt(100)})
	if _, err := s.Quote(ctx, "GOVT"); err != nil {
		t.Fatalf("fresh quote: %v", err)
	}

	s.SetQuote(oracle.Quote{
		Symbol: "EQTY",
		Price:  decimal.NewFromInt(10),
		AsOf:   time.Now().UTC().Add(-time.Hour),
	})
	if _, err := s.Quote(ctx, "EQTY"); !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("back-dated quote err = %v, want ErrStale", err)
	}

	if _, err := s.Quote(ctx, "NOPE"); !errors.Is(err, oracle.ErrUnknownSymbol) {
		t.Fatalf("unknown symbol err = %v, want ErrUnknownSymbol", err)
	}
}

func TestStatic_correlationSymmetry(t *testing.T) {
	s := oracle.NewStatic(5 * time.Minute)
	s.SetCorrelation("EQTY", "CRYP", 0.7)

	m, err := s.Correlations(context.Background(), []string{"CRYP", "EQTY", "GOVT"})
	if err != nil {
		t.Fatalf("correlations: %v", err)
	}
	if got := m.At("EQTY", "CRYP"); got != 0.7 {
		t.Errorf("At(EQTY, CRYP) = %g, want 0.7", got)
	}
	if m.At("EQTY", "CRYP") != m.At("CRYP", "EQTY") {
		t.Error("correlation matrix not symmetric")
	}
	if got := m.At("EQTY", "EQTY"); got != 1 {
		t.Errorf("diagonal = %g, want 1", got)
	}
	if got := m.At("EQTY", "GOVT"); got != 0 {
		t.Errorf("unset pair = %g, want 0", got)
	}
}

func TestStatic_volatilityIndex(t *testing.T) {
	s := oracle.NewStatic(5 * time.Minute)
	ctx := context.Background()

	if _, err := s.VolatilityIndex(ctx); !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("unset index err = %v, want ErrStale", err)
	}
	s.SetVolatilityIndex(0.35, time.Time{})
	v, err := s.VolatilityIndex(ctx)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if v.Value != 0.35 {
		t.Errorf("value = %g, want 0.35", v.Value)
	}
}

func newBureauServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/quotes":
			hits.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"quotes": []oracle.Quote{{
					Symbol:     "GOVT",
					Price:      decimal.NewFromInt(100),
					Volatility: 0.02,
					AsOf:       time.Now().UTC(),
				}},
			})
		case "/v1/volatility-index":
			_ = json.NewEncoder(w).Encode(oracle.VolatilityIndex{
				Value: 0.2,
				AsOf:  time.Now().UTC(),
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestBureauClient_cachesWithinTTL(t *testing.T) {
	var hits atomic.Int64
	srv := newBureauServer(t, &hits)
	defer srv.Close()

	b := oracle.NewBureauClient(oracle.BureauConfig{
		BaseURL:  srv.URL,
		MaxAge:   5 * time.Minute,
		CacheTTL: time.Minute,
	}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Quote(ctx, "GOVT"); err != nil {
			t.Fatalf("quote %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("bureau hits = %d, want 1 (cache should absorb repeats)", got)
	}

	// Invalidation forces the next read through to the bureau.
	b.InvalidateQuote("GOVT")
	if _, err := b.Quote(ctx, "GOVT"); err != nil {
		t.Fatalf("quote after invalidate: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("bureau hits = %d, want 2 after invalidation", got)
	}
}

func TestBureauClient_unreachableIsStale(t *testing.T) {
	b := oracle.NewBureauClient(oracle.BureauConfig{
		BaseURL:        "http://127.0.0.1:1",
		MaxAge:         5 * time.Minute,
		RequestTimeout: 200 * time.Millisecond,
	}, zap.NewNop())

	if _, err := b.Quote(context.Background(), "GOVT"); !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
}

func TestBureauClient_staleUpstreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quotes": []oracle.Quote{{
				Symbol: "GOVT",
				Price:  decimal.NewFromInt(100),
				AsOf:   time.Now().UTC().Add(-time.Hour),
			}},
		})
	}))
	defer srv.Close()

	b := oracle.NewBureauClient(oracle.BureauConfig{
		BaseURL: srv.URL,
		MaxAge:  5 * time.Minute,
	}, zap.NewNop())
	if _, err := b.Quote(context.Background(), "GOVT"); !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("err = %v, want ErrStale for stale upstream data", err)
	}
}
