// Package oracle defines the market/credit-bureau collaborator boundary:
// asset prices, volatility and correlation estimates, a market-wide
// volatility index, and credit-bureau attestations.
//
// Every result carries its AsOf time. Data older than the configured maximum
// age is rejected with ErrStale rather than used; a stale read never
// partially applies effects.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrStale is returned when oracle data is older than the configured maximum
// age, or an oracle read timed out. Callers recover by retrying once fresh
// data is available.
var ErrStale = errors.New("oracle data is stale")

// ErrUnknownSymbol is returned when the oracle has no data for a symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Quote is a point-in-time price and volatility estimate for one asset.
type Quote struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volatility float64         `json:"volatility"` // annualised, in [0, 1+)
	AsOf       time.Time       `json:"as_of"`
}

// CorrelationMatrix holds pairwise correlation estimates for a symbol set.
type CorrelationMatrix struct {
	Symbols []string    `json:"symbols"`
	Values  [][]float64 `json:"values"`
	AsOf    time.Time   `json:"as_of"`
}

// At returns the correlation between symbols a and b, or 0 when either is
// absent from the matrix.
func (m *CorrelationMatrix) At(a, b string) float64 {
	ai, bi := -1, -1
	for i, s := range m.Symbols {
		if s == a {
			ai = i
		}
		if s == b {
			bi = i
		}
	}
	if ai < 0 || bi < 0 {
		return 0
	}
	return m.Values[ai][bi]
}

// VolatilityIndex is the market-wide volatility reading used by the
// liquidation circuit breaker.
type VolatilityIndex struct {
	Value float64   `json:"value"`
	AsOf  time.Time `json:"as_of"`
}

// Attestation is a credit-bureau statement about an agent, consumed by the
// scoring engine's external-attestations factor.
type Attestation struct {
	AgentID  string    `json:"agent_id"`
	Issuer   string    `json:"issuer"`
	Kind     string    `json:"kind"` // e.g. "kyc", "credit_reference", "performance"
	Weight   float64   `json:"weight"`
	IssuedAt time.Time `json:"issued_at"`
}

// Oracle supplies market and credit-bureau data on request.
// Implementations: Static (tests/dev) and BureauClient (HTTP).
type Oracle interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Quotes(ctx context.Context, symbols []string) (map[string]*Quote, error)
	Correlations(ctx context.Context, symbols []string) (*CorrelationMatrix, error)
	VolatilityIndex(ctx context.Context) (*VolatilityIndex, error)
	Attestations(ctx context.Context, agentID string) ([]Attestation, error)
}

// CheckFresh returns ErrStale when asOf is older than maxAge at now.
func CheckFresh(asOf time.Time, maxAge time.Duration, now time.Time) error {
	if asOf.IsZero() || now.Sub(asOf) > maxAge {
		return fmt.Errorf("%w: as_of %s exceeds max age %s", ErrStale, asOf.Format(time.RFC3339), maxAge)
	}
	return nil
}
