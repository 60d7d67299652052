package oracle

import (
	"context"
	"sync"
	"time"
)

// Static is an in-memory Oracle for development and tests. Values are set
// explicitly and staleness is still enforced, so tests can exercise the
// ErrStale path by back-dating AsOf.
type Static struct {
	mu           sync.RWMutex
	maxAge       time.Duration
	quotes       map[string]*Quote
	correlations map[[2]string]float64
	volIndex     *VolatilityIndex
	attestations map[string][]Attestation
}

// NewStatic creates a Static oracle enforcing the given maximum data age.
func NewStatic(maxAge time.Duration) *Static {
	return &Static{
		maxAge:       maxAge,
		quotes:       make(map[string]*Quote),
		correlations: make(map[[2]string]float64),
		attestations: make(map[string][]Attestation),
	}
}

// SetQuote installs or replaces a quote.
func (s *Static) SetQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}
	s.quotes[q.Symbol] = &q
}

// SetCorrelation installs a symmetric pairwise correlation estimate.
func (s *Static) SetCorrelation(a, b string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations[pairKey(a, b)] = value
}

// SetVolatilityIndex installs the market-wide volatility reading.
func (s *Static) SetVolatilityIndex(value float64, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	s.volIndex = &VolatilityIndex{Value: value, AsOf: asOf}
}

// AddAttestation appends a credit-bureau attestation for an agent.
func (s *Static) AddAttestation(a Attestation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IssuedAt.IsZero() {
		a.IssuedAt = time.Now().UTC()
	}
	s.attestations[a.AgentID] = append(s.attestations[a.AgentID], a)
}

// Quote implements Oracle.
func (s *Static) Quote(_ context.Context, symbol string) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	if err := CheckFresh(q.AsOf, s.maxAge, time.Now().UTC()); err != nil {
		return nil, err
	}
	cp := *q
	return &cp, nil
}

// Quotes implements Oracle.
func (s *Static) Quotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	out := make(map[string]*Quote, len(symbols))
	for _, sym := range symbols {
		q, err := s.Quote(ctx, sym)
		if err != nil {
			return nil, err
		}
		out[sym] = q
	}
	return out, nil
}

// Correlations implements Oracle. Unset pairs default to 0; the diagonal is 1.
func (s *Static) Correlations(_ context.Context, symbols []string) (*CorrelationMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &CorrelationMatrix{
		Symbols: append([]string(nil), symbols...),
		Values:  make([][]float64, len(symbols)),
		AsOf:    time.Now().UTC(),
	}
	for i := range symbols {
		m.Values[i] = make([]float64, len(symbols))
		for j := range symbols {
			if i == j {
				m.Values[i][j] = 1
				continue
			}
			m.Values[i][j] = s.correlations[pairKey(symbols[i], symbols[j])]
		}
	}
	return m, nil
}

// VolatilityIndex implements Oracle.
func (s *Static) VolatilityIndex(_ context.Context) (*VolatilityIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.volIndex == nil {
		return nil, ErrStale
	}
	if err := CheckFresh(s.volIndex.AsOf, s.maxAge, time.Now().UTC()); err != nil {
		return nil, err
	}
	cp := *s.volIndex
	return &cp, nil
}

// Attestations implements Oracle.
func (s *Static) Attestations(_ context.Context, agentID string) ([]Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Attestation(nil), s.attestations[agentID]...), nil
}

// pairKey orders a symbol pair so lookups are symmetric.
func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
