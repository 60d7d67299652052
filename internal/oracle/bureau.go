package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// BureauConfig configures the HTTP bureau client.
type BureauConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	// MaxAge is the maximum acceptable age of returned data.
	MaxAge time.Duration
	// CacheTTL is how long quotes are served from the local cache.
	// Capped at MaxAge; 0 disables caching.
	CacheTTL time.Duration
	// RequestTimeout bounds each HTTP call. Default 10s.
	RequestTimeout time.Duration
}

// BureauClient is the production Oracle implementation, backed by an HTTP
// market-data/credit-bureau service authenticated with OAuth2 client
// credentials. Quotes are cached with a short TTL; staleness is always
// enforced against the configured maximum age.
type BureauClient struct {
	baseURL    string
	httpClient *http.Client
	maxAge     time.Duration
	cache      *quoteCache // nil = caching disabled
	logger     *zap.Logger
}

// NewBureauClient creates a BureauClient.
func NewBureauClient(cfg BureauConfig, logger *zap.Logger) *BureauClient {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var httpClient *http.Client
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = timeout
	} else {
		httpClient = &http.Client{Timeout: timeout}
	}

	var cache *quoteCache
	if cfg.CacheTTL > 0 {
		ttl := cfg.CacheTTL
		if ttl > cfg.MaxAge {
			ttl = cfg.MaxAge
		}
		cache = newQuoteCache(ttl)
	}

	return &BureauClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		maxAge:     cfg.MaxAge,
		cache:      cache,
		logger:     logger,
	}
}

// Quote implements Oracle.
func (b *BureauClient) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if b.cache != nil {
		if q, ok := b.cache.get(symbol); ok {
			return q, nil
		}
	}
	quotes, err := b.fetchQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return q, nil
}

// Quotes implements Oracle.
func (b *BureauClient) Quotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	out := make(map[string]*Quote, len(symbols))
	var missing []string
	if b.cache != nil {
		for _, sym := range symbols {
			if q, ok := b.cache.get(sym); ok {
				out[sym] = q
			} else {
				missing = append(missing, sym)
			}
		}
	} else {
		missing = symbols
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := b.fetchQuotes(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, sym := range missing {
		q, ok := fetched[sym]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
		}
		out[sym] = q
	}
	return out, nil
}

func (b *BureauClient) fetchQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	var resp struct {
		Quotes []Quote `json:"quotes"`
	}
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := b.getJSON(ctx, "/v1/quotes?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]*Quote, len(resp.Quotes))
	for i := range resp.Quotes {
		quote := resp.Quotes[i]
		if err := CheckFresh(quote.AsOf, b.maxAge, now); err != nil {
			return nil, err
		}
		if b.cache != nil {
			b.cache.set(&quote)
		}
		out[quote.Symbol] = &quote
	}
	return out, nil
}

// Correlations implements Oracle.
func (b *BureauClient) Correlations(ctx context.Context, symbols []string) (*CorrelationMatrix, error) {
	var m CorrelationMatrix
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := b.getJSON(ctx, "/v1/correlations?"+q.Encode(), &m); err != nil {
		return nil, err
	}
	if err := CheckFresh(m.AsOf, b.maxAge, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &m, nil
}

// VolatilityIndex implements Oracle.
func (b *BureauClient) VolatilityIndex(ctx context.Context) (*VolatilityIndex, error) {
	var v VolatilityIndex
	if err := b.getJSON(ctx, "/v1/volatility-index", &v); err != nil {
		return nil, err
	}
	if err := CheckFresh(v.AsOf, b.maxAge, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &v, nil
}

// Attestations implements Oracle.
func (b *BureauClient) Attestations(ctx context.Context, agentID string) ([]Attestation, error) {
	var resp struct {
		Attestations []Attestation `json:"attestations"`
	}
	if err := b.getJSON(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/attestations", &resp); err != nil {
		return nil, err
	}
	return resp.Attestations, nil
}

// getJSON performs a GET request and decodes the JSON response. Timeouts and
// cancellations surface as ErrStale: the caller must not block indefinitely
// on market data, and a timed-out read applies no effects.
func (b *BureauClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build bureau request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrStale, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrStale, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("bureau request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: bureau returned HTTP %d", ErrStale, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bureau response: %w", err)
	}
	return nil
}

// InvalidateQuote drops a symbol from the local cache, forcing the next read
// to hit the bureau. Used when a material market move is reported.
func (b *BureauClient) InvalidateQuote(symbol string) {
	if b.cache != nil {
		b.cache.invalidate(symbol)
	}
}
