// Package client provides the Mandate Go SDK for managing credit delegations,
// executing transactions, and monitoring leveraged positions over the HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// APIError is a non-2xx response from the Mandate API.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mandate api: HTTP %d: %s", e.Status, e.Message)
}

// Client is the Mandate SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	bearerToken string
	apiKey      string
	actor       string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a capability token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithAPIKey attaches an API key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithActor sets the caller identity for servers running without token
// enforcement (development mode).
func WithActor(actor string) Option {
	return func(c *Client) error {
		c.actor = actor
		return nil
	}
}

// New creates a Client connected to baseURL.
//
//	c, err := client.New("https://mandate.example.com",
//	    client.WithBearerToken(token),
//	    client.WithAPIKey(apiKey),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Wire types ────────────────────────────────────────────────────────────────

// Terms are the owner-defined bounds of a delegation. Duration is a Go
// duration string, e.g. "720h".
type Terms struct {
	CreditLimit         decimal.Decimal `json:"credit_limit"`
	UtilizationCap      float64         `json:"utilization_cap"`
	Categories          []string        `json:"categories"`
	Duration            string          `json:"duration"`
	RevocationAuthority string          `json:"revocation_authority,omitempty"`
}

// Delegation is one credit delegation record.
type Delegation struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	Terms    struct {
		CreditLimit         decimal.Decimal `json:"credit_limit"`
		UtilizationCap      float64         `json:"utilization_cap"`
		Categories          []string        `json:"categories"`
		RevocationAuthority string          `json:"revocation_authority,omitempty"`
	} `json:"terms"`
	Utilized  decimal.Decimal `json:"utilized"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	Version   int64           `json:"version"`
}

// Transaction is one executed draw against a delegation.
type Transaction struct {
	ID            string          `json:"id"`
	DelegationID  string          `json:"delegation_id"`
	AgentID       string          `json:"agent_id"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	ExecutedAt    time.Time       `json:"executed_at"`
	UtilizedAfter decimal.Decimal `json:"utilized_after"`
	Seq           int64           `json:"seq"`
	Replayed      bool            `json:"replayed,omitempty"`
}

// Repayment is one recorded repayment.
type Repayment struct {
	ID            string          `json:"id"`
	DelegationID  string          `json:"delegation_id"`
	Amount        decimal.Decimal `json:"amount"`
	DueAt         time.Time       `json:"due_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Status        string          `json:"status"`
	UtilizedAfter decimal.Decimal `json:"utilized_after"`
	Replayed      bool            `json:"replayed,omitempty"`
}

// Profile is an agent's creditworthiness view.
type Profile struct {
	AgentID   string             `json:"agent_id"`
	Score     int                `json:"score"`
	Rating    string             `json:"rating"`
	Factors   map[string]float64 `json:"factors"`
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// ProfileResult is the full response of GET /agents/:id/profile.
type ProfileResult struct {
	Profile Profile `json:"profile"`
	Trend   int     `json:"trend"`
}

// AssetInput names a collateral asset to pledge.
type AssetInput struct {
	Symbol          string          `json:"symbol"`
	Units           decimal.Decimal `json:"units"`
	LiquidityWeight float64         `json:"liquidity_weight"`
}

// OpenPositionRequest opens a leveraged position on a delegation.
type OpenPositionRequest struct {
	DelegationID string       `json:"delegation_id"`
	Tier         string       `json:"tier"`
	AgreementRef string       `json:"agreement_ref,omitempty"`
	Collateral   []AssetInput `json:"collateral,omitempty"`
}

// Position is one leveraged position record.
type Position struct {
	ID            string          `json:"id"`
	DelegationID  string          `json:"delegation_id"`
	AgentID       string          `json:"agent_id"`
	Tier          string          `json:"tier"`
	Exposure      decimal.Decimal `json:"exposure"`
	LeverageRatio float64         `json:"leverage_ratio"`
	Adequacy      float64         `json:"adequacy"`
	State         string          `json:"state"`
	Stage         int             `json:"stage"`
	GraceDeadline time.Time       `json:"grace_deadline,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	Version       int64           `json:"version"`
}

// Evaluation is one position health evaluation.
type Evaluation struct {
	PositionID    string    `json:"position_id"`
	Tier          string    `json:"tier"`
	LeverageRatio float64   `json:"leverage_ratio"`
	Adequacy      float64   `json:"adequacy"`
	RiskScore     float64   `json:"risk_score"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// LedgerHead is the chain tip of the event ledger.
type LedgerHead struct {
	Head int64  `json:"head"`
	Root string `json:"root"`
}

// Event is one ledger event from the audit feed.
type Event struct {
	Seq          int64           `json:"seq"`
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	DelegationID string          `json:"delegation_id,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	RecordedAt   time.Time       `json:"recorded_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PrevHash     string          `json:"prev_hash"`
	Hash         string          `json:"hash"`
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation creates a delegation from the caller to agentID.
func (c *Client) CreateDelegation(ctx context.Context, agentID string, terms Terms) (*Delegation, error) {
	body := struct {
		AgentID string `json:"agent_id"`
		Terms
	}{AgentID: agentID, Terms: terms}

	var d Delegation
	if err := c.do(ctx, http.MethodPost, "/api/v1/delegations", body, &d, nil); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDelegation fetches one delegation.
func (c *Client) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	var d Delegation
	if err := c.do(ctx, http.MethodGet, "/api/v1/delegations/"+url.PathEscape(id), nil, &d, nil); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDelegations lists delegations, optionally filtered by owner and agent.
func (c *Client) ListDelegations(ctx context.Context, ownerID, agentID string) ([]Delegation, error) {
	q := url.Values{}
	if ownerID != "" {
		q.Set("owner_id", ownerID)
	}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	path := "/api/v1/delegations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Delegations []Delegation `json:"delegations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Delegations, nil
}

// ModifyDelegation replaces a delegation's terms. Prospective only: committed
// utilization is never affected.
func (c *Client) ModifyDelegation(ctx context.Context, id string, terms Terms) (*Delegation, error) {
	var d Delegation
	if err := c.do(ctx, http.MethodPatch, "/api/v1/delegations/"+url.PathEscape(id), terms, &d, nil); err != nil {
		return nil, err
	}
	return &d, nil
}

// PauseDelegation suspends an active delegation.
func (c *Client) PauseDelegation(ctx context.Context, id string) (*Delegation, error) {
	return c.lifecycle(ctx, id, "pause")
}

// ResumeDelegation reactivates a paused delegation.
func (c *Client) ResumeDelegation(ctx context.Context, id string) (*Delegation, error) {
	return c.lifecycle(ctx, id, "resume")
}

// RevokeDelegation terminates a delegation. Irreversible.
func (c *Client) RevokeDelegation(ctx context.Context, id string) (*Delegation, error) {
	return c.lifecycle(ctx, id, "revoke")
}

func (c *Client) lifecycle(ctx context.Context, id, action string) (*Delegation, error) {
	var d Delegation
	path := "/api/v1/delegations/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, &d, nil); err != nil {
		return nil, err
	}
	return &d, nil
}

// ── Transactions ──────────────────────────────────────────────────────────────

// ExecuteTransaction submits a draw against a delegation. A non-empty
// idempotencyKey makes resubmission safe: the server replays the original
// result instead of double-spending.
func (c *Client) ExecuteTransaction(ctx context.Context, delegationID string, amount decimal.Decimal, category, idempotencyKey string) (*Transaction, error) {
	body := struct {
		Amount   decimal.Decimal `json:"amount"`
		Category string          `json:"category"`
	}{amount, category}

	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}

	var tx Transaction
	path := "/api/v1/delegations/" + url.PathEscape(delegationID) + "/transactions"
	if err := c.do(ctx, http.MethodPost, path, body, &tx, headers); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactions lists the executed transactions of a delegation.
func (c *Client) ListTransactions(ctx context.Context, delegationID string) ([]Transaction, error) {
	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	path := "/api/v1/delegations/" + url.PathEscape(delegationID) + "/transactions"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// RecordRepayment records a repayment against a delegation's utilization.
func (c *Client) RecordRepayment(ctx context.Context, delegationID string, amount decimal.Decimal, dueAt time.Time, idempotencyKey string) (*Repayment, error) {
	body := struct {
		Amount decimal.Decimal `json:"amount"`
		DueAt  time.Time       `json:"due_at"`
	}{amount, dueAt}

	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}

	var rp Repayment
	path := "/api/v1/delegations/" + url.PathEscape(delegationID) + "/repayments"
	if err := c.do(ctx, http.MethodPost, path, body, &rp, headers); err != nil {
		return nil, err
	}
	return &rp, nil
}

// ── Scoring ───────────────────────────────────────────────────────────────────

// AgentProfile fetches an agent's creditworthiness profile.
func (c *Client) AgentProfile(ctx context.Context, agentID string) (*ProfileResult, error) {
	var resp ProfileResult
	path := "/api/v1/agents/" + url.PathEscape(agentID) + "/profile"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordAttestation submits a third-party attestation for an agent.
func (c *Client) RecordAttestation(ctx context.Context, agentID, issuer, kind string, weight float64) error {
	body := struct {
		Issuer string  `json:"issuer"`
		Kind   string  `json:"kind"`
		Weight float64 `json:"weight"`
	}{issuer, kind, weight}
	path := "/api/v1/agents/" + url.PathEscape(agentID) + "/attestations"
	return c.do(ctx, http.MethodPost, path, body, nil, nil)
}

// ── Positions ─────────────────────────────────────────────────────────────────

// OpenPosition opens a leveraged position on a delegation.
func (c *Client) OpenPosition(ctx context.Context, req OpenPositionRequest) (*Position, error) {
	var pos Position
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions", req, &pos, nil); err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetPosition fetches one position.
func (c *Client) GetPosition(ctx context.Context, id string) (*Position, error) {
	var pos Position
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions/"+url.PathEscape(id), nil, &pos, nil); err != nil {
		return nil, err
	}
	return &pos, nil
}

// EvaluatePosition reprices the position's collateral and returns the
// resulting health evaluation.
func (c *Client) EvaluatePosition(ctx context.Context, id string) (*Evaluation, error) {
	var ev Evaluation
	path := "/api/v1/positions/" + url.PathEscape(id) + "/evaluate"
	if err := c.do(ctx, http.MethodPost, path, nil, &ev, nil); err != nil {
		return nil, err
	}
	return &ev, nil
}

// PledgeCollateral adds assets to a position's collateral package.
func (c *Client) PledgeCollateral(ctx context.Context, id string, assets []AssetInput) (*Position, error) {
	body := struct {
		Assets []AssetInput `json:"assets"`
	}{assets}

	var pos Position
	path := "/api/v1/positions/" + url.PathEscape(id) + "/collateral"
	if err := c.do(ctx, http.MethodPost, path, body, &pos, nil); err != nil {
		return nil, err
	}
	return &pos, nil
}

// ReleaseCollateral removes assets from a position's collateral package.
// Refused when the release would push adequacy below the warning band.
func (c *Client) ReleaseCollateral(ctx context.Context, id string, symbols []string) (*Position, error) {
	body := struct {
		Symbols []string `json:"symbols"`
	}{symbols}

	var pos Position
	path := "/api/v1/positions/" + url.PathEscape(id) + "/collateral"
	if err := c.do(ctx, http.MethodDelete, path, body, &pos, nil); err != nil {
		return nil, err
	}
	return &pos, nil
}

// ── Ledger and pool ───────────────────────────────────────────────────────────

// Ledger returns the event chain tip.
func (c *Client) Ledger(ctx context.Context) (*LedgerHead, error) {
	var head LedgerHead
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger", nil, &head, nil); err != nil {
		return nil, err
	}
	return &head, nil
}

// VerifyLedger asks the server to walk the full hash chain.
func (c *Client) VerifyLedger(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, nil, nil)
}

// LedgerEvents pages the audit feed. since is an exclusive sequence cursor;
// the second return value is the cursor for the next page.
func (c *Client) LedgerEvents(ctx context.Context, since int64, limit int) ([]Event, int64, error) {
	q := url.Values{
		"since": {strconv.FormatInt(since, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	var resp struct {
		Events []Event `json:"events"`
		Next   int64   `json:"next"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger/events?"+q.Encode(), nil, &resp, nil); err != nil {
		return nil, since, err
	}
	return resp.Events, resp.Next, nil
}

// PoolBalance returns the insurance pool's current balance.
func (c *Client) PoolBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/pool", nil, &resp, nil); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

// ── Transport ─────────────────────────────────────────────────────────────────

// do executes one API call: JSON-encode reqBody (nil = no body), decode the
// response into respBody (nil = discard), surface non-2xx as *APIError.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any, headers map[string]string) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call mandate api: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBytes, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBytes)
		}
		return apiErr
	}

	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
