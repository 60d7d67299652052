package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/api"
	"github.com/mandatefi/mandate/internal/apikey"
	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/executor"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/leverage"
	"github.com/mandatefi/mandate/internal/liquidation"
	"github.com/mandatefi/mandate/internal/oracle"
	"github.com/mandatefi/mandate/internal/riskconfig"
	"github.com/mandatefi/mandate/internal/scoring"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	cfg := riskconfig.Default()

	store := ledger.NewMemoryStore()
	registry := delegation.NewRegistry(store, logger)
	market := oracle.NewStatic(cfg.Oracle.MaxQuoteAge)
	scores := scoring.NewEngine(store, cfg.Scoring, logger)
	engine := leverage.NewEngine(store, cfg, market, scores, registry, logger)
	exec := executor.New(store, registry, engine, logger)
	pool := liquidation.NewInsurancePool(store, decimal.NewFromInt(1000), logger)
	keys := apikey.NewService(apikey.NewMemoryStore())

	srv := api.NewServer(registry, exec, scores, engine, pool, store, keys, nil, logger)
	router := gin.New()
	srv.Register(router.Group("/api/v1"))
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, actor string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createDelegation(t *testing.T, router *gin.Engine, limit int64, cap float64) delegation.Delegation {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/delegations", "owner-1", gin.H{
		"agent_id":        "agent-1",
		"credit_limit":    limit,
		"utilization_cap": cap,
		"categories":      []string{"compute", "storage"},
		"duration":        "720h",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create delegation: status %d, body %s", w.Code, w.Body.String())
	}
	var d delegation.Delegation
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode delegation: %v", err)
	}
	return d
}

func TestCreateDelegation_returnsCreated(t *testing.T) {
	router := newTestRouter(t)
	d := createDelegation(t, router, 10000, 0.8)

	if d.OwnerID != "owner-1" {
		t.Errorf("owner = %q, want owner-1", d.OwnerID)
	}
	if d.Status != delegation.StatusActive {
		t.Errorf("status = %q, want active", d.Status)
	}
	if !d.Utilized.IsZero() {
		t.Errorf("utilized = %s, want 0", d.Utilized)
	}
}

func TestCreateDelegation_invalidTerms(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/delegations", "owner-1", gin.H{
		"agent_id":        "agent-1",
		"credit_limit":    10000,
		"utilization_cap": 1.5,
		"categories":      []string{"compute"},
		"duration":        "720h",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", w.Code, w.Body.String())
	}
}

func TestGetDelegation_notFound(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/delegations/5bfce941-3e5e-4a45-9e73-f4e6eab5f495", "owner-1", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestExecuteTransaction_capAndIdempotency(t *testing.T) {
	router := newTestRouter(t)
	d := createDelegation(t, router, 10000, 0.8)
	path := "/api/v1/delegations/" + d.ID.String() + "/transactions"

	// 8,500 exceeds the 8,000 utilization ceiling.
	w := doJSON(t, router, http.MethodPost, path, "agent-1", gin.H{
		"amount": 8500, "category": "compute",
	}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over-cap status = %d, want 422; body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, path, "agent-1", gin.H{
		"amount": 7500, "category": "compute",
	}, map[string]string{"Idempotency-Key": "tx-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	var tx executor.Transaction
	if err := json.Unmarshal(w.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if tx.Replayed {
		t.Error("first submission marked replayed")
	}

	// Resubmission returns the original result, no new effects.
	w = doJSON(t, router, http.MethodPost, path, "agent-1", gin.H{
		"amount": 7500, "category": "compute",
	}, map[string]string{"Idempotency-Key": "tx-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var replayed executor.Transaction
	if err := json.Unmarshal(w.Body.Bytes(), &replayed); err != nil {
		t.Fatalf("decode replayed transaction: %v", err)
	}
	if !replayed.Replayed {
		t.Error("resubmission not marked replayed")
	}
	if replayed.ID != tx.ID {
		t.Errorf("replayed id = %s, want %s", replayed.ID, tx.ID)
	}
}

func TestExecuteTransaction_categoryNotPermitted(t *testing.T) {
	router := newTestRouter(t)
	d := createDelegation(t, router, 10000, 0.8)

	w := doJSON(t, router, http.MethodPost, "/api/v1/delegations/"+d.ID.String()+"/transactions", "agent-1", gin.H{
		"amount": 100, "category": "gambling",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", w.Code, w.Body.String())
	}
}

func TestExecuteTransaction_revokedDelegation(t *testing.T) {
	router := newTestRouter(t)
	d := createDelegation(t, router, 10000, 0.8)
	base := "/api/v1/delegations/" + d.ID.String()

	if w := doJSON(t, router, http.MethodPost, base+"/revoke", "owner-1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d; body %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, http.MethodPost, base+"/transactions", "agent-1", gin.H{
		"amount": 100, "category": "compute",
	}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body %s", w.Code, w.Body.String())
	}
}

func TestRevoke_foreignActorForbidden(t *testing.T) {
	router := newTestRouter(t)
	d := createDelegation(t, router, 10000, 0.8)

	w := doJSON(t, router, http.MethodPost, "/api/v1/delegations/"+d.ID.String()+"/revoke", "stranger", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body %s", w.Code, w.Body.String())
	}
}

func TestGetProfile_baselineForUnknownAgent(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/agents/nobody/profile", "owner-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Profile scoring.Profile `json:"profile"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Profile.Score != 600 {
		t.Errorf("baseline score = %d, want 600", resp.Profile.Score)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	router := newTestRouter(t)
	createDelegation(t, router, 10000, 0.8)

	w := doJSON(t, router, http.MethodGet, "/api/v1/ledger", "owner-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("head status = %d", w.Code)
	}
	var head struct {
		Head int64  `json:"head"`
		Root string `json:"root"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &head); err != nil {
		t.Fatalf("decode head: %v", err)
	}
	if head.Head < 1 {
		t.Errorf("head = %d, want ≥ 1 after create", head.Head)
	}
	if len(head.Root) != 64 {
		t.Errorf("root length = %d, want 64 hex chars", len(head.Root))
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/ledger/verify", "owner-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d; body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/ledger/events?since=0&limit=10", "owner-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d", w.Code)
	}
	var feed struct {
		Events []json.RawMessage `json:"events"`
		Next   int64             `json:"next"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &feed); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(feed.Events) == 0 {
		t.Error("no events in audit feed after create")
	}
}

func TestPoolBalance(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/pool", "owner-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("balance = %s, want 1000", resp.Balance)
	}
}

func TestKeys_issueListRevoke(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/keys", "agent-1", gin.H{
		"name": "ci key", "tier": "pro",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status = %d; body %s", w.Code, w.Body.String())
	}
	var issued struct {
		Key       apikey.APIKey `json:"key"`
		Plaintext string        `json:"plaintext"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode issued key: %v", err)
	}
	if issued.Plaintext == "" {
		t.Fatal("plaintext missing from issue response")
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/keys", "agent-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/v1/keys/"+issued.Key.ID.String(), "agent-1", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d; body %s", w.Code, w.Body.String())
	}
}
