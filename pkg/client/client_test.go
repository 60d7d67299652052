package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mandatefi/mandate/pkg/client"
)

func TestCreateDelegation_sendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/delegations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "mnd_testkey" {
			t.Errorf("X-API-Key = %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["agent_id"] != "agent-1" {
			t.Errorf("agent_id = %v", body["agent_id"])
		}
		if body["duration"] != "720h" {
			t.Errorf("duration = %v", body["duration"])
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "d-1", "owner_id": "owner-1", "agent_id": "agent-1", "status": "active",
		})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL,
		client.WithBearerToken("tok-1"),
		client.WithAPIKey("mnd_testkey"),
	)
	d, err := c.CreateDelegation(context.Background(), "agent-1", client.Terms{
		CreditLimit:    decimal.NewFromInt(10000),
		UtilizationCap: 0.8,
		Categories:     []string{"compute"},
		Duration:       "720h",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.ID != "d-1" || d.Status != "active" {
		t.Errorf("delegation = %+v", d)
	}
}

func TestExecuteTransaction_idempotencyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Idempotency-Key"); got != "order-42" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "tx-1", "amount": "1000", "replayed": true,
		})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL)
	tx, err := c.ExecuteTransaction(context.Background(), "d-1", decimal.NewFromInt(1000), "compute", "order-42")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !tx.Replayed {
		t.Error("replayed flag not decoded")
	}
	if !tx.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("amount = %s", tx.Amount)
	}
}

func TestDo_surfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "utilization cap exceeded"})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL)
	_, err := c.ExecuteTransaction(context.Background(), "d-1", decimal.NewFromInt(9999), "compute", "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", apiErr.Status)
	}
	if apiErr.Message != "utilization cap exceeded" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestLedgerEvents_pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "7" {
			t.Errorf("since = %q, want 7", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{{"seq": 8, "kind": "transaction.executed"}},
			"next":   8,
		})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL)
	events, next, err := c.LedgerEvents(context.Background(), 7, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 8 {
		t.Errorf("events = %+v", events)
	}
	if next != 8 {
		t.Errorf("next = %d, want 8", next)
	}
}

func TestPoolBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"balance": "1000000"})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL)
	balance, err := c.PoolBalance(context.Background())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("balance = %s", balance)
	}
}
