package webhooks_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/webhooks"
)

func TestSignPayload(t *testing.T) {
	body := []byte(`{"type":"transaction.executed"}`)
	secret := "topsecret"

	got := webhooks.SignPayload(body, secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
}

func TestDispatch_deliversSignedEvent(t *testing.T) {
	store := webhooks.NewMemoryStore()
	svc := webhooks.NewService(store, zap.NewNop())

	type received struct {
		body      []byte
		signature string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get("X-Mandate-Signature")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub, err := svc.Subscribe(context.Background(), "owner-1", &webhooks.CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{webhooks.EventTransactionExecuted},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Dispatch(context.Background(), webhooks.EventTransactionExecuted, map[string]string{
		"delegation_id": "d-1",
	})

	select {
	case r := <-got:
		if want := webhooks.SignPayload(r.body, sub.Secret); r.signature != want {
			t.Errorf("signature = %q, want %q", r.signature, want)
		}
		var event webhooks.WebhookEvent
		if err := json.Unmarshal(r.body, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Type != webhooks.EventTransactionExecuted {
			t.Errorf("event type = %q, want transaction.executed", event.Type)
		}
		if event.Payload["delegation_id"] != "d-1" {
			t.Errorf("payload delegation_id = %q, want d-1", event.Payload["delegation_id"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestDispatch_skipsNonMatchingSubscriptions(t *testing.T) {
	store := webhooks.NewMemoryStore()
	svc := webhooks.NewService(store, zap.NewNop())

	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := svc.Subscribe(context.Background(), "owner-1", &webhooks.CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{webhooks.EventDelegationRevoked},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Dispatch(context.Background(), webhooks.EventScoreUpdated, map[string]string{})

	select {
	case <-hit:
		t.Fatal("subscription received an event it never asked for")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribe_ownershipChecked(t *testing.T) {
	store := webhooks.NewMemoryStore()
	svc := webhooks.NewService(store, zap.NewNop())

	sub, err := svc.Subscribe(context.Background(), "owner-1", &webhooks.CreateSubscriptionRequest{
		URL:    "https://example.com/hook",
		Events: []string{webhooks.EventDelegationCreated},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := svc.Unsubscribe(context.Background(), "owner-2", sub.ID); err == nil {
		t.Fatal("foreign owner deleted the subscription")
	}
	if err := svc.Unsubscribe(context.Background(), "owner-1", sub.ID); err != nil {
		t.Fatalf("owner unsubscribe: %v", err)
	}
}
