// Package delegation owns the delegation lifecycle: creation, modification,
// pause/resume, revocation, and expiry. Every state transition is committed
// to the ledger before it is reflected in the in-memory projection, so the
// registry can always be rebuilt by replay.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/ledger"
)

// WebhookDispatcher fans out domain events to external consumers.
// *webhooks.Service satisfies this interface.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Registry owns delegation lifecycle state. All mutations append to the
// ledger first; the projection is updated by applying the committed event.
type Registry struct {
	store  ledger.Store
	logger *zap.Logger

	mu          sync.RWMutex
	delegations map[uuid.UUID]*Delegation

	// lockMu guards locks; each delegation has a single logical lock that
	// serialises every utilization-affecting operation on it.
	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex

	dispatcher WebhookDispatcher // nil = no webhook fan-out
}

// NewRegistry creates an empty Registry. Call ledger.Replay with the registry
// as an applier to rebuild state from the log.
func NewRegistry(store ledger.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:       store,
		logger:      logger,
		delegations: make(map[uuid.UUID]*Delegation),
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetWebhookDispatcher configures webhook fan-out for lifecycle events.
func (r *Registry) SetWebhookDispatcher(d WebhookDispatcher) {
	r.dispatcher = d
}

// Lock acquires the per-delegation mutex and returns its unlock function.
// The transaction executor holds this lock across its read-validate-append
// step so that a racing revocation or second transaction cannot interleave.
func (r *Registry) Lock(id uuid.UUID) func() {
	r.lockMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create validates terms, commits a delegation.created event, and returns the
// new delegation. Fails with ErrInvalidTerms when limit, cap, or duration are
// non-positive or the category set is empty.
func (r *Registry) Create(ctx context.Context, ownerID, agentID string, terms Terms) (*Delegation, error) {
	if ownerID == "" || agentID == "" {
		return nil, &ErrInvalidTerms{Reason: "owner and agent ids are required"}
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	now := time.Now().UTC()
	payload, err := ledger.MarshalPayload(CreatedPayload{
		OwnerID:   ownerID,
		AgentID:   agentID,
		Terms:     terms,
		ExpiresAt: now.Add(terms.Duration),
	})
	if err != nil {
		return nil, err
	}

	e := &ledger.Event{
		Kind:         ledger.KindDelegationCreated,
		DelegationID: id,
		AgentID:      agentID,
		Payload:      payload,
	}
	if _, err := r.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append delegation.created: %w", err)
	}
	if err := r.Apply(e); err != nil {
		return nil, err
	}

	r.logger.Info("delegation created",
		zap.String("delegation_id", id.String()),
		zap.String("owner_id", ownerID),
		zap.String("agent_id", agentID),
		zap.String("credit_limit", terms.CreditLimit.String()),
	)
	r.dispatch(ctx, "delegation.created", e, map[string]string{
		"delegation_id": id.String(),
		"owner_id":      ownerID,
		"agent_id":      agentID,
	})

	return r.Get(id)
}

// Modify replaces a delegation's terms. Only the owner may modify, the
// delegation must be active, and the new terms may never retroactively weaken
// already-executed transactions: the new utilization ceiling must cover the
// current utilized amount.
func (r *Registry) Modify(ctx context.Context, id uuid.UUID, actor string, newTerms Terms) (*Delegation, error) {
	unlock := r.Lock(id)
	defer unlock()

	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if actor != d.OwnerID {
		return nil, ErrNotOwner
	}
	if d.Status != StatusActive {
		return nil, StatusError(d.Status)
	}
	if err := newTerms.Validate(); err != nil {
		return nil, err
	}
	if newTerms.UtilizationLimit().LessThan(d.Utilized) {
		return nil, &ErrInvalidTerms{Reason: fmt.Sprintf(
			"new utilization ceiling %s is below current utilization %s",
			newTerms.UtilizationLimit(), d.Utilized,
		)}
	}

	payload, err := ledger.MarshalPayload(ModifiedPayload{
		Terms:     newTerms,
		ExpiresAt: d.CreatedAt.Add(newTerms.Duration),
	})
	if err != nil {
		return nil, err
	}

	e := &ledger.Event{
		Kind:         ledger.KindDelegationModified,
		DelegationID: id,
		AgentID:      d.AgentID,
		Payload:      payload,
	}
	if _, err := r.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append delegation.modified: %w", err)
	}
	if err := r.Apply(e); err != nil {
		return nil, err
	}

	r.dispatch(ctx, "delegation.modified", e, map[string]string{
		"delegation_id": id.String(),
	})
	return r.Get(id)
}

// Pause suspends an active delegation. Owner only.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID, actor string) error {
	return r.transition(ctx, id, actor, ledger.KindDelegationPaused, "delegation.paused")
}

// Resume reactivates a paused delegation. Owner only.
func (r *Registry) Resume(ctx context.Context, id uuid.UUID, actor string) error {
	return r.transition(ctx, id, actor, ledger.KindDelegationResumed, "delegation.resumed")
}

func (r *Registry) transition(ctx context.Context, id uuid.UUID, actor string, kind ledger.Kind, eventType string) error {
	unlock := r.Lock(id)
	defer unlock()

	d, err := r.Get(id)
	if err != nil {
		return err
	}
	if actor != d.OwnerID {
		return ErrNotOwner
	}
	switch kind {
	case ledger.KindDelegationPaused:
		if d.Status != StatusActive {
			return StatusError(d.Status)
		}
	case ledger.KindDelegationResumed:
		if d.Status != StatusPaused {
			return StatusError(d.Status)
		}
	}

	payload, err := ledger.MarshalPayload(ActorPayload{Actor: actor})
	if err != nil {
		return err
	}
	e := &ledger.Event{Kind: kind, DelegationID: id, AgentID: d.AgentID, Payload: payload}
	if _, err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	if err := r.Apply(e); err != nil {
		return err
	}
	r.dispatch(ctx, eventType, e, map[string]string{"delegation_id": id.String()})
	return nil
}

// Revoke terminates a delegation. The owner or the designated revocation
// authority may revoke; anyone else gets ErrUnauthorized. Revocation is a
// single atomic transition: once the event is committed under the delegation
// lock, every subsequent transaction on the delegation fails with ErrRevoked.
// Revocation is never cancellable.
func (r *Registry) Revoke(ctx context.Context, id uuid.UUID, actor string) error {
	unlock := r.Lock(id)
	defer unlock()

	d, err := r.Get(id)
	if err != nil {
		return err
	}
	if actor != d.OwnerID && (d.Terms.RevocationAuthority == "" || actor != d.Terms.RevocationAuthority) {
		return ErrUnauthorized
	}
	if d.Status.Terminal() {
		return StatusError(d.Status)
	}

	payload, err := ledger.MarshalPayload(ActorPayload{Actor: actor})
	if err != nil {
		return err
	}
	e := &ledger.Event{
		Kind:         ledger.KindDelegationRevoked,
		DelegationID: id,
		AgentID:      d.AgentID,
		Payload:      payload,
	}
	if _, err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append delegation.revoked: %w", err)
	}
	if err := r.Apply(e); err != nil {
		return err
	}

	r.logger.Info("delegation revoked",
		zap.String("delegation_id", id.String()),
		zap.String("actor", actor),
	)
	r.dispatch(ctx, "delegation.revoked", e, map[string]string{
		"delegation_id": id.String(),
		"actor":         actor,
	})
	return nil
}

// ExpireSweep materialises expiry for every non-terminal delegation whose
// duration has elapsed at now. Returns the number of delegations expired.
// Intended to be called periodically from the server's background loop.
func (r *Registry) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	var due []uuid.UUID
	for id, d := range r.delegations {
		if !d.Status.Terminal() && d.ExpiredAt(now) {
			due = append(due, id)
		}
	}
	r.mu.RUnlock()

	expired := 0
	for _, id := range due {
		unlock := r.Lock(id)
		d, err := r.Get(id)
		if err != nil || d.Status.Terminal() || !d.ExpiredAt(now) {
			unlock()
			continue
		}
		e := &ledger.Event{
			Kind:         ledger.KindDelegationExpired,
			DelegationID: id,
			AgentID:      d.AgentID,
		}
		if _, err := r.store.Append(ctx, e); err != nil {
			unlock()
			return expired, fmt.Errorf("append delegation.expired: %w", err)
		}
		if err := r.Apply(e); err != nil {
			unlock()
			return expired, err
		}
		unlock()
		expired++
		r.dispatch(ctx, "delegation.expired", e, map[string]string{"delegation_id": id.String()})
	}
	return expired, nil
}

// Get returns a copy of the delegation with the given id.
func (r *Registry) Get(id uuid.UUID) (*Delegation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

// List returns all delegations, optionally filtered by owner and/or agent.
func (r *Registry) List(ownerID, agentID string) []*Delegation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Delegation
	for _, d := range r.delegations {
		if ownerID != "" && d.OwnerID != ownerID {
			continue
		}
		if agentID != "" && d.AgentID != agentID {
			continue
		}
		out = append(out, d.clone())
	}
	return out
}

// Apply implements ledger.Applier. It folds delegation lifecycle events and
// utilization-affecting transaction events into the projection. Events at or
// below the delegation's current version are skipped, so inline application
// after Append and startup Replay never double-apply.
func (r *Registry) Apply(e *ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case ledger.KindDelegationCreated:
		var p CreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode delegation.created payload: %w", err)
		}
		r.delegations[e.DelegationID] = &Delegation{
			ID:        e.DelegationID,
			OwnerID:   p.OwnerID,
			AgentID:   p.AgentID,
			Terms:     p.Terms,
			Status:    StatusActive,
			Utilized:  decimal.Zero,
			ExpiresAt: p.ExpiresAt,
			CreatedAt: e.RecordedAt,
			UpdatedAt: e.RecordedAt,
			Version:   e.Seq,
		}
		return nil

	case ledger.KindDelegationModified,
		ledger.KindDelegationPaused, ledger.KindDelegationResumed,
		ledger.KindDelegationRevoked, ledger.KindDelegationExpired,
		ledger.KindTransactionExecuted, ledger.KindRepaymentRecorded:
		d, ok := r.delegations[e.DelegationID]
		if !ok {
			return fmt.Errorf("event %d references unknown delegation %s", e.Seq, e.DelegationID)
		}
		if e.Seq <= d.Version {
			return nil // already applied
		}
		return r.applyToDelegation(d, e)
	}
	return nil
}

func (r *Registry) applyToDelegation(d *Delegation, e *ledger.Event) error {
	switch e.Kind {
	case ledger.KindDelegationModified:
		var p ModifiedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode delegation.modified payload: %w", err)
		}
		d.Terms = p.Terms
		d.ExpiresAt = p.ExpiresAt
	case ledger.KindDelegationPaused:
		d.Status = StatusPaused
	case ledger.KindDelegationResumed:
		d.Status = StatusActive
	case ledger.KindDelegationRevoked:
		d.Status = StatusRevoked
	case ledger.KindDelegationExpired:
		d.Status = StatusExpired
	case ledger.KindTransactionExecuted:
		var p struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode transaction payload: %w", err)
		}
		d.Utilized = d.Utilized.Add(p.Amount)
	case ledger.KindRepaymentRecorded:
		var p struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode repayment payload: %w", err)
		}
		d.Utilized = d.Utilized.Sub(p.Amount)
		if d.Utilized.IsNegative() {
			d.Utilized = decimal.Zero
		}
	}
	d.UpdatedAt = e.RecordedAt
	d.Version = e.Seq
	return nil
}

func (r *Registry) dispatch(ctx context.Context, eventType string, e *ledger.Event, payload map[string]string) {
	if r.dispatcher == nil {
		return
	}
	payload["event_id"] = e.ID.String()
	payload["seq"] = fmt.Sprintf("%d", e.Seq)
	r.dispatcher.Dispatch(ctx, eventType, payload)
}

// StatusError maps a non-active status to the matching sentinel error.
func StatusError(s Status) error {
	switch s {
	case StatusRevoked:
		return ErrRevoked
	case StatusExpired:
		return ErrExpired
	default:
		return ErrNotActive
	}
}
