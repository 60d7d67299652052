// Package ledger implements the append-only event log that is the source of
// truth for all delegation, transaction, position, and scoring state.
//
// Events are assigned strictly increasing sequence numbers; append is the
// single serialization point of the system. Every downstream projection is a
// deterministic fold over the event sequence, so replaying the log from empty
// state reproduces identical state — the recovery path after restart.
//
// The chain begins with a well-known genesis event whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent event records the SHA-256 of
// its predecessor, making any tampering detectable via Verify.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package ledger

import (
	"context"
	"errors"
)

// ErrDuplicateIdempotencyKey is returned by Append when the event carries an
// idempotency key that has already been committed.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already committed")

// ErrNotFound is returned when no event matches the requested sequence number
// or idempotency key.
var ErrNotFound = errors.New("ledger event not found")

// Store is the interface for the append-only event log.
// Both MemoryStore and PostgresStore implement this interface.
type Store interface {
	// Append commits an event to the log, assigning its sequence number,
	// event ID, timestamp, and chain hashes. Returns the assigned sequence.
	// Fails with ErrDuplicateIdempotencyKey when the event's non-empty
	// idempotency key was already committed.
	Append(ctx context.Context, e *Event) (int64, error)

	// ReadSince returns up to limit events with sequence number strictly
	// greater than afterSeq, in sequence order. limit ≤ 0 means no limit.
	ReadSince(ctx context.Context, afterSeq int64, limit int) ([]*Event, error)

	// Get returns the event at the given sequence number.
	Get(ctx context.Context, seq int64) (*Event, error)

	// ByIdempotencyKey returns the committed event carrying the given key,
	// or ErrNotFound.
	ByIdempotencyKey(ctx context.Context, key string) (*Event, error)

	// Head returns the sequence number of the most recent event
	// (0 when only the genesis event exists).
	Head(ctx context.Context) (int64, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent event (the chain tip).
	Root(ctx context.Context) (string, error)
}

// Applier consumes events in sequence order to build a projection.
// Registry, Executor projections, the scoring engine, and the leverage engine
// all implement Applier and are rebuilt via Replay on startup.
type Applier interface {
	Apply(e *Event) error
}

// replayBatch is the page size used when folding the log.
const replayBatch = 500

// Replay folds every committed event, in sequence order, through the given
// appliers. It returns the head sequence number reached. Appliers must be
// registered in dependency order (delegations before executor state, etc.).
func Replay(ctx context.Context, s Store, appliers ...Applier) (int64, error) {
	var after int64
	for {
		events, err := s.ReadSince(ctx, after, replayBatch)
		if err != nil {
			return after, err
		}
		if len(events) == 0 {
			return after, nil
		}
		for _, e := range events {
			for _, a := range appliers {
				if err := a.Apply(e); err != nil {
					return after, err
				}
			}
			after = e.Seq
		}
	}
}
