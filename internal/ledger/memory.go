package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*Event
	keyIndex map[string]*Event
}

// NewMemoryStore creates a MemoryStore initialised with the canonical genesis
// event. The genesis event is at sequence 0 and its hash is GenesisHash.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{keyIndex: make(map[string]*Event)}
	genesis := &Event{
		Seq:        0,
		ID:         uuid.New(),
		Kind:       KindGenesis,
		RecordedAt: time.Now().UTC(),
		PrevHash:   GenesisHash,
		Hash:       GenesisHash, // genesis hash is the well-known constant, not computed
	}
	s.events = append(s.events, genesis)
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, ok := s.keyIndex[e.IdempotencyKey]; ok {
			return 0, ErrDuplicateIdempotencyKey
		}
	}

	prev := s.events[len(s.events)-1]
	e.Seq = prev.Seq + 1
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	e.PrevHash = prev.Hash
	e.Hash = hashEvent(e)

	s.events = append(s.events, e)
	if e.IdempotencyKey != "" {
		s.keyIndex[e.IdempotencyKey] = e
	}
	return e.Seq, nil
}

// ReadSince implements Store.
func (s *MemoryStore) ReadSince(_ context.Context, afterSeq int64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.Seq <= afterSeq || e.Kind == KindGenesis {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, seq int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 0 || seq >= int64(len(s.events)) {
		return nil, ErrNotFound
	}
	return s.events[seq], nil
}

// ByIdempotencyKey implements Store.
func (s *MemoryStore) ByIdempotencyKey(_ context.Context, key string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.keyIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[len(s.events)-1].Seq, nil
}

// Verify implements Store. It walks the chain and checks that all hashes are
// consistent. The genesis event (seq 0) is validated against GenesisHash.
func (s *MemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, curr := range s.events {
		if i == 0 {
			// Genesis: must equal the well-known constant.
			if curr.Hash != GenesisHash {
				return errGenesisHash(curr.Hash)
			}
			continue
		}

		prev := s.events[i-1]
		if curr.PrevHash != prev.Hash {
			return errChainBroken(curr.Seq)
		}
		if curr.Hash != hashEvent(curr) {
			return errBadHash(curr.Seq)
		}
	}
	return nil
}

// Root implements Store.
func (s *MemoryStore) Root(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[len(s.events)-1].Hash, nil
}
