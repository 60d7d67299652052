package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mandatefi/mandate/internal/ledger"
)

var ctx = context.Background()

func TestNewMemoryStore_genesisEvent(t *testing.T) {
	s := ledger.NewMemoryStore()

	head, err := s.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != 0 {
		t.Errorf("expected head 0 on genesis-only log, got %d", head)
	}

	e, err := s.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != ledger.KindGenesis {
		t.Errorf("expected kind genesis, got %q", e.Kind)
	}
	if e.Hash != ledger.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", e.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	s := ledger.NewMemoryStore()

	e1 := &ledger.Event{Kind: ledger.KindDelegationCreated, DelegationID: uuid.New()}
	seq1, err := s.Append(ctx, e1)
	if err != nil {
		t.Fatal(err)
	}
	if seq1 != 1 {
		t.Errorf("first append: got seq %d, want 1", seq1)
	}

	e2 := &ledger.Event{Kind: ledger.KindTransactionExecuted, DelegationID: e1.DelegationID}
	seq2, err := s.Append(ctx, e2)
	if err != nil {
		t.Fatal(err)
	}
	if seq2 != 2 {
		t.Errorf("second append: got seq %d, want 2", seq2)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
}

func TestAppend_duplicateIdempotencyKey(t *testing.T) {
	s := ledger.NewMemoryStore()

	first := &ledger.Event{Kind: ledger.KindTransactionExecuted, IdempotencyKey: "tx-001"}
	if _, err := s.Append(ctx, first); err != nil {
		t.Fatal(err)
	}

	dup := &ledger.Event{Kind: ledger.KindTransactionExecuted, IdempotencyKey: "tx-001"}
	if _, err := s.Append(ctx, dup); err != ledger.ErrDuplicateIdempotencyKey {
		t.Errorf("duplicate key: got err %v, want ErrDuplicateIdempotencyKey", err)
	}

	got, err := s.ByIdempotencyKey(ctx, "tx-001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != first.Seq {
		t.Errorf("ByIdempotencyKey returned seq %d, want %d", got.Seq, first.Seq)
	}
}

func TestReadSince_skipsGenesisAndHonorsLimit(t *testing.T) {
	s := ledger.NewMemoryStore()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, &ledger.Event{Kind: ledger.KindTransactionExecuted}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ReadSince(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("ReadSince(0): got %d events, want 5", len(events))
	}
	for _, e := range events {
		if e.Kind == ledger.KindGenesis {
			t.Error("ReadSince returned the genesis event")
		}
	}

	events, err = s.ReadSince(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("ReadSince(2, limit 2): got %d events, want 2", len(events))
	}
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("ReadSince(2): got seqs %d,%d, want 3,4", events[0].Seq, events[1].Seq)
	}
}

func TestVerify_valid(t *testing.T) {
	s := ledger.NewMemoryStore()
	_, _ = s.Append(ctx, &ledger.Event{Kind: ledger.KindDelegationCreated})
	_, _ = s.Append(ctx, &ledger.Event{Kind: ledger.KindTransactionExecuted})

	if err := s.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestVerify_genesisOnlyChain(t *testing.T) {
	s := ledger.NewMemoryStore()
	if err := s.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	s := ledger.NewMemoryStore()
	e := &ledger.Event{Kind: ledger.KindDelegationCreated}
	if _, err := s.Append(ctx, e); err != nil {
		t.Fatal(err)
	}

	root, err := s.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

// countingApplier records the sequence numbers it sees.
type countingApplier struct{ seqs []int64 }

func (a *countingApplier) Apply(e *ledger.Event) error {
	a.seqs = append(a.seqs, e.Seq)
	return nil
}

func TestReplay_foldsInOrder(t *testing.T) {
	s := ledger.NewMemoryStore()
	for i := 0; i < 7; i++ {
		if _, err := s.Append(ctx, &ledger.Event{Kind: ledger.KindTransactionExecuted}); err != nil {
			t.Fatal(err)
		}
	}

	a := &countingApplier{}
	head, err := ledger.Replay(ctx, s, a)
	if err != nil {
		t.Fatal(err)
	}
	if head != 7 {
		t.Errorf("Replay head: got %d, want 7", head)
	}
	if len(a.seqs) != 7 {
		t.Fatalf("applier saw %d events, want 7", len(a.seqs))
	}
	for i, seq := range a.seqs {
		if seq != int64(i+1) {
			t.Errorf("event %d applied out of order: seq %d", i, seq)
		}
	}
}
