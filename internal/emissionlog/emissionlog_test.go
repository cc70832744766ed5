package emissionlog_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/accountproof/internal/emissionlog"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
)

var ctx = context.Background()

func record(t *testing.T, slot uint64, kind proofstream.Kind) emissionlog.Record {
	t.Helper()
	var a merkle.Address
	a[0] = byte(slot)
	m := &proofstream.Message{Slot: slot, Kind: kind, Address: a}
	rec, err := emissionlog.RecordOf(7, m)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// backends runs fn against every Log implementation that needs no server.
func backends(t *testing.T, fn func(t *testing.T, l emissionlog.Log)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, emissionlog.NewMemory())
	})
	t.Run("leveldb", func(t *testing.T) {
		l, err := emissionlog.NewLevelDB(filepath.Join(t.TempDir(), "emissions"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { l.Close() })
		fn(t, l)
	})
}

func TestGenesisEntry(t *testing.T) {
	backends(t, func(t *testing.T, l emissionlog.Log) {
		n, err := l.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("expected 1 genesis entry, got %d", n)
		}
		root, err := l.Root(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if root != emissionlog.GenesisHash {
			t.Errorf("Root() on genesis-only: got %q, want GenesisHash", root)
		}
		if err := l.Verify(ctx); err != nil {
			t.Errorf("Verify() on genesis-only chain should pass: %v", err)
		}
	})
}

func TestAppend_chainsCorrectly(t *testing.T) {
	backends(t, func(t *testing.T, l emissionlog.Log) {
		e1, err := l.Append(ctx, record(t, 10, proofstream.KindProof))
		if err != nil {
			t.Fatal(err)
		}
		e2, err := l.Append(ctx, record(t, 10, proofstream.KindRetract))
		if err != nil {
			t.Fatal(err)
		}
		if e2.PrevHash != e1.Hash {
			t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
		}
		if e2.Kind != "retract" || e2.Slot != 10 || e2.Version != 7 {
			t.Errorf("unexpected record %+v", e2.Record)
		}

		root, _ := l.Root(ctx)
		if root != e2.Hash {
			t.Errorf("Root(): got %q, want %q", root, e2.Hash)
		}
		if err := l.Verify(ctx); err != nil {
			t.Errorf("Verify() failed on valid chain: %v", err)
		}

		got, err := l.Get(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got.Hash != e1.Hash {
			t.Errorf("Get(1): hash %q, want %q", got.Hash, e1.Hash)
		}
		if _, err := l.Get(ctx, 9); !errors.Is(err, emissionlog.ErrNotFound) {
			t.Errorf("Get(9): expected ErrNotFound, got %v", err)
		}
	})
}

func TestList_window(t *testing.T) {
	backends(t, func(t *testing.T, l emissionlog.Log) {
		for s := uint64(1); s <= 5; s++ {
			if _, err := l.Append(ctx, record(t, s, proofstream.KindProof)); err != nil {
				t.Fatal(err)
			}
		}
		page, err := l.List(ctx, 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 2 || page[0].Index != 2 || page[1].Index != 3 {
			t.Fatalf("unexpected page: %+v", page)
		}
		tail, _ := l.List(ctx, 5, 10)
		if len(tail) != 1 || tail[0].Slot != 5 {
			t.Errorf("unexpected tail page: %+v", tail)
		}
	})
}

func TestVerify_detectsTampering(t *testing.T) {
	l := emissionlog.NewMemory()
	_, _ = l.Append(ctx, record(t, 1, proofstream.KindProof))
	_, _ = l.Append(ctx, record(t, 2, proofstream.KindProof))

	e, _ := l.Get(ctx, 1)
	e.Slot = 99

	err := l.Verify(ctx)
	var chainErr *emissionlog.ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Verify() after rewrite: expected *ChainError, got %v", err)
	}
	if chainErr.Index != 1 {
		t.Errorf("broken index = %d, want 1", chainErr.Index)
	}
}

func TestVerify_detectsBrokenLink(t *testing.T) {
	l := emissionlog.NewMemory()
	_, _ = l.Append(ctx, record(t, 1, proofstream.KindProof))
	_, _ = l.Append(ctx, record(t, 2, proofstream.KindProof))

	e, _ := l.Get(ctx, 2)
	e.PrevHash = emissionlog.GenesisHash

	var chainErr *emissionlog.ChainError
	if err := l.Verify(ctx); !errors.As(err, &chainErr) || chainErr.Index != 2 {
		t.Errorf("expected chain error at index 2, got %v", err)
	}
}

func TestLevelDB_reopenKeepsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emissions")
	l, err := emissionlog.NewLevelDB(path)
	if err != nil {
		t.Fatal(err)
	}
	e, err := l.Append(ctx, record(t, 3, proofstream.KindProof))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = emissionlog.NewLevelDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	root, _ := l.Root(ctx)
	if root != e.Hash {
		t.Errorf("reopened root %q, want %q", root, e.Hash)
	}
	next, err := l.Append(ctx, record(t, 4, proofstream.KindProof))
	if err != nil {
		t.Fatal(err)
	}
	if next.Index != 2 || next.PrevHash != e.Hash {
		t.Errorf("append after reopen: index %d prev %q", next.Index, next.PrevHash)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() after reopen: %v", err)
	}
}
