package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/accountproof/internal/alarm"
	"github.com/jmerrifield20/accountproof/internal/emissionlog"
	"github.com/jmerrifield20/accountproof/internal/engine"
	"github.com/jmerrifield20/accountproof/internal/ingest"
	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alarms []alarm.Alarm
}

func (n *recordingNotifier) Raise(_ context.Context, a alarm.Alarm) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alarms = append(n.alarms, a)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alarms)
}

type harness struct {
	t      *testing.T
	engine *engine.Engine
	hub    *stream.Hub
	log    *emissionlog.MemoryLog
	alarms *recordingNotifier
}

func newHarness(t *testing.T, cfg engine.Config) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		t:      t,
		hub:    stream.NewHub(stream.DefaultConfig(), logger),
		log:    emissionlog.NewMemory(),
		alarms: &recordingNotifier{},
	}
	e, err := engine.New(cfg, engine.Deps{
		Ledger: ledger.New(ledger.DefaultConfig(), logger),
		Hub:    h.hub,
		Log:    h.log,
		Alarms: h.alarms,
	}, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func addr(b byte) merkle.Address {
	var a merkle.Address
	a[0] = b
	return a
}

func blockHash(tag string) merkle.Hash { return merkle.HashV([]byte(tag)) }

func (h *harness) submit(in ingest.Input) {
	h.t.Helper()
	if err := h.engine.Submit(context.Background(), in); err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
}

func (h *harness) write(slot, seq uint64, a merkle.Address, lamports uint64) {
	h.t.Helper()
	h.submit(ingest.AccountWrite{Update: ingest.Normalize(ingest.AccountNotification{
		Address:      a,
		Slot:         slot,
		WriteVersion: seq,
		Lamports:     lamports,
		Owner:        addr(0xEE),
	})})
}

func (h *harness) block(slot, parent uint64, hash, parentHash merkle.Hash) {
	h.t.Helper()
	h.submit(ingest.BlockMeta{Block: ledger.Block{
		Slot:            slot,
		ParentSlot:      parent,
		BlockHash:       hash,
		ParentBlockHash: parentHash,
		SignatureCount:  1,
	}})
}

func (h *harness) status(slot uint64, s ledger.Status) {
	h.t.Helper()
	h.submit(ingest.StatusChange{Slot: slot, Status: s})
}

// sync waits for every submitted input to be handled.
func (h *harness) sync() {
	h.t.Helper()
	if _, err := h.engine.Halted(context.Background()); err != nil {
		h.t.Fatalf("Halted: %v", err)
	}
}

func (h *harness) subscribe(addrs ...merkle.Address) *stream.Subscription {
	h.t.Helper()
	sub, err := h.hub.Subscribe(addrs)
	if err != nil {
		h.t.Fatalf("Subscribe: %v", err)
	}
	return sub
}

func next(t *testing.T, s *stream.Subscription) *proofstream.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return m
}

func expectNothing(t *testing.T, s *stream.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if m, err := s.Next(ctx); err == nil {
		t.Fatalf("unexpected message: slot %d kind %s", m.Slot, m.Kind)
	}
}

func checkProof(t *testing.T, m *proofstream.Message, slot uint64, include bool) {
	t.Helper()
	if m.Kind != proofstream.KindProof {
		t.Fatalf("slot %d: kind = %s, want proof", m.Slot, m.Kind)
	}
	if m.Slot != slot {
		t.Fatalf("slot = %d, want %d", m.Slot, slot)
	}
	if m.Proof.Includes() != include {
		t.Fatalf("slot %d: includes = %v, want %v", slot, m.Proof.Includes(), include)
	}
	if err := proof.Verify(*m.Proof, m.Bundle.Root); err != nil {
		t.Fatalf("slot %d: Verify: %v", slot, err)
	}
	b := m.Bundle
	if got := commitment.Recompute(b.ParentCommitment, b.Root, b.SignatureCount, b.BlockHash); got != b.Commitment {
		t.Fatalf("slot %d: commitment %s does not recompute (%s)", slot, b.Commitment, got)
	}
}

func checkRetract(t *testing.T, m *proofstream.Message, slot uint64) {
	t.Helper()
	if m.Kind != proofstream.KindRetract || m.Slot != slot {
		t.Fatalf("got %s for slot %d, want retract for slot %d", m.Kind, m.Slot, slot)
	}
}

func TestEngine_EmitsOnConfirmation(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(1), 100)
	h.write(1, 1, addr(2), 200)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.sync()
	expectNothing(t, sub)

	h.status(1, ledger.StatusConfirmed)
	m := next(t, sub)
	checkProof(t, m, 1, true)
	if m.Proof.Inclusion.Account.Lamports != 100 {
		t.Errorf("lamports = %d, want 100", m.Proof.Inclusion.Account.Lamports)
	}

	// Rooting the same version emits nothing new.
	h.status(1, ledger.StatusRooted)
	h.sync()
	expectNothing(t, sub)
}

func TestEngine_EmitsNonInclusion(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(9))

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusConfirmed)

	checkProof(t, next(t, sub), 1, false)
}

func TestEngine_SkipsNonInclusionWhenDisabled(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.EmitNonInclusion = false
	h := newHarness(t, cfg)
	sub := h.subscribe(addr(9))

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusConfirmed)
	h.sync()
	expectNothing(t, sub)
}

func TestEngine_RetractsDroppedFork(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(2), 1)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})

	// Slot 2 is confirmed, then slot 3 on a sibling fork is rooted.
	h.write(2, 1, addr(1), 20)
	h.block(2, 1, blockHash("b2"), blockHash("c1"))
	h.status(2, ledger.StatusConfirmed)

	checkProof(t, next(t, sub), 1, false)
	checkProof(t, next(t, sub), 2, true)

	h.write(3, 1, addr(1), 30)
	h.block(3, 1, blockHash("b3"), blockHash("c1"))
	h.status(3, ledger.StatusRooted)

	checkRetract(t, next(t, sub), 2)
	m := next(t, sub)
	checkProof(t, m, 3, true)
	if m.Proof.Inclusion.Account.Lamports != 30 {
		t.Errorf("lamports = %d, want 30", m.Proof.Inclusion.Account.Lamports)
	}
}

func TestEngine_DuplicateSlotVersion(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(2), 1)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.write(2, 1, addr(1), 20)
	h.block(2, 1, blockHash("b2"), blockHash("c1"))
	h.status(2, ledger.StatusConfirmed)

	checkProof(t, next(t, sub), 1, false)
	first := next(t, sub)
	checkProof(t, first, 2, true)

	// A second block for slot 2 is produced and becomes the rooted one.
	h.write(2, 2, addr(1), 21)
	h.block(2, 1, blockHash("b2-dup"), blockHash("c1"))
	h.status(2, ledger.StatusRooted)

	checkRetract(t, next(t, sub), 2)
	second := next(t, sub)
	checkProof(t, second, 2, true)
	if second.Bundle.BlockHash != blockHash("b2-dup") {
		t.Errorf("block hash = %s, want the duplicate's", second.Bundle.BlockHash)
	}
	if second.Bundle.Root == first.Bundle.Root {
		t.Error("duplicate version reused the first version's root")
	}
}

func TestEngine_ConfirmedDuplicateEmitsAfterRetraction(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(2), 1)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.write(2, 1, addr(1), 20)
	h.block(2, 1, blockHash("b2"), blockHash("c1"))
	h.status(2, ledger.StatusConfirmed)

	checkProof(t, next(t, sub), 1, false)
	checkProof(t, next(t, sub), 2, true)

	// The duplicate is confirmed while the first version's proof is live, so
	// its proof has to wait for the retraction.
	h.write(2, 2, addr(1), 21)
	h.block(2, 1, blockHash("b2-dup"), blockHash("c1"))
	h.status(2, ledger.StatusConfirmed)
	h.sync()
	expectNothing(t, sub)

	view, err := h.engine.Slot(context.Background(), 2)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	withheld := 0
	for _, v := range view.Versions {
		if v.Withheld {
			withheld++
		}
	}
	if withheld != 1 {
		t.Errorf("withheld versions = %d, want 1", withheld)
	}

	h.status(2, ledger.StatusRooted)
	checkRetract(t, next(t, sub), 2)
	m := next(t, sub)
	checkProof(t, m, 2, true)
	if m.Bundle.BlockHash != blockHash("b2-dup") {
		t.Errorf("block hash = %s, want the duplicate's", m.Bundle.BlockHash)
	}
	if m.Proof.Inclusion.Account.Lamports != 21 {
		t.Errorf("lamports = %d, want 21", m.Proof.Inclusion.Account.Lamports)
	}
	expectNothing(t, sub)

	view, err = h.engine.Slot(context.Background(), 2)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	for _, v := range view.Versions {
		if v.Record.Status == ledger.StatusRooted && !v.Emitted {
			t.Errorf("rooted version %d not marked emitted", v.Record.ID)
		}
	}
}

func TestEngine_LowerSiblingEmitsAfterRetraction(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(2), 1)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})

	h.write(3, 1, addr(1), 30)
	h.block(3, 1, blockHash("b3"), blockHash("c1"))
	h.status(3, ledger.StatusConfirmed)
	checkProof(t, next(t, sub), 1, false)
	checkProof(t, next(t, sub), 3, true)

	// Slot 2 forks off slot 1. Its proof cannot follow slot 3's on the
	// stream until slot 3 is retracted.
	h.write(2, 1, addr(1), 20)
	h.block(2, 1, blockHash("b2"), blockHash("c1"))
	h.status(2, ledger.StatusConfirmed)
	h.sync()
	expectNothing(t, sub)

	h.status(2, ledger.StatusRooted)
	checkRetract(t, next(t, sub), 3)
	m := next(t, sub)
	checkProof(t, m, 2, true)
	if m.Proof.Inclusion.Account.Lamports != 20 {
		t.Errorf("lamports = %d, want 20", m.Proof.Inclusion.Account.Lamports)
	}
}

func TestEngine_PendingStatusForUnknownSlot(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.status(5, ledger.StatusConfirmed)
	h.write(5, 1, addr(1), 50)
	h.sync()
	expectNothing(t, sub)

	h.block(5, 4, blockHash("b5"), merkle.Hash{})
	checkProof(t, next(t, sub), 5, true)
}

func TestEngine_RootMismatchHalts(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(1), 100)
	h.submit(ingest.ObservedRoot{Slot: 1, BlockHash: blockHash("b1"), Root: merkle.HashV([]byte("wrong"))})
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusConfirmed)
	h.sync()
	expectNothing(t, sub)

	halted, err := h.engine.Halted(context.Background())
	if err != nil {
		t.Fatalf("Halted: %v", err)
	}
	if len(halted) != 1 || halted[0].Slot != 1 || halted[0].Kind != engine.MismatchRoot {
		t.Fatalf("halted = %+v, want one root mismatch at slot 1", halted)
	}
	if h.alarms.count() != 1 {
		t.Errorf("alarms = %d, want 1", h.alarms.count())
	}
	if st := h.engine.Status(); len(st.Halted) != 1 || st.Halted[0] != 1 {
		t.Errorf("status halted = %v, want [1]", st.Halted)
	}

	_, err = h.engine.Proof(context.Background(), 1, addr(1))
	if !errors.Is(err, engine.ErrHalted) {
		t.Fatalf("Proof error = %v, want ErrHalted", err)
	}
	var mismatch *engine.MismatchError
	if !errors.As(err, &mismatch) || mismatch.Slot != 1 {
		t.Errorf("Proof error = %v, want a MismatchError for slot 1", err)
	}

	if err := h.engine.ClearHalt(context.Background(), 1); err != nil {
		t.Fatalf("ClearHalt: %v", err)
	}
	checkProof(t, next(t, sub), 1, true)

	if err := h.engine.ClearHalt(context.Background(), 1); !errors.Is(err, engine.ErrNotHalted) {
		t.Errorf("second ClearHalt = %v, want ErrNotHalted", err)
	}
}

func TestEngine_MatchingObservedRoot(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.RequireObservedRoot = true
	h := newHarness(t, cfg)
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusConfirmed)
	h.sync()
	expectNothing(t, sub)

	view, err := h.engine.Slot(context.Background(), 1)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	if len(view.Versions) != 1 || view.Versions[0].Root == nil {
		t.Fatalf("versions = %+v, want one built version", view.Versions)
	}
	if view.Versions[0].Emitted {
		t.Error("version emitted before its root was observed")
	}

	// An observation without a block hash applies to the only sealed version.
	h.submit(ingest.ObservedRoot{Slot: 1, Root: *view.Versions[0].Root})
	checkProof(t, next(t, sub), 1, true)

	halted, _ := h.engine.Halted(context.Background())
	if len(halted) != 0 {
		t.Errorf("halted = %+v, want none", halted)
	}
}

func TestEngine_CommitmentMismatchHalts(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusRooted)
	h.submit(ingest.WindowUpdate{Slot: 2, Window: commitment.WindowOf([]commitment.Entry{
		{Slot: 1, Commitment: merkle.HashV([]byte("not it"))},
	})})
	h.sync()

	halted, err := h.engine.Halted(context.Background())
	if err != nil {
		t.Fatalf("Halted: %v", err)
	}
	if len(halted) != 1 || halted[0].Kind != engine.MismatchCommitment {
		t.Fatalf("halted = %+v, want one commitment mismatch", halted)
	}
	if h.alarms.count() != 1 {
		t.Errorf("alarms = %d, want 1", h.alarms.count())
	}
}

func TestEngine_MatchingCommitment(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusRooted)

	msg, err := h.engine.Proof(context.Background(), 1, addr(1))
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	h.submit(ingest.WindowUpdate{Slot: 2, Window: commitment.WindowOf([]commitment.Entry{
		{Slot: 1, Commitment: msg.Bundle.Commitment},
	})})
	h.sync()

	halted, _ := h.engine.Halted(context.Background())
	if len(halted) != 0 {
		t.Errorf("halted = %+v, want none", halted)
	}
	if st := h.engine.Status(); len(st.Window) != 1 || st.RootedSlot != 1 {
		t.Errorf("status = %+v, want rooted slot 1 and one window entry", st)
	}
}

func TestEngine_ProofQuery(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	ctx := context.Background()

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})

	if _, err := h.engine.Proof(ctx, 1, addr(1)); !errors.Is(err, ledger.ErrNotFinalized) {
		t.Fatalf("Proof before confirmation = %v, want ErrNotFinalized", err)
	}

	h.status(1, ledger.StatusConfirmed)
	msg, err := h.engine.Proof(ctx, 1, addr(1))
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	checkProof(t, msg, 1, true)

	msg, err = h.engine.Proof(ctx, 1, addr(7))
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	checkProof(t, msg, 1, false)

	if _, err := h.engine.Slot(ctx, 99); !errors.Is(err, ledger.ErrUnknownSlot) {
		t.Errorf("Slot(99) = %v, want ErrUnknownSlot", err)
	}
}

func TestEngine_AppendsEmissionLog(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig())
	ctx := context.Background()
	sub := h.subscribe(addr(1))

	h.write(1, 1, addr(1), 100)
	h.block(1, 0, blockHash("b1"), merkle.Hash{})
	h.status(1, ledger.StatusConfirmed)
	next(t, sub)
	h.sync()

	entries, err := h.log.List(ctx, 1, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Address == addr(1).String() && e.Slot == 1 && e.Kind == proofstream.KindProof.String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("no log entry for the emitted proof in %+v", entries)
	}
	if err := h.log.Verify(ctx); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestEngine_StoppedEngine(t *testing.T) {
	logger := zap.NewNop()
	e, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Ledger: ledger.New(ledger.DefaultConfig(), logger),
		Hub:    stream.NewHub(stream.DefaultConfig(), logger),
	}, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if _, err := e.Halted(context.Background()); !errors.Is(err, engine.ErrStopped) {
		t.Errorf("Halted after stop = %v, want ErrStopped", err)
	}
}

func TestNew_RequiresLedgerAndHub(t *testing.T) {
	if _, err := engine.New(engine.DefaultConfig(), engine.Deps{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing deps")
	}
}
