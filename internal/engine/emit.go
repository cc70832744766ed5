package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/jmerrifield20/accountproof/internal/alarm"
	"github.com/jmerrifield20/accountproof/internal/emissionlog"
	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

// seal builds the tree of a freshly sealed version, records its commitment
// in the ledger and runs the root self-check.
func (e *Engine) seal(id ledger.RecordID) {
	st, err := e.buildTree(id)
	if err != nil {
		e.logger.Warn("cannot build sealed version", zap.Uint64("record", uint64(id)), zap.Error(err))
		return
	}
	c := commitment.Recompute(st.cs.Block.ParentBlockHash, st.tree.Root(), st.cs.Block.SignatureCount, st.cs.Block.BlockHash)
	e.ledger.SetCommitment(id, c)
	e.builds[id] = built{root: st.tree.Root(), commitment: c, leaves: st.tree.Len()}

	e.logger.Debug("slot sealed",
		zap.Uint64("slot", st.cs.Slot),
		zap.Uint64("record", uint64(id)),
		zap.Int("leaves", st.tree.Len()),
		zap.Stringer("root", st.tree.Root()),
	)
	if rec, ok := e.ledger.Record(id); ok {
		e.checkRoot(rec)
	}
}

func (e *Engine) buildTree(id ledger.RecordID) (*slotTree, error) {
	cs, err := e.ledger.Snapshot(id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	tree := merkle.Build(cs.Digests())
	metrics.ObserveTreeBuild(time.Since(start), tree.Len())

	st := &slotTree{cs: cs, tree: tree}
	e.trees.Add(id, st)
	return st, nil
}

// treeFor returns the cached tree of a version, rebuilding it on a miss.
func (e *Engine) treeFor(id ledger.RecordID) (*slotTree, error) {
	if st, ok := e.trees.Get(id); ok {
		return st, nil
	}
	return e.buildTree(id)
}

// checkRoot compares a sealed version's root with the observed root for its
// block. It returns true when an observation matched.
func (e *Engine) checkRoot(rec ledger.Record) bool {
	b, ok := e.builds[rec.ID]
	if !ok || e.overridden[rec.Slot] {
		return false
	}
	obs, ok := e.observation(rec)
	if !ok {
		return false
	}
	if obs != b.root {
		e.halt(&MismatchError{Kind: MismatchRoot, Slot: rec.Slot, Record: rec.ID, Expected: obs, Built: b.root})
		return false
	}
	return true
}

// observation finds the observed root for rec. An observation without a
// block hash applies only while the slot has a single sealed version.
func (e *Engine) observation(rec ledger.Record) (merkle.Hash, bool) {
	obs := e.observed[rec.Slot]
	for i := len(obs) - 1; i >= 0; i-- {
		if obs[i].blockHash == rec.Block.BlockHash {
			return obs[i].root, true
		}
	}
	sealed := 0
	for _, v := range e.ledger.Versions(rec.Slot) {
		if v.Sealed() && v.Status != ledger.StatusDropped {
			sealed++
		}
	}
	if sealed != 1 {
		return merkle.Hash{}, false
	}
	for i := len(obs) - 1; i >= 0; i-- {
		if obs[i].blockHash.IsZero() {
			return obs[i].root, true
		}
	}
	return merkle.Hash{}, false
}

// checkCommitment compares a rooted version's commitment with the window.
// Unrooted versions are skipped since a losing fork legitimately differs.
func (e *Engine) checkCommitment(id ledger.RecordID) {
	b, ok := e.builds[id]
	if !ok || e.window == nil {
		return
	}
	rec, ok := e.ledger.Record(id)
	if !ok || rec.Status != ledger.StatusRooted || e.overridden[rec.Slot] {
		return
	}
	if _, halted := e.halted[rec.Slot]; halted {
		return
	}
	want, ok := e.window.Lookup(rec.Slot)
	if ok && want != b.commitment {
		e.halt(&MismatchError{Kind: MismatchCommitment, Slot: rec.Slot, Record: id, Expected: want, Built: b.commitment})
	}
}

func (e *Engine) halt(m *MismatchError) {
	if _, already := e.halted[m.Slot]; already {
		return
	}
	m.At = time.Now().UTC()
	e.halted[m.Slot] = m
	metrics.RecordMismatch()
	metrics.SetHaltedSlots(len(e.halted))
	e.logger.Error("slot halted",
		zap.String("kind", m.Kind),
		zap.Uint64("slot", m.Slot),
		zap.Uint64("record", uint64(m.Record)),
		zap.Stringer("expected", m.Expected),
		zap.Stringer("built", m.Built),
	)
	e.alarms.Raise(e.ctx, alarm.Alarm{
		Type:      m.Kind,
		Slot:      m.Slot,
		Record:    uint64(m.Record),
		Expected:  m.Expected.String(),
		Built:     m.Built.String(),
		Message:   m.Error(),
		Timestamp: m.At,
	})
	e.refreshStatus()
}

// tryEmit publishes proofs for a version once it is both sealed and at
// least Confirmed. A version whose proofs the hub refused because another
// version's emission is still live stays withheld and is retried after the
// next retraction.
func (e *Engine) tryEmit(id ledger.RecordID) {
	if e.emitted[id] {
		return
	}
	rec, ok := e.ledger.Record(id)
	if !ok || !rec.Sealed() || !rec.Status.Finalized() {
		return
	}
	if _, halted := e.halted[rec.Slot]; halted {
		metrics.RecordEmissionRejected("halted")
		return
	}
	if e.cfg.RequireObservedRoot && !e.overridden[rec.Slot] {
		if _, ok := e.observation(rec); !ok {
			e.logger.Debug("awaiting observed root", zap.Uint64("slot", rec.Slot))
			return
		}
	}

	cs, err := e.ledger.FinalizeRecord(id)
	if err != nil {
		e.logger.Warn("finalize failed", zap.Uint64("slot", rec.Slot), zap.Error(err))
		return
	}
	st, err := e.treeFor(id)
	if err != nil {
		e.logger.Warn("tree unavailable", zap.Uint64("slot", rec.Slot), zap.Error(err))
		return
	}
	bundle := e.bundle(st)

	sent, blocked := 0, 0
	for _, addr := range e.targets(cs) {
		msg, err := message(st, bundle, addr)
		if err != nil {
			e.logger.Debug("no proof for address", zap.Stringer("address", addr), zap.Uint64("slot", rec.Slot), zap.Error(err))
			continue
		}
		switch e.publish(id, msg) {
		case published:
			sent++
		case blockedByLive:
			blocked++
		}
	}
	if blocked > 0 {
		e.withheld[id] = true
	} else {
		delete(e.withheld, id)
		e.emitted[id] = true
	}
	e.logger.Info("slot emitted",
		zap.Uint64("slot", rec.Slot),
		zap.Uint64("record", uint64(id)),
		zap.Stringer("status", rec.Status),
		zap.Int("proofs", sent),
		zap.Int("withheld", blocked),
	)
}

// retryWithheld re-runs tryEmit for withheld versions in slot order.
func (e *Engine) retryWithheld() {
	if len(e.withheld) == 0 {
		return
	}
	var recs []ledger.Record
	for id := range e.withheld {
		rec, ok := e.ledger.Record(id)
		if !ok || rec.Status == ledger.StatusDropped {
			delete(e.withheld, id)
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Slot != recs[j].Slot {
			return recs[i].Slot < recs[j].Slot
		}
		return recs[i].ID < recs[j].ID
	})
	for _, rec := range recs {
		e.tryEmit(rec.ID)
	}
}

func (e *Engine) bundle(st *slotTree) *proofstream.Bundle {
	b := st.cs.Block
	root := st.tree.Root()
	return &proofstream.Bundle{
		ParentCommitment: b.ParentBlockHash,
		Root:             root,
		SignatureCount:   b.SignatureCount,
		BlockHash:        b.BlockHash,
		Commitment:       commitment.Recompute(b.ParentBlockHash, root, b.SignatureCount, b.BlockHash),
	}
}

// targets returns the addresses to prove for cs in ascending order: the
// SlotHashes sysvar, monitored accounts and subscribed addresses.
func (e *Engine) targets(cs ledger.ChangeSet) []merkle.Address {
	set := map[merkle.Address]struct{}{account.SlotHashesAddress: {}}
	for a := range e.monitored {
		set[a] = struct{}{}
	}
	for _, a := range e.hub.Addresses() {
		if _, written := cs.Updates[a]; written || e.cfg.EmitNonInclusion {
			set[a] = struct{}{}
		}
	}
	out := make([]merkle.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func message(st *slotTree, bundle *proofstream.Bundle, addr merkle.Address) (*proofstream.Message, error) {
	p, err := proof.For(st.tree, addr, st.cs.Account)
	if err != nil {
		return nil, err
	}
	b := *bundle
	return &proofstream.Message{
		Slot:    st.cs.Slot,
		Kind:    proofstream.KindProof,
		Address: addr,
		Proof:   &p,
		Bundle:  &b,
		Warning: p.CostWarning(),
	}, nil
}

type publishResult int

const (
	published publishResult = iota
	alreadyLive
	blockedByLive
	refused
)

func (e *Engine) publish(id ledger.RecordID, msg *proofstream.Message) publishResult {
	err := e.hub.Publish(uint64(id), msg)
	res := refused
	switch {
	case err == nil:
		metrics.RecordEmission(proofstream.KindProof.String())
		e.appendLog(uint64(id), msg)
		return published
	case errors.Is(err, stream.ErrDuplicate):
		return alreadyLive
	case errors.Is(err, stream.ErrConflict):
		metrics.RecordEmissionRejected("conflict")
		res = blockedByLive
	case errors.Is(err, stream.ErrOutOfOrder):
		metrics.RecordEmissionRejected("out_of_order")
		res = blockedByLive
	default:
		metrics.RecordEmissionRejected("other")
	}
	e.logger.Warn("proof withheld", zap.Uint64("slot", msg.Slot), zap.Stringer("address", msg.Address), zap.Error(err))
	return res
}

// retract withdraws everything emitted from a dropped version and forgets it.
func (e *Engine) retract(t ledger.Transition) {
	for _, msg := range e.hub.RetractVersion(t.Slot, uint64(t.Record)) {
		metrics.RecordEmission(proofstream.KindRetract.String())
		e.appendLog(uint64(t.Record), msg)
	}
	if e.emitted[t.Record] {
		e.logger.Info("slot version retracted", zap.Uint64("slot", t.Slot), zap.Uint64("record", uint64(t.Record)))
	}
	delete(e.emitted, t.Record)
	delete(e.withheld, t.Record)
	delete(e.builds, t.Record)
	e.trees.Remove(t.Record)
	e.retryWithheld()
}

func (e *Engine) appendLog(version uint64, msg *proofstream.Message) {
	if e.log == nil {
		return
	}
	rec, err := emissionlog.RecordOf(version, msg)
	if err == nil {
		_, err = e.log.Append(e.ctx, rec)
	}
	if err != nil {
		e.logger.Error("emission log append failed", zap.Uint64("slot", msg.Slot), zap.Error(err))
		return
	}
	metrics.RecordEmissionLogAppend()
}

func sortSlots(s []uint64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
