package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

// VersionView describes one held version of a slot.
type VersionView struct {
	ledger.Record
	Root    *merkle.Hash `json:"root,omitempty"`
	Leaves  int          `json:"leaves"`
	Emitted bool         `json:"emitted"`
	// Withheld is set while proofs wait for another version's retraction.
	Withheld bool `json:"withheld,omitempty"`
}

// SlotView describes everything the engine holds for a slot.
type SlotView struct {
	Slot     uint64         `json:"slot"`
	Versions []VersionView  `json:"versions"`
	Halted   *MismatchError `json:"halted,omitempty"`
}

// Slot returns the held versions of slot. ledger.ErrUnknownSlot is returned
// when none are held.
func (e *Engine) Slot(ctx context.Context, slot uint64) (*SlotView, error) {
	var (
		view *SlotView
		err  error
	)
	if derr := e.do(ctx, func() {
		versions := e.ledger.Versions(slot)
		if len(versions) == 0 {
			err = fmt.Errorf("%w: %d", ledger.ErrUnknownSlot, slot)
			return
		}
		view = &SlotView{Slot: slot, Halted: e.halted[slot]}
		for _, r := range versions {
			v := VersionView{Record: r, Emitted: e.emitted[r.ID], Withheld: e.withheld[r.ID]}
			if b, ok := e.builds[r.ID]; ok {
				root := b.root
				v.Root, v.Leaves = &root, b.leaves
			}
			view.Versions = append(view.Versions, v)
		}
	}); derr != nil {
		return nil, derr
	}
	return view, err
}

// Proof builds a proof for addr against the finalized version of slot. It
// returns ledger.ErrNotFinalized until the slot is Confirmed and sealed, and
// ErrHalted while the slot is halted.
func (e *Engine) Proof(ctx context.Context, slot uint64, addr merkle.Address) (*proofstream.Message, error) {
	var (
		msg *proofstream.Message
		err error
	)
	if derr := e.do(ctx, func() {
		if m, halted := e.halted[slot]; halted {
			err = m
			return
		}
		var cs ledger.ChangeSet
		cs, err = e.ledger.FinalizeSnapshot(slot)
		if err != nil {
			return
		}
		var st *slotTree
		st, err = e.treeFor(cs.Record)
		if err != nil {
			return
		}
		msg, err = message(st, e.bundle(st), addr)
	}); derr != nil {
		return nil, derr
	}
	return msg, err
}

// Halted lists the halted slots in ascending order.
func (e *Engine) Halted(ctx context.Context) ([]MismatchError, error) {
	var out []MismatchError
	err := e.do(ctx, func() {
		for _, m := range e.halted {
			out = append(out, *m)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, err
}

// ClearHalt lifts the halt on slot. The slot is no longer self-checked and
// its finalized versions are emitted.
func (e *Engine) ClearHalt(ctx context.Context, slot uint64) error {
	var err error
	if derr := e.do(ctx, func() {
		m, ok := e.halted[slot]
		if !ok {
			err = fmt.Errorf("%w: %d", ErrNotHalted, slot)
			return
		}
		delete(e.halted, slot)
		e.overridden[slot] = true
		e.logger.Warn("halt cleared by operator", zap.Uint64("slot", slot), zap.String("kind", m.Kind))
		for _, r := range e.ledger.Versions(slot) {
			e.tryEmit(r.ID)
		}
		e.refreshStatus()
	}); derr != nil {
		return derr
	}
	return err
}

// Status returns the engine's position. It never blocks on the engine loop.
func (e *Engine) Status() *proofstream.StatusResponse {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	s := e.status
	s.Halted = append([]uint64(nil), e.status.Halted...)
	return &s
}
