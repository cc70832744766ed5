// Package ledger is the fork-aware buffer of per-slot account writes.
//
// Every slot version lives in an arena keyed by RecordID with an explicit
// parent index. Several versions may exist for one slot number while forks
// are unresolved; rooting a version drops every record that cannot be on the
// rooted chain.
//
// A Ledger is not safe for concurrent use. It is owned by the engine's single
// writer goroutine; everything it hands out (Record, ChangeSet) is a copy.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"go.uber.org/zap"
)

var (
	// ErrStaleWrite is returned when a write does not advance the address's
	// write sequence within its slot. Callers treat it as a no-op.
	ErrStaleWrite = errors.New("stale write")

	// ErrNotFinalized is returned when a snapshot is requested for a version
	// that is not yet Confirmed, has no block metadata, or was dropped.
	ErrNotFinalized = errors.New("slot not finalized")

	// ErrUnknownSlot is returned when no live version exists for a slot.
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrSlotClosed is returned for writes at or below the rooted tip or
	// older than the fork window.
	ErrSlotClosed = errors.New("slot closed")
)

// Config bounds the ledger window.
type Config struct {
	// RetentionDepth is how many slots of rooted history are kept behind the
	// rooted tip.
	RetentionDepth uint64
	// MaxForkDepth is how far behind the highest observed slot an unrooted
	// version may lag before it is abandoned.
	MaxForkDepth uint64
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{RetentionDepth: 64, MaxForkDepth: 256}
}

// Ledger is the slot arena.
type Ledger struct {
	cfg    Config
	logger *zap.Logger

	nextID  RecordID
	records map[RecordID]*record
	bySlot  map[uint64][]RecordID

	rooted  RecordID
	highest uint64
}

// New creates an empty ledger.
func New(cfg Config, logger *zap.Logger) *Ledger {
	if cfg.RetentionDepth == 0 {
		cfg.RetentionDepth = DefaultConfig().RetentionDepth
	}
	if cfg.MaxForkDepth == 0 {
		cfg.MaxForkDepth = DefaultConfig().MaxForkDepth
	}
	return &Ledger{
		cfg:     cfg,
		logger:  logger.Named("ledger"),
		records: make(map[RecordID]*record),
		bySlot:  make(map[uint64][]RecordID),
	}
}

// SubmitUpdate records an account write in the slot's open version, creating
// a Processed version when none is open. A write whose sequence does not
// exceed the one already held for the address returns ErrStaleWrite.
func (l *Ledger) SubmitUpdate(u Update) (RecordID, error) {
	if err := l.checkOpen(u.Slot); err != nil {
		return 0, err
	}
	rec := l.openVersion(u.Slot)
	if prev, ok := rec.writes[u.Address]; ok && prev.WriteSequence >= u.WriteSequence {
		return rec.id, fmt.Errorf("%w: %s seq %d <= %d at slot %d",
			ErrStaleWrite, u.Address, u.WriteSequence, prev.WriteSequence, u.Slot)
	}
	rec.writes[u.Address] = u
	return rec.id, nil
}

// ApplyBlock seals the slot's open version with its block metadata. Metadata
// repeated for an already sealed version with the same block hash is a no-op.
func (l *Ledger) ApplyBlock(b Block) (RecordID, error) {
	for _, id := range l.bySlot[b.Slot] {
		rec := l.records[id]
		if rec.block != nil && rec.block.BlockHash == b.BlockHash && rec.status != StatusDropped {
			return rec.id, nil
		}
	}
	if err := l.checkOpen(b.Slot); err != nil {
		return 0, err
	}
	rec := l.openVersion(b.Slot)
	blk := b
	rec.block = &blk
	l.resolveParent(rec)
	return rec.id, nil
}

// SetCommitment stores the recomputed commitment of a version. It is used to
// pick the right parent when a slot has duplicate versions.
func (l *Ledger) SetCommitment(id RecordID, c merkle.Hash) {
	if rec, ok := l.records[id]; ok {
		rec.commitment = c
	}
}

// AdvanceStatus moves the live version of slot forward to status. Transitions
// are forward-only; a target at or below the current status is a no-op.
// Confirming or rooting a version applies the same status to its unresolved
// ancestors. Rooting resolves forks. The returned transitions list drops
// first, then promotions, each in ascending slot order.
func (l *Ledger) AdvanceStatus(slot uint64, status Status) ([]Transition, error) {
	rec := l.liveVersion(slot)
	if rec == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	return l.advance(rec, status), nil
}

// AdvanceRecord is AdvanceStatus for one specific version.
func (l *Ledger) AdvanceRecord(id RecordID, status Status) ([]Transition, error) {
	rec, ok := l.records[id]
	if !ok || rec.status == StatusDropped {
		return nil, fmt.Errorf("%w: record %d", ErrUnknownSlot, id)
	}
	return l.advance(rec, status), nil
}

func (l *Ledger) advance(rec *record, status Status) []Transition {
	if status == StatusDropped {
		if rec.status == StatusRooted {
			return nil
		}
		var drops []Transition
		l.drop(rec, &drops)
		l.dropOrphans(&drops)
		sortTransitions(drops)
		return drops
	}

	if rec.status >= status {
		return nil
	}

	var promos []Transition
	for _, a := range l.ancestry(rec) {
		if a.status < status {
			promos = append(promos, Transition{Record: a.id, Slot: a.slot, From: a.status, To: status})
			a.status = status
		}
	}
	sortTransitions(promos)

	if status != StatusRooted {
		return promos
	}

	drops := l.resolveForks(rec)
	return append(drops, promos...)
}

// FinalizeSnapshot returns the change-set of the finalized version of slot.
func (l *Ledger) FinalizeSnapshot(slot uint64) (ChangeSet, error) {
	var best *record
	for _, id := range l.bySlot[slot] {
		rec := l.records[id]
		if rec.status.Finalized() && rec.block != nil {
			if best == nil || rec.status > best.status || (rec.status == best.status && rec.id > best.id) {
				best = rec
			}
		}
	}
	if best == nil {
		return ChangeSet{}, fmt.Errorf("%w: slot %d", ErrNotFinalized, slot)
	}
	return best.snapshot(), nil
}

// FinalizeRecord returns the change-set of one specific version.
func (l *Ledger) FinalizeRecord(id RecordID) (ChangeSet, error) {
	rec, ok := l.records[id]
	if !ok {
		return ChangeSet{}, fmt.Errorf("%w: record %d not held", ErrNotFinalized, id)
	}
	switch {
	case rec.status == StatusDropped:
		return ChangeSet{}, fmt.Errorf("%w: record %d (slot %d) dropped", ErrNotFinalized, id, rec.slot)
	case !rec.status.Finalized():
		return ChangeSet{}, fmt.Errorf("%w: record %d (slot %d) is %s", ErrNotFinalized, id, rec.slot, rec.status)
	case rec.block == nil:
		return ChangeSet{}, fmt.Errorf("%w: record %d (slot %d) has no block metadata", ErrNotFinalized, id, rec.slot)
	}
	return rec.snapshot(), nil
}

// Snapshot returns the change-set of a sealed version whatever its finality.
// A sealed version takes no further writes, so its tree is already fixed.
func (l *Ledger) Snapshot(id RecordID) (ChangeSet, error) {
	rec, ok := l.records[id]
	if !ok || rec.status == StatusDropped {
		return ChangeSet{}, fmt.Errorf("%w: record %d", ErrUnknownSlot, id)
	}
	if rec.block == nil {
		return ChangeSet{}, fmt.Errorf("%w: record %d (slot %d) has no block metadata", ErrNotFinalized, id, rec.slot)
	}
	return rec.snapshot(), nil
}

// Prune evicts rooted records older than the retention depth, dropped
// records below the rooted tip, and abandons unrooted versions older than
// the fork window. Abandoned versions are reported as drops.
func (l *Ledger) Prune() []Transition {
	var drops []Transition
	if l.highest > l.cfg.MaxForkDepth {
		horizon := l.highest - l.cfg.MaxForkDepth
		for slot, ids := range l.bySlot {
			if slot >= horizon {
				continue
			}
			for _, id := range ids {
				rec := l.records[id]
				if rec.status != StatusRooted && rec.status != StatusDropped {
					l.drop(rec, &drops)
				}
			}
		}
		if len(drops) > 0 {
			l.dropOrphans(&drops)
		}
	}

	rootSlot, ok := l.RootedSlot()
	if ok {
		var cutoff uint64
		if rootSlot > l.cfg.RetentionDepth {
			cutoff = rootSlot - l.cfg.RetentionDepth
		}
		for slot, ids := range l.bySlot {
			keep := ids[:0]
			for _, id := range ids {
				rec := l.records[id]
				evict := (rec.status == StatusRooted && slot < cutoff) ||
					(rec.status == StatusDropped && slot <= rootSlot)
				if evict && id != l.rooted {
					delete(l.records, id)
					continue
				}
				keep = append(keep, id)
			}
			if len(keep) == 0 {
				delete(l.bySlot, slot)
			} else {
				l.bySlot[slot] = keep
			}
		}
	}

	sortTransitions(drops)
	if len(drops) > 0 {
		l.logger.Debug("abandoned stale fork versions", zap.Int("count", len(drops)))
	}
	return drops
}

// Record returns a view of one version.
func (l *Ledger) Record(id RecordID) (Record, bool) {
	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.view(), true
}

// Versions returns every held version of slot in creation order.
func (l *Ledger) Versions(slot uint64) []Record {
	ids := l.bySlot[slot]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.records[id].view())
	}
	return out
}

// RootedSlot returns the slot of the rooted tip.
func (l *Ledger) RootedSlot() (uint64, bool) {
	if rec, ok := l.records[l.rooted]; ok {
		return rec.slot, true
	}
	return 0, false
}

// HighestSlot returns the highest slot any notification referenced.
func (l *Ledger) HighestSlot() uint64 { return l.highest }

// Len returns the number of versions held.
func (l *Ledger) Len() int { return len(l.records) }

func (l *Ledger) checkOpen(slot uint64) error {
	if rootSlot, ok := l.RootedSlot(); ok && slot <= rootSlot {
		return fmt.Errorf("%w: %d at or below rooted slot %d", ErrSlotClosed, slot, rootSlot)
	}
	if l.highest > l.cfg.MaxForkDepth && slot < l.highest-l.cfg.MaxForkDepth {
		return fmt.Errorf("%w: %d older than fork window", ErrSlotClosed, slot)
	}
	return nil
}

// openVersion returns the unsealed live version of slot, creating one.
func (l *Ledger) openVersion(slot uint64) *record {
	ids := l.bySlot[slot]
	for i := len(ids) - 1; i >= 0; i-- {
		rec := l.records[ids[i]]
		if rec.block == nil && rec.status != StatusDropped {
			return rec
		}
	}
	l.nextID++
	rec := &record{
		id:     l.nextID,
		slot:   slot,
		status: StatusProcessed,
		writes: make(map[merkle.Address]Update),
	}
	l.records[rec.id] = rec
	l.bySlot[slot] = append(ids, rec.id)
	if slot > l.highest {
		l.highest = slot
	}
	return rec
}

// liveVersion picks the version a slot status refers to: the newest
// non-dropped version, preferring sealed ones.
func (l *Ledger) liveVersion(slot uint64) *record {
	var unsealed *record
	ids := l.bySlot[slot]
	for i := len(ids) - 1; i >= 0; i-- {
		rec := l.records[ids[i]]
		if rec.status == StatusDropped {
			continue
		}
		if rec.block != nil {
			return rec
		}
		if unsealed == nil {
			unsealed = rec
		}
	}
	return unsealed
}

func (l *Ledger) resolveParent(rec *record) *record {
	if rec.parent != 0 {
		if p, ok := l.records[rec.parent]; ok {
			return p
		}
		return nil
	}
	if rec.block == nil {
		return nil
	}
	var candidates []*record
	for _, id := range l.bySlot[rec.block.ParentSlot] {
		p := l.records[id]
		if p.status != StatusDropped && p.block != nil {
			candidates = append(candidates, p)
		}
	}
	var parent *record
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		parent = candidates[0]
	default:
		for _, c := range candidates {
			if c.commitment == rec.block.ParentBlockHash {
				parent = c
				break
			}
		}
		if parent == nil {
			return nil
		}
	}
	rec.parent = parent.id
	return parent
}

// ancestry returns rec and its held ancestors, oldest first.
func (l *Ledger) ancestry(rec *record) []*record {
	chain := []*record{rec}
	for cur := rec; ; {
		p := l.resolveParent(cur)
		if p == nil || p.status == StatusDropped {
			break
		}
		chain = append(chain, p)
		cur = p
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// resolveForks drops every record incompatible with root being rooted.
func (l *Ledger) resolveForks(root *record) []Transition {
	onChain := make(map[RecordID]bool)
	chainSlots := make(map[uint64]bool)
	for _, a := range l.ancestry(root) {
		onChain[a.id] = true
		chainSlots[a.slot] = true
	}

	var drops []Transition
	for slot, ids := range l.bySlot {
		if slot > root.slot {
			continue
		}
		for _, id := range ids {
			rec := l.records[id]
			if !onChain[id] && rec.status != StatusDropped && rec.status != StatusRooted {
				l.drop(rec, &drops)
			}
		}
	}

	// Versions above the root whose parent lies at or below it but off the
	// rooted chain can never become rooted either.
	for _, rec := range l.sortedFrom(root.slot + 1) {
		if rec.status == StatusDropped || rec.block == nil {
			continue
		}
		ps := rec.block.ParentSlot
		if ps <= root.slot && !chainSlots[ps] && len(l.bySlot[ps]) > 0 {
			l.drop(rec, &drops)
		}
	}
	l.dropOrphans(&drops)

	l.rooted = root.id
	sortTransitions(drops)
	if len(drops) > 0 {
		l.logger.Info("fork resolved",
			zap.Uint64("rooted_slot", root.slot),
			zap.Uint64("record", uint64(root.id)),
			zap.Int("dropped", len(drops)),
		)
	}
	return drops
}

// dropOrphans drops every version whose parent has been dropped, or whose
// parent slot is held only by dropped versions.
func (l *Ledger) dropOrphans(drops *[]Transition) {
	for _, rec := range l.sortedFrom(0) {
		if rec.status == StatusDropped || rec.status == StatusRooted {
			continue
		}
		if rec.parent != 0 {
			if p, ok := l.records[rec.parent]; ok && p.status == StatusDropped {
				l.drop(rec, drops)
			}
			continue
		}
		if rec.block != nil && l.allDropped(rec.block.ParentSlot) {
			l.drop(rec, drops)
		}
	}
}

func (l *Ledger) allDropped(slot uint64) bool {
	ids := l.bySlot[slot]
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if l.records[id].status != StatusDropped {
			return false
		}
	}
	return true
}

func (l *Ledger) drop(rec *record, drops *[]Transition) {
	*drops = append(*drops, Transition{Record: rec.id, Slot: rec.slot, From: rec.status, To: StatusDropped})
	rec.status = StatusDropped
	rec.writes = nil
}

// sortedFrom returns held records with slot >= min in ascending slot order.
func (l *Ledger) sortedFrom(min uint64) []*record {
	var out []*record
	for slot, ids := range l.bySlot {
		if slot < min {
			continue
		}
		for _, id := range ids {
			out = append(out, l.records[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].slot != out[j].slot {
			return out[i].slot < out[j].slot
		}
		return out[i].id < out[j].id
	})
	return out
}

func (r *record) snapshot() ChangeSet {
	cs := ChangeSet{
		Record:  r.id,
		Slot:    r.slot,
		Status:  r.status,
		Block:   *r.block,
		Updates: make(map[merkle.Address]Update, len(r.writes)),
	}
	for a, u := range r.writes {
		if u.Account != nil {
			st := *u.Account
			st.Data = append([]byte(nil), u.Account.Data...)
			u.Account = &st
		}
		cs.Updates[a] = u
	}
	return cs
}

func sortTransitions(ts []Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Slot != ts[j].Slot {
			return ts[i].Slot < ts[j].Slot
		}
		return ts[i].Record < ts[j].Record
	})
}
