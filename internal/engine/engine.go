// Package engine is the single writer of the proof service. It owns the slot
// ledger, builds and self-checks merkle trees as slots are sealed, and emits
// proofs and retractions to the stream hub as finality changes.
//
// Every mutation and every read of engine state runs on the goroutine
// executing Run. Other goroutines reach it through Submit (inputs) and the
// query methods, which hand a closure to that goroutine and wait for it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmerrifield20/accountproof/internal/alarm"
	"github.com/jmerrifield20/accountproof/internal/emissionlog"
	"github.com/jmerrifield20/accountproof/internal/ingest"
	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit and the query methods once Run has returned.
var ErrStopped = errors.New("engine stopped")

// Config tunes the engine.
type Config struct {
	// QueueSize is the capacity of the input channel.
	QueueSize int
	// MonitoredAccounts are proven for every emitted slot whether or not
	// anyone is subscribed to them.
	MonitoredAccounts []merkle.Address
	// EmitNonInclusion emits a proof for every tracked address each slot.
	// When false only addresses written in the slot get a proof.
	EmitNonInclusion bool
	// TreeCacheSize bounds how many built trees are kept.
	TreeCacheSize int
	// RequireObservedRoot holds emission until the cluster's own root for
	// the slot has been observed and matched.
	RequireObservedRoot bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		QueueSize:        4096,
		EmitNonInclusion: true,
		TreeCacheSize:    128,
	}
}

// Deps are the engine's collaborators. Log and Alarms may be nil.
type Deps struct {
	Ledger *ledger.Ledger
	Hub    *stream.Hub
	Log    emissionlog.Log
	Alarms alarm.Notifier
}

type observation struct {
	blockHash merkle.Hash
	root      merkle.Hash
}

// built is what the engine remembers about a sealed version after its tree
// may have left the cache.
type built struct {
	root       merkle.Hash
	commitment merkle.Hash
	leaves     int
}

type slotTree struct {
	cs   ledger.ChangeSet
	tree *merkle.Tree
}

// Engine consumes ingest inputs. It implements ingest.Sink.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	ledger *ledger.Ledger
	hub    *stream.Hub
	log    emissionlog.Log
	alarms alarm.Notifier
	trees  *lru.Cache[ledger.RecordID, *slotTree]

	inputs  chan ingest.Input
	queries chan func()
	done    chan struct{}
	ctx     context.Context

	// Owned by the Run goroutine.
	monitored  map[merkle.Address]struct{}
	observed   map[uint64][]observation
	pending    map[uint64]ledger.Status
	emitted    map[ledger.RecordID]bool
	withheld   map[ledger.RecordID]bool
	builds     map[ledger.RecordID]built
	halted     map[uint64]*MismatchError
	overridden map[uint64]bool
	window     *commitment.Window

	statusMu sync.RWMutex
	status   proofstream.StatusResponse
}

var _ ingest.Sink = (*Engine)(nil)

// New creates an Engine. It does nothing until Run is called.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Ledger == nil || deps.Hub == nil {
		return nil, errors.New("engine requires a ledger and a hub")
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TreeCacheSize <= 0 {
		cfg.TreeCacheSize = def.TreeCacheSize
	}
	trees, err := lru.New[ledger.RecordID, *slotTree](cfg.TreeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tree cache: %w", err)
	}
	if deps.Alarms == nil {
		deps.Alarms = alarm.LogNotifier{Logger: logger.Named("alarm")}
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.Named("engine"),
		ledger:     deps.Ledger,
		hub:        deps.Hub,
		log:        deps.Log,
		alarms:     deps.Alarms,
		trees:      trees,
		inputs:     make(chan ingest.Input, cfg.QueueSize),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		monitored:  make(map[merkle.Address]struct{}),
		observed:   make(map[uint64][]observation),
		pending:    make(map[uint64]ledger.Status),
		emitted:    make(map[ledger.RecordID]bool),
		withheld:   make(map[ledger.RecordID]bool),
		builds:     make(map[ledger.RecordID]built),
		halted:     make(map[uint64]*MismatchError),
		overridden: make(map[uint64]bool),
	}
	for _, a := range cfg.MonitoredAccounts {
		e.monitored[a] = struct{}{}
	}
	e.refreshStatus()
	return e, nil
}

// Submit queues an input for the engine. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, in ingest.Input) error {
	select {
	case e.inputs <- in:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes inputs and queries until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer close(e.done)
	e.logger.Info("engine started",
		zap.Int("queue_size", e.cfg.QueueSize),
		zap.Int("monitored", len(e.monitored)),
	)
	for {
		select {
		case in := <-e.inputs:
			e.handle(in)
		case q := <-e.queries:
			e.drain()
			q()
		case <-ctx.Done():
			e.logger.Info("engine stopped", zap.Int("queued", len(e.inputs)))
			return ctx.Err()
		}
	}
}

// drain handles the inputs already queued so a query observes every input
// submitted before it.
func (e *Engine) drain() {
	for n := len(e.inputs); n > 0; n-- {
		e.handle(<-e.inputs)
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	q := func() {
		defer close(finished)
		fn()
	}
	select {
	case e.queries <- q:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (e *Engine) handle(in ingest.Input) {
	switch v := in.(type) {
	case ingest.AccountWrite:
		e.applyWrite(v.Update)
	case ingest.BlockMeta:
		e.applyBlock(v.Block)
	case ingest.StatusChange:
		e.applyStatus(v.Slot, v.Status)
	case ingest.ObservedRoot:
		e.applyObservedRoot(v)
	case ingest.WindowUpdate:
		e.applyWindow(v)
	default:
		e.logger.Warn("unknown input", zap.String("type", fmt.Sprintf("%T", in)))
	}
}

func (e *Engine) applyWrite(u ledger.Update) {
	_, err := e.ledger.SubmitUpdate(u)
	switch {
	case err == nil:
		metrics.RecordNotification("account", "accepted")
	case errors.Is(err, ledger.ErrStaleWrite):
		metrics.RecordNotification("account", "stale")
	case errors.Is(err, ledger.ErrSlotClosed):
		metrics.RecordNotification("account", "closed")
		e.logger.Debug("write to closed slot", zap.Uint64("slot", u.Slot), zap.Error(err))
	default:
		metrics.RecordNotification("account", "error")
		e.logger.Warn("account write rejected", zap.Uint64("slot", u.Slot), zap.Error(err))
	}
}

func (e *Engine) applyBlock(b ledger.Block) {
	id, err := e.ledger.ApplyBlock(b)
	if err != nil {
		metrics.RecordNotification("block", "closed")
		e.logger.Debug("block for closed slot", zap.Uint64("slot", b.Slot), zap.Error(err))
		return
	}
	metrics.RecordNotification("block", "accepted")
	if _, done := e.builds[id]; !done {
		e.seal(id)
		e.checkCommitment(id)
	}

	if st, ok := e.pending[b.Slot]; ok {
		delete(e.pending, b.Slot)
		e.applyStatus(b.Slot, st)
		return
	}
	e.tryEmit(id)
	e.refreshStatus()
}

func (e *Engine) applyStatus(slot uint64, status ledger.Status) {
	transitions, err := e.ledger.AdvanceStatus(slot, status)
	if errors.Is(err, ledger.ErrUnknownSlot) {
		// Finality can be reported before anything else about an empty slot.
		if status != ledger.StatusProcessed && e.pending[slot] < status {
			e.pending[slot] = status
		}
		metrics.RecordNotification("slot", "pending")
		return
	}
	metrics.RecordNotification("slot", "accepted")
	e.applyTransitions(transitions)

	if status == ledger.StatusRooted {
		e.applyTransitions(e.ledger.Prune())
		e.compact()
	}
	e.refreshStatus()
}

// applyTransitions retracts dropped versions before emitting promoted ones,
// matching the order the ledger reports them in.
func (e *Engine) applyTransitions(ts []ledger.Transition) {
	for _, t := range ts {
		switch t.To {
		case ledger.StatusDropped:
			e.retract(t)
		case ledger.StatusRooted:
			e.checkCommitment(t.Record)
			e.tryEmit(t.Record)
		case ledger.StatusConfirmed:
			e.tryEmit(t.Record)
		}
	}
}

func (e *Engine) applyObservedRoot(o ingest.ObservedRoot) {
	e.observed[o.Slot] = append(e.observed[o.Slot], observation{blockHash: o.BlockHash, root: o.Root})
	metrics.RecordNotification("root", "accepted")

	for _, rec := range e.ledger.Versions(o.Slot) {
		if rec.Status == ledger.StatusDropped || !rec.Sealed() {
			continue
		}
		if _, ok := e.builds[rec.ID]; !ok {
			continue
		}
		if e.checkRoot(rec) {
			e.tryEmit(rec.ID)
		}
	}
	e.refreshStatus()
}

func (e *Engine) applyWindow(w ingest.WindowUpdate) {
	e.window = w.Window
	metrics.RecordNotification("window", "accepted")
	// The window written in a slot lists its ancestors, never the slot
	// itself, so only rooted versions already held can be checked.
	rooted, ok := e.ledger.RootedSlot()
	if ok {
		for _, entry := range w.Window.Entries() {
			if entry.Slot > rooted {
				continue
			}
			for _, rec := range e.ledger.Versions(entry.Slot) {
				if rec.Status == ledger.StatusRooted {
					e.checkCommitment(rec.ID)
				}
			}
		}
	}
	e.refreshStatus()
}

// compact forgets per-version state the ledger no longer holds.
func (e *Engine) compact() {
	rooted, ok := e.ledger.RootedSlot()
	if !ok {
		return
	}
	for id := range e.builds {
		if _, held := e.ledger.Record(id); !held {
			delete(e.builds, id)
			delete(e.emitted, id)
			delete(e.withheld, id)
			e.trees.Remove(id)
		}
	}
	for slot := range e.observed {
		if slot < rooted && len(e.ledger.Versions(slot)) == 0 {
			delete(e.observed, slot)
		}
	}
	for slot := range e.pending {
		if slot <= rooted {
			delete(e.pending, slot)
		}
	}
	e.hub.Forget(rooted)
	metrics.SetRootedSlot(rooted)
}

func (e *Engine) refreshStatus() {
	s := proofstream.StatusResponse{HighestSlot: e.ledger.HighestSlot()}
	s.RootedSlot, _ = e.ledger.RootedSlot()
	for slot := range e.halted {
		s.Halted = append(s.Halted, slot)
	}
	sortSlots(s.Halted)
	if e.window != nil {
		s.Window = e.window.Entries()
	}

	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()

	metrics.SetLedgerRecords(e.ledger.Len())
	metrics.SetHaltedSlots(len(e.halted))
}
