package ingest

import (
	"context"
	"sync"

	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"go.uber.org/zap"
)

// sigHorizon bounds how long signature counts are kept for slots whose block
// metadata never arrives.
const sigHorizon = 1024

// Sink accepts normalized inputs. The engine implements it.
type Sink interface {
	Submit(ctx context.Context, in Input) error
}

// Ingestor is safe for concurrent use by the validator's notification threads.
type Ingestor struct {
	sink   Sink
	gate   *Gate
	logger *zap.Logger

	mu   sync.Mutex
	sigs map[uint64]uint64
}

// New creates an Ingestor feeding sink behind gate.
func New(sink Sink, gate *Gate, logger *zap.Logger) *Ingestor {
	if gate == nil {
		gate = NewGate(true)
	}
	return &Ingestor{
		sink:   sink,
		gate:   gate,
		logger: logger.Named("ingest"),
		sigs:   make(map[uint64]uint64),
	}
}

// Gate returns the startup gate.
func (i *Ingestor) Gate() *Gate { return i.gate }

// EndOfStartup forwards the validator's end-of-startup signal to the gate.
func (i *Ingestor) EndOfStartup() {
	i.gate.EndOfStartup()
	i.logger.Info("end of startup received")
}

// Account digests an account write and submits it. Writes to the SlotHashes
// sysvar are additionally decoded into a commitment window.
func (i *Ingestor) Account(ctx context.Context, n AccountNotification) error {
	if !i.gate.Open() {
		return nil
	}
	if err := i.sink.Submit(ctx, AccountWrite{Normalize(n)}); err != nil {
		return err
	}
	if n.Address != account.SlotHashesAddress {
		return nil
	}
	w, err := commitment.DecodeWindow(n.Data)
	if err != nil {
		i.logger.Warn("undecodable slot hashes account", zap.Uint64("slot", n.Slot), zap.Error(err))
		return nil
	}
	return i.sink.Submit(ctx, WindowUpdate{Slot: n.Slot, Window: w})
}

// Transaction accumulates the slot's signature count.
func (i *Ingestor) Transaction(_ context.Context, n TransactionNotification) error {
	if !i.gate.Open() {
		return nil
	}
	i.mu.Lock()
	i.sigs[n.Slot] += n.Signatures
	i.mu.Unlock()
	return nil
}

// Block submits block metadata, filling in the accumulated signature count
// when the notification carries none.
func (i *Ingestor) Block(ctx context.Context, n BlockNotification) error {
	if !i.gate.Open() {
		return nil
	}
	i.mu.Lock()
	counted, ok := i.sigs[n.Slot]
	delete(i.sigs, n.Slot)
	if n.Slot > sigHorizon {
		for s := range i.sigs {
			if s < n.Slot-sigHorizon {
				delete(i.sigs, s)
			}
		}
	}
	i.mu.Unlock()

	if n.SignatureCount == 0 && ok {
		n.SignatureCount = counted
	}
	return i.sink.Submit(ctx, BlockMeta{ledgerBlock(n)})
}

// SlotStatus submits a finality change. A Processed status after end of
// startup opens the gate.
func (i *Ingestor) SlotStatus(ctx context.Context, n SlotStatusNotification) error {
	wasOpen := i.gate.Open()
	i.gate.ObserveStatus(n.Status)
	if !i.gate.Open() {
		return nil
	}
	if !wasOpen {
		i.logger.Info("startup gate opened", zap.Uint64("slot", n.Slot))
	}
	return i.sink.Submit(ctx, StatusChange{Slot: n.Slot, Status: n.Status})
}

// Root submits an externally observed root.
func (i *Ingestor) Root(ctx context.Context, n RootNotification) error {
	if !i.gate.Open() {
		return nil
	}
	return i.sink.Submit(ctx, ObservedRoot{Slot: n.Slot, BlockHash: n.BlockHash, Root: n.Root})
}
