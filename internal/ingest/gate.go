package ingest

import (
	"sync/atomic"

	"github.com/jmerrifield20/accountproof/internal/ledger"
)

const (
	gateEndOfStartup uint32 = 1 << iota
	gateProcessed
	gateOpen = gateEndOfStartup | gateProcessed
)

// Gate holds back notifications until the validator has finished replaying
// its snapshot and reported the first Processed slot afterwards. Before that
// point blocks cannot be reconstructed in full.
type Gate struct {
	state atomic.Uint32
}

// NewGate returns a closed gate, or an open one when disabled is true.
func NewGate(disabled bool) *Gate {
	g := &Gate{}
	if disabled {
		g.state.Store(gateOpen)
	}
	return g
}

// EndOfStartup records that startup replay finished.
func (g *Gate) EndOfStartup() {
	for {
		old := g.state.Load()
		if g.state.CompareAndSwap(old, old|gateEndOfStartup) {
			return
		}
	}
}

// ObserveStatus must be called for every slot status before Open is checked.
func (g *Gate) ObserveStatus(s ledger.Status) {
	if s == ledger.StatusProcessed {
		g.state.CompareAndSwap(gateEndOfStartup, gateOpen)
	}
}

// Open reports whether notifications may pass.
func (g *Gate) Open() bool { return g.state.Load() == gateOpen }
