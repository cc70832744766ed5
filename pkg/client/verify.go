package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
)

var (
	// ErrStreamCorrupted ends Watch after too many consecutive failures.
	ErrStreamCorrupted = errors.New("proof stream corrupted")

	// ErrCommitmentMismatch is returned when a bundle does not recompute to
	// its own or the claimed commitment.
	ErrCommitmentMismatch = errors.New("commitment mismatch")

	// ErrOutOfOrder is returned for a proof that does not advance the slot
	// of its address.
	ErrOutOfOrder = errors.New("proof out of slot order")
)

// Verify checks that msg proves its address against its bundle root and
// that the bundle recomputes to its commitment. When claimed is non-zero the
// recomputed commitment must also equal claimed. Every address the proof
// names must be bound to its leaf by an account preimage; without one the
// address is only the server's word.
func Verify(msg *proofstream.Message, claimed merkle.Hash) error {
	if msg == nil || msg.Kind != proofstream.KindProof || msg.Proof == nil || msg.Bundle == nil {
		return fmt.Errorf("%w: message carries no proof", proof.ErrMalformed)
	}
	if msg.Proof.Target != msg.Address {
		return fmt.Errorf("%w: proof target %s, message address %s", proof.ErrMalformed, msg.Proof.Target, msg.Address)
	}
	if !msg.Proof.Bound() {
		return fmt.Errorf("%w: %s proof for %s lacks account preimages", proof.ErrVerificationFailed, msg.Proof.Kind, msg.Address)
	}
	if err := proof.Verify(*msg.Proof, msg.Bundle.Root); err != nil {
		return err
	}
	b := msg.Bundle
	got := commitment.Recompute(b.ParentCommitment, b.Root, b.SignatureCount, b.BlockHash)
	if got != b.Commitment {
		return fmt.Errorf("%w: bundle says %s, recomputed %s", ErrCommitmentMismatch, b.Commitment, got)
	}
	if !claimed.IsZero() && got != claimed {
		return fmt.Errorf("%w: claimed %s, recomputed %s", ErrCommitmentMismatch, claimed, got)
	}
	return nil
}

// Event is one message received by Watch.
type Event struct {
	Message *proofstream.Message
	// Retracted is set for retraction messages.
	Retracted bool
	// Err is the verification error of a proof, if any.
	Err error
	// Failures is the current count of consecutive failed verifications.
	Failures int
	// Anchoring is set for verified proofs when a window is configured.
	Anchoring commitment.Anchoring
}

// Handler receives Watch events. Returning an error stops Watch.
type Handler func(Event) error

// Watch subscribes to addrs and verifies every proof received. It returns
// nil when the server ends the stream, ctx's error on cancellation, and
// ErrStreamCorrupted once the failure threshold is reached.
func (c *Client) Watch(ctx context.Context, addrs []merkle.Address, fn Handler) error {
	stream, err := c.rpc.Subscribe(ctx, &proofstream.SubscribeRequest{Addresses: addrs})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w := newWatcher(c.threshold, c.window)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		ev, fatal := w.observe(msg)
		if err := fn(ev); err != nil {
			return err
		}
		if fatal != nil {
			return fatal
		}
	}
}

// maxTracked bounds the unretracted slots remembered per address.
const maxTracked = 64

// watcher tracks the per-address stream state Watch verifies against.
type watcher struct {
	threshold int
	window    func() *commitment.Window
	failures  int
	// live holds the unretracted proof slots of each address, ascending.
	live map[merkle.Address][]uint64
}

func newWatcher(threshold int, window func() *commitment.Window) *watcher {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &watcher{threshold: threshold, window: window, live: make(map[merkle.Address][]uint64)}
}

func (w *watcher) observe(msg *proofstream.Message) (Event, error) {
	ev := Event{Message: msg}
	if msg.Kind == proofstream.KindRetract {
		ev.Retracted = true
		slots := w.live[msg.Address]
		for i, s := range slots {
			if s == msg.Slot {
				w.live[msg.Address] = append(slots[:i], slots[i+1:]...)
				break
			}
		}
		ev.Failures = w.failures
		return ev, nil
	}

	err := Verify(msg, merkle.Hash{})
	if err == nil {
		if slots := w.live[msg.Address]; len(slots) > 0 && slots[len(slots)-1] >= msg.Slot {
			err = fmt.Errorf("%w: slot %d after %d", ErrOutOfOrder, msg.Slot, slots[len(slots)-1])
		}
	}
	if err != nil {
		w.failures++
		ev.Err, ev.Failures = err, w.failures
		if w.failures >= w.threshold {
			return ev, fmt.Errorf("%w: %d consecutive failures, last: %v", ErrStreamCorrupted, w.failures, err)
		}
		return ev, nil
	}

	w.failures = 0
	slots := append(w.live[msg.Address], msg.Slot)
	if len(slots) > maxTracked {
		slots = slots[len(slots)-maxTracked:]
	}
	w.live[msg.Address] = slots
	if w.window != nil {
		ev.Anchoring = commitment.Anchor(msg.Bundle.Commitment, w.window())
	}
	return ev, nil
}
