// Package commitment recomputes the per-slot block commitment from a slot's
// account-delta root and anchors it against recently observed commitments.
package commitment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/merkle"
)

// MaxWindowEntries is the number of entries the chain keeps in its
// recent-commitments history account.
const MaxWindowEntries = 512

// ErrMalformedWindow is returned when a serialized window cannot be decoded.
var ErrMalformedWindow = errors.New("malformed commitment window")

// Recompute returns the commitment of a slot: SHA-256 over
// parent ‖ root ‖ signature_count (u64 little-endian) ‖ block_hash.
// It is a pure function of the parent commitment and the slot's root.
func Recompute(parent, root merkle.Hash, signatureCount uint64, blockHash merkle.Hash) merkle.Hash {
	var sigs [8]byte
	binary.LittleEndian.PutUint64(sigs[:], signatureCount)
	return merkle.HashV(parent[:], root[:], sigs[:], blockHash[:])
}

// Anchoring is the result of Anchor.
type Anchoring uint8

const (
	Unanchored Anchoring = iota
	Anchored
)

func (a Anchoring) String() string {
	if a == Anchored {
		return "anchored"
	}
	return "unanchored"
}

// Entry is one (slot, commitment) pair of the recent history.
type Entry struct {
	Slot       uint64      `json:"slot"`
	Commitment merkle.Hash `json:"commitment"`
}

// Window is an immutable snapshot of recently observed commitments, newest
// first, as published in the history account.
type Window struct {
	entries []Entry
}

// WindowOf copies entries (newest first) into a window.
func WindowOf(entries []Entry) *Window {
	return &Window{entries: append([]Entry(nil), entries...)}
}

// Entries returns a copy of the window, newest first.
func (w *Window) Entries() []Entry {
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len returns the number of entries held.
func (w *Window) Len() int { return len(w.entries) }

// Lookup returns the commitment recorded for slot.
func (w *Window) Lookup(slot uint64) (merkle.Hash, bool) {
	for _, e := range w.entries {
		if e.Slot == slot {
			return e.Commitment, true
		}
	}
	return merkle.Hash{}, false
}

// Anchor reports whether c appears anywhere in the window. Any later
// attestation that still lists c is accepted, so intermediate commitments
// need not be chained explicitly.
func Anchor(c merkle.Hash, w *Window) Anchoring {
	if w == nil {
		return Unanchored
	}
	for _, e := range w.entries {
		if e.Commitment == c {
			return Anchored
		}
	}
	return Unanchored
}

// DecodeWindow parses the history account's data: a u64 little-endian count
// followed by count × (u64 slot, 32-byte commitment), newest first.
func DecodeWindow(data []byte) (*Window, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedWindow, len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	const entrySize = 8 + merkle.HashSize
	body := data[8:]
	if n > MaxWindowEntries {
		return nil, fmt.Errorf("%w: count %d exceeds %d", ErrMalformedWindow, n, MaxWindowEntries)
	}
	if n > uint64(len(body)/entrySize) {
		return nil, fmt.Errorf("%w: count %d exceeds %d bytes of entries", ErrMalformedWindow, n, len(body))
	}
	entries := make([]Entry, n)
	for i := range entries {
		off := i * entrySize
		entries[i].Slot = binary.LittleEndian.Uint64(body[off : off+8])
		copy(entries[i].Commitment[:], body[off+8:off+entrySize])
	}
	return WindowOf(entries), nil
}

// EncodeWindow is the inverse of DecodeWindow.
func EncodeWindow(w *Window) []byte {
	const entrySize = 8 + merkle.HashSize
	out := make([]byte, 8, 8+len(w.entries)*entrySize)
	binary.LittleEndian.PutUint64(out, uint64(len(w.entries)))
	var slot [8]byte
	for _, e := range w.entries {
		binary.LittleEndian.PutUint64(slot[:], e.Slot)
		out = append(out, slot[:]...)
		out = append(out, e.Commitment[:]...)
	}
	return out
}
