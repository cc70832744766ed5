package ledger

import (
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
)

// Status is the finality tier of a slot record.
type Status uint8

const (
	StatusProcessed Status = iota + 1
	StatusConfirmed
	StatusRooted
	// StatusDropped is terminal and reachable from any non-rooted status.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusConfirmed:
		return "confirmed"
	case StatusRooted:
		return "rooted"
	case StatusDropped:
		return "dropped"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "processed":
		return StatusProcessed, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "rooted", "finalized":
		return StatusRooted, nil
	case "dropped", "dead":
		return StatusDropped, nil
	}
	return 0, fmt.Errorf("unknown slot status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Finalized reports whether a record at s may be snapshotted.
func (s Status) Finalized() bool { return s == StatusConfirmed || s == StatusRooted }

// RecordID identifies one version of a slot inside the ledger arena.
// Zero is never assigned and means "none".
type RecordID uint64

// Update is one observed account write.
type Update struct {
	Address       merkle.Address `json:"address"`
	Slot          uint64         `json:"slot"`
	WriteSequence uint64         `json:"write_sequence"`
	Digest        merkle.Hash    `json:"digest"`
	// Account is the preimage of Digest when the ingestor had the full state.
	Account *account.State `json:"account,omitempty"`
}

// Block is the metadata that seals a slot version.
type Block struct {
	Slot            uint64      `json:"slot"`
	ParentSlot      uint64      `json:"parent_slot"`
	BlockHash       merkle.Hash `json:"block_hash"`
	ParentBlockHash merkle.Hash `json:"parent_block_hash"`
	SignatureCount  uint64      `json:"signature_count"`
}

// Record is a read-only view of a slot version.
type Record struct {
	ID         RecordID    `json:"id"`
	Slot       uint64      `json:"slot"`
	Parent     RecordID    `json:"parent,omitempty"`
	Status     Status      `json:"status"`
	Block      *Block      `json:"block,omitempty"`
	Commitment merkle.Hash `json:"commitment"`
	Writes     int         `json:"writes"`
}

// Sealed reports whether block metadata has been applied.
func (r Record) Sealed() bool { return r.Block != nil }

// Transition describes one status change caused by a ledger mutation.
type Transition struct {
	Record RecordID `json:"record"`
	Slot   uint64   `json:"slot"`
	From   Status   `json:"from"`
	To     Status   `json:"to"`
}

// ChangeSet is the closed address→update mapping of a finalized slot version.
// It shares nothing with the ledger and is safe to use from any goroutine.
type ChangeSet struct {
	Record  RecordID                  `json:"record"`
	Slot    uint64                    `json:"slot"`
	Status  Status                    `json:"status"`
	Block   Block                     `json:"block"`
	Updates map[merkle.Address]Update `json:"updates"`
}

// Digests returns the address→digest mapping the merkle tree is built from.
func (c ChangeSet) Digests() map[merkle.Address]merkle.Hash {
	out := make(map[merkle.Address]merkle.Hash, len(c.Updates))
	for a, u := range c.Updates {
		out[a] = u.Digest
	}
	return out
}

// Account returns the preimage recorded for addr, if any.
func (c ChangeSet) Account(addr merkle.Address) (account.State, bool) {
	u, ok := c.Updates[addr]
	if !ok || u.Account == nil {
		return account.State{}, false
	}
	return *u.Account, true
}

type record struct {
	id         RecordID
	slot       uint64
	parent     RecordID
	status     Status
	block      *Block
	commitment merkle.Hash
	writes     map[merkle.Address]Update
}

func (r *record) view() Record {
	v := Record{
		ID:         r.id,
		Slot:       r.slot,
		Parent:     r.parent,
		Status:     r.status,
		Commitment: r.commitment,
		Writes:     len(r.writes),
	}
	if r.block != nil {
		b := *r.block
		v.Block = &b
	}
	return v
}
