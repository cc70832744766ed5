package emissionlog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmerrifield20/accountproof/pkg/proofstream"
)

// GenesisHash is the hash of the genesis entry and the anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record describes one emitted message.
type Record struct {
	Slot    uint64 `json:"slot"`
	Version uint64 `json:"version"`
	Address string `json:"address"`
	Kind    string `json:"kind"`
	// MessageHash is the SHA-256 of the message's wire encoding.
	MessageHash string `json:"message_hash"`
}

// RecordOf summarizes an emitted message.
func RecordOf(version uint64, m *proofstream.Message) (Record, error) {
	wire, err := m.MarshalWire()
	if err != nil {
		return Record{}, fmt.Errorf("encode message: %w", err)
	}
	return Record{
		Slot:        m.Slot,
		Version:     version,
		Address:     m.Address.String(),
		Kind:        m.Kind.String(),
		MessageHash: sha256Sum(wire),
	}, nil
}

// Entry is one link of the chain.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Record
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// now is truncated to the precision Postgres stores so hashes survive a
// round trip.
func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func genesis(now time.Time) *Entry {
	return &Entry{
		Index:     0,
		Timestamp: now,
		Record:    Record{Kind: "genesis", MessageHash: GenesisHash},
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

func chain(prev *Entry, rec Record, now time.Time) *Entry {
	e := &Entry{
		Index:     prev.Index + 1,
		Timestamp: now,
		Record:    rec,
		PrevHash:  prev.Hash,
	}
	e.Hash = hashEntry(e)
	return e
}

const entryDomain = "accountproof/emission/v1"

// hashEntry commits to every field but Hash. Strings are length-prefixed so
// no two distinct entries share an encoding. Never called on genesis.
func hashEntry(e *Entry) string {
	buf := make([]byte, 0, 256)
	buf = append(buf, entryDomain...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Index))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp.UnixMicro()))
	buf = binary.LittleEndian.AppendUint64(buf, e.Slot)
	buf = binary.LittleEndian.AppendUint64(buf, e.Version)
	for _, s := range []string{e.Address, e.Kind, e.MessageHash, e.PrevHash} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	return sha256Sum(buf)
}

// ChainError reports the first entry at which Verify found the chain broken.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("emission log broken at index %d: %s", e.Index, e.Reason)
}

// chainVerifier checks entries fed to it in index order.
type chainVerifier struct {
	prev *Entry
}

func (v *chainVerifier) next(curr *Entry) error {
	prev := v.prev
	v.prev = curr
	switch {
	case prev == nil && (curr.Index != 0 || curr.Hash != GenesisHash):
		return &ChainError{Index: curr.Index, Reason: "bad genesis entry"}
	case prev == nil:
		return nil
	case curr.Index != prev.Index+1:
		return &ChainError{Index: prev.Index + 1, Reason: "missing entry"}
	case curr.PrevHash != prev.Hash:
		return &ChainError{Index: curr.Index, Reason: "prev_hash does not match predecessor"}
	case curr.Hash != hashEntry(curr):
		return &ChainError{Index: curr.Index, Reason: "hash does not match contents"}
	}
	return nil
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
