// Package account defines the account state fields the source chain hashes
// into a leaf digest.
package account

import (
	"encoding/binary"

	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"lukechampine.com/blake3"
)

// SlotHashesAddress is the sysvar account holding the recent slot commitments.
var SlotHashesAddress = merkle.MustParseAddress("SysvarS1otHashes111111111111111111111111111")

// State is the hashed subset of an account.
type State struct {
	Lamports   uint64         `json:"lamports"`
	Owner      merkle.Address `json:"owner"`
	Executable bool           `json:"executable"`
	RentEpoch  uint64         `json:"rent_epoch"`
	Data       []byte         `json:"data"`
}

// Hash returns the leaf digest of an account: blake3 over
// lamports ‖ rent_epoch ‖ data ‖ executable ‖ owner ‖ address.
// Accounts with zero lamports hash to the all-zero digest, which is distinct
// from the padding digest.
func Hash(addr merkle.Address, s State) merkle.Hash {
	if s.Lamports == 0 {
		return merkle.Hash{}
	}

	h := blake3.New(merkle.HashSize, nil)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.Lamports)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], s.RentEpoch)
	h.Write(buf[:])
	h.Write(s.Data)
	if s.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(s.Owner[:])
	h.Write(addr[:])

	var out merkle.Hash
	h.Sum(out[:0])
	return out
}
