// Package ingest normalizes raw validator notifications into ledger inputs.
package ingest

import (
	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
)

// AccountNotification is one account write as reported by the validator.
type AccountNotification struct {
	Address      merkle.Address `json:"address"`
	Slot         uint64         `json:"slot"`
	WriteVersion uint64         `json:"write_version"`
	Lamports     uint64         `json:"lamports"`
	Owner        merkle.Address `json:"owner"`
	Executable   bool           `json:"executable"`
	RentEpoch    uint64         `json:"rent_epoch"`
	Data         []byte         `json:"data"`
}

// State returns the hashed account fields.
func (n AccountNotification) State() account.State {
	return account.State{
		Lamports:   n.Lamports,
		Owner:      n.Owner,
		Executable: n.Executable,
		RentEpoch:  n.RentEpoch,
		Data:       n.Data,
	}
}

// BlockNotification carries the metadata that seals a slot. ParentBlockHash is
// the parent's block commitment.
type BlockNotification struct {
	Slot            uint64      `json:"slot"`
	ParentSlot      uint64      `json:"parent_slot"`
	BlockHash       merkle.Hash `json:"block_hash"`
	ParentBlockHash merkle.Hash `json:"parent_block_hash"`
	// SignatureCount may be zero, in which case the signatures counted from
	// transaction notifications of the slot are used.
	SignatureCount uint64 `json:"signature_count"`
}

// TransactionNotification reports the signature count of one executed transaction.
type TransactionNotification struct {
	Slot       uint64 `json:"slot"`
	Signatures uint64 `json:"signatures"`
}

// SlotStatusNotification reports a stronger confirmation level for a slot.
type SlotStatusNotification struct {
	Slot   uint64        `json:"slot"`
	Parent uint64        `json:"parent,omitempty"`
	Status ledger.Status `json:"status"`
}

// RootNotification is the externally observed account-delta root of a slot,
// used to self-check built trees.
type RootNotification struct {
	Slot      uint64      `json:"slot"`
	BlockHash merkle.Hash `json:"block_hash"`
	Root      merkle.Hash `json:"root"`
}

// Input is a normalized notification handed to the engine. The concrete
// types are AccountWrite, BlockMeta, StatusChange, ObservedRoot and
// WindowUpdate.
type Input interface{ input() }

// AccountWrite is a digested account write.
type AccountWrite struct{ ledger.Update }

// BlockMeta seals a slot version.
type BlockMeta struct{ ledger.Block }

// StatusChange advances a slot's finality.
type StatusChange struct {
	Slot   uint64
	Status ledger.Status
}

// ObservedRoot is an externally reported root for a slot.
type ObservedRoot struct {
	Slot      uint64
	BlockHash merkle.Hash
	Root      merkle.Hash
}

// WindowUpdate carries the recent-commitments history decoded from the
// SlotHashes sysvar as written in Slot.
type WindowUpdate struct {
	Slot   uint64
	Window *commitment.Window
}

func (AccountWrite) input() {}
func (BlockMeta) input()    {}
func (StatusChange) input() {}
func (ObservedRoot) input() {}
func (WindowUpdate) input() {}

// Normalize reduces an account notification to a ledger update whose digest
// is the account hash of its structured fields.
func Normalize(n AccountNotification) ledger.Update {
	st := n.State()
	st.Data = append([]byte(nil), n.Data...)
	return ledger.Update{
		Address:       n.Address,
		Slot:          n.Slot,
		WriteSequence: n.WriteVersion,
		Digest:        account.Hash(n.Address, st),
		Account:       &st,
	}
}

func ledgerBlock(n BlockNotification) ledger.Block {
	return ledger.Block{
		Slot:            n.Slot,
		ParentSlot:      n.ParentSlot,
		BlockHash:       n.BlockHash,
		ParentBlockHash: n.ParentBlockHash,
		SignatureCount:  n.SignatureCount,
	}
}
