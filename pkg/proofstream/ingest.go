package proofstream

import (
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"google.golang.org/protobuf/encoding/protowire"
)

// SlotStatus values carried on the ingest stream.
const (
	SlotProcessed uint64 = 1
	SlotConfirmed uint64 = 2
	SlotRooted    uint64 = 3
	SlotDead      uint64 = 4
)

// AccountWrite mirrors one validator account notification.
type AccountWrite struct {
	Address      merkle.Address
	Slot         uint64
	WriteVersion uint64
	Lamports     uint64
	Owner        merkle.Address
	Executable   bool
	RentEpoch    uint64
	Data         []byte
}

// BlockMeta mirrors one block metadata notification.
type BlockMeta struct {
	Slot            uint64
	ParentSlot      uint64
	BlockHash       merkle.Hash
	ParentBlockHash merkle.Hash
	SignatureCount  uint64
}

// SlotUpdate mirrors one slot status notification.
type SlotUpdate struct {
	Slot   uint64
	Parent uint64
	Status uint64
}

// TransactionSigs reports the signature count of one transaction.
type TransactionSigs struct {
	Slot       uint64
	Signatures uint64
}

// ObservedRoot reports the validator's own account-delta root for a slot.
type ObservedRoot struct {
	Slot      uint64
	BlockHash merkle.Hash
	Root      merkle.Hash
}

// IngestRequest carries exactly one notification from the validator shim.
type IngestRequest struct {
	Account      *AccountWrite
	Block        *BlockMeta
	Slot         *SlotUpdate
	Transaction  *TransactionSigs
	Root         *ObservedRoot
	EndOfStartup bool
}

// MarshalWire encodes r.
func (r *IngestRequest) MarshalWire() ([]byte, error) {
	var b []byte
	if a := r.Account; a != nil {
		var body []byte
		body = appendHash(body, 1, merkle.Hash(a.Address))
		body = appendVarint(body, 2, a.Slot)
		body = appendVarint(body, 3, a.WriteVersion)
		body = appendVarint(body, 4, a.Lamports)
		body = appendHash(body, 5, merkle.Hash(a.Owner))
		body = appendBool(body, 6, a.Executable)
		body = appendVarint(body, 7, a.RentEpoch)
		body = appendBytes(body, 8, a.Data)
		b = appendMessage(b, 1, body)
	}
	if m := r.Block; m != nil {
		var body []byte
		body = appendVarint(body, 1, m.Slot)
		body = appendVarint(body, 2, m.ParentSlot)
		body = appendHash(body, 3, m.BlockHash)
		body = appendHash(body, 4, m.ParentBlockHash)
		body = appendVarint(body, 5, m.SignatureCount)
		b = appendMessage(b, 2, body)
	}
	if s := r.Slot; s != nil {
		var body []byte
		body = appendVarint(body, 1, s.Slot)
		body = appendVarint(body, 2, s.Parent)
		body = appendVarint(body, 3, s.Status)
		b = appendMessage(b, 3, body)
	}
	if t := r.Transaction; t != nil {
		var body []byte
		body = appendVarint(body, 1, t.Slot)
		body = appendVarint(body, 2, t.Signatures)
		b = appendMessage(b, 4, body)
	}
	if o := r.Root; o != nil {
		var body []byte
		body = appendVarint(body, 1, o.Slot)
		body = appendHash(body, 2, o.BlockHash)
		body = appendHash(body, 3, o.Root)
		b = appendMessage(b, 5, body)
	}
	b = appendBool(b, 6, r.EndOfStartup)
	return b, nil
}

// UnmarshalWire decodes b into r.
func (r *IngestRequest) UnmarshalWire(b []byte) error {
	*r = IngestRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 6 {
			v, n, err := varint(num, typ, b)
			r.EndOfStartup = v != 0
			return n, err
		}
		if num < 1 || num > 5 {
			return skip(num, typ, b)
		}
		body, n, err := bytesField(num, typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			r.Account, err = decodeAccountWrite(body)
		case 2:
			r.Block, err = decodeBlockMeta(body)
		case 3:
			s := &SlotUpdate{}
			err = walk(body, uintFields(map[protowire.Number]*uint64{1: &s.Slot, 2: &s.Parent, 3: &s.Status}))
			r.Slot = s
		case 4:
			t := &TransactionSigs{}
			err = walk(body, uintFields(map[protowire.Number]*uint64{1: &t.Slot, 2: &t.Signatures}))
			r.Transaction = t
		case 5:
			r.Root, err = decodeObservedRoot(body)
		}
		return n, err
	})
}

// uintFields decodes a message made only of varint fields.
func uintFields(dst map[protowire.Number]*uint64) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		p, ok := dst[num]
		if !ok {
			return skip(num, typ, b)
		}
		v, n, err := varint(num, typ, b)
		*p = v
		return n, err
	}
}

func decodeAccountWrite(b []byte) (*AccountWrite, error) {
	a := &AccountWrite{}
	ints := uintFields(map[protowire.Number]*uint64{2: &a.Slot, 3: &a.WriteVersion, 4: &a.Lamports, 7: &a.RentEpoch})
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := addressField(num, typ, b)
			a.Address = v
			return n, err
		case 5:
			v, n, err := addressField(num, typ, b)
			a.Owner = v
			return n, err
		case 6:
			v, n, err := varint(num, typ, b)
			a.Executable = v != 0
			return n, err
		case 8:
			v, n, err := bytesField(num, typ, b)
			a.Data = append([]byte(nil), v...)
			return n, err
		}
		return ints(num, typ, b)
	})
	return a, err
}

func decodeBlockMeta(b []byte) (*BlockMeta, error) {
	m := &BlockMeta{}
	ints := uintFields(map[protowire.Number]*uint64{1: &m.Slot, 2: &m.ParentSlot, 5: &m.SignatureCount})
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 3:
			v, n, err := hashField(num, typ, b)
			m.BlockHash = v
			return n, err
		case 4:
			v, n, err := hashField(num, typ, b)
			m.ParentBlockHash = v
			return n, err
		}
		return ints(num, typ, b)
	})
	return m, err
}

func decodeObservedRoot(b []byte) (*ObservedRoot, error) {
	o := &ObservedRoot{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(num, typ, b)
			o.Slot = v
			return n, err
		case 2:
			v, n, err := hashField(num, typ, b)
			o.BlockHash = v
			return n, err
		case 3:
			v, n, err := hashField(num, typ, b)
			o.Root = v
			return n, err
		}
		return skip(num, typ, b)
	})
	return o, err
}

// IngestSummary is returned when the shim closes its ingest stream.
type IngestSummary struct {
	Accepted uint64
	Rejected uint64
}

// MarshalWire encodes s.
func (s *IngestSummary) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, s.Accepted)
	b = appendVarint(b, 2, s.Rejected)
	return b, nil
}

// UnmarshalWire decodes b into s.
func (s *IngestSummary) UnmarshalWire(b []byte) error {
	*s = IngestSummary{}
	return walk(b, uintFields(map[protowire.Number]*uint64{1: &s.Accepted, 2: &s.Rejected}))
}
