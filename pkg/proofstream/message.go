// Package proofstream is the wire contract of the proof stream: message
// types, their protobuf wire encoding, and the gRPC service descriptor.
//
// Messages are encoded with google.golang.org/protobuf/encoding/protowire
// directly; there are no generated stubs. The codec is registered with gRPC
// under CodecName when this package is imported.
package proofstream

import (
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind distinguishes proofs from retractions.
type Kind uint8

const (
	KindProof Kind = iota + 1
	KindRetract
)

func (k Kind) String() string {
	switch k {
	case KindProof:
		return "proof"
	case KindRetract:
		return "retract"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "proof":
		*k = KindProof
	case "retract":
		*k = KindRetract
	default:
		return fmt.Errorf("unknown message kind %q", text)
	}
	return nil
}

// Bundle carries what a verifier needs to recompute the slot commitment from
// the proof's root.
type Bundle struct {
	ParentCommitment merkle.Hash `json:"parent_commitment"`
	Root             merkle.Hash `json:"root"`
	SignatureCount   uint64      `json:"signature_count"`
	BlockHash        merkle.Hash `json:"block_hash"`
	Commitment       merkle.Hash `json:"commitment"`
}

// Message is one element of a subscription stream. A Retract message carries
// only Slot and Address and withdraws every earlier proof for that slot.
type Message struct {
	Slot    uint64         `json:"slot"`
	Kind    Kind           `json:"kind"`
	Address merkle.Address `json:"address"`
	Proof   *proof.Proof   `json:"proof,omitempty"`
	Bundle  *Bundle        `json:"bundle,omitempty"`
	// Warning is set for proofs whose size grows with the leaf count.
	Warning string `json:"warning,omitempty"`
}

// Retraction builds a Retract message.
func Retraction(slot uint64, addr merkle.Address) *Message {
	return &Message{Slot: slot, Kind: KindRetract, Address: addr}
}

// MarshalWire encodes m.
func (m *Message) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, m.Slot)
	b = appendVarint(b, 2, uint64(m.Kind))
	b = appendHash(b, 3, merkle.Hash(m.Address))
	if m.Proof != nil {
		b = appendMessage(b, 4, encodeProof(*m.Proof))
	}
	if m.Bundle != nil {
		b = appendMessage(b, 5, encodeBundle(*m.Bundle))
	}
	b = appendString(b, 6, m.Warning)
	return b, nil
}

// UnmarshalWire decodes b into m.
func (m *Message) UnmarshalWire(b []byte) error {
	*m = Message{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(num, typ, b)
			m.Slot = v
			return n, err
		case 2:
			v, n, err := varint(num, typ, b)
			m.Kind = Kind(v)
			return n, err
		case 3:
			a, n, err := addressField(num, typ, b)
			m.Address = a
			return n, err
		case 4:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			p, err := decodeProof(body)
			if err != nil {
				return 0, err
			}
			m.Proof = &p
			return n, nil
		case 5:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			bd, err := decodeBundle(body)
			if err != nil {
				return 0, err
			}
			m.Bundle = &bd
			return n, nil
		case 6:
			v, n, err := bytesField(num, typ, b)
			m.Warning = string(v)
			return n, err
		}
		return skip(num, typ, b)
	})
}

func encodeBundle(bd Bundle) []byte {
	var b []byte
	b = appendHash(b, 1, bd.ParentCommitment)
	b = appendHash(b, 2, bd.Root)
	b = appendVarint(b, 3, bd.SignatureCount)
	b = appendHash(b, 4, bd.BlockHash)
	b = appendHash(b, 5, bd.Commitment)
	return b
}

func decodeBundle(b []byte) (Bundle, error) {
	var bd Bundle
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *merkle.Hash
		switch num {
		case 1:
			dst = &bd.ParentCommitment
		case 2:
			dst = &bd.Root
		case 3:
			v, n, err := varint(num, typ, b)
			bd.SignatureCount = v
			return n, err
		case 4:
			dst = &bd.BlockHash
		case 5:
			dst = &bd.Commitment
		default:
			return skip(num, typ, b)
		}
		h, n, err := hashField(num, typ, b)
		*dst = h
		return n, err
	})
	return bd, err
}

// SubscribeRequest names the addresses a subscriber wants proofs for.
type SubscribeRequest struct {
	Addresses []merkle.Address `json:"addresses"`
}

// MarshalWire encodes r.
func (r *SubscribeRequest) MarshalWire() ([]byte, error) {
	var b []byte
	for _, a := range r.Addresses {
		b = appendHash(b, 1, merkle.Hash(a))
	}
	return b, nil
}

// UnmarshalWire decodes b into r.
func (r *SubscribeRequest) UnmarshalWire(b []byte) error {
	*r = SubscribeRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(num, typ, b)
		}
		a, n, err := addressField(num, typ, b)
		if err == nil {
			r.Addresses = append(r.Addresses, a)
		}
		return n, err
	})
}

// StatusRequest is empty.
type StatusRequest struct{}

// MarshalWire encodes r.
func (r *StatusRequest) MarshalWire() ([]byte, error) { return nil, nil }

// UnmarshalWire decodes b into r.
func (r *StatusRequest) UnmarshalWire(b []byte) error { return walk(b, skip) }

// StatusResponse describes the engine's current position.
type StatusResponse struct {
	RootedSlot  uint64             `json:"rooted_slot"`
	HighestSlot uint64             `json:"highest_slot"`
	Halted      []uint64           `json:"halted"`
	Window      []commitment.Entry `json:"window"`
	Subscribers uint64             `json:"subscribers"`
}

// MarshalWire encodes r.
func (r *StatusResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, r.RootedSlot)
	b = appendVarint(b, 2, r.HighestSlot)
	for _, s := range r.Halted {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, s)
	}
	for _, e := range r.Window {
		var eb []byte
		eb = appendVarint(eb, 1, e.Slot)
		eb = appendHash(eb, 2, e.Commitment)
		b = appendMessage(b, 4, eb)
	}
	b = appendVarint(b, 5, r.Subscribers)
	return b, nil
}

// UnmarshalWire decodes b into r.
func (r *StatusResponse) UnmarshalWire(b []byte) error {
	*r = StatusResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(num, typ, b)
			r.RootedSlot = v
			return n, err
		case 2:
			v, n, err := varint(num, typ, b)
			r.HighestSlot = v
			return n, err
		case 3:
			v, n, err := varint(num, typ, b)
			if err == nil {
				r.Halted = append(r.Halted, v)
			}
			return n, err
		case 4:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			var e commitment.Entry
			err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := varint(num, typ, b)
					e.Slot = v
					return n, err
				case 2:
					h, n, err := hashField(num, typ, b)
					e.Commitment = h
					return n, err
				}
				return skip(num, typ, b)
			})
			if err != nil {
				return 0, err
			}
			r.Window = append(r.Window, e)
			return n, nil
		case 5:
			v, n, err := varint(num, typ, b)
			r.Subscribers = v
			return n, err
		}
		return skip(num, typ, b)
	})
}
