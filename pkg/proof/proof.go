// Package proof produces and checks inclusion and non-inclusion proofs for
// an address against a merkle tree root.
//
// Leaves are sorted, so absence is shown by the address's lexicographic
// neighbours. When the address sorts after the last real leaf the tree gives
// no way to tell the last real leaf from padding, so the proof carries the
// whole ordered leaf digest list and is O(number of leaves) in size.
package proof

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
)

var (
	// ErrVerificationFailed is wrapped by every verification failure.
	ErrVerificationFailed = errors.New("proof verification failed")

	// ErrAddressPresent is returned when a non-inclusion proof is requested
	// for an address that is a leaf.
	ErrAddressPresent = errors.New("address is present in tree")

	// ErrEmptyTree is returned for non-inclusion against a tree with no leaves.
	ErrEmptyTree = errors.New("tree has no leaves")

	// ErrMalformed is returned when a Proof's tag and payload disagree.
	ErrMalformed = errors.New("malformed proof")
)

// Kind tags the populated case of a Proof.
type Kind uint8

const (
	KindInclusion Kind = iota + 1
	KindNonInclusionInner
	KindNonInclusionLeft
	KindNonInclusionRight
)

func (k Kind) String() string {
	switch k {
	case KindInclusion:
		return "inclusion"
	case KindNonInclusionInner:
		return "non_inclusion_inner"
	case KindNonInclusionLeft:
		return "non_inclusion_left"
	case KindNonInclusionRight:
		return "non_inclusion_right"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := KindInclusion; c <= KindNonInclusionRight; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("%w: unknown proof kind %q", ErrMalformed, text)
}

// RightBoundaryCostWarning accompanies every NonInclusionRight proof.
const RightBoundaryCostWarning = "right-boundary non-inclusion proof carries every leaf digest; size is O(leaf count)"

// Inclusion proves that Address with LeafDigest sits at Path.Index.
// Account, when present, is the preimage of LeafDigest and binds Address to it.
type Inclusion struct {
	Address    merkle.Address `json:"address"`
	LeafDigest merkle.Hash    `json:"leaf_digest"`
	Path       merkle.Path    `json:"path"`
	Account    *account.State `json:"account,omitempty"`
}

// NonInclusionInner shows the target falls strictly between two adjacent leaves.
type NonInclusionInner struct {
	Left  Inclusion `json:"left"`
	Right Inclusion `json:"right"`
}

// NonInclusionLeft shows the target sorts before the first leaf.
type NonInclusionLeft struct {
	Leftmost Inclusion `json:"leftmost"`
}

// NonInclusionRight shows the target sorts after the last real leaf.
type NonInclusionRight struct {
	Rightmost Inclusion     `json:"rightmost"`
	Leaves    []merkle.Hash `json:"leaves"`
}

// Proof is a closed variant: Kind selects exactly one populated field.
type Proof struct {
	Kind      Kind               `json:"kind"`
	Target    merkle.Address     `json:"target"`
	Inclusion *Inclusion         `json:"inclusion,omitempty"`
	Inner     *NonInclusionInner `json:"inner,omitempty"`
	Left      *NonInclusionLeft  `json:"left,omitempty"`
	Right     *NonInclusionRight `json:"right,omitempty"`
}

// AccountLookup returns the preimage for a leaf, if known.
type AccountLookup func(merkle.Address) (account.State, bool)

// Includes reports whether p claims the target is present.
func (p Proof) Includes() bool { return p.Kind == KindInclusion }

// CostWarning returns a non-empty warning for proofs whose size grows with
// the leaf count.
func (p Proof) CostWarning() string {
	if p.Kind == KindNonInclusionRight {
		return RightBoundaryCostWarning
	}
	return ""
}

// Bound reports whether every address claim in p is backed by an account
// preimage. Unbound ordering claims trust the prover's stated addresses.
func (p Proof) Bound() bool {
	switch p.Kind {
	case KindInclusion:
		return p.Inclusion != nil && p.Inclusion.Account != nil
	case KindNonInclusionInner:
		return p.Inner != nil && p.Inner.Left.Account != nil && p.Inner.Right.Account != nil
	case KindNonInclusionLeft:
		return p.Left != nil && p.Left.Leftmost.Account != nil
	case KindNonInclusionRight:
		return p.Right != nil && p.Right.Rightmost.Account != nil
	}
	return false
}

// For returns an inclusion proof when addr is a leaf and a non-inclusion
// proof otherwise.
func For(t *merkle.Tree, addr merkle.Address, lookup AccountLookup) (Proof, error) {
	if _, ok := t.Find(addr); ok {
		return NewInclusion(t, addr, lookup)
	}
	return NewNonInclusion(t, addr, lookup)
}

// NewInclusion proves that addr is a leaf of t.
func NewInclusion(t *merkle.Tree, addr merkle.Address, lookup AccountLookup) (Proof, error) {
	i, ok := t.Find(addr)
	if !ok {
		return Proof{}, fmt.Errorf("inclusion: %w: %s", merkle.ErrNotFound, addr)
	}
	inc, err := inclusionAt(t, i, lookup)
	if err != nil {
		return Proof{}, err
	}
	return Proof{Kind: KindInclusion, Target: addr, Inclusion: &inc}, nil
}

// NewNonInclusion proves that addr is not a leaf of t.
func NewNonInclusion(t *merkle.Tree, addr merkle.Address, lookup AccountLookup) (Proof, error) {
	if t.Len() == 0 {
		return Proof{}, ErrEmptyTree
	}
	if _, ok := t.Find(addr); ok {
		return Proof{}, fmt.Errorf("%w: %s", ErrAddressPresent, addr)
	}

	left, right := t.Neighbors(addr)
	switch {
	case left < 0:
		inc, err := inclusionAt(t, right, lookup)
		if err != nil {
			return Proof{}, err
		}
		return Proof{Kind: KindNonInclusionLeft, Target: addr, Left: &NonInclusionLeft{Leftmost: inc}}, nil

	case right >= t.Len():
		inc, err := inclusionAt(t, left, lookup)
		if err != nil {
			return Proof{}, err
		}
		return Proof{
			Kind:   KindNonInclusionRight,
			Target: addr,
			Right:  &NonInclusionRight{Rightmost: inc, Leaves: t.Digests()},
		}, nil

	default:
		l, err := inclusionAt(t, left, lookup)
		if err != nil {
			return Proof{}, err
		}
		r, err := inclusionAt(t, right, lookup)
		if err != nil {
			return Proof{}, err
		}
		return Proof{Kind: KindNonInclusionInner, Target: addr, Inner: &NonInclusionInner{Left: l, Right: r}}, nil
	}
}

func inclusionAt(t *merkle.Tree, i int, lookup AccountLookup) (Inclusion, error) {
	leaf, err := t.Leaf(i)
	if err != nil {
		return Inclusion{}, err
	}
	path, err := t.PathAt(i)
	if err != nil {
		return Inclusion{}, err
	}
	inc := Inclusion{Address: leaf.Address, LeafDigest: leaf.Digest, Path: path}
	if lookup != nil {
		if st, ok := lookup(leaf.Address); ok {
			inc.Account = &st
		}
	}
	return inc, nil
}
