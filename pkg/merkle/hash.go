package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// HashSize is the byte length of every digest and address handled by the tree.
const HashSize = 32

// Hash is a 32-byte SHA-256 (or account) digest.
type Hash [HashSize]byte

// Address identifies an account. Leaves are ordered by its raw bytes.
type Address [HashSize]byte

// EmptyLeaf is the canonical digest used to pad a level up to a full fan-out.
// It is domain-tagged so that no account digest, including the all-zero
// digest of a closed account, can stand in for padding.
var EmptyLeaf = HashV([]byte("accountproof/merkle/empty-leaf"))

// String renders the hash in base58, the form the source chain uses.
func (h Hash) String() string { return base58.Encode(h[:]) }

// Hex renders the hash as lowercase hex.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether every byte of h is zero.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a base58 digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("decode hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("hash %q: want %d bytes, got %d", s, HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// HashFromBytes copies b into a Hash. b must be exactly HashSize bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash: want %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String renders the address in base58.
func (a Address) String() string { return base58.Encode(a[:]) }

// Compare orders addresses by raw bytes.
func (a Address) Compare(b Address) int { return bytes.Compare(a[:], b[:]) }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a base58 account address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return a, fmt.Errorf("address %q: want %d bytes, got %d", s, HashSize, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for well-known constants; it panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// HashV is SHA-256 over the concatenation of parts.
func HashV(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// hashChildren hashes one full group of Fanout children.
func hashChildren(children []Hash) Hash {
	h := sha256.New()
	for i := range children {
		h.Write(children[i][:])
	}
	var out Hash
	h.Sum(out[:0])
	return out
}
