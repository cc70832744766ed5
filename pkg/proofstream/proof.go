package proofstream

import (
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"google.golang.org/protobuf/encoding/protowire"
)

const siblingsSize = (merkle.Fanout - 1) * merkle.HashSize

func encodeProof(p proof.Proof) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(p.Kind))
	b = appendHash(b, 2, merkle.Hash(p.Target))
	if p.Inclusion != nil {
		b = appendMessage(b, 3, encodeInclusion(*p.Inclusion))
	}
	if p.Inner != nil {
		b = appendMessage(b, 4, encodeInclusion(p.Inner.Left))
		b = appendMessage(b, 5, encodeInclusion(p.Inner.Right))
	}
	if p.Left != nil {
		b = appendMessage(b, 6, encodeInclusion(p.Left.Leftmost))
	}
	if p.Right != nil {
		b = appendMessage(b, 7, encodeInclusion(p.Right.Rightmost))
		leaves := make([]byte, 0, len(p.Right.Leaves)*merkle.HashSize)
		for _, h := range p.Right.Leaves {
			leaves = append(leaves, h[:]...)
		}
		b = appendMessage(b, 8, leaves)
	}
	return b
}

func decodeProof(b []byte) (proof.Proof, error) {
	var p proof.Proof
	var innerLeft, innerRight, leftmost, rightmost *proof.Inclusion
	var leaves []merkle.Hash
	haveLeaves := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(num, typ, b)
			p.Kind = proof.Kind(v)
			return n, err
		case 2:
			a, n, err := addressField(num, typ, b)
			p.Target = a
			return n, err
		case 3, 4, 5, 6, 7:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			inc, err := decodeInclusion(body)
			if err != nil {
				return 0, err
			}
			switch num {
			case 3:
				p.Inclusion = &inc
			case 4:
				innerLeft = &inc
			case 5:
				innerRight = &inc
			case 6:
				leftmost = &inc
			case 7:
				rightmost = &inc
			}
			return n, nil
		case 8:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			if len(body)%merkle.HashSize != 0 {
				return 0, fmt.Errorf("%w: leaf list of %d bytes", ErrDecode, len(body))
			}
			haveLeaves = true
			leaves = make([]merkle.Hash, len(body)/merkle.HashSize)
			for i := range leaves {
				copy(leaves[i][:], body[i*merkle.HashSize:])
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return proof.Proof{}, err
	}

	if innerLeft != nil && innerRight != nil {
		p.Inner = &proof.NonInclusionInner{Left: *innerLeft, Right: *innerRight}
	}
	if leftmost != nil {
		p.Left = &proof.NonInclusionLeft{Leftmost: *leftmost}
	}
	if rightmost != nil {
		p.Right = &proof.NonInclusionRight{Rightmost: *rightmost}
		if haveLeaves {
			p.Right.Leaves = leaves
		}
	}
	return p, nil
}

func encodeInclusion(inc proof.Inclusion) []byte {
	var b []byte
	b = appendHash(b, 1, merkle.Hash(inc.Address))
	b = appendHash(b, 2, inc.LeafDigest)
	b = appendVarint(b, 3, inc.Path.Index)
	levels := make([]byte, 0, len(inc.Path.Levels)*siblingsSize)
	for _, lvl := range inc.Path.Levels {
		for _, h := range lvl {
			levels = append(levels, h[:]...)
		}
	}
	b = appendMessage(b, 4, levels)
	if inc.Account != nil {
		b = appendMessage(b, 5, encodeAccount(*inc.Account))
	}
	return b
}

func decodeInclusion(b []byte) (proof.Inclusion, error) {
	var inc proof.Inclusion
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			a, n, err := addressField(num, typ, b)
			inc.Address = a
			return n, err
		case 2:
			h, n, err := hashField(num, typ, b)
			inc.LeafDigest = h
			return n, err
		case 3:
			v, n, err := varint(num, typ, b)
			inc.Path.Index = v
			return n, err
		case 4:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			if len(body)%siblingsSize != 0 {
				return 0, fmt.Errorf("%w: sibling path of %d bytes", ErrDecode, len(body))
			}
			inc.Path.Levels = make([]merkle.Siblings, len(body)/siblingsSize)
			for i := range inc.Path.Levels {
				lvl := body[i*siblingsSize:]
				for j := range inc.Path.Levels[i] {
					copy(inc.Path.Levels[i][j][:], lvl[j*merkle.HashSize:])
				}
			}
			return n, nil
		case 5:
			body, n, err := bytesField(num, typ, b)
			if err != nil {
				return 0, err
			}
			st, err := decodeAccount(body)
			if err != nil {
				return 0, err
			}
			inc.Account = &st
			return n, nil
		}
		return skip(num, typ, b)
	})
	return inc, err
}

func encodeAccount(s account.State) []byte {
	var b []byte
	b = appendVarint(b, 1, s.Lamports)
	b = appendHash(b, 2, merkle.Hash(s.Owner))
	b = appendBool(b, 3, s.Executable)
	b = appendVarint(b, 4, s.RentEpoch)
	b = appendBytes(b, 5, s.Data)
	return b
}

func decodeAccount(b []byte) (account.State, error) {
	var s account.State
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(num, typ, b)
			s.Lamports = v
			return n, err
		case 2:
			a, n, err := addressField(num, typ, b)
			s.Owner = a
			return n, err
		case 3:
			v, n, err := varint(num, typ, b)
			s.Executable = v != 0
			return n, err
		case 4:
			v, n, err := varint(num, typ, b)
			s.RentEpoch = v
			return n, err
		case 5:
			v, n, err := bytesField(num, typ, b)
			s.Data = append([]byte(nil), v...)
			return n, err
		}
		return skip(num, typ, b)
	})
	return s, err
}
