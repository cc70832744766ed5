package proof

import (
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
)

// Verify checks p against root. It returns nil on success and an error
// wrapping ErrVerificationFailed otherwise.
func Verify(p Proof, root merkle.Hash) error {
	switch p.Kind {
	case KindInclusion:
		if p.Inclusion == nil {
			return fmt.Errorf("%w: %w: inclusion payload missing", ErrVerificationFailed, ErrMalformed)
		}
		if p.Inclusion.Address != p.Target {
			return fmt.Errorf("%w: inclusion is for %s, not %s", ErrVerificationFailed, p.Inclusion.Address, p.Target)
		}
		return verifyInclusion(*p.Inclusion, root)

	case KindNonInclusionInner:
		if p.Inner == nil {
			return fmt.Errorf("%w: %w: inner payload missing", ErrVerificationFailed, ErrMalformed)
		}
		return verifyInner(p.Target, *p.Inner, root)

	case KindNonInclusionLeft:
		if p.Left == nil {
			return fmt.Errorf("%w: %w: left payload missing", ErrVerificationFailed, ErrMalformed)
		}
		return verifyLeft(p.Target, *p.Left, root)

	case KindNonInclusionRight:
		if p.Right == nil {
			return fmt.Errorf("%w: %w: right payload missing", ErrVerificationFailed, ErrMalformed)
		}
		return verifyRight(p.Target, *p.Right, root)
	}
	return fmt.Errorf("%w: %w: unknown kind %s", ErrVerificationFailed, ErrMalformed, p.Kind)
}

func verifyInclusion(inc Inclusion, root merkle.Hash) error {
	if !inc.Path.Valid() {
		return fmt.Errorf("%w: leaf index %d outside path width", ErrVerificationFailed, inc.Path.Index)
	}
	if inc.LeafDigest == merkle.EmptyLeaf {
		return fmt.Errorf("%w: %s claims a padding slot", ErrVerificationFailed, inc.Address)
	}
	if inc.Account != nil {
		if got := account.Hash(inc.Address, *inc.Account); got != inc.LeafDigest {
			return fmt.Errorf("%w: account preimage of %s hashes to %s, leaf is %s",
				ErrVerificationFailed, inc.Address, got, inc.LeafDigest)
		}
	}
	if got := inc.Path.Root(inc.LeafDigest); got != root {
		return fmt.Errorf("%w: path for %s yields root %s, want %s", ErrVerificationFailed, inc.Address, got, root)
	}
	return nil
}

func verifyInner(target merkle.Address, p NonInclusionInner, root merkle.Hash) error {
	if err := verifyInclusion(p.Left, root); err != nil {
		return fmt.Errorf("left neighbour: %w", err)
	}
	if err := verifyInclusion(p.Right, root); err != nil {
		return fmt.Errorf("right neighbour: %w", err)
	}
	if p.Right.Path.Index != p.Left.Path.Index+1 {
		return fmt.Errorf("%w: neighbours at %d and %d are not adjacent",
			ErrVerificationFailed, p.Left.Path.Index, p.Right.Path.Index)
	}
	if p.Left.Address.Compare(target) >= 0 || target.Compare(p.Right.Address) >= 0 {
		return fmt.Errorf("%w: %s does not fall strictly between %s and %s",
			ErrVerificationFailed, target, p.Left.Address, p.Right.Address)
	}
	return nil
}

func verifyLeft(target merkle.Address, p NonInclusionLeft, root merkle.Hash) error {
	if err := verifyInclusion(p.Leftmost, root); err != nil {
		return fmt.Errorf("leftmost leaf: %w", err)
	}
	if p.Leftmost.Path.Index != 0 {
		return fmt.Errorf("%w: leftmost leaf claimed at index %d", ErrVerificationFailed, p.Leftmost.Path.Index)
	}
	if target.Compare(p.Leftmost.Address) >= 0 {
		return fmt.Errorf("%w: %s does not sort before leftmost %s", ErrVerificationFailed, target, p.Leftmost.Address)
	}
	return nil
}

func verifyRight(target merkle.Address, p NonInclusionRight, root merkle.Hash) error {
	if err := verifyInclusion(p.Rightmost, root); err != nil {
		return fmt.Errorf("rightmost leaf: %w", err)
	}
	n := len(p.Leaves)
	if n == 0 {
		return fmt.Errorf("%w: empty leaf list", ErrVerificationFailed)
	}
	for i, d := range p.Leaves {
		if d == merkle.EmptyLeaf {
			return fmt.Errorf("%w: leaf list entry %d is padding", ErrVerificationFailed, i)
		}
	}
	if got := merkle.RootFromDigests(p.Leaves); got != root {
		return fmt.Errorf("%w: leaf list yields root %s, want %s", ErrVerificationFailed, got, root)
	}
	if merkle.DepthFor(n) != len(p.Rightmost.Path.Levels) {
		return fmt.Errorf("%w: leaf list depth %d disagrees with path depth %d",
			ErrVerificationFailed, merkle.DepthFor(n), len(p.Rightmost.Path.Levels))
	}
	if p.Rightmost.Path.Index != uint64(n-1) || p.Leaves[n-1] != p.Rightmost.LeafDigest {
		return fmt.Errorf("%w: rightmost leaf is not the last entry of the leaf list", ErrVerificationFailed)
	}
	if p.Rightmost.Address.Compare(target) >= 0 {
		return fmt.Errorf("%w: %s does not sort after rightmost %s", ErrVerificationFailed, target, p.Rightmost.Address)
	}
	return nil
}
