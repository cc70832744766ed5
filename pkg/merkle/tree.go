// Package merkle builds the ordered, 16-ary merkle tree that the source chain
// commits to for each slot's account changes.
//
// Leaves are account digests sorted ascending by raw address bytes. Each level
// is padded with EmptyLeaf (or the digest of an all-padding subtree) so that
// every internal node has exactly Fanout children and the leaf level is a
// power of Fanout wide. An internal node is SHA-256 over its children's
// digests concatenated in order.
package merkle

import (
	"errors"
	"fmt"
	"sort"
)

// Fanout is the number of children of every internal node.
const Fanout = 16

var (
	// ErrNotFound is returned when an address is not a leaf of the tree.
	ErrNotFound = errors.New("address not in tree")

	// ErrDuplicateLeaf is returned when the same address is supplied twice.
	ErrDuplicateLeaf = errors.New("duplicate leaf address")

	// ErrIndexOutOfRange is returned for a leaf index past the last real leaf.
	ErrIndexOutOfRange = errors.New("leaf index out of range")
)

// Leaf is one (address, digest) entry of a change-set.
type Leaf struct {
	Address Address
	Digest  Hash
}

// Siblings holds the other Fanout-1 children of a node's parent, in order,
// with the node itself removed.
type Siblings [Fanout - 1]Hash

// Path is the bottom-up sibling path of a leaf.
type Path struct {
	Index  uint64     `json:"index"`
	Levels []Siblings `json:"levels"`
}

// Tree is an immutable merkle tree over one change-set.
type Tree struct {
	leaves []Leaf
	levels [][]Hash // levels[0] holds real leaf digests, levels[depth] holds the root
	empty  []Hash   // empty[l] is the digest of an all-padding subtree rooted at level l
	depth  int
	root   Hash
}

// Build constructs the tree for a change-set. The result depends only on the
// set's contents, never on map iteration order.
func Build(changeSet map[Address]Hash) *Tree {
	leaves := make([]Leaf, 0, len(changeSet))
	for addr, digest := range changeSet {
		leaves = append(leaves, Leaf{Address: addr, Digest: digest})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].Address.Compare(leaves[j].Address) < 0
	})
	return buildSorted(leaves)
}

// BuildFromLeaves constructs the tree from leaves in any order.
func BuildFromLeaves(leaves []Leaf) (*Tree, error) {
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address.Compare(sorted[j].Address) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Address == sorted[i].Address {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLeaf, sorted[i].Address)
		}
	}
	return buildSorted(sorted), nil
}

func buildSorted(leaves []Leaf) *Tree {
	digests := make([]Hash, len(leaves))
	for i := range leaves {
		digests[i] = leaves[i].Digest
	}
	levels, empty, depth := computeLevels(digests)
	t := &Tree{
		leaves: leaves,
		levels: levels,
		empty:  empty,
		depth:  depth,
	}
	if len(leaves) == 0 {
		t.root = HashV()
	} else {
		t.root = levels[depth][0]
	}
	return t
}

// RootFromDigests recomputes the root of a tree whose ordered real leaf
// digests are exactly digests.
func RootFromDigests(digests []Hash) Hash {
	if len(digests) == 0 {
		return HashV()
	}
	levels, _, depth := computeLevels(digests)
	return levels[depth][0]
}

// DepthFor returns the number of internal levels for n real leaves: the
// smallest d >= 1 with Fanout^d >= n.
func DepthFor(n int) int {
	depth, width := 1, Fanout
	for width < n {
		width *= Fanout
		depth++
	}
	return depth
}

func computeLevels(digests []Hash) ([][]Hash, []Hash, int) {
	depth := DepthFor(len(digests))

	empty := make([]Hash, depth+1)
	empty[0] = EmptyLeaf
	group := make([]Hash, Fanout)
	for l := 1; l <= depth; l++ {
		for i := range group {
			group[i] = empty[l-1]
		}
		empty[l] = hashChildren(group)
	}

	levels := make([][]Hash, depth+1)
	levels[0] = digests
	for l := 1; l <= depth; l++ {
		below := levels[l-1]
		count := (len(below) + Fanout - 1) / Fanout
		if count == 0 {
			count = 1
		}
		cur := make([]Hash, count)
		for i := 0; i < count; i++ {
			for c := 0; c < Fanout; c++ {
				idx := i*Fanout + c
				if idx < len(below) {
					group[c] = below[idx]
				} else {
					group[c] = empty[l-1]
				}
			}
			cur[i] = hashChildren(group)
		}
		levels[l] = cur
	}
	return levels, empty, depth
}

// Root returns the tree root.
func (t *Tree) Root() Hash { return t.root }

// Len returns the number of real (non-padding) leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Depth returns the number of internal levels.
func (t *Tree) Depth() int { return t.depth }

// Width returns the padded leaf count, Fanout^Depth.
func (t *Tree) Width() uint64 {
	w := uint64(1)
	for i := 0; i < t.depth; i++ {
		w *= Fanout
	}
	return w
}

// Leaf returns the real leaf at index i.
func (t *Tree) Leaf(i int) (Leaf, error) {
	if i < 0 || i >= len(t.leaves) {
		return Leaf{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	return t.leaves[i], nil
}

// Digests returns a copy of the ordered real leaf digests.
func (t *Tree) Digests() []Hash {
	out := make([]Hash, len(t.levels[0]))
	copy(out, t.levels[0])
	return out
}

// Find returns the leaf index of addr.
func (t *Tree) Find(addr Address) (int, bool) {
	i := t.search(addr)
	if i < len(t.leaves) && t.leaves[i].Address == addr {
		return i, true
	}
	return i, false
}

// Neighbors returns the indices of the greatest leaf sorting before addr and
// the least leaf sorting after it. left is -1 when addr precedes every leaf;
// right is Len() when addr follows every leaf.
func (t *Tree) Neighbors(addr Address) (left, right int) {
	i := t.search(addr)
	left = i - 1
	right = i
	if i < len(t.leaves) && t.leaves[i].Address == addr {
		right = i + 1
	}
	return left, right
}

func (t *Tree) search(addr Address) int {
	return sort.Search(len(t.leaves), func(i int) bool {
		return t.leaves[i].Address.Compare(addr) >= 0
	})
}

// GetPath returns the sibling path for addr, or ErrNotFound.
func (t *Tree) GetPath(addr Address) (Path, error) {
	i, ok := t.Find(addr)
	if !ok {
		return Path{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return t.PathAt(i)
}

// PathAt returns the sibling path of the real leaf at index i.
func (t *Tree) PathAt(i int) (Path, error) {
	if i < 0 || i >= len(t.leaves) {
		return Path{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	p := Path{Index: uint64(i), Levels: make([]Siblings, t.depth)}
	idx := i
	for l := 0; l < t.depth; l++ {
		base := (idx / Fanout) * Fanout
		pos := idx % Fanout
		n := 0
		for c := 0; c < Fanout; c++ {
			if c == pos {
				continue
			}
			p.Levels[l][n] = t.node(l, base+c)
			n++
		}
		idx /= Fanout
	}
	return p, nil
}

func (t *Tree) node(level, i int) Hash {
	if i < len(t.levels[level]) {
		return t.levels[level][i]
	}
	return t.empty[level]
}

// Width returns the padded leaf count of the tree p was taken from.
func (p Path) Width() uint64 {
	w := uint64(1)
	for range p.Levels {
		w *= Fanout
	}
	return w
}

// Valid reports whether the index is addressable by the path's depth. An
// index past the width would have its high digits silently ignored by Root.
func (p Path) Valid() bool {
	return len(p.Levels) > 0 && p.Index < p.Width()
}

// Root recomputes the root reached by hashing leaf upward along p.
func (p Path) Root(leaf Hash) Hash {
	cur := leaf
	idx := p.Index
	group := make([]Hash, Fanout)
	for _, sib := range p.Levels {
		pos := int(idx % Fanout)
		n := 0
		for c := 0; c < Fanout; c++ {
			if c == pos {
				group[c] = cur
				continue
			}
			group[c] = sib[n]
			n++
		}
		cur = hashChildren(group)
		idx /= Fanout
	}
	return cur
}
