package commitment

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/stretchr/testify/require"
)

func h(b byte) merkle.Hash {
	var out merkle.Hash
	out[0] = b
	return out
}

func TestRecomputeMatchesOrderedConcatenation(t *testing.T) {
	parent, root, block := h(1), h(2), h(3)

	buf := make([]byte, 0, 104)
	buf = append(buf, parent[:]...)
	buf = append(buf, root[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, 42)
	buf = append(buf, block[:]...)
	want := merkle.Hash(sha256.Sum256(buf))

	require.Equal(t, want, Recompute(parent, root, 42, block))
}

func TestRecomputeChains(t *testing.T) {
	c1 := Recompute(h(0), h(1), 1, h(9))
	c2 := Recompute(c1, h(2), 1, h(9))
	require.NotEqual(t, c1, c2)
	require.Equal(t, c2, Recompute(c1, h(2), 1, h(9)))
	require.NotEqual(t, c2, Recompute(c1, h(3), 1, h(9)))
}

func TestAnchor(t *testing.T) {
	entries := []Entry{{Slot: 4, Commitment: h(4)}, {Slot: 3, Commitment: h(3)}, {Slot: 2, Commitment: h(2)}}
	w := WindowOf(entries)
	entries[0].Commitment = h(0xFF)
	require.Equal(t, 3, w.Len())
	require.Equal(t, h(4), w.Entries()[0].Commitment, "window must not alias its input")

	require.Equal(t, Anchored, Anchor(h(3), w))
	require.Equal(t, Unanchored, Anchor(h(1), w))
	require.Equal(t, Unanchored, Anchor(h(3), nil))

	c, ok := w.Lookup(2)
	require.True(t, ok)
	require.Equal(t, h(2), c)
}

func TestWindowCodec(t *testing.T) {
	w := WindowOf([]Entry{{Slot: 9, Commitment: h(9)}, {Slot: 8, Commitment: h(8)}})
	data := EncodeWindow(w)
	require.Len(t, data, 8+2*40)

	back, err := DecodeWindow(data)
	require.NoError(t, err)
	require.Equal(t, w.Entries(), back.Entries())

	_, err = DecodeWindow(data[:50])
	require.ErrorIs(t, err, ErrMalformedWindow)
	_, err = DecodeWindow(nil)
	require.ErrorIs(t, err, ErrMalformedWindow)

	huge := binary.LittleEndian.AppendUint64(nil, MaxWindowEntries+1)
	huge = append(huge, make([]byte, (MaxWindowEntries+1)*40)...)
	_, err = DecodeWindow(huge)
	require.ErrorIs(t, err, ErrMalformedWindow)
}
