package client_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/client"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proof"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

// ── Stub server ─────────────────────────────────────────────────────────

type stubServer struct {
	msgs []*proofstream.Message

	mu       sync.Mutex
	auth     string
	ingested int
}

func (s *stubServer) Subscribe(_ *proofstream.SubscribeRequest, stream proofstream.SubscribeServer) error {
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			s.mu.Lock()
			s.auth = v[0]
			s.mu.Unlock()
		}
	}
	for _, m := range s.msgs {
		if err := stream.Send(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubServer) Ingest(stream proofstream.IngestServer) error {
	n := 0
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++
	}
	s.mu.Lock()
	s.ingested = n
	s.mu.Unlock()
	return stream.SendAndClose(&proofstream.IngestSummary{Accepted: uint64(n)})
}

func (s *stubServer) Status(context.Context, *proofstream.StatusRequest) (*proofstream.StatusResponse, error) {
	return &proofstream.StatusResponse{RootedSlot: 40, HighestSlot: 42}, nil
}

func dial(t *testing.T, srv *stubServer, opts ...client.Option) *client.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	proofstream.RegisterProofStreamServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	opts = append([]client.Option{
		client.WithInsecure(),
		client.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	}, opts...)
	c, err := client.Dial("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// ── Fixtures ────────────────────────────────────────────────────────────

func addr(b byte) merkle.Address {
	var a merkle.Address
	a[0] = b
	return a
}

// proofMsg proves addr(target) in a slot holding accounts 1..4.
func proofMsg(t *testing.T, slot uint64, target byte) *proofstream.Message {
	t.Helper()
	states := make(map[merkle.Address]account.State)
	digests := make(map[merkle.Address]merkle.Hash)
	for b := byte(1); b <= 4; b++ {
		st := account.State{Lamports: slot*10 + uint64(b), Owner: addr(0xEE)}
		states[addr(b)] = st
		digests[addr(b)] = account.Hash(addr(b), st)
	}
	tree := merkle.Build(digests)
	p, err := proof.For(tree, addr(target), func(a merkle.Address) (account.State, bool) {
		st, ok := states[a]
		return st, ok
	})
	require.NoError(t, err)

	bundle := &proofstream.Bundle{
		ParentCommitment: merkle.HashV([]byte("parent")),
		Root:             tree.Root(),
		SignatureCount:   slot,
		BlockHash:        merkle.HashV([]byte("block"), []byte{byte(slot)}),
	}
	bundle.Commitment = commitment.Recompute(bundle.ParentCommitment, bundle.Root, bundle.SignatureCount, bundle.BlockHash)
	return &proofstream.Message{Slot: slot, Kind: proofstream.KindProof, Address: addr(target), Proof: &p, Bundle: bundle}
}

func corrupted(t *testing.T, slot uint64) *proofstream.Message {
	m := proofMsg(t, slot, 1)
	m.Bundle.Root = merkle.HashV([]byte("forged"))
	return m
}

func collect(c *client.Client, addrs ...merkle.Address) ([]client.Event, error) {
	var events []client.Event
	err := c.Watch(context.Background(), addrs, func(ev client.Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

// ── Verify ──────────────────────────────────────────────────────────────

func TestVerify(t *testing.T) {
	good := proofMsg(t, 7, 2)
	require.NoError(t, client.Verify(good, merkle.Hash{}))
	require.NoError(t, client.Verify(good, good.Bundle.Commitment))
	require.NoError(t, client.Verify(proofMsg(t, 7, 9), merkle.Hash{}), "non-inclusion verifies")

	err := client.Verify(good, merkle.HashV([]byte("other")))
	assert.ErrorIs(t, err, client.ErrCommitmentMismatch)

	m := proofMsg(t, 7, 2)
	m.Bundle.Commitment = merkle.HashV([]byte("lie"))
	assert.ErrorIs(t, client.Verify(m, merkle.Hash{}), client.ErrCommitmentMismatch)

	assert.ErrorIs(t, client.Verify(corrupted(t, 7), merkle.Hash{}), proof.ErrVerificationFailed)

	m = proofMsg(t, 7, 2)
	m.Address = addr(3)
	assert.ErrorIs(t, client.Verify(m, merkle.Hash{}), proof.ErrMalformed)

	assert.ErrorIs(t, client.Verify(proofstream.Retraction(7, addr(2)), merkle.Hash{}), proof.ErrMalformed)
}

func TestVerify_RequiresBoundAddresses(t *testing.T) {
	// Strip the preimage from leaf 2's proof and relabel it as address 0x77,
	// which was never written. The path alone still reaches the root.
	m := proofMsg(t, 7, 2)
	inc := *m.Proof.Inclusion
	inc.Account = nil
	inc.Address = addr(0x77)
	p := *m.Proof
	p.Inclusion = &inc
	p.Target = addr(0x77)
	m.Proof = &p
	m.Address = addr(0x77)
	require.NoError(t, proof.Verify(p, m.Bundle.Root))

	assert.ErrorIs(t, client.Verify(m, merkle.Hash{}), proof.ErrVerificationFailed)

	// The same holds for non-inclusion neighbours.
	n := proofMsg(t, 7, 9)
	right := *n.Proof.Right
	right.Rightmost.Account = nil
	np := *n.Proof
	np.Right = &right
	n.Proof = &np
	assert.ErrorIs(t, client.Verify(n, merkle.Hash{}), proof.ErrVerificationFailed)
}

// ── Watch ───────────────────────────────────────────────────────────────

func TestWatch_TracksRetractions(t *testing.T) {
	srv := &stubServer{msgs: []*proofstream.Message{
		proofMsg(t, 1, 2),
		proofMsg(t, 2, 2),
		proofstream.Retraction(2, addr(2)),
		proofMsg(t, 2, 2),
		proofMsg(t, 3, 2),
	}}
	c := dial(t, srv, client.WithToken("secret-token"))

	events, err := collect(c, addr(2))
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.NoError(t, ev.Err, "event %d", i)
		assert.Equal(t, i == 2, ev.Retracted, "event %d", i)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "Bearer secret-token", srv.auth)
}

func TestWatch_SingleFailureIsReported(t *testing.T) {
	srv := &stubServer{msgs: []*proofstream.Message{
		proofMsg(t, 1, 2),
		corrupted(t, 2),
		proofMsg(t, 3, 2),
	}}
	events, err := collect(dial(t, srv), addr(2))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Error(t, events[1].Err)
	assert.Equal(t, 1, events[1].Failures)
	assert.NoError(t, events[2].Err)
	assert.Zero(t, events[2].Failures)
}

func TestWatch_ConsecutiveFailuresAreFatal(t *testing.T) {
	srv := &stubServer{msgs: []*proofstream.Message{
		corrupted(t, 1),
		corrupted(t, 2),
		corrupted(t, 3),
		proofMsg(t, 4, 2),
	}}
	events, err := collect(dial(t, srv), addr(2))
	require.ErrorIs(t, err, client.ErrStreamCorrupted)
	assert.Len(t, events, 3)
}

func TestWatch_CustomThreshold(t *testing.T) {
	srv := &stubServer{msgs: []*proofstream.Message{corrupted(t, 1), proofMsg(t, 2, 2)}}
	events, err := collect(dial(t, srv, client.WithFailureThreshold(1)), addr(2))
	require.ErrorIs(t, err, client.ErrStreamCorrupted)
	assert.Len(t, events, 1)
}

func TestWatch_UnboundProofIsAFailure(t *testing.T) {
	unbound := proofMsg(t, 1, 2)
	inc := *unbound.Proof.Inclusion
	inc.Account = nil
	p := *unbound.Proof
	p.Inclusion = &inc
	unbound.Proof = &p

	srv := &stubServer{msgs: []*proofstream.Message{unbound, proofMsg(t, 2, 2)}}
	events, err := collect(dial(t, srv), addr(2))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.ErrorIs(t, events[0].Err, proof.ErrVerificationFailed)
	assert.NoError(t, events[1].Err)
}

func TestWatch_OutOfOrder(t *testing.T) {
	srv := &stubServer{msgs: []*proofstream.Message{proofMsg(t, 5, 2), proofMsg(t, 4, 2)}}
	events, err := collect(dial(t, srv), addr(2))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.ErrorIs(t, events[1].Err, client.ErrOutOfOrder)
}

func TestWatch_Anchoring(t *testing.T) {
	first := proofMsg(t, 1, 2)
	window := commitment.WindowOf([]commitment.Entry{{Slot: 1, Commitment: first.Bundle.Commitment}})
	srv := &stubServer{msgs: []*proofstream.Message{first, proofMsg(t, 2, 2)}}
	c := dial(t, srv, client.WithWindow(func() *commitment.Window { return window }))

	events, err := collect(c, addr(2))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, commitment.Anchored, events[0].Anchoring)
	assert.Equal(t, commitment.Unanchored, events[1].Anchoring)
}

func TestWatch_HandlerErrorStops(t *testing.T) {
	srv := &stubServer{msgs: []*proofstream.Message{proofMsg(t, 1, 2), proofMsg(t, 2, 2)}}
	c := dial(t, srv)
	stop := errors.New("stop")
	calls := 0
	err := c.Watch(context.Background(), []merkle.Address{addr(2)}, func(client.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

// ── Unary and ingest ────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	c := dial(t, &stubServer{})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(40), st.RootedSlot)
	assert.Equal(t, uint64(42), st.HighestSlot)
}

func TestIngest(t *testing.T) {
	srv := &stubServer{}
	c := dial(t, srv)
	summary, err := c.Ingest(context.Background(), []*proofstream.IngestRequest{
		{Slot: &proofstream.SlotUpdate{Slot: 1, Status: proofstream.SlotConfirmed}},
		{EndOfStartup: true},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), summary.Accepted)
}

func TestDial_RejectsBadOptions(t *testing.T) {
	_, err := client.Dial("localhost:1", client.WithFailureThreshold(0))
	assert.Error(t, err)

	_, err = client.Dial("localhost:1", client.WithCA("not a pem"))
	assert.Error(t, err)
}
