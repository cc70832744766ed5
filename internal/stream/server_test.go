package stream_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/accountproof/internal/ingest"
	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingSink struct {
	mu     sync.Mutex
	inputs []ingest.Input
}

func (s *recordingSink) Submit(_ context.Context, in ingest.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

type fixedStatus struct{}

func (fixedStatus) Status() *proofstream.StatusResponse {
	return &proofstream.StatusResponse{RootedSlot: 40, HighestSlot: 42, Halted: []uint64{41}}
}

type harness struct {
	hub    *stream.Hub
	sink   *recordingSink
	issuer *stream.TokenIssuer
	client proofstream.ProofStreamClient
}

func newHarness(t *testing.T, authEnabled bool) *harness {
	t.Helper()
	logger := zap.NewNop()
	issuer, err := stream.NewTokenIssuer([]byte(testSecret), "accountproof-test", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	h := &harness{
		hub:    stream.NewHub(stream.DefaultConfig(), logger),
		sink:   &recordingSink{},
		issuer: issuer,
	}
	cfg := stream.DefaultServerConfig()
	cfg.Auth.Enabled = authEnabled
	srv, err := stream.NewServer(cfg, h.hub, ingest.New(h.sink, nil, logger), fixedStatus{}, issuer, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	h.client = proofstream.NewProofStreamClient(conn)
	return h
}

func (h *harness) waitForSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers, have %d", n, h.hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_SubscribeReceivesProofs(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sc, err := h.client.Subscribe(ctx, &proofstream.SubscribeRequest{Addresses: []merkle.Address{addr(1)}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.waitForSubscribers(t, 1)

	if err := h.hub.Publish(1, proofMsg(7, addr(1))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	h.hub.RetractVersion(7, 1)

	m, err := sc.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m.Kind != proofstream.KindProof || m.Slot != 7 || m.Address != addr(1) {
		t.Errorf("unexpected first message: %+v", m)
	}
	m, err = sc.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m.Kind != proofstream.KindRetract {
		t.Errorf("expected retraction, got %s", m.Kind)
	}
}

func TestServer_SubscribeRequiresAddresses(t *testing.T) {
	h := newHarness(t, false)
	sc, err := h.client.Subscribe(context.Background(), &proofstream.SubscribeRequest{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := sc.Recv(); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestServer_IngestSummary(t *testing.T) {
	h := newHarness(t, false)
	ic, err := h.client.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	reqs := []*proofstream.IngestRequest{
		{Account: &proofstream.AccountWrite{Address: addr(1), Slot: 3, WriteVersion: 1, Lamports: 5}},
		{Slot: &proofstream.SlotUpdate{Slot: 3, Parent: 2, Status: proofstream.SlotConfirmed}},
		{Slot: &proofstream.SlotUpdate{Slot: 3, Status: 99}},
		{},
	}
	for _, r := range reqs {
		if err := ic.Send(r); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	sum, err := ic.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if sum.Accepted != 2 || sum.Rejected != 2 {
		t.Errorf("summary = %+v, want 2 accepted 2 rejected", sum)
	}
	if h.sink.len() != 2 {
		t.Errorf("sink received %d inputs, want 2", h.sink.len())
	}
}

func TestServer_StatusIsPublic(t *testing.T) {
	h := newHarness(t, true)
	resp, err := h.client.Status(context.Background(), &proofstream.StatusRequest{})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.RootedSlot != 40 || resp.HighestSlot != 42 || len(resp.Halted) != 1 {
		t.Errorf("unexpected status: %+v", resp)
	}
}

func TestServer_AuthScopes(t *testing.T) {
	h := newHarness(t, true)
	req := &proofstream.SubscribeRequest{Addresses: []merkle.Address{addr(1)}}

	sc, err := h.client.Subscribe(context.Background(), req)
	if err == nil {
		_, err = sc.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("no token: expected Unauthenticated, got %v", err)
	}

	ingestOnly, err := h.issuer.Issue("shim", []string{stream.ScopeIngest})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+ingestOnly)
	sc, err = h.client.Subscribe(ctx, req)
	if err == nil {
		_, err = sc.Recv()
	}
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("wrong scope: expected PermissionDenied, got %v", err)
	}

	tok, err := h.issuer.Issue("wallet", []string{stream.ScopeSubscribe})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok))
	defer cancel()
	if _, err := h.client.Subscribe(ctx, req); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.waitForSubscribers(t, 1)
}

func TestTokenIssuer_RejectsForeignSecret(t *testing.T) {
	a, _ := stream.NewTokenIssuer([]byte(testSecret), "x", time.Minute)
	b, _ := stream.NewTokenIssuer([]byte("fedcba9876543210fedcba9876543210"), "x", time.Minute)

	tok, err := a.Issue("s", []string{stream.ScopeSubscribe})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(tok); err == nil {
		t.Error("expected verification failure with a different secret")
	}
	claims, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !claims.HasScope(stream.ScopeSubscribe) || claims.HasScope(stream.ScopeIngest) {
		t.Errorf("unexpected scopes %v", claims.Scopes)
	}
	if _, err := stream.NewTokenIssuer([]byte("short"), "x", 0); err == nil {
		t.Error("expected ErrShortSecret")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer  abc ", "abc", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := stream.BearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTokenIssuer_ScopeHandling(t *testing.T) {
	a, err := stream.NewTokenIssuer([]byte(testSecret), "test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Issue("s", []string{"root"}); !errors.Is(err, stream.ErrUnknownScope) {
		t.Errorf("expected ErrUnknownScope, got %v", err)
	}
	tok, err := a.Issue("s", []string{stream.ScopeAdmin, stream.ScopeAdmin, stream.ScopeIngest})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.Scopes) != 2 || !claims.HasScope(stream.ScopeIngest) {
		t.Errorf("scopes = %v", claims.Scopes)
	}
	if _, err := stream.NewTokenIssuer([]byte("short"), "test", 0); !errors.Is(err, stream.ErrShortSecret) {
		t.Errorf("expected ErrShortSecret, got %v", err)
	}
}
