package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/accountproof/internal/alarm"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubSource struct {
	mu      sync.Mutex
	highest uint64
}

func (s *stubSource) set(slot uint64) {
	s.mu.Lock()
	s.highest = slot
	s.mu.Unlock()
}

func (s *stubSource) Status() *proofstream.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &proofstream.StatusResponse{HighestSlot: s.highest, RootedSlot: s.highest / 2, Halted: []uint64{3}}
}

type stubNotifier struct {
	alarms []alarm.Alarm
}

func (n *stubNotifier) Raise(_ context.Context, a alarm.Alarm) {
	n.alarms = append(n.alarms, a)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_startsUntilFirstSlot(t *testing.T) {
	checker := New(&stubSource{}, nil, Config{FailThreshold: 3}, zap.NewNop())
	if got := checker.Report().State; got != StateStarting {
		t.Errorf("expected %q before any check, got %q", StateStarting, got)
	}
	r := checker.Check(context.Background())
	if r.State != StateStarting || r.Stalls != 1 {
		t.Errorf("expected starting with 1 stall, got %+v", r)
	}
}

func TestCheck_degradesAfterThreshold(t *testing.T) {
	src := &stubSource{}
	notifier := &stubNotifier{}
	checker := New(src, notifier, Config{CheckInterval: time.Second, FailThreshold: 3}, zap.NewNop())
	ctx := context.Background()

	src.set(10)
	if r := checker.Check(ctx); r.State != StateHealthy || r.HighestSlot != 10 {
		t.Fatalf("expected healthy at slot 10, got %+v", r)
	}

	for i := 0; i < 2; i++ {
		if r := checker.Check(ctx); r.State != StateHealthy {
			t.Fatalf("check %d: expected still healthy, got %q", i, r.State)
		}
	}
	r := checker.Check(ctx)
	if r.State != StateDegraded {
		t.Fatalf("expected degraded after 3 stalls, got %q", r.State)
	}
	if checker.Healthy() {
		t.Error("Healthy() = true while degraded")
	}
	if len(notifier.alarms) != 1 || notifier.alarms[0].Type != AlarmFeedStalled {
		t.Fatalf("expected one feed_stalled alarm, got %+v", notifier.alarms)
	}

	// Further stalls do not re-raise.
	checker.Check(ctx)
	if len(notifier.alarms) != 1 {
		t.Errorf("expected no second alarm, got %d", len(notifier.alarms))
	}
}

func TestCheck_recovers(t *testing.T) {
	src := &stubSource{}
	checker := New(src, nil, Config{FailThreshold: 1}, zap.NewNop())
	ctx := context.Background()

	if r := checker.Check(ctx); r.State != StateDegraded {
		t.Fatalf("expected degraded, got %q", r.State)
	}
	src.set(5)
	r := checker.Check(ctx)
	if r.State != StateHealthy || r.Stalls != 0 {
		t.Errorf("expected recovery, got %+v", r)
	}
	if r.LastAdvance.IsZero() {
		t.Error("expected LastAdvance to be set")
	}
	if len(r.Halted) != 1 || r.RootedSlot != 2 {
		t.Errorf("expected status copied into report, got %+v", r)
	}
}
