// Package health watches the notification feed for stalls.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/accountproof/internal/alarm"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

// Feed states.
const (
	StateStarting = "starting"
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
)

// AlarmFeedStalled is the alarm type raised when the feed stops advancing.
const AlarmFeedStalled = "feed_stalled"

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	FailThreshold int
}

// StatusSource reports the engine's position.
type StatusSource interface {
	Status() *proofstream.StatusResponse
}

// Report is the outcome of the latest check.
type Report struct {
	State       string    `json:"status"`
	HighestSlot uint64    `json:"highest_slot"`
	RootedSlot  uint64    `json:"rooted_slot"`
	Halted      []uint64  `json:"halted,omitempty"`
	Stalls      int       `json:"stalls"`
	LastAdvance time.Time `json:"last_advance,omitempty"`
}

// Checker marks the feed degraded once the highest slot has not advanced
// for FailThreshold consecutive checks.
type Checker struct {
	source StatusSource
	alarms alarm.Notifier
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	report Report
}

// New creates a Checker. alarms may be nil.
func New(source StatusSource, alarms alarm.Notifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		source: source,
		alarms: alarms,
		cfg:    cfg,
		logger: logger,
		report: Report{State: StateStarting},
	}
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes the feed once and returns the updated report.
func (h *Checker) Check(ctx context.Context) Report {
	st := h.source.Status()

	h.mu.Lock()
	prev := h.report
	r := prev
	r.RootedSlot = st.RootedSlot
	r.Halted = append([]uint64(nil), st.Halted...)

	advanced := st.HighestSlot > prev.HighestSlot
	if advanced {
		r.HighestSlot = st.HighestSlot
		r.State = StateHealthy
		r.Stalls = 0
		r.LastAdvance = time.Now().UTC()
	} else {
		r.Stalls++
		if r.Stalls >= h.cfg.FailThreshold {
			r.State = StateDegraded
		}
	}
	h.report = r
	h.mu.Unlock()

	metrics.RecordHealthCheck(advanced)

	switch {
	case advanced && prev.State == StateDegraded:
		h.logger.Info("health: feed recovered", zap.Uint64("highest_slot", r.HighestSlot))
	case !advanced && r.Stalls == h.cfg.FailThreshold:
		// Transition: exactly at threshold
		h.logger.Warn("health: feed stalled",
			zap.Uint64("highest_slot", r.HighestSlot),
			zap.Int("stalls", r.Stalls),
		)
		if h.alarms != nil {
			h.alarms.Raise(ctx, alarm.Alarm{
				Type:      AlarmFeedStalled,
				Slot:      r.HighestSlot,
				Message:   "no new slot observed for " + (time.Duration(r.Stalls) * h.cfg.CheckInterval).String(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return r
}

// Report returns the latest report without probing.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.report
	r.Halted = append([]uint64(nil), h.report.Halted...)
	return r
}

// Healthy reports whether the feed is not degraded.
func (h *Checker) Healthy() bool { return h.Report().State != StateDegraded }
