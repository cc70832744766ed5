// Package stream fans emitted proofs out to subscribers.
//
// The Hub enforces the per-address stream rules: proofs for one address are
// emitted in strictly increasing slot order, and a proof for a slot whose
// earlier proof came from a different slot version is refused until that
// earlier proof has been retracted. Each (address, subscriber) pair has its
// own bounded queue.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

var (
	// ErrOutOfOrder is returned when a proof does not advance the address's slot.
	ErrOutOfOrder = errors.New("proof slot does not advance address stream")

	// ErrConflict is returned when a different version of the slot is live.
	ErrConflict = errors.New("conflicting proof for slot has not been retracted")

	// ErrDuplicate is returned when the same version was already emitted.
	ErrDuplicate = errors.New("proof already emitted")

	// ErrSlowSubscriber closes a subscription whose queue overflowed.
	ErrSlowSubscriber = errors.New("subscriber disconnected: queue full")

	// ErrHubClosed closes every subscription at shutdown.
	ErrHubClosed = errors.New("stream hub closed")
)

// OverflowPolicy selects what happens when a subscriber queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued proof. Retractions are never dropped;
	// a queue holding only retractions disconnects the subscriber.
	DropOldest OverflowPolicy = iota
	// Disconnect closes the subscription.
	Disconnect
)

// ParseOverflowPolicy parses "drop_oldest" or "disconnect".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

func (p OverflowPolicy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop_oldest"
}

// Config sizes subscriber queues.
type Config struct {
	QueueCapacity int
	Overflow      OverflowPolicy
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{QueueCapacity: 64, Overflow: DropOldest}
}

type emission struct {
	version uint64
}

// Hub is safe for concurrent use.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	seq    uint64
	subs   map[uuid.UUID]*Subscription
	byAddr map[merkle.Address]map[uuid.UUID]*Subscription
	live   map[merkle.Address]map[uint64]emission
	closed bool
}

// NewHub creates an empty hub.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.Named("hub"),
		subs:   make(map[uuid.UUID]*Subscription),
		byAddr: make(map[merkle.Address]map[uuid.UUID]*Subscription),
		live:   make(map[merkle.Address]map[uint64]emission),
	}
}

// Subscribe registers a subscriber for addrs.
func (h *Hub) Subscribe(addrs []merkle.Address) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	s := &Subscription{
		ID:       uuid.New(),
		hub:      h,
		capacity: h.cfg.QueueCapacity,
		policy:   h.cfg.Overflow,
		queues:   make(map[merkle.Address][]queued),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, a := range addrs {
		if _, dup := s.queues[a]; dup {
			continue
		}
		s.queues[a] = nil
		s.addrs = append(s.addrs, a)
		if h.byAddr[a] == nil {
			h.byAddr[a] = make(map[uuid.UUID]*Subscription)
		}
		h.byAddr[a][s.ID] = s
	}
	h.subs[s.ID] = s
	metrics.SetSubscribers(len(h.subs))
	h.logger.Info("subscriber added", zap.String("id", s.ID.String()), zap.Int("addresses", len(s.addrs)))
	return s, nil
}

// Unsubscribe removes a subscription and releases its queues.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s, nil)
}

func (h *Hub) removeLocked(s *Subscription, cause error) {
	if _, ok := h.subs[s.ID]; !ok {
		return
	}
	delete(h.subs, s.ID)
	for _, a := range s.addrs {
		delete(h.byAddr[a], s.ID)
		if len(h.byAddr[a]) == 0 {
			delete(h.byAddr, a)
		}
	}
	s.close(cause)
	metrics.SetSubscribers(len(h.subs))
	if cause != nil {
		h.logger.Warn("subscriber removed", zap.String("id", s.ID.String()), zap.Error(cause))
	}
}

// Publish emits a proof message produced from slot version version. It
// enforces increasing slot order and retraction-before-conflict per address.
func (h *Hub) Publish(version uint64, m *proofstream.Message) error {
	if m.Kind != proofstream.KindProof {
		return fmt.Errorf("publish: unexpected message kind %s", m.Kind)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	slots := h.live[m.Address]
	if prev, ok := slots[m.Slot]; ok {
		if prev.version == version {
			return fmt.Errorf("%w: %s slot %d", ErrDuplicate, m.Address, m.Slot)
		}
		return fmt.Errorf("%w: %s slot %d", ErrConflict, m.Address, m.Slot)
	}
	for s := range slots {
		if s > m.Slot {
			return fmt.Errorf("%w: %s slot %d after %d", ErrOutOfOrder, m.Address, m.Slot, s)
		}
	}

	if slots == nil {
		slots = make(map[uint64]emission)
		h.live[m.Address] = slots
	}
	slots[m.Slot] = emission{version: version}
	h.deliverLocked(m)
	return nil
}

// RetractVersion withdraws every live proof built from version at slot and
// returns the retraction messages sent.
func (h *Hub) RetractVersion(slot, version uint64) []*proofstream.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var addrs []merkle.Address
	for a, slots := range h.live {
		if e, ok := slots[slot]; ok && e.version == version {
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })

	out := make([]*proofstream.Message, 0, len(addrs))
	for _, a := range addrs {
		delete(h.live[a], slot)
		if len(h.live[a]) == 0 {
			delete(h.live, a)
		}
		m := proofstream.Retraction(slot, a)
		h.deliverLocked(m)
		out = append(out, m)
	}
	return out
}

// Emitted reports the slot version whose proof for addr at slot is live.
func (h *Hub) Emitted(addr merkle.Address, slot uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.live[addr][slot]
	return e.version, ok
}

// Forget stops tracking emissions below slot. Slots below the rooted tip can
// no longer be retracted.
func (h *Hub) Forget(below uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for a, slots := range h.live {
		latest := uint64(0)
		for s := range slots {
			if s > latest {
				latest = s
			}
		}
		for s := range slots {
			// The newest emission stays so that ordering survives pruning.
			if s < below && s != latest {
				delete(slots, s)
			}
		}
		if len(slots) == 0 {
			delete(h.live, a)
		}
	}
}

// Addresses returns every address with at least one subscriber.
func (h *Hub) Addresses() []merkle.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]merkle.Address, 0, len(h.byAddr))
	for a := range h.byAddr {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, s := range h.subs {
		h.removeLocked(s, ErrHubClosed)
	}
}

func (h *Hub) deliverLocked(m *proofstream.Message) {
	for _, s := range h.byAddr[m.Address] {
		h.seq++
		if err := s.push(h.seq, m); err != nil {
			h.removeLocked(s, err)
		}
	}
}
