package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
)

type queued struct {
	seq uint64
	msg *proofstream.Message
}

// Subscription is one subscriber's view of the hub. Messages for a single
// address arrive in publish order; Next interleaves addresses by publish
// order as well.
type Subscription struct {
	ID uuid.UUID

	hub      *Hub
	capacity int
	policy   OverflowPolicy
	addrs    []merkle.Address

	mu     sync.Mutex
	queues map[merkle.Address][]queued
	notify chan struct{}
	done   chan struct{}
	err    error
}

// Addresses returns the addresses the subscription covers.
func (s *Subscription) Addresses() []merkle.Address {
	return append([]merkle.Address(nil), s.addrs...)
}

// Next blocks until a message is available, the subscription is closed or
// ctx is done. Messages queued before a close are still delivered.
func (s *Subscription) Next(ctx context.Context) (*proofstream.Message, error) {
	for {
		if m, ok := s.pop(); ok {
			return m, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if m, ok := s.pop(); ok {
				return m, nil
			}
			return nil, s.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued messages.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Err returns why the subscription was closed, or nil while it is open or
// after a plain unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the hub stops delivering to the subscription.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

func (s *Subscription) pop() (*proofstream.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  merkle.Address
		found bool
		seq   uint64
	)
	for a, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		if !found || q[0].seq < seq {
			best, seq, found = a, q[0].seq, true
		}
	}
	if !found {
		return nil, false
	}
	q := s.queues[best]
	m := q[0].msg
	q[0] = queued{}
	s.queues[best] = q[1:]
	return m, true
}

// push is called with the hub lock held. A non-nil error means the
// subscriber must be removed.
func (s *Subscription) push(seq uint64, m *proofstream.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[m.Address]
	if len(q) >= s.capacity {
		if s.policy == Disconnect {
			metrics.RecordQueueDrop("disconnect")
			return ErrSlowSubscriber
		}
		i := oldestProof(q)
		if i < 0 {
			metrics.RecordQueueDrop("disconnect")
			return ErrSlowSubscriber
		}
		q = append(q[:i], q[i+1:]...)
		metrics.RecordQueueDrop("drop_oldest")
	}
	s.queues[m.Address] = append(q, queued{seq: seq, msg: m})

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func oldestProof(q []queued) int {
	for i, e := range q {
		if e.msg.Kind == proofstream.KindProof {
			return i
		}
	}
	return -1
}

func (s *Subscription) close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.err = cause
	close(s.done)
}
