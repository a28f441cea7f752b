// SPDX-License-Identifier: MPL-2.0

package events

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultBacklog is how many recent events a new subscriber receives.
	DefaultBacklog = 64
	// DefaultSubscriptionBuffer is the queue length of one subscriber.
	DefaultSubscriptionBuffer = 256
)

type (
	// Broadcaster relays events to live subscribers. It keeps the most recent
	// events and replays them to each new subscriber before live ones. A
	// subscriber whose queue is full loses events; Record never blocks on it.
	Broadcaster struct {
		mu      sync.Mutex
		keep    int
		backlog []Event
		subs    map[*Subscription]struct{}
		closed  bool
	}

	// Subscription is one consumer of a Broadcaster.
	Subscription struct {
		b       *Broadcaster
		ch      chan Event
		dropped atomic.Uint64
	}
)

// NewBroadcaster returns a Broadcaster replaying up to backlog events.
func NewBroadcaster(backlog int) *Broadcaster {
	return &Broadcaster{
		keep: max(backlog, 0),
		subs: make(map[*Subscription]struct{}),
	}
}

// Record implements Reporter.
func (b *Broadcaster) Record(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.keep > 0 {
		if len(b.backlog) == b.keep {
			b.backlog = append(b.backlog[:0], b.backlog[1:]...)
		}
		b.backlog = append(b.backlog, e)
	}
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with room for buffer queued events,
// grown to fit the backlog. On a closed Broadcaster the channel is already
// closed.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{b: b, ch: make(chan Event, max(buffer, len(b.backlog), 1))}
	if b.closed {
		close(s.ch)
		return s
	}
	for _, e := range b.backlog {
		s.ch <- e
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later events are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	clear(b.subs)
	b.backlog = nil
}

// Events returns the channel events arrive on. It is closed by Close on the
// subscription or the Broadcaster.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were lost because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		close(s.ch)
	}
}
