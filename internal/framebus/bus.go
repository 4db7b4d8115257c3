// Package framebus fans captured frames out to optional consumers without
// ever blocking the capture loop.
//
// Every subscriber owns a single-slot mailbox that always holds the newest
// published frame. An unread frame is overwritten by the next publish and
// counted as dropped; a frame taken by Receive is counted as sent.
package framebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
)

var (
	ErrBusClosed          = errors.New("framebus: bus is closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
)

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// DropRate returns Dropped / (Sent + Dropped), or 0 when nothing was offered.
func (s SubscriberStats) DropRate() float64 {
	total := s.Sent + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}

// Bus distributes frames to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Latest
	closed      bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*Latest)}
}

// SubscribeLatest registers a subscriber and returns its mailbox.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	l := newLatest()
	b.subscribers[id] = l
	return l, nil
}

// Publish hands frame to every subscriber. It never blocks.
func (b *Bus) Publish(frame types.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, l := range b.subscribers {
		l.set(frame)
	}
}

// Stats returns counters for a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return l.stats(), nil
}

// Close shuts the bus down and closes every mailbox. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, l := range b.subscribers {
		l.Close()
	}
}

// Latest is a single-slot mailbox holding the newest published frame.
type Latest struct {
	mu      sync.Mutex
	frame   types.Frame
	pending bool
	notify  chan struct{}
	closed  chan struct{}
	once    sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newLatest() *Latest {
	return &Latest{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (l *Latest) set(frame types.Frame) {
	l.mu.Lock()
	if l.pending {
		l.dropped.Add(1)
	}
	l.frame = frame
	l.pending = true
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Latest) take() (types.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending {
		return types.Frame{}, false
	}
	l.pending = false
	l.sent.Add(1)
	return l.frame, true
}

// Receive blocks until an unread frame is available. It returns false when
// ctx is done or the mailbox is closed.
func (l *Latest) Receive(ctx context.Context) (types.Frame, bool) {
	for {
		if f, ok := l.take(); ok {
			return f, true
		}
		select {
		case <-l.notify:
		case <-l.closed:
			return types.Frame{}, false
		case <-ctx.Done():
			return types.Frame{}, false
		}
	}
}

func (l *Latest) stats() SubscriberStats {
	return SubscriberStats{Sent: l.sent.Load(), Dropped: l.dropped.Load()}
}

// Close wakes any blocked Receive. Idempotent.
func (l *Latest) Close() {
	l.once.Do(func() { close(l.closed) })
}
