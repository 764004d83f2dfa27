package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHubClosed is returned by Subscribe once the hub has been closed.
var ErrHubClosed = errors.New("event hub closed")

// MemoryOption configures a MemoryHub.
type MemoryOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity. Default 64.
func WithBuffer(n int) MemoryOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// MemoryHub fans events out to in-process subscribers over buffered
// channels. Publish never blocks: a full subscriber misses the event and the
// miss is counted.
type MemoryHub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
}

func NewMemoryHub(opts ...MemoryOption) *MemoryHub {
	h := &MemoryHub{buffer: 64, subs: make(map[*subscription]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stamps the event if needed and offers it to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel func
// closes the channel and may be called any number of times.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{ch: make(chan StreamEvent, h.buffer), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(sub) }, nil
}

// Close ends every subscription and rejects new ones. Publish keeps working
// and reaches nobody.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub)
	}
}

func (h *MemoryHub) remove(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		// Publish sends under the read lock; once deleted, no send is in flight.
		close(sub.ch)
	})
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published returns how many events were offered to the hub.
func (h *MemoryHub) Published() uint64 { return h.published.Load() }

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

var _ EventHub = (*MemoryHub)(nil)
