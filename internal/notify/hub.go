// Package notify broadcasts registry and ledger mutations to any number of
// subscribers over buffered or spooled channels.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names the entity an event refers to.
type Kind string

const (
	KindNode    Kind = "node"
	KindTask    Kind = "task"
	KindSubTask Kind = "subtask"
	KindHistory Kind = "history"
)

// Action names the mutation that produced an event.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionOffline Action = "offline"
	ActionDeleted Action = "deleted"
)

// Event is one mutation. Entity holds a deep copy of the affected value
// (fleet.Node, fleet.MainTask, fleet.SubTask or fleet.HistoryEntry).
type Event struct {
	Kind      Kind      `json:"kind"`
	Action    Action    `json:"action"`
	ID        int       `json:"id"`
	Entity    any       `json:"entity"`
	Timestamp time.Time `json:"ts"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the subscription buffer used when Subscribe is given a
// non-positive size.
const DefaultBuffer = 256

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used to report dropped events.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// Hub fans events out to subscribers. Publish never blocks. A buffered
// subscriber whose buffer is full misses the event and the drop is counted
// and logged; a spooled subscriber queues every event until it is read.
type Hub struct {
	mu      sync.RWMutex
	next    int
	subs    map[int]*subscriber
	closed  bool
	dropped atomic.Uint64
	log     *slog.Logger
}

type subscriber struct {
	ch    chan Event
	spool *spool
}

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{subs: make(map[int]*subscriber), log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a buffered subscriber. The returned function removes
// the subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return h.add(&subscriber{ch: make(chan Event, buffer)})
}

// SubscribeSpool registers a subscriber that never misses an event: Publish
// appends to an unbounded spool that a per-subscriber goroutine feeds into
// the returned channel in order. Unsubscribing discards whatever is still
// spooled; Close delivers it before closing the channel.
func (h *Hub) SubscribeSpool() (<-chan Event, func()) {
	sp := &spool{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Event),
	}
	return h.add(&subscriber{ch: sp.out, spool: sp})
}

func (h *Hub) add(sub *subscriber) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		if sub.spool == nil {
			close(sub.ch)
		} else {
			close(sub.spool.out)
		}
		return sub.ch, func() {}
	}
	if sub.spool != nil {
		go sub.spool.pump()
	}
	id := h.next
	h.next++
	h.subs[id] = sub
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			_, live := h.subs[id]
			delete(h.subs, id)
			if sub.spool != nil {
				close(sub.spool.stop)
			} else if live {
				close(sub.ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.subs {
		if sub.spool != nil {
			sub.spool.push(ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := h.dropped.Add(1)
			h.log.Warn("subscriber full, event dropped", "subscriber", id, "kind", ev.Kind, "action", ev.Action, "id", ev.ID, "dropped", n)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffered
// subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscription. Later subscriptions are closed on
// creation and later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		if sub.spool != nil {
			sub.spool.finish()
		} else {
			close(sub.ch)
		}
	}
}

// spool is an unbounded FIFO between Publish and one subscriber channel.
type spool struct {
	mu      sync.Mutex
	pending []Event
	closing bool
	wake    chan struct{}
	stop    chan struct{}
	out     chan Event
}

func (s *spool) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.signal()
}

// finish lets the pump deliver what is pending and then close out.
func (s *spool) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *spool) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *spool) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

// Consume calls fn for each event on ch until ctx is done or ch is closed.
// A panic in fn is logged and the loop continues with the next event.
func Consume(ctx context.Context, ch <-chan Event, name string, log *slog.Logger, fn func(context.Context, Event) error) {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			handle(ctx, ev, name, log, fn)
		}
	}
}

func handle(ctx context.Context, ev Event, name string, log *slog.Logger, fn func(context.Context, Event) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", "subscriber", name, "kind", ev.Kind, "action", ev.Action, "panic", r)
		}
	}()
	if err := fn(ctx, ev); err != nil {
		log.Warn("subscriber failed", "subscriber", name, "kind", ev.Kind, "action", ev.Action, "err", err)
	}
}
