package events

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Topics published by the gateway.
const (
	TopicSystem  = "system"
	TopicRun     = "run"
	TopicSession = "session"
	TopicQueue   = "queue"
	// TopicAll receives every event regardless of its topic.
	TopicAll = "*"
)

// DefaultMaxListeners bounds subscriptions per bus.
const DefaultMaxListeners = 64

var (
	// ErrTooManyListeners is returned by Subscribe once the bus is full.
	ErrTooManyListeners = errors.New("too many event listeners")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("event bus closed")
)

// Event is one published notification.
type Event struct {
	Topic      string    `json:"topic"`
	Type       string    `json:"type"`
	SessionKey string    `json:"sessionKey,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Handler receives events on the publisher's goroutine and must not block.
type Handler func(Event)

type listener struct {
	id    uint64
	topic string
	fn    Handler
}

// Bus fans events out to topic subscribers. It is owned by the gateway and
// closed with it.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]listener
	nextID    uint64
	max       int
	closed    bool
	logger    *slog.Logger
	now       func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMaxListeners overrides DefaultMaxListeners.
func WithMaxListeners(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.max = n
		}
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an open bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		listeners: make(map[uint64]listener),
		max:       DefaultMaxListeners,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a registered handler.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.listeners, s.id)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers fn for topic. TopicAll subscribes to everything.
func (b *Bus) Subscribe(topic string, fn Handler) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("nil event handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if len(b.listeners) >= b.max {
		return nil, ErrTooManyListeners
	}
	b.nextID++
	b.listeners[b.nextID] = listener{id: b.nextID, topic: topic, fn: fn}
	return &Subscription{bus: b, id: b.nextID}, nil
}

// Publish delivers ev to matching handlers in subscription order and
// returns how many received it. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev Event) int {
	if b == nil {
		return 0
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	targets := make([]listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		if l.topic == ev.Topic || l.topic == TopicAll {
			targets = append(targets, l)
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(targets, func(a, b listener) int { return cmp.Compare(a.id, b.id) })
	for _, l := range targets {
		b.deliver(l, ev)
	}
	return len(targets)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close drops every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.listeners = make(map[uint64]listener)
	b.mu.Unlock()
}

func (b *Bus) deliver(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", ev.Topic, "type", ev.Type, "panic", r)
		}
	}()
	l.fn(ev)
}
