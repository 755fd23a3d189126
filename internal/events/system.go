package events

import (
	"strings"
	"sync"
	"time"
)

// DefaultMaxSystemEvents bounds the pending events kept per session.
const DefaultMaxSystemEvents = 20

// SystemEvent is a short notice surfaced to the model on the next run, such
// as "Model switched to ollama/gpt-oss-20b.".
type SystemEvent struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type sessionEvents struct {
	events   []SystemEvent
	lastText string
}

// SystemQueue holds pending system events per session key. Draining is
// destructive: each event reaches exactly one run.
type SystemQueue struct {
	mu     sync.Mutex
	queues map[string]*sessionEvents
	max    int
	bus    *Bus
	now    func() time.Time
}

// NewSystemQueue creates a queue. When bus is non-nil every accepted event
// is also published on TopicSystem.
func NewSystemQueue(bus *Bus) *SystemQueue {
	return &SystemQueue{
		queues: make(map[string]*sessionEvents),
		max:    DefaultMaxSystemEvents,
		bus:    bus,
		now:    time.Now,
	}
}

// SetMax changes the per-session bound.
func (q *SystemQueue) SetMax(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.max = n
	q.mu.Unlock()
}

// Enqueue records text for key. Blank input and consecutive duplicates are
// ignored. It reports whether the event was kept.
func (q *SystemQueue) Enqueue(key, text string) bool {
	key = strings.TrimSpace(key)
	text = strings.TrimSpace(text)
	if key == "" || text == "" {
		return false
	}
	now := q.now()

	q.mu.Lock()
	s, ok := q.queues[key]
	if !ok {
		s = &sessionEvents{}
		q.queues[key] = s
	}
	if s.lastText == text {
		q.mu.Unlock()
		return false
	}
	s.lastText = text
	s.events = append(s.events, SystemEvent{Text: text, At: now})
	if len(s.events) > q.max {
		s.events = s.events[len(s.events)-q.max:]
	}
	q.mu.Unlock()

	q.bus.Publish(Event{Topic: TopicSystem, Type: "system.event", SessionKey: key, Payload: text, At: now})
	return true
}

// Drain removes and returns key's pending events in order.
func (q *SystemQueue) Drain(key string) []SystemEvent {
	key = strings.TrimSpace(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.queues[key]
	if !ok || len(s.events) == 0 {
		return nil
	}
	delete(q.queues, key)
	return s.events
}

// Peek returns a copy of key's pending events.
func (q *SystemQueue) Peek(key string) []SystemEvent {
	key = strings.TrimSpace(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.queues[key]
	if !ok {
		return nil
	}
	return append([]SystemEvent(nil), s.events...)
}

// Count returns the number of pending events for key.
func (q *SystemQueue) Count(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.queues[strings.TrimSpace(key)]; ok {
		return len(s.events)
	}
	return 0
}

// Clear drops key's pending events.
func (q *SystemQueue) Clear(key string) {
	q.mu.Lock()
	delete(q.queues, strings.TrimSpace(key))
	q.mu.Unlock()
}

// Prepend drains key's events and places them ahead of prompt, one
// "System: " line each.
func (q *SystemQueue) Prepend(key, prompt string) string {
	pending := q.Drain(key)
	if len(pending) == 0 {
		return prompt
	}
	var b strings.Builder
	for _, ev := range pending {
		b.WriteString("System: ")
		b.WriteString(ev.Text)
		b.WriteByte('\n')
	}
	if strings.TrimSpace(prompt) == "" {
		return strings.TrimRight(b.String(), "\n")
	}
	b.WriteByte('\n')
	b.WriteString(prompt)
	return b.String()
}
