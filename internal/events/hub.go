// Package events fans out what happens inside a session (words heard,
// controls fired, captures, navigation, assistant replies) to any number of
// subscribers, typically websocket clients.
//
// Delivery never blocks the publisher: a subscriber whose buffer is full
// misses the event.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	Transcription  Kind = "transcription"
	ControlFired   Kind = "control_fired"
	ControlResult  Kind = "control_result"
	ActionFailed   Kind = "action_failed"
	ModalStarted   Kind = "modal_started"
	ModalCaptured  Kind = "modal_captured"
	Waiting        Kind = "waiting"
	Resumed        Kind = "resumed"
	Navigation     Kind = "navigation"
	AssistantReply Kind = "assistant_reply"
	SessionClosed  Kind = "session_closed"
)

// Event is one session occurrence. Optional fields are omitted from JSON when
// empty.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`
	Control string    `json:"control,omitempty"`
	Text    string    `json:"text,omitempty"`
	Screen  string    `json:"screen,omitempty"`
	Error   string    `json:"error,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(Event)

// Publish implements [Publisher].
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

const defaultBuffer = 64

// Hub is a [Publisher] that broadcasts to subscribers. It is safe for
// concurrent use.
type Hub struct {
	session string
	buffer  int
	now     func() time.Time

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-subscriber channel size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub returns a hub that stamps events with session.
func NewHub(session string, opts ...Option) *Hub {
	h := &Hub{
		session: session,
		buffer:  defaultBuffer,
		now:     time.Now,
		subs:    make(map[int]chan Event),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish implements [Publisher]. Missing ID, Time and Session fields are
// filled in.
func (h *Hub) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = h.now()
	}
	if e.Session == "" {
		e.Session = h.session
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("events: subscriber full, dropping event",
				"session", h.session,
				"subscriber", id,
				"kind", e.Kind,
			)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function removes it
// and closes the channel; it is safe to call more than once. Subscribing to a
// closed hub returns an already closed channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

var _ Publisher = (*Hub)(nil)
