// Package screen holds what a session currently shows: named screens, each
// with an explicitly built control list, and a navigation [Stack] with back
// and forward history. The Stack is the control-set provider the dispatcher
// reads on every token.
package screen

import (
	"sync"

	"github.com/MrWong99/voicectl/internal/control"
)

// Screen is a named, ordered control set.
type Screen struct {
	Name  string
	Title string

	controls []control.Handler
}

// New returns a screen with controls in priority order.
func New(name, title string, controls ...control.Handler) *Screen {
	return &Screen{Name: name, Title: title, controls: controls}
}

// Controls returns the screen's controls in priority order.
func (s *Screen) Controls() []control.Handler { return s.controls }

// Control returns the control with id, or nil.
func (s *Screen) Control(id string) control.Handler {
	for _, c := range s.controls {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// holding returns the first modal that is capturing, or nil.
func (s *Screen) holding() control.Handler {
	for _, c := range s.controls {
		if m, ok := c.(*control.Modal); ok && m.State() == control.Holding {
			return m
		}
	}
	return nil
}

// ChangeFunc is called after the current screen changed.
type ChangeFunc func(from, to *Screen)

// Stack is the navigation history of a session. It is safe for concurrent
// use; the change callback runs without the lock held.
type Stack struct {
	mu       sync.RWMutex
	history  []*Screen // history[len-1] is current
	forward  []*Screen // forward[len-1] is next
	onChange ChangeFunc
}

// StackOption configures a [Stack].
type StackOption func(*Stack)

// WithOnChange registers the navigation callback.
func WithOnChange(fn ChangeFunc) StackOption {
	return func(s *Stack) { s.onChange = fn }
}

// NewStack returns a stack showing root.
func NewStack(root *Screen, opts ...StackOption) *Stack {
	s := &Stack{history: []*Screen{root}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current returns the screen on top of the stack.
func (s *Stack) Current() *Screen {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[len(s.history)-1]
}

// Depth returns the number of screens in the back history, including the
// current one.
func (s *Stack) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Push shows next and clears the forward history.
func (s *Stack) Push(next *Screen) {
	s.mu.Lock()
	from := s.history[len(s.history)-1]
	s.history = append(s.history, next)
	s.forward = nil
	s.mu.Unlock()
	s.changed(from, next)
}

// Back returns to the previous screen. It reports false at the root.
func (s *Stack) Back() bool {
	s.mu.Lock()
	if len(s.history) == 1 {
		s.mu.Unlock()
		return false
	}
	from := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.forward = append(s.forward, from)
	to := s.history[len(s.history)-1]
	s.mu.Unlock()
	s.changed(from, to)
	return true
}

// Forward re-shows the screen most recently left with Back. It reports false
// when there is none.
func (s *Stack) Forward() bool {
	s.mu.Lock()
	if len(s.forward) == 0 {
		s.mu.Unlock()
		return false
	}
	from := s.history[len(s.history)-1]
	to := s.forward[len(s.forward)-1]
	s.forward = s.forward[:len(s.forward)-1]
	s.history = append(s.history, to)
	s.mu.Unlock()
	s.changed(from, to)
	return true
}

func (s *Stack) changed(from, to *Screen) {
	if s.onChange != nil {
		s.onChange(from, to)
	}
}

// CurrentControls returns the current screen's controls.
func (s *Stack) CurrentControls() []control.Handler {
	return s.Current().Controls()
}

// CurrentModal returns a modal of the current screen that is already
// capturing, or nil.
func (s *Stack) CurrentModal() control.Handler {
	return s.Current().holding()
}

// ControlView describes one control for clients.
type ControlView struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Phrases []string `json:"phrases"`
	Modal   bool     `json:"modal,omitempty"`
	Holding bool     `json:"holding,omitempty"`
	Async   bool     `json:"async,omitempty"`
}

// View describes the current screen for clients.
type View struct {
	Name       string        `json:"name"`
	Title      string        `json:"title"`
	Controls   []ControlView `json:"controls"`
	CanBack    bool          `json:"can_back"`
	CanForward bool          `json:"can_forward"`
}

// View snapshots the current screen. Modal state is read without locking;
// while a dispatcher is running on this stack, call View inside
// Dispatcher.Inspect.
func (s *Stack) View() View {
	s.mu.RLock()
	cur := s.history[len(s.history)-1]
	v := View{
		Name:       cur.Name,
		Title:      cur.Title,
		CanBack:    len(s.history) > 1,
		CanForward: len(s.forward) > 0,
	}
	s.mu.RUnlock()

	for _, h := range cur.Controls() {
		cv := ControlView{ID: h.ID(), Async: h.AwaitsCompletion()}
		switch c := h.(type) {
		case *control.Modal:
			cv.Text, cv.Phrases = c.Text(), c.Phrases()
			cv.Modal, cv.Holding = true, c.State() == control.Holding
		case *control.Control:
			cv.Text, cv.Phrases = c.Text(), c.Phrases()
		}
		v.Controls = append(v.Controls, cv)
	}
	return v
}
