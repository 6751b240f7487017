package control

import (
	"context"
	"slices"
	"strings"

	"github.com/MrWong99/voicectl/pkg/words"
)

// State is the capture state of a [Modal].
type State int

const (
	// Inactive waits for an activation phrase.
	Inactive State = iota

	// Holding captures every token until a deactivation phrase.
	Holding
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == Holding {
		return "holding"
	}
	return "inactive"
}

// Modal captures the words spoken between an activation phrase (its text or a
// keyphrase) and one of its deactivation phrases.
//
// Activation alone never runs the action. On deactivation the deactivation
// phrase's own tokens are trimmed from the buffer and the action runs once
// with the remaining words joined by single spaces in [Invocation.Text].
type Modal struct {
	Control

	deactivate []string
	state      State
	buffer     []words.Token
}

// NewModal returns an inactive modal control.
func NewModal(id, text string, deactivate []string, opts ...Option) *Modal {
	return &Modal{
		Control:    *New(id, text, opts...),
		deactivate: deactivate,
	}
}

// Deactivations returns the deactivation phrases.
func (m *Modal) Deactivations() []string { return m.deactivate }

// State returns the current capture state.
func (m *Modal) State() State { return m.state }

// Buffer returns a copy of the captured tokens. While holding it grows with
// every token; after deactivation it keeps the last capture until the next
// activation.
func (m *Modal) Buffer() []words.Token {
	out := make([]words.Token, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// Captured returns the buffer as text.
func (m *Modal) Captured() string {
	return joinWords(m.buffer)
}

// Reset abandons any capture in progress without running the action.
func (m *Modal) Reset() {
	m.state = Inactive
	m.buffer = nil
}

// Validate implements [Handler].
//
// Inactive: an activation match starts a fresh capture and returns [Hold].
// Holding: the token is appended first, then every deactivation phrase is
// checked; a match ends the capture, runs the action and returns [Used],
// otherwise the result is [Hold]. A token already in the buffer (delivered
// again after a correction) is not appended twice; a deactivation ending at
// it cuts the capture there.
func (m *Modal) Validate(ctx context.Context, tok words.Token) (Result, error) {
	if m.state == Inactive {
		if _, ok := m.Match(tok); !ok {
			return Unused, nil
		}
		m.activate()
		return Hold, nil
	}

	at := slices.Index(m.buffer, tok)
	if at < 0 {
		m.buffer = append(m.buffer, tok)
		at = len(m.buffer) - 1
	}
	p, ok := m.matcher.MatchAny(tok, m.deactivate...)
	if !ok {
		return Hold, nil
	}
	m.buffer = m.buffer[:at+1]
	return Used, m.finish(ctx, p, tok)
}

// Fire implements [Handler]. A direct fire toggles the capture: it activates
// an inactive modal and finishes a holding one with what was captured so far.
func (m *Modal) Fire(ctx context.Context) (Result, error) {
	if m.state == Inactive {
		m.activate()
		return Hold, nil
	}
	return Used, m.finish(ctx, "", words.Token{})
}

func (m *Modal) activate() {
	m.state = Holding
	m.buffer = nil
}

// finish trims the deactivation phrase (if any) and runs the action. The trim
// is clamped because a deactivation phrase may reach back past the start of
// the buffer into the activation words.
func (m *Modal) finish(ctx context.Context, deactivation string, tok words.Token) error {
	if deactivation != "" {
		keep := max(len(m.buffer)-m.matcher.Len(deactivation), 0)
		m.buffer = m.buffer[:keep]
	}
	m.state = Inactive
	return m.invoke(ctx, Invocation{
		ControlID: m.id,
		Phrase:    deactivation,
		Text:      joinWords(m.buffer),
		Token:     tok,
	})
}

func joinWords(toks []words.Token) string {
	var b strings.Builder
	for _, t := range toks {
		w := t.Word()
		if w == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String()
}

var _ Handler = (*Modal)(nil)
