// Package control binds spoken phrases to actions.
//
// A [Control] is a one-shot binding: when the chain of words ending at a token
// equals its text or one of its keyphrases, the bound [Action] runs and
// [Control.Validate] reports [Used]. A [Modal] is the stateful variant that
// captures every word spoken between an activation phrase and a deactivation
// phrase and hands the captured text to its action.
//
// Controls hold no reference to the screen or session that owns them. They are
// validated by exactly one goroutine at a time (the session's dispatcher), so
// modal state and the phrase cache are not locked.
package control

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/phrase"
	"github.com/MrWong99/voicectl/pkg/words"
)

// Result is the outcome of offering a token to a control.
type Result int

const (
	// Unused means the token did not concern the control. No side effects
	// happened.
	Unused Result = iota

	// Used means the control matched and finished with the token.
	Used

	// Hold means the control entered (or stays in) modal capture and wants
	// every following token exclusively.
	Hold
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Hold:
		return "hold"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Invocation describes why an action runs.
type Invocation struct {
	// ControlID is the id of the firing control.
	ControlID string

	// Phrase is the phrase that matched. It is empty when the control was
	// fired directly (for example by a button click).
	Phrase string

	// Text is the captured text of a modal control. Plain controls leave it
	// empty.
	Text string

	// Token is the token that completed the match. It is the zero Token for
	// direct fires.
	Token words.Token
}

// Action is the work bound to a control. The returned value, when non-nil, is
// forwarded to the control's result sink.
type Action func(ctx context.Context, inv Invocation) (any, error)

// Do adapts a function that needs no arguments.
func Do(fn func()) Action {
	return func(context.Context, Invocation) (any, error) {
		fn()
		return nil, nil
	}
}

// DoText adapts a function that only needs the captured text.
func DoText(fn func(text string)) Action {
	return func(_ context.Context, inv Invocation) (any, error) {
		fn(inv.Text)
		return nil, nil
	}
}

// Sink receives non-nil action results.
type Sink func(controlID string, v any)

// ActionError reports a failed or panicking action. The control result that
// was decided before the action ran still stands.
type ActionError struct {
	ControlID string
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("control %s: action: %v", e.ControlID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Handler is what the dispatcher drives. Both [*Control] and [*Modal]
// implement it.
type Handler interface {
	// ID returns the stable control id.
	ID() string

	// Validate offers tok to the control. A non-nil error is always an
	// [*ActionError]; the returned Result is valid regardless.
	Validate(ctx context.Context, tok words.Token) (Result, error)

	// Fire triggers the control without a spoken phrase.
	Fire(ctx context.Context) (Result, error)

	// AwaitsCompletion reports whether a successful action must be followed
	// by an external completion notice before more tokens are dispatched.
	AwaitsCompletion() bool
}

// Option configures a [Control] or the Control embedded in a [Modal].
type Option func(*Control)

// WithKeyphrases adds alternate phrases that trigger the control.
func WithKeyphrases(phrases ...string) Option {
	return func(c *Control) { c.keyphrases = append(c.keyphrases, phrases...) }
}

// WithAction binds the action.
func WithAction(a Action) Option {
	return func(c *Control) { c.action = a }
}

// WithSink registers the sink that receives action results.
func WithSink(s Sink) Option {
	return func(c *Control) { c.sink = s }
}

// WithAwaitCompletion marks the action as asynchronous: after it runs the
// dispatcher pauses the session until the completion notice for this
// control's id arrives.
func WithAwaitCompletion() Option {
	return func(c *Control) { c.await = true }
}

// WithMatcher shares a matcher (and its phrase cache and equivalence table)
// between controls. Controls sharing a matcher must be validated from the
// same goroutine.
func WithMatcher(m *phrase.Matcher) Option {
	return func(c *Control) {
		if m != nil {
			c.matcher = m
		}
	}
}

// Control is a one-shot phrase to action binding.
type Control struct {
	id         string
	text       string
	keyphrases []string
	action     Action
	sink       Sink
	await      bool
	matcher    *phrase.Matcher
}

// New returns a control triggered by text or any keyphrase given as an
// option.
func New(id, text string, opts ...Option) *Control {
	c := &Control{id: id, text: text}
	for _, o := range opts {
		o(c)
	}
	if c.matcher == nil {
		c.matcher = phrase.NewMatcher()
	}
	return c
}

// ID implements [Handler].
func (c *Control) ID() string { return c.id }

// Text returns the label of the control, which is also its primary phrase.
func (c *Control) Text() string { return c.text }

// Phrases returns the text followed by the keyphrases, in matching order.
func (c *Control) Phrases() []string {
	out := make([]string, 0, len(c.keyphrases)+1)
	out = append(out, c.text)
	return append(out, c.keyphrases...)
}

// HasAction reports whether an action is bound.
func (c *Control) HasAction() bool { return c.action != nil }

// AwaitsCompletion implements [Handler].
func (c *Control) AwaitsCompletion() bool { return c.await }

// Match reports which phrase, if any, ends at tok.
func (c *Control) Match(tok words.Token) (string, bool) {
	if c.matcher.Match(c.text, tok) {
		return c.text, true
	}
	return c.matcher.MatchAny(tok, c.keyphrases...)
}

// Validate implements [Handler]. On a match the action runs synchronously and
// the result is [Used]; otherwise the result is [Unused] and nothing happens.
func (c *Control) Validate(ctx context.Context, tok words.Token) (Result, error) {
	p, ok := c.Match(tok)
	if !ok {
		return Unused, nil
	}
	return Used, c.invoke(ctx, Invocation{ControlID: c.id, Phrase: p, Token: tok})
}

// Fire implements [Handler]. It runs the action as if a phrase had matched.
func (c *Control) Fire(ctx context.Context) (Result, error) {
	return Used, c.invoke(ctx, Invocation{ControlID: c.id})
}

// invoke runs the action, forwards its result and converts failures and
// panics into an *ActionError.
func (c *Control) invoke(ctx context.Context, inv Invocation) (err error) {
	if c.action == nil {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "control.action",
		trace.WithAttributes(
			attribute.String("control.id", c.id),
			attribute.String("control.phrase", inv.Phrase),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("control: action panicked",
				"control", c.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &ActionError{ControlID: c.id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	v, aerr := c.action(ctx, inv)
	if aerr != nil {
		return &ActionError{ControlID: c.id, Err: aerr}
	}
	if v != nil && c.sink != nil {
		c.sink(c.id, v)
	}
	return nil
}

var _ Handler = (*Control)(nil)
