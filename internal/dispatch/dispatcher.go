// Package dispatch runs the per-session loop that turns a word stream into
// control invocations.
//
// For every token the [Dispatcher]:
//
//  1. notifies passive observers,
//  2. routes the token exclusively to the installed modal control, if any,
//     uninstalling it once it reports [control.Used],
//  3. otherwise offers the token to the current control set in order; the
//     first control that does not return [control.Unused] wins, and a
//     [control.Hold] result installs it as the modal control.
//
// A control created with [control.WithAwaitCompletion] pauses the whole
// session after its action succeeds, whether it ran on a spoken phrase or a
// direct [Dispatcher.Fire]: no further token is dispatched until
// [Dispatcher.NotifyComplete] is called with the control's id, the completion
// timeout passes, the source closes or the context ends.
//
// Action failures are logged and counted but never stop the loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicectl/internal/control"
	"github.com/MrWong99/voicectl/internal/events"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/pkg/words"
)

// DefaultCompletionTimeout bounds how long a session waits for an
// asynchronous completion.
const DefaultCompletionTimeout = 30 * time.Second

var (
	// ErrCompletionTimeout is reported in the Resumed event when a wait was
	// abandoned.
	ErrCompletionTimeout = errors.New("dispatch: completion timeout")

	// ErrControlNotFound is returned by [Dispatcher.Fire] for an id that is
	// neither the installed modal nor part of the current control set.
	ErrControlNotFound = errors.New("dispatch: control not found")

	// ErrAwaitingCompletion is returned by [Dispatcher.Fire] for an
	// asynchronous control whose previous completion is still outstanding.
	ErrAwaitingCompletion = errors.New("dispatch: control is awaiting completion")
)

// Provider supplies the controls of whatever the session currently shows.
type Provider interface {
	// CurrentControls returns the active control set in priority order.
	CurrentControls() []control.Handler

	// CurrentModal returns a modal control that is already capturing and
	// must receive every token, or nil. The dispatcher's own installed modal
	// takes precedence.
	CurrentModal() control.Handler
}

// Controls is a fixed control set.
type Controls []control.Handler

// CurrentControls implements [Provider].
func (c Controls) CurrentControls() []control.Handler { return c }

// CurrentModal implements [Provider].
func (Controls) CurrentModal() control.Handler { return nil }

// Observer sees every token before the controls do. Observers must not block.
type Observer func(ctx context.Context, tok words.Token)

// resetter is implemented by modal controls that can abandon a capture.
type resetter interface {
	Reset()
}

func hasAction(h control.Handler) bool {
	a, ok := h.(interface{ HasAction() bool })
	return !ok || a.HasAction()
}

// Dispatcher drives one session's controls. Run must be called by a single
// goroutine; the remaining methods are safe for concurrent use.
type Dispatcher struct {
	session  string
	provider Provider
	metrics  *observe.Metrics
	pub      events.Publisher
	timeout  time.Duration

	// mu serialises token dispatch and direct fires so that controls and
	// their matcher are only ever used by one goroutine at a time.
	mu        sync.Mutex
	modal     control.Handler
	observers []Observer

	waitMu  sync.Mutex
	waiting map[string]struct{}
	changed chan struct{} // closed and replaced whenever waiting shrinks
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithSession sets the session id used in logs and events.
func WithSession(id string) Option {
	return func(d *Dispatcher) { d.session = id }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithPublisher sets where session events go. Default: [events.Discard].
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.pub = p
		}
	}
}

// WithCompletionTimeout bounds the wait for asynchronous completions. Zero
// waits indefinitely (until the source closes or the context ends).
func WithCompletionTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout >= 0 {
			d.timeout = timeout
		}
	}
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// New returns a dispatcher for the controls supplied by p.
func New(p Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider: p,
		pub:      events.Discard,
		timeout:  DefaultCompletionTimeout,
		waiting:  make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// AddObserver registers a passive observer.
func (d *Dispatcher) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Modal returns the installed modal control, or nil.
func (d *Dispatcher) Modal() control.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modal
}

// Inspect runs fn while no token is being dispatched, so fn may read
// control state (such as a modal's buffer) without racing the session loop.
func (d *Dispatcher) Inspect(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Run consumes src until it is closed or ctx ends. Closing the source is a
// normal shutdown and returns nil; an in-progress modal capture is discarded.
func (d *Dispatcher) Run(ctx context.Context, src words.Source) error {
	defer d.discardModal(ctx)

	for {
		if err := d.awaitCompletions(ctx, src); err != nil {
			return closedIsNil(err)
		}
		tok, err := src.Next(ctx)
		if err != nil {
			return closedIsNil(err)
		}
		// A direct Fire may have armed a wait while Next was blocked.
		if err := d.awaitCompletions(ctx, src); err != nil {
			return closedIsNil(err)
		}
		d.Dispatch(ctx, tok)
	}
}

func closedIsNil(err error) error {
	if errors.Is(err, words.ErrClosed) {
		return nil
	}
	return err
}

// Dispatch offers a single token to observers and controls and returns the
// result of the control that took it ([control.Unused] when none did).
func (d *Dispatcher) Dispatch(ctx context.Context, tok words.Token) control.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics.TokensDispatched.Add(ctx, 1)
	for _, o := range d.observers {
		d.notify(ctx, o, tok)
	}

	if m := d.activeModal(ctx); m != nil {
		return d.offer(ctx, m, func(ctx context.Context) (control.Result, error) {
			return m.Validate(ctx, tok)
		})
	}

	for _, h := range d.provider.CurrentControls() {
		if res := d.offer(ctx, h, func(ctx context.Context) (control.Result, error) {
			return h.Validate(ctx, tok)
		}); res != control.Unused {
			return res
		}
	}
	return control.Unused
}

// Fire triggers the control with the given id directly, as a button click
// would. The installed modal and the current control set are searched. An
// asynchronous control cannot fire again until its completion arrives.
func (d *Dispatcher) Fire(ctx context.Context, id string) (control.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.find(ctx, id)
	if h == nil {
		return control.Unused, fmt.Errorf("dispatch: fire %q: %w", id, ErrControlNotFound)
	}
	if h.AwaitsCompletion() && d.isWaiting(id) {
		return control.Unused, fmt.Errorf("dispatch: fire %q: %w", id, ErrAwaitingCompletion)
	}
	return d.offer(ctx, h, h.Fire), nil
}

func (d *Dispatcher) find(ctx context.Context, id string) control.Handler {
	if m := d.activeModal(ctx); m != nil && m.ID() == id {
		return m
	}
	for _, h := range d.provider.CurrentControls() {
		if h.ID() == id {
			return h
		}
	}
	return nil
}

// activeModal returns the installed modal, falling back to the provider's.
// An installed modal that has left the current control set (for example
// after navigation) is abandoned.
func (d *Dispatcher) activeModal(ctx context.Context) control.Handler {
	if d.modal != nil {
		if d.modal == d.provider.CurrentModal() || slices.Contains(d.provider.CurrentControls(), d.modal) {
			return d.modal
		}
		d.discard(ctx, "control left the active set")
	}
	return d.provider.CurrentModal()
}

// offer runs one validation (or fire) of h and applies its outcome: modal
// installation and removal, the completion handshake, events, metrics and
// error logging. The caller holds d.mu.
func (d *Dispatcher) offer(ctx context.Context, h control.Handler, run func(context.Context) (control.Result, error)) control.Result {
	id := h.ID()

	// Arm the wait before the action runs: an asynchronous action may
	// finish and notify before run returns.
	armed := h.AwaitsCompletion() && d.arm(id)

	start := time.Now()
	res, err := run(ctx)
	elapsed := time.Since(start)

	if armed && (res != control.Used || err != nil) {
		d.disarm(id)
	}
	if res == control.Unused {
		return res
	}

	d.metrics.RecordControlFired(ctx, id, res.String())
	if err != nil {
		d.actionFailed(ctx, id, err)
	}

	switch res {
	case control.Hold:
		if d.modal == nil || d.modal.ID() != id {
			d.install(ctx, h)
		}
	case control.Used:
		if hasAction(h) {
			d.metrics.ActionDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(observe.Attr("control", id)))
		}
		if d.modal != nil && d.modal.ID() == id {
			d.modal = nil
		}
		if m, ok := h.(*control.Modal); ok {
			d.metrics.RecordModalCapture(ctx, id)
			d.pub.Publish(events.Event{Kind: events.ModalCaptured, Control: id, Text: m.Captured()})
		} else {
			d.pub.Publish(events.Event{Kind: events.ControlFired, Control: id})
		}
	}
	return res
}

// install makes h the exclusive receiver of tokens, abandoning any other
// capture in progress.
func (d *Dispatcher) install(ctx context.Context, h control.Handler) {
	if d.modal != nil {
		if r, ok := d.modal.(resetter); ok {
			r.Reset()
		}
		observe.Logger(ctx).Debug("dispatch: replacing modal control",
			"session", d.session,
			"old", d.modal.ID(),
			"new", h.ID(),
		)
	}
	d.modal = h
	d.pub.Publish(events.Event{Kind: events.ModalStarted, Control: h.ID()})
}

func (d *Dispatcher) discardModal(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discard(ctx, "source closed")
}

// discard abandons the installed modal without running its action. The
// caller holds d.mu.
func (d *Dispatcher) discard(ctx context.Context, reason string) {
	if d.modal == nil {
		return
	}
	observe.Logger(ctx).Debug("dispatch: discarding modal capture",
		"session", d.session,
		"control", d.modal.ID(),
		"reason", reason,
	)
	if r, ok := d.modal.(resetter); ok {
		r.Reset()
	}
	d.modal = nil
}

func (d *Dispatcher) actionFailed(ctx context.Context, id string, err error) {
	observe.Logger(ctx).Warn("dispatch: action failed",
		"session", d.session,
		"control", id,
		"err", err,
	)
	d.metrics.RecordActionError(ctx, id)
	d.pub.Publish(events.Event{Kind: events.ActionFailed, Control: id, Error: err.Error()})
}

func (d *Dispatcher) notify(ctx context.Context, o Observer, tok words.Token) {
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("dispatch: observer panicked",
				"session", d.session,
				"panic", r,
			)
		}
	}()
	o(ctx, tok)
}
