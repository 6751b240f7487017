package dispatch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicectl/internal/control"
	"github.com/MrWong99/voicectl/internal/events"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/pkg/words"
)

// recorder is a concurrency-safe log of strings.
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seen)
}

func (r *recorder) observer() Observer {
	return func(_ context.Context, tok words.Token) { r.add(tok.Word()) }
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// dispatchText feeds every token of text straight to d.
func dispatchText(d *Dispatcher, text string) []control.Result {
	var out []control.Result
	for _, tok := range words.Tokenize(text) {
		out = append(out, d.Dispatch(context.Background(), tok))
	}
	return out
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// runAsync starts d.Run on q and returns a channel with its result.
func runAsync(ctx context.Context, d *Dispatcher, q words.Source) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, q) }()
	return errCh
}

func TestDispatch_EndToEnd(t *testing.T) {
	t.Parallel()

	var aCalls int
	var bTexts []string
	controls := Controls{
		control.New("lights", "lights on", control.WithAction(control.Do(func() { aCalls++ }))),
		control.NewModal("note", "note name", []string{"done"},
			control.WithAction(control.DoText(func(s string) { bTexts = append(bTexts, s) }))),
	}
	d := New(controls, WithMetrics(testMetrics(t)))

	dispatchText(d, "note name my shopping list done")

	if aCalls != 0 {
		t.Errorf("lights action called %d times, want 0", aCalls)
	}
	if len(bTexts) != 1 || bTexts[0] != "my shopping list" {
		t.Errorf("note texts = %q, want [my shopping list]", bTexts)
	}
	if d.Modal() != nil {
		t.Error("modal slot should be empty after deactivation")
	}
}

func TestDispatch_ModalHasPriority(t *testing.T) {
	t.Parallel()

	spyCalls := 0
	spy := control.New("spy", "my", control.WithKeyphrases("shopping", "list", "lights on"),
		control.WithAction(control.Do(func() { spyCalls++ })))
	modal := control.NewModal("note", "note name", []string{"done"})

	// The spy comes first in registration order and would match several of
	// the captured words.
	d := New(Controls{spy, modal}, WithMetrics(testMetrics(t)))

	dispatchText(d, "note name")
	if d.Modal() != control.Handler(modal) {
		t.Fatalf("modal not installed after activation")
	}
	for _, r := range dispatchText(d, "my shopping list lights on") {
		if r != control.Hold {
			t.Errorf("result while holding = %v, want Hold", r)
		}
	}
	if spyCalls != 0 {
		t.Fatalf("spy called %d times while modal was holding", spyCalls)
	}

	dispatchText(d, "done")
	dispatchText(d, "shopping")
	if spyCalls != 1 {
		t.Errorf("spy calls after deactivation = %d, want 1", spyCalls)
	}
}

func TestDispatch_RegistrationOrderFirstWins(t *testing.T) {
	t.Parallel()

	var rec recorder
	d := New(Controls{
		control.New("first", "go", control.WithAction(control.Do(func() { rec.add("first") }))),
		control.New("second", "go", control.WithAction(control.Do(func() { rec.add("second") }))),
	}, WithMetrics(testMetrics(t)))

	res := dispatchText(d, "go")
	if res[0] != control.Used {
		t.Errorf("result = %v, want Used", res[0])
	}
	if got := rec.get(); !slices.Equal(got, []string{"first"}) {
		t.Errorf("calls = %v, want [first]", got)
	}
}

func TestDispatch_ObserversSeeEveryToken(t *testing.T) {
	t.Parallel()

	var rec recorder
	d := New(Controls{control.NewModal("m", "start", []string{"stop"})},
		WithMetrics(testMetrics(t)), WithObserver(rec.observer()))
	d.AddObserver(func(context.Context, words.Token) { panic("bad observer") })

	dispatchText(d, "hello start inside stop bye")
	want := []string{"hello", "start", "inside", "stop", "bye"}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("observed %v, want %v", got, want)
	}
}

func TestDispatch_FailOpen(t *testing.T) {
	t.Parallel()

	var rec recorder
	var pub recorder
	d := New(Controls{
		control.New("err", "break", control.WithAction(func(context.Context, control.Invocation) (any, error) {
			return nil, errors.New("broken")
		})),
		control.New("panic", "explode", control.WithAction(control.Do(func() { panic("boom") }))),
		control.New("ok", "fine", control.WithAction(control.Do(func() { rec.add("ok") }))),
	}, WithMetrics(testMetrics(t)), WithPublisher(events.PublisherFunc(func(e events.Event) {
		if e.Kind == events.ActionFailed {
			pub.add(e.Control)
		}
	})))

	res := dispatchText(d, "break explode fine")
	if want := []control.Result{control.Used, control.Used, control.Used}; !slices.Equal(res, want) {
		t.Errorf("results = %v, want %v", res, want)
	}
	if got := rec.get(); !slices.Equal(got, []string{"ok"}) {
		t.Errorf("calls after failures = %v, want [ok]", got)
	}
	if got := pub.get(); !slices.Equal(got, []string{"err", "panic"}) {
		t.Errorf("ActionFailed events = %v, want [err panic]", got)
	}
}

func TestRun_BackpressureBlocksSession(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	var rec recorder
	d := New(Controls{
		control.New("send", "send", control.WithAwaitCompletion(),
			control.WithAction(control.Do(func() { fired <- struct{}{} }))),
	}, WithMetrics(testMetrics(t)), WithObserver(rec.observer()), WithCompletionTimeout(0))

	q := words.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, d, q)

	if _, err := q.PushText(ctx, "send more words"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("send action never fired")
	}

	// Give the loop every chance to (wrongly) continue.
	time.Sleep(50 * time.Millisecond)
	if got := rec.get(); !slices.Equal(got, []string{"send"}) {
		t.Fatalf("tokens dispatched while waiting = %v, want [send]", got)
	}
	if got := d.Waiting(); !slices.Equal(got, []string{"send"}) {
		t.Fatalf("Waiting = %v, want [send]", got)
	}

	if d.NotifyComplete("unknown") {
		t.Error("NotifyComplete(unknown) = true, want false")
	}
	if !d.NotifyComplete("send") {
		t.Error("NotifyComplete(send) = false, want true")
	}

	eventually(t, "remaining tokens", func() bool { return len(rec.get()) == 3 })
	if got := rec.get(); !slices.Equal(got, []string{"send", "more", "words"}) {
		t.Errorf("dispatch order = %v", got)
	}

	q.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRun_CompletionBeforeActionReturns(t *testing.T) {
	t.Parallel()

	var d *Dispatcher
	var rec recorder
	d = New(Controls{
		control.New("quick", "quick", control.WithAwaitCompletion(),
			control.WithAction(control.Do(func() { d.NotifyComplete("quick") }))),
	}, WithMetrics(testMetrics(t)), WithObserver(rec.observer()), WithCompletionTimeout(0))

	q := words.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, d, q)

	if _, err := q.PushText(ctx, "quick after"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "token after quick", func() bool { return len(rec.get()) == 2 })

	q.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRun_FailedAsyncActionDoesNotWait(t *testing.T) {
	t.Parallel()

	var rec recorder
	d := New(Controls{
		control.New("send", "send", control.WithAwaitCompletion(),
			control.WithAction(func(context.Context, control.Invocation) (any, error) {
				return nil, errors.New("offline")
			})),
	}, WithMetrics(testMetrics(t)), WithObserver(rec.observer()), WithCompletionTimeout(0))

	q := words.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, d, q)

	if _, err := q.PushText(ctx, "send again"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "token after failed send", func() bool { return len(rec.get()) == 2 })
	if w := d.Waiting(); len(w) != 0 {
		t.Errorf("Waiting = %v, want empty", w)
	}

	q.Close()
	<-errCh
}

func TestRun_CompletionTimeout(t *testing.T) {
	t.Parallel()

	var rec recorder
	var kinds recorder
	d := New(Controls{
		control.New("send", "send", control.WithAwaitCompletion()),
	}, WithMetrics(testMetrics(t)), WithObserver(rec.observer()),
		WithCompletionTimeout(20*time.Millisecond),
		WithPublisher(events.PublisherFunc(func(e events.Event) {
			kinds.add(string(e.Kind) + ":" + e.Error)
		})))

	q := words.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, d, q)

	if _, err := q.PushText(ctx, "send later"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "resume after timeout", func() bool { return len(rec.get()) == 2 })
	if w := d.Waiting(); len(w) != 0 {
		t.Errorf("Waiting after timeout = %v, want empty", w)
	}
	if !slices.Contains(kinds.get(), string(events.Resumed)+":"+ErrCompletionTimeout.Error()) {
		t.Errorf("events = %v, want a timed out Resumed event", kinds.get())
	}

	q.Close()
	<-errCh
}

func TestRun_CloseWhileWaiting(t *testing.T) {
	t.Parallel()

	d := New(Controls{control.New("send", "send", control.WithAwaitCompletion())},
		WithMetrics(testMetrics(t)), WithCompletionTimeout(0))

	q := words.NewQueue()
	errCh := runAsync(context.Background(), d, q)
	if _, err := q.PushText(context.Background(), "send"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "wait to start", func() bool { return len(d.Waiting()) == 1 })

	q.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after source close")
	}
}

func TestRun_CloseDiscardsModal(t *testing.T) {
	t.Parallel()

	called := false
	modal := control.NewModal("note", "take note", []string{"end note"},
		control.WithAction(control.Do(func() { called = true })))
	d := New(Controls{modal}, WithMetrics(testMetrics(t)))

	q := words.NewQueue()
	errCh := runAsync(context.Background(), d, q)
	if _, err := q.PushText(context.Background(), "take note unfinished thought"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "buffered words", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(modal.Buffer()) == 2
	})

	q.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if called {
		t.Error("closing the source must not flush the capture")
	}
	if modal.State() != control.Inactive || d.Modal() != nil {
		t.Error("modal should be reset and uninstalled after close")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()

	d := New(Controls{}, WithMetrics(testMetrics(t)))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, d, words.NewQueue())
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFire(t *testing.T) {
	t.Parallel()

	var rec recorder
	modal := control.NewModal("dictate", "start speaking", []string{"stop speaking"},
		control.WithAction(control.DoText(func(s string) { rec.add("captured:" + s) })))
	d := New(Controls{
		control.New("back", "go back", control.WithAction(control.Do(func() { rec.add("back") }))),
		modal,
	}, WithMetrics(testMetrics(t)))
	ctx := context.Background()

	if r, err := d.Fire(ctx, "back"); err != nil || r != control.Used {
		t.Fatalf("Fire(back) = (%v, %v)", r, err)
	}

	if r, _ := d.Fire(ctx, "dictate"); r != control.Hold {
		t.Fatalf("Fire(dictate) = %v, want Hold", r)
	}
	if d.Modal() != control.Handler(modal) {
		t.Fatal("fired modal should be installed")
	}
	dispatchText(d, "hello there")
	if r, _ := d.Fire(ctx, "dictate"); r != control.Used {
		t.Fatalf("second Fire(dictate) = %v, want Used", r)
	}
	if d.Modal() != nil {
		t.Error("modal should be uninstalled")
	}

	want := []string{"back", "captured:hello there"}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	if _, err := d.Fire(ctx, "missing"); !errors.Is(err, ErrControlNotFound) {
		t.Errorf("Fire(missing) error = %v, want ErrControlNotFound", err)
	}
}

// swapProvider lets a test change the active control set.
type swapProvider struct {
	controls []control.Handler
	modal    control.Handler
}

func (p *swapProvider) CurrentControls() []control.Handler { return p.controls }
func (p *swapProvider) CurrentModal() control.Handler      { return p.modal }

func TestDispatch_ModalAbandonedWhenControlSetChanges(t *testing.T) {
	t.Parallel()

	called := false
	modal := control.NewModal("note", "take note", []string{"end note"},
		control.WithAction(control.Do(func() { called = true })))
	var rec recorder
	other := control.New("other", "end note", control.WithAction(control.Do(func() { rec.add("other") })))

	p := &swapProvider{controls: []control.Handler{modal}}
	d := New(p, WithMetrics(testMetrics(t)))

	dispatchText(d, "take note")
	p.controls = []control.Handler{other}
	dispatchText(d, "end note")

	if called {
		t.Error("abandoned modal must not run its action")
	}
	if modal.State() != control.Inactive {
		t.Error("abandoned modal should be reset")
	}
	if got := rec.get(); !slices.Equal(got, []string{"other"}) {
		t.Errorf("new control set calls = %v, want [other]", got)
	}
}

func TestDispatch_ProviderModal(t *testing.T) {
	t.Parallel()

	var texts []string
	modal := control.NewModal("m", "start", []string{"stop"},
		control.WithAction(control.DoText(func(s string) { texts = append(texts, s) })))
	spyCalls := 0
	spy := control.New("spy", "word", control.WithAction(control.Do(func() { spyCalls++ })))

	// The provider hands over an already capturing modal that is not part of
	// the control set.
	if r, _ := modal.Fire(context.Background()); r != control.Hold {
		t.Fatal("could not activate modal")
	}
	p := &swapProvider{controls: []control.Handler{spy}, modal: modal}
	d := New(p, WithMetrics(testMetrics(t)))

	dispatchText(d, "word word stop")
	if spyCalls != 0 {
		t.Errorf("spy calls = %d, want 0", spyCalls)
	}
	if len(texts) != 1 || texts[0] != "word word" {
		t.Errorf("texts = %q", texts)
	}
}

func TestDispatch_Events(t *testing.T) {
	t.Parallel()

	var rec recorder
	d := New(Controls{
		control.New("lights", "lights on"),
		control.NewModal("note", "note", []string{"done"}),
	}, WithMetrics(testMetrics(t)), WithPublisher(events.PublisherFunc(func(e events.Event) {
		rec.add(string(e.Kind) + ":" + e.Control + ":" + e.Text)
	})))

	dispatchText(d, "lights on note buy milk done")

	want := []string{
		"control_fired:lights:",
		"modal_started:note:",
		"modal_captured:note:buy milk",
	}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDispatch_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	d := New(Controls{control.New("lights", "lights on")}, WithMetrics(m))
	dispatchText(d, "turn the lights on")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					values[met.Name] += dp.Value
				}
			}
		}
	}
	if got := values["voicectl.tokens.dispatched"]; got != 4 {
		t.Errorf("tokens dispatched = %d, want 4", got)
	}
	if got := values["voicectl.controls.fired"]; got != 1 {
		t.Errorf("controls fired = %d, want 1", got)
	}
}

func TestRun_FireAwaitsCompletionBeforeNextToken(t *testing.T) {
	t.Parallel()

	var rec recorder
	d := New(Controls{
		control.New("send", "send message", control.WithAwaitCompletion(),
			control.WithAction(control.Do(func() {}))),
	}, WithMetrics(testMetrics(t)), WithObserver(rec.observer()), WithCompletionTimeout(0))

	q := words.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, d, q)

	// Let Run block in Next before the click.
	time.Sleep(20 * time.Millisecond)
	if r, err := d.Fire(ctx, "send"); err != nil || r != control.Used {
		t.Fatalf("Fire(send) = (%v, %v), want Used", r, err)
	}
	if _, err := q.PushText(ctx, "hello world"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.get(); len(got) != 0 {
		t.Fatalf("dispatched while waiting = %v (Waiting=%v)", got, d.Waiting())
	}

	if !d.NotifyComplete("send") {
		t.Fatal("NotifyComplete(send) = false, want true")
	}
	eventually(t, "held tokens", func() bool { return len(rec.get()) == 2 })
	if got := rec.get(); !slices.Equal(got, []string{"hello", "world"}) {
		t.Errorf("dispatch order = %v", got)
	}

	q.Close()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestFire_RefusedWhileAwaitingCompletion(t *testing.T) {
	t.Parallel()

	var calls int
	d := New(Controls{
		control.New("send", "send message", control.WithAwaitCompletion(),
			control.WithAction(control.Do(func() { calls++ }))),
	}, WithMetrics(testMetrics(t)))
	ctx := context.Background()

	if _, err := d.Fire(ctx, "send"); err != nil {
		t.Fatalf("first Fire: %v", err)
	}
	r, err := d.Fire(ctx, "send")
	if !errors.Is(err, ErrAwaitingCompletion) || r != control.Unused {
		t.Fatalf("second Fire = (%v, %v), want (Unused, ErrAwaitingCompletion)", r, err)
	}
	if calls != 1 {
		t.Errorf("action calls = %d, want 1", calls)
	}

	d.NotifyComplete("send")
	if _, err := d.Fire(ctx, "send"); err != nil {
		t.Errorf("Fire after completion: %v", err)
	}
	if calls != 2 {
		t.Errorf("action calls = %d, want 2", calls)
	}
}

func TestDispatch_ActionDurationOnlyWithAction(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	d := New(Controls{
		control.NewModal("note", "take note", []string{"end note"}),
		control.New("lights", "lights on", control.WithAction(control.Do(func() {}))),
	}, WithMetrics(m))
	dispatchText(d, "take note milk end note lights on")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	recorded := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicectl.action.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("action.duration data = %T", met.Data)
			}
			for _, dp := range hist.DataPoints {
				id, _ := dp.Attributes.Value("control")
				recorded[id.AsString()] += dp.Count
			}
		}
	}
	if recorded["note"] != 0 {
		t.Errorf("duration recorded for action-less modal: %d", recorded["note"])
	}
	if recorded["lights"] != 1 {
		t.Errorf("duration samples for lights = %d, want 1", recorded["lights"])
	}
}
