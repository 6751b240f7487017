package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicectl/internal/control"
	"github.com/MrWong99/voicectl/internal/dispatch"
	"github.com/MrWong99/voicectl/internal/events"
	"github.com/MrWong99/voicectl/internal/listen"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/phrase"
	"github.com/MrWong99/voicectl/internal/screen"
	"github.com/MrWong99/voicectl/pkg/provider/stt"
	"github.com/MrWong99/voicectl/pkg/words"
)

var (
	// ErrNoSTT is returned by [Session.Listen] when no speech-to-text
	// provider is configured.
	ErrNoSTT = errors.New("app: no stt provider configured")

	// ErrAlreadyListening is returned by [Session.Listen] while another audio
	// stream feeds the session.
	ErrAlreadyListening = errors.New("app: session is already listening")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("app: session closed")
)

// SessionConfig holds what every new session is built from. The manager
// hands a copy to each session, so changes only affect later sessions.
type SessionConfig struct {
	// Equivalences extends word matching. Nil uses the built-in digit table.
	Equivalences *phrase.Equivalences

	// CompletionTimeout bounds asynchronous waits; zero waits indefinitely.
	CompletionTimeout time.Duration

	EventBuffer int
	QueueSize   int

	// Assistant answers "send message". Nil disables it.
	Assistant screen.Replier

	// STT turns streamed audio into words. Nil disables [Session.Listen].
	STT     stt.Provider
	STTName string

	Metrics *observe.Metrics
}

// Session is one user's live voice-control state: the word chain, the
// navigation stack with its screens, the dispatcher consuming the chain and
// the event hub clients subscribe to.
type Session struct {
	ID      string
	Created time.Time

	cfg   SessionConfig
	queue *words.Queue
	hub   *events.Hub
	stack *screen.Stack
	disp  *dispatch.Dispatcher
	notes *screen.Notes

	cancel context.CancelFunc
	done   chan struct{}

	lastActive atomic.Int64
	listening  atomic.Bool
	closeOnce  sync.Once
}

func newSession(id string, cfg SessionConfig, now time.Time) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	equiv := cfg.Equivalences
	if equiv == nil {
		equiv = phrase.Default()
	}

	s := &Session{
		ID:      id,
		Created: now,
		cfg:     cfg,
		queue:   words.NewQueue(words.WithQueueSize(cfg.QueueSize)),
		hub:     events.NewHub(id, events.WithBuffer(cfg.EventBuffer)),
		notes:   &screen.Notes{},
		done:    make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())

	deps := screen.Deps{
		Matcher:   phrase.NewMatcher(phrase.WithEquivalences(equiv)),
		Notes:     s.notes,
		Complete:  func(id string) bool { return s.disp.NotifyComplete(id) },
		Publisher: s.hub,
		Sink: func(controlID string, v any) {
			s.hub.Publish(events.Event{Kind: events.ControlResult, Control: controlID, Data: v})
		},
	}
	if cfg.Assistant != nil {
		deps.Assistant = cfg.Assistant
		if n, ok := cfg.Assistant.(screen.Namer); ok {
			deps.Namer = n
		}
	}
	s.stack = screen.Build(deps, screen.WithOnChange(func(_, to *screen.Screen) {
		s.hub.Publish(events.Event{Kind: events.Navigation, Screen: to.Name})
	}))

	s.disp = dispatch.New(s.stack,
		dispatch.WithSession(id),
		dispatch.WithMetrics(cfg.Metrics),
		dispatch.WithPublisher(s.hub),
		dispatch.WithCompletionTimeout(cfg.CompletionTimeout),
		dispatch.WithObserver(s.heard),
	)
	return s
}

// start runs the dispatcher until the session is closed.
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := s.disp.Run(ctx, s.queue); err != nil && !errors.Is(err, context.Canceled) {
			observe.Logger(ctx).Error("app: session loop failed", "session", s.ID, "err", err)
		}
	}()
}

// heard publishes every dispatched word as a transcription event.
func (s *Session) heard(_ context.Context, tok words.Token) {
	s.touch()
	if tok.Word() == "" {
		return
	}
	s.hub.Publish(events.Event{Kind: events.Transcription, Text: tok.Word(), Data: tok.Index()})
}

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns when the session last received input.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Text appends typed text to the session's word stream as if it had been
// spoken. It blocks while the session waits for an asynchronous completion
// and the queue is full.
func (s *Session) Text(ctx context.Context, text string) ([]words.Token, error) {
	s.touch()
	toks, err := s.queue.PushText(ctx, text)
	if errors.Is(err, words.ErrClosed) {
		return toks, ErrSessionClosed
	}
	return toks, err
}

// Fire triggers a control of the current screen by id, as a click would.
func (s *Session) Fire(ctx context.Context, id string) (control.Result, error) {
	if s.Closed() {
		return control.Unused, ErrSessionClosed
	}
	s.touch()
	return s.disp.Fire(ctx, id)
}

// Complete reports that the asynchronous action of control id finished.
func (s *Session) Complete(id string) bool {
	s.touch()
	return s.disp.NotifyComplete(id)
}

// Waiting returns the controls the session is paused on.
func (s *Session) Waiting() []string { return s.disp.Waiting() }

// View snapshots the current screen.
func (s *Session) View() screen.View {
	var v screen.View
	s.disp.Inspect(func() { v = s.stack.View() })
	return v
}

// Notes returns the notes taken in this session.
func (s *Session) Notes() []screen.Note { return s.notes.List() }

// Subscribe registers an event subscriber; see [events.Hub.Subscribe].
func (s *Session) Subscribe() (<-chan events.Event, func()) { return s.hub.Subscribe() }

// CanListen reports whether a speech-to-text provider is configured.
func (s *Session) CanListen() bool { return s.cfg.STT != nil }

// Listen streams audio chunks to the configured speech-to-text provider and
// feeds the recognised words into the session. It returns when audio is
// closed, the provider ends the stream, ctx ends or the session closes.
func (s *Session) Listen(ctx context.Context, audio <-chan []byte) error {
	if s.cfg.STT == nil {
		return ErrNoSTT
	}
	if !s.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	defer s.listening.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	h, err := s.cfg.STT.StartStream(ctx, stt.StreamConfig{Keyterms: s.keyterms()})
	if err != nil {
		s.cfg.Metrics.RecordProviderError(ctx, s.cfg.STTName, "stt")
		return fmt.Errorf("app: start stt stream: %w", err)
	}

	l := listen.New(s.queue,
		listen.WithBase(time.Now()),
		listen.WithProviderName(s.cfg.STTName),
		listen.WithMetrics(s.cfg.Metrics),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Run(gctx, h) })
	g.Go(func() error {
		defer h.Close()
		for {
			select {
			case <-gctx.Done():
				return nil
			case chunk, ok := <-audio:
				if !ok {
					return nil
				}
				s.touch()
				if err := h.SendAudio(chunk); err != nil {
					return fmt.Errorf("app: send audio: %w", err)
				}
			}
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// keyterms collects the phrases of the current screen to bias recognition.
func (s *Session) keyterms() []string {
	var terms []string
	for _, c := range s.View().Controls {
		terms = append(terms, c.Phrases...)
	}
	return terms
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	select {
	case <-s.queue.Done():
		return true
	default:
		return false
	}
}

// Close stops the session. An unfinished dictation is discarded and
// subscribers receive a final SessionClosed event before their channels
// close. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.queue.Close()
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.hub.Publish(events.Event{Kind: events.SessionClosed})
		s.hub.Close()
	})
	return nil
}
