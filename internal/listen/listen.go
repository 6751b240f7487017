// Package listen turns streaming speech recognition results into words on a
// session's chain.
//
// Recognisers revise themselves: an interim result for an utterance is
// replaced by later interim results and finally by a final one. A [Listener]
// pushes each new word once and, when a later result for the same utterance
// disagrees, refines the already pushed token in place. A [words.Queue]
// delivers a corrected token again, so a command whose last word was misheard
// at first still matches once the recogniser corrects it. Tokens the new
// result no longer contains are refined to the empty word, which never
// matches a phrase. A final result commits the utterance.
package listen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/pkg/provider/stt"
	"github.com/MrWong99/voicectl/pkg/words"
)

// Sink receives recognised words. [*words.Queue] implements it.
type Sink interface {
	Push(ctx context.Context, word string, start, end time.Time) (words.Token, error)
	Refine(ctx context.Context, index int, word string) error
}

// Listener applies recognition results to a [Sink]. It is not safe for
// concurrent use; one goroutine runs [Listener.Run] or calls
// [Listener.Apply].
type Listener struct {
	sink    Sink
	base    time.Time
	name    string
	metrics *observe.Metrics

	// Tokens of the uncommitted utterance, in order.
	pending []pendingWord
}

type pendingWord struct {
	index int
	word  string
}

// Option configures a [Listener].
type Option func(*Listener)

// WithBase sets the wall-clock time of stream offset zero. Default: the time
// New is called.
func WithBase(t time.Time) Option {
	return func(l *Listener) { l.base = t }
}

// WithProviderName labels provider metrics. Default: "stt".
func WithProviderName(name string) Option {
	return func(l *Listener) { l.name = name }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// New returns a listener writing to sink.
func New(sink Sink, opts ...Option) *Listener {
	l := &Listener{sink: sink, base: time.Now(), name: "stt"}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Run applies results from h until its result channel closes or ctx ends.
// A closed sink ends the run without error.
func (l *Listener) Run(ctx context.Context, h stt.SessionHandle) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-h.Results():
			if !ok {
				return nil
			}
			l.metrics.RecordProviderRequest(ctx, l.name, "stt", "ok")
			if err := l.Apply(ctx, t); err != nil {
				if errors.Is(err, words.ErrClosed) {
					return nil
				}
				l.metrics.RecordProviderError(ctx, l.name, "stt")
				return err
			}
		}
	}
}

// Apply merges one recognition result into the chain.
func (l *Listener) Apply(ctx context.Context, t stt.Transcript) error {
	next := l.spans(t)

	for i, w := range next {
		if i < len(l.pending) {
			if l.pending[i].word != w.word {
				if err := l.sink.Refine(ctx, l.pending[i].index, w.word); err != nil {
					return fmt.Errorf("listen: refine: %w", err)
				}
				l.pending[i].word = w.word
			}
			continue
		}
		tok, err := l.sink.Push(ctx, w.word, w.start, w.end)
		if err != nil {
			return fmt.Errorf("listen: push: %w", err)
		}
		l.pending = append(l.pending, pendingWord{index: tok.Index(), word: w.word})
	}

	if len(next) < len(l.pending) {
		for _, p := range l.pending[len(next):] {
			if p.word == "" {
				continue
			}
			if err := l.sink.Refine(ctx, p.index, ""); err != nil {
				return fmt.Errorf("listen: retract: %w", err)
			}
		}
		for i := len(next); i < len(l.pending); i++ {
			l.pending[i].word = ""
		}
	}

	if t.IsFinal {
		if len(next) > 0 {
			observe.Logger(ctx).Debug("listen: utterance final", "text", t.Text)
		}
		l.pending = l.pending[:0]
	}
	return nil
}

type span struct {
	word       string
	start, end time.Time
}

// spans returns the normalised words of t with wall-clock times. Per-word
// timing is used when the recogniser reports it; otherwise words are spaced
// evenly from now.
func (l *Listener) spans(t stt.Transcript) []span {
	var out []span
	if len(t.Words) > 0 {
		for _, w := range t.Words {
			n := words.Normalize(w.Text)
			if n == "" {
				continue
			}
			out = append(out, span{word: n, start: l.base.Add(w.Start), end: l.base.Add(w.End)})
		}
		return out
	}
	at := time.Now()
	for _, w := range words.Split(t.Text) {
		out = append(out, span{word: w, start: at, end: at.Add(words.TokenSpacing)})
		at = at.Add(words.TokenSpacing)
	}
	return out
}
