package words

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by [Source.Next] once the source has been closed and
// by producer methods called after Close.
var ErrClosed = errors.New("words: source closed")

// Source produces an ordered, effectively infinite stream of tokens until it
// is closed.
//
// Exactly one goroutine may call Next. Close may be called from any goroutine
// and more than once.
type Source interface {
	// Next blocks until the next token is available, the source is closed
	// ([ErrClosed]) or ctx is done (ctx.Err()).
	Next(ctx context.Context) (Token, error)

	// Done returns a channel that is closed when the source is closed.
	Done() <-chan struct{}

	// Close stops the source. Pending and future Next calls return ErrClosed.
	Close() error
}

// defaultQueueSize is the token buffer of a [Queue].
const defaultQueueSize = 256

// Queue is an in-memory [Source] fed by its producer methods. It backs typed
// text entry and tests.
//
// Producer methods are safe for concurrent use; tokens keep the order in which
// the producer calls complete.
type Queue struct {
	chain *Chain

	mu    sync.Mutex // serialises producers so chain order matches delivery order
	clock time.Time  // end time of the last pushed word
	now   func() time.Time

	ch       chan Token
	done     chan struct{}
	stopOnce sync.Once

	// taken is one past the highest index returned by Next.
	taken atomic.Int64
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithQueueSize sets the token buffer size. Producers block when it is full.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Token, n)
		}
	}
}

// WithClock overrides the wall clock used to timestamp pushed text.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue returns an open queue with its own chain.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		chain: NewChain(),
		now:   time.Now,
		ch:    make(chan Token, defaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Chain returns the queue's chain.
func (q *Queue) Chain() *Chain { return q.chain }

// Push appends a single word with an explicit time span and delivers it.
// Words that normalise to nothing are dropped and return a zero Token.
func (q *Queue) Push(ctx context.Context, word string, start, end time.Time) (Token, error) {
	if Normalize(word) == "" {
		return Token{}, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed() {
		return Token{}, ErrClosed
	}
	tok := q.chain.Append(word, start, end)
	if end.After(q.clock) {
		q.clock = end
	}
	return tok, q.deliver(ctx, tok)
}

// PushText tokenises text as if it had been spoken word by word and delivers
// the tokens. Timestamps continue from the later of the wall clock and the
// last pushed word.
func (q *Queue) PushText(ctx context.Context, text string) ([]Token, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed() {
		return nil, ErrClosed
	}
	start := q.now()
	if start.Before(q.clock) {
		start = q.clock
	}
	toks := AppendText(q.chain, text, start)
	for i, tok := range toks {
		if err := q.deliver(ctx, tok); err != nil {
			return toks[:i], err
		}
		q.clock = tok.End()
	}
	return toks, nil
}

// Refine replaces the word at index in the queue's chain. When the token was
// already taken by Next and its word changed to a non-empty one, the token is
// delivered again so the consumer can react to the correction.
func (q *Queue) Refine(ctx context.Context, index int, word string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	old, ok := q.chain.At(index)
	if !ok {
		return q.chain.Refine(index, word)
	}
	prev := old.Word()
	if err := q.chain.Refine(index, word); err != nil {
		return err
	}
	if w := old.Word(); w == "" || w == prev || int64(index) >= q.taken.Load() {
		return nil
	}
	if q.closed() {
		return ErrClosed
	}
	return q.deliver(ctx, old)
}

// Next implements [Source].
func (q *Queue) Next(ctx context.Context) (Token, error) {
	// Prefer reporting closure over draining buffered tokens.
	select {
	case <-q.done:
		return Token{}, ErrClosed
	default:
	}
	select {
	case tok := <-q.ch:
		if n := int64(tok.index + 1); n > q.taken.Load() {
			q.taken.Store(n)
		}
		return tok, nil
	case <-q.done:
		return Token{}, ErrClosed
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Done implements [Source].
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close implements [Source]. It is safe to call more than once.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() { close(q.done) })
	return nil
}

func (q *Queue) deliver(ctx context.Context, tok Token) error {
	select {
	case q.ch <- tok:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

var _ Source = (*Queue)(nil)
