// Package words defines the transcribed word stream that drives voice control.
//
// Recognised words are appended to a [Chain], an append-only arena addressed by
// integer index. A [Token] is a small value handle (chain + index) that is
// delivered once to the consumer and can walk backwards through the words that
// preceded it. The only permitted mutation after a word is appended is
// [Chain.Refine], which replaces a word in place when the speech recogniser
// revises an earlier guess.
//
// A [Source] produces tokens in arrival order until it is closed. [Queue] is an
// in-memory Source used for typed text entry and tests; speech-backed sources
// live in internal/listen.
package words

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrIndexOutOfRange is returned by [Chain.Refine] when the index does not
// address an appended word.
var ErrIndexOutOfRange = errors.New("words: index out of range")

// entry is one slot in the chain arena.
type entry struct {
	word  string
	start time.Time
	end   time.Time
}

// Chain is an append-only sequence of recognised words.
//
// A Chain has exactly one producer (the appender) and usually one consumer,
// but reads and writes may happen on different goroutines, so all methods are
// safe for concurrent use.
type Chain struct {
	mu      sync.RWMutex
	entries []entry
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Append adds word to the end of the chain and returns its token. The word is
// normalised with [Normalize]; callers that already hold normalised text pay
// only for the cheap no-op path.
func (c *Chain) Append(word string, start, end time.Time) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{word: Normalize(word), start: start, end: end})
	return Token{chain: c, index: len(c.entries) - 1}
}

// Refine replaces the word at index in place. Timestamps and position are
// unchanged. An empty word is allowed and never matches any phrase.
func (c *Chain) Refine(index int, word string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.entries) {
		return fmt.Errorf("words: refine %d of %d: %w", index, len(c.entries), ErrIndexOutOfRange)
	}
	c.entries[index].word = Normalize(word)
	return nil
}

// At returns the token at index. ok is false when index is out of range.
func (c *Chain) At(index int) (tok Token, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entries) {
		return Token{}, false
	}
	return Token{chain: c, index: index}, true
}

// Len returns the number of appended words.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Text joins the words in the half-open range [from, to) with single spaces.
// Empty (refined-away) words are skipped. The range is clamped to the chain.
func (c *Chain) Text(from, to int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	from = max(from, 0)
	to = min(to, len(c.entries))
	var b strings.Builder
	for i := from; i < to; i++ {
		w := c.entries[i].word
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

func (c *Chain) word(index int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[index].word
}

func (c *Chain) span(index int) (time.Time, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[index]
	return e.start, e.end
}

// Token is a handle to one word of a [Chain]. The zero Token is invalid.
//
// Token values are cheap to copy. Word always reports the current text at the
// token's position, so a refinement made after delivery is visible to later
// backward scans.
type Token struct {
	chain *Chain
	index int
}

// Valid reports whether t refers to a word.
func (t Token) Valid() bool { return t.chain != nil }

// Index returns the token's position in its chain.
func (t Token) Index() int { return t.index }

// Chain returns the chain the token belongs to.
func (t Token) Chain() *Chain { return t.chain }

// Word returns the current (possibly refined) normalised word.
func (t Token) Word() string {
	if t.chain == nil {
		return ""
	}
	return t.chain.word(t.index)
}

// Start returns when the word began.
func (t Token) Start() time.Time {
	if t.chain == nil {
		return time.Time{}
	}
	s, _ := t.chain.span(t.index)
	return s
}

// End returns when the word ended.
func (t Token) End() time.Time {
	if t.chain == nil {
		return time.Time{}
	}
	_, e := t.chain.span(t.index)
	return e
}

// Prev returns the token immediately before t. ok is false at the head of the
// chain.
func (t Token) Prev() (prev Token, ok bool) {
	if t.chain == nil || t.index == 0 {
		return Token{}, false
	}
	return Token{chain: t.chain, index: t.index - 1}, true
}

// String implements fmt.Stringer.
func (t Token) String() string { return t.Word() }
