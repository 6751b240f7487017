// Package phrase decides whether a phrase has just been spoken.
//
// A [Matcher] answers one question: does the chain of words ending at a given
// token equal a phrase? It tokenises each phrase once (cached by the literal
// phrase string) and walks the phrase backwards in lock step with the chain,
// so a check costs O(len(phrase)) regardless of how long the chain is.
//
// Words are compared through equivalence classes ("5" ↔ "five"); words outside
// every class compare by normalised equality. Matching is exact: there is no
// fuzzy or phonetic scoring.
package phrase

import (
	"github.com/MrWong99/voicectl/pkg/words"
)

// DefaultGroups are the built-in equivalence classes: each digit from 0 to 10
// and its spelled-out form.
var DefaultGroups = [][]string{
	{"0", "zero"},
	{"1", "one"},
	{"2", "two"},
	{"3", "three"},
	{"4", "four"},
	{"5", "five"},
	{"6", "six"},
	{"7", "seven"},
	{"8", "eight"},
	{"9", "nine"},
	{"10", "ten"},
}

// Equivalences maps a normalised word to its class id. Words sharing an id
// are interchangeable. It is immutable after construction and may be shared.
type Equivalences struct {
	class map[string]int
}

// NewEquivalences builds a table from groups. Every word is normalised with
// [words.Normalize]. When a word appears in more than one group the groups
// are merged, keeping the relation symmetric and transitive.
func NewEquivalences(groups ...[]string) *Equivalences {
	e := &Equivalences{class: make(map[string]int)}
	next := 0
	for _, g := range groups {
		id := -1
		for _, w := range g {
			if c, ok := e.class[words.Normalize(w)]; ok {
				id = c
				break
			}
		}
		if id < 0 {
			id = next
			next++
		}
		for _, w := range g {
			n := words.Normalize(w)
			if n == "" {
				continue
			}
			if old, ok := e.class[n]; ok && old != id {
				e.relabel(old, id)
			}
			e.class[n] = id
		}
	}
	return e
}

func (e *Equivalences) relabel(from, to int) {
	for w, c := range e.class {
		if c == from {
			e.class[w] = to
		}
	}
}

// Equivalent reports whether a and b are interchangeable. Both arguments must
// already be normalised.
func (e *Equivalences) Equivalent(a, b string) bool {
	if a == b {
		return true
	}
	if e == nil {
		return false
	}
	ca, ok := e.class[a]
	if !ok {
		return false
	}
	cb, ok := e.class[b]
	return ok && ca == cb
}

// Matcher checks phrases against a word chain.
//
// A Matcher caches phrase tokenisation and is not safe for concurrent use; it
// is meant to be confined to the single goroutine that dispatches a session's
// words.
type Matcher struct {
	equiv *Equivalences
	cache map[string][]string
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithEquivalences replaces the equivalence table. A nil table means plain
// equality only.
func WithEquivalences(e *Equivalences) Option {
	return func(m *Matcher) { m.equiv = e }
}

// defaultEquivalences is shared by every Matcher built without options.
var defaultEquivalences = NewEquivalences(DefaultGroups...)

// Default returns the built-in equivalence table.
func Default() *Equivalences { return defaultEquivalences }

// NewMatcher returns a Matcher using [DefaultGroups] unless overridden.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		equiv: defaultEquivalences,
		cache: make(map[string][]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Words returns the cached tokenisation of phrase.
func (m *Matcher) Words(phrase string) []string {
	if w, ok := m.cache[phrase]; ok {
		return w
	}
	w := words.Split(phrase)
	m.cache[phrase] = w
	return w
}

// Len returns the number of words in phrase.
func (m *Matcher) Len(phrase string) int {
	return len(m.Words(phrase))
}

// Equivalent reports whether the spoken word a satisfies the phrase word b
// under the matcher's table.
func (m *Matcher) Equivalent(a, b string) bool {
	return m.equiv.Equivalent(a, b)
}

// Match reports whether the chain ending at tok equals phrase. A phrase with
// no words never matches, and neither does an invalid token.
func (m *Matcher) Match(phrase string, tok words.Token) bool {
	target := m.Words(phrase)
	if len(target) == 0 || !tok.Valid() {
		return false
	}
	cur := tok
	for i := len(target) - 1; i >= 0; i-- {
		if !m.Equivalent(cur.Word(), target[i]) {
			return false
		}
		if i == 0 {
			break
		}
		prev, ok := cur.Prev()
		if !ok {
			return false
		}
		cur = prev
	}
	return true
}

// MatchAny returns the first phrase in phrases that matches at tok.
func (m *Matcher) MatchAny(tok words.Token, phrases ...string) (string, bool) {
	for _, p := range phrases {
		if m.Match(p, tok) {
			return p, true
		}
	}
	return "", false
}
