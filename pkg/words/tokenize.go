package words

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TokenSpacing is the synthetic duration assigned to each word by [Tokenize].
const TokenSpacing = 500 * time.Millisecond

// tokenizeEpoch anchors synthetic timestamps so that tokenisation is
// deterministic.
var tokenizeEpoch = time.Unix(0, 0).UTC()

// Normalize folds case, applies NFKC and drops every rune that is not a letter
// or digit. "Hello," becomes "hello" and "don't" becomes "dont".
func Normalize(word string) string {
	folded := cases.Fold().String(norm.NFKC.String(word))
	if isAlnum(folded) {
		return folded
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Split breaks text into normalised alphanumeric words. Apostrophes inside a
// word are removed rather than treated as separators so that contractions
// stay one word.
func Split(text string) []string {
	folded := cases.Fold().String(norm.NFKC.String(text))
	folded = strings.NewReplacer("'", "", "’", "").Replace(folded)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Tokenize converts text into a fresh linked chain and returns its tokens in
// order. Timestamps are synthetic and strictly increasing, spaced by
// [TokenSpacing] from a fixed epoch, so the result depends only on text.
// Text with no alphanumeric content yields an empty slice.
func Tokenize(text string) []Token {
	return AppendText(NewChain(), text, tokenizeEpoch)
}

// AppendText tokenises text onto the end of c, starting the synthetic clock at
// start, and returns the new tokens.
func AppendText(c *Chain, text string, start time.Time) []Token {
	split := Split(text)
	if len(split) == 0 {
		return nil
	}
	toks := make([]Token, 0, len(split))
	at := start
	for _, w := range split {
		toks = append(toks, c.Append(w, at, at.Add(TokenSpacing)))
		at = at.Add(TokenSpacing)
	}
	return toks
}

func isAlnum(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
