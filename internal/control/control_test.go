package control

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicectl/pkg/words"
)

// feed validates every token of text against h and returns the results.
func feed(t *testing.T, h Handler, text string) []Result {
	t.Helper()
	var out []Result
	for _, tok := range words.Tokenize(text) {
		r, err := h.Validate(context.Background(), tok)
		if err != nil {
			t.Fatalf("Validate(%q): %v", tok.Word(), err)
		}
		out = append(out, r)
	}
	return out
}

// feedChain is like feed but keeps a single chain across calls.
type feedChain struct {
	chain *words.Chain
	at    time.Time
}

func (f *feedChain) say(t *testing.T, h Handler, text string) []Result {
	t.Helper()
	if f.chain == nil {
		f.chain = words.NewChain()
		f.at = time.Unix(0, 0)
	}
	toks := words.AppendText(f.chain, text, f.at)
	f.at = f.at.Add(time.Duration(len(toks)) * words.TokenSpacing)

	var out []Result
	for _, tok := range toks {
		r, err := h.Validate(context.Background(), tok)
		if err != nil {
			t.Fatalf("Validate(%q): %v", tok.Word(), err)
		}
		out = append(out, r)
	}
	return out
}

func TestResult_String(t *testing.T) {
	t.Parallel()

	for r, want := range map[Result]string{Unused: "unused", Used: "used", Hold: "hold", Result(9): "Result(9)"} {
		if got := r.String(); got != want {
			t.Errorf("Result(%d).String() = %q, want %q", int(r), got, want)
		}
	}
}

func TestControl_UsedOnlyOnLastToken(t *testing.T) {
	t.Parallel()

	phrases := []string{"lights on", "go back", "open the main menu", "x"}
	for _, p := range phrases {
		calls := 0
		c := New("c", p, WithAction(Do(func() { calls++ })))
		got := feed(t, c, p)
		for i, r := range got {
			want := Unused
			if i == len(got)-1 {
				want = Used
			}
			if r != want {
				t.Errorf("phrase %q token %d: result %v, want %v", p, i, r, want)
			}
		}
		if calls != 1 {
			t.Errorf("phrase %q: action called %d times, want 1", p, calls)
		}
	}
}

func TestControl_Keyphrases(t *testing.T) {
	t.Parallel()

	var gotPhrase string
	c := New("back", "back", WithKeyphrases("go back", "return"), WithAction(
		func(_ context.Context, inv Invocation) (any, error) {
			gotPhrase = inv.Phrase
			return nil, nil
		}))

	res := feed(t, c, "please return")
	if res[len(res)-1] != Used {
		t.Fatalf("keyphrase did not match: %v", res)
	}
	if gotPhrase != "return" {
		t.Errorf("Invocation.Phrase = %q, want %q", gotPhrase, "return")
	}

	// The text is tried before keyphrases: "go back" also ends in "back".
	feed(t, c, "go back")
	if gotPhrase != "back" {
		t.Errorf("Invocation.Phrase = %q, want text to win", gotPhrase)
	}

	if want := []string{"back", "go back", "return"}; strings.Join(c.Phrases(), "|") != strings.Join(want, "|") {
		t.Errorf("Phrases = %v, want %v", c.Phrases(), want)
	}
}

func TestControl_NoActionStillUsed(t *testing.T) {
	t.Parallel()

	c := New("noop", "nothing")
	res := feed(t, c, "nothing")
	if res[0] != Used {
		t.Errorf("result = %v, want Used", res[0])
	}
}

func TestControl_SinkReceivesResult(t *testing.T) {
	t.Parallel()

	type got struct {
		id string
		v  any
	}
	var sunk []got
	c := New("count", "count", WithAction(func(context.Context, Invocation) (any, error) {
		return 42, nil
	}), WithSink(func(id string, v any) { sunk = append(sunk, got{id, v}) }))

	feed(t, c, "count")
	if len(sunk) != 1 || sunk[0].id != "count" || sunk[0].v != 42 {
		t.Errorf("sink got %v, want [{count 42}]", sunk)
	}

	nilResult := New("nil", "nil", WithAction(Do(func() {})), WithSink(func(string, any) {
		t.Error("sink must not receive nil results")
	}))
	feed(t, nilResult, "nil")
}

func TestControl_ActionError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := New("fail", "fail", WithAction(func(context.Context, Invocation) (any, error) {
		return nil, boom
	}))

	tok := words.Tokenize("fail")[0]
	r, err := c.Validate(context.Background(), tok)
	if r != Used {
		t.Errorf("result = %v, want Used", r)
	}
	var ae *ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want *ActionError", err)
	}
	if ae.ControlID != "fail" || !errors.Is(err, boom) {
		t.Errorf("ActionError = %+v, want control fail wrapping boom", ae)
	}
}

func TestControl_ActionPanicRecovered(t *testing.T) {
	t.Parallel()

	c := New("panic", "panic", WithAction(Do(func() { panic("kaboom") })))
	r, err := c.Validate(context.Background(), words.Tokenize("panic")[0])
	if r != Used {
		t.Errorf("result = %v, want Used", r)
	}
	var ae *ActionError
	if !errors.As(err, &ae) || !strings.Contains(ae.Error(), "kaboom") {
		t.Errorf("error = %v, want ActionError mentioning the panic", err)
	}
}

func TestControl_Fire(t *testing.T) {
	t.Parallel()

	var inv Invocation
	c := New("click", "click me", WithAction(func(_ context.Context, i Invocation) (any, error) {
		inv = i
		return nil, nil
	}))
	r, err := c.Fire(context.Background())
	if err != nil || r != Used {
		t.Fatalf("Fire = (%v, %v), want (Used, nil)", r, err)
	}
	if inv.ControlID != "click" || inv.Phrase != "" || inv.Token.Valid() {
		t.Errorf("Invocation = %+v, want id only", inv)
	}
}

func TestModal_Dictation(t *testing.T) {
	t.Parallel()

	var texts []string
	m := NewModal("dictate", "begin dictation", []string{"end dictation"},
		WithAction(DoText(func(text string) { texts = append(texts, text) })))

	var f feedChain
	got := f.say(t, m, "begin dictation")
	if got[0] != Unused || got[1] != Hold {
		t.Fatalf("activation results = %v, want [unused hold]", got)
	}
	if len(texts) != 0 {
		t.Fatal("activation must not run the action")
	}
	if m.State() != Holding {
		t.Fatalf("state = %v, want holding", m.State())
	}

	for _, r := range f.say(t, m, "this is text") {
		if r != Hold {
			t.Fatalf("capture result = %v, want Hold", r)
		}
	}
	if got := len(m.Buffer()); got != 3 {
		t.Errorf("buffer length = %d, want 3", got)
	}

	got = f.say(t, m, "end dictation")
	if got[0] != Hold || got[1] != Used {
		t.Fatalf("deactivation results = %v, want [hold used]", got)
	}
	if len(texts) != 1 || texts[0] != "this is text" {
		t.Errorf("action texts = %q, want [%q]", texts, "this is text")
	}
	if m.State() != Inactive {
		t.Errorf("state = %v, want inactive", m.State())
	}
	if m.Captured() != "this is text" {
		t.Errorf("Captured = %q", m.Captured())
	}
}

func TestModal_ReactivationResetsBuffer(t *testing.T) {
	t.Parallel()

	var texts []string
	m := NewModal("note", "note", []string{"done"},
		WithAction(DoText(func(text string) { texts = append(texts, text) })))

	var f feedChain
	f.say(t, m, "note first done note second one done")

	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second one" {
		t.Errorf("texts = %q, want [first, second one]", texts)
	}
}

func TestModal_BufferGrowsMonotonically(t *testing.T) {
	t.Parallel()

	m := NewModal("m", "start", []string{"stop now"})
	var f feedChain
	f.say(t, m, "start")

	prev := 0
	for _, w := range strings.Fields("a b stop c d") {
		f.say(t, m, w)
		n := len(m.Buffer())
		if n < prev {
			t.Fatalf("buffer shrank from %d to %d while holding", prev, n)
		}
		prev = n
	}
	if m.State() != Holding {
		t.Error("partial deactivation phrase should not end the capture")
	}
}

func TestModal_DeactivationTrimIsClamped(t *testing.T) {
	t.Parallel()

	// "go stop" as a deactivation phrase reaches back into the activation
	// word "go" when spoken immediately after it.
	var texts []string
	m := NewModal("m", "go", []string{"go stop"},
		WithAction(DoText(func(text string) { texts = append(texts, text) })))

	var f feedChain
	got := f.say(t, m, "go stop")
	if got[0] != Hold || got[1] != Used {
		t.Fatalf("results = %v, want [hold used]", got)
	}
	if len(texts) != 1 || texts[0] != "" {
		t.Errorf("texts = %q, want one empty capture", texts)
	}
}

func TestModal_Keyphrase(t *testing.T) {
	t.Parallel()

	m := NewModal("m", "start speaking", []string{"stop speaking"}, WithKeyphrases("listen"))
	var f feedChain
	if got := f.say(t, m, "listen"); got[0] != Hold {
		t.Errorf("keyphrase activation = %v, want Hold", got[0])
	}
}

func TestModal_SkipsRefinedAwayWords(t *testing.T) {
	t.Parallel()

	var texts []string
	m := NewModal("m", "start", []string{"stop"},
		WithAction(DoText(func(text string) { texts = append(texts, text) })))

	var f feedChain
	f.say(t, m, "start hello uh world")
	if err := f.chain.Refine(2, ""); err != nil {
		t.Fatal(err)
	}
	f.say(t, m, "stop")

	if len(texts) != 1 || texts[0] != "hello world" {
		t.Errorf("texts = %q, want [hello world]", texts)
	}
}

func TestModal_FireToggles(t *testing.T) {
	t.Parallel()

	var texts []string
	m := NewModal("m", "start", []string{"stop"},
		WithAction(DoText(func(text string) { texts = append(texts, text) })))

	if r, _ := m.Fire(context.Background()); r != Hold {
		t.Fatalf("first Fire = %v, want Hold", r)
	}
	var f feedChain
	f.say(t, m, "some words")
	if r, _ := m.Fire(context.Background()); r != Used {
		t.Fatalf("second Fire = %v, want Used", r)
	}
	if len(texts) != 1 || texts[0] != "some words" {
		t.Errorf("texts = %q, want [some words]", texts)
	}
}

func TestModal_Reset(t *testing.T) {
	t.Parallel()

	called := false
	m := NewModal("m", "start", []string{"stop"}, WithAction(Do(func() { called = true })))
	var f feedChain
	f.say(t, m, "start abc")
	m.Reset()
	if m.State() != Inactive || len(m.Buffer()) != 0 {
		t.Errorf("after Reset: state %v, buffer %d", m.State(), len(m.Buffer()))
	}
	if called {
		t.Error("Reset must not run the action")
	}
}

func TestModal_CorrectedTokenDeactivates(t *testing.T) {
	t.Parallel()

	var texts []string
	m := NewModal("m", "start speaking", []string{"stop speaking"},
		WithAction(DoText(func(text string) { texts = append(texts, text) })))

	var f feedChain
	f.say(t, m, "start speaking hello stop peaking now")
	if m.State() != Holding {
		t.Fatal("misheard deactivation should keep holding")
	}

	// The recogniser corrects "peaking"; the corrected token is offered again.
	if err := f.chain.Refine(4, "speaking"); err != nil {
		t.Fatal(err)
	}
	tok, _ := f.chain.At(4)
	r, err := m.Validate(context.Background(), tok)
	if err != nil || r != Used {
		t.Fatalf("Validate(corrected) = (%v, %v), want Used", r, err)
	}
	if len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("texts = %q, want [hello]", texts)
	}
}

func TestModal_RedeliveredTokenNotBufferedTwice(t *testing.T) {
	t.Parallel()

	m := NewModal("m", "start", []string{"stop"})
	var f feedChain
	f.say(t, m, "start one two")
	tok, _ := f.chain.At(2)
	if r, _ := m.Validate(context.Background(), tok); r != Hold {
		t.Fatalf("Validate(redelivered) = %v, want Hold", r)
	}
	if got := m.Captured(); got != "one two" {
		t.Errorf("Captured = %q, want %q", got, "one two")
	}
}
