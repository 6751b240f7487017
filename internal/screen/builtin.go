package screen

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicectl/internal/assistant"
	"github.com/MrWong99/voicectl/internal/control"
	"github.com/MrWong99/voicectl/internal/events"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/phrase"
	"github.com/MrWong99/voicectl/pkg/provider/llm"
)

// Names of the built-in screens.
const (
	Welcome      = "welcome"
	Main         = "main"
	Conversation = "conversation"
	NotesScreen  = "notes"
)

var (
	// ErrEmptyDraft is returned by "send message" when nothing was dictated.
	ErrEmptyDraft = errors.New("screen: nothing to send")

	// ErrNoAssistant is returned by "send message" when no assistant is
	// configured.
	ErrNoAssistant = errors.New("screen: no assistant configured")

	// ErrNoteNotFound is returned when no note matches a dictated name or
	// query.
	ErrNoteNotFound = errors.New("screen: no such note")
)

// Replier answers one message of a conversation.
type Replier interface {
	Reply(ctx context.Context, conv *assistant.Conversation, text string) (string, error)
}

// Namer titles and summarises a dictated note.
type Namer interface {
	Describe(ctx context.Context, text string) (name, description string, err error)
}

// Deps is the session state the built-in screens act on.
type Deps struct {
	// Matcher is shared by every control of the session. Nil gives each
	// control its own default matcher.
	Matcher *phrase.Matcher

	Notes        *Notes
	Draft        *Draft
	Conversation *assistant.Conversation

	// Assistant answers sent messages. It may be nil.
	Assistant Replier

	// Namer titles saved notes in the background. Nil keeps the name
	// derived from the note's first words.
	Namer Namer

	// Complete reports the end of an asynchronous action by control id. It
	// is normally the session dispatcher's NotifyComplete.
	Complete func(id string) bool

	Publisher events.Publisher
	Sink      control.Sink
}

func (d *Deps) defaults() {
	if d.Notes == nil {
		d.Notes = &Notes{}
	}
	if d.Draft == nil {
		d.Draft = &Draft{}
	}
	if d.Conversation == nil {
		d.Conversation = &assistant.Conversation{}
	}
	if d.Complete == nil {
		d.Complete = func(string) bool { return false }
	}
	if d.Publisher == nil {
		d.Publisher = events.Discard
	}
}

// Build constructs the built-in screens and returns a stack showing the
// welcome screen.
//
//	welcome       "hey alejandro"                      -> main
//	main          "open conversation" / "open notes"   -> conversation / notes
//	              "go back" / "go forward"
//	conversation  "start speaking" ... "stop speaking" dictates the draft
//	              "send message" asks the assistant (asynchronous)
//	              "clear message", "go back"
//	notes         "take note" ... "end note" stores a note
//	              "open note" <name> "done" adds a note to the conversation
//	              "find note" / "search notes" <query> "done" does the
//	              same for the best match by name or by contents
//	              "read notes", "clear notes", "go back"
func Build(deps Deps, opts ...StackOption) *Stack {
	deps.defaults()

	var stack *Stack
	opt := func(extra ...control.Option) []control.Option {
		return append([]control.Option{control.WithMatcher(deps.Matcher), control.WithSink(deps.Sink)}, extra...)
	}
	push := func(s **Screen) control.Action {
		return control.Do(func() { stack.Push(*s) })
	}
	back := func() control.Handler {
		return control.New("back", "go back", opt(
			control.WithKeyphrases("back"),
			control.WithAction(control.Do(func() { stack.Back() })),
		)...)
	}

	var mainScreen, convScreen, notesScreen *Screen

	welcome := New(Welcome, "Welcome",
		control.New("wake", "hey alejandro", opt(
			control.WithKeyphrases("hello alejandro"),
			control.WithAction(push(&mainScreen)),
		)...),
	)

	mainScreen = New(Main, "Home",
		control.New("open-conversation", "open conversation", opt(
			control.WithKeyphrases("start conversation"),
			control.WithAction(push(&convScreen)),
		)...),
		control.New("open-notes", "open notes", opt(
			control.WithKeyphrases("show notes"),
			control.WithAction(push(&notesScreen)),
		)...),
		back(),
		control.New("forward", "go forward", opt(
			control.WithAction(control.Do(func() { stack.Forward() })),
		)...),
	)

	convScreen = New(Conversation, "Conversation",
		control.NewModal("dictate", "start speaking", []string{"stop speaking"}, opt(
			control.WithAction(control.DoText(deps.Draft.Append)),
		)...),
		control.New("send", "send message", opt(
			control.WithAwaitCompletion(),
			control.WithAction(sendMessage(deps)),
		)...),
		control.New("clear", "clear message", opt(
			control.WithAction(control.Do(func() { deps.Draft.Take() })),
		)...),
		back(),
	)

	closeNote := []string{"done", "finished"}
	notesScreen = New(NotesScreen, "Notes",
		control.NewModal("note", "take note", []string{"end note", "done", "finished"}, opt(
			control.WithKeyphrases("save note", "make a note", "create note"),
			control.WithAction(saveNote(deps)),
		)...),
		control.NewModal("load-note", "open note", closeNote, opt(
			control.WithKeyphrases("load note", "open a note", "load a note"),
			control.WithAction(openNote(deps, func(name string) (Note, bool) {
				return deps.Notes.Find(name, equivalent(deps.Matcher))
			})),
		)...),
		control.NewModal("find-note", "find note", closeNote, opt(
			control.WithAction(openNote(deps, bestMatch(deps.Notes, false))),
		)...),
		control.NewModal("search-notes", "search notes", closeNote, opt(
			control.WithAction(openNote(deps, bestMatch(deps.Notes, true))),
		)...),
		control.New("read-notes", "read notes", opt(
			control.WithKeyphrases("list notes"),
			control.WithAction(func(context.Context, control.Invocation) (any, error) {
				return deps.Notes.List(), nil
			}),
		)...),
		control.New("clear-notes", "clear notes", opt(
			control.WithAction(control.Do(deps.Notes.Clear)),
		)...),
		back(),
	)

	stack = NewStack(welcome, opts...)
	return stack
}

func equivalent(m *phrase.Matcher) func(a, b string) bool {
	if m == nil {
		return phrase.Default().Equivalent
	}
	return m.Equivalent
}

func bestMatch(notes *Notes, withText bool) func(string) (Note, bool) {
	return func(query string) (Note, bool) {
		found := notes.Search(query, withText)
		if len(found) == 0 {
			return Note{}, false
		}
		return found[0], true
	}
}

// saveNote stores the dictated text. With a namer configured the note is
// renamed once the namer answers, and the renamed note is published as a
// further control result.
func saveNote(deps Deps) control.Action {
	return func(ctx context.Context, inv control.Invocation) (any, error) {
		if inv.Text == "" {
			return nil, nil
		}
		note := deps.Notes.Add(Note{Text: inv.Text})
		if deps.Namer == nil {
			return note, nil
		}

		ctx = context.WithoutCancel(ctx)
		go func() {
			name, desc, err := deps.Namer.Describe(ctx, note.Text)
			if err != nil {
				observe.Logger(ctx).Warn("screen: naming note failed", "note", note.ID, "err", err)
				return
			}
			if named, ok := deps.Notes.Describe(note.ID, name, desc); ok {
				deps.Publisher.Publish(events.Event{Kind: events.ControlResult, Control: inv.ControlID, Data: named})
			}
		}()
		return note, nil
	}
}

// openNote adds the note found for the captured text to the conversation as
// a user turn.
func openNote(deps Deps, lookup func(string) (Note, bool)) control.Action {
	return func(_ context.Context, inv control.Invocation) (any, error) {
		note, ok := lookup(inv.Text)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoteNotFound, inv.Text)
		}
		deps.Conversation.Append(llm.RoleUser, note.Message())
		return note, nil
	}
}

// sendMessage hands the draft to the assistant in the background. The
// session stays paused until the reply (or failure) is published and the
// completion reported.
func sendMessage(deps Deps) control.Action {
	return func(ctx context.Context, inv control.Invocation) (any, error) {
		if deps.Assistant == nil {
			return nil, ErrNoAssistant
		}
		text := deps.Draft.Take()
		if text == "" {
			return nil, ErrEmptyDraft
		}

		ctx = context.WithoutCancel(ctx)
		go func() {
			defer deps.Complete(inv.ControlID)
			defer func() {
				if r := recover(); r != nil {
					observe.Logger(ctx).Error("screen: assistant panicked", "panic", r)
					deps.Publisher.Publish(events.Event{
						Kind:    events.AssistantReply,
						Control: inv.ControlID,
						Error:   fmt.Sprintf("panic: %v", r),
					})
				}
			}()

			reply, err := deps.Assistant.Reply(ctx, deps.Conversation, text)
			e := events.Event{Kind: events.AssistantReply, Control: inv.ControlID, Text: reply}
			if err != nil {
				e.Error = err.Error()
			}
			deps.Publisher.Publish(e)
		}()
		return nil, nil
	}
}
