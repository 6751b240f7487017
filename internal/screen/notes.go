package screen

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicectl/pkg/words"
)

// defaultNameWords is how many leading words name a note nobody titled.
const defaultNameWords = 4

// Note is one dictated note.
type Note struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Text        string    `json:"text"`
	Created     time.Time `json:"created"`
}

// Message renders the note as a conversation turn.
func (n Note) Message() string {
	return fmt.Sprintf("# User Note '%s'\n> Description: %s\n```txt\n%s\n```", n.Name, n.Description, n.Text)
}

// DefaultName names a note after its first few words.
func DefaultName(text string) string {
	w := words.Split(text)
	return strings.Join(w[:min(len(w), defaultNameWords)], " ")
}

// Notes is a session's in-memory note list. It is safe for concurrent use.
type Notes struct {
	mu    sync.Mutex
	items []Note
	seq   int
	now   func() time.Time
}

// Add stores n with a fresh ID and creation time. A note without a name is
// named by [DefaultName].
func (n *Notes) Add(note Note) Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now
	if n.now != nil {
		now = n.now
	}
	n.seq++
	note.ID = n.seq
	note.Created = now()
	if strings.TrimSpace(note.Name) == "" {
		note.Name = DefaultName(note.Text)
	}
	n.items = append(n.items, note)
	return note
}

// Describe sets the name and description of the note with the given id.
// Empty arguments leave the field unchanged.
func (n *Notes) Describe(id int, name, description string) (Note, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.items {
		if n.items[i].ID != id {
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			n.items[i].Name = name
		}
		if description = strings.TrimSpace(description); description != "" {
			n.items[i].Description = description
		}
		return n.items[i], true
	}
	return Note{}, false
}

// Find returns the newest note whose name has the same words as name. eq
// compares a dictated word with a name word; nil means equality.
func (n *Notes) Find(name string, eq func(spoken, want string) bool) (Note, bool) {
	if eq == nil {
		eq = func(a, b string) bool { return a == b }
	}
	spoken := words.Split(name)
	if len(spoken) == 0 {
		return Note{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.items) - 1; i >= 0; i-- {
		want := words.Split(n.items[i].Name)
		if slices.EqualFunc(spoken, want, eq) {
			return n.items[i], true
		}
	}
	return Note{}, false
}

// searchIgnored are words too common to rank notes by.
var searchIgnored = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true,
	"and": true, "my": true, "about": true, "for": true, "note": true,
}

// Search ranks notes by how many query words they contain. Name hits count
// double. Contents are searched only when withText is set. Notes without a
// hit are left out; ties go to the newer note.
func (n *Notes) Search(query string, withText bool) []Note {
	var terms []string
	for _, w := range words.Split(query) {
		if !searchIgnored[w] && !slices.Contains(terms, w) {
			terms = append(terms, w)
		}
	}
	if len(terms) == 0 {
		return nil
	}

	type hit struct {
		note  Note
		score int
	}
	var hits []hit
	for _, note := range n.List() {
		name := words.Split(note.Name)
		rest := words.Split(note.Description)
		if withText {
			rest = append(rest, words.Split(note.Text)...)
		}
		score := 0
		for _, t := range terms {
			if slices.Contains(name, t) {
				score += 2
			}
			if slices.Contains(rest, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{note, score})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(b.note.ID, a.note.ID)
	})

	out := make([]Note, len(hits))
	for i, h := range hits {
		out[i] = h.note
	}
	return out
}

// List returns the notes oldest first.
func (n *Notes) List() []Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Note, len(n.items))
	copy(out, n.items)
	return out
}

// Len returns the number of notes.
func (n *Notes) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

// Clear removes every note.
func (n *Notes) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = nil
}

// Draft is the message being dictated on the conversation screen.
type Draft struct {
	mu   sync.Mutex
	text string
}

// Append adds text to the draft, separated by a space.
func (d *Draft) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text == "" {
		d.text = text
		return
	}
	d.text += " " + text
}

// String returns the current draft.
func (d *Draft) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Take returns the draft and clears it.
func (d *Draft) Take() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.text
	d.text = ""
	return t
}
