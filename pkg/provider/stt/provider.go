// Package stt defines the boundary to streaming speech-to-text backends.
//
// A Provider opens a [SessionHandle] per audio stream. Audio goes in with
// SendAudio; recognition results come out of Results, interim and final ones
// interleaved in the order the backend produced them. A later result for the
// same utterance supersedes earlier interim results until a final one closes
// the utterance.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// Word is one recognised word with its offset from the start of the stream.
type Word struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Transcript is one recognition result.
type Transcript struct {
	// Text is the full text of the utterance so far.
	Text string

	// IsFinal marks the last result of an utterance.
	IsFinal bool

	Confidence float64

	// Words carries per-word timing when the backend reports it.
	Words []Word
}

// StreamConfig describes the audio sent to a session.
type StreamConfig struct {
	// SampleRate in Hz of 16-bit little-endian PCM.
	SampleRate int

	Channels int

	// Language is a BCP-47 code. Empty uses the provider default.
	Language string

	// Keyterms are phrases the backend should favour, typically the
	// command phrases of the current screen.
	Keyterms []string
}

// SessionHandle is a live recognition stream. Close must be called exactly
// once; Results is closed after the backend stops.
type SessionHandle interface {
	SendAudio(chunk []byte) error
	Results() <-chan Transcript
	Close() error
}

// Provider opens recognition streams.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
