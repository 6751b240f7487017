// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// Tests push recognition results with [Session.Emit] and end the stream with
// [Session.Finish].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicectl/pkg/provider/stt"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh [Session] is
	// created per call.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu       sync.Mutex
	results  chan stt.Transcript
	finished bool
	closed   bool

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	Audio      [][]byte
	CloseCalls int
}

// NewSession returns a session with a buffered result channel.
func NewSession() *Session {
	return &Session{results: make(chan stt.Transcript, 64)}
}

// Emit delivers a result. It blocks when the buffer is full.
func (s *Session) Emit(t stt.Transcript) {
	s.results <- t
}

// Finish closes the result channel as a backend would at end of stream.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		close(s.results)
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return s.SendAudioErr
}

// Results implements stt.SessionHandle.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Close records the call and finishes the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.CloseCalls++
	err := s.CloseErr
	s.mu.Unlock()
	s.Finish()
	return err
}

// AudioChunks returns the number of chunks received.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

var _ stt.SessionHandle = (*Session)(nil)
