package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicectl/internal/app"
	"github.com/MrWong99/voicectl/internal/observe"
)

const (
	// writeTimeout bounds a single event write to a slow client.
	writeTimeout = 5 * time.Second

	// maxAudioMessage caps one binary audio frame (one second of 48 kHz
	// stereo linear16 is 192 KiB).
	maxAudioMessage = 256 << 10

	audioBuffer = 32
)

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.origins}
}

// streamEvents upgrades to a websocket and writes every session event as a
// JSON text message until the session closes or the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		observe.Logger(r.Context()).Warn("web: events upgrade failed", "session", sess.ID, "err", err)
		return
	}
	defer conn.CloseNow()

	// Incoming messages are ignored; CloseRead cancels ctx when the client
	// closes the connection.
	ctx := conn.CloseRead(r.Context())

	evs, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				observe.Logger(ctx).Debug("web: event write failed", "session", sess.ID, "err", err)
				return
			}
		}
	}
}

// streamAudio upgrades to a websocket and feeds every binary message to the
// session's speech-to-text stream. Text messages are ignored.
func (s *Server) streamAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !sess.CanListen() {
		writeError(w, app.ErrNoSTT)
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		observe.Logger(r.Context()).Warn("web: audio upgrade failed", "session", sess.ID, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxAudioMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	audio := make(chan []byte, audioBuffer)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- sess.Listen(ctx, audio)
		// Unblocks the pending Read when the stream ends on its own.
		cancel()
	}()

read:
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case audio <- data:
		case <-ctx.Done():
			break read
		}
	}
	close(audio)
	lerr := <-listenErr

	switch {
	case lerr == nil, errors.Is(lerr, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		observe.Logger(ctx).Warn("web: listen failed", "session", sess.ID, "err", lerr)
		_ = conn.Close(websocket.StatusInternalError, closeReason(lerr))
	}
}

// closeReason fits err into a websocket close frame, whose reason is limited
// to 123 bytes.
func closeReason(err error) string {
	msg := err.Error()
	if len(msg) > 123 {
		msg = msg[:123]
	}
	return msg
}
