// Package web is the HTTP boundary of voicectl: a JSON API to create
// sessions, type text, click controls and report completions, plus two
// websocket streams per session (events out, audio in).
//
//	POST   /api/sessions                           create a session
//	GET    /api/sessions/{id}                      session summary
//	DELETE /api/sessions/{id}                      close a session
//	GET    /api/sessions/{id}/screen               current screen
//	GET    /api/sessions/{id}/notes                notes taken
//	POST   /api/sessions/{id}/text                 {"text": "..."} as if spoken
//	POST   /api/sessions/{id}/controls/{control}   fire a control (click)
//	POST   /api/sessions/{id}/complete/{control}   report an async completion
//	GET    /api/sessions/{id}/events               websocket, JSON events
//	GET    /api/sessions/{id}/audio                websocket, binary PCM in
//	GET    /metrics, /healthz, /readyz
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicectl/internal/app"
	"github.com/MrWong99/voicectl/internal/dispatch"
	"github.com/MrWong99/voicectl/internal/health"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/screen"
)

// maxBody caps JSON request bodies.
const maxBody = 64 << 10

// Server routes API requests to the session manager.
type Server struct {
	sessions *app.SessionManager
	health   *health.Handler
	metrics  *observe.Metrics
	metricsH http.Handler
	origins  []string
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

// WithOriginPatterns allows websocket connections from these origins in
// addition to same-host ones.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// New returns a server for sessions.
func New(sessions *app.SessionManager, opts ...Option) *Server {
	s := &Server{sessions: sessions}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsH == nil {
		s.metricsH = promhttp.Handler()
	}
	return s
}

// Handler returns the routed handler wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/screen", s.getScreen)
	mux.HandleFunc("GET /api/sessions/{id}/notes", s.getNotes)
	mux.HandleFunc("POST /api/sessions/{id}/text", s.postText)
	mux.HandleFunc("POST /api/sessions/{id}/controls/{control}", s.fireControl)
	mux.HandleFunc("POST /api/sessions/{id}/complete/{control}", s.complete)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /api/sessions/{id}/audio", s.streamAudio)
	mux.Handle("GET /metrics", s.metricsH)
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

type sessionView struct {
	ID         string      `json:"id"`
	Created    time.Time   `json:"created"`
	LastActive time.Time   `json:"last_active"`
	Screen     screen.View `json:"screen"`
	Waiting    []string    `json:"waiting"`
}

func viewOf(sess *app.Session) sessionView {
	return sessionView{
		ID:         sess.ID,
		Created:    sess.Created,
		LastActive: sess.LastActive(),
		Screen:     sess.View(),
		Waiting:    sess.Waiting(),
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getScreen(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) getNotes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	notes := sess.Notes()
	if notes == nil {
		notes = []screen.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

type textRequest struct {
	Text string `json:"text"`
}

type textResponse struct {
	Words []string `json:"words"`
}

func (s *Server) postText(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	toks, err := sess.Text(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := textResponse{Words: make([]string, 0, len(toks))}
	for _, t := range toks {
		resp.Words = append(resp.Words, t.Word())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type fireResponse struct {
	Control string `json:"control"`
	Result  string `json:"result"`
}

func (s *Server) fireControl(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	id := r.PathValue("control")
	res, err := sess.Fire(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fireResponse{Control: id, Result: res.String()})
}

type completeResponse struct {
	Control   string `json:"control"`
	Completed bool   `json:"completed"`
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	id := r.PathValue("control")
	writeJSON(w, http.StatusOK, completeResponse{Control: id, Completed: sess.Complete(id)})
}

// session resolves the {id} path value, writing a 404 when unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*app.Session, bool) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, dispatch.ErrControlNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, app.ErrTooManySessions):
		status = http.StatusServiceUnavailable
	case errors.Is(err, app.ErrNoSTT):
		status = http.StatusNotImplemented
	case errors.Is(err, app.ErrAlreadyListening), errors.Is(err, dispatch.ErrAwaitingCompletion):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
