// Package api exposes the session controller over HTTP.
//
// Routes:
//
//	POST /session/start        start recording
//	POST /session/stop         stop recording (drains the last utterance)
//	GET  /session              status and transcript snapshot
//	PUT  /session/language     {"language": "en-US"}
//	GET  /session/languages    selectable languages
//	PUT  /session/sensitivity  {"sensitivity": 0..100}
//	POST /playback/start       enable monitoring
//	POST /playback/stop        disable monitoring
//	GET  /events               WebSocket stream of transcript events
//	GET  /sessions/{id}/transcript  archived transcript (needs an [Archive])
//	GET  /transcripts/search?q=     full-text search (needs an [Archive])
//	GET  /healthz, /readyz, /metrics
//
// Every response body is JSON. Errors are reported as {"error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/playback"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/internal/transcript/pgstore"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	maxBodyBytes       = 1 << 16
	shutdownTimeout    = 5 * time.Second
)

// Controller is the part of [session.Controller] the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartPlayback(ctx context.Context) error
	StopPlayback() error
	SetLanguage(code string) error
	Languages() []string
	SetSensitivity(sensitivity int)
	State() session.Status
	Transcript() *transcript.Reconciler
}

var _ Controller = (*session.Controller)(nil)

// Archive serves transcripts of past sessions.
type Archive interface {
	Session(ctx context.Context, sessionID string) ([]pgstore.Entry, error)
	Search(ctx context.Context, query string, limit int) ([]pgstore.Entry, error)
}

var _ Archive = (*pgstore.Store)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithArchive enables the archive routes.
func WithArchive(a Archive) Option {
	return func(s *Server) { s.archive = a }
}

// WithHealth registers the health probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h on /metrics, typically promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHub uses hub for the events route instead of a new one.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// Server is the HTTP front end of a [Controller].
type Server struct {
	ctrl           Controller
	hub            *Hub
	archive        Archive
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	handler        http.Handler
}

// New builds the route table. The returned server's [Hub] still has to be
// registered as a transcript listener.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl}
	for _, o := range opts {
		o(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", s.startSession)
	mux.HandleFunc("POST /session/stop", s.stopSession)
	mux.HandleFunc("GET /session", s.getSession)
	mux.HandleFunc("PUT /session/language", s.setLanguage)
	mux.HandleFunc("GET /session/languages", s.languages)
	mux.HandleFunc("PUT /session/sensitivity", s.setSensitivity)
	mux.HandleFunc("POST /playback/start", s.startPlayback)
	mux.HandleFunc("POST /playback/stop", s.stopPlayback)
	mux.Handle("GET /events", s.hub)
	mux.HandleFunc("GET /sessions/{id}/transcript", s.archivedTranscript)
	mux.HandleFunc("GET /transcripts/search", s.search)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler including the observability middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the WebSocket hub serving the events route.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. TLS is used when both certFile and keyFile are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	observe.Logger(ctx).Info("http server listening", "addr", addr, "tls", certFile != "")

	select {
	case err := <-errCh:
		return fmt.Errorf("api: listen: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// ─── Responses ───────────────────────────────────────────────────────────────

// StatusResponse is the body of the session routes.
type StatusResponse struct {
	Recording   bool       `json:"recording"`
	Playing     bool       `json:"playing"`
	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Language    string     `json:"language"`
	Sensitivity int        `json:"sensitivity"`
	LastError   string     `json:"last_error,omitempty"`
}

// SessionResponse is the body of GET /session.
type SessionResponse struct {
	StatusResponse
	Committed []string `json:"committed"`
	Interim   string   `json:"interim"`
}

// EntryResponse is one archived utterance.
type EntryResponse struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusResponse(st session.Status) StatusResponse {
	resp := StatusResponse{
		Recording:   st.Recording,
		Playing:     st.Playing,
		SessionID:   st.SessionID,
		Language:    st.Language,
		Sensitivity: st.Sensitivity,
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		resp.StartedAt = &t
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	return resp
}

func entryResponses(entries []pgstore.Entry) []EntryResponse {
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryResponse{
			SessionID: e.SessionID,
			Seq:       e.Seq,
			Text:      e.Text,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusResponse(s.ctrl.State()))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.ctrl.State()))
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.Transcript().Snapshot()
	committed := snap.Committed
	if committed == nil {
		committed = []string{}
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		StatusResponse: statusResponse(s.ctrl.State()),
		Committed:      committed,
		Interim:        snap.Interim,
	})
}

func (s *Server) setLanguage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Language string `json:"language"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.ctrl.SetLanguage(body.Language); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.ctrl.State()))
}

func (s *Server) languages(w http.ResponseWriter, _ *http.Request) {
	langs := s.ctrl.Languages()
	if langs == nil {
		langs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"languages": langs})
}

func (s *Server) setSensitivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sensitivity *int `json:"sensitivity"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Sensitivity == nil || *body.Sensitivity < 0 || *body.Sensitivity > 100 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sensitivity must be between 0 and 100"})
		return
	}
	s.ctrl.SetSensitivity(*body.Sensitivity)
	writeJSON(w, http.StatusOK, statusResponse(s.ctrl.State()))
}

func (s *Server) startPlayback(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartPlayback(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.ctrl.State()))
}

func (s *Server) stopPlayback(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopPlayback(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(s.ctrl.State()))
}

func (s *Server) archivedTranscript(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "transcript archive not configured"})
		return
	}
	id := r.PathValue("id")
	entries, err := s.archive.Session(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no transcript for session %q", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entryResponses(entries)})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "transcript archive not configured"})
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query parameter q is required"})
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSearchLimit)
	}
	entries, err := s.archive.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "entries": entryResponses(entries)})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording), errors.Is(err, playback.ErrAlreadyPlaying):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnsupportedLanguage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrPlaybackUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, stt.ErrAuth), errors.Is(err, stt.ErrConfig):
		// The recognition backend rejected the session.
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
