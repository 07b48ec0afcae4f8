// Package admin serves health, metrics and the token-protected operator API.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/coldstore/internal/cache"
	"github.com/zombar/coldstore/internal/logging/audit"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/metrics"
	"github.com/zombar/coldstore/internal/scheduler"
)

// Objects is the lifecycle surface the API drives.
type Objects interface {
	Demote(ctx context.Context, id meta.ObjectID) (*meta.Object, error)
	CancelDemotion(ctx context.Context, id meta.ObjectID) (*meta.Object, error)
}

// Tapes lists cartridges and applies operator status changes.
type Tapes interface {
	Tapes(ctx context.Context) ([]*meta.Tape, error)
	SetStatus(ctx context.Context, tapeID string, status meta.TapeStatus) error
}

// Archiver runs archive ticks on demand.
type Archiver interface {
	RunOnce(ctx context.Context) (scheduler.TickResult, error)
}

// CacheStats reports restore cache usage.
type CacheStats interface {
	Stats() cache.Stats
}

// RecallStats reports the recall queue.
type RecallStats interface {
	Stats() scheduler.RecallStats
}

// Config configures a Server. Cache and Recaller are nil when restores are disabled.
type Config struct {
	Store       meta.Store
	Objects     Objects
	Tapes       Tapes
	Archiver    Archiver
	Cache       CacheStats
	Recaller    RecallStats
	// Trace serves GET /admin/debug/trace when set.
	Trace       TraceSource
	TokenSecret []byte
	Audit       *audit.Logger
	Logger      zerolog.Logger
	Now         func() time.Time
}

// TraceSource writes a runtime trace snapshot.
type TraceSource interface {
	Snapshot(w io.Writer) error
}

// Server provides health checks, metrics and the admin API.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger

	mu   sync.Mutex
	addr string
}

type subjectKey struct{}

// NewServer creates a Server. Admin routes are only registered when a token secret is set.
func NewServer(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	if len(cfg.TokenSecret) > 0 {
		s.route("POST /admin/objects/demote", "demote", s.handleDemote)
		s.route("POST /admin/objects/promote", "promote", s.handlePromote)
		s.route("GET /admin/tapes", "list_tapes", s.handleListTapes)
		s.route("PUT /admin/tapes/{id}/status", "set_tape_status", s.handleSetTapeStatus)
		s.route("POST /admin/archive/run", "run_archive", s.handleRunArchive)
		s.route("GET /admin/tasks/{id}", "get_task", s.handleGetTask)
		s.route("GET /admin/cache", "cache_stats", s.handleCache)
		s.route("GET /admin/recall", "recall_stats", s.handleRecall)
		s.route("GET /admin/debug/trace", "trace_snapshot", s.handleTrace)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info().Str("addr", s.Addr()).Msg("admin server listening")
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// route registers an authenticated handler.
func (s *Server) route(pattern, action string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.authenticate(action, h))
}

func (s *Server) authenticate(action string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.cfg.Audit.LogAdmin("", action, r.URL.Path, "denied", "missing bearer token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Kind: "Unauthorized"})
			return
		}
		subject, err := ParseToken(s.cfg.TokenSecret, token, s.cfg.Now())
		if err != nil {
			s.cfg.Audit.LogAdmin("", action, r.URL.Path, "denied", err.Error())
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Kind: "Unauthorized"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func subject(r *http.Request) string {
	s, _ := r.Context().Value(subjectKey{}).(string)
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metadata unavailable\n"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ObjectRequest names an object in demote and promote requests.
type ObjectRequest struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleDemote(w http.ResponseWriter, r *http.Request) {
	s.objectAction(w, r, "demote", s.cfg.Objects.Demote)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.objectAction(w, r, "promote", s.cfg.Objects.CancelDemotion)
}

func (s *Server) objectAction(w http.ResponseWriter, r *http.Request, action string,
	fn func(context.Context, meta.ObjectID) (*meta.Object, error)) {
	var req ObjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bucket == "" || req.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bucket and key required", Kind: "BadRequest"})
		return
	}
	id := meta.ObjectID{Bucket: req.Bucket, Key: req.Key, Version: req.Version}
	obj, err := fn(r.Context(), id)
	s.audited(r, action, id.String(), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleListTapes(w http.ResponseWriter, r *http.Request) {
	tapes, err := s.cfg.Tapes.Tapes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tapes == nil {
		tapes = []*meta.Tape{}
	}
	writeJSON(w, http.StatusOK, tapes)
}

// TapeStatusRequest is the body of PUT /admin/tapes/{id}/status.
type TapeStatusRequest struct {
	Status meta.TapeStatus `json:"status"`
}

func (s *Server) handleSetTapeStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req TapeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body", Kind: "BadRequest"})
		return
	}
	req.Status = meta.TapeStatus(strings.ToUpper(string(req.Status)))
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown tape status " + string(req.Status), Kind: "BadRequest"})
		return
	}
	err := s.cfg.Tapes.SetStatus(r.Context(), id, req.Status)
	s.audited(r, "set_tape_status", id, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

func (s *Server) handleRunArchive(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Archiver.RunOnce(r.Context())
	s.audited(r, "run_archive", "", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TaskResponse wraps a recall or archive task.
type TaskResponse struct {
	Kind    string            `json:"kind"`
	Recall  *meta.RecallTask  `json:"recall,omitempty"`
	Archive *meta.ArchiveTask `json:"archive,omitempty"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, err := s.cfg.Store.GetRecallTask(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, TaskResponse{Kind: "recall", Recall: rt})
		return
	}
	if !errors.Is(err, meta.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	at, err := s.cfg.Store.GetArchiveTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Kind: "archive", Archive: at})
}

// CacheResponse reports restore cache usage.
type CacheResponse struct {
	Enabled              bool   `json:"enabled"`
	Entries              int    `json:"entries"`
	Bytes                int64  `json:"bytes"`
	MaxBytes             int64  `json:"max_bytes"`
	Hits                 uint64 `json:"hits"`
	Misses               uint64 `json:"misses"`
	Evictions            uint64 `json:"evictions"`
	VolumeAvailableBytes int64  `json:"volume_available_bytes"`
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Cache == nil {
		writeJSON(w, http.StatusOK, CacheResponse{})
		return
	}
	st := s.cfg.Cache.Stats()
	writeJSON(w, http.StatusOK, CacheResponse{
		Enabled:              true,
		Entries:              st.Entries,
		Bytes:                st.Bytes,
		MaxBytes:             st.MaxBytes,
		Hits:                 st.Hits,
		Misses:               st.Misses,
		Evictions:            st.Evictions,
		VolumeAvailableBytes: st.VolumeAvailableBytes,
	})
}

func (s *Server) handleRecall(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Recaller == nil {
		writeJSON(w, http.StatusOK, scheduler.RecallStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Recaller.Stats())
}

func (s *Server) audited(r *http.Request, action, target string, err error) {
	if err != nil {
		s.cfg.Audit.LogAdmin(subject(r), action, target, "failed", err.Error())
		return
	}
	s.cfg.Audit.LogAdmin(subject(r), action, target, "allowed", "")
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, meta.ErrObjectNotFound), errors.Is(err, meta.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, meta.ErrInvalidObjectState), errors.Is(err, meta.ErrConflictingState),
		errors.Is(err, scheduler.ErrTickInProgress):
		status = http.StatusConflict
	case errors.Is(err, meta.ErrMetadataUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("admin request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: meta.Kind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Trace == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "tracing not enabled", Kind: "NotFound"})
		return
	}
	var buf bytes.Buffer
	if err := s.cfg.Trace.Snapshot(&buf); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: "NotFound"})
		return
	}
	name := fmt.Sprintf("coldstore-%s.trace", s.cfg.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}
