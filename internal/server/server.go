// Package server exposes the query engine over HTTP under /api.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/search"
)

// ReindexFunc runs one incremental indexing pass.
type ReindexFunc func(ctx context.Context) (*index.Report, error)

type Server struct {
	engine  *search.Engine
	reindex ReindexFunc
	router  chi.Router
}

// New builds the router. reindex may be nil, in which case POST /api/index
// is not mounted.
func New(engine *search.Engine, reindex ReindexFunc) *Server {
	s := &Server{engine: engine, reindex: reindex, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/search", s.handleSearch)
		r.Get("/search/tools", s.handleSearchTools)
		r.Get("/search/interactions", s.handleSearchInteractions)
		r.Get("/search/commits", s.handleSearchCommits)
		r.Get("/messages/{id}", s.handleMessage)
		r.Get("/messages/{id}/context", s.handleContext)
		r.Get("/interactions/{session}", s.handleInteractions)
		r.Get("/interaction/{id}", s.handleInteraction)
		r.Get("/commits/{hash}", s.handleCommit)
		if s.reindex != nil {
			r.Post("/index", s.handleIndex)
		}
	})
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type resultsBody struct {
	Results any    `json:"results"`
	Total   int    `json:"total"`
	Query   string `json:"query"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, search.ErrInvalidQuery), errors.Is(err, errBadParam):
		return http.StatusBadRequest
	case errors.Is(err, index.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, index.ErrWriteConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

var errBadParam = errors.New("bad parameter")

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", errBadParam, name, v)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps and plain dates (UTC midnight).
func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s=%q is not a date", errBadParam, name, v)
}

func searchOptions(r *http.Request) (search.Options, error) {
	q := r.URL.Query()
	opts := search.Options{
		Query:       q.Get("q"),
		Role:        q.Get("role"),
		Tool:        q.Get("tool"),
		Session:     q.Get("session"),
		Source:      q.Get("source"),
		ContentType: q.Get("content_type"),
	}
	if opts.Tool == "" {
		opts.Tool = q.Get("tool_name")
	}
	var err error
	if opts.Limit, err = intParam(r, "limit", 0); err != nil {
		return opts, err
	}
	if opts.Offset, err = intParam(r, "offset", 0); err != nil {
		return opts, err
	}
	if opts.Since, err = timeParam(r, "since"); err != nil {
		return opts, err
	}
	if opts.Until, err = timeParam(r, "until"); err != nil {
		return opts, err
	}
	return opts, nil
}

// searchHandler adapts one engine search operation.
func searchHandler[T any](fn func(context.Context, search.Options) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := searchOptions(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		hits, err := fn(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resultsBody{Results: hits, Total: len(hits), Query: opts.Query})
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	searchHandler(s.engine.Search)(w, r)
}

func (s *Server) handleSearchTools(w http.ResponseWriter, r *http.Request) {
	searchHandler(s.engine.SearchTools)(w, r)
}

func (s *Server) handleSearchInteractions(w http.ResponseWriter, r *http.Request) {
	searchHandler(s.engine.SearchInteractions)(w, r)
}

func (s *Server) handleSearchCommits(w http.ResponseWriter, r *http.Request) {
	searchHandler(s.engine.SearchCommits)(w, r)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.engine.Sessions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Message(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	before, err := intParam(r, "before", 2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	after, err := intParam(r, "after", 2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	msgs, err := s.engine.Context(r.Context(), id, before, after)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "messages": msgs})
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	ins, err := s.engine.Interactions(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	in, msgs, err := s.engine.Interaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interaction": in, "messages": msgs})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	commits, err := s.engine.Commits(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	report, err := s.reindex(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
