// Package devapi is a development implementation of the cellar HTTP API.
// The CLI and the integration tests of the cellar client run against it.
package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/cellarsync/internal/auth"
	"github.com/briangreenhill/cellarsync/internal/metrics"
)

// TokenTTL is the lifetime of tokens issued by POST /api/auth/token.
const TokenTTL = 24 * time.Hour

type contextKey string

// SubjectKey holds the authenticated subject in the request context.
const SubjectKey contextKey = "subject"

type Server struct {
	Router  *chi.Mux
	Repo    Repository
	Signer  auth.Signer
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type ServerOptions struct {
	Repo    Repository
	Signer  auth.Signer
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewServer builds the router. When the signer has no secret every /api
// route is open.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		Router:  chi.NewRouter(),
		Repo:    opts.Repo,
		Signer:  opts.Signer,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Now:     opts.Now,
	}
	if s.Now == nil {
		s.Now = time.Now
	}

	r := s.Router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(s.Logger))
	r.Use(requestIDToLog)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Post("/api/auth/token", s.handleToken)

	r.Group(func(pr chi.Router) {
		pr.Use(s.RequireAuth)
		pr.Get("/api/inventory", s.handleInventory)
		pr.Post("/api/inventory", s.handleCreateLot)
		pr.Get("/api/inventory/filters", s.handleFacets)
		pr.Get("/api/inventory/{id}", s.handleLot)
		pr.Put("/api/inventory/{id}", s.handleUpdateLot)
		pr.Delete("/api/inventory/{id}", s.handleDeleteLot)
		pr.Post("/api/inventory/{id}/consume", s.handleConsume)
		pr.Get("/api/stats", s.handleStats)
		pr.Get("/api/wishlist", s.handleWishlist)
		pr.Post("/api/wishlist", s.handleAddWishlist)
		pr.Delete("/api/wishlist/{id}", s.handleRemoveWishlist)
		pr.Get("/api/wines/search", s.handleSearch)
		pr.Get("/api/consumption", s.handleConsumption)
		pr.Get("/api/cellars/{id}/layout", s.handleLayout)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// RequireAuth rejects requests without a valid bearer token.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Signer.Secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, err := s.Signer.Verify(token)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("token rejected")
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), SubjectKey, subject))
		next.ServeHTTP(w, r)
	})
}

func requestIDToLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.ObserveAPI(r.Method, route, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeRepoError maps repository errors to API errors.
func (s *Server) writeRepoError(w http.ResponseWriter, r *http.Request, what string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, ErrInsufficientStock):
		writeError(w, http.StatusConflict, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Str("resource", what).Msg("repository error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
