package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
	"fxwatch/internal/fees"
	"fxwatch/internal/monitor"
	"fxwatch/internal/storage"
)

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handlers. Nil collaborators disable their routes.
type Deps struct {
	Rules         *monitor.RuleService
	Subscriptions storage.SubscriptionStore
	Quoter        *fees.Quoter
	Health        Pinger
	Metrics       http.Handler
}

// Server holds HTTP handlers.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// New builds a Server.
func New(deps Deps, logger zerolog.Logger) *Server {
	return &Server{deps: deps, logger: logger.With().Str("component", "http").Logger()}
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Rules != nil {
			r.Get("/users/{userID}/rules", s.listRules)
			r.Post("/users/{userID}/rules", s.createRule)
			r.Patch("/rules/{ruleID}", s.updateRule)
			r.Delete("/rules/{ruleID}", s.deleteRule)
		}
		if s.deps.Subscriptions != nil {
			r.Post("/users/{userID}/subscriptions", s.createSubscription)
		}
		if s.deps.Quoter != nil {
			r.Post("/fees/quote", s.quote)
		}
	})
	return r
}

// Serve runs an http.Server on addr until ctx is cancelled, then shuts it down within timeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			sendError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

func sendError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{ID: uuid.NewString(), Code: code, Description: description})
}

// sendDomainError maps classified errors onto HTTP status codes.
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrDuplicate):
		sendError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, faults.ErrValidation):
		sendError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, faults.ErrTransient):
		s.logger.Warn().Err(err).Msg("transient failure serving request")
		sendError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "temporarily unavailable, retry later")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		sendError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return faults.Validation("decode request", "invalid request body: %v", err)
	}
	return nil
}
