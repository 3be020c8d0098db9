// Package api exposes the validator's read-only HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flockoff/validator/internal/adapters/http/swagger"
	service "github.com/flockoff/validator/internal/app"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/pkg/logger"
)

// Dependencies are the validator queries the handlers serve.
type Dependencies interface {
	Status() service.Status
	Scores(ctx context.Context) ([]model.ScoreRecord, error)
	Winners(ctx context.Context, competitionID string) ([]int, error)
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithLogger sets the logger used for handler failures.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires HTTP routes for the validator API.
type Server struct {
	router *chi.Mux
	logger logger.Logger

	healthHandler  *HealthHandler
	statusHandler  *StatusHandler
	scoresHandler  *ScoresHandler
	winnersHandler *WinnersHandler
}

// NewServer creates the API server with all handlers registered.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.healthHandler = NewHealthHandler()
	s.statusHandler = NewStatusHandler(deps)
	s.scoresHandler = NewScoresHandler(deps, s.logger)
	s.winnersHandler = NewWinnersHandler(deps, s.logger)

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.register()
	return s
}

func (s *Server) register() {
	r := s.router

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/status", s.statusHandler.HandleStatus)
	r.Get("/scores", s.scoresHandler.HandleScores)
	r.Get("/winners", s.winnersHandler.HandleWinners)
	r.Get("/winners/{competition}", s.winnersHandler.HandleWinners)
	swagger.Register(r)
}

// Router returns the root handler.
func (s *Server) Router() http.Handler {
	return s.router
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
