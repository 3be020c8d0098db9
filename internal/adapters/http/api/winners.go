package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flockoff/validator/pkg/logger"
)

// competitionLayout is the UTC date key of a competition-day.
const competitionLayout = "20060102"

// WinnersDependencies defines the interface for winner selection.
type WinnersDependencies interface {
	Winners(ctx context.Context, competitionID string) ([]int, error)
}

type winnersResponse struct {
	Competition string `json:"competition,omitempty"`
	Winners     []int  `json:"winners"`
}

// WinnersHandler handles winner queries.
type WinnersHandler struct {
	deps   WinnersDependencies
	logger logger.Logger
}

// NewWinnersHandler creates a new winners handler.
func NewWinnersHandler(deps WinnersDependencies, l logger.Logger) *WinnersHandler {
	return &WinnersHandler{deps: deps, logger: l}
}

// HandleWinners handles GET /winners and GET /winners/{competition}.
// Without a competition the current day is used.
func (h *WinnersHandler) HandleWinners(w http.ResponseWriter, r *http.Request) {
	comp := chi.URLParam(r, "competition")
	if comp != "" {
		if _, err := time.Parse(competitionLayout, comp); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request",
				fmt.Errorf("%w: competition must be YYYYMMDD", ErrBadRequest))
			return
		}
	}

	winners, err := h.deps.Winners(r.Context(), comp)
	if err != nil {
		h.logger.Error(r.Context(), "winner selection failed", logger.String("competition", comp), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if winners == nil {
		winners = []int{}
	}
	writeJSON(w, http.StatusOK, winnersResponse{Competition: comp, Winners: winners})
}
