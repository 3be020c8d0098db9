package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/pkg/logger"
)

// ScoresDependencies defines the interface for score reads.
type ScoresDependencies interface {
	Scores(ctx context.Context) ([]model.ScoreRecord, error)
}

type scoreResponse struct {
	UID             int       `json:"uid"`
	Hotkey          string    `json:"hotkey"`
	RawScore        float64   `json:"raw_score"`
	NormalizedScore float64   `json:"normalized_score"`
	Evaluated       bool      `json:"evaluated"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ScoresHandler handles score listing.
type ScoresHandler struct {
	deps   ScoresDependencies
	logger logger.Logger
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps ScoresDependencies, l logger.Logger) *ScoresHandler {
	return &ScoresHandler{deps: deps, logger: l}
}

// HandleScores handles GET /scores.
func (h *ScoresHandler) HandleScores(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Scores(r.Context())
	if err != nil {
		h.logger.Error(r.Context(), "list scores failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	out := make([]scoreResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, scoreResponse{
			UID:             rec.UID,
			Hotkey:          rec.Hotkey,
			RawScore:        rec.RawScore,
			NormalizedScore: rec.NormalizedScore,
			Evaluated:       rec.Evaluated(),
			UpdatedAt:       rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
