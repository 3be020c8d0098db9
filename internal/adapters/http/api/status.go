package api

import (
	"net/http"

	service "github.com/flockoff/validator/internal/app"
)

// StatusDependencies defines the interface for status reads.
type StatusDependencies interface {
	Status() service.Status
}

// StatusHandler handles status requests.
type StatusHandler struct {
	deps StatusDependencies
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(deps StatusDependencies) *StatusHandler {
	return &StatusHandler{deps: deps}
}

// HandleStatus handles GET /status.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Status())
}
