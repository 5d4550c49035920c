package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/parimutuel/internal/service"
)

// SyncService triggers reconciliation on demand.
type SyncService interface {
	SyncOne(ctx context.Context, id int64) error
	SyncAll(ctx context.Context) (service.SyncSummary, error)
	Running() bool
}

// SyncHandler serves the manual reconciliation endpoints.
type SyncHandler struct {
	svc    SyncService
	logger *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(svc SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, logger: logger}
}

// SyncAll reconciles every market with a contract. A run already in progress
// answers 409.
// POST /api/sync/all
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.SyncAll(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "sync all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": summary})
}

// SyncMarket reconciles a single market.
// POST /api/sync/markets/{id}
func (h *SyncHandler) SyncMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	if err := h.svc.SyncOne(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, "sync market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "market_id": id})
}

// Status reports whether the periodic reconciler is running.
// GET /api/sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "running": h.svc.Running()})
}
