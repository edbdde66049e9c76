package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/syncer"
	mw "github.com/lettera-app/feedsync/internal/web/middleware"
)

// SyncHandler exposes the sync triggers and the reset path.
type SyncHandler struct {
	orch   *syncer.Orchestrator
	logger *zap.Logger
}

func NewSyncHandler(orch *syncer.Orchestrator, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{orch: orch, logger: logger}
}

type syncRequest struct {
	Trigger string `json:"trigger"`
}

// Trigger handles POST /api/v1/sync
//
// Body: {"trigger": "scroll"|"refresh"|"focus"|"poll"|"manual"}; defaults to
// manual. Cooldown-suppressed automatic triggers come back as 429.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Trigger: string(syncer.TriggerManual)}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	kind := syncer.TriggerKind(req.Trigger)
	switch kind {
	case syncer.TriggerScroll, syncer.TriggerRefresh, syncer.TriggerFocus,
		syncer.TriggerPoll, syncer.TriggerManual:
	default:
		respondError(w, http.StatusUnprocessableEntity, "unknown trigger kind")
		return
	}

	if err := h.orch.Trigger(r.Context(), kind); err != nil {
		if !errors.Is(err, domain.ErrCoolingDown) {
			h.logger.Warn("sync trigger failed",
				zap.String("trigger", string(kind)),
				zap.String("correlation_id", mw.GetCorrelationID(r.Context())),
				zap.Error(err),
			)
		}
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"end": h.orch.FeedEnd()})
}

// Reset handles POST /api/v1/sync/reset
//
// Clears the cursor and the cache, then reloads the first page.
func (h *SyncHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Reset(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"end": h.orch.FeedEnd()})
}

// State handles GET /api/v1/sync/state
func (h *SyncHandler) State(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"end": h.orch.FeedEnd()})
}
