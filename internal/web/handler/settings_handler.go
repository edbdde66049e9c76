package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/mutate"
	"github.com/lettera-app/feedsync/internal/state"
)

// SettingsHandler covers device preferences and the hidden-domain set.
type SettingsHandler struct {
	state  *state.State
	coord  *mutate.Coordinator
	logger *zap.Logger
}

func NewSettingsHandler(ls *state.State, coord *mutate.Coordinator, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{state: ls, coord: coord, logger: logger}
}

// Get handles GET /api/v1/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"hidden_domains": h.state.HiddenDomains(),
		"active_types":   h.state.ActiveTypes(),
		"image_source":   h.state.PreferredImageSource(),
	})
}

type imageSourceRequest struct {
	Source string `json:"source"`
}

// SetImageSource handles PUT /api/v1/settings/image-source
//
// The preference is applied locally and mirrored to the backend; a failed
// mirror rolls the local value back.
func (h *SettingsHandler) SetImageSource(w http.ResponseWriter, r *http.Request) {
	var req imageSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.coord.SetImageSource(r.Context(), req.Source); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeTypesRequest struct {
	Types []string `json:"types"`
}

// SetActiveTypes handles PUT /api/v1/settings/types
//
// Persists the type-chip selection used as the default feed filter.
func (h *SettingsHandler) SetActiveTypes(w http.ResponseWriter, r *http.Request) {
	var req activeTypesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tags := make([]domain.TypeTag, 0, len(req.Types))
	for _, raw := range req.Types {
		tag := domain.TypeTag(raw)
		if !tag.IsValid() {
			mapError(w, domain.ErrInvalidTypeTag)
			return
		}
		tags = append(tags, tag)
	}
	h.state.SetActiveTypes(tags)
	w.WriteHeader(http.StatusNoContent)
}

// HideDomain handles POST /api/v1/domains/{domain}/hide
func (h *SettingsHandler) HideDomain(w http.ResponseWriter, r *http.Request) {
	dom := chi.URLParam(r, "domain")
	if err := h.coord.HideDomain(r.Context(), dom); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hidden_domains": h.state.HiddenDomains()})
}

// UnhideDomain handles DELETE /api/v1/domains/{domain}/hide
func (h *SettingsHandler) UnhideDomain(w http.ResponseWriter, r *http.Request) {
	dom := chi.URLParam(r, "domain")
	if err := h.coord.UnhideDomain(r.Context(), dom); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hidden_domains": h.state.HiddenDomains()})
}
