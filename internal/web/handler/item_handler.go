package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/api"
	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/images"
	"github.com/lettera-app/feedsync/internal/mutate"
	"github.com/lettera-app/feedsync/internal/state"
	"github.com/lettera-app/feedsync/internal/store"
)

// ItemHandler covers per-item mutations and image resolution.
type ItemHandler struct {
	store    *store.Store
	state    *state.State
	coord    *mutate.Coordinator
	resolver *images.Resolver
	backend  *api.Client
	logger   *zap.Logger
}

func NewItemHandler(
	st *store.Store,
	ls *state.State,
	coord *mutate.Coordinator,
	resolver *images.Resolver,
	backend *api.Client,
	logger *zap.Logger,
) *ItemHandler {
	return &ItemHandler{store: st, state: ls, coord: coord, resolver: resolver, backend: backend, logger: logger}
}

// Get handles GET /api/v1/items/{id}
func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, ok := h.store.Get(id)
	if !ok {
		mapError(w, domain.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, itemView{FeedItem: it, IsRead: h.state.IsRead(id)})
}

// Favorite handles POST /api/v1/items/{id}/favorite
//
// Optimistic toggle: the cached item flips immediately and is restored if the
// backend rejects the change.
func (h *ItemHandler) Favorite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.ToggleFavorite(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	it, _ := h.store.Get(id)
	respondJSON(w, http.StatusOK, map[string]any{"email_id": id, "is_favorite": it.IsFavorite})
}

// Hide handles DELETE /api/v1/items/{id}
//
// Hides a single item. Local-only state; always succeeds.
func (h *ItemHandler) Hide(w http.ResponseWriter, r *http.Request) {
	h.coord.HideItem(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type readRequest struct {
	Read bool `json:"read"`
}

// Read handles PUT /api/v1/items/{id}/read
func (h *ItemHandler) Read(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req := readRequest{Read: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if _, ok := h.store.Get(id); !ok {
		mapError(w, domain.ErrNotFound)
		return
	}
	h.state.MarkRead(id, req.Read)
	w.WriteHeader(http.StatusNoContent)
}

type typeRequest struct {
	Type string `json:"type"`
}

// SetType handles PUT /api/v1/items/{id}/type
//
// The override applies to every cached item from the same sender domain, the
// same way the backend applies it.
func (h *ItemHandler) SetType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req typeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.coord.OverrideType(r.Context(), id, domain.TypeTag(req.Type)); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Image handles GET /api/v1/items/{id}/image
//
// Resolves (and caches) the display image through the fallback chain and
// returns the chosen source plus the derived accent color.
func (h *ItemHandler) Image(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, ok := h.store.Get(id)
	if !ok {
		mapError(w, domain.ErrNotFound)
		return
	}
	res := h.resolver.Resolve(r.Context(), it)
	respondJSON(w, http.StatusOK, map[string]any{
		"email_id": id,
		"url":      res.URL,
		"step":     res.Step.String(),
		"accent":   res.AccentHex,
	})
}

// ReleaseImage handles DELETE /api/v1/items/{id}/image
func (h *ItemHandler) ReleaseImage(w http.ResponseWriter, r *http.Request) {
	h.resolver.Release(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

type updateImagesRequest struct {
	IDs       []string `json:"ids"`
	OnlyEmpty bool     `json:"only_empty"`
}

// UpdateImages handles POST /api/v1/images/update
//
// Asks the backend to reassign stock images from the preferred source pool.
// An exhausted pool comes back as 409.
func (h *ItemHandler) UpdateImages(w http.ResponseWriter, r *http.Request) {
	var req updateImagesRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if len(req.IDs) == 0 {
		req.IDs = h.store.IDs(domain.Filter{})
	}

	source := h.state.PreferredImageSource()
	updated, err := h.backend.UpdateImages(r.Context(), req.IDs, source, req.OnlyEmpty)
	if err != nil {
		mapError(w, err)
		return
	}

	// Refreshed items carry new image URLs; drop the stale resolutions.
	for _, it := range updated {
		h.resolver.Release(it.EmailID)
	}
	h.store.Upsert(updated, false)
	respondJSON(w, http.StatusOK, map[string]any{"updated": len(updated), "source": source})
}
