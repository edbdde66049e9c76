package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/state"
	"github.com/lettera-app/feedsync/internal/store"
	"github.com/lettera-app/feedsync/internal/syncer"
)

// FeedHandler serves read-only views over the cached feed.
type FeedHandler struct {
	store  *store.Store
	state  *state.State
	orch   *syncer.Orchestrator
	logger *zap.Logger
}

func NewFeedHandler(st *store.Store, ls *state.State, orch *syncer.Orchestrator, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{store: st, state: ls, orch: orch, logger: logger}
}

// itemView decorates a feed item with the per-device read flag.
type itemView struct {
	domain.FeedItem
	IsRead bool `json:"is_read"`
}

// Feed handles GET /api/v1/feed
//
// Query parameters: favorites=true, types=a,b, read=read|unread, topic=,
// sender=. Items arrive newest first; hidden items and hidden domains are
// already filtered out.
func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	filter := parseFeedFilter(r)
	items := h.store.Filtered(filter)

	views := make([]itemView, 0, len(items))
	for _, it := range items {
		views = append(views, itemView{FeedItem: it, IsRead: h.state.IsRead(it.EmailID)})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"items":  views,
		"total":  h.store.Len(),
		"end":    h.orch.FeedEnd(),
		"cursor": h.store.Len() > 0,
	})
}

// Domains handles GET /api/v1/feed/domains
//
// Returns per-domain item counts for the whole cache plus the current
// hidden-domain set, so a caller can render a domain management view.
func (h *FeedHandler) Domains(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"counts": h.store.DomainCounts(),
		"hidden": h.state.HiddenDomains(),
	})
}

func parseFeedFilter(r *http.Request) domain.Filter {
	q := r.URL.Query()
	f := domain.Filter{}

	if q.Get("favorites") == "true" {
		f.FavoritesOnly = true
	}
	if ts := q.Get("types"); ts != "" {
		for _, raw := range strings.Split(ts, ",") {
			tag := domain.TypeTag(strings.ToLower(strings.TrimSpace(raw)))
			if tag.IsValid() {
				f.Types = append(f.Types, tag)
			}
		}
	}
	switch q.Get("read") {
	case "read":
		f.Read = domain.ReadOnly
	case "unread":
		f.Read = domain.UnreadOnly
	}
	f.Topic = strings.TrimSpace(q.Get("topic"))
	f.Sender = strings.TrimSpace(q.Get("sender"))
	return f
}
