package store

import (
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
)

// LocalState is the slice of persisted per-user state the store needs for
// its filtered projection. The state package implements it.
type LocalState interface {
	IsRead(id string) bool
	IsHidden(id string) bool
	IsHiddenDomain(dom string) bool
}

// Hooks carries optional callbacks observed by the metrics layer.
// Nil fields are no-ops, keeping the store metrics-agnostic.
type Hooks struct {
	OnMerged  func(fresh int)
	OnEvicted func(count int)
}

// Store is the in-memory feed cache: exactly one item per email id, visible
// order always non-increasing in (received_date, email_id) regardless of
// arrival path. Paged fetches and live-update merges both funnel through
// Upsert, so they may interleave freely without corrupting order.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*domain.FeedItem
	order    []string
	maxCache int

	local    LocalState
	release  func(id string) // image-cache cleanup for evicted items
	listener domain.Listener
	hooks    Hooks
	logger   *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Store)

func WithLocalState(ls LocalState) Option {
	return func(s *Store) { s.local = ls }
}

// WithReleaseHook registers the cleanup invoked for every evicted item.
func WithReleaseHook(release func(id string)) Option {
	return func(s *Store) { s.release = release }
}

func WithListener(l domain.Listener) Option {
	return func(s *Store) { s.listener = l }
}

func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

func New(maxCache int, logger *zap.Logger, opts ...Option) *Store {
	if maxCache <= 0 {
		maxCache = 1500
	}
	s := &Store{
		byID:     make(map[string]*domain.FeedItem),
		maxCache: maxCache,
		listener: domain.NopListener{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert merges items into the cache. Existing keys are replaced in place;
// fresh keys are concatenated to the front (prepend) or back of the working
// set. The whole order is then re-sorted by the ordering key and the cache
// cap enforced from the tail. Returns the number of fresh items and the
// number evicted.
func (s *Store) Upsert(items []domain.FeedItem, prepend bool) (fresh, evicted int) {
	s.mu.Lock()

	var freshIDs []string
	for i := range items {
		it := items[i]
		if it.EmailID == "" {
			continue
		}
		if _, ok := s.byID[it.EmailID]; ok {
			clone := it
			s.byID[it.EmailID] = &clone
			continue
		}
		clone := it
		s.byID[it.EmailID] = &clone
		freshIDs = append(freshIDs, it.EmailID)
	}
	fresh = len(freshIDs)

	if fresh > 0 {
		if prepend {
			s.order = append(freshIDs, s.order...)
		} else {
			s.order = append(s.order, freshIDs...)
		}
	}

	// Re-sorting on every mutation makes the visible order a pure function
	// of the data present, never of arrival order.
	s.sortLocked()
	evicted = s.enforceCapLocked()

	changed := fresh > 0 || evicted > 0 || len(items) > 0
	s.mu.Unlock()

	if s.hooks.OnMerged != nil && fresh > 0 {
		s.hooks.OnMerged(fresh)
	}
	if s.hooks.OnEvicted != nil && evicted > 0 {
		s.hooks.OnEvicted(evicted)
	}
	if changed {
		s.listener.ItemsChanged()
	}
	return fresh, evicted
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.order, func(i, j int) bool {
		return domain.OrderBefore(s.byID[s.order[i]], s.byID[s.order[j]])
	})
}

func (s *Store) enforceCapLocked() int {
	if len(s.order) <= s.maxCache {
		return 0
	}
	victims := s.order[s.maxCache:]
	s.order = s.order[:s.maxCache]
	for _, id := range victims {
		delete(s.byID, id)
		if s.release != nil {
			s.release(id)
		}
	}
	return len(victims)
}

// Get returns a copy of the item, if cached.
func (s *Store) Get(id string) (domain.FeedItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.byID[id]
	if !ok {
		return domain.FeedItem{}, false
	}
	return *it, true
}

// All returns the full cached list in visible order.
func (s *Store) All() []domain.FeedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(s.order)
}

func (s *Store) snapshotLocked(ids []string) []domain.FeedItem {
	out := make([]domain.FeedItem, 0, len(ids))
	for _, id := range ids {
		if it, ok := s.byID[id]; ok {
			out = append(out, *it)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Filtered returns the visible projection for the given filter. It never
// mutates stored order and always walks the canonical ordering, so callers
// get a render-ready list.
func (s *Store) Filtered(f domain.Filter) []domain.FeedItem {
	s.mu.RLock()
	all := s.snapshotLocked(s.order)
	s.mu.RUnlock()

	return lo.Filter(all, func(it domain.FeedItem, _ int) bool {
		if s.local != nil {
			if s.local.IsHidden(it.EmailID) || s.local.IsHiddenDomain(it.SourceDomain) {
				return false
			}
			switch f.Read {
			case domain.ReadOnly:
				if !s.local.IsRead(it.EmailID) {
					return false
				}
			case domain.UnreadOnly:
				if s.local.IsRead(it.EmailID) {
					return false
				}
			}
		}
		return f.Matches(&it)
	})
}

// IDs returns the email ids matching the filter, cheapest-first for callers
// that only need keys (e.g. bulk image refresh).
func (s *Store) IDs(f domain.Filter) []string {
	return lo.Map(s.Filtered(f), func(it domain.FeedItem, _ int) string {
		return it.EmailID
	})
}

// DomainCounts tallies cached items per normalized sender domain.
func (s *Store) DomainCounts() map[string]int {
	s.mu.RLock()
	all := s.snapshotLocked(s.order)
	s.mu.RUnlock()

	return lo.CountValuesBy(all, func(it domain.FeedItem) string {
		return it.SourceDomain
	})
}

// Snapshot captures the current value of the given items, for optimistic
// mutation rollback. Missing ids are simply absent from the result.
func (s *Store) Snapshot(ids []string) map[string]domain.FeedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.FeedItem, len(ids))
	for _, id := range ids {
		if it, ok := s.byID[id]; ok {
			out[id] = *it
		}
	}
	return out
}

// Mutate applies fn to every cached item in ids and notifies the listener.
// The mutation must not touch identity or ordering fields; optimistic
// mutations only change mutable attributes.
func (s *Store) Mutate(ids []string, fn func(*domain.FeedItem)) {
	s.mu.Lock()
	touched := 0
	for _, id := range ids {
		if it, ok := s.byID[id]; ok {
			fn(it)
			touched++
		}
	}
	s.mu.Unlock()

	if touched > 0 {
		s.listener.ItemsChanged()
	}
}

// Restore puts back previously snapshotted values verbatim.
func (s *Store) Restore(snap map[string]domain.FeedItem) {
	s.mu.Lock()
	for id, val := range snap {
		if _, ok := s.byID[id]; ok {
			clone := val
			s.byID[id] = &clone
		}
	}
	s.mu.Unlock()

	if len(snap) > 0 {
		s.listener.ItemsChanged()
	}
}

// Reset drops everything, releasing image resources for every cached item.
// Used at session start and for filter changes that require a full reload.
func (s *Store) Reset() {
	s.mu.Lock()
	victims := s.order
	s.order = nil
	s.byID = make(map[string]*domain.FeedItem)
	for _, id := range victims {
		if s.release != nil {
			s.release(id)
		}
	}
	s.mu.Unlock()

	if len(victims) > 0 {
		s.listener.ItemsChanged()
	}
}
