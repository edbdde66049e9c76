package mutate

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/api"
	"github.com/lettera-app/feedsync/internal/domain"
)

// ItemStore is the slice of the feed cache the coordinator mutates.
type ItemStore interface {
	Get(id string) (domain.FeedItem, bool)
	All() []domain.FeedItem
	Snapshot(ids []string) map[string]domain.FeedItem
	Mutate(ids []string, fn func(*domain.FeedItem))
	Restore(snap map[string]domain.FeedItem)
}

// Remote is the backend surface the coordinator confirms mutations against.
// The api client implements it.
type Remote interface {
	ToggleFavorite(ctx context.Context, id string) (bool, error)
	SetTypeTag(ctx context.Context, id string, tag domain.TypeTag) error
	SaveSettings(ctx context.Context, s api.Settings) error
}

// LocalState is the persisted side of hide and preference mutations.
type LocalState interface {
	HideItem(id string)
	HiddenDomains() []string
	SetHiddenDomains(doms []string)
	PreferredImageSource() string
	SetPreferredImageSource(source string)
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnRollback func(op string)
}

// Coordinator applies user mutations eagerly and reconciles them against the
// backend: snapshot, apply locally, call remote, then either adopt the
// server's authoritative value or restore every snapshot verbatim.
type Coordinator struct {
	store    ItemStore
	remote   Remote
	local    LocalState
	listener domain.Listener
	hooks    Hooks
	logger   *zap.Logger
}

func NewCoordinator(
	store ItemStore,
	remote Remote,
	local LocalState,
	listener domain.Listener,
	hooks Hooks,
	logger *zap.Logger,
) *Coordinator {
	if listener == nil {
		listener = domain.NopListener{}
	}
	return &Coordinator{
		store:    store,
		remote:   remote,
		local:    local,
		listener: listener,
		hooks:    hooks,
		logger:   logger,
	}
}

// RemoteCall confirms a mutation with the backend. A non-nil reconcile is
// applied afterwards when the server's authoritative state differs from the
// optimistic one.
type RemoteCall func(ctx context.Context) (reconcile func(*domain.FeedItem), err error)

// apply is the general optimistic-mutation contract shared by every
// remote-confirmed operation.
func (c *Coordinator) apply(ctx context.Context, op string, ids []string, local func(*domain.FeedItem), remote RemoteCall) error {
	snap := c.store.Snapshot(ids)
	c.store.Mutate(ids, local) // store notifies ItemsChanged

	reconcile, err := remote(ctx)
	if err != nil {
		c.store.Restore(snap)
		c.rollback(op, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if reconcile != nil {
		c.store.Mutate(ids, reconcile)
	}
	return nil
}

func (c *Coordinator) rollback(op string, err error) {
	if c.hooks.OnRollback != nil {
		c.hooks.OnRollback(op)
	}
	c.logger.Warn("optimistic mutation rolled back", zap.String("op", op), zap.Error(err))
	c.listener.MutationFailed(op, err)
}

// ToggleFavorite flips one item's favorite flag locally, confirms with the
// backend, and adopts the server's value if it disagrees.
func (c *Coordinator) ToggleFavorite(ctx context.Context, id string) error {
	it, ok := c.store.Get(id)
	if !ok {
		return domain.ErrNotFound
	}
	want := !it.IsFavorite

	return c.apply(ctx, "favorite",
		[]string{id},
		func(fi *domain.FeedItem) { fi.IsFavorite = want },
		func(ctx context.Context) (func(*domain.FeedItem), error) {
			authoritative, err := c.remote.ToggleFavorite(ctx, id)
			if err != nil {
				return nil, err
			}
			if authoritative == want {
				return nil, nil
			}
			return func(fi *domain.FeedItem) { fi.IsFavorite = authoritative }, nil
		})
}

// HideItem hides a single item. Purely local and persisted — no remote
// confirmation, so there is nothing to roll back.
func (c *Coordinator) HideItem(id string) {
	c.local.HideItem(id)
	c.listener.ItemsChanged()
}

// HideDomain hides every item of the target's normalized domain by growing
// the persisted hidden-domain set, then mirrors the set to the backend.
// On failure the previous set is restored verbatim.
func (c *Coordinator) HideDomain(ctx context.Context, dom string) error {
	dom = domain.NormalizeDomain(dom)
	if dom == "" {
		return domain.ErrNotFound
	}

	before := c.local.HiddenDomains()
	after := lo.Uniq(append(append([]string{}, before...), dom))

	c.local.SetHiddenDomains(after)
	c.listener.ItemsChanged()

	if err := c.remote.SaveSettings(ctx, api.Settings{HiddenDomains: after}); err != nil {
		c.local.SetHiddenDomains(before)
		c.rollback("hide_domain", err)
		c.listener.ItemsChanged()
		return fmt.Errorf("hide_domain: %w", err)
	}
	return nil
}

// UnhideDomain removes a domain from the hidden set with the same
// optimistic-then-mirror contract.
func (c *Coordinator) UnhideDomain(ctx context.Context, dom string) error {
	dom = domain.NormalizeDomain(dom)
	before := c.local.HiddenDomains()
	after := lo.Filter(before, func(d string, _ int) bool { return d != dom })
	if len(after) == len(before) {
		return nil
	}

	c.local.SetHiddenDomains(after)
	c.listener.ItemsChanged()

	if err := c.remote.SaveSettings(ctx, api.Settings{HiddenDomains: after}); err != nil {
		c.local.SetHiddenDomains(before)
		c.rollback("unhide_domain", err)
		c.listener.ItemsChanged()
		return fmt.Errorf("unhide_domain: %w", err)
	}
	return nil
}

// SetImageSource switches the preferred image provider locally, then mirrors
// the preference to the backend. On failure the previous value is restored.
func (c *Coordinator) SetImageSource(ctx context.Context, source string) error {
	before := c.local.PreferredImageSource()
	if source == before {
		return nil
	}

	c.local.SetPreferredImageSource(source)

	if err := c.remote.SaveSettings(ctx, api.Settings{PreferredImageSource: source}); err != nil {
		c.local.SetPreferredImageSource(before)
		c.rollback("image_source", err)
		return fmt.Errorf("image_source: %w", err)
	}
	return nil
}

// OverrideType re-tags the target item and every cached item sharing its
// normalized sender domain, then confirms once against the backend (the
// server applies the override domain-wide as well).
func (c *Coordinator) OverrideType(ctx context.Context, id string, tag domain.TypeTag) error {
	if !tag.IsValid() {
		return domain.ErrInvalidTypeTag
	}
	target, ok := c.store.Get(id)
	if !ok {
		return domain.ErrNotFound
	}

	dom := target.SourceDomain
	ids := lo.FilterMap(c.store.All(), func(it domain.FeedItem, _ int) (string, bool) {
		return it.EmailID, dom != "" && it.SourceDomain == dom
	})
	if len(ids) == 0 {
		ids = []string{id}
	}

	return c.apply(ctx, "type_override",
		ids,
		func(fi *domain.FeedItem) { fi.TypeTag = tag },
		func(ctx context.Context) (func(*domain.FeedItem), error) {
			return nil, c.remote.SetTypeTag(ctx, id, tag)
		})
}
