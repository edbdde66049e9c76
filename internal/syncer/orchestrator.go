package syncer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/api"
	"github.com/lettera-app/feedsync/internal/domain"
)

// TriggerKind names the independent sources that may request a sync.
type TriggerKind string

const (
	TriggerScroll  TriggerKind = "scroll"  // near-bottom: paginate older items
	TriggerRefresh TriggerKind = "refresh" // pull-to-refresh gesture (forced)
	TriggerFocus   TriggerKind = "focus"   // tab focus / visibility regained
	TriggerPoll    TriggerKind = "poll"    // periodic background poll
	TriggerManual  TriggerKind = "manual"  // explicit user refresh (forced)
)

// forced reports whether the trigger bypasses cooldowns.
func (t TriggerKind) forced() bool {
	return t == TriggerRefresh || t == TriggerManual
}

// EndState is the reconciled display state for the feed tail.
type EndState string

const (
	FeedEnd         EndState = "end"          // no more content anywhere
	FeedLoadingMore EndState = "loading_more" // backend is still producing
	FeedIdle        EndState = "idle"         // more pages available on demand
)

// Backend is the slice of the api client the orchestrator drives.
type Backend interface {
	FetchPage(ctx context.Context, fromTop bool) (*api.Page, error)
	Reset()
	HasMore() bool
	StartPull(ctx context.Context, pr api.PullRequest) (*api.PullResponse, error)
}

// FeedCache is the slice of the store the orchestrator merges into.
type FeedCache interface {
	Upsert(items []domain.FeedItem, prepend bool) (fresh, evicted int)
	Reset()
	Len() int
}

// JobWatcher is the slice of the ingestion monitor the orchestrator uses.
type JobWatcher interface {
	Watch(jobID string) <-chan domain.JobResult
	Watching(jobID string) bool
	Active() bool
}

// Config groups the orchestration policies.
type Config struct {
	PullBatch  int
	PullPages  int
	PullTarget int

	FailCooldown        time.Duration // after a failed pull request
	QuietCooldown       time.Duration // after a pull that added nothing
	QuietCooldownSpread time.Duration // randomized extra on the quiet cooldown

	TailPollInterval time.Duration
	TailPollMax      int
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnPage func(fresh int, err error)
	OnPull func(outcome string)
}

// Orchestrator arbitrates overlapping sync triggers. A sync already in
// progress absorbs later automatic requests (they wait for its completion)
// while forced ones proceed regardless; failed or empty pulls arm cooldowns
// that suppress automatic triggers for a while.
type Orchestrator struct {
	backend Backend
	cache   FeedCache
	monitor JobWatcher
	cfg     Config
	hooks   Hooks
	logger  *zap.Logger

	// sctx is the explicit sync context: every in-flight/cooldown flag the
	// components coordinate through lives here, not in package globals.
	sctx syncContext

	rng *rand.Rand
}

// syncContext owns the cross-trigger coordination state.
type syncContext struct {
	mu sync.Mutex

	fetching     bool
	fetchWaiters []chan error

	pulling     bool
	pullWaiters []chan error

	cooldownUntil time.Time
	pendingMore   bool

	tailStop chan struct{}
}

func New(backend Backend, cache FeedCache, monitor JobWatcher, cfg Config, hooks Hooks, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		backend: backend,
		cache:   cache,
		monitor: monitor,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Trigger routes one sync request. Scroll paginates; every other kind runs
// the pull-and-refresh path, forced or cooldown-gated per the trigger.
func (o *Orchestrator) Trigger(ctx context.Context, kind TriggerKind) error {
	o.logger.Debug("sync trigger", zap.String("kind", string(kind)))
	if kind == TriggerScroll {
		return o.loadPage(ctx, false, false)
	}
	return o.Pull(ctx, kind.forced())
}

// Reset aborts in-flight fetches, clears the cursor and the cache, and
// reloads from the top. Used at session start and for filter changes that
// invalidate pagination.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.backend.Reset()
	o.cache.Reset()
	return o.loadPage(ctx, true, false)
}

// Pull asks the backend for an ingestion run and follows it to completion:
// join an already-running job, watch the stream, then refresh the first page
// so everything the run produced lands in the cache.
func (o *Orchestrator) Pull(ctx context.Context, force bool) error {
	o.sctx.mu.Lock()
	if o.sctx.pulling && !force {
		// Absorb: automatic triggers wait for the in-flight pull instead of
		// starting another. Forced triggers proceed past the guard.
		ch := make(chan error, 1)
		o.sctx.pullWaiters = append(o.sctx.pullWaiters, ch)
		o.sctx.mu.Unlock()
		return o.await(ctx, ch)
	}
	if !force && time.Now().Before(o.sctx.cooldownUntil) {
		o.sctx.mu.Unlock()
		o.logger.Debug("pull suppressed by cooldown")
		return domain.ErrCoolingDown
	}
	owner := !o.sctx.pulling
	o.sctx.pulling = true
	o.sctx.mu.Unlock()

	err := o.runPull(ctx)

	// Only the pull that raised the flag lowers it and releases the waiters;
	// a forced pull running alongside it leaves that bookkeeping alone.
	if owner {
		o.sctx.mu.Lock()
		o.sctx.pulling = false
		waiters := o.sctx.pullWaiters
		o.sctx.pullWaiters = nil
		o.sctx.mu.Unlock()
		for _, ch := range waiters {
			ch <- err
		}
	}

	o.reconcile()
	return err
}

func (o *Orchestrator) runPull(ctx context.Context) error {
	resp, err := o.backend.StartPull(ctx, api.PullRequest{
		Batch:  o.cfg.PullBatch,
		Pages:  o.cfg.PullPages,
		Target: o.cfg.PullTarget,
	})
	if err != nil {
		o.armCooldown(o.cfg.FailCooldown, 0)
		o.pullOutcome("error")
		o.logger.Warn("ingestion pull failed", zap.Error(err))
		return err
	}

	if resp.JobID == "" {
		// Nothing to ingest; just refresh the top of the feed.
		o.pullOutcome("noop")
		return o.loadPage(ctx, true, true)
	}

	if resp.Status == api.StatusAlreadyRunning {
		o.logger.Info("joining already-running ingestion job", zap.String("job_id", resp.JobID))
	}

	var result domain.JobResult
	select {
	case result = <-o.monitor.Watch(resp.JobID):
	case <-ctx.Done():
		return ctx.Err()
	}

	if result.State == domain.JobFailed {
		o.pullOutcome("job_failed")
		return domain.ErrStreamExhausted
	}

	if result.Added == 0 {
		o.armCooldown(o.cfg.QuietCooldown, o.cfg.QuietCooldownSpread)
		o.pullOutcome("quiet")
	} else {
		o.pullOutcome("added")
	}

	// Merge whatever the run produced beyond the live updates.
	return o.loadPage(ctx, true, true)
}

// loadPage performs one page fetch with the single-flight guard: concurrent
// callers wait for the in-flight fetch's result rather than racing it.
func (o *Orchestrator) loadPage(ctx context.Context, fromTop, prepend bool) error {
	o.sctx.mu.Lock()
	if o.sctx.fetching {
		ch := make(chan error, 1)
		o.sctx.fetchWaiters = append(o.sctx.fetchWaiters, ch)
		o.sctx.mu.Unlock()
		return o.await(ctx, ch)
	}
	o.sctx.fetching = true
	o.sctx.mu.Unlock()

	err := o.fetchAndMerge(ctx, fromTop, prepend)

	o.sctx.mu.Lock()
	o.sctx.fetching = false
	waiters := o.sctx.fetchWaiters
	o.sctx.fetchWaiters = nil
	o.sctx.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}

	o.reconcile()
	return err
}

func (o *Orchestrator) fetchAndMerge(ctx context.Context, fromTop, prepend bool) error {
	page, err := o.backend.FetchPage(ctx, fromTop)
	if err != nil {
		if o.hooks.OnPage != nil {
			o.hooks.OnPage(0, err)
		}
		if errors.Is(err, domain.ErrSuperseded) {
			// A newer fetch took over; its result supersedes ours.
			return nil
		}
		o.logger.Warn("page fetch failed", zap.Error(err))
		return err
	}

	fresh, _ := o.cache.Upsert(page.Items, prepend || fromTop)
	if o.hooks.OnPage != nil {
		o.hooks.OnPage(fresh, nil)
	}

	o.sctx.mu.Lock()
	o.sctx.pendingMore = page.PendingMore
	o.sctx.mu.Unlock()

	// The page may reveal a live ingestion run nobody is watching yet.
	if page.Ingest.Running && page.Ingest.JobID != "" && !o.monitor.Watching(page.Ingest.JobID) {
		ch := o.monitor.Watch(page.Ingest.JobID)
		go func() {
			<-ch
			o.reconcile()
		}()
	}
	return nil
}

// FeedEnd reconciles the tail display state: "end" only when the store has
// no further pages, no ingestion is active, and the backend has not signaled
// pending content; otherwise the backend is still working and a tail poll
// keeps the cache fresh.
func (o *Orchestrator) FeedEnd() EndState {
	hasMore := o.backend.HasMore()

	o.sctx.mu.Lock()
	pending := o.sctx.pendingMore
	pulling := o.sctx.pulling
	o.sctx.mu.Unlock()

	ingesting := pulling || o.monitor.Active()
	switch {
	case !hasMore && !ingesting && !pending:
		return FeedEnd
	case !hasMore:
		return FeedLoadingMore
	default:
		return FeedIdle
	}
}

// reconcile starts or stops the bounded tail poll to match the end state.
func (o *Orchestrator) reconcile() {
	if o.FeedEnd() == FeedLoadingMore {
		o.startTailPoll()
	} else {
		o.stopTailPoll()
	}
}

func (o *Orchestrator) startTailPoll() {
	o.sctx.mu.Lock()
	if o.sctx.tailStop != nil {
		o.sctx.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.sctx.tailStop = stop
	o.sctx.mu.Unlock()

	o.logger.Debug("tail poll started", zap.Duration("interval", o.cfg.TailPollInterval))
	go func() {
		ticker := time.NewTicker(o.cfg.TailPollInterval)
		defer ticker.Stop()
		for i := 0; i < o.cfg.TailPollMax; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = o.loadPage(context.Background(), true, true)
				if o.FeedEnd() != FeedLoadingMore {
					o.stopTailPoll()
					return
				}
			}
		}
		o.stopTailPoll()
	}()
}

func (o *Orchestrator) stopTailPoll() {
	o.sctx.mu.Lock()
	if o.sctx.tailStop != nil {
		close(o.sctx.tailStop)
		o.sctx.tailStop = nil
		o.logger.Debug("tail poll stopped")
	}
	o.sctx.mu.Unlock()
}

// Close tears down background polling.
func (o *Orchestrator) Close() {
	o.stopTailPoll()
}

func (o *Orchestrator) armCooldown(base, spread time.Duration) {
	d := base
	if spread > 0 {
		d += time.Duration(o.rng.Int63n(int64(spread)))
	}
	o.sctx.mu.Lock()
	o.sctx.cooldownUntil = time.Now().Add(d)
	o.sctx.mu.Unlock()
}

func (o *Orchestrator) pullOutcome(outcome string) {
	if o.hooks.OnPull != nil {
		o.hooks.OnPull(outcome)
	}
}

func (o *Orchestrator) await(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
