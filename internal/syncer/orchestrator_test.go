package syncer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/api"
	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/syncer"
)

type fakeBackend struct {
	mu sync.Mutex

	page      api.Page
	pageErr   error
	fetchWait time.Duration
	fetches   int
	resets    int

	pull     api.PullResponse
	pullErr  error
	pullWait time.Duration
	pulls    int
	hasMore  bool
}

func (f *fakeBackend) FetchPage(ctx context.Context, fromTop bool) (*api.Page, error) {
	f.mu.Lock()
	f.fetches++
	wait := f.fetchWait
	page := f.page
	err := f.pageErr
	f.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (f *fakeBackend) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeBackend) HasMore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasMore
}

func (f *fakeBackend) StartPull(ctx context.Context, pr api.PullRequest) (*api.PullResponse, error) {
	f.mu.Lock()
	f.pulls++
	wait := f.pullWait
	err := f.pullErr
	resp := f.pull
	f.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *fakeBackend) count(which string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch which {
	case "fetches":
		return f.fetches
	case "pulls":
		return f.pulls
	default:
		return f.resets
	}
}

type fakeCache struct {
	mu      sync.Mutex
	items   int
	resets  int
	upserts int
}

func (f *fakeCache) Upsert(items []domain.FeedItem, prepend bool) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.items += len(items)
	return len(items), 0
}

func (f *fakeCache) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.items = 0
}

func (f *fakeCache) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items
}

type fakeWatcher struct {
	mu      sync.Mutex
	results map[string]domain.JobResult
	active  bool
	watches int
}

func (f *fakeWatcher) Watch(jobID string) <-chan domain.JobResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches++
	ch := make(chan domain.JobResult, 1)
	res, ok := f.results[jobID]
	if !ok {
		res = domain.JobResult{JobID: jobID, State: domain.JobDone}
	}
	ch <- res
	return ch
}

func (f *fakeWatcher) Watching(jobID string) bool { return false }

func (f *fakeWatcher) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func testConfig() syncer.Config {
	return syncer.Config{
		PullBatch:           5,
		PullPages:           1,
		PullTarget:          25,
		FailCooldown:        200 * time.Millisecond,
		QuietCooldown:       200 * time.Millisecond,
		QuietCooldownSpread: 0,
		TailPollInterval:    20 * time.Millisecond,
		TailPollMax:         3,
	}
}

func newOrchestrator(backend *fakeBackend, watcher *fakeWatcher) (*syncer.Orchestrator, *fakeCache) {
	cache := &fakeCache{}
	o := syncer.New(backend, cache, watcher, testConfig(), syncer.Hooks{}, zap.NewNop())
	return o, cache
}

func TestOrchestrator_ScrollFetchesPage(t *testing.T) {
	backend := &fakeBackend{page: api.Page{Items: make([]domain.FeedItem, 3)}, hasMore: true}
	o, cache := newOrchestrator(backend, &fakeWatcher{})
	defer o.Close()

	if err := o.Trigger(context.Background(), syncer.TriggerScroll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.count("fetches") != 1 {
		t.Fatalf("expected one fetch, got %d", backend.count("fetches"))
	}
	if cache.Len() != 3 {
		t.Fatalf("expected 3 items merged, got %d", cache.Len())
	}
	if backend.count("pulls") != 0 {
		t.Fatal("scroll must not start a pull")
	}
}

func TestOrchestrator_PullFollowsJobAndRefreshes(t *testing.T) {
	backend := &fakeBackend{
		page:    api.Page{Items: make([]domain.FeedItem, 2)},
		pull:    api.PullResponse{JobID: "job-1"},
		hasMore: true,
	}
	watcher := &fakeWatcher{results: map[string]domain.JobResult{
		"job-1": {JobID: "job-1", State: domain.JobDone, Added: 2},
	}}
	o, cache := newOrchestrator(backend, watcher)
	defer o.Close()

	if err := o.Pull(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if watcher.watches != 1 {
		t.Fatalf("expected the job to be watched once, got %d", watcher.watches)
	}
	if backend.count("fetches") != 1 {
		t.Fatalf("expected the post-job refresh fetch, got %d", backend.count("fetches"))
	}
	if cache.Len() != 2 {
		t.Fatalf("expected refreshed items merged, got %d", cache.Len())
	}
}

func TestOrchestrator_FailedPullArmsCooldown(t *testing.T) {
	backend := &fakeBackend{pullErr: errors.New("backend down"), hasMore: true}
	o, _ := newOrchestrator(backend, &fakeWatcher{})
	defer o.Close()
	ctx := context.Background()

	if err := o.Pull(ctx, false); err == nil {
		t.Fatal("expected pull error")
	}
	if backend.count("pulls") != 1 {
		t.Fatalf("expected one pull, got %d", backend.count("pulls"))
	}

	// Automatic triggers are suppressed during the cooldown window.
	if err := o.Pull(ctx, false); !errors.Is(err, domain.ErrCoolingDown) {
		t.Fatalf("expected ErrCoolingDown, got %v", err)
	}
	if backend.count("pulls") != 1 {
		t.Fatal("suppressed pull still reached the backend")
	}

	// Forced triggers bypass it.
	if err := o.Pull(ctx, true); err == nil {
		t.Fatal("expected pull error on forced retry")
	}
	if backend.count("pulls") != 2 {
		t.Fatalf("forced pull must reach the backend, got %d", backend.count("pulls"))
	}

	// After the window, automatic pulls resume.
	time.Sleep(250 * time.Millisecond)
	_ = o.Pull(ctx, false)
	if backend.count("pulls") != 3 {
		t.Fatalf("expected pull after cooldown expiry, got %d", backend.count("pulls"))
	}
}

func TestOrchestrator_QuietPullArmsCooldown(t *testing.T) {
	backend := &fakeBackend{
		page:    api.Page{},
		pull:    api.PullResponse{JobID: "job-1"},
		hasMore: true,
	}
	watcher := &fakeWatcher{results: map[string]domain.JobResult{
		"job-1": {JobID: "job-1", State: domain.JobDone, Added: 0},
	}}
	o, _ := newOrchestrator(backend, watcher)
	defer o.Close()
	ctx := context.Background()

	if err := o.Pull(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.Pull(ctx, false); !errors.Is(err, domain.ErrCoolingDown) {
		t.Fatalf("expected quiet cooldown, got %v", err)
	}
}

func TestOrchestrator_ConcurrentPullsJoin(t *testing.T) {
	backend := &fakeBackend{
		page:      api.Page{},
		pull:      api.PullResponse{JobID: "job-1"},
		fetchWait: 100 * time.Millisecond,
		hasMore:   true,
	}
	watcher := &fakeWatcher{results: map[string]domain.JobResult{
		"job-1": {JobID: "job-1", State: domain.JobDone, Added: 1},
	}}
	o, _ := newOrchestrator(backend, watcher)
	defer o.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Pull(context.Background(), false)
		}()
	}
	wg.Wait()

	if backend.count("pulls") != 1 {
		t.Fatalf("expected one pull for 5 concurrent triggers, got %d", backend.count("pulls"))
	}
}

func TestOrchestrator_ForcedPullBypassesInFlight(t *testing.T) {
	backend := &fakeBackend{
		page:     api.Page{},
		pull:     api.PullResponse{JobID: "job-1"},
		pullWait: 150 * time.Millisecond,
		hasMore:  true,
	}
	watcher := &fakeWatcher{results: map[string]domain.JobResult{
		"job-1": {JobID: "job-1", State: domain.JobDone, Added: 1},
	}}
	o, _ := newOrchestrator(backend, watcher)
	defer o.Close()

	done := make(chan error, 1)
	go func() { done <- o.Pull(context.Background(), false) }()

	// Wait until the automatic pull has reached the backend.
	deadline := time.Now().Add(time.Second)
	for backend.count("pulls") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if backend.count("pulls") != 1 {
		t.Fatal("automatic pull never started")
	}

	// A forced pull must not be absorbed into the in-flight one.
	if err := o.Pull(context.Background(), true); err != nil {
		t.Fatalf("forced pull: %v", err)
	}
	if backend.count("pulls") != 2 {
		t.Fatalf("expected the forced pull to reach the backend, got %d pulls", backend.count("pulls"))
	}

	if err := <-done; err != nil {
		t.Fatalf("automatic pull: %v", err)
	}
}

func TestOrchestrator_JobFailureSurfaces(t *testing.T) {
	backend := &fakeBackend{pull: api.PullResponse{JobID: "job-1"}, hasMore: true}
	watcher := &fakeWatcher{results: map[string]domain.JobResult{
		"job-1": {JobID: "job-1", State: domain.JobFailed},
	}}
	o, _ := newOrchestrator(backend, watcher)
	defer o.Close()

	err := o.Pull(context.Background(), false)
	if !errors.Is(err, domain.ErrStreamExhausted) {
		t.Fatalf("expected ErrStreamExhausted, got %v", err)
	}
}

func TestOrchestrator_Reset(t *testing.T) {
	backend := &fakeBackend{page: api.Page{Items: make([]domain.FeedItem, 4)}, hasMore: true}
	o, cache := newOrchestrator(backend, &fakeWatcher{})
	defer o.Close()

	if err := o.Reset(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.count("resets") != 1 {
		t.Fatal("backend cursor not reset")
	}
	if cache.resets != 1 {
		t.Fatal("cache not reset")
	}
	if cache.Len() != 4 {
		t.Fatalf("expected reload from top, got %d items", cache.Len())
	}
}

func TestOrchestrator_FeedEnd(t *testing.T) {
	tests := []struct {
		name    string
		hasMore bool
		active  bool
		pending bool
		want    syncer.EndState
	}{
		{"more pages", true, false, false, syncer.FeedIdle},
		{"exhausted and quiet", false, false, false, syncer.FeedEnd},
		{"exhausted but ingesting", false, true, false, syncer.FeedLoadingMore},
		{"exhausted but backend pending", false, false, true, syncer.FeedLoadingMore},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{
				hasMore: tc.hasMore,
				page:    api.Page{PendingMore: tc.pending},
			}
			watcher := &fakeWatcher{active: tc.active}
			o, _ := newOrchestrator(backend, watcher)
			defer o.Close()

			// Seed pendingMore through a fetch.
			_ = o.Trigger(context.Background(), syncer.TriggerScroll)

			if got := o.FeedEnd(); got != tc.want {
				t.Fatalf("FeedEnd = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOrchestrator_TailPollStopsWhenSettled(t *testing.T) {
	backend := &fakeBackend{
		hasMore: false,
		page:    api.Page{PendingMore: true},
	}
	o, _ := newOrchestrator(backend, &fakeWatcher{})
	defer o.Close()
	ctx := context.Background()

	// First fetch observes pending_more=true: the tail poll starts.
	_ = o.Trigger(ctx, syncer.TriggerScroll)
	if o.FeedEnd() != syncer.FeedLoadingMore {
		t.Fatalf("expected loading_more, got %s", o.FeedEnd())
	}

	// Backend settles; the next poll observes pending_more=false and stops.
	backend.mu.Lock()
	backend.page = api.Page{PendingMore: false}
	backend.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.FeedEnd() == syncer.FeedEnd {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tail poll never settled, state=%s", o.FeedEnd())
}
