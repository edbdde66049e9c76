package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
)

// ItemFetcher resolves one item by id. The api client implements it.
type ItemFetcher interface {
	GetItem(ctx context.Context, id string) (domain.FeedItem, error)
}

// Merger accepts refreshed items into the feed cache. The store implements it.
type Merger interface {
	Upsert(items []domain.FeedItem, prepend bool) (fresh, evicted int)
}

// ConnectivityProbe reports whether the client currently has network access.
// While offline, reconnect attempts are suspended (they neither run nor count
// against the retry ceiling) until AwaitOnline returns.
type ConnectivityProbe interface {
	Online() bool
	AwaitOnline(ctx context.Context) error
}

// AlwaysOnline is the default probe for environments without connectivity
// signaling.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool                        { return true }
func (AlwaysOnline) AwaitOnline(ctx context.Context) error { return ctx.Err() }

var _ ConnectivityProbe = AlwaysOnline{}

// Config groups the monitor's timing policies.
type Config struct {
	Debounce time.Duration // batches rapid update events into one fetch pass

	ItemRetryBase   time.Duration
	ItemRetryJitter time.Duration
	ItemRetryMax    int // attempts per item before it is dropped

	StreamRetryBase   time.Duration
	StreamRetryCap    time.Duration
	StreamRetryJitter time.Duration
	StreamRetryMax    int // reconnects per job before it fails
}

// Hooks carries optional metric callbacks; nil fields are no-ops.
type Hooks struct {
	OnReconnect  func()
	OnItemRetry  func()
	OnItemDrop   func()
	OnQueueDepth func(depth int)
}

// Monitor runs the ingestion-job state machine: one live stream connection
// per job id, waiters joined to existing connections, debounced per-item
// refresh, and bounded retries for both the stream and individual items.
type Monitor struct {
	opener   StreamOpener
	fetcher  ItemFetcher
	merger   Merger
	probe    ConnectivityProbe
	cfg      Config
	listener domain.Listener
	hooks    Hooks
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*jobWatch
}

func NewMonitor(
	opener StreamOpener,
	fetcher ItemFetcher,
	merger Merger,
	probe ConnectivityProbe,
	cfg Config,
	listener domain.Listener,
	hooks Hooks,
	logger *zap.Logger,
) *Monitor {
	if probe == nil {
		probe = AlwaysOnline{}
	}
	if listener == nil {
		listener = domain.NopListener{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		opener:   opener,
		fetcher:  fetcher,
		merger:   merger,
		probe:    probe,
		cfg:      cfg,
		listener: listener,
		hooks:    hooks,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*jobWatch),
	}
}

// Watch subscribes to a job's terminal result. If a live connection for the
// job already exists the caller becomes a waiter on it — a second stream is
// never opened for the same job id. The returned channel receives exactly one
// JobResult.
func (m *Monitor) Watch(jobID string) <-chan domain.JobResult {
	ch := make(chan domain.JobResult, 1)

	m.mu.Lock()
	if jw, ok := m.jobs[jobID]; ok {
		jw.addWaiter(ch)
		m.mu.Unlock()
		m.logger.Debug("joined existing ingestion stream", zap.String("job_id", jobID))
		return ch
	}

	jobCtx, jobCancel := context.WithCancel(m.ctx)
	jw := &jobWatch{
		id:          jobID,
		state:       domain.JobStarting,
		waiters:     []chan domain.JobResult{ch},
		pendingSet:  make(map[string]struct{}),
		retries:     make(map[string]int),
		retryTimers: make(map[string]*time.Timer),
		ctx:         jobCtx,
		cancel:      jobCancel,
	}
	m.jobs[jobID] = jw
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(jw)
	}()
	return ch
}

// Active reports whether any job stream is live.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs) > 0
}

// Watching reports whether the given job has a live connection.
func (m *Monitor) Watching(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[jobID]
	return ok
}

// Close tears down all streams and pending retries. Every open job fails and
// its waiters are notified, so no caller blocks past shutdown.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// run owns one job's connection lifecycle: connect, consume, reconnect with
// capped backoff, fail after the ceiling.
func (m *Monitor) run(jw *jobWatch) {
	log := m.logger.With(zap.String("job_id", jw.id))
	reconnects := 0

	for {
		stream, err := m.opener.Open(jw.ctx, jw.id)
		if err == nil {
			jw.setState(domain.JobListening)
			err = m.consume(jw, stream)
			stream.Close()
			if jw.isFinished() {
				return
			}
		}

		if jw.ctx.Err() != nil {
			m.finish(jw, domain.JobFailed)
			return
		}

		// Offline suspends reconnecting entirely: wait for connectivity,
		// then retry immediately without burning an attempt.
		if !m.probe.Online() {
			log.Warn("stream offline, waiting for connectivity")
			if m.probe.AwaitOnline(jw.ctx) != nil {
				m.finish(jw, domain.JobFailed)
				return
			}
			continue
		}

		if reconnects >= m.cfg.StreamRetryMax {
			log.Error("stream reconnect attempts exhausted",
				zap.Int("attempts", reconnects), zap.Error(err))
			m.finish(jw, domain.JobFailed)
			return
		}

		delay := backoff(m.cfg.StreamRetryBase, reconnects, m.cfg.StreamRetryCap) + jitter(m.cfg.StreamRetryJitter)
		reconnects++
		if m.hooks.OnReconnect != nil {
			m.hooks.OnReconnect()
		}
		log.Warn("stream error, reconnecting",
			zap.Int("attempt", reconnects), zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-jw.ctx.Done():
			m.finish(jw, domain.JobFailed)
			return
		}
	}
}

// streamPayload is the event body shape shared by progress and update events.
type streamPayload struct {
	State   string `json:"state"`
	EmailID string `json:"email_id"`
	Done    int    `json:"done"`
}

// consume reads the stream until it breaks or delivers a terminal state.
// Returns nil after terminal handling; a non-nil error asks run to reconnect.
func (m *Monitor) consume(jw *jobWatch, stream EventStream) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}

		var p streamPayload
		if jsonErr := json.Unmarshal(ev.Data, &p); jsonErr != nil {
			m.logger.Debug("unparseable stream event", zap.String("job_id", jw.id))
			continue
		}

		if ev.Type == "update" && p.EmailID != "" {
			m.scheduleUpdate(jw, p.EmailID)
		}
		if ev.Type == "progress" || p.State != "" {
			m.listener.JobProgress(domain.JobProgress{
				JobID: jw.id,
				State: domain.JobState(p.State),
				Done:  p.Done,
			})
		}

		if st := domain.JobState(p.State); st.Terminal() {
			if st == domain.JobDone {
				jw.setAdded(p.Done)
			}
			m.terminal(jw, st)
			return nil
		}
	}
}

// scheduleUpdate queues an item id for refresh. Repeated ids within the
// debounce window collapse into one entry; the window restarts on every
// arrival so a burst is processed in a single pass.
func (m *Monitor) scheduleUpdate(jw *jobWatch, id string) {
	jw.mu.Lock()
	if jw.finished {
		jw.mu.Unlock()
		return
	}
	if _, dup := jw.pendingSet[id]; !dup {
		jw.pendingSet[id] = struct{}{}
		jw.pending = append(jw.pending, id)
	}
	depth := len(jw.pending)
	if jw.timer != nil {
		jw.timer.Stop()
	}
	jw.timer = time.AfterFunc(m.cfg.Debounce, func() { m.processQueue(jw) })
	jw.mu.Unlock()

	if m.hooks.OnQueueDepth != nil {
		m.hooks.OnQueueDepth(depth)
	}
}

// processQueue drains the pending ids and fetch-merges them in one pass.
func (m *Monitor) processQueue(jw *jobWatch) {
	jw.mu.Lock()
	ids := jw.pending
	jw.pending = nil
	jw.pendingSet = make(map[string]struct{})
	if jw.timer != nil {
		jw.timer.Stop()
		jw.timer = nil
	}
	jw.mu.Unlock()

	if m.hooks.OnQueueDepth != nil {
		m.hooks.OnQueueDepth(0)
	}
	if len(ids) == 0 {
		return
	}

	var fresh []domain.FeedItem
	for _, id := range ids {
		item, err := m.fetcher.GetItem(jw.ctx, id)
		if err != nil {
			if !domain.IsTransient(err) {
				// Gone or unparseable: retrying cannot help.
				m.dropItem(jw, id, 1, err)
				continue
			}
			m.scheduleItemRetry(jw, id, err)
			continue
		}
		jw.clearRetry(id)
		fresh = append(fresh, item)
	}

	if len(fresh) > 0 {
		m.merger.Upsert(fresh, true)
	}
}

// scheduleItemRetry re-queues a failed item fetch with exponential backoff
// plus jitter, dropping the id once the attempt ceiling is reached.
func (m *Monitor) scheduleItemRetry(jw *jobWatch, id string, cause error) {
	jw.mu.Lock()
	if jw.finished {
		jw.mu.Unlock()
		return
	}
	attempts := jw.retries[id] + 1
	jw.retries[id] = attempts

	if attempts >= m.cfg.ItemRetryMax {
		delete(jw.retries, id)
		jw.mu.Unlock()
		m.dropItem(jw, id, attempts, cause)
		return
	}

	delay := backoff(m.cfg.ItemRetryBase, attempts-1, 0) + jitter(m.cfg.ItemRetryJitter)
	jw.retryTimers[id] = time.AfterFunc(delay, func() {
		jw.mu.Lock()
		delete(jw.retryTimers, id)
		jw.mu.Unlock()
		m.scheduleUpdate(jw, id)
	})
	jw.mu.Unlock()

	if m.hooks.OnItemRetry != nil {
		m.hooks.OnItemRetry()
	}
	m.logger.Warn("item refresh retry scheduled",
		zap.String("job_id", jw.id), zap.String("email_id", id),
		zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(cause))
}

// dropItem abandons an item refresh, either after the attempt ceiling or
// immediately for errors no retry can fix.
func (m *Monitor) dropItem(jw *jobWatch, id string, attempts int, cause error) {
	jw.clearRetry(id)
	if m.hooks.OnItemDrop != nil {
		m.hooks.OnItemDrop()
	}
	m.logger.Warn("item refresh dropped",
		zap.String("job_id", jw.id), zap.String("email_id", id),
		zap.Int("attempts", attempts), zap.Error(cause))
}

// terminal flushes the still-pending queue before notifying waiters, so no
// update event is silently dropped at job end.
func (m *Monitor) terminal(jw *jobWatch, state domain.JobState) {
	m.processQueue(jw)
	m.finish(jw, state)
}

func (m *Monitor) finish(jw *jobWatch, state domain.JobState) {
	jw.mu.Lock()
	if jw.finished {
		jw.mu.Unlock()
		return
	}
	jw.finished = true
	jw.state = state
	if jw.timer != nil {
		jw.timer.Stop()
		jw.timer = nil
	}
	for id, t := range jw.retryTimers {
		t.Stop()
		delete(jw.retryTimers, id)
	}
	waiters := jw.waiters
	jw.waiters = nil
	added := jw.added
	jw.mu.Unlock()

	jw.cancel()

	m.mu.Lock()
	delete(m.jobs, jw.id)
	m.mu.Unlock()

	result := domain.JobResult{JobID: jw.id, State: state, Added: added}
	for _, ch := range waiters {
		ch <- result
	}
	m.logger.Info("ingestion job finished",
		zap.String("job_id", jw.id), zap.String("state", string(state)), zap.Int("added", added))
}

// jobWatch is the per-job connection state: at most one exists per job id.
type jobWatch struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       domain.JobState
	finished    bool
	added       int
	waiters     []chan domain.JobResult
	pending     []string
	pendingSet  map[string]struct{}
	timer       *time.Timer
	retries     map[string]int
	retryTimers map[string]*time.Timer
}

func (jw *jobWatch) addWaiter(ch chan domain.JobResult) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.finished {
		// Late join on an already-finished job: deliver the terminal state.
		ch <- domain.JobResult{JobID: jw.id, State: jw.state, Added: jw.added}
		return
	}
	jw.waiters = append(jw.waiters, ch)
}

func (jw *jobWatch) setState(s domain.JobState) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if !jw.finished {
		jw.state = s
	}
}

func (jw *jobWatch) setAdded(n int) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.added = n
}

func (jw *jobWatch) isFinished() bool {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.finished
}

func (jw *jobWatch) clearRetry(id string) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	delete(jw.retries, id)
}

// backoff computes base * 2^n, clamped to ceiling when ceiling > 0.
func backoff(base time.Duration, n int, ceiling time.Duration) time.Duration {
	d := base << n
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func jitter(spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(spread)))
}
