package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lettera-app/feedsync/internal/images"
	"github.com/lettera-app/feedsync/internal/ingest"
	"github.com/lettera-app/feedsync/internal/mutate"
	"github.com/lettera-app/feedsync/internal/store"
	"github.com/lettera-app/feedsync/internal/syncer"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	PagesFetched     *prometheus.CounterVec
	ItemsMerged      prometheus.Counter
	ItemsEvicted     prometheus.Counter
	PullsStarted     *prometheus.CounterVec
	StreamReconnects prometheus.Counter
	UpdateQueueDepth prometheus.Gauge
	ItemRetries      prometheus.Counter
	ItemDrops        prometheus.Counter
	MutationRollback *prometheus.CounterVec
	ImageFallbacks   *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_pages_fetched_total",
			Help: "Total feed pages fetched, by result.",
		}, []string{"result"}),

		ItemsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_items_merged_total",
			Help: "Total fresh items merged into the cache.",
		}),

		ItemsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_items_evicted_total",
			Help: "Total items evicted from the cache tail by the capacity cap.",
		}),

		PullsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_pulls_total",
			Help: "Total ingestion pulls, by outcome (added, quiet, noop, job_failed, error).",
		}, []string{"outcome"}),

		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_stream_reconnects_total",
			Help: "Total event-stream reconnect attempts.",
		}),

		UpdateQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_update_queue_depth",
			Help: "Current number of item ids awaiting a debounced refresh.",
		}),

		ItemRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_item_retries_total",
			Help: "Total per-item refresh retries scheduled.",
		}),

		ItemDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_item_drops_total",
			Help: "Total item refreshes abandoned after the retry ceiling.",
		}),

		MutationRollback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutation_rollbacks_total",
			Help: "Total optimistic mutations rolled back, by operation.",
		}, []string{"op"}),

		ImageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_fallbacks_total",
			Help: "Total image resolution fallbacks, by failed step.",
		}, []string{"step"}),
	}

	reg.MustRegister(
		m.PagesFetched,
		m.ItemsMerged,
		m.ItemsEvicted,
		m.PullsStarted,
		m.StreamReconnects,
		m.UpdateQueueDepth,
		m.ItemRetries,
		m.ItemDrops,
		m.MutationRollback,
		m.ImageFallbacks,
	)

	return m
}

// StoreHooks returns the callbacks expected by store.Hooks.
// Centralises the prometheus observation calls so store.go stays import-free.
func (m *Metrics) StoreHooks() store.Hooks {
	return store.Hooks{
		OnMerged:  func(fresh int) { m.ItemsMerged.Add(float64(fresh)) },
		OnEvicted: func(count int) { m.ItemsEvicted.Add(float64(count)) },
	}
}

// SyncerHooks returns the callbacks expected by syncer.Hooks.
func (m *Metrics) SyncerHooks() syncer.Hooks {
	return syncer.Hooks{
		OnPage: func(fresh int, err error) {
			if err != nil {
				m.PagesFetched.WithLabelValues("error").Inc()
				return
			}
			m.PagesFetched.WithLabelValues("ok").Inc()
		},
		OnPull: func(outcome string) { m.PullsStarted.WithLabelValues(outcome).Inc() },
	}
}

// MonitorHooks returns the callbacks expected by ingest.Hooks.
func (m *Metrics) MonitorHooks() ingest.Hooks {
	return ingest.Hooks{
		OnReconnect:  func() { m.StreamReconnects.Inc() },
		OnItemRetry:  func() { m.ItemRetries.Inc() },
		OnItemDrop:   func() { m.ItemDrops.Inc() },
		OnQueueDepth: func(depth int) { m.UpdateQueueDepth.Set(float64(depth)) },
	}
}

// MutateHooks returns the callbacks expected by mutate.Hooks.
func (m *Metrics) MutateHooks() mutate.Hooks {
	return mutate.Hooks{
		OnRollback: func(op string) { m.MutationRollback.WithLabelValues(op).Inc() },
	}
}

// ImageHooks returns the callbacks expected by images.Hooks.
func (m *Metrics) ImageHooks() images.Hooks {
	return images.Hooks{
		OnFallback: func(step images.FallbackStep) {
			m.ImageFallbacks.WithLabelValues(step.String()).Inc()
		},
	}
}
