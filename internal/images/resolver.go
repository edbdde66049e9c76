package images

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
)

// FallbackStep records which rung of the chain produced the displayed source.
type FallbackStep int

const (
	StepPrimary FallbackStep = iota
	StepOriginal
	StepPlaceholder
)

func (s FallbackStep) String() string {
	switch s {
	case StepPrimary:
		return "primary"
	case StepOriginal:
		return "original"
	default:
		return "placeholder"
	}
}

// Resolved is a materialized display source for one item. Data is nil when
// even the placeholder could not be fetched; the URL is still valid and the
// presenter can point at it directly.
type Resolved struct {
	EmailID   string
	URL       string
	Step      FallbackStep
	AccentHex string
	Data      *ImageData
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnFallback func(step FallbackStep)
}

// Resolver materializes a display source for a feed item through an ordered,
// at-most-three-step fallback chain: the primary candidate (backend-proxied
// or direct URL), the original upstream URL recovered from the proxy's query
// parameter, and finally a deterministic placeholder seeded by the item id.
//
// Successful resolutions are cached per email id; Release frees the decoded
// bytes when the store evicts the item.
type Resolver struct {
	loader Loader
	logger *zap.Logger
	hooks  Hooks

	mu    sync.Mutex
	cache map[string]*Resolved
}

func NewResolver(loader Loader, logger *zap.Logger, hooks Hooks) *Resolver {
	return &Resolver{
		loader: loader,
		logger: logger,
		hooks:  hooks,
		cache:  make(map[string]*Resolved),
	}
}

// Resolve walks the fallback chain for the item. The placeholder rung never
// fails: if its fetch errors too, the result still carries the placeholder
// URL with no bytes attached. Only resolutions that fetched bytes are cached.
func (r *Resolver) Resolve(ctx context.Context, item domain.FeedItem) *Resolved {
	r.mu.Lock()
	if hit, ok := r.cache[item.EmailID]; ok {
		r.mu.Unlock()
		return hit
	}
	r.mu.Unlock()

	res := r.resolve(ctx, item)
	if res.Data == nil {
		// Even the placeholder fetch failed. Leave it uncached so a later
		// call walks the chain again once connectivity returns.
		return res
	}

	r.mu.Lock()
	r.cache[item.EmailID] = res
	r.mu.Unlock()
	return res
}

func (r *Resolver) resolve(ctx context.Context, item domain.FeedItem) *Resolved {
	type candidate struct {
		url  string
		step FallbackStep
	}

	var chain []candidate
	if item.ImageURL != "" {
		chain = append(chain, candidate{item.ImageURL, StepPrimary})
		if orig := OriginalFromProxy(item.ImageURL); orig != "" {
			chain = append(chain, candidate{orig, StepOriginal})
		}
	}
	chain = append(chain, candidate{PlaceholderURL(item.EmailID), StepPlaceholder})

	for _, c := range chain {
		data, err := r.loader.Load(ctx, c.url)
		if err != nil {
			r.logger.Debug("image candidate failed",
				zap.String("email_id", item.EmailID),
				zap.String("step", c.step.String()),
				zap.Error(err))
			if c.step == StepPlaceholder {
				// Terminal rung: surface the URL anyway, undecoded.
				return &Resolved{EmailID: item.EmailID, URL: c.url, Step: c.step}
			}
			if r.hooks.OnFallback != nil {
				r.hooks.OnFallback(c.step)
			}
			continue
		}
		return &Resolved{
			EmailID:   item.EmailID,
			URL:       c.url,
			Step:      c.step,
			AccentHex: averageColorHex(data),
			Data:      data,
		}
	}
	// Unreachable: the placeholder rung always returns.
	return &Resolved{EmailID: item.EmailID, URL: PlaceholderURL(item.EmailID), Step: StepPlaceholder}
}

// Release drops the cached resolution for an item, freeing its bytes.
// Wired as the store's eviction hook.
func (r *Resolver) Release(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// Close drains the whole cache (page unload equivalent).
func (r *Resolver) Close() {
	r.mu.Lock()
	r.cache = make(map[string]*Resolved)
	r.mu.Unlock()
}

// CacheLen reports the number of cached resolutions.
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// PlaceholderURL builds the deterministic placeholder for an item: the same
// id always yields the same image.
func PlaceholderURL(emailID string) string {
	seed := emailID
	if seed == "" {
		seed = "ph"
	}
	return "https://picsum.photos/seed/" + url.PathEscape(seed) + "/800/450"
}

// OriginalFromProxy recovers the upstream URL from a backend image-proxy URL
// of the form .../api/img?u=<escaped>. Returns "" for direct URLs.
func OriginalFromProxy(proxyURL string) string {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return ""
	}
	if !strings.HasSuffix(u.Path, "/api/img") && !strings.Contains(u.Path, "/api/img") {
		return ""
	}
	orig := u.Query().Get("u")
	if !strings.HasPrefix(orig, "http") {
		return ""
	}
	return orig
}
