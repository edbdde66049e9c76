package images_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/images"
)

// scriptedLoader fails every URL whose string contains one of the fail
// markers and records the order of attempts.
type scriptedLoader struct {
	fail     []string
	attempts []string
	payload  []byte
}

func (l *scriptedLoader) Load(ctx context.Context, url string) (*images.ImageData, error) {
	l.attempts = append(l.attempts, url)
	for _, marker := range l.fail {
		if strings.Contains(url, marker) {
			return nil, errors.New("fetch failed")
		}
	}
	return &images.ImageData{URL: url, ContentType: "image/png", Bytes: l.payload}, nil
}

// pngBytes encodes a uniform 4x4 image so the accent extractor has a known
// average.
func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const proxied = "https://backend.test/api/img?u=https%3A%2F%2Fcdn.example.com%2Fpic.png"

func TestResolver_PrimarySucceeds(t *testing.T) {
	loader := &scriptedLoader{payload: pngBytes(t, color.RGBA{R: 200, G: 100, B: 50, A: 255})}
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{})

	res := r.Resolve(context.Background(), domain.FeedItem{EmailID: "id-1", ImageURL: proxied})
	if res.Step != images.StepPrimary {
		t.Fatalf("expected primary step, got %s", res.Step)
	}
	if res.URL != proxied {
		t.Fatalf("unexpected URL %s", res.URL)
	}
	if res.AccentHex != "#c86432" {
		t.Fatalf("accent = %q, want #c86432", res.AccentHex)
	}
	if len(loader.attempts) != 1 {
		t.Fatalf("expected a single fetch, got %d", len(loader.attempts))
	}
}

func TestResolver_FallsBackToOriginal(t *testing.T) {
	loader := &scriptedLoader{
		fail:    []string{"/api/img"},
		payload: pngBytes(t, color.RGBA{A: 255}),
	}
	var fallbacks []images.FallbackStep
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{
		OnFallback: func(step images.FallbackStep) { fallbacks = append(fallbacks, step) },
	})

	res := r.Resolve(context.Background(), domain.FeedItem{EmailID: "id-1", ImageURL: proxied})
	if res.Step != images.StepOriginal {
		t.Fatalf("expected original step, got %s", res.Step)
	}
	if res.URL != "https://cdn.example.com/pic.png" {
		t.Fatalf("expected recovered upstream URL, got %s", res.URL)
	}
	if len(fallbacks) != 1 || fallbacks[0] != images.StepPrimary {
		t.Fatalf("expected one primary fallback, got %v", fallbacks)
	}
}

func TestResolver_FallsBackToPlaceholder(t *testing.T) {
	loader := &scriptedLoader{
		fail:    []string{"/api/img", "cdn.example.com"},
		payload: pngBytes(t, color.RGBA{A: 255}),
	}
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{})

	res := r.Resolve(context.Background(), domain.FeedItem{EmailID: "id-1", ImageURL: proxied})
	if res.Step != images.StepPlaceholder {
		t.Fatalf("expected placeholder step, got %s", res.Step)
	}
	if res.URL != images.PlaceholderURL("id-1") {
		t.Fatalf("unexpected URL %s", res.URL)
	}
}

func TestResolver_PlaceholderFetchFailureStillYieldsURL(t *testing.T) {
	loader := &scriptedLoader{fail: []string{"https"}} // everything fails
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{})

	res := r.Resolve(context.Background(), domain.FeedItem{EmailID: "id-1", ImageURL: proxied})
	if res.Step != images.StepPlaceholder {
		t.Fatalf("expected placeholder step, got %s", res.Step)
	}
	if res.URL == "" {
		t.Fatal("placeholder URL must survive a failed fetch")
	}
	if res.Data != nil {
		t.Fatal("expected no decoded bytes")
	}
}

func TestResolver_FailedChainIsNotCached(t *testing.T) {
	loader := &scriptedLoader{
		fail:    []string{"https"}, // everything fails
		payload: pngBytes(t, color.RGBA{A: 255}),
	}
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{})
	item := domain.FeedItem{EmailID: "id-1", ImageURL: "https://cdn.example.com/pic.png"}
	ctx := context.Background()

	res := r.Resolve(ctx, item)
	if res.Data != nil {
		t.Fatal("expected a byteless placeholder result")
	}
	if r.CacheLen() != 0 {
		t.Fatal("failed resolution must not be cached")
	}

	// Connectivity returns; the next call walks the chain again and caches.
	loader.fail = nil
	res = r.Resolve(ctx, item)
	if res.Step != images.StepPrimary || res.Data == nil {
		t.Fatalf("expected a recovered primary resolution, got step %s", res.Step)
	}
	if r.CacheLen() != 1 {
		t.Fatal("successful resolution not cached")
	}
}

func TestResolver_NoImageURLGoesStraightToPlaceholder(t *testing.T) {
	loader := &scriptedLoader{payload: pngBytes(t, color.RGBA{A: 255})}
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{})

	res := r.Resolve(context.Background(), domain.FeedItem{EmailID: "id-9"})
	if res.Step != images.StepPlaceholder {
		t.Fatalf("expected placeholder, got %s", res.Step)
	}
	if len(loader.attempts) != 1 {
		t.Fatalf("expected exactly one fetch, got %d", len(loader.attempts))
	}
}

func TestResolver_CachesAndReleases(t *testing.T) {
	loader := &scriptedLoader{payload: pngBytes(t, color.RGBA{A: 255})}
	r := images.NewResolver(loader, zap.NewNop(), images.Hooks{})
	item := domain.FeedItem{EmailID: "id-1", ImageURL: "https://cdn.example.com/pic.png"}
	ctx := context.Background()

	first := r.Resolve(ctx, item)
	second := r.Resolve(ctx, item)
	if first != second {
		t.Fatal("expected the cached resolution on the second call")
	}
	if len(loader.attempts) != 1 {
		t.Fatalf("cache miss: %d fetches", len(loader.attempts))
	}
	if r.CacheLen() != 1 {
		t.Fatalf("cache len = %d", r.CacheLen())
	}

	r.Release("id-1")
	if r.CacheLen() != 0 {
		t.Fatal("release did not evict the cached resolution")
	}
	r.Resolve(ctx, item)
	if len(loader.attempts) != 2 {
		t.Fatal("expected a re-fetch after release")
	}
}

func TestPlaceholderURL_Deterministic(t *testing.T) {
	a := images.PlaceholderURL("same-id")
	b := images.PlaceholderURL("same-id")
	if a != b {
		t.Fatalf("placeholder not deterministic: %s vs %s", a, b)
	}
	if a == images.PlaceholderURL("other-id") {
		t.Fatal("different ids must map to different placeholders")
	}
}

func TestOriginalFromProxy(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{proxied, "https://cdn.example.com/pic.png"},
		{"https://cdn.example.com/direct.png", ""},
		{"https://backend.test/api/img?u=not-a-url", ""},
		{"https://backend.test/api/img", ""},
		{"://bad", ""},
	}
	for _, tc := range tests {
		if got := images.OriginalFromProxy(tc.in); got != tc.want {
			t.Errorf("OriginalFromProxy(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
