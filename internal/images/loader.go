package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxImageBytes bounds what a single image may occupy in memory.
const maxImageBytes = 8 << 20

// ImageData is one fetched image: raw bytes plus the declared content type.
type ImageData struct {
	URL         string
	ContentType string
	Bytes       []byte
}

// Loader fetches image bytes for a URL. The HTTP implementation is below;
// tests substitute a fake to script per-step failures.
type Loader interface {
	Load(ctx context.Context, url string) (*ImageData, error)
}

// HTTPLoader fetches images over plain GET with a per-attempt timeout.
type HTTPLoader struct {
	httpClient *http.Client
}

func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{httpClient: &http.Client{Timeout: timeout}}
}

func (l *HTTPLoader) Load(ctx context.Context, url string) (*ImageData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create image request: %w", err)
	}
	req.Header.Set("Referrer-Policy", "no-referrer")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("load image: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}

	return &ImageData{
		URL:         url,
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       body,
	}, nil
}

var _ Loader = (*HTTPLoader)(nil)
