package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lettera-app/feedsync/internal/domain"
)

// Client talks to the feed backend. It owns the pagination cursor and
// guarantees that at most one page request is outstanding: issuing a new one
// cancels any prior request still in flight, and the superseded caller gets
// domain.ErrSuperseded instead of a stale result.
//
// All outbound calls share one token-bucket limiter so a burst of triggers
// (scroll + focus + poll) cannot hammer the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageSize   int
	timeout    time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	cursor domain.Cursor
	more   bool
	cancel context.CancelFunc // cancels the in-flight page request
	seq    uint64             // identifies the current page request
}

func NewClient(baseURL string, timeout time.Duration, pageSize, ratePerSec int, logger *zap.Logger) *Client {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		pageSize:   pageSize,
		timeout:    timeout,
		logger:     logger,
		more:       true,
	}
}

// Cursor returns the token the next FetchPage will request older items from.
func (c *Client) Cursor() domain.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// HasMore reports whether the backend announced further pages past the cursor.
func (c *Client) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.more
}

// Reset clears the cursor and aborts any in-flight page request. The next
// FetchPage starts from the top of the feed. A cursor derived before a Reset
// is never reused afterwards because the client owns it exclusively.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = ""
	c.more = true
	c.seq++ // orphan the in-flight request so its result is discarded
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// FetchPage requests the next page bounded by the current cursor. With
// fromTop it ignores the cursor and fetches the newest page without touching
// pagination state — the tail-poll and live-update paths use this to discover
// fresh items while scroll pagination keeps its position.
func (c *Client) FetchPage(ctx context.Context, fromTop bool) (*Page, error) {
	c.mu.Lock()
	if !c.more && !fromTop && c.cursor != "" {
		cur := c.cursor
		c.mu.Unlock()
		return &Page{NextCursor: cur, HasMore: false}, nil
	}
	if c.cancel != nil {
		c.cancel() // abort the previous page request
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	c.cancel = cancel
	c.seq++
	seq := c.seq
	cursor := c.cursor
	if fromTop {
		cursor = ""
	}
	c.mu.Unlock()
	defer cancel()

	page, err := c.doFetchPage(reqCtx, cursor)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return nil, domain.ErrSuperseded
	}
	c.cancel = nil
	if err != nil {
		return nil, err
	}
	c.more = page.HasMore
	// The cursor only advances while the backend reports more pages; a
	// from-top probe must not rewind scroll pagination. When the backend
	// omits next_cursor the last item of the page anchors the token instead.
	if !fromTop && page.HasMore {
		c.cursor = page.NextCursor
		if c.cursor == "" && len(page.Items) > 0 {
			last := page.Items[len(page.Items)-1]
			c.cursor = last.OrderKey()
		}
	}
	return page, nil
}

func (c *Client) doFetchPage(ctx context.Context, cursor domain.Cursor) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}

	q := url.Values{"page_size": {strconv.Itoa(c.pageSize)}}
	if cursor != "" {
		q.Set("before", string(cursor))
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/feed?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.StatusError{Op: "feed fetch", Code: resp.StatusCode}
	}

	var pw pageWire
	if err := json.NewDecoder(resp.Body).Decode(&pw); err != nil {
		return nil, domain.ErrMalformedPayload
	}
	if pw.Feed == nil {
		return nil, domain.ErrMalformedPayload
	}

	items, err := decodeItems(pw.Feed, c.logger)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Items:       items,
		HasMore:     pw.HasMore,
		PendingMore: pw.PendingMore,
		Ingest:      pw.Ingest,
	}
	if pw.NextCursor != nil {
		page.NextCursor = domain.Cursor(*pw.NextCursor)
	}
	return page, nil
}

// GetItem fetches a single item by id. Unlike page fetches these may run
// concurrently: the ingestion monitor batches several of them per debounce
// window.
func (c *Client) GetItem(ctx context.Context, id string) (domain.FeedItem, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.FeedItem{}, fmt.Errorf("get item: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/feed/item/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.FeedItem{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.FeedItem{}, fmt.Errorf("get item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.FeedItem{}, domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.FeedItem{}, &domain.StatusError{Op: "get item", Code: resp.StatusCode}
	}

	var w itemWire
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return domain.FeedItem{}, domain.ErrMalformedPayload
	}
	if w.EmailID == "" {
		return domain.FeedItem{}, domain.ErrMalformedPayload
	}
	return w.toDomain(), nil
}

// StartPull asks the backend to start (or report) an ingestion run.
func (c *Client) StartPull(ctx context.Context, pr PullRequest) (*PullResponse, error) {
	var out PullResponse
	if err := c.postJSON(ctx, "/ingest/pull", pr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleFavorite flips the favorite flag server-side and returns the
// authoritative value.
func (c *Client) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	var out struct {
		IsFavorite bool `json:"is_favorite"`
	}
	path := "/feed/" + url.PathEscape(id) + "/favorite"
	if err := c.postJSON(ctx, path, nil, &out); err != nil {
		return false, err
	}
	return out.IsFavorite, nil
}

// SetTypeTag overrides the type tag for the item's sender domain server-side.
func (c *Client) SetTypeTag(ctx context.Context, id string, tag domain.TypeTag) error {
	body := struct {
		TypeTag domain.TypeTag `json:"type_tag"`
	}{tag}
	return c.postJSON(ctx, "/feed/"+url.PathEscape(id)+"/type", body, nil)
}

// SaveSettings mirrors local preference changes to the backend.
func (c *Client) SaveSettings(ctx context.Context, s Settings) error {
	return c.postJSON(ctx, "/settings", s, nil)
}

// UpdateImages asks the backend to refresh image URLs for a set of items.
// A 409 means the chosen source's pool is exhausted.
func (c *Client) UpdateImages(ctx context.Context, ids []string, source string, onlyEmpty bool) ([]domain.FeedItem, error) {
	body := struct {
		EmailIDs    []string `json:"email_ids"`
		ImageSource string   `json:"image_source"`
		OnlyEmpty   bool     `json:"only_empty,omitempty"`
	}{ids, source, onlyEmpty}

	var out struct {
		UpdatedItems json.RawMessage `json:"updated_items"`
	}
	if err := c.postJSON(ctx, "/feed/update-images", body, &out); err != nil {
		return nil, err
	}
	if out.UpdatedItems == nil {
		return nil, nil
	}
	return decodeItems(out.UpdatedItems, c.logger)
}

// postJSON performs a rate-limited POST with the client's hard timeout.
// out may be nil when the response body is just an ack.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return domain.ErrImagePoolEmpty
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.StatusError{Op: path, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.ErrMalformedPayload
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Request-Id", uuid.New().String()[:12])
	req.Header.Set("Cache-Control", "no-store")
	return req, nil
}
