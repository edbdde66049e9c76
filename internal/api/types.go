package api

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
)

// Page is the decoded result of one GET /feed request.
type Page struct {
	Items       []domain.FeedItem
	NextCursor  domain.Cursor
	HasMore     bool
	PendingMore bool
	Ingest      IngestStatus
}

// IngestStatus mirrors the ingest hint attached to every feed page: whether a
// backend crawl is currently producing items and, if so, which job to join.
type IngestStatus struct {
	Running bool   `json:"running"`
	JobID   string `json:"job_id"`
}

// PullRequest is the body of POST /ingest/pull.
type PullRequest struct {
	Batch  int `json:"batch"`
	Pages  int `json:"pages"`
	Target int `json:"target"`
}

// PullResponse maps the pull endpoint's reply. Status "already_running" means
// the returned JobID names a live job the caller should join instead of
// treating this as a fresh run.
type PullResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

const StatusAlreadyRunning = "already_running"

// Settings is the body of POST /settings. Nil slices / empty strings are
// omitted so partial updates do not clobber unrelated settings.
type Settings struct {
	HiddenDomains        []string `json:"hidden_domains,omitempty"`
	PreferredImageSource string   `json:"preferred_image_source,omitempty"`
}

// pageWire is the raw shape of the feed endpoint. Feed stays a RawMessage so
// a payload missing the field entirely can be told apart from an empty page.
type pageWire struct {
	Feed        json.RawMessage `json:"feed"`
	NextCursor  *string         `json:"next_cursor"`
	HasMore     bool            `json:"has_more"`
	PendingMore bool            `json:"pending_more"`
	Ingest      IngestStatus    `json:"ingest"`
}

// itemWire tolerates the loosely typed item shape the backend emits; the
// received date arrives as a string in one of a few layouts and malformed
// values coerce to the zero time instead of failing the whole page.
type itemWire struct {
	EmailID      string `json:"email_id"`
	ReceivedDate string `json:"received_date"`
	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name"`
	SourceDomain string `json:"source_domain"`
	Title        string `json:"ai_title"`
	Subject      string `json:"original_subject"`
	Summary      string `json:"ai_summary_markdown"`
	IsFavorite   bool   `json:"is_favorite"`
	TypeTag      string `json:"type_tag"`
	TopicTag     string `json:"topic_tag"`
	ImageURL     string `json:"image_url"`
	AccentHex    string `json:"accent_hex"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
}

func parseReceivedDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (w itemWire) toDomain() domain.FeedItem {
	ts, _ := parseReceivedDate(w.ReceivedDate)
	it := domain.FeedItem{
		EmailID:      w.EmailID,
		ReceivedDate: ts,
		SenderEmail:  w.SenderEmail,
		SenderName:   w.SenderName,
		SourceDomain: w.SourceDomain,
		Title:        w.Title,
		Subject:      w.Subject,
		Summary:      w.Summary,
		IsFavorite:   w.IsFavorite,
		TypeTag:      domain.TypeTag(w.TypeTag),
		TopicTag:     w.TopicTag,
		ImageURL:     w.ImageURL,
		AccentHex:    w.AccentHex,
	}
	it.Normalize()
	return it
}

// decodeItems converts the raw feed array, dropping entries without an
// identity key and logging malformed dates so a misbehaving backend is
// visible without breaking the merge.
func decodeItems(raw json.RawMessage, logger *zap.Logger) ([]domain.FeedItem, error) {
	var wires []itemWire
	if err := json.Unmarshal(raw, &wires); err != nil {
		return nil, domain.ErrMalformedPayload
	}

	items := make([]domain.FeedItem, 0, len(wires))
	badDates := 0
	for _, w := range wires {
		if w.EmailID == "" {
			continue
		}
		if _, ok := parseReceivedDate(w.ReceivedDate); !ok {
			badDates++
		}
		items = append(items, w.toDomain())
	}
	if badDates > 0 {
		logger.Warn("feed page contained malformed dates", zap.Int("count", badDates))
	}
	return items, nil
}
