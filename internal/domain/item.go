package domain

import (
	"strings"
	"time"
)

// TypeTag classifies a feed item by how the sender's mail is used.
type TypeTag string

const (
	TypeNewsletter  TypeTag = "newsletter"
	TypePromo       TypeTag = "promo"
	TypePersonal    TypeTag = "personali"
	TypeInformative TypeTag = "informative"
)

func (t TypeTag) IsValid() bool {
	switch t {
	case TypeNewsletter, TypePromo, TypePersonal, TypeInformative:
		return true
	}
	return false
}

// AllTypeTags lists every valid tag, in display order.
func AllTypeTags() []TypeTag {
	return []TypeTag{TypeNewsletter, TypePromo, TypePersonal, TypeInformative}
}

// Cursor is an opaque pagination token anchored to the ordering key of the
// last item on a previously fetched page. An empty cursor means "from the top".
type Cursor string

// FeedItem is the core domain entity: one message/newsletter entry.
//
// EmailID is the identity key: opaque, globally unique, stable. The visible
// ordering key is (ReceivedDate, EmailID), both descending. Identity
// attributes (sender, domain) never change after creation; the remaining
// attributes are mutable through merges and optimistic mutations.
type FeedItem struct {
	EmailID      string    `json:"email_id"`
	ReceivedDate time.Time `json:"received_date"`

	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name"`
	SourceDomain string `json:"source_domain"`

	Title   string `json:"ai_title,omitempty"`
	Subject string `json:"original_subject,omitempty"`
	Summary string `json:"ai_summary_markdown,omitempty"`

	IsFavorite bool    `json:"is_favorite"`
	TypeTag    TypeTag `json:"type_tag"`
	TopicTag   string  `json:"topic_tag,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
	AccentHex  string  `json:"accent_hex,omitempty"`
}

// Normalize coerces a freshly decoded item into its canonical form:
// lowercased tags, defaulted type, and a source domain derived from the
// sender address when the backend omitted it. Items without an EmailID are
// rejected by the caller, not here.
func (it *FeedItem) Normalize() {
	it.EmailID = strings.TrimSpace(it.EmailID)
	it.TypeTag = TypeTag(strings.ToLower(string(it.TypeTag)))
	if !it.TypeTag.IsValid() {
		it.TypeTag = TypeInformative
	}
	it.TopicTag = strings.ToLower(strings.TrimSpace(it.TopicTag))
	it.SenderEmail = strings.ToLower(strings.TrimSpace(it.SenderEmail))
	if it.SourceDomain == "" {
		if _, dom, ok := strings.Cut(it.SenderEmail, "@"); ok {
			it.SourceDomain = dom
		}
	}
	it.SourceDomain = NormalizeDomain(it.SourceDomain)
}

// OrderBefore reports whether a sorts before b in the visible feed order:
// newer first, ties broken on EmailID lexicographically descending so the
// order matches the backend's cursor semantics.
func OrderBefore(a, b *FeedItem) bool {
	if !a.ReceivedDate.Equal(b.ReceivedDate) {
		return a.ReceivedDate.After(b.ReceivedDate)
	}
	return a.EmailID > b.EmailID
}

// OrderKey returns the cursor value an item anchors: the backend derives the
// "before" token from the last item of a page.
func (it *FeedItem) OrderKey() Cursor {
	return Cursor(it.ReceivedDate.UTC().Format(time.RFC3339Nano) + "|" + it.EmailID)
}
