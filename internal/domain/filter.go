package domain

import "strings"

// ReadFacet selects items by their local read state.
type ReadFacet string

const (
	ReadAny    ReadFacet = ""
	ReadOnly   ReadFacet = "read"
	UnreadOnly ReadFacet = "unread"
)

// Filter is a pure projection over the cached feed. A zero Filter matches
// everything except locally hidden items.
type Filter struct {
	FavoritesOnly bool
	Types         []TypeTag // empty = all types
	Read          ReadFacet
	Topic         string
	Sender        string
}

// Matches applies the non-local facets of the filter. Hidden and read state
// depend on the persisted local sets and are checked by the store.
func (f Filter) Matches(it *FeedItem) bool {
	if f.FavoritesOnly && !it.IsFavorite {
		return false
	}
	if f.Topic != "" && !strings.EqualFold(it.TopicTag, f.Topic) {
		return false
	}
	if f.Sender != "" && !strings.EqualFold(it.SenderEmail, f.Sender) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if it.TypeTag == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
