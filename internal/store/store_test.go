package store_test

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lettera-app/feedsync/internal/domain"
	"github.com/lettera-app/feedsync/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// item builds a feed item whose received date decreases with n, so item(0)
// is the newest.
func item(n int) domain.FeedItem {
	return domain.FeedItem{
		EmailID:      fmt.Sprintf("id-%03d", n),
		ReceivedDate: base.Add(-time.Duration(n) * time.Minute),
		SenderEmail:  "news@example.com",
		SourceDomain: "example.com",
		TypeTag:      domain.TypeNewsletter,
	}
}

func itemsRange(from, to int) []domain.FeedItem {
	var out []domain.FeedItem
	for n := from; n < to; n++ {
		out = append(out, item(n))
	}
	return out
}

func TestStore_Upsert_OrderIsCanonical(t *testing.T) {
	s := store.New(100, zap.NewNop())

	// Append an older page first, then prepend newer items: visible order
	// must come out newest-first regardless of arrival path.
	s.Upsert(itemsRange(10, 20), false)
	s.Upsert(itemsRange(0, 5), true)
	s.Upsert(itemsRange(5, 10), false)

	all := s.All()
	if len(all) != 20 {
		t.Fatalf("expected 20 items, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ReceivedDate.After(all[i-1].ReceivedDate) {
			t.Fatalf("order violated at %d: %v after %v", i, all[i].ReceivedDate, all[i-1].ReceivedDate)
		}
	}
}

func TestStore_Upsert_TieBreaksOnEmailID(t *testing.T) {
	s := store.New(100, zap.NewNop())
	a := domain.FeedItem{EmailID: "aaa", ReceivedDate: base}
	b := domain.FeedItem{EmailID: "zzz", ReceivedDate: base}
	s.Upsert([]domain.FeedItem{a, b}, false)

	all := s.All()
	if all[0].EmailID != "zzz" || all[1].EmailID != "aaa" {
		t.Fatalf("expected email id descending on equal dates, got %s, %s", all[0].EmailID, all[1].EmailID)
	}
}

func TestStore_Upsert_ReplacesInPlace(t *testing.T) {
	s := store.New(100, zap.NewNop())
	s.Upsert(itemsRange(0, 5), false)

	updated := item(2)
	updated.Title = "refreshed"
	fresh, _ := s.Upsert([]domain.FeedItem{updated}, true)
	if fresh != 0 {
		t.Fatalf("replacement must not count as fresh, got %d", fresh)
	}
	if s.Len() != 5 {
		t.Fatalf("expected 5 items, got %d", s.Len())
	}
	got, _ := s.Get(updated.EmailID)
	if got.Title != "refreshed" {
		t.Fatalf("expected updated title, got %q", got.Title)
	}
}

func TestStore_Upsert_Idempotent(t *testing.T) {
	s := store.New(100, zap.NewNop())
	page := itemsRange(0, 10)
	s.Upsert(page, false)
	before := s.All()

	fresh, evicted := s.Upsert(page, false)
	if fresh != 0 || evicted != 0 {
		t.Fatalf("re-merge must be a no-op, fresh=%d evicted=%d", fresh, evicted)
	}
	after := s.All()
	for i := range before {
		if before[i].EmailID != after[i].EmailID {
			t.Fatalf("order changed at %d after idempotent merge", i)
		}
	}
}

func TestStore_CapEvictsOldestAndReleases(t *testing.T) {
	var released []string
	s := store.New(10, zap.NewNop(),
		store.WithReleaseHook(func(id string) { released = append(released, id) }),
	)

	s.Upsert(itemsRange(0, 15), false)

	if s.Len() != 10 {
		t.Fatalf("expected cap of 10, got %d", s.Len())
	}
	if len(released) != 5 {
		t.Fatalf("expected 5 released ids, got %d", len(released))
	}
	// Victims must be the oldest tail, never the newest items.
	for _, id := range released {
		if id < "id-010" {
			t.Fatalf("evicted a new item: %s", id)
		}
	}
	if _, ok := s.Get("id-000"); !ok {
		t.Fatal("newest item must survive eviction")
	}
}

type fakeLocal struct {
	read    map[string]bool
	hidden  map[string]bool
	domains map[string]bool
}

func (f *fakeLocal) IsRead(id string) bool          { return f.read[id] }
func (f *fakeLocal) IsHidden(id string) bool        { return f.hidden[id] }
func (f *fakeLocal) IsHiddenDomain(dom string) bool { return f.domains[dom] }

func TestStore_Filtered_HiddenAndRead(t *testing.T) {
	local := &fakeLocal{
		read:    map[string]bool{"id-001": true},
		hidden:  map[string]bool{"id-002": true},
		domains: map[string]bool{},
	}
	s := store.New(100, zap.NewNop(), store.WithLocalState(local))
	s.Upsert(itemsRange(0, 4), false)

	visible := s.Filtered(domain.Filter{})
	if len(visible) != 3 {
		t.Fatalf("expected hidden item excluded, got %d items", len(visible))
	}

	unread := s.Filtered(domain.Filter{Read: domain.UnreadOnly})
	for _, it := range unread {
		if it.EmailID == "id-001" {
			t.Fatal("read item leaked into unread view")
		}
	}

	read := s.Filtered(domain.Filter{Read: domain.ReadOnly})
	if len(read) != 1 || read[0].EmailID != "id-001" {
		t.Fatalf("expected exactly the read item, got %v", read)
	}
}

func TestStore_Filtered_HiddenDomain(t *testing.T) {
	local := &fakeLocal{
		read: map[string]bool{}, hidden: map[string]bool{},
		domains: map[string]bool{"example.com": true},
	}
	s := store.New(100, zap.NewNop(), store.WithLocalState(local))
	s.Upsert(itemsRange(0, 3), false)

	other := item(99)
	other.EmailID = "keep-1"
	other.SourceDomain = "other.org"
	s.Upsert([]domain.FeedItem{other}, false)

	visible := s.Filtered(domain.Filter{})
	if len(visible) != 1 || visible[0].EmailID != "keep-1" {
		t.Fatalf("expected only the non-hidden-domain item, got %v", visible)
	}
}

func TestStore_DomainCounts(t *testing.T) {
	s := store.New(100, zap.NewNop())
	s.Upsert(itemsRange(0, 3), false)
	other := item(50)
	other.SourceDomain = "other.org"
	s.Upsert([]domain.FeedItem{other}, false)

	counts := s.DomainCounts()
	if counts["example.com"] != 3 || counts["other.org"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestStore_SnapshotMutateRestore(t *testing.T) {
	s := store.New(100, zap.NewNop())
	s.Upsert(itemsRange(0, 3), false)

	ids := []string{"id-000", "id-001"}
	snap := s.Snapshot(ids)

	s.Mutate(ids, func(it *domain.FeedItem) { it.IsFavorite = true })
	for _, id := range ids {
		if it, _ := s.Get(id); !it.IsFavorite {
			t.Fatalf("mutation not applied to %s", id)
		}
	}

	s.Restore(snap)
	for _, id := range ids {
		if it, _ := s.Get(id); it.IsFavorite {
			t.Fatalf("restore did not revert %s", id)
		}
	}
}

type countingListener struct {
	domain.NopListener
	changed int
}

func (c *countingListener) ItemsChanged() { c.changed++ }

func TestStore_Reset(t *testing.T) {
	var released []string
	l := &countingListener{}
	s := store.New(100, zap.NewNop(),
		store.WithReleaseHook(func(id string) { released = append(released, id) }),
		store.WithListener(l),
	)
	s.Upsert(itemsRange(0, 5), false)

	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	if len(released) != 5 {
		t.Fatalf("expected all images released, got %d", len(released))
	}
	if l.changed == 0 {
		t.Fatal("expected listener notification")
	}
}
