package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lettera-app/feedsync/internal/domain"
)

// Caps for the persisted sets. Oldest entries are trimmed first so the
// database cannot grow without bound across long-lived sessions.
const (
	maxReadItems   = 5000
	maxHiddenItems = 1000
	maxHiddenDoms  = 500
)

// State is the persisted per-identity local state: read-item set, hidden-item
// set, hidden-domain set (mirrors the backend), active filters and the
// preferred image source. Everything is namespaced by userKey.
//
// Persistence is best-effort: if the database cannot be opened or a row fails
// to parse, State degrades to empty in-memory sets and keeps working; reads
// and writes never fail the caller.
type State struct {
	userKey string
	logger  *zap.Logger

	mu      sync.RWMutex
	db      *sql.DB // nil in degraded (memory-only) mode
	read    map[string]struct{}
	hidden  map[string]struct{}
	domains map[string]struct{}
	prefs   map[string]string
}

// Open loads the persisted state for userKey from the SQLite file at path,
// creating schema as needed. Open never returns a fatal error for storage
// problems: it logs and falls back to memory-only mode.
func Open(path, userKey string, logger *zap.Logger) *State {
	s := &State{
		userKey: userKey,
		logger:  logger,
		read:    make(map[string]struct{}),
		hidden:  make(map[string]struct{}),
		domains: make(map[string]struct{}),
		prefs:   make(map[string]string),
	}

	db, err := open(path)
	if err != nil {
		logger.Warn("local state unavailable, using memory only", zap.Error(err))
		return s
	}
	s.db = db
	s.load()
	return s
}

func open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS read_items (
	user_key TEXT NOT NULL,
	email_id TEXT NOT NULL,
	PRIMARY KEY (user_key, email_id)
);

CREATE TABLE IF NOT EXISTS hidden_items (
	user_key TEXT NOT NULL,
	email_id TEXT NOT NULL,
	PRIMARY KEY (user_key, email_id)
);

CREATE TABLE IF NOT EXISTS hidden_domains (
	user_key TEXT NOT NULL,
	domain   TEXT NOT NULL,
	PRIMARY KEY (user_key, domain)
);

CREATE TABLE IF NOT EXISTS prefs (
	user_key TEXT NOT NULL,
	key      TEXT NOT NULL,
	value    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_key, key)
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func (s *State) load() {
	s.loadSet("read_items", "email_id", s.read)
	s.loadSet("hidden_items", "email_id", s.hidden)
	s.loadSet("hidden_domains", "domain", s.domains)

	rows, err := s.db.Query(`SELECT key, value FROM prefs WHERE user_key = ?`, s.userKey)
	if err != nil {
		s.logger.Warn("load prefs failed", zap.Error(err))
		return
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		s.prefs[k] = v
	}
}

func (s *State) loadSet(table, col string, dst map[string]struct{}) {
	rows, err := s.db.Query(`SELECT `+col+` FROM `+table+` WHERE user_key = ?`, s.userKey)
	if err != nil {
		s.logger.Warn("load persisted set failed", zap.String("table", table), zap.Error(err))
		return
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			continue
		}
		dst[v] = struct{}{}
	}
}

func (s *State) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- read set ----

func (s *State) IsRead(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.read[id]
	return ok
}

func (s *State) MarkRead(id string, read bool) {
	s.mu.Lock()
	_, had := s.read[id]
	if read == had {
		s.mu.Unlock()
		return
	}
	if read {
		s.read[id] = struct{}{}
	} else {
		delete(s.read, id)
	}
	s.mu.Unlock()

	if read {
		s.insert("read_items", "email_id", id, maxReadItems)
	} else {
		s.remove("read_items", "email_id", id)
	}
}

// ---- hidden items ----

func (s *State) IsHidden(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hidden[id]
	return ok
}

func (s *State) HideItem(id string) {
	s.mu.Lock()
	if _, had := s.hidden[id]; had {
		s.mu.Unlock()
		return
	}
	s.hidden[id] = struct{}{}
	s.mu.Unlock()
	s.insert("hidden_items", "email_id", id, maxHiddenItems)
}

func (s *State) UnhideItem(id string) {
	s.mu.Lock()
	delete(s.hidden, id)
	s.mu.Unlock()
	s.remove("hidden_items", "email_id", id)
}

// ---- hidden domains ----

func (s *State) IsHiddenDomain(dom string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.domains[domain.NormalizeDomain(dom)]
	return ok
}

func (s *State) HiddenDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	return out
}

// SetHiddenDomains replaces the whole set; it mirrors the backend's
// authoritative list after a settings round-trip or a rollback.
func (s *State) SetHiddenDomains(doms []string) {
	norm := make(map[string]struct{}, len(doms))
	for _, d := range doms {
		if nd := domain.NormalizeDomain(d); nd != "" {
			norm[nd] = struct{}{}
		}
	}

	s.mu.Lock()
	s.domains = norm
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Warn("persist hidden domains failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM hidden_domains WHERE user_key = ?`, s.userKey); err != nil {
		return
	}
	n := 0
	for d := range norm {
		if n >= maxHiddenDoms {
			break
		}
		if _, err := tx.Exec(`INSERT INTO hidden_domains (user_key, domain) VALUES (?, ?)`, s.userKey, d); err != nil {
			return
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("persist hidden domains failed", zap.Error(err))
	}
}

// ---- preferences ----

const (
	prefActiveTypes    = "active_types"
	prefImageSource    = "preferred_image_source"
	defaultImageSource = "pixabay"
)

func (s *State) ActiveTypes() []domain.TypeTag {
	s.mu.RLock()
	raw := s.prefs[prefActiveTypes]
	s.mu.RUnlock()

	if raw == "" {
		return nil
	}
	var tags []domain.TypeTag
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil // degrade to "all types" on parse failure
	}
	valid := tags[:0]
	for _, t := range tags {
		if t.IsValid() {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	return valid
}

func (s *State) SetActiveTypes(tags []domain.TypeTag) {
	b, err := json.Marshal(tags)
	if err != nil {
		return
	}
	s.setPref(prefActiveTypes, string(b))
}

func (s *State) PreferredImageSource() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := s.prefs[prefImageSource]; v != "" {
		return v
	}
	return defaultImageSource
}

func (s *State) SetPreferredImageSource(src string) {
	s.setPref(prefImageSource, src)
}

// ---- persistence helpers ----

func (s *State) setPref(key, value string) {
	s.mu.Lock()
	s.prefs[key] = value
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	_, err := s.db.Exec(`
		INSERT INTO prefs (user_key, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_key, key) DO UPDATE SET value = excluded.value`,
		s.userKey, key, value)
	if err != nil {
		s.logger.Warn("persist pref failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *State) insert(table, col, value string, limit int) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO `+table+` (user_key, `+col+`) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		s.userKey, value)
	if err != nil {
		s.logger.Warn("persist set insert failed", zap.String("table", table), zap.Error(err))
		return
	}
	// Trim oldest rows past the cap (rowid order approximates insertion order).
	_, err = s.db.Exec(`
		DELETE FROM `+table+` WHERE user_key = ? AND rowid IN (
			SELECT rowid FROM `+table+` WHERE user_key = ?
			ORDER BY rowid DESC LIMIT -1 OFFSET ?
		)`, s.userKey, s.userKey, limit)
	if err != nil {
		s.logger.Warn("trim persisted set failed", zap.String("table", table), zap.Error(err))
	}
}

func (s *State) remove(table, col, value string) {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec(
		`DELETE FROM `+table+` WHERE user_key = ? AND `+col+` = ?`,
		s.userKey, value); err != nil {
		s.logger.Warn("persist set delete failed", zap.String("table", table), zap.Error(err))
	}
}
