// Package store owns the single SQLite-backed persistence handle shared by
// every other component: entries, relations, profiles, sessions, scheduled
// items, and the cost ledger. It exposes typed CRUD plus the two
// operations that must be atomic with respect to concurrent callers:
// claiming due scheduled items and recording an UPDATES relation.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the top-level classification of a memory entry.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryEvent        Category = "event"
	CategoryRelationship Category = "relationship"
	CategoryInsight      Category = "insight"
)

// MemoryType tracks an entry's place in the supersession lifecycle.
type MemoryType string

const (
	MemoryTypeStaticProfile  MemoryType = "static_profile"
	MemoryTypeDynamicProfile MemoryType = "dynamic_profile"
	MemoryTypeRegular        MemoryType = "regular"
	MemoryTypeDerived        MemoryType = "derived"
	MemoryTypeSuperseded     MemoryType = "superseded"
)

// RelationType enumerates the directed-edge kinds between entries.
type RelationType string

const (
	RelationUpdates RelationType = "UPDATES"
	RelationExtends RelationType = "EXTENDS"
	RelationDerives RelationType = "DERIVES"
)

// SingleUser is the normalized constant userId in steady state; any
// channel-prefixed identifier is folded onto this value by migrations and
// by write paths that accept a raw channel subject.
const SingleUser = "the user"

// Entry is the atom of memory.
type Entry struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	Content          string         `json:"content"`
	Category         Category       `json:"category"`
	MemoryType       MemoryType     `json:"memoryType"`
	Source           string         `json:"source"`
	Importance       int            `json:"importance"`
	Confidence       float64        `json:"confidence"`
	IsLatest         bool           `json:"isLatest"`
	DocumentDate     time.Time      `json:"documentDate"`
	EventDate        *time.Time     `json:"eventDate,omitempty"`
	Prominence       float64        `json:"prominence"`
	LastAccessed     time.Time      `json:"lastAccessed"`
	AccessCount      int            `json:"accessCount"`
	Embedding        []float32      `json:"embedding,omitempty"`
	Metadata         EntryMetadata  `json:"metadata"`
	TimesConfirmed   int            `json:"timesConfirmed"`
	ContradictionIDs []string       `json:"contradictionIds,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// EntryMetadata is the free-form attribute bag every entry carries. Subject
// is mandatory for facts ("user" or a third party's name).
type EntryMetadata struct {
	Subject          string  `json:"subject"`
	UserSubjectBoost float64 `json:"userSubjectBoost,omitempty"`
	CategoryOverride string  `json:"categoryOverride,omitempty"`
	LearnedFrom      string  `json:"learnedFrom,omitempty"`
	SessionID        string  `json:"sessionId,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Relation is a directed edge between two entries.
type Relation struct {
	ID         string       `json:"id"`
	SourceID   string       `json:"sourceId"`
	TargetID   string       `json:"targetId"`
	Type       RelationType `json:"type"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// DB wraps the shared SQLite handle and exposes the persistence API
// described in the design: typed CRUD, idempotent migrations, and the
// atomic operations that must never race.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	ftsEnabled bool
}

// Config configures database construction. DSN is a plain filesystem path;
// the WAL, busy-timeout, foreign-key and immediate-transaction query
// parameters are always appended.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Open creates (or opens) the SQLite-backed store at cfg.Path, running all
// migrations before returning. The sqlite3 driver is registered by the
// build-tag-selected import in driver_cgo.go / driver_pure.go.
func Open(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	sqlDB, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // single-writer model; see spec §5 concurrency note

	d := &DB{db: sqlDB, logger: logger}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	d.ftsEnabled = d.tryEnableFTS()
	if !d.ftsEnabled {
		logger.Warn("store: FTS5 unavailable, falling back to LIKE search")
	}

	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// FTSEnabled reports whether FTS5 full-text search is active.
func (d *DB) FTSEnabled() bool { return d.ftsEnabled }

// Raw exposes the underlying *sql.DB for packages (e.g. memory's
// WorkingMemoryStore) that need direct access to a sibling table on the
// same connection.
func (d *DB) Raw() *sql.DB { return d.db }

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			source TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 5,
			confidence REAL NOT NULL DEFAULT 1.0,
			is_latest INTEGER NOT NULL DEFAULT 1,
			document_date TEXT NOT NULL,
			event_date TEXT,
			prominence REAL NOT NULL DEFAULT 1.0,
			last_accessed TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			metadata TEXT NOT NULL DEFAULT '{}',
			times_confirmed INTEGER NOT NULL DEFAULT 1,
			contradiction_ids TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
		CREATE INDEX IF NOT EXISTS idx_entries_latest ON entries(is_latest);
		CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source);
		CREATE INDEX IF NOT EXISTS idx_entries_prominence ON entries(prominence);

		CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
		CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		);

		CREATE TABLE IF NOT EXISTS dynamic_profile (
			user_id TEXT PRIMARY KEY,
			recent_topics TEXT,
			mood TEXT,
			active_projects TEXT,
			last_interaction TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS behavioral_patterns (
			user_id TEXT PRIMARY KEY,
			communication_style TEXT,
			message_frequency REAL NOT NULL DEFAULT 0,
			session_engagement REAL NOT NULL DEFAULT 0,
			topic_switch_rate REAL NOT NULL DEFAULT 0,
			response_length_trend REAL NOT NULL DEFAULT 0,
			affect_state TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS session_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS session_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			summary TEXT NOT NULL,
			embedding BLOB,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scheduled_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT,
			trigger_at INTEGER NOT NULL,
			recurring TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			source_memory_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_status_trigger ON scheduled_items(status, trigger_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_user ON scheduled_items(user_id);

		CREATE TABLE IF NOT EXISTS cost_records (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			session_id TEXT,
			conversation_id TEXT,
			user_id TEXT NOT NULL,
			role TEXT,
			task_name TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cost_timestamp ON cost_records(timestamp);

		CREATE TABLE IF NOT EXISTS runtime_keys (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	// Idempotent additive migrations for columns introduced after the
	// initial schema above. Swallow only the "already exists" family of
	// errors so a genuine failure still surfaces.
	additive := []string{
		`ALTER TABLE entries ADD COLUMN contradiction_ids TEXT`,
		`ALTER TABLE scheduled_items ADD COLUMN source_memory_id TEXT`,
		`ALTER TABLE cost_records ADD COLUMN request_id TEXT`,
	}
	for _, stmt := range additive {
		if _, err := d.db.Exec(stmt); err != nil && !isDuplicateColumnErr(err) {
			return fmt.Errorf("additive migration %q: %w", stmt, err)
		}
	}

	if err := d.backfillUserID(); err != nil {
		return fmt.Errorf("backfill user id: %w", err)
	}

	return d.sweepPollutedMemory()
}

func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
}

// backfillUserID consolidates any historical channel-prefixed user id onto
// the single-user constant. Safe to run on every open.
func (d *DB) backfillUserID() error {
	_, err := d.db.Exec(`UPDATE entries SET user_id = ? WHERE user_id != ? AND user_id != ''`, SingleUser, SingleUser)
	return err
}

const pollutedSweepSentinelKey = "polluted_memory_sweep_v1"

// sweepPollutedMemory runs once, ever, per database: it archives (never
// deletes) entries that look like skill outputs, long assistant turns,
// obvious user questions, proactive check-ins, or anything over 300
// characters — categories of noise that predate the current extraction
// rules. A sentinel row in runtime_keys guards re-execution.
func (d *DB) sweepPollutedMemory() error {
	var exists int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM runtime_keys WHERE key = ?`, pollutedSweepSentinelKey).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	_, err = d.db.Exec(`
		UPDATE entries SET is_latest = 0, memory_type = ?
		WHERE is_latest = 1 AND (
			source LIKE 'skill:%'
			OR (source = 'assistant' AND length(content) > 300)
			OR (source = 'user' AND content LIKE '%?%' AND length(content) < 60)
			OR source = '_cleaned_sentinel'
			OR length(content) > 300
		)
	`, MemoryTypeSuperseded)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = d.db.Exec(`INSERT OR IGNORE INTO runtime_keys (key, value, updated_at) VALUES (?, '1', ?)`, pollutedSweepSentinelKey, now)
	return err
}

// tryEnableFTS creates the FTS5 virtual table backing lexical search,
// gracefully degrading to LIKE when the linked SQLite lacks FTS5.
func (d *DB) tryEnableFTS() bool {
	_, err := d.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			content,
			content=entries,
			content_rowid=rowid
		)
	`)
	if err != nil {
		return false
	}
	_, err = d.db.Exec(`INSERT INTO entries_fts(entries_fts) VALUES('rebuild')`)
	return err == nil
}

func (d *DB) rebuildFTS() {
	if !d.ftsEnabled {
		return
	}
	if _, err := d.db.Exec(`INSERT INTO entries_fts(entries_fts) VALUES('rebuild')`); err != nil {
		d.logger.Warn("store: rebuild FTS index failed", "error", err)
	}
}

// --- Entry CRUD ---

// PutEntry inserts a new entry, generating a UUIDv7 id and stamping
// created/updated/accessed timestamps if they are zero.
func (d *DB) PutEntry(e *Entry) (*Entry, error) {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate entry id: %w", err)
		}
		e.ID = id.String()
	}
	if e.UserID == "" {
		e.UserID = SingleUser
	}
	now := time.Now().UTC()
	if e.DocumentDate.IsZero() {
		e.DocumentDate = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	if e.TimesConfirmed == 0 {
		e.TimesConfirmed = 1
	}
	if e.Prominence == 0 {
		e.Prominence = 1.0
	}
	e.CreatedAt, e.UpdatedAt = now, now

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var contraJSON *string
	if len(e.ContradictionIDs) > 0 {
		b, _ := json.Marshal(e.ContradictionIDs)
		s := string(b)
		contraJSON = &s
	}

	_, err = d.db.Exec(`
		INSERT INTO entries (
			id, user_id, content, category, memory_type, source, importance,
			confidence, is_latest, document_date, event_date, prominence,
			last_accessed, access_count, embedding, metadata, times_confirmed,
			contradiction_ids, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, e.ID, e.UserID, e.Content, e.Category, e.MemoryType, e.Source, e.Importance,
		e.Confidence, boolToInt(e.IsLatest), e.DocumentDate.Format(time.RFC3339Nano), nullTime(e.EventDate),
		e.Prominence, e.LastAccessed.Format(time.RFC3339Nano), e.AccessCount, encodeEmbedding(e.Embedding),
		string(metaJSON), e.TimesConfirmed, contraJSON, e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	d.rebuildFTS()
	return e, nil
}

// GetEntry retrieves a single entry by id.
func (d *DB) GetEntry(id string) (*Entry, error) {
	row := d.db.QueryRow(entrySelect+` WHERE id = ?`, id)
	return scanEntry(row)
}

// UpdateEntry persists the full row for an already-existing entry,
// bumping updated_at.
func (d *DB) UpdateEntry(e *Entry) error {
	e.UpdatedAt = time.Now().UTC()
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var contraJSON *string
	if len(e.ContradictionIDs) > 0 {
		b, _ := json.Marshal(e.ContradictionIDs)
		s := string(b)
		contraJSON = &s
	}
	_, err = d.db.Exec(`
		UPDATE entries SET content=?, category=?, memory_type=?, source=?, importance=?,
			confidence=?, is_latest=?, document_date=?, event_date=?, prominence=?,
			last_accessed=?, access_count=?, embedding=?, metadata=?, times_confirmed=?,
			contradiction_ids=?, updated_at=?
		WHERE id=?
	`, e.Content, e.Category, e.MemoryType, e.Source, e.Importance, e.Confidence,
		boolToInt(e.IsLatest), e.DocumentDate.Format(time.RFC3339Nano), nullTime(e.EventDate), e.Prominence,
		e.LastAccessed.Format(time.RFC3339Nano), e.AccessCount, encodeEmbedding(e.Embedding), string(metaJSON),
		e.TimesConfirmed, contraJSON, e.UpdatedAt.Format(time.RFC3339Nano), e.ID)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	d.rebuildFTS()
	return nil
}

// RecordAccess bumps access_count and last_accessed for an entry. Callers
// that consume a search result for context building must call this
// explicitly — search itself never mutates state.
func (d *DB) RecordAccess(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`UPDATE entries SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`, now, id)
	return err
}

// DeleteEntry removes an entry and cascades to incident relations.
func (d *DB) DeleteEntry(id string) error {
	_, err := d.db.Exec(`DELETE FROM entries WHERE id = ?`, id)
	return err
}

// ListBySubject returns active (is_latest) entries whose metadata subject
// matches exactly, most recently updated first.
func (d *DB) ListBySubject(subject string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(entrySelect+`
		WHERE is_latest = 1 AND json_extract(metadata, '$.subject') = ?
		ORDER BY updated_at DESC LIMIT ?
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("list by subject: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByCategory returns active entries of the given category.
func (d *DB) ListByCategory(cat Category, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(entrySelect+`
		WHERE is_latest = 1 AND category = ? ORDER BY updated_at DESC LIMIT ?
	`, cat, limit)
	if err != nil {
		return nil, fmt.Errorf("list by category: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListBySession returns active entries tagged with the given session id in
// their metadata, most recent first.
func (d *DB) ListBySession(sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(entrySelect+`
		WHERE is_latest = 1 AND json_extract(metadata, '$.sessionId') = ?
		ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by session: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListAllActive returns every is_latest entry, for index rebuilds and
// decay passes. Callers should page for large stores; the gardener's
// batch size keeps this bounded in practice.
func (d *DB) ListAllActive() ([]*Entry, error) {
	rows, err := d.db.Query(entrySelect + ` WHERE is_latest = 1`)
	if err != nil {
		return nil, fmt.Errorf("list all active: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SearchLexical runs FTS5 (or LIKE fallback) over active entry content,
// returning ids in relevance order with a normalized [0,1] score.
func (d *DB) SearchLexical(query string, limit int) ([]LexicalHit, error) {
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if d.ftsEnabled {
		hits, err := d.searchFTS(query, limit)
		if err == nil {
			return hits, nil
		}
		d.logger.Warn("store: FTS search failed, falling back to LIKE", "error", err)
	}
	return d.searchLIKE(query, limit)
}

func (d *DB) searchFTS(query string, limit int) ([]LexicalHit, error) {
	sanitized := sanitizeFTS5Query(query)
	if sanitized == "" {
		return nil, nil
	}
	rows, err := d.db.Query(`
		SELECT e.id, bm25(entries_fts) FROM entries_fts
		JOIN entries e ON entries_fts.rowid = e.rowid
		WHERE entries_fts MATCH ? AND e.is_latest = 1
		ORDER BY bm25(entries_fts) LIMIT ?
	`, sanitized, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []LexicalHit
	var maxAbs float64
	for rows.Next() {
		var h LexicalHit
		var rawRank float64
		if err := rows.Scan(&h.ID, &rawRank); err != nil {
			return nil, err
		}
		// bm25() returns negative scores where more-negative is better;
		// normalize into a positive, larger-is-better scale.
		h.Score = -rawRank
		if h.Score > maxAbs {
			maxAbs = h.Score
		}
		hits = append(hits, h)
	}
	if maxAbs > 0 {
		for i := range hits {
			hits[i].Score = hits[i].Score / maxAbs
		}
	}
	return hits, rows.Err()
}

func (d *DB) searchLIKE(query string, limit int) ([]LexicalHit, error) {
	pattern := "%" + query + "%"
	rows, err := d.db.Query(`
		SELECT id FROM entries WHERE is_latest = 1 AND content LIKE ?
		ORDER BY updated_at DESC LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		hits = append(hits, LexicalHit{ID: id, Score: 0.5})
	}
	return hits, rows.Err()
}

// LexicalHit is one entry id scored by the lexical half of hybrid search.
type LexicalHit struct {
	ID    string
	Score float64
}

func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// --- Relations ---

// AddRelation inserts a directed edge. When type is UPDATES, the target
// entry is atomically flipped to is_latest=false, memory_type=superseded
// within the same transaction — this is the one hard supersession
// invariant the whole system relies on.
func (d *DB) AddRelation(ctx context.Context, sourceID, targetID string, typ RelationType, confidence float64) (*Relation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin relation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate relation id: %w", err)
	}
	now := time.Now().UTC()
	rel := &Relation{ID: id.String(), SourceID: sourceID, TargetID: targetID, Type: typ, Confidence: confidence, CreatedAt: now}

	_, err = tx.Exec(`INSERT INTO relations (id, source_id, target_id, type, confidence, created_at) VALUES (?,?,?,?,?,?)`,
		rel.ID, rel.SourceID, rel.TargetID, rel.Type, rel.Confidence, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert relation: %w", err)
	}

	if typ == RelationUpdates {
		_, err = tx.Exec(`UPDATE entries SET is_latest = 0, memory_type = ?, updated_at = ? WHERE id = ?`,
			MemoryTypeSuperseded, now.Format(time.RFC3339Nano), targetID)
		if err != nil {
			return nil, fmt.Errorf("flip superseded target: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit relation tx: %w", err)
	}
	return rel, nil
}

// RelationsFrom returns relations whose source is the given entry id.
func (d *DB) RelationsFrom(sourceID string) ([]*Relation, error) {
	rows, err := d.db.Query(`SELECT id, source_id, target_id, type, confidence, created_at FROM relations WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

func scanRelations(rows *sql.Rows) ([]*Relation, error) {
	var out []*Relation
	for rows.Next() {
		var r Relation
		var createdStr string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Confidence, &createdStr); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Pruning ---

// PruneOldSessions deletes sessions (cascading to messages) started more
// than maxAge ago.
func (d *DB) PruneOldSessions(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := d.db.Exec(`DELETE FROM sessions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneArchivedMemories deletes entries below maxProminence that are no
// longer is_latest, cascading to incident relations.
func (d *DB) PruneArchivedMemories(maxProminence float64) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM entries WHERE prominence < ? AND is_latest = 0`, maxProminence)
	if err != nil {
		return 0, fmt.Errorf("prune archived memories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.rebuildFTS()
	}
	return n, nil
}

// PruneOrphanedRelations removes relations whose source or target entry no
// longer exists. Foreign-key cascades should make this a no-op in normal
// operation; it exists as a defensive sweep for rows written before
// cascading deletes were enabled.
func (d *DB) PruneOrphanedRelations() (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM relations WHERE
			source_id NOT IN (SELECT id FROM entries) OR
			target_id NOT IN (SELECT id FROM entries)
	`)
	if err != nil {
		return 0, fmt.Errorf("prune orphaned relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- runtime_keys (gardener last-fire persistence) ---

// GetRuntimeKey returns the stored value for key, or zero-value/false.
func (d *DB) GetRuntimeKey(key string) (string, bool, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM runtime_keys WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetRuntimeKey upserts a runtime key/value pair.
func (d *DB) SetRuntimeKey(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`
		INSERT INTO runtime_keys (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// --- shared scan/encode helpers ---

const entrySelect = `SELECT id, user_id, content, category, memory_type, source, importance,
	confidence, is_latest, document_date, event_date, prominence, last_accessed,
	access_count, embedding, metadata, times_confirmed, contradiction_ids, created_at, updated_at
	FROM entries`

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var catStr, memTypeStr string
	var isLatestInt, importance int
	var docDateStr, lastAccessedStr, createdStr, updatedStr string
	var eventDateStr, contraRaw sql.NullString
	var embeddingBlob []byte
	var metaRaw string

	err := row.Scan(&e.ID, &e.UserID, &e.Content, &catStr, &memTypeStr, &e.Source, &importance,
		&e.Confidence, &isLatestInt, &docDateStr, &eventDateStr, &e.Prominence, &lastAccessedStr,
		&e.AccessCount, &embeddingBlob, &metaRaw, &e.TimesConfirmed, &contraRaw, &createdStr, &updatedStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.Category = Category(catStr)
	e.MemoryType = MemoryType(memTypeStr)
	e.Importance = importance
	e.IsLatest = isLatestInt != 0
	e.DocumentDate, _ = time.Parse(time.RFC3339Nano, docDateStr)
	if eventDateStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, eventDateStr.String)
		e.EventDate = &t
	}
	e.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessedStr)
	e.Embedding = decodeEmbedding(embeddingBlob)
	_ = json.Unmarshal([]byte(metaRaw), &e.Metadata)
	if contraRaw.Valid {
		_ = json.Unmarshal([]byte(contraRaw.String), &e.ContradictionIDs)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var e Entry
		var catStr, memTypeStr string
		var isLatestInt, importance int
		var docDateStr, lastAccessedStr, createdStr, updatedStr string
		var eventDateStr, contraRaw sql.NullString
		var embeddingBlob []byte
		var metaRaw string

		err := rows.Scan(&e.ID, &e.UserID, &e.Content, &catStr, &memTypeStr, &e.Source, &importance,
			&e.Confidence, &isLatestInt, &docDateStr, &eventDateStr, &e.Prominence, &lastAccessedStr,
			&e.AccessCount, &embeddingBlob, &metaRaw, &e.TimesConfirmed, &contraRaw, &createdStr, &updatedStr)
		if err != nil {
			return nil, err
		}
		e.Category = Category(catStr)
		e.MemoryType = MemoryType(memTypeStr)
		e.Importance = importance
		e.IsLatest = isLatestInt != 0
		e.DocumentDate, _ = time.Parse(time.RFC3339Nano, docDateStr)
		if eventDateStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, eventDateStr.String)
			e.EventDate = &t
		}
		e.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessedStr)
		e.Embedding = decodeEmbedding(embeddingBlob)
		_ = json.Unmarshal([]byte(metaRaw), &e.Metadata)
		if contraRaw.Valid {
			_ = json.Unmarshal([]byte(contraRaw.String), &e.ContradictionIDs)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
