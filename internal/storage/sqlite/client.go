package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_checksum TEXT,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		last_fetched_at INTEGER,
		UNIQUE(owner_id, ref)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_owner ON sources(owner_id);

	CREATE TABLE IF NOT EXISTS raw_documents (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		content BLOB NOT NULL,
		checksum TEXT NOT NULL,
		FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_raw_source ON raw_documents(source_id, fetched_at);

	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		field_name TEXT NOT NULL,
		value TEXT NOT NULL,
		provenance TEXT NOT NULL,
		source_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		observed_at INTEGER NOT NULL,
		raw_doc_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_facts_owner ON facts(owner_id);
	CREATE INDEX IF NOT EXISTS idx_facts_field ON facts(field_name);
	CREATE INDEX IF NOT EXISTS idx_facts_provenance ON facts(owner_id, provenance);

	CREATE TABLE IF NOT EXISTS snapshots (
		owner_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		narrative TEXT NOT NULL,
		narrative_degraded INTEGER NOT NULL DEFAULT 0,
		structured_facts TEXT NOT NULL,
		audit_trail TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, version)
	);

	CREATE TABLE IF NOT EXISTS profile_heads (
		owner_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		caller_id TEXT,
		query_text TEXT NOT NULL,
		answer TEXT,
		unsynthesized INTEGER DEFAULT 0,
		result_count INTEGER,
		cache_hit INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_caller ON query_history(caller_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_citations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		snapshot_version INTEGER NOT NULL,
		chunk_id TEXT,
		score REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_citations_query ON query_citations(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertSource(src *models.Source) error {
	query := `
		INSERT INTO sources (id, owner_id, ref, type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, ref) DO UPDATE SET
			type = excluded.type,
			status = 'active',
			last_error = NULL
	`

	_, err := c.db.Exec(query, src.ID, src.OwnerID, src.Ref, src.Type, models.SourceStatusActive, src.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}

	logger.Debug("Source upserted", zap.String("source_id", src.ID), zap.String("owner_id", src.OwnerID))
	return nil
}

func (c *Client) GetSource(id string) (*models.Source, error) {
	query := `SELECT id, owner_id, ref, type, status, COALESCE(last_checksum, ''), COALESCE(last_error, ''), created_at, last_fetched_at FROM sources WHERE id = ?`

	var src models.Source
	var createdAt int64
	var lastFetched sql.NullInt64

	err := c.db.QueryRow(query, id).Scan(
		&src.ID,
		&src.OwnerID,
		&src.Ref,
		&src.Type,
		&src.Status,
		&src.LastChecksum,
		&src.LastError,
		&createdAt,
		&lastFetched,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	src.CreatedAt = time.Unix(createdAt, 0)
	if lastFetched.Valid {
		t := time.Unix(lastFetched.Int64, 0)
		src.LastFetchedAt = &t
	}

	return &src, nil
}

func (c *Client) ListSourcesByOwner(ownerID string) ([]models.Source, error) {
	query := `SELECT id, owner_id, ref, type, status, COALESCE(last_checksum, ''), COALESCE(last_error, ''), created_at FROM sources WHERE owner_id = ?`

	rows, err := c.db.Query(query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		var src models.Source
		var createdAt int64
		if err := rows.Scan(&src.ID, &src.OwnerID, &src.Ref, &src.Type, &src.Status, &src.LastChecksum, &src.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		src.CreatedAt = time.Unix(createdAt, 0)
		sources = append(sources, src)
	}

	return sources, rows.Err()
}

func (c *Client) MarkSourceFetched(sourceID, checksum string) error {
	query := `UPDATE sources SET last_checksum = ?, last_fetched_at = ?, status = 'active', last_error = NULL WHERE id = ?`

	if _, err := c.db.Exec(query, checksum, time.Now().Unix(), sourceID); err != nil {
		return fmt.Errorf("failed to mark source fetched: %w", err)
	}
	return nil
}

func (c *Client) MarkSourceFailed(sourceID, reason string) error {
	query := `UPDATE sources SET status = 'failed', last_error = ? WHERE id = ?`

	if _, err := c.db.Exec(query, reason, sourceID); err != nil {
		return fmt.Errorf("failed to mark source failed: %w", err)
	}

	logger.Warn("Source marked failed", zap.String("source_id", sourceID), zap.String("reason", reason))
	return nil
}

func (c *Client) InsertRawDocument(doc *models.RawDocument) error {
	query := `INSERT INTO raw_documents (id, source_id, owner_id, fetched_at, content_type, content, checksum) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := c.db.Exec(query, doc.ID, doc.SourceID, doc.OwnerID, doc.FetchedAt.Unix(), doc.ContentType, doc.Content, doc.Checksum)
	if err != nil {
		return fmt.Errorf("failed to insert raw document: %w", err)
	}

	logger.Debug("Raw document inserted", zap.String("doc_id", doc.ID), zap.String("source_id", doc.SourceID))
	return nil
}

// ReplaceFactsForSource swaps the current fact set derived from one source.
// Superseded values remain recoverable through the raw_documents log.
func (c *Client) ReplaceFactsForSource(ownerID, sourceID string, facts []models.NormalizedFact) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM facts WHERE owner_id = ? AND provenance = ?`, ownerID, sourceID); err != nil {
		return fmt.Errorf("failed to delete stale facts: %w", err)
	}

	insert := `INSERT INTO facts (id, owner_id, field_name, value, provenance, source_type, confidence, observed_at, raw_doc_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, f := range facts {
		if _, err := tx.Exec(insert, f.ID, f.OwnerID, f.FieldName, f.Value, f.Provenance, f.SourceType, f.Confidence, f.ObservedAt.Unix(), f.RawDocID); err != nil {
			return fmt.Errorf("failed to insert fact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit facts: %w", err)
	}

	logger.Debug("Facts replaced",
		zap.String("owner_id", ownerID),
		zap.String("source_id", sourceID),
		zap.Int("count", len(facts)),
	)
	return nil
}

// UpsertUserFact replaces any previous user-declared fact for the same field.
func (c *Client) UpsertUserFact(fact *models.NormalizedFact) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM facts WHERE owner_id = ? AND field_name = ? AND provenance = ?`,
		fact.OwnerID, fact.FieldName, models.ProvenanceUserDeclared)
	if err != nil {
		return fmt.Errorf("failed to delete previous user fact: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO facts (id, owner_id, field_name, value, provenance, source_type, confidence, observed_at, raw_doc_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.OwnerID, fact.FieldName, fact.Value, fact.Provenance, fact.SourceType, fact.Confidence, fact.ObservedAt.Unix(), fact.RawDocID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user fact: %w", err)
	}
	return nil
}

func (c *Client) GetCurrentFacts(ownerID string) ([]models.NormalizedFact, error) {
	query := `SELECT id, owner_id, field_name, value, provenance, source_type, confidence, observed_at, COALESCE(raw_doc_id, '') FROM facts WHERE owner_id = ?`

	rows, err := c.db.Query(query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}
	defer rows.Close()

	var facts []models.NormalizedFact
	for rows.Next() {
		var f models.NormalizedFact
		var observedAt int64
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.FieldName, &f.Value, &f.Provenance, &f.SourceType, &f.Confidence, &observedAt, &f.RawDocID); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		f.ObservedAt = time.Unix(observedAt, 0)
		facts = append(facts, f)
	}

	return facts, rows.Err()
}

// InsertSnapshot appends a snapshot and advances the owner's head pointer in
// the same transaction, so readers never observe a half-committed version.
func (c *Client) InsertSnapshot(snap *models.ProfileSnapshot) error {
	structuredJSON, err := json.Marshal(snap.StructuredFacts)
	if err != nil {
		return fmt.Errorf("failed to marshal structured facts: %w", err)
	}
	auditJSON, err := json.Marshal(snap.AuditTrail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit trail: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	degraded := 0
	if snap.NarrativeDegraded {
		degraded = 1
	}

	_, err = tx.Exec(
		`INSERT INTO snapshots (owner_id, version, narrative, narrative_degraded, structured_facts, audit_trail, content_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.OwnerID, snap.Version, snap.Narrative, degraded, string(structuredJSON), string(auditJSON), snap.ContentHash, snap.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO profile_heads (owner_id, version) VALUES (?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET version = excluded.version`,
		snap.OwnerID, snap.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	logger.Info("Snapshot committed",
		zap.String("owner_id", snap.OwnerID),
		zap.Int64("version", snap.Version),
		zap.String("content_hash", snap.ContentHash),
	)
	return nil
}

func (c *Client) GetCurrentSnapshot(ownerID string) (*models.ProfileSnapshot, error) {
	query := `
		SELECT s.owner_id, s.version, s.narrative, s.narrative_degraded, s.structured_facts, s.audit_trail, s.content_hash, s.created_at
		FROM snapshots s
		JOIN profile_heads h ON h.owner_id = s.owner_id AND h.version = s.version
		WHERE s.owner_id = ?
	`
	return c.scanSnapshot(c.db.QueryRow(query, ownerID))
}

func (c *Client) GetSnapshot(ownerID string, version int64) (*models.ProfileSnapshot, error) {
	query := `SELECT owner_id, version, narrative, narrative_degraded, structured_facts, audit_trail, content_hash, created_at FROM snapshots WHERE owner_id = ? AND version = ?`
	return c.scanSnapshot(c.db.QueryRow(query, ownerID, version))
}

func (c *Client) scanSnapshot(row *sql.Row) (*models.ProfileSnapshot, error) {
	var snap models.ProfileSnapshot
	var degraded int
	var structuredJSON, auditJSON string
	var createdAt int64

	err := row.Scan(&snap.OwnerID, &snap.Version, &snap.Narrative, &degraded, &structuredJSON, &auditJSON, &snap.ContentHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	snap.NarrativeDegraded = degraded == 1
	snap.CreatedAt = time.Unix(createdAt, 0)

	if err := json.Unmarshal([]byte(structuredJSON), &snap.StructuredFacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal structured facts: %w", err)
	}
	if err := json.Unmarshal([]byte(auditJSON), &snap.AuditTrail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit trail: %w", err)
	}

	return &snap, nil
}

// GetHeadVersions returns the current snapshot version per owner. The result
// feeds the cache fingerprint, so ordering is handled by the caller.
func (c *Client) GetHeadVersions() (map[string]int64, error) {
	rows, err := c.db.Query(`SELECT owner_id, version FROM profile_heads`)
	if err != nil {
		return nil, fmt.Errorf("failed to get head versions: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]int64)
	for rows.Next() {
		var owner string
		var version int64
		if err := rows.Scan(&owner, &version); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		heads[owner] = version
	}

	return heads, rows.Err()
}

// GetKnownFieldValues lists distinct values for fields with the given prefix,
// e.g. "skill" → every skill any profile currently claims. Used to pull
// structured filters out of query text.
func (c *Client) GetKnownFieldValues(fieldPrefix string) ([]string, error) {
	rows, err := c.db.Query(`SELECT DISTINCT value FROM facts WHERE field_name LIKE ? || '%'`, fieldPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to get field values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values = append(values, v)
	}

	return values, rows.Err()
}

// FindOwnersBySkill returns owners with a current skill-like fact matching
// value. Backs the hard structured filter for explicit skill: query terms.
func (c *Client) FindOwnersBySkill(value string) ([]string, error) {
	rows, err := c.db.Query(
		`SELECT DISTINCT owner_id FROM facts
		 WHERE (field_name LIKE 'skill%' OR field_name LIKE 'endorsed_skill%' OR field_name = 'languages')
		   AND value LIKE '%' || ? || '%'`,
		value,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find owners by skill: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		owners = append(owners, owner)
	}

	return owners, rows.Err()
}

func (c *Client) InsertQueryRecord(record *models.QueryRecord) error {
	query := `
		INSERT INTO query_history (id, caller_id, query_text, answer, unsynthesized, result_count, cache_hit, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	unsynthesized := 0
	if record.Unsynthesized {
		unsynthesized = 1
	}
	cacheHit := 0
	if record.CacheHit {
		cacheHit = 1
	}

	_, err := c.db.Exec(query,
		record.ID, record.CallerID, record.QueryText, record.Answer,
		unsynthesized, record.ResultCount, cacheHit, record.LatencyMS, record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}
	return nil
}

func (c *Client) InsertQueryCitation(citation *models.QueryCitation) error {
	query := `INSERT INTO query_citations (query_id, owner_id, snapshot_version, chunk_id, score) VALUES (?, ?, ?, ?, ?)`

	_, err := c.db.Exec(query, citation.QueryID, citation.OwnerID, citation.SnapshotVersion, citation.ChunkID, citation.Score)
	if err != nil {
		return fmt.Errorf("failed to insert query citation: %w", err)
	}
	return nil
}

func (c *Client) GetQueryHistory(callerID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, query_text, COALESCE(answer, ''), unsynthesized, result_count, latency_ms, created_at
		FROM query_history
		WHERE caller_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var unsynthesized int
		var createdAt int64

		if err := rows.Scan(&r.ID, &r.QueryText, &r.Answer, &unsynthesized, &r.ResultCount, &r.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Unsynthesized = unsynthesized == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) StoreFeedback(feedback *models.Feedback) error {
	query := `INSERT INTO feedback (query_id, helpful, comment, created_at) VALUES (?, ?, ?, ?)`

	helpful := 0
	if feedback.Helpful {
		helpful = 1
	}

	if _, err := c.db.Exec(query, feedback.QueryID, helpful, feedback.Comment, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.Bool("helpful", feedback.Helpful),
	)
	return nil
}
