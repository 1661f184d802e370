// Package localstore indexes finalized audit sessions in a local SQLite
// database so summaries, records and computed values can be queried across
// sessions.
package localstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

const currentSchemaVersion = 1

// Store is a session index backed by SQLite. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// DefaultPath is the index location under the user config directory.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "crystalyse-audit", "index.v1.db"), nil
}

// Open creates or opens the index at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database at %s: %w", path, err)
	}
	return newStore(db, path, logger)
}

// OpenMemory opens a private in-memory index, mainly for tests.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection would get its own empty database.
	db.SetMaxOpenConns(1)
	return newStore(db, ":memory:", logger)
}

func newStore(db *sql.DB, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, path: path, log: logger.With("component", "localstore")}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create/migrate schema: %w", err)
	}
	s.log.Debug("index opened", "path", path)
	return s, nil
}

// Path returns the database file, or ":memory:".
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY);`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?);`, currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to insert initial schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to query schema version: %w", err)
	case version > currentSchemaVersion:
		return fmt.Errorf("index schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			s.log.Warn("failed to create index", "sql", idx, "error", err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT NOT NULL PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	materials_found INTEGER NOT NULL,
	with_energy INTEGER NOT NULL,
	registry_entries INTEGER NOT NULL,
	complete INTEGER NOT NULL,
	output_dir TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	summary TEXT NOT NULL -- SessionSummary as JSON
);
CREATE TABLE IF NOT EXISTS records (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	call_id TEXT NOT NULL,
	identifier TEXT NOT NULL,
	property TEXT NOT NULL,
	value REAL,
	unit TEXT NOT NULL,
	source_tool TEXT NOT NULL,
	path TEXT NOT NULL,
	extracted_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_entries (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	artifact_hash TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT NOT NULL,
	source_tool TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	identifiers TEXT NOT NULL, -- JSON array
	properties TEXT NOT NULL,  -- JSON array
	occurrences INTEGER NOT NULL,
	PRIMARY KEY (session_id, artifact_hash)
);
`

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions (started_at DESC);",
	"CREATE INDEX IF NOT EXISTS idx_records_identifier ON records (identifier);",
	"CREATE INDEX IF NOT EXISTS idx_records_session ON records (session_id);",
	"CREATE INDEX IF NOT EXISTS idx_registry_value ON registry_entries (value, unit);",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// SaveSession indexes a finalized session. Saving the same session again
// replaces its rows.
func (s *Store) SaveSession(summary types.SessionSummary, artifacts trace.Artifacts) error {
	if summary.SessionID == "" {
		return errors.New("localstore: session id is required")
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("localstore: encode summary: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"records", "registry_entries", "sessions"} {
		col := "session_id"
		if table == "sessions" {
			col = "id"
		}
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, col), summary.SessionID); err != nil {
			return fmt.Errorf("localstore: clear %s: %w", table, err)
		}
	}

	complete := 0
	if summary.Complete {
		complete = 1
	}
	if _, err := tx.Exec(`
	INSERT INTO sessions (id, started_at, ended_at, record_count, materials_found, with_energy, registry_entries, complete, output_dir, indexed_at, summary)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		summary.SessionID, formatTime(summary.StartedAt), formatTime(summary.EndedAt),
		summary.RecordCount, summary.MaterialsFound, summary.WithEnergy, summary.RegistryEntries,
		complete, summary.OutputDir, formatTime(time.Now()), string(summaryJSON),
	); err != nil {
		return fmt.Errorf("localstore: insert session %s: %w", summary.SessionID, err)
	}

	recStmt, err := tx.Prepare(`
	INSERT INTO records (session_id, call_id, identifier, property, value, unit, source_tool, path, extracted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("localstore: failed to prepare statement: %w", err)
	}
	defer recStmt.Close()
	for _, inv := range artifacts.Invocations {
		for _, r := range inv.Records {
			var value sql.NullFloat64
			if r.Value != nil {
				value = sql.NullFloat64{Float64: *r.Value, Valid: true}
			}
			if _, err := recStmt.Exec(summary.SessionID, r.CallID, r.Identifier, r.Property, value, r.Unit, r.SourceTool, r.Path, formatTime(r.ExtractedAt)); err != nil {
				return fmt.Errorf("localstore: insert record for call %s: %w", r.CallID, err)
			}
		}
	}

	entryStmt, err := tx.Prepare(`
	INSERT INTO registry_entries (session_id, artifact_hash, value, unit, source_tool, first_seen_at, identifiers, properties, occurrences)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("localstore: failed to prepare statement: %w", err)
	}
	defer entryStmt.Close()
	for _, e := range artifacts.Registry {
		ids, _ := json.Marshal(nonNil(e.Identifiers))
		props, _ := json.Marshal(nonNil(e.Properties))
		if _, err := entryStmt.Exec(summary.SessionID, e.ArtifactHash, e.Value, e.Unit, e.SourceTool, formatTime(e.FirstSeenAt), string(ids), string(props), e.Occurrences); err != nil {
			return fmt.Errorf("localstore: insert registry entry %s: %w", e.ArtifactHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: failed to commit transaction: %w", err)
	}
	s.log.Debug("session indexed", "session_id", summary.SessionID, "registry_entries", len(artifacts.Registry))
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SessionFilters narrow QuerySessions. All set filters are ANDed.
type SessionFilters struct {
	Status     string // "complete" or "incomplete"
	SearchTerm string // substring of id or output dir
}

// QuerySessionsResult is one page of sessions, newest first.
type QuerySessionsResult struct {
	Sessions   []types.SessionSummary `json:"sessions"`
	TotalCount int                    `json:"total_count"`
	Page       int                    `json:"page"`
	Limit      int                    `json:"limit"`
}

func pageBounds(page, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	return page, limit, (page - 1) * limit
}

// QuerySessions returns a filtered page of session summaries.
func (s *Store) QuerySessions(filters SessionFilters, page, limit int) (*QuerySessionsResult, error) {
	page, limit, offset := pageBounds(page, limit)

	where := []string{"1 = 1"}
	var args []any
	switch filters.Status {
	case "":
	case "complete":
		where = append(where, "complete = 1")
	case "incomplete":
		where = append(where, "complete = 0")
	default:
		return nil, fmt.Errorf("localstore: unknown status filter %q", filters.Status)
	}
	if filters.SearchTerm != "" {
		pattern := "%" + filters.SearchTerm + "%"
		where = append(where, "(id LIKE ? OR output_dir LIKE ?)")
		args = append(args, pattern, pattern)
	}
	whereStr := strings.Join(where, " AND ")

	rows, err := s.db.Query("SELECT summary FROM sessions WHERE "+whereStr+" ORDER BY started_at DESC, id LIMIT ? OFFSET ?", append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to query sessions: %w", err)
	}
	defer rows.Close()

	res := &QuerySessionsResult{Sessions: []types.SessionSummary{}, Page: page, Limit: limit}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("localstore: failed to scan session row: %w", err)
		}
		var summary types.SessionSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			return nil, fmt.Errorf("localstore: decode summary: %w", err)
		}
		res.Sessions = append(res.Sessions, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: error iterating session rows: %w", err)
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE "+whereStr, args...).Scan(&res.TotalCount); err != nil {
		return nil, fmt.Errorf("localstore: failed to count sessions: %w", err)
	}
	return res, nil
}

// GetSession returns one session summary, or nil if it is not indexed.
func (s *Store) GetSession(id string) (*types.SessionSummary, error) {
	var raw string
	err := s.db.QueryRow("SELECT summary FROM sessions WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to get session %s: %w", id, err)
	}
	var summary types.SessionSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, fmt.Errorf("localstore: decode summary: %w", err)
	}
	return &summary, nil
}

// RecordFilters narrow QueryRecords. All set filters are ANDed.
type RecordFilters struct {
	SessionID  string
	Identifier string
	Property   string
	SourceTool string
	WithValue  bool // only records carrying a value
}

// RecordRow is an indexed record with the session it came from.
type RecordRow struct {
	SessionID string `json:"session_id"`
	types.Record
}

// QueryRecordsResult is one page of records.
type QueryRecordsResult struct {
	Records    []RecordRow `json:"records"`
	TotalCount int         `json:"total_count"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
}

// QueryRecords returns a filtered page of records in insertion order.
func (s *Store) QueryRecords(filters RecordFilters, page, limit int) (*QueryRecordsResult, error) {
	page, limit, offset := pageBounds(page, limit)

	where := []string{"1 = 1"}
	var args []any
	for col, v := range map[string]string{
		"session_id":  filters.SessionID,
		"identifier":  filters.Identifier,
		"property":    filters.Property,
		"source_tool": filters.SourceTool,
	} {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	if filters.WithValue {
		where = append(where, "value IS NOT NULL")
	}
	whereStr := strings.Join(where, " AND ")

	rows, err := s.db.Query("SELECT session_id, call_id, identifier, property, value, unit, source_tool, path, extracted_at FROM records WHERE "+whereStr+" ORDER BY rowid LIMIT ? OFFSET ?", append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to query records: %w", err)
	}
	defer rows.Close()

	res := &QueryRecordsResult{Records: []RecordRow{}, Page: page, Limit: limit}
	for rows.Next() {
		var r RecordRow
		var value sql.NullFloat64
		var extractedAt string
		if err := rows.Scan(&r.SessionID, &r.CallID, &r.Identifier, &r.Property, &value, &r.Unit, &r.SourceTool, &r.Path, &extractedAt); err != nil {
			return nil, fmt.Errorf("localstore: failed to scan record row: %w", err)
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		r.ExtractedAt = parseTime(extractedAt)
		res.Records = append(res.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: error iterating record rows: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE "+whereStr, args...).Scan(&res.TotalCount); err != nil {
		return nil, fmt.Errorf("localstore: failed to count records: %w", err)
	}
	return res, nil
}

// ValueMatch is a registry entry found in some session.
type ValueMatch struct {
	SessionID string `json:"session_id"`
	types.RegistryEntry
}

// FindValue returns every session that computed value in unit. Values are
// compared as stored, i.e. already canonically rounded.
func (s *Store) FindValue(value float64, unit string) ([]ValueMatch, error) {
	rows, err := s.db.Query(`SELECT session_id, artifact_hash, value, unit, source_tool, first_seen_at, identifiers, properties, occurrences
	FROM registry_entries WHERE value = ? AND unit = ? ORDER BY first_seen_at, session_id`, value, unit)
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to query registry entries: %w", err)
	}
	defer rows.Close()

	out := []ValueMatch{}
	for rows.Next() {
		var m ValueMatch
		var firstSeen, ids, props string
		if err := rows.Scan(&m.SessionID, &m.ArtifactHash, &m.Value, &m.Unit, &m.SourceTool, &firstSeen, &ids, &props, &m.Occurrences); err != nil {
			return nil, fmt.Errorf("localstore: failed to scan registry row: %w", err)
		}
		m.FirstSeenAt = parseTime(firstSeen)
		if err := json.Unmarshal([]byte(ids), &m.Identifiers); err != nil {
			s.log.Warn("bad identifiers column", "artifact_hash", m.ArtifactHash, "error", err)
		}
		if err := json.Unmarshal([]byte(props), &m.Properties); err != nil {
			s.log.Warn("bad properties column", "artifact_hash", m.ArtifactHash, "error", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear removes every indexed session.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"records", "registry_entries", "sessions"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("localstore: clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
