package chainlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver for database/sql
	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Dialect selects placeholder syntax and connection setup for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlTimeout = 5 * time.Second

// SQLStore persists the log, its corrections, incidents and the publish
// journal in a SQL database. It implements Store and DetectorStore.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS entries (
  seq       INTEGER PRIMARY KEY,
  date      TEXT NOT NULL UNIQUE,
  body      TEXT NOT NULL,
  prev_hash TEXT NOT NULL,
  hash      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS corrections (
  date             TEXT NOT NULL UNIQUE,
  replaced_hash    TEXT NOT NULL,
  corrected_at_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS incidents (
  incident_id         TEXT PRIMARY KEY,
  detected_at_utc     TEXT NOT NULL,
  impact              TEXT NOT NULL,
  suspected_cause     TEXT NOT NULL,
  next_update_eta_utc TEXT,
  resolved_at_utc     TEXT,
  summary             TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS publish_records (
  date             TEXT PRIMARY KEY,
  target_utc       TEXT NOT NULL,
  published_at_utc TEXT NOT NULL,
  delay_sec        BIGINT NOT NULL,
  slo_status       TEXT NOT NULL
);
`

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	return openSQL(db, DialectSQLite)
}

// OpenPostgresStore connects to Postgres with a lib/pq DSN and ensures schema.
func OpenPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return openSQL(db, DialectPostgres)
}

func openSQL(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	st := NewSQLStore(db, dialect)
	ctx, cancel := context.WithTimeout(context.Background(), sqlTimeout)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewSQLStore wraps an open database without touching the schema.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates missing tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders for the dialect.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load returns every entry in chain order and the recorded corrections.
func (s *SQLStore) Load(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM entries ORDER BY seq ASC`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return Snapshot{}, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return Snapshot{}, fmt.Errorf("decode entry: %w", err)
		}
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	crow, err := s.db.QueryContext(ctx, `SELECT date, replaced_hash, corrected_at_utc FROM corrections ORDER BY date ASC`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query corrections: %w", err)
	}
	defer crow.Close()
	for crow.Next() {
		var c Correction
		var at string
		if err := crow.Scan(&c.Date, &c.ReplacedHash, &at); err != nil {
			return Snapshot{}, err
		}
		if c.CorrectedAtUTC, err = time.Parse(time.RFC3339, at); err != nil {
			return Snapshot{}, fmt.Errorf("decode correction %s: %w", c.Date, err)
		}
		snap.Corrections = append(snap.Corrections, c)
	}
	return snap, crow.Err()
}

// Commit applies c in one serializable transaction that re-reads the tail.
func (s *SQLStore) Commit(ctx context.Context, c Commit) error {
	ctx, cancel := context.WithTimeout(ctx, sqlTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tail    []Entry
		tailSeq int64
		body    string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, body FROM entries ORDER BY seq DESC LIMIT 1`).Scan(&tailSeq, &body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read tail: %w", err)
	default:
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return fmt.Errorf("decode tail: %w", err)
		}
		tail = []Entry{e}
	}
	// Only the tail is read; an earlier date needs its own lookup to tell a
	// duplicate from an out-of-order append.
	if c.Correction == nil && len(tail) == 1 && c.Entry.Date < tail[0].Date {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM entries WHERE date = ?`), c.Entry.Date).Scan(&n); err != nil {
			return fmt.Errorf("lookup %s: %w", c.Entry.Date, err)
		}
		if n > 0 {
			return &DuplicateDateError{Date: c.Entry.Date}
		}
	}
	if err := checkCommit(tail, c); err != nil {
		return err
	}

	raw, err := json.Marshal(c.Entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", c.Entry.Date, err)
	}

	if c.Correction == nil {
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO entries(seq, date, body, prev_hash, hash) VALUES(?, ?, ?, ?, ?)`),
			tailSeq+1, c.Entry.Date, string(raw), c.Entry.PrevHash, c.Entry.Hash); err != nil {
			return err
		}
		return tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE entries SET body = ?, hash = ? WHERE date = ? AND hash = ?`),
		string(raw), c.Entry.Hash, c.Entry.Date, c.Correction.ReplacedHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return &ImmutableEntryError{Date: c.Entry.Date, Reason: "correction does not target the current tail"}
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO corrections(date, replaced_hash, corrected_at_utc) VALUES(?, ?, ?)`),
		c.Correction.Date, c.Correction.ReplacedHash, formatTime(c.Correction.CorrectedAtUTC)); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveIncident upserts inc.
func (s *SQLStore) SaveIncident(ctx context.Context, inc Incident) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO incidents(incident_id, detected_at_utc, impact, suspected_cause, next_update_eta_utc, resolved_at_utc, summary)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(incident_id) DO UPDATE SET next_update_eta_utc=excluded.next_update_eta_utc, resolved_at_utc=excluded.resolved_at_utc, summary=excluded.summary`),
		inc.ID, formatTime(inc.DetectedAtUTC), string(inc.Impact), inc.SuspectedCause,
		nullTime(inc.NextUpdateETAUTC), nullTime(inc.ResolvedAtUTC), inc.Summary)
	return err
}

const incidentColumns = `incident_id, detected_at_utc, impact, suspected_cause, next_update_eta_utc, resolved_at_utc, summary`

// Incident returns the incident for date.
func (s *SQLStore) Incident(ctx context.Context, date string) (Incident, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`), date)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, false, nil
	}
	if err != nil {
		return Incident{}, false, err
	}
	return inc, true, nil
}

// Incidents returns every incident ordered by date.
func (s *SQLStore) Incidents(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY incident_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(r rowScanner) (Incident, error) {
	var (
		inc              Incident
		detected, impact string
		eta, resolved    sql.NullString
	)
	if err := r.Scan(&inc.ID, &detected, &impact, &inc.SuspectedCause, &eta, &resolved, &inc.Summary); err != nil {
		return Incident{}, err
	}
	inc.Impact = Impact(impact)
	var err error
	if inc.DetectedAtUTC, err = time.Parse(time.RFC3339, detected); err != nil {
		return Incident{}, fmt.Errorf("decode incident %s: %w", inc.ID, err)
	}
	if inc.NextUpdateETAUTC, err = parseNullTime(eta); err != nil {
		return Incident{}, fmt.Errorf("decode incident %s: %w", inc.ID, err)
	}
	if inc.ResolvedAtUTC, err = parseNullTime(resolved); err != nil {
		return Incident{}, fmt.Errorf("decode incident %s: %w", inc.ID, err)
	}
	return inc, nil
}

// SavePublishRecord upserts rec by date.
func (s *SQLStore) SavePublishRecord(ctx context.Context, rec PublishRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO publish_records(date, target_utc, published_at_utc, delay_sec, slo_status)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET target_utc=excluded.target_utc, published_at_utc=excluded.published_at_utc, delay_sec=excluded.delay_sec, slo_status=excluded.slo_status`),
		rec.Date, formatTime(rec.TargetUTC), formatTime(rec.PublishedAtUTC), rec.DelaySec, string(rec.SLOStatus))
	return err
}

// PublishRecords returns records with from <= date <= to. Empty bounds are
// open.
func (s *SQLStore) PublishRecords(ctx context.Context, from, to string) ([]PublishRecord, error) {
	if to == "" {
		to = "9999-12-31"
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT date, target_utc, published_at_utc, delay_sec, slo_status FROM publish_records WHERE date >= ? AND date <= ? ORDER BY date ASC`),
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PublishRecord, 0)
	for rows.Next() {
		var (
			rec                    PublishRecord
			target, published, slo string
		)
		if err := rows.Scan(&rec.Date, &target, &published, &rec.DelaySec, &slo); err != nil {
			return nil, err
		}
		if rec.TargetUTC, err = time.Parse(time.RFC3339, target); err != nil {
			return nil, fmt.Errorf("decode publish record %s: %w", rec.Date, err)
		}
		if rec.PublishedAtUTC, err = time.Parse(time.RFC3339, published); err != nil {
			return nil, fmt.Errorf("decode publish record %s: %w", rec.Date, err)
		}
		rec.SLOStatus = SLOStatus(slo)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
