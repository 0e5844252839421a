package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/HatiCode/vigil/pkg/severity"
)

var journalMigrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS records (
    id         TEXT PRIMARY KEY,
    stream     TEXT NOT NULL DEFAULT '',
    source     TEXT NOT NULL DEFAULT '',
    ts_unix_ns INTEGER NOT NULL,
    label      INTEGER NOT NULL,
    score      REAL NOT NULL,
    severity   INTEGER NOT NULL,
    points     INTEGER NOT NULL DEFAULT 0,
    metrics    TEXT NOT NULL DEFAULT '{}',
    labels     TEXT NOT NULL DEFAULT '{}',
    degraded   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_stream_ts ON records(stream, ts_unix_ns);
CREATE INDEX IF NOT EXISTS idx_records_severity ON records(severity);
`,
	},
}

// Journal is a Sink that persists records in SQLite so reports can be
// built from history.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal at path and applies pending
// migrations. ":memory:" gives a private in-memory journal.
func OpenJournal(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite has a single writer. One connection serializes writers in this
	// process, busy_timeout waits out writers in others, and an in-memory
	// database must not be split across pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range journalMigrations {
		var count int
		if err := j.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := j.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := j.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

// Send stores rec. Records are write-once: a second send of the same ID is
// ignored.
func (j *Journal) Send(ctx context.Context, rec severity.Record) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	labels := []byte("{}")
	if len(rec.Labels) > 0 {
		if labels, err = json.Marshal(rec.Labels); err != nil {
			return fmt.Errorf("marshal labels: %w", err)
		}
	}

	_, err = j.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO records(id, stream, source, ts_unix_ns, label, score, severity, points, metrics, labels, degraded)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.Stream, rec.Source, rec.Timestamp.UnixNano(), rec.Label, rec.Score,
		int(rec.Severity), rec.Points, string(metrics), string(labels), rec.Degraded,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Query selects journal records. Zero fields do not filter.
type Query struct {
	Stream        string
	From, To      time.Time
	AnomalousOnly bool
	MinSeverity   severity.Tier
	// Limit keeps the most recent records when > 0.
	Limit int
}

// Records returns the records matching q, oldest first.
func (j *Journal) Records(ctx context.Context, q Query) ([]severity.Record, error) {
	query := `SELECT id, stream, source, ts_unix_ns, label, score, severity, points, metrics, labels, degraded FROM records WHERE 1=1`
	args := []any{}

	if q.Stream != "" {
		query += ` AND stream = ?`
		args = append(args, q.Stream)
	}
	if !q.From.IsZero() {
		query += ` AND ts_unix_ns >= ?`
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		query += ` AND ts_unix_ns <= ?`
		args = append(args, q.To.UnixNano())
	}
	if q.AnomalousOnly {
		query += ` AND label = -1`
	}
	if q.MinSeverity > severity.Low {
		query += ` AND severity >= ?`
		args = append(args, int(q.MinSeverity))
	}
	query += ` ORDER BY ts_unix_ns DESC, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []severity.Record
	for rows.Next() {
		var (
			rec             severity.Record
			tsNanos         int64
			tier            int
			metrics, labels string
		)
		if err := rows.Scan(&rec.ID, &rec.Stream, &rec.Source, &tsNanos, &rec.Label, &rec.Score,
			&tier, &rec.Points, &metrics, &labels, &rec.Degraded); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, tsNanos).UTC()
		rec.Severity = severity.Tier(tier)
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics of %s: %w", rec.ID, err)
		}
		if labels != "{}" {
			if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
				return nil, fmt.Errorf("decode labels of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// CountBySeverity returns the number of anomalous records per tier.
func (j *Journal) CountBySeverity(ctx context.Context, stream string) (map[severity.Tier]int, error) {
	query := `SELECT severity, COUNT(*) FROM records WHERE label = -1`
	args := []any{}
	if stream != "" {
		query += ` AND stream = ?`
		args = append(args, stream)
	}
	query += ` GROUP BY severity`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	out := make(map[severity.Tier]int)
	for rows.Next() {
		var tier, n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		out[severity.Tier(tier)] = n
	}
	return out, rows.Err()
}
