package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the batch audit log: one row per bulk action and one per request
// within it.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "idrbulk.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Batches ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// CreateBatch records the start of a batch.
func (s *Store) CreateBatch(b Batch) error {
	state := b.State
	if state == "" {
		state = StateRunning
	}
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO batches (id, created_at, source, status, disposition, assignee, comment, state, total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, formatTime(createdAt), b.Source, b.Status, b.Disposition, b.Assignee, b.Comment, state, b.Total,
	)
	return err
}

// FinishBatch stores the outcomes of a batch and its final tally in one
// transaction.
func (s *Store) FinishBatch(id string, state, errMsg string, finishedAt time.Time, outcomes []OutcomeRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning finish transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM batches WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	counts := map[string]int{}
	for i, o := range outcomes {
		counts[o.Status]++
		if _, err := tx.Exec(`
			INSERT INTO outcomes (batch_id, seq, investigation_id, status, kind, reason,
				req_status, req_disposition, req_assignee, req_comment, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, o.InvestigationID, o.Status, o.Kind, o.Reason,
			o.ReqStatus, o.ReqDisposition, o.ReqAssignee, o.ReqComment,
			formatTime(o.StartedAt), formatTime(o.FinishedAt),
		); err != nil {
			return fmt.Errorf("inserting outcome %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE batches SET finished_at = ?, state = ?, error = ?,
			total = ?, succeeded = ?, partial = ?, failed = ?, skipped = ?
		WHERE id = ?`,
		formatTime(finishedAt), state, errMsg, len(outcomes),
		counts["succeeded"], counts["partial"], counts["failed"], counts["skipped"], id,
	); err != nil {
		return fmt.Errorf("updating batch: %w", err)
	}

	return tx.Commit()
}

const batchColumns = `id, created_at, finished_at, source, status, disposition, assignee, comment,
	state, error, total, succeeded, partial, failed, skipped`

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (Batch, error) {
	var b Batch
	var createdAt, finishedAt string
	if err := row.Scan(&b.ID, &createdAt, &finishedAt, &b.Source, &b.Status, &b.Disposition, &b.Assignee, &b.Comment,
		&b.State, &b.Error, &b.Total, &b.Succeeded, &b.Partial, &b.Failed, &b.Skipped); err != nil {
		return Batch{}, err
	}
	var err error
	if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Batch{}, err
	}
	if b.FinishedAt, err = parseTime("finished_at", finishedAt); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (s *Store) GetBatch(id string) (Batch, error) {
	b, err := scanBatch(s.db.QueryRow(`SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Batch{}, ErrNotFound
	}
	return b, err
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// ListOutcomes returns the outcomes of a batch in completion order. When
// statuses is non-empty only outcomes in one of them are returned.
func (s *Store) ListOutcomes(batchID string, statuses ...string) ([]OutcomeRecord, error) {
	query := `SELECT batch_id, seq, investigation_id, status, kind, reason,
		req_status, req_disposition, req_assignee, req_comment, started_at, finished_at
		FROM outcomes WHERE batch_id = ?`
	args := []any{batchID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var startedAt, finishedAt string
		if err := rows.Scan(&o.BatchID, &o.Seq, &o.InvestigationID, &o.Status, &o.Kind, &o.Reason,
			&o.ReqStatus, &o.ReqDisposition, &o.ReqAssignee, &o.ReqComment, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if o.StartedAt, err = parseTime("started_at", startedAt); err != nil {
			return nil, err
		}
		if o.FinishedAt, err = parseTime("finished_at", finishedAt); err != nil {
			return nil, err
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

// MarkInterrupted flags batches left running by a previous process. Batch
// state is not resumable; it is only kept for the record.
func (s *Store) MarkInterrupted() (int, error) {
	res, err := s.db.Exec(`UPDATE batches SET state = ?, finished_at = ? WHERE state = ?`,
		StateInterrupted, formatTime(time.Now()), StateRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PruneBatches deletes batches created before cutoff, with their outcomes.
func (s *Store) PruneBatches(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM batches WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
