package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"

	_ "modernc.org/sqlite"
)

//nolint:gochecknoglobals // schema statements
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS run_records (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		lookup_key  TEXT NOT NULL,
		run_id      TEXT NOT NULL DEFAULT '',
		pipeline    TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		stage       TEXT NOT NULL DEFAULT '',
		transform   TEXT NOT NULL,
		inputs      TEXT NOT NULL,
		output      TEXT NOT NULL,
		status      TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_records_lookup ON run_records(lookup_key, status, seq)`,
	`CREATE TRIGGER IF NOT EXISTS run_records_no_update BEFORE UPDATE ON run_records
	BEGIN
		SELECT RAISE(ABORT, 'run_records is append-only');
	END`,
	`CREATE TRIGGER IF NOT EXISTS run_records_no_delete BEFORE DELETE ON run_records
	BEGIN
		SELECT RAISE(ABORT, 'run_records is append-only');
	END`,
}

const recordColumns = `id, run_id, pipeline, environment, stage, transform, inputs, output, status, created_at`

// SQLiteLedger stores records in a local SQLite file. Update and delete are
// blocked by triggers.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) the ledger database at path
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteMigrations {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}

	return &SQLiteLedger{db: db}, nil
}

// Lookup implements Ledger
func (s *SQLiteLedger) Lookup(ctx context.Context, transform string, inputs []dataset.Ref) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM run_records
		WHERE lookup_key = ? AND status = ?
		ORDER BY seq ASC LIMIT 1`,
		Key(transform, inputs), string(StatusSucceeded),
	)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return record, err
}

// Matches implements Ledger
func (s *SQLiteLedger) Matches(ctx context.Context, transform string, inputs []dataset.Ref) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM run_records
		WHERE lookup_key = ? AND status = ?
		ORDER BY seq ASC`,
		Key(transform, inputs), string(StatusSucceeded),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows, Filter{})
}

// Append implements Ledger
func (s *SQLiteLedger) Append(ctx context.Context, record Record) error {
	if err := prepare(&record); err != nil {
		return err
	}

	inputs, err := json.Marshal(record.Inputs)
	if err != nil {
		return err
	}

	output, err := json.Marshal(record.Output)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM run_records WHERE id = ?`, record.ID).Scan(&exists)
	if err == nil {
		return duplicate(record.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_records (lookup_key, `+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Key(),
		record.ID,
		record.RunID,
		record.Pipeline,
		record.Environment,
		record.Stage,
		record.Transform,
		string(inputs),
		string(output),
		string(record.Status),
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}

	return tx.Commit()
}

// Records implements Ledger
func (s *SQLiteLedger) Records(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)

	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}

	query := `SELECT ` + recordColumns + ` FROM run_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanRecords(rows, filter)
	if err != nil {
		return nil, err
	}

	return limit(out, filter.Limit), nil
}

func scanRecords(rows *sql.Rows, filter Filter) ([]Record, error) {
	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		if filter.matches(record) {
			out = append(out, *record)
		}
	}

	return out, rows.Err()
}

// Close implements Ledger
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record    Record
		inputs    string
		output    string
		status    string
		createdAt string
	)

	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.Pipeline,
		&record.Environment,
		&record.Stage,
		&record.Transform,
		&inputs,
		&output,
		&status,
		&createdAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(inputs), &record.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs of record %s: %w", record.ID, err)
	}

	if err := json.Unmarshal([]byte(output), &record.Output); err != nil {
		return nil, fmt.Errorf("failed to decode output of record %s: %w", record.ID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode created_at of record %s: %w", record.ID, err)
	}

	record.Status = Status(status)
	record.CreatedAt = ts

	return &record, nil
}

var _ Ledger = (*SQLiteLedger)(nil)
