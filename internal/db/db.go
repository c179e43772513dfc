// Package db is the sqlite run ledger: one row per training run with its
// outcome, and optionally the ingested samples so a run can be inspected
// or retrained later.
package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signlearn/trainer/internal/dataset"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if needed) the ledger at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the per-connection PRAGMAs in force.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run is one ledger row.
type Run struct {
	ID             string
	Source         string
	Representation string
	StartedAt      time.Time
	FinishedAt     time.Time // zero while running
	Outcome        string
	Accuracy       float64
	NumSamples     int
	Classes        []string
	Drops          map[string]int
	Error          string
}

// Finish is what FinishRun records.
type Finish struct {
	Outcome    string
	Accuracy   float64
	NumSamples int
	Classes    []string
	Drops      map[string]int
	Err        error
}

// CreateRun records the start of a run.
func (db *DB) CreateRun(ctx context.Context, id, source, representation string, started time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, representation, started_at) VALUES (?, ?, ?, ?)`,
		id, source, representation, started.UnixMilli())
	if err != nil {
		return fmt.Errorf("create run %s: %w", id, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (db *DB) FinishRun(ctx context.Context, id string, finished time.Time, f Finish) error {
	classes, err := json.Marshal(orEmpty(f.Classes))
	if err != nil {
		return err
	}
	drops := f.Drops
	if drops == nil {
		drops = map[string]int{}
	}
	dropsJSON, err := json.Marshal(drops)
	if err != nil {
		return err
	}
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	res, err := db.ExecContext(ctx, `
		UPDATE runs
		   SET finished_at = ?, outcome = ?, accuracy = ?, num_samples = ?,
		       classes = ?, drops = ?, error = ?
		 WHERE run_id = ?`,
		finished.UnixMilli(), f.Outcome, f.Accuracy, f.NumSamples,
		string(classes), string(dropsJSON), msg, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Runs lists every run, newest first.
func (db *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, source, representation, started_at, finished_at,
		       COALESCE(outcome, ''), COALESCE(accuracy, 0), num_samples,
		       classes, drops, error
		  FROM runs
		 ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                Run
			started          int64
			finished         sql.NullInt64
			classes, dropsJS string
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Representation, &started, &finished,
			&r.Outcome, &r.Accuracy, &r.NumSamples, &classes, &dropsJS, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		if err := json.Unmarshal([]byte(classes), &r.Classes); err != nil {
			return nil, fmt.Errorf("run %s classes: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(dropsJS), &r.Drops); err != nil {
			return nil, fmt.Errorf("run %s drops: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertSamples stores samples for a run in one transaction. Features are
// kept as little-endian float32.
func (db *DB) InsertSamples(ctx context.Context, runID string, samples []dataset.Sample) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (run_id, seq, label, dim, features) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, s := range samples {
		if _, err := stmt.ExecContext(ctx, runID, i, s.Label, len(s.Features), encodeFeatures(s.Features)); err != nil {
			return fmt.Errorf("insert sample %d of run %s: %w", i, runID, err)
		}
	}
	return tx.Commit()
}

// Samples returns the samples stored for a run in insertion order.
func (db *DB) Samples(ctx context.Context, runID string) ([]dataset.Sample, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT label, dim, features FROM samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dataset.Sample
	for rows.Next() {
		var (
			label string
			dim   int
			blob  []byte
		)
		if err := rows.Scan(&label, &dim, &blob); err != nil {
			return nil, err
		}
		if len(blob) != 4*dim {
			return nil, fmt.Errorf("sample of run %s has %d feature bytes, want %d", runID, len(blob), 4*dim)
		}
		out = append(out, dataset.Sample{Label: label, Features: decodeFeatures(blob)})
	}
	return out, rows.Err()
}

func encodeFeatures(v []float64) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(f)))
	}
	return b
}

func decodeFeatures(b []byte) []float64 {
	out := make([]float64, len(b)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
	}
	return out
}
