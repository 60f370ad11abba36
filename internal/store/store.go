// Package store persists finalized calibrations to SQLite so a node restart
// resumes with the last averaged coefficients.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"ble-locator.klederson.com/internal/model"

	_ "modernc.org/sqlite"
)

// Store holds the latest calibration run. Each Save replaces it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS calibration_runs (
    id TEXT PRIMARY KEY,
    finished_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS beacon_calibrations (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    beacon_id TEXT NOT NULL,
    average REAL NOT NULL,
    PRIMARY KEY (run_id, beacon_id)
);
CREATE TABLE IF NOT EXISTS calibration_samples (
    run_id TEXT NOT NULL,
    beacon_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    position_id INTEGER NOT NULL,
    coefficient REAL NOT NULL
);`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) newRunID() string {
	t := s.now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Save records data as the current calibration, dropping earlier runs.
func (s *Store) Save(ctx context.Context, data []model.CalibrationData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM calibration_samples`,
		`DELETE FROM beacon_calibrations`,
		`DELETE FROM calibration_runs`,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: clear: %w", err)
		}
	}

	runID := s.newRunID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calibration_runs (id, finished_at) VALUES (?, ?)`,
		runID, s.now().UTC().Unix()); err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	for i, d := range data {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO beacon_calibrations (run_id, seq, beacon_id, average) VALUES (?, ?, ?, ?)`,
			runID, i, d.BeaconID, float64(d.Average)); err != nil {
			return fmt.Errorf("store: insert beacon %s: %w", d.BeaconID, err)
		}
		for j, smp := range d.Samples {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO calibration_samples (run_id, beacon_id, seq, position_id, coefficient) VALUES (?, ?, ?, ?, ?)`,
				runID, d.BeaconID, j, int(smp.PositionID), float64(smp.Coefficient)); err != nil {
				return fmt.Errorf("store: insert sample %s/%d: %w", d.BeaconID, smp.PositionID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Load returns the stored calibration in the order it was saved, or nil when
// nothing was saved yet.
func (s *Store) Load(ctx context.Context) ([]model.CalibrationData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT beacon_id, average FROM beacon_calibrations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("store: query beacons: %w", err)
	}
	var out []model.CalibrationData
	index := make(map[string]int)
	for rows.Next() {
		var (
			id  string
			avg float64
		)
		if err := rows.Scan(&id, &avg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan beacon: %w", err)
		}
		index[id] = len(out)
		out = append(out, model.CalibrationData{BeaconID: id, Average: float32(avg)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: beacons: %w", err)
	}

	srows, err := s.db.QueryContext(ctx,
		`SELECT beacon_id, position_id, coefficient FROM calibration_samples ORDER BY beacon_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("store: query samples: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var (
			id    string
			pos   int
			coeff float64
		)
		if err := srows.Scan(&id, &pos, &coeff); err != nil {
			return nil, fmt.Errorf("store: scan sample: %w", err)
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		out[i].Samples = append(out[i].Samples, model.BeaconCoefficients{
			BeaconID:    id,
			PositionID:  uint8(pos),
			Coefficient: float32(coeff),
		})
	}
	if err := srows.Err(); err != nil {
		return nil, fmt.Errorf("store: samples: %w", err)
	}
	return out, nil
}

// LastRun returns the id and finish time of the stored run.
func (s *Store) LastRun(ctx context.Context) (string, time.Time, error) {
	var (
		id string
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, finished_at FROM calibration_runs LIMIT 1`).Scan(&id, &ts)
	if err != nil {
		return "", time.Time{}, err
	}
	return id, time.Unix(ts, 0).UTC(), nil
}
