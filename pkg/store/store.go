// Package store persists localization runs in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"lutstorm/internal/models"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("store: run not found")

// schema.sql creates the runs and localizations tables.
//
//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Run describes one acquisition processed by the engine.
type Run struct {
	RunID         string          `json:"run_id"`
	Source        string          `json:"source"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	ParamsJSON    json.RawMessage `json:"params_json,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	FinishedAt    int64           `json:"finished_at,omitempty"`
	Localizations int             `json:"localization_count"`
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun records a new run. params, if not nil, is stored as JSON.
func (s *Store) StartRun(ctx context.Context, source string, width, height int, params interface{}) (*Run, error) {
	run := &Run{
		RunID:     uuid.New().String(),
		Source:    source,
		Width:     width,
		Height:    height,
		CreatedAt: time.Now().UnixNano(),
	}

	var paramsStr interface{}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode run parameters: %w", err)
		}
		run.ParamsJSON = data
		paramsStr = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, source, width, height, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.Width, run.Height, paramsStr, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return run, nil
}

// InsertLocalizations appends mols to a run in one transaction.
func (s *Store) InsertLocalizations(ctx context.Context, runID string, mols []models.Molecule) error {
	if len(mols) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO localizations (run_id, frame, x, y, z, background, peak, fit_x, fit_y, fit_time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range mols {
		_, err := stmt.ExecContext(ctx, runID, m.Frame, m.X, m.Y, m.Z, m.Background, m.Peak, m.FitX, m.FitY, int64(m.FitTime))
		if err != nil {
			return fmt.Errorf("failed to insert localization of frame %d: %w", m.Frame, err)
		}
	}
	return tx.Commit()
}

// FinishRun stamps the end time and the number of stored localizations.
func (s *Store) FinishRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?,
			localization_count = (SELECT COUNT(*) FROM localizations WHERE run_id = ?)
		WHERE run_id = ?`,
		time.Now().UnixNano(), runID, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, source, width, height, params_json, created_at, finished_at, localization_count`

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var (
		run      Run
		params   sql.NullString
		finished sql.NullInt64
	)
	if err := row.Scan(&run.RunID, &run.Source, &run.Width, &run.Height, &params, &run.CreatedAt, &finished, &run.Localizations); err != nil {
		return nil, err
	}
	if params.Valid {
		run.ParamsJSON = json.RawMessage(params.String)
	}
	run.FinishedAt = finished.Int64
	return &run, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListLocalizations returns the localizations of a run in insertion order.
func (s *Store) ListLocalizations(ctx context.Context, runID string) ([]models.Molecule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, x, y, z, background, peak, fit_x, fit_y, fit_time_ns
		FROM localizations
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query localizations: %w", err)
	}
	defer rows.Close()

	var mols []models.Molecule
	for rows.Next() {
		var m models.Molecule
		var fitTime int64
		if err := rows.Scan(&m.Frame, &m.X, &m.Y, &m.Z, &m.Background, &m.Peak, &m.FitX, &m.FitY, &fitTime); err != nil {
			return nil, err
		}
		m.FitTime = time.Duration(fitTime)
		mols = append(mols, m)
	}
	return mols, rows.Err()
}

// DeleteRun removes a run and its localizations.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
