package db

import (
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var database *sql.DB

var ErrNotInitialized = errors.New("database not initialized")

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// InitDB opens the SQLite file at path and creates the schema.
func InitDB(path string) error {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        name TEXT,
        from_season INTEGER,
        to_season INTEGER,
        features TEXT NOT NULL,
        row_count INTEGER DEFAULT 0,
        skipped_rows INTEGER DEFAULT 0,
        accuracy REAL,
        val_accuracy REAL,
        loss REAL,
        val_loss REAL,
        status TEXT NOT NULL,
        error TEXT,
        started_at DATETIME NOT NULL,
        finished_at DATETIME NOT NULL,
        UNIQUE(run_id)
    );
    CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs(started_at);
    `
	if _, err := conn.Exec(query); err != nil {
		conn.Close()
		return err
	}
	if database != nil {
		database.Close()
	}
	database = conn
	return nil
}

// Close releases the database handle.
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type TrainingRun struct {
	RunID       string    `json:"run_id"`
	Name        string    `json:"name,omitempty"`
	FromSeason  *int      `json:"from_season,omitempty"`
	ToSeason    *int      `json:"to_season,omitempty"`
	Features    []string  `json:"features"`
	Rows        int       `json:"rows"`
	SkippedRows int       `json:"skipped_rows"`
	Accuracy    float64   `json:"accuracy"`
	ValAccuracy float64   `json:"val_accuracy"`
	Loss        float64   `json:"loss"`
	ValLoss     float64   `json:"val_loss"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func SaveTrainingRun(run TrainingRun) error {
	if database == nil {
		return ErrNotInitialized
	}
	if run.RunID == "" {
		return errors.New("run id required")
	}
	_, err := database.Exec(`
        INSERT OR REPLACE INTO training_runs (
            run_id, name, from_season, to_season, features, row_count, skipped_rows,
            accuracy, val_accuracy, loss, val_loss, status, error, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		run.RunID,
		run.Name,
		nullableInt(run.FromSeason),
		nullableInt(run.ToSeason),
		strings.Join(run.Features, ","),
		run.Rows,
		run.SkippedRows,
		finiteOrNull(run.Accuracy),
		finiteOrNull(run.ValAccuracy),
		finiteOrNull(run.Loss),
		finiteOrNull(run.ValLoss),
		run.Status,
		run.Error,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
	)
	return err
}

// LoadTrainingRuns returns the newest runs first. limit <= 0 means all.
func LoadTrainingRuns(limit int) ([]TrainingRun, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := database.Query(`
        SELECT run_id, name, from_season, to_season, features, row_count, skipped_rows,
               accuracy, val_accuracy, loss, val_loss, status, error, started_at, finished_at
        FROM training_runs
        ORDER BY started_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var name, features, errText sql.NullString
		var from, to sql.NullInt64
		var acc, valAcc, loss, valLoss sql.NullFloat64
		if err := rows.Scan(&run.RunID, &name, &from, &to, &features, &run.Rows, &run.SkippedRows,
			&acc, &valAcc, &loss, &valLoss, &run.Status, &errText, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Name = name.String
		run.Error = errText.String
		if from.Valid {
			v := int(from.Int64)
			run.FromSeason = &v
		}
		if to.Valid {
			v := int(to.Int64)
			run.ToSeason = &v
		}
		if features.String != "" {
			run.Features = strings.Split(features.String, ",")
		}
		run.Accuracy = acc.Float64
		run.ValAccuracy = valAcc.Float64
		run.Loss = loss.Float64
		run.ValLoss = valLoss.Float64
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunStore exposes the package functions through an interface-friendly value.
type RunStore struct{}

func (RunStore) SaveTrainingRun(run TrainingRun) error {
	return SaveTrainingRun(run)
}

func (RunStore) LoadTrainingRuns(limit int) ([]TrainingRun, error) {
	return LoadTrainingRuns(limit)
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func finiteOrNull(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
