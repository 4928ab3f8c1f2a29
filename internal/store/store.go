// Package store provides SQLite-backed persistence for drilling rounds and
// their audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"drillcontrol/pkg/types"
)

// Round is one execution of a task plan.
type Round struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	TaskFile  string     `json:"taskFile"`
	Outcome   string     `json:"outcome,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Event is a persisted audit record.
type Event struct {
	ID string `json:"id"`
	types.AuditRecord
}

// Store provides access to the audit database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite 只允许单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		task_file TEXT,
		outcome TEXT,
		created_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id TEXT PRIMARY KEY,
		round_id TEXT,
		task_file TEXT,
		step_index INTEGER NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		telemetry TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_round_id ON task_events(round_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRound opens a new round for a plan file.
func (s *Store) CreateRound(label, taskFile string) (*Round, error) {
	r := &Round{
		ID:        uuid.New().String(),
		Label:     label,
		TaskFile:  taskFile,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO rounds (id, label, task_file, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Label, r.TaskFile, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert round: %w", err)
	}
	return r, nil
}

// FinishRound records the terminal outcome of a round.
func (s *Store) FinishRound(id, outcome string) error {
	res, err := s.db.Exec(
		`UPDATE rounds SET outcome = ?, ended_at = ? WHERE id = ?`,
		outcome, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("round %s not found", id)
	}
	return nil
}

// GetRound returns nil when the round does not exist.
func (s *Store) GetRound(id string) (*Round, error) {
	r := &Round{}
	var taskFile, outcome sql.NullString
	var endedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, label, task_file, outcome, created_at, ended_at FROM rounds WHERE id = ?`, id,
	).Scan(&r.ID, &r.Label, &taskFile, &outcome, &r.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query round: %w", err)
	}
	r.TaskFile = taskFile.String
	r.Outcome = outcome.String
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return r, nil
}

// ListRounds returns the most recent rounds first.
func (s *Store) ListRounds(limit int) ([]Round, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, label, task_file, outcome, created_at, ended_at FROM rounds ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var rounds []Round
	for rows.Next() {
		var r Round
		var taskFile, outcome sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Label, &taskFile, &outcome, &r.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		r.TaskFile = taskFile.String
		r.Outcome = outcome.String
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// AppendEvent persists one audit record and returns its id.
func (s *Store) AppendEvent(rec types.AuditRecord) (string, error) {
	telemetry, err := json.Marshal(rec.Telemetry)
	if err != nil {
		return "", fmt.Errorf("marshal telemetry: %w", err)
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	id := uuid.New().String()
	_, err = s.db.Exec(
		`INSERT INTO task_events (id, round_id, task_file, step_index, state, reason, telemetry, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.RoundID, rec.TaskFile, rec.StepIndex, rec.State, rec.Reason, string(telemetry), rec.At.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert task event: %w", err)
	}
	return id, nil
}

// ListEvents returns a round's audit trail in insertion order. An empty
// roundID lists events recorded outside any round.
func (s *Store) ListEvents(roundID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, round_id, task_file, step_index, state, reason, telemetry, at FROM task_events WHERE round_id = ? ORDER BY rowid`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var roundCol, taskFile, reason, telemetry sql.NullString
		if err := rows.Scan(&ev.ID, &roundCol, &taskFile, &ev.StepIndex, &ev.State, &reason, &telemetry, &ev.At); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.RoundID = roundCol.String
		ev.TaskFile = taskFile.String
		ev.Reason = reason.String
		if telemetry.Valid && telemetry.String != "" {
			if err := json.Unmarshal([]byte(telemetry.String), &ev.Telemetry); err != nil {
				return nil, fmt.Errorf("decode telemetry of event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
