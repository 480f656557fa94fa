package progress

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_progress (
    user_id      TEXT NOT NULL,
    character_id TEXT NOT NULL,
    dialogue_id  TEXT NOT NULL,
    language_id  TEXT NOT NULL DEFAULT '',
    completed    INTEGER NOT NULL DEFAULT 1,
    score        INTEGER NOT NULL,
    passed       INTEGER NOT NULL,
    completed_at DATETIME NOT NULL,
    UNIQUE (user_id, character_id, dialogue_id)
);
CREATE INDEX IF NOT EXISTS idx_user_progress_user ON user_progress(user_id, completed_at DESC);
`

// SQLiteRecorder is a [Recorder] backed by a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

var _ Recorder = (*SQLiteRecorder)(nil)

// OpenSQLite opens (creating if needed) the database at path in WAL mode
// and applies the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("progress: create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("progress: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("progress: sqlite schema: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// Close closes the database.
func (s *SQLiteRecorder) Close() error { return s.db.Close() }

// Record implements [Recorder].
func (s *SQLiteRecorder) Record(ctx context.Context, r Result) error {
	if err := r.validate(); err != nil {
		return err
	}
	r = r.stamped()

	const query = `
		INSERT INTO user_progress (user_id, character_id, dialogue_id, language_id, completed, score, passed, completed_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (user_id, character_id, dialogue_id) DO UPDATE SET
			language_id  = excluded.language_id,
			completed    = 1,
			score        = excluded.score,
			passed       = excluded.passed,
			completed_at = excluded.completed_at`

	_, err := s.db.ExecContext(ctx, query,
		r.LearnerID, r.CharacterID, r.DialogueID, r.Language, r.ScorePercent, r.Passed, r.At.UTC())
	if err != nil {
		return fmt.Errorf("progress: record: %w", err)
	}
	return nil
}

// Results implements [Recorder].
func (s *SQLiteRecorder) Results(ctx context.Context, learnerID string) ([]Result, error) {
	const query = `
		SELECT user_id, character_id, dialogue_id, language_id, score, passed, completed_at
		FROM user_progress
		WHERE user_id = ?
		ORDER BY completed_at DESC, character_id, dialogue_id`

	rows, err := s.db.QueryContext(ctx, query, learnerID)
	if err != nil {
		return nil, fmt.Errorf("progress: results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r  Result
			at time.Time
		)
		if err := rows.Scan(&r.LearnerID, &r.CharacterID, &r.DialogueID, &r.Language, &r.ScorePercent, &r.Passed, &at); err != nil {
			return nil, fmt.Errorf("progress: results scan: %w", err)
		}
		r.At = at.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: results rows: %w", err)
	}
	return out, nil
}
