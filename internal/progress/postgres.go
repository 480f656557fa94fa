package progress

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the user_progress table. Execute it via
// [PostgresRecorder.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS user_progress (
    user_id      TEXT NOT NULL,
    character_id TEXT NOT NULL,
    dialogue_id  TEXT NOT NULL,
    language_id  TEXT NOT NULL DEFAULT '',
    completed    BOOLEAN NOT NULL DEFAULT true,
    score        INTEGER NOT NULL,
    passed       BOOLEAN NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, character_id, dialogue_id)
);
CREATE INDEX IF NOT EXISTS idx_user_progress_user ON user_progress(user_id, completed_at DESC);
`

// DB is the database interface used by [PostgresRecorder]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder is a [Recorder] backed by PostgreSQL.
type PostgresRecorder struct {
	db DB
}

var _ Recorder = (*PostgresRecorder)(nil)

// NewPostgresRecorder creates a [PostgresRecorder]. The caller is
// responsible for calling [PostgresRecorder.Migrate] first.
func NewPostgresRecorder(db DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Migrate executes the [Schema] DDL.
func (p *PostgresRecorder) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("progress: migrate: %w", err)
	}
	return nil
}

// Record implements [Recorder] as an upsert on the learner, character and
// dialogue.
func (p *PostgresRecorder) Record(ctx context.Context, r Result) error {
	if err := r.validate(); err != nil {
		return err
	}
	r = r.stamped()

	const query = `
		INSERT INTO user_progress (user_id, character_id, dialogue_id, language_id, completed, score, passed, completed_at)
		VALUES ($1, $2, $3, $4, true, $5, $6, $7)
		ON CONFLICT (user_id, character_id, dialogue_id) DO UPDATE SET
			language_id  = EXCLUDED.language_id,
			completed    = true,
			score        = EXCLUDED.score,
			passed       = EXCLUDED.passed,
			completed_at = EXCLUDED.completed_at`

	_, err := p.db.Exec(ctx, query, r.LearnerID, r.CharacterID, r.DialogueID, r.Language, r.ScorePercent, r.Passed, r.At)
	if err != nil {
		return fmt.Errorf("progress: record: %w", err)
	}
	return nil
}

// Results implements [Recorder].
func (p *PostgresRecorder) Results(ctx context.Context, learnerID string) ([]Result, error) {
	const query = `
		SELECT user_id, character_id, dialogue_id, language_id, score, passed, completed_at
		FROM user_progress
		WHERE user_id = $1
		ORDER BY completed_at DESC, character_id, dialogue_id`

	rows, err := p.db.Query(ctx, query, learnerID)
	if err != nil {
		return nil, fmt.Errorf("progress: results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.LearnerID, &r.CharacterID, &r.DialogueID, &r.Language, &r.ScorePercent, &r.Passed, &r.At); err != nil {
			return nil, fmt.Errorf("progress: results scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: results rows: %w", err)
	}
	return out, nil
}
