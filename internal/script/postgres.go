package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/glossa/pkg/types"
)

// Schema is the SQL DDL for the dialogues table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS dialogues (
    character_id TEXT NOT NULL,
    dialogue_id  TEXT NOT NULL,
    title        TEXT NOT NULL DEFAULT '',
    last_step    INTEGER NOT NULL DEFAULT 0,
    turns        JSONB NOT NULL DEFAULT '[]',
    words        JSONB NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (character_id, dialogue_id)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Turns and words are
// stored as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore]. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("script: migrate: %w", err)
	}
	return nil
}

// Dialogue implements [Store].
func (s *PostgresStore) Dialogue(ctx context.Context, characterID, dialogueID string) (types.Dialogue, error) {
	const query = `
		SELECT title, last_step, turns, words
		FROM dialogues
		WHERE character_id = $1 AND dialogue_id = $2`

	d := types.Dialogue{ID: dialogueID, CharacterID: characterID}
	var turnsJSON, wordsJSON []byte
	err := s.db.QueryRow(ctx, query, characterID, dialogueID).Scan(&d.Title, &d.LastStep, &turnsJSON, &wordsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Dialogue{}, fmt.Errorf("%w: %s/%s", ErrNotFound, characterID, dialogueID)
		}
		return types.Dialogue{}, fmt.Errorf("script: get dialogue: %w", err)
	}
	if err := json.Unmarshal(turnsJSON, &d.Turns); err != nil {
		return types.Dialogue{}, fmt.Errorf("script: unmarshal turns: %w", err)
	}
	if err := json.Unmarshal(wordsJSON, &d.Words); err != nil {
		return types.Dialogue{}, fmt.Errorf("script: unmarshal words: %w", err)
	}
	return d, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, characterID string) ([]Summary, error) {
	const query = `
		SELECT character_id, dialogue_id, title,
		       jsonb_array_length(turns), jsonb_array_length(words)
		FROM dialogues
		WHERE $1 = '' OR character_id = $1
		ORDER BY character_id, dialogue_id`

	rows, err := s.db.Query(ctx, query, characterID)
	if err != nil {
		return nil, fmt.Errorf("script: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.CharacterID, &sum.DialogueID, &sum.Title, &sum.Turns, &sum.Words); err != nil {
			return nil, fmt.Errorf("script: list scan: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("script: list rows: %w", err)
	}
	return out, nil
}

// Put implements [Store] as an upsert on (character_id, dialogue_id).
func (s *PostgresStore) Put(ctx context.Context, d types.Dialogue) error {
	if d.CharacterID == "" || d.ID == "" {
		return errors.New("script: put: character and dialogue id are required")
	}
	turnsJSON, err := json.Marshal(emptySlice(d.Turns))
	if err != nil {
		return fmt.Errorf("script: marshal turns: %w", err)
	}
	wordsJSON, err := json.Marshal(emptySlice(d.Words))
	if err != nil {
		return fmt.Errorf("script: marshal words: %w", err)
	}

	const query = `
		INSERT INTO dialogues (character_id, dialogue_id, title, last_step, turns, words)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (character_id, dialogue_id) DO UPDATE SET
			title      = EXCLUDED.title,
			last_step  = EXCLUDED.last_step,
			turns      = EXCLUDED.turns,
			words      = EXCLUDED.words,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, d.CharacterID, d.ID, d.Title, d.LastStep, turnsJSON, wordsJSON); err != nil {
		return fmt.Errorf("script: put %s/%s: %w", d.CharacterID, d.ID, err)
	}
	return nil
}

// Import copies every dialogue of src into dst and returns how many were
// written. An error aborts the import and returns the count so far.
func Import(ctx context.Context, dst Store, src Store) (int, error) {
	sums, err := src.List(ctx, "")
	if err != nil {
		return 0, err
	}
	for i, sum := range sums {
		d, err := src.Dialogue(ctx, sum.CharacterID, sum.DialogueID)
		if err != nil {
			return i, err
		}
		if err := dst.Put(ctx, d); err != nil {
			return i, err
		}
	}
	return len(sums), nil
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
