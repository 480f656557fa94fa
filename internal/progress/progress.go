// Package progress records how learners did on each dialogue.
//
// One [Result] is kept per (learner, character, dialogue). Recording again
// replaces the earlier result, so the stores always hold the latest attempt.
// Backends are PostgreSQL, SQLite and an append-only JSON lines file for
// single-user setups.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/glossa/internal/quiz"
)

// Result is the outcome of a learner's quiz on one dialogue.
type Result struct {
	LearnerID    string    `json:"learner_id"`
	CharacterID  string    `json:"character_id"`
	DialogueID   string    `json:"dialogue_id"`
	Language     string    `json:"language"`
	ScorePercent int       `json:"score"`
	Passed       bool      `json:"passed"`
	At           time.Time `json:"completed_at"`
}

// ErrInvalidResult is returned when a result lacks its identifying fields.
var ErrInvalidResult = errors.New("progress: learner, character and dialogue ids are required")

func (r Result) validate() error {
	if r.LearnerID == "" || r.CharacterID == "" || r.DialogueID == "" {
		return ErrInvalidResult
	}
	return nil
}

// stamped fills At when the caller left it zero.
func (r Result) stamped() Result {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return r
}

// Recorder persists results.
type Recorder interface {
	// Record stores r, replacing any earlier result for the same learner,
	// character and dialogue.
	Record(ctx context.Context, r Result) error

	// Results returns the latest result per dialogue for learnerID, newest
	// first.
	Results(ctx context.Context, learnerID string) ([]Result, error)
}

// QuizReporter adapts rec so a quiz session reports into it on behalf of
// learnerID.
func QuizReporter(rec Recorder, learnerID, characterID, language string) quiz.Reporter {
	return quiz.ReporterFunc(func(ctx context.Context, res quiz.Result) error {
		return rec.Record(ctx, Result{
			LearnerID:    learnerID,
			CharacterID:  characterID,
			DialogueID:   res.DialogueID,
			Language:     language,
			ScorePercent: res.ScorePercent(),
			Passed:       res.Passed,
		})
	})
}

// Nop discards every result.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Record(context.Context, Result) error { return nil }

func (Nop) Results(context.Context, string) ([]Result, error) { return nil, nil }
