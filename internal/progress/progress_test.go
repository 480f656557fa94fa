package progress

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/glossa/internal/quiz"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorderContract runs the behaviour every backend shares.
func recorderContract(t *testing.T, rec Recorder) {
	t.Helper()
	ctx := context.Background()

	for _, r := range []Result{
		{LearnerID: "u1", CharacterID: "anna", DialogueID: "cafe", Language: "ru", ScorePercent: 40, At: t0},
		{LearnerID: "u1", CharacterID: "anna", DialogueID: "bakery", Language: "ru", ScorePercent: 80, Passed: true, At: t0.Add(time.Minute)},
		{LearnerID: "u2", CharacterID: "anna", DialogueID: "cafe", Language: "ja", ScorePercent: 100, Passed: true, At: t0},
		// Replaces the first attempt.
		{LearnerID: "u1", CharacterID: "anna", DialogueID: "cafe", Language: "ru", ScorePercent: 60, Passed: true, At: t0.Add(2 * time.Minute)},
	} {
		if err := rec.Record(ctx, r); err != nil {
			t.Fatalf("Record(%+v): %v", r, err)
		}
	}

	got, err := rec.Results(ctx, "u1")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %+v, want 2", got)
	}
	if got[0].DialogueID != "cafe" || got[0].ScorePercent != 60 || !got[0].Passed {
		t.Errorf("latest = %+v", got[0])
	}
	if got[1].DialogueID != "bakery" || !got[1].At.Equal(t0.Add(time.Minute)) {
		t.Errorf("second = %+v", got[1])
	}

	if none, _ := rec.Results(ctx, "nobody"); len(none) != 0 {
		t.Errorf("unknown learner results = %+v", none)
	}
	if err := rec.Record(ctx, Result{LearnerID: "u1"}); !errors.Is(err, ErrInvalidResult) {
		t.Errorf("err = %v, want ErrInvalidResult", err)
	}
}

func TestFileRecorder(t *testing.T) {
	t.Parallel()
	recorderContract(t, NewFileRecorder(filepath.Join(t.TempDir(), "progress.jsonl")))
}

func TestFileRecorder_MissingFile(t *testing.T) {
	t.Parallel()
	got, err := NewFileRecorder(filepath.Join(t.TempDir(), "none.jsonl")).Results(context.Background(), "u1")
	if err != nil || len(got) != 0 {
		t.Errorf("Results = %v, %v", got, err)
	}
}

func TestSQLiteRecorder(t *testing.T) {
	t.Parallel()
	rec, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "progress.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	recorderContract(t, rec)
}

func TestQuizReporter(t *testing.T) {
	t.Parallel()

	rec := NewFileRecorder(filepath.Join(t.TempDir(), "progress.jsonl"))
	rep := QuizReporter(rec, "u1", "anna", "ru")
	if err := rep.ReportQuiz(context.Background(), quiz.NewResult(3, 4)); err == nil {
		t.Error("result without dialogue id accepted")
	}
	res := quiz.NewResult(3, 4)
	res.DialogueID = "cafe"
	if err := rep.ReportQuiz(context.Background(), res); err != nil {
		t.Fatalf("ReportQuiz: %v", err)
	}

	got, _ := rec.Results(context.Background(), "u1")
	if len(got) != 1 {
		t.Fatalf("results = %+v", got)
	}
	r := got[0]
	if r.CharacterID != "anna" || r.Language != "ru" || r.ScorePercent != 75 || !r.Passed || r.At.IsZero() {
		t.Errorf("result = %+v", r)
	}
}

type execCall struct {
	SQL  string
	Args []any
}

type mockRows struct {
	data [][]any
	idx  int
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	rows      *mockRows
	execErr   error
	execCalls []execCall
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if m.rows == nil {
		return &mockRows{}, nil
	}
	return m.rows, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execCalls = append(m.execCalls, execCall{SQL: sql, Args: args})
	return pgconn.CommandTag{}, m.execErr
}

func TestPostgresRecorder_Record(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	rec := NewPostgresRecorder(db)
	if err := rec.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	r := Result{LearnerID: "u1", CharacterID: "anna", DialogueID: "cafe", Language: "ru", ScorePercent: 60, Passed: true, At: t0}
	if err := rec.Record(context.Background(), r); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(db.execCalls) != 2 || db.execCalls[0].SQL != Schema {
		t.Fatalf("exec calls = %+v", db.execCalls)
	}
	call := db.execCalls[1]
	if !strings.Contains(call.SQL, "ON CONFLICT (user_id, character_id, dialogue_id)") {
		t.Errorf("not an upsert: %s", call.SQL)
	}
	want := []any{"u1", "anna", "cafe", "ru", 60, true, t0}
	for i, w := range want {
		if call.Args[i] != w {
			t.Errorf("arg %d = %v, want %v", i, call.Args[i], w)
		}
	}

	db.execErr = errors.New("connection reset")
	if err := rec.Record(context.Background(), r); err == nil || !strings.Contains(err.Error(), "progress: record") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresRecorder_Results(t *testing.T) {
	t.Parallel()

	db := &mockDB{rows: &mockRows{data: [][]any{
		{"u1", "anna", "cafe", "ru", 60, true, t0},
	}}}
	got, err := NewPostgresRecorder(db).Results(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(got) != 1 || got[0].ScorePercent != 60 || !got[0].At.Equal(t0) {
		t.Errorf("Results = %+v", got)
	}
}
