package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/MrWong99/glossa/internal/progress"
	"github.com/MrWong99/glossa/internal/scorer"
	"github.com/MrWong99/glossa/internal/script"
)

// ── score ─────────────────────────────────────────────────────────────────────

func newScoreCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "score EXPECTED SPOKEN [SPOKEN...]",
		Short: "Score spoken phrases against an expected phrase",
		Long: `Scores each spoken alternative the way a practice session does and
reports the best one. For languages written with spaces the missed words are
listed with the nearest word that was heard.`,
		Example: `  glossa score --lang en "how are you" "how are you" "who are you"`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runScore(cmd.OutOrStdout(), scorer.New(), lang, args[0], args[1:])
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "language tag of the phrases")
	return cmd
}

func runScore(w io.Writer, s *scorer.Scorer, lang, expected string, spoken []string) {
	for i, alt := range spoken {
		res := s.Score(alt, expected, lang)
		fmt.Fprintf(w, "%d. %3d%%  %q  matched=%v\n", i+1, res.ScorePercent, alt, res.MatchedTokens)
	}
	best, res := s.BestOf(spoken, expected, lang)
	verdict := "fail"
	if res.Passed() {
		verdict = "pass"
	}
	fmt.Fprintf(w, "best: %d (%d%%, %s)\n", best+1, res.ScorePercent, verdict)
	for _, m := range s.Diagnose(spoken[best], expected, lang) {
		switch {
		case m.Heard == "":
			fmt.Fprintf(w, "  missed %q\n", m.Expected)
		case m.SoundsAlike:
			fmt.Fprintf(w, "  missed %q, heard %q (sounds alike, %.2f)\n", m.Expected, m.Heard, m.Similarity)
		default:
			fmt.Fprintf(w, "  missed %q, heard %q (%.2f)\n", m.Expected, m.Heard, m.Similarity)
		}
	}
}

// ── validate ──────────────────────────────────────────────────────────────────

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [PATH...]",
		Short: "Check the configuration and script files",
		Long: `Validates the configuration file and every script file. PATH may name
script files or directories; without a PATH the configured script directory
is checked. The configuration is skipped when a PATH is given and the
configuration file does not exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), *configPath, args)
		},
	}
}

func runValidate(w io.Writer, configPath string, paths []string) error {
	var errs []error
	_, statErr := os.Stat(configPath)
	if len(paths) == 0 || statErr == nil {
		cfg, err := loadConfig(configPath)
		if err != nil {
			errs = append(errs, err)
		} else {
			fmt.Fprintf(w, "ok    %s\n", configPath)
			if len(paths) == 0 && cfg.Storage.ScriptDir != "" {
				paths = []string{cfg.Storage.ScriptDir}
			}
		}
	}

	files, err := expandScriptPaths(paths)
	if err != nil {
		errs = append(errs, err)
	}
	for _, path := range files {
		f, err := script.LoadFile(path)
		if err == nil {
			err = f.Validate()
		}
		if err != nil {
			fmt.Fprintf(w, "FAIL  %s\n", path)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(w, "      %s\n", line)
			}
			errs = append(errs, fmt.Errorf("%s: invalid", path))
			continue
		}
		fmt.Fprintf(w, "ok    %s (%d dialogues)\n", path, len(f.ToDialogues()))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// expandScriptPaths replaces directories with the script files they hold.
func expandScriptPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return out, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		files, err := script.ScriptFiles(p)
		if err != nil {
			return out, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func newMigrateCmd(configPath *string) *cobra.Command {
	var skipImport bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create database tables and import scripts",
		Long: `Creates the script and progress tables in the configured PostgreSQL
database, then copies every dialogue from the script directory into it.
Running it again is safe: tables are created only when missing and imported
dialogues replace their earlier versions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.PostgresDSN == "" {
				return errors.New("migrate: storage.postgres_dsn is not configured")
			}
			dir := cfg.Storage.ScriptDir
			if skipImport {
				dir = ""
			}
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), cfg.Storage.PostgresDSN, dir)
		},
	}
	cmd.Flags().BoolVar(&skipImport, "skip-import", false, "only create tables")
	return cmd
}

func runMigrate(ctx context.Context, w io.Writer, dsn, scriptDir string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("migrate: connect: %w", err)
	}
	defer pool.Close()

	db := script.NewPostgresStore(pool)
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	if err := progress.NewPostgresRecorder(pool).Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "tables ready")

	if scriptDir == "" {
		return nil
	}
	return importScripts(ctx, w, db, scriptDir)
}

// importScripts loads scriptDir and copies every dialogue into dst.
func importScripts(ctx context.Context, w io.Writer, dst script.Store, scriptDir string) error {
	files := script.NewMemStore()
	if _, err := files.LoadDir(scriptDir); err != nil {
		return fmt.Errorf("migrate: load %s: %w", filepath.Clean(scriptDir), err)
	}
	n, err := script.Import(ctx, dst, files)
	if err != nil {
		return fmt.Errorf("migrate: import after %d dialogues: %w", n, err)
	}
	fmt.Fprintf(w, "imported %d dialogues from %s\n", n, scriptDir)
	return nil
}
