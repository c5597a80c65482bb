package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "create analyses table",
		sql: `CREATE TABLE IF NOT EXISTS analyses (
			id            bigserial PRIMARY KEY,
			source_url    text NOT NULL,
			origin        text NOT NULL DEFAULT 'url',
			status        text NOT NULL DEFAULT 'pending',
			failure_kind  text,
			failure_msg   text,
			transcript    text,
			report        text,
			language      text,
			stt_model     text,
			llm_model     text,
			fetch_ms      int,
			normalize_ms  int,
			transcribe_ms int,
			analyze_ms    int,
			created_at    timestamptz NOT NULL DEFAULT now(),
			completed_at  timestamptz
		)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'analyses')`,
	},
	{
		name:  "add analyses status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses (status, created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_analyses_status')`,
	},
	{
		name:  "add analyses created_at index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses (created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_analyses_created_at')`,
	},
	{
		name:  "add analyses archive_key",
		sql:   `ALTER TABLE analyses ADD COLUMN IF NOT EXISTS archive_key text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'analyses' AND column_name = 'archive_key')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned — the caller should treat this as fatal
// since the application's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart accent-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
