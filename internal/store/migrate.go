// Migration runner, grounded on database/sql conventions plus
// the exact versioned-filename and idempotent-reapply algorithm from
// original_source/crates/arb-db/src/migration.rs (see SPEC_FULL.md §12):
// ensure a _migrations tracking table, scan a directory for
// V{version}__{name}.sql files, sort ascending by version, skip already-
// applied versions, execute each file's SQL and insert its tracking row.
//
// Unlike the Rust original's MySQL target, SQLite DDL is transactional, so
// each migration's execute-plus-tracking-insert is wrapped in one
// transaction here — a strict improvement in atomicity over the source.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Migration is one parsed, on-disk SQL migration file.
type Migration struct {
	Version int
	Name string
	Path string
	SQL string
}

var migrationFilenamePattern = regexp.MustCompile(`^V(\d+)__(.+)\.sql$`)

// ParseMigrationFilename is the inverse of BuildMigrationFilename: it
// extracts (version, name) from a "V{n}__{name}.sql" filename, or reports
// ok=false if the filename doesn't match the convention.
func ParseMigrationFilename(filename string) (version int, name string, ok bool) {
	m:= migrationFilenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	v, err:= strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return v, m[2], true
}

// BuildMigrationFilename is the inverse of ParseMigrationFilename for any
// (version, name) where name contains no "__" substring.
func BuildMigrationFilename(version int, name string) string {
	return fmt.Sprintf("V%03d__%s.sql", version, name)
}

// LoadMigrations scans dir for V{n}__{name}.sql files and returns them
// sorted ascending by version. An empty or missing directory returns an
// empty slice, not an error. A duplicate on-disk version number is rejected
// outright (fail closed — see DESIGN.md's resolution of its "pick
// one and document" boundary case).
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err:= os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	seen:= make(map[int]string)
	var out []Migration
	for _, e:= range entries {
		if e.IsDir {
			continue
		}
		version, name, ok:= ParseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		if prior, dup:= seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prior, e.Name())
		}
		seen[version] = e.Name()

		path:= filepath.Join(dir, e.Name())
		sqlBytes, err:= os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, Path: path, SQL: string(sqlBytes)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate ensures the _migrations tracking table exists, loads every
// migration in dir, and applies any not yet recorded, each in its own
// transaction. Re-running Migrate against an already-applied set is a
// no-op — applying the same directory twice produces the same
// _migrations rows.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	if err:= s.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	migrations, err:= LoadMigrations(dir)
	if err != nil {
		return err
	}

	applied, err:= s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m:= range migrations {
		if applied[m.Version] {
			continue
		}
		if err:= s.applyOne(ctx, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(m.Path), err)
		}
	}
	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err:= s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err:= s.db.QueryContext(ctx, `SELECT version FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied:= make(map[int]bool)
	for rows.Next {
		var v int
		if err:= rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyOne(ctx context.Context, m Migration) error {
	tx, err:= s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func { _ = tx.Rollback }

	if _, err:= tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if _, err:= tx.ExecContext(ctx,
		`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name(), time.Now().UnixNano); err != nil {
		return fmt.Errorf("record applied version: %w", err)
	}
	return tx.Commit
}
