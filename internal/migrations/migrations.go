package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"aquadrop/internal/security"
)

//go:embed sql/*.sql
var embedded embed.FS

// MigrationsDir overrides the embedded migrations with files on disk when set.
// It defaults to AQUADROP_MIGRATIONS_DIR.
var MigrationsDir = os.Getenv("AQUADROP_MIGRATIONS_DIR")

// Migration is one numbered schema change
type Migration struct {
	Version string
	Name    string
	SQL     string
}

func source() (fs.FS, error) {
	if MigrationsDir == "" {
		sub, err := fs.Sub(embedded, "sql")
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
	if err := security.ValidateFilePath(MigrationsDir); err != nil {
		return nil, fmt.Errorf("invalid migrations directory: %w", err)
	}
	info, err := os.Stat(MigrationsDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("migrations directory not found: %s", MigrationsDir)
	}
	return os.DirFS(MigrationsDir), nil
}

// Load returns all migrations sorted by version
func Load() ([]Migration, error) {
	fsys, err := source()
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s must be named NNN_description.sql", e.Name())
		}
		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: e.Name(), SQL: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetInitialSchema returns the first migration
func GetInitialSchema() (string, error) {
	all, err := Load()
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", fmt.Errorf("could not find schema file in any location")
	}
	return all[0].SQL, nil
}

// RunMigrations applies every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	all, err := Load()
	if err != nil {
		return err
	}
	for _, m := range all {
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&count); err != nil {
		return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
	}
	if count > 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
	}
	return tx.Commit()
}

// Applied lists recorded migration versions in order
func Applied(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
