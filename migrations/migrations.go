// Package migrations embeds the event-store schema for each SQL driver.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

type dialect struct {
	createTable string
	claim       string
	list        string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claim: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
		list:  `SELECT name FROM schema_migrations ORDER BY name`,
	},
	DriverPostgres: {
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claim: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		list:  `SELECT name FROM schema_migrations ORDER BY name`,
	},
}

func lookup(driver string) (string, dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return "", dialect{}, fmt.Errorf("unsupported migration driver %q", driver)
	}
	return driver, d, nil
}

// Files lists the embedded migration names for driver in apply order.
func Files(driver string) ([]string, error) {
	driver, _, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every pending migration for driver. Each file is applied once,
// inside its own transaction, and tracked in schema_migrations.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver, d, err := lookup(driver)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	names, err := Files(driver)
	if err != nil {
		return err
	}
	for _, name := range names {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, d, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Applied returns the names recorded in schema_migrations.
func Applied(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	_, d, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, d.list)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func applyOne(ctx context.Context, db *sql.DB, d dialect, name, statement string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, d.claim, name)
	if err != nil {
		return fmt.Errorf("insert schema_migrations row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read insert row count: %w", err)
	}
	if affected == 0 {
		return tx.Rollback()
	}

	if _, err = tx.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
