package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trade-ledger/internal/logging"
)

const clickHouseMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       String,
    applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree()
ORDER BY name`

// RunClickHouseMigrations applies the *.sql files under migrationsPath in
// name order. Applied file names are recorded in schema_migrations and
// skipped on later runs.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) error {
	logger := logging.WithField("component", "clickhouse_migrate")

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		logger.Info("No migration files found")
		return nil
	}

	if err := db.Exec(ctx, clickHouseMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	applied, err := appliedClickHouseMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, path := range files {
		name := filepath.Base(path)
		if applied[name] {
			logger.Debugf("Skipping applied migration %s", name)
			continue
		}

		content, err := os.ReadFile(path) // #nosec G304 - path comes from the trusted migrations directory
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				logger.WithError(err).WithFields(map[string]interface{}{
					"file":      name,
					"statement": i + 1,
				}).Error("Migration statement failed")
				return fmt.Errorf("migration %s statement %d: %w", name, i+1, err)
			}
		}
		if err := db.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		logger.WithField("file", name).Info("Applied migration")
	}
	return nil
}

func appliedClickHouseMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Conn().Query(ctx, `SELECT DISTINCT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// splitSQLStatements cuts a migration file into statements at lines ending
// in ';'. Comment lines are dropped and the trailing ';' is removed.
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    []string
	)
	emit := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(strings.Join(current, "\n")), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
		current = current[:0]
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current = append(current, line)
		if strings.HasSuffix(trimmed, ";") {
			emit()
		}
	}
	emit()
	return statements
}
