package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var databaseName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ensureDatabases creates each named database on every relational endpoint
// in the environment. Creation is idempotent, a database that already exists
// is left untouched.
func ensureDatabases(ctx context.Context, env *Environment, databases []string, logger *slog.Logger) error {
	if len(databases) == 0 {
		return nil
	}
	for _, name := range databases {
		if !databaseName.MatchString(name) {
			return fmt.Errorf("invalid database name %q", name)
		}
	}
	if ep, ok := env.Endpoints[ServiceMySQL]; ok {
		if err := ensureMySQLDatabases(ctx, ep.AdminDSN, databases); err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
		logger.Info("databases ready", "service", ServiceMySQL, "databases", databases)
	}
	if ep, ok := env.Endpoints[ServicePostgreSQL]; ok {
		if err := ensurePostgresDatabases(ctx, ep.AdminDSN, databases); err != nil {
			return fmt.Errorf("postgresql: %w", err)
		}
		logger.Info("databases ready", "service", ServicePostgreSQL, "databases", databases)
	}
	return nil
}

func ensureMySQLDatabases(ctx context.Context, dsn string, databases []string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	for _, name := range databases {
		stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}
	return nil
}

func ensurePostgresDatabases(ctx context.Context, dsn string, databases []string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	for _, name := range databases {
		var one int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM pg_database WHERE datname = $1", name).Scan(&one)
		switch {
		case err == nil:
			continue
		case errors.Is(err, sql.ErrNoRows):
			// CREATE DATABASE cannot take bind parameters.
			stmt := "CREATE DATABASE " + pgx.Identifier{name}.Sanitize()
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
		default:
			return fmt.Errorf("lookup %s: %w", name, err)
		}
	}
	return nil
}
