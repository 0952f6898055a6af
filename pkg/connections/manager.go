package connections

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Manager hands out named connections. Only the configuration is loaded up
// front; each database handle opens lazily on first use and is cached.
type Manager struct {
	source string

	mu      sync.Mutex
	configs map[string]ConnectionConfig
	opened  map[string]*sql.DB
}

// Recordset is the column headings plus every row of a query result.
type Recordset struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// NewManager loads the connections file at path. An empty path searches the
// default locations in priority order.
func NewManager(path string) (*Manager, error) {
	cfgs, source, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		source:  source,
		configs: make(map[string]ConnectionConfig, len(cfgs)),
		opened:  make(map[string]*sql.DB),
	}
	for _, c := range cfgs {
		m.configs[c.Name] = c
	}
	return m, nil
}

// Source returns the path of the loaded connections file.
func (m *Manager) Source() string {
	return m.source
}

// Names lists the configured connection names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DB returns the lazily-opened handle for a named connection. Environment
// references like ${DB_PASSWORD} in the DSN expand at open time, so
// credentials stay out of the file.
func (m *Manager) DB(name string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.opened[name]; ok {
		return db, nil
	}
	cfg, ok := m.configs[name]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", name)
	}
	db, err := sql.Open(SupportedDrivers[cfg.Driver], os.ExpandEnv(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open connection %q: %w", name, err)
	}
	m.opened[name] = db
	return db, nil
}

// Recordset runs a query on the named connection and returns headings plus
// all rows.
func (m *Manager) Recordset(ctx context.Context, name, query string, args ...any) (*Recordset, error) {
	db, err := m.DB(name)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query on %q: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns on %q: %w", name, err)
	}
	rs := &Recordset{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		values := make([]any, len(columns))
		dests := make([]any, len(columns))
		for i := range values {
			dests[i] = &values[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan row on %q: %w", name, err)
		}
		for i, v := range values {
			// Drivers hand back raw bytes for text columns.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows on %q: %w", name, err)
	}
	return rs, nil
}

// ExecuteSQL runs a statement on the named connection inside a transaction
// and reports rows affected. The transaction rolls back on error.
func (m *Manager) ExecuteSQL(ctx context.Context, name, stmt string, args ...any) (int64, error) {
	db, err := m.DB(name)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction on %q: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("execute on %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit on %q: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		// Some drivers cannot report this; the statement still ran.
		return 0, nil
	}
	return affected, nil
}

// Ping verifies the named connection is reachable.
func (m *Manager) Ping(ctx context.Context, name string) error {
	db, err := m.DB(name)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes every opened handle and clears the cache.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, db := range m.opened {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection %q: %w", name, err)
		}
		delete(m.opened, name)
	}
	return firstErr
}
