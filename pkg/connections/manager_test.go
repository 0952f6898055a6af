package connections

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConnectionsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connections.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write connections file: %v", err)
	}
	return path
}

func sqliteManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	path := writeConnectionsFile(t, "connections:\n  - name: embedded\n    driver: sqlite3\n    dsn: "+dbPath+"\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no connections", "connections: []\n", "no connections"},
		{"missing name", "connections:\n  - driver: sqlite3\n    dsn: x\n", "name is required"},
		{"duplicate", "connections:\n  - {name: a, driver: sqlite3, dsn: x}\n  - {name: a, driver: mysql, dsn: y}\n", "duplicate"},
		{"bad driver", "connections:\n  - {name: a, driver: oracle, dsn: x}\n", "unsupported driver"},
		{"missing dsn", "connections:\n  - {name: a, driver: sqlite3}\n", "dsn is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.in))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestUnknownConnectionName(t *testing.T) {
	m := sqliteManager(t)
	if _, err := m.DB("nope"); err == nil || !strings.Contains(err.Error(), "unknown connection") {
		t.Fatalf("error = %v, want unknown connection", err)
	}
}

func TestExecuteAndRecordset(t *testing.T) {
	m := sqliteManager(t)
	ctx := context.Background()

	if _, err := m.ExecuteSQL(ctx, "embedded", "CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	affected, err := m.ExecuteSQL(ctx, "embedded", "INSERT INTO people (name) VALUES (?), (?)", "ada", "grace")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if affected != 2 {
		t.Errorf("rows affected = %d, want 2", affected)
	}

	rs, err := m.Recordset(ctx, "embedded", "SELECT id, name FROM people ORDER BY id")
	if err != nil {
		t.Fatalf("recordset: %v", err)
	}
	if want := []string{"id", "name"}; len(rs.Columns) != 2 || rs.Columns[0] != want[0] || rs.Columns[1] != want[1] {
		t.Errorf("columns = %v, want %v", rs.Columns, want)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rs.Rows))
	}
	if rs.Rows[0][1] != "ada" || rs.Rows[1][1] != "grace" {
		t.Errorf("unexpected row data: %v", rs.Rows)
	}
}

func TestExecuteRollsBackOnError(t *testing.T) {
	m := sqliteManager(t)
	ctx := context.Background()
	if _, err := m.ExecuteSQL(ctx, "embedded", "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := m.ExecuteSQL(ctx, "embedded", "INSERT INTO nowhere VALUES (1)"); err == nil {
		t.Fatal("expected error for bad statement")
	}
}

func TestConnectionsAreLazyAndCached(t *testing.T) {
	m := sqliteManager(t)
	first, err := m.DB("embedded")
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	second, err := m.DB("embedded")
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if first != second {
		t.Error("expected the same cached handle")
	}
}

func TestDSNEnvExpansion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("SIMQLE_TEST_DB_PATH", dbPath)
	path := writeConnectionsFile(t, "connections:\n  - name: embedded\n    driver: sqlite3\n    dsn: ${SIMQLE_TEST_DB_PATH}\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	if _, err := m.ExecuteSQL(context.Background(), "embedded", "CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created at expanded path: %v", err)
	}
}

func TestDefaultLocationSearchFails(t *testing.T) {
	t.Setenv("SIMQLE_CONNECTIONS", filepath.Join(t.TempDir(), "absent.yml"))
	t.Chdir(t.TempDir())
	if _, err := NewManager(""); err == nil {
		t.Fatal("expected error when no file exists in default locations")
	}
}

func TestManagerNames(t *testing.T) {
	path := writeConnectionsFile(t, `connections:
  - {name: warehouse, driver: pgx, dsn: "postgres://localhost/w"}
  - {name: app, driver: mysql, dsn: "root@tcp(localhost)/app"}
`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	names := m.Names()
	if len(names) != 2 || names[0] != "app" || names[1] != "warehouse" {
		t.Errorf("names = %v, want [app warehouse]", names)
	}
}
