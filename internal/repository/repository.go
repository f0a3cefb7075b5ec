// Package repository implements the data persistence layer.
//
// EDUCATIONAL CONTEXT:
// The Repository pattern acts as a mediator between the domain layer (the
// ingestion pipeline) and the database. The pipeline only sees the methods it
// needs (CreateIssue, FindProjectByKey, IssueExists), so it can be tested
// against in-memory fakes and the SQL stays in one place.
//
// One Repository speaks three SQL dialects. SQLite (modernc.org/sqlite, pure
// Go, no CGO) is the default; PostgreSQL (lib/pq) and MySQL
// (go-sql-driver/mysql) serve larger deployments. Queries are written once
// with ? placeholders and rebound for PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	// Drivers register themselves with database/sql on import.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/bluefermion/issuecapture/internal/config"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// Repository encapsulates the SQL database connection.
type Repository struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured database, applies per-dialect connection
// settings and ensures the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Repository, error) {
	dialect := Dialect(cfg.Driver)

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		db, err = openSQLite(cfg.DSN)
	case Postgres:
		db, err = sql.Open("postgres", cfg.DSN)
	case MySQL:
		db, err = openMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect != SQLite {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return New(ctx, db, dialect)
}

// New wraps an open handle and runs the migrations.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Repository, error) {
	repo := &Repository{db: db, dialect: dialect}

	// Auto-migration on startup. Every statement is idempotent, so this runs
	// safely on every boot.
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

// OpenMemory opens a migrated in-memory SQLite database. Each connection to
// ":memory:" is a separate database, so the pool is pinned to one connection.
func OpenMemory(ctx context.Context) (*Repository, error) {
	db, err := openSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return New(ctx, db, SQLite)
}

// openSQLite sets pragmas through the DSN so that every pooled connection
// gets them, not only the one that happened to run a PRAGMA statement.
//
// PERFORMANCE TIP: WAL (Write-Ahead Logging) mode lets readers proceed while
// a writer commits. busy_timeout makes concurrent writers wait instead of
// failing with SQLITE_BUSY.
func openSQLite(dsn string) (*sql.DB, error) {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(10000)", "synchronous(NORMAL)"}
	if dsn != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return sql.Open("sqlite", dsn)
}

// openMySQL forces parseTime so DATETIME columns scan into time.Time, and UTC
// so timestamps round-trip unchanged.
func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// Dialect reports the SQL backend in use.
func (r *Repository) Dialect() Dialect { return r.dialect }

// Ping checks that the database is reachable. It backs the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close terminates the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
// SECURITY CRITICAL: values are still passed as arguments, never spliced
// into the SQL text.
func (r *Repository) rebind(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// migrate creates the tables. Statements run one at a time because the
// MySQL driver rejects multi-statement Exec by default.
func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema(r.dialect) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %.60s...)", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

// schema returns the DDL for a dialect.
//
// Screenshot rows reference their issue with ON DELETE CASCADE: a Screenshot
// cannot exist without its Issue. storage_path is UNIQUE so two rows can
// never claim the same object.
func schema(d Dialect) []string {
	type types struct{ id, key, path, text, big, ts, boolean string }
	t := types{id: "TEXT", key: "TEXT", path: "TEXT", text: "TEXT", big: "INTEGER", ts: "DATETIME", boolean: "BOOLEAN"}
	switch d {
	case Postgres:
		t = types{id: "TEXT", key: "TEXT", path: "TEXT", text: "TEXT", big: "BIGINT", ts: "TIMESTAMPTZ", boolean: "BOOLEAN"}
	case MySQL:
		t = types{id: "VARCHAR(64)", key: "VARCHAR(191)", path: "VARCHAR(255)", text: "MEDIUMTEXT", big: "BIGINT", ts: "DATETIME(6)", boolean: "BOOLEAN"}
	}

	// Listing index. MySQL has no CREATE INDEX IF NOT EXISTS, so there it is
	// declared with the table.
	issueIndex := ""
	if d == MySQL {
		issueIndex = `,
			INDEX idx_issues_project_created (project_id, created_at)`
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id ` + t.id + ` PRIMARY KEY,
			environment_id ` + t.id + ` NOT NULL,
			project_key ` + t.key + ` NOT NULL UNIQUE,
			name ` + t.text + `,
			enabled ` + t.boolean + ` NOT NULL DEFAULT FALSE,
			allowed_origins ` + t.text + `,
			created_at ` + t.ts + ` NOT NULL,
			updated_at ` + t.ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS issues (
			id ` + t.id + ` PRIMARY KEY,
			project_id ` + t.id + ` NOT NULL,
			environment_id ` + t.id + ` NOT NULL,
			title ` + t.text + ` NOT NULL,
			description ` + t.text + ` NOT NULL,
			severity VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'open',
			metadata ` + t.text + `,
			screenshot_status VARCHAR(16) NOT NULL DEFAULT 'none',
			screenshot_error ` + t.text + `,
			created_at ` + t.ts + ` NOT NULL,
			updated_at ` + t.ts + ` NOT NULL,
			deleted_at ` + t.ts + ` NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id)` + issueIndex + `
		)`,
		`CREATE TABLE IF NOT EXISTS screenshots (
			id ` + t.id + ` PRIMARY KEY,
			issue_id ` + t.id + ` NOT NULL,
			storage_path ` + t.path + ` NOT NULL UNIQUE,
			mime_type VARCHAR(64) NOT NULL,
			file_size ` + t.big + ` NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			element_selector ` + t.text + `,
			created_at ` + t.ts + ` NOT NULL,
			FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
		)`,
	}
	if d == MySQL {
		return stmts
	}
	return append(stmts,
		`CREATE INDEX IF NOT EXISTS idx_issues_project_created ON issues(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_screenshots_issue ON screenshots(issue_id)`,
	)
}
