// Package dbadapter defines the narrow database surface the
// replication engine depends on, and provides its only concrete
// implementation against a local SQLite file.
//
// Every higher-level component (oplog, snapshotengine, applyengine)
// talks to the database through the DB interface rather than
// *sql.DB directly, and through QueryBuilder rather than hand-rolled
// SQL strings, so a future Postgres- or MySQL-backed local store could
// be swapped in without touching replication logic.
package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mducko/electric/internal/migrations"
	"github.com/mducko/electric/internal/relation"
	_ "modernc.org/sqlite"
)

// Conn is the subset of query/exec operations shared by DB and Tx.
// Components that can run either standalone or inside a caller-supplied
// transaction (per spec §4.2, "all operations participate in the
// caller's transaction when provided") depend on Conn rather than on
// DB or Tx directly.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the subset of *sql.Tx operations callers need.
type Tx interface {
	Conn
	Commit() error
	Rollback() error
}

// DB is the narrow database surface consumed by the replication engine.
type DB interface {
	Conn
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Close() error
}

// QueryBuilder generates the parameterized SQL the engine needs to
// read and write arbitrary user tables described by a relation.Relation,
// without the engine itself needing to know any application schema.
type QueryBuilder interface {
	// Upsert builds an INSERT ... ON CONFLICT DO UPDATE statement that
	// writes every column in values, keyed by the relation's primary key.
	Upsert(r relation.Relation, values map[string]any) (query string, args []any)
	// Delete builds a DELETE statement keyed by the given primary key
	// column values.
	Delete(r relation.Relation, pk map[string]any) (query string, args []any)
	// SelectByPK builds a SELECT of every column keyed by primary key.
	SelectByPK(r relation.Relation, pk map[string]any) (query string, args []any)
	// SelectAll builds an unfiltered SELECT of every column, for
	// snapshot/initial-sync scans.
	SelectAll(r relation.Relation) (query string, args []any)
}

// sqliteDB wraps *sql.DB to satisfy DB.
type sqliteDB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// applies the standard pragmas, and runs pending migrations.
func Open(path string) (DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &sqliteDB{db: db}, nil
}

// enablePragmas sets SQLite pragmas for write concurrency and durability.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *sqliteDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqliteDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqliteDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqliteDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqliteDB) Close() error {
	return s.db.Close()
}

// SQLiteQueryBuilder is the only QueryBuilder implementation; it emits
// SQLite-dialect SQL (`?` placeholders, `ON CONFLICT DO UPDATE`).
type SQLiteQueryBuilder struct{}

// NewSQLiteQueryBuilder constructs a SQLiteQueryBuilder.
func NewSQLiteQueryBuilder() SQLiteQueryBuilder {
	return SQLiteQueryBuilder{}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualifiedTable returns the SQLite-local table name. SQLite has no
// schema concept equivalent to the source database's namespace, so the
// namespace is dropped; relation.Catalog is expected to disambiguate
// names before they reach here if two namespaces ever collide.
func qualifiedTable(r relation.Relation) string {
	return quoteIdent(r.Table.Tablename)
}

func (SQLiteQueryBuilder) Upsert(r relation.Relation, values map[string]any) (string, []any) {
	cols := make([]string, 0, len(r.Columns))
	placeholders := make([]string, 0, len(r.Columns))
	args := make([]any, 0, len(r.Columns))
	for _, c := range r.Columns {
		cols = append(cols, quoteIdent(c))
		placeholders = append(placeholders, "?")
		args = append(args, values[c])
	}

	pkCols := make([]string, len(r.PrimaryKey))
	for i, c := range r.PrimaryKey {
		pkCols[i] = quoteIdent(c)
	}

	updates := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		if r.IsPrimaryKeyColumn(c) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		qualifiedTable(r),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(pkCols, ", "),
		strings.Join(updates, ", "),
	)
	if len(updates) == 0 {
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			qualifiedTable(r),
			strings.Join(cols, ", "),
			strings.Join(placeholders, ", "),
			strings.Join(pkCols, ", "),
		)
	}
	return query, args
}

func (SQLiteQueryBuilder) Delete(r relation.Relation, pk map[string]any) (string, []any) {
	conds := make([]string, 0, len(r.PrimaryKey))
	args := make([]any, 0, len(r.PrimaryKey))
	for _, c := range r.PrimaryKey {
		conds = append(conds, quoteIdent(c)+" = ?")
		args = append(args, pk[c])
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", qualifiedTable(r), strings.Join(conds, " AND "))
	return query, args
}

func (SQLiteQueryBuilder) SelectByPK(r relation.Relation, pk map[string]any) (string, []any) {
	cols := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		cols[i] = quoteIdent(c)
	}
	conds := make([]string, 0, len(r.PrimaryKey))
	args := make([]any, 0, len(r.PrimaryKey))
	for _, c := range r.PrimaryKey {
		conds = append(conds, quoteIdent(c)+" = ?")
		args = append(args, pk[c])
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), qualifiedTable(r), strings.Join(conds, " AND "))
	return query, args
}

func (SQLiteQueryBuilder) SelectAll(r relation.Relation) (string, []any) {
	cols := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		cols[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), qualifiedTable(r))
	return query, nil
}
