// Package oplog implements the local operation log: the durable record
// of every local write since the last acknowledged snapshot, plus the
// shadow table that tracks per-row tag sets, and the meta key/value
// store used for the replication LSN and other small persisted facts.
//
// All three live in the same SQLite database as the application's own
// tables, so a snapshot's oplog append and the user's original write
// commit or roll back together.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/tag"
)

// OpType is the kind of row-level change an oplog Entry records. The
// capture trigger layer only ever writes INSERT/UPDATE/DELETE; UPSERT,
// GONE, and COMPENSATION are produced by the merge and apply engines
// when resolving a transaction, per spec §3 and §4.4-§4.5.
type OpType string

const (
	Insert       OpType = "INSERT"
	Update       OpType = "UPDATE"
	Delete       OpType = "DELETE"
	Upsert       OpType = "UPSERT"
	Gone         OpType = "GONE"
	Compensation OpType = "COMPENSATION"
)

// Entry is one row-level change captured by a capture trigger during a
// single local transaction.
type Entry struct {
	Rowid      int64
	Table      relation.Qualified
	OpType     OpType
	PrimaryKey map[string]any
	NewRow     map[string]any // nil for DELETE
	OldRow     map[string]any // nil for INSERT
	Timestamp  int64          // unix milliseconds, assigned at snapshot time
	ClearTags  tag.Set
}

// ShadowEntry is the last-known tag set for one row, used by the merge
// engine to compute observed-remove tag differences.
type ShadowEntry struct {
	Table      relation.Qualified
	PrimaryKey map[string]any
	Tags       tag.Set
}

// ErrNotFound is returned by meta lookups for a key that has no value.
var ErrNotFound = errors.New("oplog: key not found")

// Store is the Oplog Store: append-only change capture, the shadow
// tag table, and the meta key/value store, all backed by the same
// database connection as application data.
//
// Store depends only on dbadapter.Conn, so the same type serves both
// as the top-level, non-transactional store (backed by a dbadapter.DB)
// and as a transaction-scoped view handed to the snapshot and apply
// engines (backed by a dbadapter.Tx) — see NewStoreTx.
type Store struct {
	db dbadapter.Conn
}

// NewStore wraps db as an oplog Store.
func NewStore(db dbadapter.DB) *Store {
	return &Store{db: db}
}

// NewStoreTx returns a Store whose operations participate in tx,
// rather than opening transactions of their own. Used by the snapshot
// and apply engines, which own a single transaction spanning the
// oplog/shadow/meta writes and the user-table writes they accompany.
func NewStoreTx(tx dbadapter.Tx) *Store {
	return &Store{db: tx}
}

func encodePK(pk map[string]any) (string, error) {
	b, err := json.Marshal(pk)
	if err != nil {
		return "", fmt.Errorf("oplog: encode primary key: %w", err)
	}
	return string(b), nil
}

func decodePK(s string) (map[string]any, error) {
	var pk map[string]any
	if err := json.Unmarshal([]byte(s), &pk); err != nil {
		return nil, fmt.Errorf("oplog: decode primary key: %w", err)
	}
	return pk, nil
}

func encodeRow(row map[string]any) (any, error) {
	if row == nil {
		return nil, nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("oplog: encode row: %w", err)
	}
	return string(b), nil
}

func decodeRow(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(ns.String), &row); err != nil {
		return nil, fmt.Errorf("oplog: decode row: %w", err)
	}
	return row, nil
}

// Append inserts a single oplog entry and returns its assigned rowid.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	pk, err := encodePK(e.PrimaryKey)
	if err != nil {
		return 0, err
	}
	newRow, err := encodeRow(e.NewRow)
	if err != nil {
		return 0, err
	}
	oldRow, err := encodeRow(e.OldRow)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO _electric_oplog (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Table.Namespace, e.Table.Tablename, string(e.OpType), pk, newRow, oldRow, e.Timestamp, tag.Encode(e.ClearTags))
	if err != nil {
		return 0, fmt.Errorf("oplog: append entry: %w", err)
	}
	return result.LastInsertId()
}

// AppendBatch inserts multiple entries against s's connection. When s
// was built with NewStoreTx, every insert participates in the caller's
// transaction, so the snapshot engine's "stamp one batch with a single
// timestamp" step (§4.3) commits or rolls back atomically with the
// shadow updates alongside it.
func (s *Store) AppendBatch(ctx context.Context, entries []Entry) error {
	for i, e := range entries {
		if _, err := s.Append(ctx, e); err != nil {
			return fmt.Errorf("oplog: append entry %d: %w", i, err)
		}
	}
	return nil
}

// GetEntries returns oplog entries with rowid > afterRowid, in rowid
// order, up to limit. limit <= 0 means unlimited.
func (s *Store) GetEntries(ctx context.Context, afterRowid int64, limit int) ([]Entry, error) {
	query := `
		SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
		FROM _electric_oplog
		WHERE rowid > ?
		ORDER BY rowid ASC`
	args := []any{afterRowid}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("oplog: query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntriesForTable returns every oplog entry for the given table, in
// rowid order. The apply engine uses this to build the local-entries
// side of a merge (§4.5 step 2) without issuing one query per incoming
// primary key.
func (s *Store) GetEntriesForTable(ctx context.Context, t relation.Qualified) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
		FROM _electric_oplog
		WHERE namespace = ? AND tablename = ?
		ORDER BY rowid ASC
	`, t.Namespace, t.Tablename)
	if err != nil {
		return nil, fmt.Errorf("oplog: query entries for table: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			namespace string
			tablename string
			opType    string
			pkJSON    string
			newRow    sql.NullString
			oldRow    sql.NullString
			clearTags string
		)
		if err := rows.Scan(&e.Rowid, &namespace, &tablename, &opType, &pkJSON, &newRow, &oldRow, &e.Timestamp, &clearTags); err != nil {
			return nil, fmt.Errorf("oplog: scan entry: %w", err)
		}
		e.Table = relation.Qualified{Namespace: namespace, Tablename: tablename}
		e.OpType = OpType(opType)
		var err error
		if e.PrimaryKey, err = decodePK(pkJSON); err != nil {
			return nil, err
		}
		if e.NewRow, err = decodeRow(newRow); err != nil {
			return nil, err
		}
		if e.OldRow, err = decodeRow(oldRow); err != nil {
			return nil, err
		}
		if e.ClearTags, err = tag.Decode(clearTags); err != nil {
			return nil, fmt.Errorf("oplog: decode clearTags: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRaw returns every oplog entry the capture trigger layer has
// written since the last snapshot but that the snapshot engine has
// not yet stamped with a timestamp and clearTags — i.e. rows still
// carrying the sentinel Timestamp of 0. Ordered by rowid so the
// snapshot engine can collapse same-PK sequences (§4.3's
// insert-after-delete rule) in commit order.
func (s *Store) GetRaw(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
		FROM _electric_oplog
		WHERE timestamp = 0
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("oplog: query raw entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Stamp records the snapshot timestamp and computed clearTags for a
// raw entry, transitioning it from "captured" to "snapshotted" in
// place (§4.3 step 2).
func (s *Store) Stamp(ctx context.Context, rowid int64, timestamp int64, clearTags tag.Set) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE _electric_oplog SET timestamp = ?, clearTags = ? WHERE rowid = ?
	`, timestamp, tag.Encode(clearTags), rowid)
	if err != nil {
		return fmt.Errorf("oplog: stamp entry %d: %w", rowid, err)
	}
	return nil
}

// DeleteEntry removes a single oplog entry by rowid. Used by the
// apply engine to drop local entries once the server echoes them back
// and to scrub any entries defensive triggers wrote during apply
// (§4.5).
func (s *Store) DeleteEntry(ctx context.Context, rowid int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM _electric_oplog WHERE rowid = ?`, rowid)
	if err != nil {
		return fmt.Errorf("oplog: delete entry %d: %w", rowid, err)
	}
	return nil
}

// GarbageCollect deletes oplog entries with rowid <= uptoRowid, once
// the apply engine has confirmed the server has acknowledged them via
// the replication LSN. Returns the number of rows removed.
func (s *Store) GarbageCollect(ctx context.Context, uptoRowid int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM _electric_oplog WHERE rowid <= ?`, uptoRowid)
	if err != nil {
		return 0, fmt.Errorf("oplog: garbage collect: %w", err)
	}
	return result.RowsAffected()
}

// Compact is a defensive backstop over the ordinary GC path. Entries
// are normally deleted by the apply engine the moment the server
// echoes them back; Compact instead audits any stamped entry whose
// timestamp has fallen behind retention but that GC never caught
// (a lost acknowledgement, a checkpoint that never ran, and similar
// edge cases), logs it as an audit record in place of the export step
// a durable audit trail would otherwise need, and removes it. This is
// not a normal code path — a healthy client never accumulates entries
// old enough for Compact to find.
func (s *Store) Compact(ctx context.Context, retention time.Duration) (exported, deleted int64, err error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, namespace, tablename, optype, primaryKey, timestamp
		FROM _electric_oplog
		WHERE timestamp > 0 AND timestamp < ?
		ORDER BY rowid ASC
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("oplog: query stale entries: %w", err)
	}

	type staleEntry struct {
		rowid                int64
		namespace, tablename string
		optype               string
		pkJSON               string
		timestamp            int64
	}
	var stale []staleEntry
	for rows.Next() {
		var e staleEntry
		if err := rows.Scan(&e.rowid, &e.namespace, &e.tablename, &e.optype, &e.pkJSON, &e.timestamp); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("oplog: scan stale entry: %w", err)
		}
		stale = append(stale, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("oplog: iterate stale entries: %w", err)
	}

	for _, e := range stale {
		slog.Warn("oplog: compacting entry that outlived its acknowledgement window",
			"component", "oplog",
			"action", "compact",
			"rowid", e.rowid,
			"table", e.namespace+"."+e.tablename,
			"optype", e.optype,
			"primary_key", e.pkJSON,
			"age", time.Since(time.UnixMilli(e.timestamp)).String(),
		)
		exported++

		if _, err := s.db.ExecContext(ctx, `DELETE FROM _electric_oplog WHERE rowid = ?`, e.rowid); err != nil {
			return exported, deleted, fmt.Errorf("oplog: delete stale entry %d: %w", e.rowid, err)
		}
		deleted++
	}

	return exported, deleted, nil
}

// LatestRowid returns the highest rowid in the oplog, or 0 if empty.
func (s *Store) LatestRowid(ctx context.Context) (int64, error) {
	var rowid sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(rowid) FROM _electric_oplog`).Scan(&rowid)
	if err != nil {
		return 0, fmt.Errorf("oplog: latest rowid: %w", err)
	}
	if !rowid.Valid {
		return 0, nil
	}
	return rowid.Int64, nil
}

// GetShadow returns the shadow entry for a given row, or (ShadowEntry{}, false, nil)
// if no shadow entry exists (the row does not currently exist on this
// client: never written, or deleted).
func (s *Store) GetShadow(ctx context.Context, t relation.Qualified, pk map[string]any) (ShadowEntry, bool, error) {
	pkJSON, err := encodePK(pk)
	if err != nil {
		return ShadowEntry{}, false, err
	}

	var tagsJSON string
	err = s.db.QueryRowContext(ctx, `
		SELECT tags FROM _electric_shadow WHERE namespace = ? AND tablename = ? AND primaryKey = ?
	`, t.Namespace, t.Tablename, pkJSON).Scan(&tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ShadowEntry{}, false, nil
	}
	if err != nil {
		return ShadowEntry{}, false, fmt.Errorf("oplog: get shadow: %w", err)
	}

	tags, err := tag.Decode(tagsJSON)
	if err != nil {
		return ShadowEntry{}, false, fmt.Errorf("oplog: decode shadow tags: %w", err)
	}
	return ShadowEntry{Table: t, PrimaryKey: pk, Tags: tags}, true, nil
}

// UpsertShadow writes the shadow entry's tag set, replacing any prior
// value for this row.
func (s *Store) UpsertShadow(ctx context.Context, entry ShadowEntry) error {
	pkJSON, err := encodePK(entry.PrimaryKey)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _electric_shadow (namespace, tablename, primaryKey, tags)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, tablename, primaryKey) DO UPDATE SET tags = excluded.tags
	`, entry.Table.Namespace, entry.Table.Tablename, pkJSON, tag.Encode(entry.Tags))
	if err != nil {
		return fmt.Errorf("oplog: upsert shadow: %w", err)
	}
	return nil
}

// DeleteShadow removes the shadow entry for a row once it no longer
// exists locally (a snapshotted DELETE, or a merge whose final tag set
// is empty).
func (s *Store) DeleteShadow(ctx context.Context, t relation.Qualified, pk map[string]any) error {
	pkJSON, err := encodePK(pk)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM _electric_shadow WHERE namespace = ? AND tablename = ? AND primaryKey = ?
	`, t.Namespace, t.Tablename, pkJSON)
	if err != nil {
		return fmt.Errorf("oplog: delete shadow: %w", err)
	}
	return nil
}

// MetaGet retrieves a meta value by key. Returns ErrNotFound if absent.
func (s *Store) MetaGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _electric_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("oplog: meta get: %w", err)
	}
	return value, nil
}

// MetaSet sets a meta value, overwriting any prior value.
func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _electric_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("oplog: meta set: %w", err)
	}
	return nil
}
