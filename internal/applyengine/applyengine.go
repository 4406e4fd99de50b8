// Package applyengine implements the Apply Engine (spec §4.5): given
// one incoming replication transaction, it merges each changed row
// against the client's own unacknowledged oplog entries, writes the
// resolved result to the local user tables, updates the shadow table,
// advances the replication LSN, and garbage-collects any local oplog
// entries the transaction just acknowledged.
//
// Local capture triggers are out of this package's scope to disable
// directly (§1: the trigger/migration layer is an external
// collaborator); instead, any oplog rows a defensive trigger writes
// during Apply are deleted before commit, per §4.5's "apply must add
// nothing to the local oplog" requirement.
package applyengine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/errorkind"
	"github.com/mducko/electric/internal/mergeengine"
	"github.com/mducko/electric/internal/oplog"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/tag"
	"github.com/mducko/electric/internal/wire"
)

// Transaction is the engine-internal view of an incoming replication
// transaction, decoded from the wire protocol's DataTransaction.
type Transaction struct {
	Origin          string
	CommitTimestamp int64
	LSN             []byte
	Changes         []wire.DataChange
}

// AckedRow names one primary key this apply run determined was
// originated by the local client and is now safe to garbage-collect
// from the local oplog.
type AckedRow struct {
	Table      relation.Qualified
	PrimaryKey map[string]any
}

// TableChange mirrors snapshotengine.RecordChange for apply-sourced
// notifications, keeping the Notifier's payload shape uniform
// regardless of which engine produced it.
type TableChange struct {
	PrimaryKey map[string]any
	OpType     mergeengine.OpType
}

// TableChanges groups the rows one apply run touched for a table.
type TableChanges struct {
	Table   relation.Qualified
	Changes []TableChange
}

// Notification is returned by Apply for rows successfully written.
type Notification struct {
	Tables []TableChanges
}

func (n Notification) Empty() bool { return len(n.Tables) == 0 }

// Engine is the Apply Engine for one replicated database.
type Engine struct {
	db      dbadapter.DB
	qb      dbadapter.QueryBuilder
	catalog *relation.Catalog

	clientIDMu sync.RWMutex
	clientID   string

	// compensations gates the synthesis of a compensation insert for an
	// incoming DELETE of a parent row a locally-held child still
	// references (§4.5). When false, such a delete surfaces as an
	// FK_VIOLATION instead of being repaired.
	compensations bool
}

// New constructs an Engine. qb must match db's SQL dialect.
func New(db dbadapter.DB, qb dbadapter.QueryBuilder, catalog *relation.Catalog, clientID string, compensations bool) *Engine {
	return &Engine{db: db, qb: qb, catalog: catalog, clientID: clientID, compensations: compensations}
}

// SetClientID rebinds the local-origin identifier Apply compares
// incoming transactions against. The connection controller calls this
// once it has resolved the locally-persisted client identifier, since
// that identifier isn't known yet at the time the engine is
// constructed.
func (e *Engine) SetClientID(clientID string) {
	e.clientIDMu.Lock()
	defer e.clientIDMu.Unlock()
	e.clientID = clientID
}

func (e *Engine) getClientID() string {
	e.clientIDMu.RLock()
	defer e.clientIDMu.RUnlock()
	return e.clientID
}

// Apply runs one incoming transaction to completion: merge, write,
// shadow update, LSN advance, and GC, all inside a single database
// transaction (§4.5 steps 1-6).
func (e *Engine) Apply(ctx context.Context, txn Transaction) (Notification, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Notification{}, fmt.Errorf("applyengine: begin transaction: %w", err)
	}
	defer tx.Rollback()

	store := oplog.NewStoreTx(tx)
	notification := Notification{}
	tableIndex := make(map[relation.Qualified]int)

	clientID := e.getClientID()
	isLocalOrigin := txn.Origin == clientID

	for _, change := range txn.Changes {
		t := relation.Qualified{Namespace: change.Relation.Namespace, Tablename: change.Relation.Tablename}
		rel, ok := e.catalog.Get(t)
		if !ok {
			return Notification{}, errorkind.New(errorkind.TableNotFound, fmt.Sprintf("applyengine: unknown table %s", t))
		}

		pk := extractPK(rel, change)
		incomingTags, err := tag.Decode(tagsToJSON(change.Tags))
		if err != nil {
			return Notification{}, errorkind.Wrap(errorkind.Internal, fmt.Errorf("applyengine: decode tags: %w", err))
		}

		localEntries, err := localEntriesForPK(ctx, store, t, pk)
		if err != nil {
			return Notification{}, errorkind.Wrap(errorkind.Internal, err)
		}

		shadow, hadShadow, err := store.GetShadow(ctx, t, pk)
		if err != nil {
			return Notification{}, errorkind.Wrap(errorkind.Internal, err)
		}
		var shadowTags tag.Set
		if hadShadow {
			shadowTags = shadow.Tags
		}

		priorRow, err := selectCurrentRow(ctx, tx, e.qb, rel, pk)
		if err != nil {
			return Notification{}, errorkind.Wrap(errorkind.Internal, err)
		}

		incomingEntry := oplog.Entry{
			Table:      t,
			OpType:     changeTypeToOpType(change.Type),
			PrimaryKey: pk,
			NewRow:     change.Record,
			OldRow:     change.OldRecord,
			Timestamp:  txn.CommitTimestamp,
			ClearTags:  tag.Union(shadowTags, incomingTags),
		}

		resolved := mergeengine.Merge(t, pk, shadowTags, priorRow, clientID, localEntries, txn.Origin, []oplog.Entry{incomingEntry})

		if resolved.OpType == mergeengine.Delete || resolved.OpType == mergeengine.Gone {
			blocked, err := e.childStillReferences(ctx, tx, t, pk)
			if err != nil {
				return Notification{}, errorkind.Wrap(errorkind.Internal, err)
			}
			if blocked {
				if !e.compensations {
					return Notification{}, errorkind.New(errorkind.FKViolation,
						fmt.Sprintf("applyengine: delete of %s blocked by a locally-held referencing row", t))
				}
				resolved = compensate(rel, resolved)
				if _, err := store.Append(ctx, oplog.Entry{
					Table:      t,
					OpType:     oplog.Compensation,
					PrimaryKey: pk,
					NewRow:     resolved.FullRow,
					Timestamp:  txn.CommitTimestamp,
					ClearTags:  resolved.Tags,
				}); err != nil {
					return Notification{}, errorkind.Wrap(errorkind.Internal, err)
				}
			}
		}

		if err := writeResolvedRow(ctx, tx, e.qb, rel, resolved); err != nil {
			if errorkind.KindOf(err) == errorkind.Internal {
				err = errorkind.Wrap(errorkind.FKViolation, err)
			}
			return Notification{}, err
		}

		if resolved.Tags.Empty() {
			if err := store.DeleteShadow(ctx, t, pk); err != nil {
				return Notification{}, errorkind.Wrap(errorkind.Internal, err)
			}
		} else if err := store.UpsertShadow(ctx, oplog.ShadowEntry{Table: t, PrimaryKey: pk, Tags: resolved.Tags}); err != nil {
			return Notification{}, errorkind.Wrap(errorkind.Internal, err)
		}

		if isLocalOrigin {
			for _, local := range localEntries {
				if err := store.DeleteEntry(ctx, local.Rowid); err != nil {
					return Notification{}, errorkind.Wrap(errorkind.Internal, err)
				}
			}
		}

		idx, ok := tableIndex[t]
		if !ok {
			idx = len(notification.Tables)
			tableIndex[t] = idx
			notification.Tables = append(notification.Tables, TableChanges{Table: t})
		}
		notification.Tables[idx].Changes = append(notification.Tables[idx].Changes, TableChange{
			PrimaryKey: pk,
			OpType:     resolved.OpType,
		})
	}

	if err := scrubDefensiveTriggerEntries(ctx, store); err != nil {
		return Notification{}, errorkind.Wrap(errorkind.Internal, err)
	}

	if err := store.MetaSet(ctx, "lsn", base64.StdEncoding.EncodeToString(txn.LSN)); err != nil {
		return Notification{}, errorkind.Wrap(errorkind.Internal, err)
	}

	if err := tx.Commit(); err != nil {
		return Notification{}, errorkind.Wrap(errorkind.Internal, fmt.Errorf("applyengine: commit: %w", err))
	}

	return notification, nil
}

// extractPK builds the primary key map from whichever of record/old
// record the change carries; a DELETE/GONE change has only OldRecord.
func extractPK(rel relation.Relation, change wire.DataChange) map[string]any {
	src := change.Record
	if src == nil {
		src = change.OldRecord
	}
	pk := make(map[string]any, len(rel.PrimaryKey))
	for _, col := range rel.PrimaryKey {
		pk[col] = src[col]
	}
	return pk
}

func changeTypeToOpType(t wire.ChangeType) oplog.OpType {
	switch t {
	case wire.Insert, wire.Initial:
		return oplog.Insert
	case wire.Update:
		return oplog.Update
	case wire.Delete:
		return oplog.Delete
	case wire.Gone:
		return oplog.Gone
	default:
		return oplog.Update
	}
}

// localEntriesForPK returns the client's own unacknowledged oplog
// entries for exactly this primary key, the "local oplog entries for
// the same PKs that have not yet been acknowledged" input to the
// merge step (§4.5 step 2).
func localEntriesForPK(ctx context.Context, store *oplog.Store, t relation.Qualified, pk map[string]any) ([]oplog.Entry, error) {
	all, err := store.GetEntriesForTable(ctx, t)
	if err != nil {
		return nil, err
	}
	var matching []oplog.Entry
	for _, e := range all {
		if pkEqual(e.PrimaryKey, pk) {
			matching = append(matching, e)
		}
	}
	return matching, nil
}

// childStillReferences reports whether some row this client still
// holds in a child table references parent via a foreign key, which
// would make deleting parent a constraint violation (§4.5).
func (e *Engine) childStillReferences(ctx context.Context, tx dbadapter.Tx, parent relation.Qualified, pk map[string]any) (bool, error) {
	for _, child := range e.catalog.Children(parent) {
		for _, fk := range child.ForeignKeys {
			if fk.References != parent {
				continue
			}
			val, ok := pk[fk.ReferencesColumn]
			if !ok {
				continue
			}
			query := fmt.Sprintf(`SELECT 1 FROM %q WHERE %q = ? LIMIT 1`, child.Table.Tablename, fk.Column)
			var exists int
			err := tx.QueryRowContext(ctx, query, val).Scan(&exists)
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return false, fmt.Errorf("applyengine: check FK %s.%s: %w", child.Table, fk.Column, err)
			}
		}
	}
	return false, nil
}

// compensate turns a DELETE/GONE resolution that would break a
// foreign key into an UPSERT of a minimal row: the primary key plus
// an explicit null for every other column, since those are the only
// values the child's foreign key lets this client reconstruct (§4.5).
// The resolved Tags are left as Merge computed them (empty, or a
// lingering shadow), so the row remains logically gone to the
// replication algebra even though its physical stub survives.
func compensate(rel relation.Relation, resolved mergeengine.ResolvedRow) mergeengine.ResolvedRow {
	full := make(map[string]any, len(rel.Columns))
	for _, col := range rel.Columns {
		full[col] = nil
	}
	for k, v := range resolved.PrimaryKey {
		full[k] = v
	}
	resolved.OpType = mergeengine.Upsert
	resolved.FullRow = full
	return resolved
}

func pkEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(b[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func selectCurrentRow(ctx context.Context, tx dbadapter.Tx, qb dbadapter.QueryBuilder, rel relation.Relation, pk map[string]any) (map[string]any, error) {
	query, args := qb.SelectByPK(rel, pk)
	row := tx.QueryRowContext(ctx, query, args...)

	cols := make([]any, len(rel.Columns))
	ptrs := make([]any, len(rel.Columns))
	for i := range cols {
		ptrs[i] = &cols[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, nil // no existing row is not an error: nil means "does not exist"
	}

	out := make(map[string]any, len(rel.Columns))
	for i, col := range rel.Columns {
		out[col] = cols[i]
	}
	return out, nil
}

func writeResolvedRow(ctx context.Context, tx dbadapter.Tx, qb dbadapter.QueryBuilder, rel relation.Relation, resolved mergeengine.ResolvedRow) error {
	switch resolved.OpType {
	case mergeengine.Upsert:
		query, args := qb.Upsert(rel, resolved.FullRow)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("applyengine: upsert %s: %w", rel.Table, err)
		}
	case mergeengine.Delete, mergeengine.Gone:
		query, args := qb.Delete(rel, resolved.PrimaryKey)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("applyengine: delete %s: %w", rel.Table, err)
		}
	}
	return nil
}

// scrubDefensiveTriggerEntries deletes any raw oplog rows written
// during this apply — e.g. by a capture trigger that fires
// defensively despite the session not being marked in-apply — so the
// local oplog never grows from an incoming write (§4.5, "apply must
// add nothing to the local oplog").
func scrubDefensiveTriggerEntries(ctx context.Context, store *oplog.Store) error {
	raw, err := store.GetRaw(ctx)
	if err != nil {
		return err
	}
	for _, e := range raw {
		if err := store.DeleteEntry(ctx, e.Rowid); err != nil {
			return err
		}
	}
	return nil
}

func tagsToJSON(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	out := "["
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += `"` + t + `"`
	}
	return out + "]"
}
