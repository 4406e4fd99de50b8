// Package snapshotengine implements the Snapshot Engine (spec §4.3):
// it drains the raw oplog rows written by the (externally installed)
// capture trigger layer, stamps each with a single snapshot timestamp
// and the causal tags the merge engine will need later, and updates
// the shadow table to reflect the new tag set for every touched row.
//
// A snapshot runs under a single serializing mutex (§5): at most one
// snapshot is ever in flight, and a caller arriving while one is
// running either fails fast (Snapshot) or joins the next run
// (Throttled), per spec §4.3 step 1.
package snapshotengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/oplog"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/tag"
)

// ErrAlreadyPerforming is returned by Snapshot when a snapshot is
// already in flight. Per spec §7, this is a programmer-error class
// condition for direct callers; the Throttled path exists precisely
// so hosts that don't want to handle it can coalesce instead.
var ErrAlreadyPerforming = errors.New("snapshotengine: already performing snapshot")

// RecordChange describes one row touched by a snapshot, surfaced to
// the notifier so hosts can invalidate caches/UI.
type RecordChange struct {
	PrimaryKey map[string]any
	OpType     oplog.OpType
}

// TableChanges groups the rows a snapshot touched for one table.
type TableChanges struct {
	Table   relation.Qualified
	Rowids  []int64
	Changes []RecordChange
}

// Notification is emitted after a successful snapshot that touched at
// least one row (§4.3 step 4).
type Notification struct {
	Tables []TableChanges
}

// Empty reports whether the snapshot touched no rows.
func (n Notification) Empty() bool {
	return len(n.Tables) == 0
}

// Engine is the Snapshot Engine for one replicated database.
type Engine struct {
	db       dbadapter.DB
	catalog  *relation.Catalog
	clientID string

	mu sync.Mutex // the snapshot mutex (§5)

	lastTimestampMu sync.Mutex
	lastTimestamp   int64

	throttle throttler

	// now is overridable for deterministic tests; defaults to the
	// wall clock in milliseconds.
	now func() int64
}

// New constructs a snapshot engine for db, using catalog to know each
// table's full column list (needed for the insert-after-delete
// nullification rule) and clientID as the tag origin for every entry
// this engine stamps.
func New(db dbadapter.DB, catalog *relation.Catalog, clientID string) *Engine {
	return &Engine{
		db:       db,
		catalog:  catalog,
		clientID: clientID,
		now:      func() int64 { return time.Now().UTC().UnixMilli() },
	}
}

// SetClientID rebinds the tag origin used for entries this engine
// stamps from now on. The connection controller calls this once it
// has resolved the locally-persisted client identifier, since that
// identifier isn't known yet at the time the engine is constructed.
func (e *Engine) SetClientID(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clientID = clientID
}

// Snapshot performs one snapshot, failing immediately with
// ErrAlreadyPerforming if another snapshot is in flight.
func (e *Engine) Snapshot(ctx context.Context) (Notification, error) {
	if !e.mu.TryLock() {
		return Notification{}, ErrAlreadyPerforming
	}
	defer e.mu.Unlock()
	return e.runLocked(ctx)
}

// Throttled performs a snapshot, but coalesces concurrent calls
// arriving within minWindow of each other: a caller arriving while a
// snapshot is in flight (or within minWindow of the last one
// finishing) is handed the result of the *next* snapshot rather than
// erroring or running one immediately (§4.3 step 1, §5).
func (e *Engine) Throttled(ctx context.Context, minWindow time.Duration) (Notification, error) {
	return e.throttle.join(ctx, minWindow, e.runThrottled)
}

func (e *Engine) runThrottled(ctx context.Context) (Notification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runLocked(ctx)
}

// runLocked performs the actual snapshot. Caller must hold e.mu.
func (e *Engine) runLocked(ctx context.Context) (Notification, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Notification{}, fmt.Errorf("snapshotengine: begin transaction: %w", err)
	}
	defer tx.Rollback()

	store := oplog.NewStoreTx(tx)

	raw, err := store.GetRaw(ctx)
	if err != nil {
		return Notification{}, fmt.Errorf("snapshotengine: read raw entries: %w", err)
	}
	if len(raw) == 0 {
		if err := tx.Commit(); err != nil {
			return Notification{}, fmt.Errorf("snapshotengine: commit empty snapshot: %w", err)
		}
		return Notification{}, nil
	}

	ts := e.nextTimestamp()
	nullifyInsertsAfterDelete(raw, e.catalog)

	groups := groupByKey(raw)
	notification := Notification{}
	tableIndex := make(map[relation.Qualified]int)

	for key, group := range groups {
		t := group[0].Table
		pk := group[0].PrimaryKey

		shadow, hadShadow, err := store.GetShadow(ctx, t, pk)
		if err != nil {
			return Notification{}, fmt.Errorf("snapshotengine: load shadow for %s: %w", t, err)
		}
		preShadowTags := tag.Set(nil)
		if hadShadow {
			preShadowTags = shadow.Tags
		}

		sawDelete := false
		for _, e2 := range group {
			if e2.OpType == oplog.Delete {
				sawDelete = true
			} else if e2.OpType == oplog.Insert && sawDelete {
				// Persist the explicit nulls nullifyInsertsAfterDelete added.
				newRow, err := json.Marshal(e2.NewRow)
				if err != nil {
					return Notification{}, fmt.Errorf("snapshotengine: encode entry %d: %w", e2.Rowid, err)
				}
				if _, err := tx.ExecContext(ctx, `UPDATE _electric_oplog SET newRow = ? WHERE rowid = ?`, string(newRow), e2.Rowid); err != nil {
					return Notification{}, fmt.Errorf("snapshotengine: rewrite entry %d: %w", e2.Rowid, err)
				}
				sawDelete = false
			}
			var clearTags tag.Set
			if e2.OpType == oplog.Insert {
				clearTags = tag.NewSet(tag.Generate(e.clientID, ts))
			} else {
				clearTags = tag.Union(preShadowTags, tag.NewSet(tag.Generate(e.clientID, ts)))
			}
			if err := store.Stamp(ctx, e2.Rowid, ts, clearTags); err != nil {
				return Notification{}, fmt.Errorf("snapshotengine: stamp entry %d: %w", e2.Rowid, err)
			}
		}

		last := group[len(group)-1]
		switch last.OpType {
		case oplog.Insert, oplog.Update:
			if err := store.UpsertShadow(ctx, oplog.ShadowEntry{
				Table:      t,
				PrimaryKey: pk,
				Tags:       tag.NewSet(tag.Generate(e.clientID, ts)),
			}); err != nil {
				return Notification{}, fmt.Errorf("snapshotengine: upsert shadow for %s: %w", t, err)
			}
		case oplog.Delete:
			if err := store.DeleteShadow(ctx, t, pk); err != nil {
				return Notification{}, fmt.Errorf("snapshotengine: delete shadow for %s: %w", t, err)
			}
		}

		idx, ok := tableIndex[t]
		if !ok {
			idx = len(notification.Tables)
			tableIndex[t] = idx
			notification.Tables = append(notification.Tables, TableChanges{Table: t})
		}
		notification.Tables[idx].Rowids = append(notification.Tables[idx].Rowids, last.Rowid)
		notification.Tables[idx].Changes = append(notification.Tables[idx].Changes, RecordChange{
			PrimaryKey: pk,
			OpType:     last.OpType,
		})
		_ = key
	}

	if err := tx.Commit(); err != nil {
		return Notification{}, fmt.Errorf("snapshotengine: commit snapshot: %w", err)
	}

	e.lastTimestampMu.Lock()
	e.lastTimestamp = ts
	e.lastTimestampMu.Unlock()

	slog.Info("snapshot completed",
		"component", "snapshotengine",
		"action", "snapshot_complete",
		"timestamp", ts,
		"entries", len(raw),
		"tables", len(notification.Tables),
	)

	return notification, nil
}

func (e *Engine) nextTimestamp() int64 {
	e.lastTimestampMu.Lock()
	defer e.lastTimestampMu.Unlock()
	ts := e.now()
	if ts < e.lastTimestamp {
		ts = e.lastTimestamp
	}
	return ts
}

type pkGroupKey struct {
	table relation.Qualified
	pk    string
}

func groupByKey(entries []oplog.Entry) map[pkGroupKey][]oplog.Entry {
	groups := make(map[pkGroupKey][]oplog.Entry)
	order := make([]pkGroupKey, 0)
	for _, e := range entries {
		k := pkGroupKey{table: e.Table, pk: fmt.Sprint(e.PrimaryKey)}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}
	ordered := make(map[pkGroupKey][]oplog.Entry, len(groups))
	for _, k := range order {
		ordered[k] = groups[k]
	}
	return ordered
}

// nullifyInsertsAfterDelete implements §4.3's rule: an INSERT that
// immediately follows a DELETE on the same primary key within this
// raw batch gets every column the relation defines but the insert did
// not explicitly supply rewritten as an explicit null, so it does not
// silently inherit the pre-delete row's values once merged.
func nullifyInsertsAfterDelete(entries []oplog.Entry, catalog *relation.Catalog) {
	if catalog == nil {
		return
	}
	seenDelete := make(map[pkGroupKey]bool)
	for i := range entries {
		e := &entries[i]
		k := pkGroupKey{table: e.Table, pk: fmt.Sprint(e.PrimaryKey)}
		switch e.OpType {
		case oplog.Delete:
			seenDelete[k] = true
		case oplog.Insert:
			if !seenDelete[k] {
				continue
			}
			rel, ok := catalog.Get(e.Table)
			if !ok {
				continue
			}
			if e.NewRow == nil {
				e.NewRow = make(map[string]any)
			}
			for _, col := range rel.Columns {
				if rel.IsPrimaryKeyColumn(col) {
					continue
				}
				if _, supplied := e.NewRow[col]; !supplied {
					e.NewRow[col] = nil
				}
			}
			seenDelete[k] = false
		}
	}
}
