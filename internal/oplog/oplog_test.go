package oplog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/tag"
)

func openTestDB(t *testing.T) dbadapter.DB {
	t.Helper()
	db, err := dbadapter.Open(filepath.Join(t.TempDir(), "satellite.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var itemsTable = relation.Qualified{Namespace: "public", Tablename: "items"}

func TestAppendAndGetEntries(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	rowid, err := store.Append(ctx, Entry{
		Table:      itemsTable,
		OpType:     Insert,
		PrimaryKey: map[string]any{"id": 1},
		NewRow:     map[string]any{"id": 1, "title": "buy milk"},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if rowid <= 0 {
		t.Fatalf("Append() rowid = %d, want > 0", rowid)
	}

	entries, err := store.GetEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("GetEntries() = %d entries, want 1", len(entries))
	}
	if entries[0].OpType != Insert || entries[0].NewRow["title"] != "buy milk" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestGetEntriesAfterRowidExcludesEarlier(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	first, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 2}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := store.GetEntries(ctx, first, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("GetEntries(after first) = %d entries, want 1", len(entries))
	}
	pk := entries[0].PrimaryKey["id"]
	if pk != float64(2) { // JSON round-trip decodes numbers as float64
		t.Fatalf("PrimaryKey[id] = %v, want 2", pk)
	}
}

func TestGetEntriesForTableFiltersByTable(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	other := relation.Qualified{Namespace: "public", Tablename: "other"}

	if _, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := store.Append(ctx, Entry{Table: other, OpType: Insert, PrimaryKey: map[string]any{"id": 1}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := store.GetEntriesForTable(ctx, itemsTable)
	if err != nil {
		t.Fatalf("GetEntriesForTable() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Table != itemsTable {
		t.Fatalf("GetEntriesForTable() = %+v, want exactly one items entry", entries)
	}
}

func TestGetRawOnlyReturnsUnstampedEntries(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	rowid, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	raw, err := store.GetRaw(ctx)
	if err != nil {
		t.Fatalf("GetRaw() error = %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("GetRaw() = %d entries, want 1", len(raw))
	}

	if err := store.Stamp(ctx, rowid, 1000, tag.NewSet(tag.Generate("client-a", 1000))); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}

	raw, err = store.GetRaw(ctx)
	if err != nil {
		t.Fatalf("GetRaw() error = %v", err)
	}
	if len(raw) != 0 {
		t.Fatalf("GetRaw() after Stamp = %d entries, want 0", len(raw))
	}

	entries, err := store.GetEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Timestamp != 1000 {
		t.Fatalf("stamped entry = %+v, want timestamp 1000", entries)
	}
}

func TestDeleteEntryRemovesRow(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	rowid, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.DeleteEntry(ctx, rowid); err != nil {
		t.Fatalf("DeleteEntry() error = %v", err)
	}
	entries, err := store.GetEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("GetEntries() after delete = %d entries, want 0", len(entries))
	}
}

func TestGarbageCollectDeletesUpToRowid(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	var last int64
	for i := 0; i < 3; i++ {
		rowid, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": i}})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		last = rowid
	}

	n, err := store.GarbageCollect(ctx, last-1)
	if err != nil {
		t.Fatalf("GarbageCollect() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("GarbageCollect() removed %d rows, want 2", n)
	}

	entries, err := store.GetEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("GetEntries() after GC = %d entries, want 1", len(entries))
	}
}

func TestCompactRemovesOnlyEntriesPastRetention(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	staleRowid, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	staleTimestamp := time.Now().Add(-48 * time.Hour).UnixMilli()
	if err := store.Stamp(ctx, staleRowid, staleTimestamp, nil); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}

	freshRowid, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 2}})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Stamp(ctx, freshRowid, time.Now().UnixMilli(), nil); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}

	// Never stamped (timestamp still the sentinel 0); Compact must leave
	// this alone regardless of retention, same as GetRaw would.
	if _, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 3}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	exported, deleted, err := store.Compact(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if exported != 1 || deleted != 1 {
		t.Fatalf("Compact() = (exported=%d, deleted=%d), want (1, 1)", exported, deleted)
	}

	entries, err := store.GetEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetEntries() after Compact = %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Rowid == staleRowid {
			t.Fatalf("stale entry %d survived Compact", staleRowid)
		}
	}
}

func TestCompactOnCleanOplogIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	if _, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	exported, deleted, err := store.Compact(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if exported != 0 || deleted != 0 {
		t.Fatalf("Compact() on a clean oplog = (exported=%d, deleted=%d), want (0, 0)", exported, deleted)
	}
}

func TestLatestRowidOnEmptyOplogIsZero(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	rowid, err := store.LatestRowid(ctx)
	if err != nil {
		t.Fatalf("LatestRowid() error = %v", err)
	}
	if rowid != 0 {
		t.Fatalf("LatestRowid() = %d, want 0 on empty oplog", rowid)
	}
}

func TestShadowRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	pk := map[string]any{"id": 1}

	_, ok, err := store.GetShadow(ctx, itemsTable, pk)
	if err != nil {
		t.Fatalf("GetShadow() error = %v", err)
	}
	if ok {
		t.Fatalf("GetShadow() on unknown row should report ok=false")
	}

	tags := tag.NewSet(tag.Generate("client-a", 100))
	if err := store.UpsertShadow(ctx, ShadowEntry{Table: itemsTable, PrimaryKey: pk, Tags: tags}); err != nil {
		t.Fatalf("UpsertShadow() error = %v", err)
	}

	shadow, ok, err := store.GetShadow(ctx, itemsTable, pk)
	if err != nil || !ok {
		t.Fatalf("GetShadow() = %v, ok=%v, err=%v", shadow, ok, err)
	}
	if len(shadow.Tags) != 1 {
		t.Fatalf("shadow.Tags = %v, want exactly one tag", shadow.Tags)
	}

	if err := store.DeleteShadow(ctx, itemsTable, pk); err != nil {
		t.Fatalf("DeleteShadow() error = %v", err)
	}
	_, ok, err = store.GetShadow(ctx, itemsTable, pk)
	if err != nil {
		t.Fatalf("GetShadow() after delete error = %v", err)
	}
	if ok {
		t.Fatalf("GetShadow() after DeleteShadow should report ok=false")
	}
}

func TestUpsertShadowOverwritesPriorTags(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	pk := map[string]any{"id": 1}

	if err := store.UpsertShadow(ctx, ShadowEntry{Table: itemsTable, PrimaryKey: pk, Tags: tag.NewSet(tag.Generate("a", 1))}); err != nil {
		t.Fatalf("UpsertShadow() error = %v", err)
	}
	if err := store.UpsertShadow(ctx, ShadowEntry{Table: itemsTable, PrimaryKey: pk, Tags: tag.NewSet(tag.Generate("b", 2))}); err != nil {
		t.Fatalf("UpsertShadow() error = %v", err)
	}

	shadow, ok, err := store.GetShadow(ctx, itemsTable, pk)
	if err != nil || !ok {
		t.Fatalf("GetShadow() = %v, ok=%v, err=%v", shadow, ok, err)
	}
	if _, has := shadow.Tags[tag.Generate("b", 2)]; !has {
		t.Fatalf("shadow.Tags = %v, want tag b@2", shadow.Tags)
	}
	if _, has := shadow.Tags[tag.Generate("a", 1)]; has {
		t.Fatalf("shadow.Tags = %v, want overwrite of a@1", shadow.Tags)
	}
}

func TestMetaGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))

	if _, err := store.MetaGet(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("MetaGet(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.MetaSet(ctx, "lsn", "abc"); err != nil {
		t.Fatalf("MetaSet() error = %v", err)
	}
	v, err := store.MetaGet(ctx, "lsn")
	if err != nil {
		t.Fatalf("MetaGet() error = %v", err)
	}
	if v != "abc" {
		t.Fatalf("MetaGet() = %q, want %q", v, "abc")
	}

	if err := store.MetaSet(ctx, "lsn", "def"); err != nil {
		t.Fatalf("MetaSet() overwrite error = %v", err)
	}
	v, err = store.MetaGet(ctx, "lsn")
	if err != nil {
		t.Fatalf("MetaGet() error = %v", err)
	}
	if v != "def" {
		t.Fatalf("MetaGet() after overwrite = %q, want %q", v, "def")
	}
}

func TestNewStoreTxParticipatesInCallerTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	store := NewStoreTx(tx)
	if _, err := store.Append(ctx, Entry{Table: itemsTable, OpType: Insert, PrimaryKey: map[string]any{"id": 1}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	outer := NewStore(db)
	entries, err := outer.GetEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("GetEntries() after rollback = %d entries, want 0", len(entries))
	}
}
