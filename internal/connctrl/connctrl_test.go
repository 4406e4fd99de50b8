package connctrl

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/mducko/electric/internal/applyengine"
	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/notifier"
	"github.com/mducko/electric/internal/oplog"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/shapes"
	"github.com/mducko/electric/internal/snapshotengine"
)

var itemsTable = relation.Qualified{Namespace: "public", Tablename: "items"}

func testCatalog() *relation.Catalog {
	return relation.NewCatalog(relation.Relation{
		Table:      itemsTable,
		Columns:    []string{"id", "title"},
		PrimaryKey: []string{"id"},
	})
}

func newTestController(t *testing.T, serverURL string) (*Controller, dbadapter.DB) {
	t.Helper()
	db, err := dbadapter.Open(filepath.Join(t.TempDir(), "satellite.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.ExecContext(context.Background(), `CREATE TABLE "items" (id TEXT PRIMARY KEY, title TEXT)`); err != nil {
		t.Fatalf("create items: %v", err)
	}

	catalog := testCatalog()
	qb := dbadapter.NewSQLiteQueryBuilder()
	bus := notifier.New()
	snapshot := snapshotengine.New(db, catalog, "")
	apply := applyengine.New(db, qb, catalog, "", false)
	shapeMgr := shapes.New("test-db", db, qb, catalog, apply, bus)

	cfg := config.ReplicationConfig{
		ServerURL:           serverURL,
		PollingInterval:     config.Duration(time.Hour),
		MinSnapshotWindow:   config.Duration(0),
		CompactionInterval:  config.Duration(time.Hour),
		CompactionRetention: config.Duration(24 * time.Hour),
	}
	backoff := config.BackoffConfig{InitialMs: 5, MaxMs: 20, Factor: 2, Jitter: 0}

	return New("test-db", db, qb, catalog, cfg, backoff, bus, snapshot, apply, shapeMgr), db
}

func TestBackoffDelayDoublesUntilCapped(t *testing.T) {
	cfg := config.BackoffConfig{InitialMs: 100, MaxMs: 1000, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1000 * time.Millisecond}, // capped
		{6, 1000 * time.Millisecond},
	}
	for _, c := range cases {
		got := backoffDelay(cfg, c.attempt)
		if got != c.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelayJitterStaysWithinRange(t *testing.T) {
	cfg := config.BackoffConfig{InitialMs: 100, MaxMs: 1000, Factor: 2, Jitter: 0.5}
	base := 100 * time.Millisecond
	low := base - base/2
	high := base + base/2
	for i := 0; i < 20; i++ {
		got := backoffDelay(cfg, 1)
		if got < low || got > high {
			t.Fatalf("backoffDelay with jitter = %v, want within [%v, %v]", got, low, high)
		}
	}
}

func TestStartBindsIdentityAndPersistsClientID(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t, "ws://127.0.0.1:1")
	t.Cleanup(c.Stop)

	if err := c.Start(ctx, AuthState{Token: "t", Sub: "user-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	clientID := c.ClientID()
	if clientID == "" {
		t.Fatalf("ClientID() is empty after Start")
	}
	if c.State() != Disconnected {
		t.Fatalf("State() = %v, want Disconnected", c.State())
	}

	store := oplog.NewStore(db)
	persisted, err := store.MetaGet(ctx, metaClientID)
	if err != nil || persisted != clientID {
		t.Fatalf("MetaGet(clientId) = %q, err=%v, want %q", persisted, err, clientID)
	}
}

func TestStartFailsOnIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, "ws://127.0.0.1:1")
	t.Cleanup(c.Stop)

	if err := c.Start(ctx, AuthState{Token: "t", Sub: "user-1"}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := c.Start(ctx, AuthState{Token: "t2", Sub: "user-2"}); err == nil {
		t.Fatalf("second Start() with a different identity should fail")
	}
}

func TestStartRejectsTokenWithNoIdentity(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, "ws://127.0.0.1:1")
	t.Cleanup(c.Stop)

	if err := c.Start(ctx, AuthState{Token: "t"}); err == nil {
		t.Fatalf("Start() with neither Sub nor UserID should fail")
	}
}

func TestSetTokenRejectsMismatchedIdentity(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, "ws://127.0.0.1:1")
	t.Cleanup(c.Stop)

	if err := c.Start(ctx, AuthState{Token: "t", Sub: "user-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.SetToken(ctx, AuthState{Token: "t2", Sub: "user-1"}); err != nil {
		t.Fatalf("SetToken() with matching identity should succeed, got %v", err)
	}
	if err := c.SetToken(ctx, AuthState{Token: "t3", Sub: "user-2"}); err == nil {
		t.Fatalf("SetToken() with a different identity should fail")
	}
}

func TestConnectWithBackoffGivesUpWhenRetryDeclines(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, "ws://127.0.0.1:1")
	t.Cleanup(c.Stop)

	if err := c.Start(ctx, AuthState{Token: "t", Sub: "user-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	attempts := 0
	retry := func(err error, attempt int) bool {
		attempts++
		return attempt < 2
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.ConnectWithBackoff(connectCtx, retry)
	if err == nil {
		t.Fatalf("ConnectWithBackoff() against an unreachable server should fail")
	}
	if attempts == 0 {
		t.Fatalf("retry predicate was never consulted")
	}
	if c.State() != Disconnected {
		t.Fatalf("State() after giving up = %v, want Disconnected", c.State())
	}
}

func TestResetLocalWipesDataAndLSN(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t, "ws://127.0.0.1:1")
	t.Cleanup(c.Stop)

	if _, err := db.ExecContext(ctx, `INSERT INTO "items" (id, title) VALUES ('a', 'x')`); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	store := oplog.NewStore(db)
	if err := store.UpsertShadow(ctx, oplog.ShadowEntry{Table: itemsTable, PrimaryKey: map[string]any{"id": "a"}}); err != nil {
		t.Fatalf("UpsertShadow() error = %v", err)
	}
	if err := store.MetaSet(ctx, metaLSN, base64.StdEncoding.EncodeToString([]byte("old-lsn"))); err != nil {
		t.Fatalf("MetaSet(lsn) error = %v", err)
	}

	if err := c.resetLocal(ctx); err != nil {
		t.Fatalf("resetLocal() error = %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "items"`).Scan(&count); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if count != 0 {
		t.Fatalf("items count after resetLocal = %d, want 0", count)
	}

	_, ok, err := store.GetShadow(ctx, itemsTable, map[string]any{"id": "a"})
	if err != nil {
		t.Fatalf("GetShadow() error = %v", err)
	}
	if ok {
		t.Fatalf("shadow entry should be gone after resetLocal")
	}

	lsn, err := store.MetaGet(ctx, metaLSN)
	if err != nil {
		t.Fatalf("MetaGet(lsn) error = %v", err)
	}
	if lsn != base64.StdEncoding.EncodeToString(nil) {
		t.Fatalf("lsn after resetLocal = %q, want the empty-LSN sentinel", lsn)
	}
}
