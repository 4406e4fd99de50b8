// Package shapes implements the Shape Subscription Manager (spec
// §4.6): the state machine that turns a caller's declarative shape
// request into a server subscription, applies the initial batch the
// server streams back through the Apply Engine, persists its own
// state across restarts, and garbage-collects rows when a
// subscription is replaced or cancelled.
package shapes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mducko/electric/internal/applyengine"
	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/errorkind"
	"github.com/mducko/electric/internal/notifier"
	"github.com/mducko/electric/internal/oplog"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/tag"
	"github.com/mducko/electric/internal/wire"
)

// Status mirrors spec §3's Subscription.status.
type Status string

const (
	StatusEstablishing Status = "establishing"
	StatusActive       Status = "active"
	StatusCancelling   Status = "cancelling"
	StatusGone         Status = "gone"
)

// Progress mirrors spec §4.6's progress sub-states of Establishing.
type Progress string

const (
	ProgressReceivingData Progress = "receiving_data"
	ProgressRemovingData  Progress = "removing_data"
)

// metaKey is the _electric_meta key the manager's state is persisted
// under, per spec §3/§6.
const metaKey = "subscriptions"

// ServerClient is the narrow surface the manager needs from the
// replication connection to issue subscribe/unsubscribe requests. The
// connection controller supplies the concrete implementation backed
// by internal/transport.
type ServerClient interface {
	Subscribe(ctx context.Context, req wire.SubscribeRequest) (wire.SubscribeResponse, []wire.DataChange, error)
	Unsubscribe(ctx context.Context, req wire.UnsubscribeRequest) error
}

// record is the manager's live in-memory view of one subscription key.
type record struct {
	key          string
	serverID     string
	oldServerID  string
	oldShapes    []wire.ShapeDef
	shapes       []wire.ShapeDef
	status       Status
	progress     Progress
}

// Synced is the future a caller waits on to learn when a subscribe
// request reaches a terminal state (active, or gone with an error).
type Synced struct {
	done chan struct{}
	err  error
}

func newSynced() *Synced {
	return &Synced{done: make(chan struct{})}
}

func (s *Synced) resolve(err error) {
	s.err = err
	close(s.done)
}

// Wait blocks until the subscription this future tracks reaches
// active (err == nil) or gone (err != nil), or ctx is cancelled.
func (s *Synced) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager is the Shape Subscription Manager for one local database.
type Manager struct {
	dbName   string
	db       dbadapter.DB
	qb       dbadapter.QueryBuilder
	catalog  *relation.Catalog
	client   ServerClient
	applier  *applyengine.Engine
	bus      *notifier.Bus

	mu      sync.Mutex
	subs    map[string]*record
	futures map[string]*Synced
}

// New constructs a shape subscription manager. client may be nil until
// a connection is established; Subscribe calls made while client is
// nil fail with errorkind.Internal rather than blocking.
func New(dbName string, db dbadapter.DB, qb dbadapter.QueryBuilder, catalog *relation.Catalog, applier *applyengine.Engine, bus *notifier.Bus) *Manager {
	return &Manager{
		dbName:  dbName,
		db:      db,
		qb:      qb,
		catalog: catalog,
		applier: applier,
		bus:     bus,
		subs:    make(map[string]*record),
		futures: make(map[string]*Synced),
	}
}

// SetClient (re)binds the server client used to issue subscribe and
// unsubscribe requests, e.g. after a reconnect assigns a fresh
// transport session.
func (m *Manager) SetClient(client ServerClient) {
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
}

// Subscribe registers shapes under key, deduplicating concurrent
// identical requests and replacing any prior shape on the same key
// (§4.6). The returned Synced future resolves once the subscription
// becomes active or fails.
func (m *Manager) Subscribe(ctx context.Context, key string, shapeDefs []wire.ShapeDef) (*Synced, error) {
	m.mu.Lock()
	client := m.client
	if existing, ok := m.subs[key]; ok {
		if sameShapes(existing.shapes, shapeDefs) {
			switch existing.status {
			case StatusEstablishing:
				f := m.futures[key]
				m.mu.Unlock()
				return f, nil
			case StatusActive:
				f := newSynced()
				f.resolve(nil)
				m.mu.Unlock()
				return f, nil
			}
		}
	}
	if client == nil {
		m.mu.Unlock()
		return nil, errorkind.New(errorkind.Internal, "shapes: no connection available")
	}

	rec := &record{key: key, shapes: shapeDefs, status: StatusEstablishing, progress: ProgressReceivingData}
	if prior, ok := m.subs[key]; ok && prior.status == StatusActive {
		rec.oldServerID = prior.serverID
		rec.oldShapes = prior.shapes
	}
	m.subs[key] = rec
	future := newSynced()
	m.futures[key] = future
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.emitState(key, StatusEstablishing, "")
	go m.establish(ctx, key, rec, future, client)
	return future, nil
}

// establish drives one subscribe attempt to completion: request the
// server subscription, apply the initial batch, and transition to
// active or gone.
func (m *Manager) establish(ctx context.Context, key string, rec *record, future *Synced, client ServerClient) {
	resp, initial, err := client.Subscribe(ctx, wire.SubscribeRequest{SubscriptionID: key, Shapes: rec.shapes})
	if err != nil {
		m.fail(ctx, key, future, errorkind.Wrap(errorkind.ShapeDeliveryError, err))
		return
	}

	m.mu.Lock()
	rec.serverID = resp.ServerID
	m.persistLocked(ctx)
	m.mu.Unlock()

	for i := range initial {
		initial[i].ShapeServerID = resp.ServerID
	}

	_, err = m.applier.Apply(ctx, applyengine.Transaction{
		Origin:          tag.ServerOrigin,
		CommitTimestamp: nowMillis(),
		Changes:         initial,
	})
	if err != nil {
		kind := errorkind.KindOf(err)
		if kind == errorkind.Internal {
			kind = errorkind.FKViolation
		}
		if unsubErr := client.Unsubscribe(ctx, wire.UnsubscribeRequest{ServerID: resp.ServerID}); unsubErr != nil {
			slog.Warn("shapes: unsubscribe after failed initial apply",
				"component", "shapes", "key", key, "error", unsubErr)
		}
		m.fail(ctx, key, future, errorkind.Wrap(kind, err))
		return
	}

	m.mu.Lock()
	rec.status = StatusActive
	rec.progress = ""
	m.persistLocked(ctx)
	oldServerID, oldShapes := rec.oldServerID, rec.oldShapes
	m.mu.Unlock()

	m.emitState(key, StatusActive, "")

	if oldServerID != "" {
		m.mu.Lock()
		rec.progress = ProgressRemovingData
		m.persistLocked(ctx)
		m.mu.Unlock()

		if err := m.gcShapes(ctx, oldShapes, rec.shapes); err != nil {
			slog.Warn("shapes: GC of replaced shape failed",
				"component", "shapes", "key", key, "error", err)
		}

		m.mu.Lock()
		rec.progress = ""
		m.persistLocked(ctx)
		m.mu.Unlock()
	}

	future.resolve(nil)
}

// fail discards key's in-flight attempt entirely: per spec §4.6's
// failure behavior and the "shape GC on failure" scenario, a failed
// establish leaves no trace in active/known/unfulfilled — the key is
// simply removed, not left recorded as gone.
func (m *Manager) fail(ctx context.Context, key string, future *Synced, err error) {
	m.mu.Lock()
	delete(m.subs, key)
	delete(m.futures, key)
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.emitState(key, StatusGone, err.Error())
	future.resolve(err)
}

// Unsubscribe tears down the subscription at key: asks the server to
// stop streaming it, then deletes locally any rows uniquely covered
// by its shapes (§4.6 "GC on unsubscribe").
func (m *Manager) Unsubscribe(ctx context.Context, key string) error {
	m.mu.Lock()
	rec, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return errorkind.New(errorkind.Internal, fmt.Sprintf("shapes: unknown subscription %q", key))
	}
	client := m.client
	rec.status = StatusCancelling
	m.persistLocked(ctx)
	m.mu.Unlock()
	m.emitState(key, StatusCancelling, "")

	if client != nil && rec.serverID != "" {
		if err := client.Unsubscribe(ctx, wire.UnsubscribeRequest{ServerID: rec.serverID}); err != nil {
			slog.Warn("shapes: server unsubscribe failed, GC proceeding anyway",
				"component", "shapes", "key", key, "error", err)
		}
	}

	others := m.otherActiveShapes(key)
	if err := m.gcShapes(ctx, rec.shapes, others); err != nil {
		return errorkind.Wrap(errorkind.Internal, err)
	}

	m.mu.Lock()
	delete(m.subs, key)
	delete(m.futures, key)
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.emitState(key, StatusGone, "")
	return nil
}

// otherActiveShapes flattens every shape definition belonging to any
// subscription other than key, for use as the "still covered" set a
// GC pass must not delete.
func (m *Manager) otherActiveShapes(exclude string) []wire.ShapeDef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wire.ShapeDef
	for k, r := range m.subs {
		if k == exclude {
			continue
		}
		out = append(out, r.shapes...)
	}
	return out
}

// gcShapes deletes every row of every table named by removed that is
// not also named by any shape in keep, in reverse foreign-key
// dependency order, clearing the corresponding shadow entries.
func (m *Manager) gcShapes(ctx context.Context, removed []wire.ShapeDef, keep ...[]wire.ShapeDef) error {
	keepTables := make(map[relation.Qualified]bool)
	for _, shapes := range keep {
		for _, s := range shapes {
			keepTables[relation.Qualified{Namespace: s.Namespace, Tablename: s.Tablename}] = true
		}
	}

	var toDrop []relation.Qualified
	for _, s := range removed {
		t := relation.Qualified{Namespace: s.Namespace, Tablename: s.Tablename}
		if !keepTables[t] {
			toDrop = append(toDrop, t)
		}
	}
	if len(toDrop) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("shapes: begin GC transaction: %w", err)
	}
	defer tx.Rollback()

	store := oplog.NewStoreTx(tx)
	for _, t := range m.catalog.DeleteOrder(toDrop) {
		rel, ok := m.catalog.Get(t)
		if !ok {
			continue
		}
		if err := deleteAllRows(ctx, tx, store, m.qb, rel); err != nil {
			return fmt.Errorf("shapes: GC table %s: %w", t, err)
		}
	}

	return tx.Commit()
}

func deleteAllRows(ctx context.Context, tx dbadapter.Tx, store *oplog.Store, qb dbadapter.QueryBuilder, rel relation.Relation) error {
	query, args := qb.SelectAll(rel)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	var pks []map[string]any
	for rows.Next() {
		cols := make([]any, len(rel.Columns))
		ptrs := make([]any, len(rel.Columns))
		for i := range cols {
			ptrs[i] = &cols[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return err
		}
		pk := make(map[string]any, len(rel.PrimaryKey))
		for _, c := range rel.PrimaryKey {
			for i, col := range rel.Columns {
				if col == c {
					pk[c] = cols[i]
				}
			}
		}
		pks = append(pks, pk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, pk := range pks {
		delQuery, delArgs := qb.Delete(rel, pk)
		if _, err := tx.ExecContext(ctx, delQuery, delArgs...); err != nil {
			return err
		}
		if err := store.DeleteShadow(ctx, rel.Table, pk); err != nil {
			return err
		}
	}
	return nil
}

func sameShapes(a, b []wire.ShapeDef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Namespace != b[i].Namespace || a[i].Tablename != b[i].Tablename || a[i].Where != b[i].Where {
			return false
		}
		if len(a[i].Columns) != len(b[i].Columns) {
			return false
		}
		for j := range a[i].Columns {
			if a[i].Columns[j] != b[i].Columns[j] {
				return false
			}
		}
	}
	return true
}

func (m *Manager) emitState(key string, status Status, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.EmitShapeState(notifier.ShapeStateEvent{
		DBName: m.dbName,
		Key:    key,
		Status: notifier.ShapeStatus(status),
		Error:  errMsg,
	})
}

// --- persistence (§3, §4.6) ---

type persistedSub struct {
	Key         string          `json:"key"`
	ServerID    string          `json:"server_id,omitempty"`
	OldServerID string          `json:"old_server_id,omitempty"`
	Shapes      []wire.ShapeDef `json:"shapes"`
	Status      Status          `json:"status"`
	Progress    Progress        `json:"progress,omitempty"`
}

type persistedState struct {
	Active      map[string]persistedSub `json:"active"`
	Known       map[string]persistedSub `json:"known"`
	Unfulfilled map[string]persistedSub `json:"unfulfilled"`
	Unsubscribes []string               `json:"unsubscribes"`
}

// persistLocked serializes the manager's current state into the
// `subscriptions` meta key. Caller must hold m.mu.
func (m *Manager) persistLocked(ctx context.Context) {
	state := persistedState{
		Active:      make(map[string]persistedSub),
		Known:       make(map[string]persistedSub),
		Unfulfilled: make(map[string]persistedSub),
	}
	for key, rec := range m.subs {
		p := persistedSub{
			Key: key, ServerID: rec.serverID, OldServerID: rec.oldServerID,
			Shapes: rec.shapes, Status: rec.status, Progress: rec.progress,
		}
		state.Known[key] = p
		switch rec.status {
		case StatusActive:
			state.Active[key] = p
		case StatusEstablishing:
			if rec.serverID == "" {
				state.Unfulfilled[key] = p
			}
		case StatusCancelling:
			state.Unsubscribes = append(state.Unsubscribes, rec.serverID)
		}
	}

	b, err := json.Marshal(state)
	if err != nil {
		slog.Error("shapes: marshal persisted state", "error", err)
		return
	}
	store := oplog.NewStore(m.db)
	if err := store.MetaSet(ctx, metaKey, string(b)); err != nil {
		slog.Error("shapes: persist subscriptions", "error", err)
	}
}

// Restore loads persisted state from the `subscriptions` meta key and
// retries every unfulfilled subscription against the server (§4.6,
// "On restart, unfulfilled subscriptions are retried automatically").
func (m *Manager) Restore(ctx context.Context) error {
	store := oplog.NewStore(m.db)
	raw, err := store.MetaGet(ctx, metaKey)
	if err != nil {
		if err == oplog.ErrNotFound {
			return nil
		}
		return fmt.Errorf("shapes: load persisted state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("shapes: decode persisted state: %w", err)
	}

	m.mu.Lock()
	for key, p := range state.Known {
		if p.Status == StatusActive {
			m.subs[key] = &record{key: key, serverID: p.ServerID, shapes: p.Shapes, status: StatusActive}
		}
	}
	retry := make([]persistedSub, 0, len(state.Unfulfilled))
	for _, p := range state.Unfulfilled {
		retry = append(retry, p)
	}
	m.mu.Unlock()

	for _, p := range retry {
		if _, err := m.Subscribe(ctx, p.Key, p.Shapes); err != nil {
			slog.Warn("shapes: retry of unfulfilled subscription failed to start",
				"component", "shapes", "key", p.Key, "error", err)
		}
	}
	return nil
}

// ForceResubscribeAll re-establishes every subscription the manager
// currently knows about from scratch, discarding the in-memory record
// of each first so Subscribe treats it as new rather than deduplicating
// against an identical shape list. Used after a BEHIND_WINDOW local
// reset (§4.7), where the server-side subscription state may no longer
// match what this client last saw.
func (m *Manager) ForceResubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.subs))
	shapesByKey := make(map[string][]wire.ShapeDef, len(m.subs))
	for key, rec := range m.subs {
		keys = append(keys, key)
		shapesByKey[key] = rec.shapes
	}
	for _, key := range keys {
		delete(m.subs, key)
		delete(m.futures, key)
	}
	m.persistLocked(ctx)
	m.mu.Unlock()

	for _, key := range keys {
		if _, err := m.Subscribe(ctx, key, shapesByKey[key]); err != nil {
			slog.Warn("shapes: resubscribe after reset failed to start",
				"component", "shapes", "key", key, "error", err)
		}
	}
	return nil
}

// Snapshot returns a point-in-time view of every subscription the
// manager currently knows about, for the debug/introspection surface.
type Info struct {
	Key      string
	ServerID string
	Status   Status
	Progress Progress
	Shapes   []wire.ShapeDef
}

func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.subs))
	for _, rec := range m.subs {
		out = append(out, Info{Key: rec.key, ServerID: rec.serverID, Status: rec.status, Progress: rec.progress, Shapes: rec.shapes})
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
