// Package satellite wires one local database's oplog, shadow table,
// snapshot scheduler, merge/apply engine, shape manager, and
// connection controller into a single replication session, and
// manages the set of such sessions a host process keeps open
// concurrently.
//
// A Session owns everything the spec's modules need to cooperate
// against one SQLite file; Registry lazily loads a Session per
// database path the first time it's asked for, mirroring
// multistore.StoreManager's lazy-load-and-cache pattern for a process
// that may talk to several local databases at once.
package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mducko/electric/internal/applyengine"
	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/notifier"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/shapes"
	"github.com/mducko/electric/internal/snapshotengine"
	"github.com/mducko/electric/internal/wire"
)

// Session is one replicated database: its own SQLite connection, its
// own connection controller, and its own notification bus. Nothing in
// a Session's state is shared with any other Session in a Registry.
type Session struct {
	Name string

	db       dbadapter.DB
	bus      *notifier.Bus
	snapshot *snapshotengine.Engine
	apply    *applyengine.Engine
	shapes   *shapes.Manager
	ctrl     *connctrl.Controller
}

// New builds a Session for one database path, given the schema
// catalog the host application has already described and the
// replication/backoff tunables to run it under. clientID identity is
// determined by Start, not by New; New only wires the stationary
// components together.
func New(name string, db dbadapter.DB, catalog *relation.Catalog, cfg config.ReplicationConfig, backoff config.BackoffConfig) (*Session, error) {
	if catalog == nil {
		return nil, fmt.Errorf("satellite: %s: catalog must not be nil", name)
	}

	qb := dbadapter.NewSQLiteQueryBuilder()
	bus := notifier.New()

	// clientID is unknown until the connection controller's Start
	// loads or mints it; the controller's Start then rebinds the
	// snapshot and apply engines to the resolved ID via SetClientID.
	snapshot := snapshotengine.New(db, catalog, "")
	apply := applyengine.New(db, qb, catalog, "", cfg.Compensations)
	shapeMgr := shapes.New(name, db, qb, catalog, apply, bus)

	ctrl := connctrl.New(name, db, qb, catalog, cfg, backoff, bus, snapshot, apply, shapeMgr)

	return &Session{
		Name: name, db: db, bus: bus,
		snapshot: snapshot, apply: apply, shapes: shapeMgr, ctrl: ctrl,
	}, nil
}

// Start binds auth, resolves (or mints) the local client identity, and
// begins the snapshot timer. The caller drives the connection itself
// via Connect, so Start can be retried independently of a flaky dial.
func (s *Session) Start(ctx context.Context, auth connctrl.AuthState) error {
	return s.ctrl.Start(ctx, auth)
}

// Connect dials the replication server with backoff until ctx is
// cancelled or Disconnect is called, matching the spec's requirement
// that reconnect is the controller's responsibility, not the host's.
func (s *Session) Connect(ctx context.Context, retry connctrl.RetryPredicate) error {
	return s.ctrl.ConnectWithBackoff(ctx, retry)
}

// SetToken rebinds the auth token used for the next connect attempt,
// without tearing down an active connection.
func (s *Session) SetToken(ctx context.Context, auth connctrl.AuthState) error {
	return s.ctrl.SetToken(ctx, auth)
}

// Disconnect tears down any live connection and its apply loop, but
// leaves the snapshot timer running so local writes keep accumulating
// for the next reconnect.
func (s *Session) Disconnect(reason string) {
	s.ctrl.Disconnect(reason)
}

// Stop halts the snapshot timer and disconnects; the Session is no
// longer usable afterward.
func (s *Session) Stop() {
	s.ctrl.Stop()
}

// Subscribe establishes a new shape subscription under key, or
// updates it in place if key already names one. The returned Synced
// future resolves once the subscription's initial batch has been
// applied.
func (s *Session) Subscribe(ctx context.Context, key string, shapeDefs []wire.ShapeDef) (*shapes.Synced, error) {
	return s.shapes.Subscribe(ctx, key, shapeDefs)
}

// Unsubscribe cancels and garbage-collects the subscription at key.
func (s *Session) Unsubscribe(ctx context.Context, key string) error {
	return s.shapes.Unsubscribe(ctx, key)
}

// Status returns the session's current connection state.
func (s *Session) Status() connctrl.State {
	return s.ctrl.State()
}

// ClientID returns the locally-bound client identifier, valid once
// Start has completed.
func (s *Session) ClientID() string {
	return s.ctrl.ClientID()
}

// Notifications returns the bus other components can subscribe to for
// data-change, connectivity, and shape-state events.
func (s *Session) Notifications() *notifier.Bus {
	return s.bus
}

// Subscriptions returns a snapshot of every known shape subscription
// and its current status, for introspection surfaces.
func (s *Session) Subscriptions() []shapes.Info {
	return s.shapes.Snapshot()
}

// Close releases the underlying database handle. Callers should Stop
// the session first so the snapshot timer and apply loop have
// actually quiesced.
func (s *Session) Close() error {
	return s.db.Close()
}

// Registry lazily loads and caches one Session per database path, so
// a host process that talks to several local databases (e.g. one per
// logged-in user profile) pays the cost of opening and migrating a
// database only the first time it's actually used.
type Registry struct {
	open func(path string) (dbadapter.DB, error)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty Registry. open is normally
// dbadapter.Open; tests substitute their own opener.
func NewRegistry(open func(path string) (dbadapter.DB, error)) *Registry {
	if open == nil {
		open = dbadapter.Open
	}
	return &Registry{open: open, sessions: make(map[string]*Session)}
}

// Get returns the Session for path, opening and wiring a fresh one on
// first access. catalog describes the schema path's database holds;
// it is only consulted the first time path is opened.
func (r *Registry) Get(path string, catalog *relation.Catalog, cfg config.ReplicationConfig, backoff config.BackoffConfig) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[path]; ok {
		return s, nil
	}

	db, err := r.open(path)
	if err != nil {
		return nil, fmt.Errorf("satellite: open %s: %w", path, err)
	}

	session, err := New(path, db, catalog, cfg, backoff)
	if err != nil {
		db.Close()
		return nil, err
	}

	r.sessions[path] = session
	slog.Info("satellite session loaded",
		"component", "satellite",
		"action", "session_loaded",
		"db_name", path,
	)
	return session, nil
}

// Sessions returns a point-in-time snapshot of every currently loaded
// session, for introspection surfaces that need to enumerate every
// open database rather than address one by path.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close stops and closes every loaded session. Errors are collected
// but every session is given a chance to close regardless of earlier
// failures.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, s := range r.sessions {
		s.Stop()
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("satellite: close %s: %w", path, err)
		}
		delete(r.sessions, path)
	}
	return firstErr
}
