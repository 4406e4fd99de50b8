// Package satellite is the public, embeddable client for a single
// replicated database: open a local SQLite file, describe its schema,
// and drive capture, snapshot, merge/apply, and shape subscriptions
// against a replication server, all from one Client value.
//
// It is a thin, host-friendly façade over internal/satellite's
// Session — the package boundary a host application actually depends
// on, generalized from the teacher's pkg/recall client in the same
// role: a small public surface wrapping private orchestration.
package satellite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/mducko/electric/internal/dbadapter"
	isatellite "github.com/mducko/electric/internal/satellite"
)

// Config holds everything needed to open one replicated database.
type Config struct {
	// LocalPath is the SQLite file backing this client. It holds both
	// the host's own tables and the engine's oplog/shadow/meta tables.
	LocalPath string
	// Catalog describes the host's schema. Required.
	Catalog *Catalog
	// ServerURL is the websocket endpoint of the replication server.
	ServerURL string
	// Replication and Backoff override the engine's default tunables.
	// Open fills in defaults per block, not per field: an empty
	// Replication.ServerURL replaces the whole Replication block with
	// the defaults (using ServerURL above), and an all-zero Backoff is
	// replaced by the default schedule. A partly filled block is used
	// as given.
	Replication ReplicationConfig
	Backoff     BackoffConfig
}

func (c Config) validate() error {
	if c.LocalPath == "" {
		return errors.New("satellite: Config.LocalPath is required")
	}
	if c.Catalog == nil {
		return errors.New("satellite: Config.Catalog is required")
	}
	return nil
}

// defaultBackoff mirrors internal/config's newDefaults, since a host
// embedding this package directly has no YAML file to load them from.
func defaultBackoff() BackoffConfig {
	return BackoffConfig{InitialMs: 250, MaxMs: 10_000, Factor: 2.0, Jitter: 0.2}
}

func defaultReplication(serverURL string) ReplicationConfig {
	return ReplicationConfig{
		ServerURL:           serverURL,
		PollingInterval:     config.Duration(time.Second),
		MinSnapshotWindow:   config.Duration(40 * time.Millisecond),
		FKChecks:            true,
		Compensations:       true,
		CompactionInterval:  config.Duration(time.Hour),
		CompactionRetention: config.Duration(24 * time.Hour),
	}
}

// Client is a single replicated database, opened from a local path
// and driven against one replication server.
type Client struct {
	config  Config
	db      dbadapter.DB
	session *isatellite.Session

	mu     sync.RWMutex
	closed bool
}

// Open creates (or reopens) the local database at cfg.LocalPath,
// applies pending migrations, and wires the replication engine
// against it. It does not bind auth or dial the server; call Start
// and then Connect for that.
func Open(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Replication.ServerURL == "" {
		cfg.Replication = defaultReplication(cfg.ServerURL)
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = defaultBackoff()
	}

	db, err := dbadapter.Open(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("satellite: open %s: %w", cfg.LocalPath, err)
	}

	session, err := isatellite.New(cfg.LocalPath, db, cfg.Catalog, cfg.Replication, cfg.Backoff)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Client{config: cfg, db: db, session: session}, nil
}

// Start binds auth, resolves (or mints) this client's identity, and
// begins the snapshot and compaction timers. It must be called before
// Connect.
func (c *Client) Start(ctx context.Context, auth AuthState) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.session.Start(ctx, auth)
}

// Connect dials the replication server with backoff until ctx is
// cancelled, Disconnect is called, or retry gives up. Callers
// typically run this in its own goroutine.
func (c *Client) Connect(ctx context.Context, retry RetryPredicate) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.session.Connect(ctx, retry)
}

// SetToken rebinds the credential used for the next (re)connect
// without tearing down an active connection.
func (c *Client) SetToken(ctx context.Context, auth AuthState) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.session.SetToken(ctx, auth)
}

// Disconnect tears down any live connection but leaves local writes
// accumulating for the next Connect.
func (c *Client) Disconnect(reason string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.session.Disconnect(reason)
}

// Subscribe establishes (or updates) a shape subscription under key.
// The returned Synced future resolves once the subscription's initial
// batch has been applied.
func (c *Client) Subscribe(ctx context.Context, key string, shapes []ShapeDef) (*Synced, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.session.Subscribe(ctx, key, shapes)
}

// Unsubscribe cancels and garbage-collects the subscription at key.
func (c *Client) Unsubscribe(ctx context.Context, key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.session.Unsubscribe(ctx, key)
}

// Status returns the current connection lifecycle state.
func (c *Client) Status() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return connctrl.Stopped
	}
	return c.session.Status()
}

// ClientID returns the locally-bound client identifier, valid once
// Start has completed.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ""
	}
	return c.session.ClientID()
}

// Subscriptions returns a snapshot of every known shape subscription.
func (c *Client) Subscriptions() []SubscriptionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.session.Subscriptions()
}

// Notifications returns the bus a host subscribes to for data-change,
// connectivity, and shape-state events.
func (c *Client) Notifications() *Bus {
	return c.session.Notifications()
}

// Close stops the snapshot/compaction timers, disconnects, and closes
// the underlying database handle. The Client is unusable afterward.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.session.Stop()
	return c.db.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("satellite: client is closed")
	}
	return nil
}
