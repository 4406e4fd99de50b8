// Package connctrl implements the Connection Controller (spec §4.7):
// the lifecycle state machine that owns the replication connection,
// performs the auth+token handshake, checkpoints the server LSN,
// classifies replication errors, drives reconnect backoff, and runs
// the periodic snapshot timer.
package connctrl

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mducko/electric/internal/applyengine"
	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/errorkind"
	"github.com/mducko/electric/internal/notifier"
	"github.com/mducko/electric/internal/oplog"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/shapes"
	"github.com/mducko/electric/internal/snapshotengine"
	"github.com/mducko/electric/internal/transport"
	"github.com/mducko/electric/internal/wire"
)

// State is the connection lifecycle state (spec §4.7).
type State string

const (
	Stopped      State = "stopped"
	Initializing State = "initializing"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Disconnected State = "disconnected"
)

// RetryPredicate decides whether ConnectWithBackoff should retry after
// a failed attempt, given the error and the 1-based attempt number.
type RetryPredicate func(err error, attempt int) bool

// AlwaysRetry is a RetryPredicate that never gives up; hosts typically
// pair it with a context deadline instead of a bounded attempt count.
func AlwaysRetry(error, int) bool { return true }

// AuthState is the credential handed to Start/SetToken. At least one
// of Sub or UserID must identify the authenticated user; §4.7 requires
// start to fail if it disagrees with a previously bound identity.
type AuthState struct {
	Token  string
	Sub    string
	UserID string
}

func (a AuthState) identity() (string, error) {
	if a.Sub != "" {
		return a.Sub, nil
	}
	if a.UserID != "" {
		return a.UserID, nil
	}
	return "", errorkind.New(errorkind.AuthRequired, "connctrl: token carries neither sub nor user_id")
}

const (
	metaClientID = "clientId"
	metaLSN      = "lsn"
	metaIdentity = "authIdentity"
)

// Controller is the Connection Controller for one local database.
type Controller struct {
	dbName   string
	db       dbadapter.DB
	qb       dbadapter.QueryBuilder
	catalog  *relation.Catalog
	cfg      config.ReplicationConfig
	backoff  config.BackoffConfig
	bus      *notifier.Bus
	snapshot *snapshotengine.Engine
	apply    *applyengine.Engine
	shapeMgr *shapes.Manager

	mu            sync.Mutex
	state         State
	clientID      string
	auth          AuthState
	conn          *transport.Conn
	cancelConn    context.CancelFunc
	pollCancel    context.CancelFunc
	compactCancel context.CancelFunc
	applyLoopWG   sync.WaitGroup
}

// New constructs a connection controller wired to the engine
// components that own one local database.
func New(
	dbName string,
	db dbadapter.DB,
	qb dbadapter.QueryBuilder,
	catalog *relation.Catalog,
	cfg config.ReplicationConfig,
	backoff config.BackoffConfig,
	bus *notifier.Bus,
	snapshot *snapshotengine.Engine,
	apply *applyengine.Engine,
	shapeMgr *shapes.Manager,
) *Controller {
	return &Controller{
		dbName: dbName, db: db, qb: qb, catalog: catalog,
		cfg: cfg, backoff: backoff, bus: bus,
		snapshot: snapshot, apply: apply, shapeMgr: shapeMgr,
		state: Stopped,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the locally-bound client identifier, valid once
// Start has completed.
func (c *Controller) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Start loads or generates the local client identity, binds auth, and
// launches the periodic snapshot timer. It returns once initialized;
// the caller drives the actual connection with ConnectWithBackoff.
func (c *Controller) Start(ctx context.Context, auth AuthState) error {
	identity, err := auth.identity()
	if err != nil {
		return err
	}

	store := oplog.NewStore(c.db)
	clientID, err := store.MetaGet(ctx, metaClientID)
	if err != nil {
		if err != oplog.ErrNotFound {
			return errorkind.Wrap(errorkind.Internal, err)
		}
		clientID = ulid.Make().String()
		if err := store.MetaSet(ctx, metaClientID, clientID); err != nil {
			return errorkind.Wrap(errorkind.Internal, err)
		}
		if err := store.MetaSet(ctx, metaIdentity, identity); err != nil {
			return errorkind.Wrap(errorkind.Internal, err)
		}
	} else {
		boundIdentity, err := store.MetaGet(ctx, metaIdentity)
		if err == nil && boundIdentity != "" && boundIdentity != identity {
			return errorkind.New(errorkind.AuthRequired,
				fmt.Sprintf("connctrl: token identity %q disagrees with bound client identity %q", identity, boundIdentity))
		}
	}

	c.mu.Lock()
	c.clientID = clientID
	c.auth = auth
	c.state = Initializing
	c.mu.Unlock()

	c.snapshot.SetClientID(clientID)
	c.apply.SetClientID(clientID)

	c.startPolling(ctx)
	c.startCompaction(ctx)

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()

	return nil
}

// SetToken rebinds the credential used for the next (re)connect. It is
// valid to call while connected; it does not itself trigger a
// reconnect. Fails if the new token's identity disagrees with the one
// bound at Start.
func (c *Controller) SetToken(ctx context.Context, auth AuthState) error {
	identity, err := auth.identity()
	if err != nil {
		return err
	}

	store := oplog.NewStore(c.db)
	bound, err := store.MetaGet(ctx, metaIdentity)
	if err == nil && bound != "" && bound != identity {
		return errorkind.New(errorkind.AuthRequired, "connctrl: setToken identity disagrees with bound client identity")
	}

	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()
	return nil
}

func (c *Controller) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.Token
}

// ConnectWithBackoff dials the replication server, retrying failed
// attempts according to retry until it succeeds, retry returns false,
// or Disconnect cancels the attempt (in which case the error is
// CONNECTION_CANCELLED_BY_DISCONNECT per §4.7).
func (c *Controller) ConnectWithBackoff(ctx context.Context, retry RetryPredicate) error {
	connectCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.state = Connecting
	c.cancelConn = cancel
	c.mu.Unlock()

	c.emitConnectivity(notifier.Connecting, "")

	attempt := 0
	for {
		attempt++
		conn, err := transport.Dial(connectCtx, c.cfg.ServerURL, c.currentToken())
		if err == nil {
			c.onConnected(ctx, conn)
			return nil
		}

		if connectCtx.Err() != nil {
			return errorkind.New(errorkind.ConnectionCancelledByDisconnect, "connctrl: connect cancelled by disconnect")
		}

		if !retry(err, attempt) {
			c.mu.Lock()
			c.state = Disconnected
			c.mu.Unlock()
			return err
		}

		delay := backoffDelay(c.backoff, attempt)
		slog.Warn("connctrl: connect attempt failed, retrying",
			"component", "connctrl", "db_name", c.dbName, "attempt", attempt,
			"delay_ms", delay.Milliseconds(), "error", err)

		select {
		case <-time.After(delay):
		case <-connectCtx.Done():
			return errorkind.New(errorkind.ConnectionCancelledByDisconnect, "connctrl: connect cancelled by disconnect")
		}
	}
}

func backoffDelay(cfg config.BackoffConfig, attempt int) time.Duration {
	ms := float64(cfg.InitialMs)
	for i := 1; i < attempt; i++ {
		ms *= cfg.Factor
		if ms > float64(cfg.MaxMs) {
			ms = float64(cfg.MaxMs)
			break
		}
	}
	if cfg.Jitter > 0 {
		jitterRange := ms * cfg.Jitter
		ms += (rand.Float64()*2 - 1) * jitterRange
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// onConnected finishes the transition into the connected state: binds
// the transport to the shape manager and starts the apply loop that
// consumes incoming transactions strictly in arrival (server-LSN)
// order, per §5's apply-serialization requirement.
func (c *Controller) onConnected(ctx context.Context, conn *transport.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.shapeMgr.SetClient(conn)
	if err := c.shapeMgr.Restore(ctx); err != nil {
		slog.Warn("connctrl: restoring subscriptions failed", "component", "connctrl", "db_name", c.dbName, "error", err)
	}

	c.emitConnectivity(notifier.Connected, "")

	c.applyLoopWG.Add(1)
	go c.applyLoop(ctx, conn)
}

// applyLoop drains incoming transactions from the transport and runs
// them through the Apply Engine one at a time.
func (c *Controller) applyLoop(ctx context.Context, conn *transport.Conn) {
	defer c.applyLoopWG.Done()
	for txn := range conn.Transactions {
		if err := c.applyTransaction(ctx, txn); err != nil {
			c.handleReplicationError(ctx, err)
			return
		}
	}
}

func (c *Controller) applyTransaction(ctx context.Context, txn wire.DataTransaction) error {
	notification, err := c.apply.Apply(ctx, applyengine.Transaction{
		Origin:          txn.Origin,
		CommitTimestamp: txn.CommitTimestamp,
		LSN:             txn.LSN,
		Changes:         txn.Changes,
	})
	if err != nil {
		return err
	}
	if !notification.Empty() {
		c.bus.EmitDataChange(dataChangeEvent(c.dbName, notifier.FromApply, notification))
	}
	return nil
}

func dataChangeEvent(dbName string, origin notifier.DataChangeKind, n applyengine.Notification) notifier.DataChangeEvent {
	tables := make([]notifier.TableChange, 0, len(n.Tables))
	for _, t := range n.Tables {
		rows := make([]notifier.RowChange, 0, len(t.Changes))
		for _, ch := range t.Changes {
			rows = append(rows, notifier.RowChange{PrimaryKey: ch.PrimaryKey, OpType: string(ch.OpType)})
		}
		tables = append(tables, notifier.TableChange{Table: t.Table, Rows: rows})
	}
	return notifier.DataChangeEvent{DBName: dbName, Origin: origin, Tables: tables}
}

// handleReplicationError classifies a replication failure per §7/§4.7:
// BEHIND_WINDOW triggers a local reset and resubscribe, AUTH_EXPIRED
// notifies and waits for SetToken, everything else disconnects and
// surfaces the error.
func (c *Controller) handleReplicationError(ctx context.Context, err error) {
	kind := errorkind.KindOf(err)
	switch kind {
	case errorkind.BehindWindow:
		slog.Warn("connctrl: behind replication window, resetting local state",
			"component", "connctrl", "db_name", c.dbName)
		if resetErr := c.resetLocal(ctx); resetErr != nil {
			slog.Error("connctrl: local reset after BEHIND_WINDOW failed",
				"component", "connctrl", "db_name", c.dbName, "error", resetErr)
		} else if resubErr := c.shapeMgr.ForceResubscribeAll(ctx); resubErr != nil {
			slog.Error("connctrl: resubscribe after BEHIND_WINDOW reset failed",
				"component", "connctrl", "db_name", c.dbName, "error", resubErr)
		}
		c.emitConnectivity(notifier.Disconnected, string(kind))
	case errorkind.AuthExpired:
		c.emitConnectivity(notifier.Disconnected, string(kind))
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
	default:
		c.emitConnectivity(notifier.Disconnected, string(kind))
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
	}
}

// resetLocal clears replicated user-table rows (preserving meta
// tables) and resets the LSN checkpoint (§4.7 "On BEHIND_WINDOW server
// error during replay"). It does not re-subscribe; its caller follows
// it with shapes.Manager.ForceResubscribeAll.
func (c *Controller) resetLocal(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	store := oplog.NewStoreTx(tx)
	for _, t := range c.catalog.DeleteOrder(allTables(c.catalog)) {
		rel, ok := c.catalog.Get(t)
		if !ok {
			continue
		}
		query, args := c.qb.SelectAll(rel)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		var pks []map[string]any
		for rows.Next() {
			cols := make([]any, len(rel.Columns))
			ptrs := make([]any, len(cols))
			for i := range cols {
				ptrs[i] = &cols[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return err
			}
			pk := make(map[string]any, len(rel.PrimaryKey))
			for _, pkCol := range rel.PrimaryKey {
				for i, col := range rel.Columns {
					if col == pkCol {
						pk[pkCol] = cols[i]
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
			delQuery, delArgs := c.qb.Delete(rel, pk)
			if _, err := tx.ExecContext(ctx, delQuery, delArgs...); err != nil {
				return err
			}
			if err := store.DeleteShadow(ctx, t, pk); err != nil {
				return err
			}
		}
	}

	if err := store.MetaSet(ctx, metaLSN, base64.StdEncoding.EncodeToString(nil)); err != nil {
		return err
	}

	return tx.Commit()
}

func allTables(catalog *relation.Catalog) []relation.Qualified {
	rels := catalog.All()
	out := make([]relation.Qualified, len(rels))
	for i, r := range rels {
		out[i] = r.Table
	}
	return out
}

// Disconnect stops the outbound stream, clears shape-stream
// subscriptions, and fails any outstanding ConnectWithBackoff attempt
// with CONNECTION_CANCELLED_BY_DISCONNECT. It does not clear the local
// oplog (§4.7).
func (c *Controller) Disconnect(reason string) {
	c.mu.Lock()
	cancel := c.cancelConn
	conn := c.conn
	c.conn = nil
	c.cancelConn = nil
	c.state = Disconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.applyLoopWG.Wait()
	c.shapeMgr.SetClient(nil)

	c.emitConnectivity(notifier.Disconnected, reason)
}

// Stop cancels all background work: the polling timer and any
// in-flight connection, then tears down the connection permanently.
func (c *Controller) Stop() {
	c.mu.Lock()
	pollCancel := c.pollCancel
	compactCancel := c.compactCancel
	c.mu.Unlock()
	if pollCancel != nil {
		pollCancel()
	}
	if compactCancel != nil {
		compactCancel()
	}
	c.Disconnect("stopped")
	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()
}

func (c *Controller) startPolling(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.pollCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(c.cfg.PollingInterval))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runSnapshot(ctx)
			}
		}
	}()
}

// startCompaction launches the oplog compaction backstop on its own
// ticker, independent of the snapshot poller's interval.
func (c *Controller) startCompaction(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.compactCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(c.cfg.CompactionInterval))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runCompaction(ctx)
			}
		}
	}()
}

func (c *Controller) runCompaction(ctx context.Context) {
	store := oplog.NewStore(c.db)
	exported, deleted, err := store.Compact(ctx, time.Duration(c.cfg.CompactionRetention))
	if err != nil {
		slog.Warn("connctrl: oplog compaction failed",
			"component", "connctrl", "db_name", c.dbName, "error", err)
		return
	}
	if exported > 0 {
		slog.Info("connctrl: oplog compaction removed stale entries",
			"component", "connctrl", "db_name", c.dbName, "exported", exported, "deleted", deleted)
	}
}

func (c *Controller) runSnapshot(ctx context.Context) {
	notification, err := c.snapshot.Throttled(ctx, time.Duration(c.cfg.MinSnapshotWindow))
	if err != nil {
		slog.Warn("connctrl: periodic snapshot failed",
			"component", "connctrl", "db_name", c.dbName, "error", err)
		return
	}
	if notification.Empty() {
		return
	}

	c.bus.EmitDataChange(snapshotChangeEvent(c.dbName, notification))

	c.mu.Lock()
	conn := c.conn
	clientID := c.clientID
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if err := c.pushSnapshot(ctx, conn, clientID, notification); err != nil {
		slog.Warn("connctrl: push snapshot upstream failed",
			"component", "connctrl", "db_name", c.dbName, "error", err)
	}
}

func snapshotChangeEvent(dbName string, n snapshotengine.Notification) notifier.DataChangeEvent {
	tables := make([]notifier.TableChange, 0, len(n.Tables))
	for _, t := range n.Tables {
		rows := make([]notifier.RowChange, 0, len(t.Changes))
		for _, ch := range t.Changes {
			rows = append(rows, notifier.RowChange{PrimaryKey: ch.PrimaryKey, OpType: string(ch.OpType)})
		}
		tables = append(tables, notifier.TableChange{Table: t.Table, Rowids: t.Rowids, Rows: rows})
	}
	return notifier.DataChangeEvent{DBName: dbName, Origin: notifier.FromSnapshot, Tables: tables}
}

// pushSnapshot sends the rows a snapshot just produced upstream as one
// outbound transaction; the server's ack LSN is checkpointed once the
// corresponding inbound transaction with this client's origin is
// applied (§5's ordering guarantee), not here.
func (c *Controller) pushSnapshot(ctx context.Context, conn *transport.Conn, clientID string, n snapshotengine.Notification) error {
	changes := make([]wire.DataChange, 0)
	for _, t := range n.Tables {
		for _, row := range t.Changes {
			changes = append(changes, wire.DataChange{
				Relation: wire.Relation{Namespace: t.Table.Namespace, Tablename: t.Table.Tablename},
				Type:     wire.ChangeType(row.OpType),
				Record:   row.PrimaryKey,
			})
		}
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := conn.PushTransaction(ctx, wire.DataTransaction{
		Origin:          clientID,
		CommitTimestamp: time.Now().UTC().UnixMilli(),
		Changes:         changes,
	})
	return err
}

func (c *Controller) emitConnectivity(status notifier.ConnectivityStatus, reason string) {
	c.bus.EmitConnectivity(notifier.ConnectivityEvent{DBName: c.dbName, ConnectivityStatus: status, Reason: reason})
}
