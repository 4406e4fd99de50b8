package satellite

import (
	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/mducko/electric/internal/notifier"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/shapes"
	"github.com/mducko/electric/internal/wire"
)

// Catalog describes the local schema a Client replicates. Host
// applications build one Relation per table they want captured.
type Catalog = relation.Catalog

// Relation describes one user table, per Catalog's requirements.
type Relation = relation.Relation

// ForeignKey describes a child-to-parent reference within a Catalog.
type ForeignKey = relation.ForeignKey

// Qualified is a namespace-qualified table name.
type Qualified = relation.Qualified

// ShapeDef declares one table (optionally filtered) a subscription
// should stream.
type ShapeDef = wire.ShapeDef

// AuthState is the credential a Client binds with Start and rebinds
// with SetToken.
type AuthState = connctrl.AuthState

// RetryPredicate decides whether Connect should retry after a failed
// dial attempt.
type RetryPredicate = connctrl.RetryPredicate

// AlwaysRetry never gives up; pair it with a context deadline.
var AlwaysRetry = connctrl.AlwaysRetry

// State is the connection's lifecycle state.
type State = connctrl.State

const (
	Stopped      = connctrl.Stopped
	Initializing = connctrl.Initializing
	Connecting   = connctrl.Connecting
	Connected    = connctrl.Connected
	Disconnected = connctrl.Disconnected
)

// Synced is the future Subscribe returns; it resolves once a shape
// subscription's initial batch has been applied, or failed.
type Synced = shapes.Synced

// SubscriptionInfo is a point-in-time view of one shape subscription.
type SubscriptionInfo = shapes.Info

// Bus is the notification channel a Client exposes for data-change,
// connectivity, and shape-state events.
type Bus = notifier.Bus

// ReplicationConfig holds the snapshot/apply/compaction tunables.
type ReplicationConfig = config.ReplicationConfig

// BackoffConfig configures the reconnect backoff schedule.
type BackoffConfig = config.BackoffConfig
