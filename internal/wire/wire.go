// Package wire defines the opaque message types exchanged with the
// replication server over the streaming connection (§6). The engine
// treats the actual bytes-on-the-wire codec as an external
// collaborator (§1 Non-goals); this package only fixes the Go-side
// shapes that codec decodes into and encodes from.
package wire

// ChangeType is the kind of row change carried on a DataChange.
// INITIAL is a distinguished optype used only for shape-subscription
// initial batches (§2, "Shapes are a side-channel subscription that
// injects an initial batch into the Apply Engine with a distinguished
// INITIAL optype").
type ChangeType string

const (
	Insert  ChangeType = "INSERT"
	Update  ChangeType = "UPDATE"
	Delete  ChangeType = "DELETE"
	Gone    ChangeType = "GONE"
	Initial ChangeType = "INITIAL"
)

// Relation identifies the namespace-qualified table a DataChange
// belongs to, in wire form.
type Relation struct {
	Namespace string `json:"namespace"`
	Tablename string `json:"tablename"`
}

// DataChange is one row-level change inside a DataTransaction or the
// initial batch of a shape subscription.
type DataChange struct {
	Relation   Relation       `json:"relation"`
	Type       ChangeType     `json:"type"`
	Record     map[string]any `json:"record,omitempty"`
	OldRecord  map[string]any `json:"old_record,omitempty"`
	Tags       []string       `json:"tags"`
	// ShapeServerID is set on changes delivered as part of a shape's
	// initial data, naming the shape's server-assigned ID. The apply
	// engine does not read it: changes for a replaced shape's old ID
	// are merged like any other.
	ShapeServerID string `json:"shape_server_id,omitempty"`
}

// DataTransaction is one committed transaction streamed from the
// server, or synthesized locally to represent an outbound push.
type DataTransaction struct {
	LSN             []byte       `json:"lsn"`
	CommitTimestamp int64        `json:"commit_timestamp"`
	Origin          string       `json:"origin"`
	Changes         []DataChange `json:"changes"`
}

// AdditionalData is an out-of-band batch of changes the server sends
// that is not itself a committed transaction (e.g. data needed to
// satisfy a foreign key referenced by a later transaction). Ref
// correlates it with whatever requested it.
type AdditionalData struct {
	Ref     int64        `json:"ref"`
	Changes []DataChange `json:"changes"`
}

// GoneBatch carries the rows of a shape that the server has determined
// are no longer visible to the client (e.g. permission narrowed), so
// the shape manager's GC can remove them locally without waiting for
// individual DELETE changes.
type GoneBatch struct {
	ServerID string         `json:"server_id"`
	Rows     []GoneBatchRow `json:"rows"`
}

// GoneBatchRow is one row within a GoneBatch.
type GoneBatchRow struct {
	Tablename string         `json:"tablename"`
	Record    map[string]any `json:"record"`
}

// ShapeDef is a declarative predicate over one table, as sent in a
// subscribe request and stored in a Subscription record (§3).
type ShapeDef struct {
	Namespace string   `json:"namespace,omitempty"`
	Tablename string   `json:"tablename"`
	Where     string   `json:"where,omitempty"`
	Columns   []string `json:"columns,omitempty"`
}

// SubscribeRequest asks the server to begin streaming the rows
// matching Shapes into the client.
type SubscribeRequest struct {
	SubscriptionID string     `json:"subscription_id"`
	Shapes         []ShapeDef `json:"shapes"`
}

// SubscribeResponse acknowledges a SubscribeRequest and assigns the
// server-side identifier the client must quote to unsubscribe.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	ServerID       string `json:"server_id"`
}

// UnsubscribeRequest asks the server to stop streaming a subscription
// and tear down its server-side resources.
type UnsubscribeRequest struct {
	ServerID string `json:"server_id"`
}
