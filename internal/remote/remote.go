// Package remote defines the ports to the managed backend: a document
// store with push subscriptions and the identity service. The engine
// only ever sees these interfaces; transport lives in the gateway and
// memstore adapters.
package remote

import (
	"context"
	"encoding/json"
)

// User is the authenticated identity as reported by the identity
// service. Read-only to the engine.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Document is one record in a collection. Data is the raw JSON of the
// document fields; the id is carried outside the payload.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Snapshot is a complete, point-in-time result set for a subscription or
// one-shot query, in server order. Consumers replace state wholesale;
// there is no partial merge.
type Snapshot struct {
	Docs []Document
}

// Filter is a single field predicate. Op is one of "==" or
// "array-contains".
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Query addresses a collection with optional filters and ordering.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"orderBy,omitempty"`
	Descending bool     `json:"descending,omitempty"`
}

// SnapshotHandler receives pushed snapshots. Within one subscription,
// handlers are invoked in server order; no ordering holds across
// subscriptions.
type SnapshotHandler func(Snapshot)

// ErrorHandler receives a subscription failure. The subscription is dead
// once this fires; the transport does not retry on the engine's behalf.
type ErrorHandler func(error)

// Store is the document-store port.
type Store interface {
	// Subscribe opens a push subscription for q. The cancel function
	// guarantees no handler runs after it returns.
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotHandler, onError ErrorHandler) (cancel func(), err error)

	// QueryOnce runs q once and returns the current result set.
	QueryOnce(ctx context.Context, q Query) (*Snapshot, error)

	// Create writes a new document with a server-generated id.
	Create(ctx context.Context, collection string, fields map[string]any) (id string, err error)

	// CreateIfAbsent writes a new document under the given id, or does
	// nothing if a document with that id already exists. This is the
	// primitive that makes keyed get-or-create race-free.
	CreateIfAbsent(ctx context.Context, collection, id string, fields map[string]any) error
}

// Auth is the identity-service port.
type Auth interface {
	// CurrentUser reports the signed-in user, if any.
	CurrentUser() (User, bool)

	// OnAuthStateChange registers fn for sign-in (non-nil user) and
	// sign-out (nil) transitions. fn also fires once with the current
	// state on registration.
	OnAuthStateChange(fn func(*User)) (cancel func())

	// SignOut ends the current session.
	SignOut(ctx context.Context) error
}

// serverTimestamp marshals to the sentinel the backend replaces with its
// own clock on write.
type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{"__serverTimestamp":true}`), nil
}

// ServerTimestamp is the field value for server-assigned times.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether a field value is the sentinel, for
// store implementations that resolve it.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}
