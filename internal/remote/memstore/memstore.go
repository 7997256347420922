// Package memstore is an in-memory implementation of the remote ports.
// The daemon falls back to it when no gateway is configured, and the
// engine tests run against it. It reproduces the backend behaviors the
// engine depends on: server-assigned timestamps via a logical clock,
// push snapshots on every matching write, and the server-side trigger
// that bumps a conversation's preview and activity time when a message
// is created under it.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ranz98/convo/internal/remote"
)

const previewMax = 100

// Store is an in-memory remote.Store. Snapshot handlers run while the
// store lock is held, so handlers must not call back into the store.
type Store struct {
	mu     sync.Mutex
	colls  map[string][]*doc // creation order
	subs   map[uint64]*sub
	nextID uint64
	clock  int64 // logical ms clock for server-assigned timestamps
}

type doc struct {
	id     string
	fields map[string]any
}

type sub struct {
	q      remote.Query
	onSnap remote.SnapshotHandler
}

// New creates an empty store.
func New() *Store {
	return &Store{
		colls: make(map[string][]*doc),
		subs:  make(map[uint64]*sub),
		clock: 1_000,
	}
}

func (s *Store) Subscribe(ctx context.Context, q remote.Query, onSnapshot remote.SnapshotHandler, onError remote.ErrorHandler) (func(), error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("memstore: nil snapshot handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = &sub{q: q, onSnap: onSnapshot}

	// Initial snapshot, delivered before Subscribe returns.
	onSnapshot(s.evaluate(q))

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) QueryOnce(_ context.Context, q remote.Query) (*remote.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.evaluate(q)
	return &snap, nil
}

func (s *Store) Create(_ context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(collection, id, fields)
	return id, nil
}

func (s *Store) CreateIfAbsent(_ context.Context, collection, id string, fields map[string]any) error {
	if id == "" {
		return fmt.Errorf("memstore: empty document id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.colls[collection] {
		if d.id == id {
			return nil // already present, by design a no-op
		}
	}
	s.insert(collection, id, fields)
	return nil
}

// insert resolves server timestamps, stores the document, fires the
// message trigger, and pushes snapshots to matching subscriptions.
// Caller holds s.mu.
func (s *Store) insert(collection, id string, fields map[string]any) {
	now := s.tick()
	resolved := make(map[string]any, len(fields))
	for k, v := range fields {
		if remote.IsServerTimestamp(v) {
			resolved[k] = now
			continue
		}
		resolved[k] = v
	}
	s.colls[collection] = append(s.colls[collection], &doc{id: id, fields: resolved})

	if convID, ok := messageParent(collection); ok {
		s.bumpConversation(convID, resolved, now)
	}

	s.notify()
}

// bumpConversation mirrors the backend trigger: a new message updates the
// parent conversation's activity timestamp and preview.
func (s *Store) bumpConversation(convID string, msgFields map[string]any, now int64) {
	body, _ := msgFields["body"].(string)
	for _, d := range s.colls["conversations"] {
		if d.id == convID {
			d.fields["lastActivityAt"] = now
			d.fields["lastMessagePreview"] = truncate(body, previewMax)
			return
		}
	}
}

func (s *Store) notify() {
	for _, sb := range s.subs {
		sb.onSnap(s.evaluate(sb.q))
	}
}

// evaluate runs a query against current state. Caller holds s.mu.
func (s *Store) evaluate(q remote.Query) remote.Snapshot {
	var out []*doc
	for _, d := range s.colls[q.Collection] {
		if matches(d, q.Filters) {
			out = append(out, d)
		}
	}
	if q.OrderBy != "" {
		orderDocs(out, q.OrderBy, q.Descending)
	}

	snap := remote.Snapshot{Docs: make([]remote.Document, 0, len(out))}
	for _, d := range out {
		data, err := json.Marshal(d.fields)
		if err != nil {
			continue
		}
		snap.Docs = append(snap.Docs, remote.Document{ID: d.id, Data: data})
	}
	return snap
}

func (s *Store) tick() int64 {
	s.clock++
	return s.clock
}

func matches(d *doc, filters []remote.Filter) bool {
	for _, f := range filters {
		v, ok := d.fields[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case "==":
			if fmt.Sprint(v) != fmt.Sprint(f.Value) {
				return false
			}
		case "array-contains":
			if !contains(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func contains(field, want any) bool {
	switch vs := field.(type) {
	case []string:
		for _, v := range vs {
			if v == fmt.Sprint(want) {
				return true
			}
		}
	case []any:
		for _, v := range vs {
			if fmt.Sprint(v) == fmt.Sprint(want) {
				return true
			}
		}
	}
	return false
}

// orderDocs sorts by a numeric field, keeping creation order on ties.
func orderDocs(docs []*doc, field string, desc bool) {
	stableSort(docs, func(a, b *doc) bool {
		av, bv := numeric(a.fields[field]), numeric(b.fields[field])
		if desc {
			return av > bv
		}
		return av < bv
	})
}

// stableSort is insertion sort: n is small in tests and stability under
// equal keys is the point.
func stableSort(docs []*doc, less func(a, b *doc) bool) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && less(docs[j], docs[j-1]); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// messageParent extracts the conversation id from a message collection
// path of the form conversations/<id>/messages.
func messageParent(collection string) (string, bool) {
	rest, ok := strings.CutPrefix(collection, "conversations/")
	if !ok {
		return "", false
	}
	convID, ok := strings.CutSuffix(rest, "/messages")
	if !ok || convID == "" {
		return "", false
	}
	return convID, true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
