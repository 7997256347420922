package stream

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/model"
	"github.com/ranz98/convo/internal/remote"
	"github.com/ranz98/convo/internal/remote/memstore"
	"github.com/ranz98/convo/internal/status"
)

var u1 = remote.User{ID: "U1", DisplayName: "One"}

func testDB(t *testing.T) *cache.DB {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, store remote.Store) (*Engine, *cache.DB) {
	t.Helper()
	db := testDB(t)
	e := New("c1", u1, store, db, cache.New(db, nil), bus.New(), nil)
	return e, db
}

func TestAppendRejectsBlankBody(t *testing.T) {
	e, _ := testEngine(t, memstore.New())
	for _, body := range []string{"", "   ", "\t\n"} {
		if _, err := e.Append(body); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Append(%q): err = %v, want ErrInvalidMessage", body, err)
		}
	}
}

func TestAppendProvisionalVisibleImmediately(t *testing.T) {
	e, db := testEngine(t, memstore.New())

	id, err := e.Append("hi")
	if err != nil {
		t.Fatal(err)
	}

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 provisional", len(msgs))
	}
	if msgs[0].ID != id || !msgs[0].Pending || msgs[0].SenderID != "U1" || msgs[0].Body != "hi" {
		t.Errorf("provisional = %+v", msgs[0])
	}

	// The write is queued, not sent inline.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != id {
		t.Errorf("outbox = %+v, want one entry for %s", pending, id)
	}
}

func TestProvisionalReplacedNotDuplicated(t *testing.T) {
	store := memstore.New()
	e, _ := testEngine(t, store)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	id, err := e.Append("hi")
	if err != nil {
		t.Fatal(err)
	}

	// Confirmation: the sender writes the document under the client id
	// and the subscription pushes it back with a server timestamp.
	if err := store.CreateIfAbsent(ctx, Collection("c1"), id, map[string]any{
		"conversationId": "c1", "senderId": "U1", "senderName": "One",
		"body": "hi", "sentAt": remote.ServerTimestamp,
	}); err != nil {
		t.Fatal(err)
	}

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (replaced, not duplicated)", len(msgs))
	}
	if msgs[0].Pending {
		t.Error("message still pending after confirmation")
	}
	if msgs[0].SentAt <= 0 {
		t.Errorf("sentAt = %d, want server-assigned", msgs[0].SentAt)
	}
	if msgs[0].ID != id {
		t.Errorf("id = %s, want %s (reconciled by id)", msgs[0].ID, id)
	}
}

func TestSnapshotReplacesWholesale(t *testing.T) {
	fake := &handleStore{}
	e, _ := testEngine(t, fake)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	fake.onSnap(snapshotOf(t, "m1", "m2"))
	fake.onSnap(snapshotOf(t, "m2", "m3"))

	var ids []string
	for _, m := range e.Messages() {
		ids = append(ids, m.ID)
	}
	want := []string{"m2", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v (no stale entries from S1)", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestMessagesAscendingWithServerTimestamps(t *testing.T) {
	store := memstore.New()
	e, _ := testEngine(t, store)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	for i, id := range []string{"a", "b", "c"} {
		if err := store.CreateIfAbsent(ctx, Collection("c1"), id, map[string]any{
			"body": "msg", "senderId": "U1", "sentAt": remote.ServerTimestamp,
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	msgs := e.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt < msgs[i-1].SentAt {
			t.Errorf("sentAt not non-decreasing: %d then %d", msgs[i-1].SentAt, msgs[i].SentAt)
		}
	}
}

func TestColdStartServesCachedMessages(t *testing.T) {
	db := testDB(t)
	c := cache.New(db, nil)
	cached := []model.Message{{ID: "m1", ConversationID: "c1", SenderID: "U2", Body: "earlier", SentAt: 10}}
	payload, _ := json.Marshal(cached)
	c.Put("messages-c1", payload)

	e := New("c1", u1, &stuckStore{}, db, c, bus.New(), nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].Body != "earlier" {
		t.Errorf("messages = %+v, want cached entry", msgs)
	}
	if e.Status() != status.Subscribing {
		t.Errorf("status = %s, want SUBSCRIBING", e.Status())
	}
}

func TestStaleSnapshotAfterStop(t *testing.T) {
	fake := &handleStore{}
	e, _ := testEngine(t, fake)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	fake.onSnap(snapshotOf(t, "m1"))
	e.Stop()

	fake.onSnap(snapshotOf(t, "m1", "m2", "m3"))

	if got := e.Messages(); len(got) != 1 {
		t.Errorf("stale snapshot mutated state: %v", got)
	}
}

func TestSubscriptionErrorKeepsMessages(t *testing.T) {
	fake := &handleStore{}
	e, _ := testEngine(t, fake)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	fake.onSnap(snapshotOf(t, "m1"))
	fake.onErr(errors.New("stream reset"))

	if e.Status() != status.Unsubscribed {
		t.Errorf("status = %s, want UNSUBSCRIBED", e.Status())
	}
	if got := e.Messages(); len(got) != 1 {
		t.Errorf("messages = %v, want last good list retained", got)
	}
}

// snapshotOf builds a snapshot with the given ids, sentAt = index.
func snapshotOf(t *testing.T, ids ...string) remote.Snapshot {
	t.Helper()
	snap := remote.Snapshot{}
	for i, id := range ids {
		data, err := json.Marshal(map[string]any{
			"conversationId": "c1", "senderId": "U2", "body": "b", "sentAt": i + 1,
		})
		if err != nil {
			t.Fatal(err)
		}
		snap.Docs = append(snap.Docs, remote.Document{ID: id, Data: data})
	}
	return snap
}

type stuckStore struct{}

func (s *stuckStore) Subscribe(context.Context, remote.Query, remote.SnapshotHandler, remote.ErrorHandler) (func(), error) {
	return func() {}, nil
}

func (s *stuckStore) QueryOnce(context.Context, remote.Query) (*remote.Snapshot, error) {
	return &remote.Snapshot{}, nil
}

func (s *stuckStore) Create(context.Context, string, map[string]any) (string, error) {
	return "", errors.New("unavailable")
}

func (s *stuckStore) CreateIfAbsent(context.Context, string, string, map[string]any) error {
	return errors.New("unavailable")
}

type handleStore struct {
	stuckStore
	onSnap remote.SnapshotHandler
	onErr  remote.ErrorHandler
}

func (s *handleStore) Subscribe(_ context.Context, _ remote.Query, onSnap remote.SnapshotHandler, onErr remote.ErrorHandler) (func(), error) {
	s.onSnap = onSnap
	s.onErr = onErr
	return func() {}, nil
}
