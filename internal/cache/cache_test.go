package cache

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadAbsent(t *testing.T) {
	c := New(testDB(t), nil)
	if _, ok := c.Load("conversations-u1"); ok {
		t.Error("Load on empty cache returned ok")
	}
}

func TestPutThenLoad(t *testing.T) {
	c := New(testDB(t), nil)
	c.Put("conversations-u1", []byte(`[{"members":["u1","u2"]}]`))

	payload, ok := c.Load("conversations-u1")
	if !ok {
		t.Fatal("Load returned !ok after Put")
	}
	if string(payload) != `[{"members":["u1","u2"]}]` {
		t.Errorf("payload = %s", payload)
	}
}

func TestPutOverwritesWholesale(t *testing.T) {
	c := New(testDB(t), nil)
	c.Put("l", []byte("old"))
	c.Put("l", []byte("new"))

	payload, _ := c.Load("l")
	if string(payload) != "new" {
		t.Errorf("payload = %s, want new", payload)
	}
}

func TestClear(t *testing.T) {
	c := New(testDB(t), nil)
	c.Put("l1", []byte("x"))
	c.Put("l2", []byte("y"))
	c.Clear("l1")

	if _, ok := c.Load("l1"); ok {
		t.Error("l1 still present after Clear")
	}
	if _, ok := c.Load("l2"); !ok {
		t.Error("Clear(l1) removed l2")
	}
}

func TestClearAllWipesOutboxToo(t *testing.T) {
	db := testDB(t)
	c := New(db, nil)
	c.Put("l1", []byte("x"))
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "m1", ConversationID: "c1", SenderID: "u1", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	c.ClearAll()

	if _, ok := c.Load("l1"); ok {
		t.Error("cache entry survived ClearAll")
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("outbox has %d entries after ClearAll, want 0", len(pending))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "m1", ConversationID: "c1", SenderID: "u1", SenderName: "One", Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "m2", ConversationID: "c1", SenderID: "u1", Body: "second"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientMsgID != "m1" {
		t.Fatalf("pending = %+v, want m1 first of 2", pending)
	}

	if err := db.MarkOutboxSending("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("m2", "gateway unreachable"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after resolution, want 0", len(pending))
	}
}

func TestQueueOutboxDuplicateClientID(t *testing.T) {
	db := testDB(t)
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "m1", ConversationID: "c1", SenderID: "u1", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "m1", ConversationID: "c1", SenderID: "u1", Body: "x"}); err == nil {
		t.Error("duplicate client_msg_id accepted, want unique constraint error")
	}
}
