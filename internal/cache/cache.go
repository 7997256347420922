// Package cache is the best-effort local mirror: the last synced
// serialization of each logical list, plus the durable append outbox.
// Cache failures are logged and swallowed; the cache must never become a
// user-visible source of failure, and it promises nothing beyond "last
// value successfully written".
package cache

import (
	"time"

	"go.uber.org/zap"
)

// Cache is the KV mirror over the profile db.
type Cache struct {
	db     *DB
	logger *zap.Logger
}

// New creates a cache over an opened, migrated db.
func New(db *DB, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: db, logger: logger}
}

// Load returns the last written payload for a list, or ok=false when the
// list is absent or unreadable. Read errors are swallowed so a corrupt
// cache degrades to a cold start, not a failure.
func (c *Cache) Load(listName string) ([]byte, bool) {
	var payload []byte
	err := c.db.QueryRow(`SELECT payload FROM cache_entries WHERE list_name = ?`, listName).Scan(&payload)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Put overwrites a list's payload wholesale. Best-effort: failures are
// logged and otherwise ignored.
func (c *Cache) Put(listName string, payload []byte) {
	now := time.Now().UnixMilli()
	_, err := c.db.Exec(`
		INSERT INTO cache_entries (list_name, payload, written_at)
		VALUES (?, ?, ?)
		ON CONFLICT(list_name) DO UPDATE SET
			payload = excluded.payload,
			written_at = excluded.written_at`,
		listName, payload, now)
	if err != nil {
		c.logger.Warn("cache write failed", zap.String("list", listName), zap.Error(err))
	}
}

// Clear removes one list.
func (c *Cache) Clear(listName string) {
	if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE list_name = ?`, listName); err != nil {
		c.logger.Warn("cache clear failed", zap.String("list", listName), zap.Error(err))
	}
}

// ClearAll wipes every cached list and the outbox. Called on sign-out so
// one user's data cannot leak into the next session.
func (c *Cache) ClearAll() {
	if _, err := c.db.Exec(`DELETE FROM cache_entries`); err != nil {
		c.logger.Warn("cache wipe failed", zap.Error(err))
	}
	if _, err := c.db.Exec(`DELETE FROM outbox`); err != nil {
		c.logger.Warn("outbox wipe failed", zap.Error(err))
	}
}
