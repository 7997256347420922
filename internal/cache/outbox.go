package cache

import "time"

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
}

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, sender_id, sender_name, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ConversationID, e.SenderID, e.SenderName, e.Body, now, now)
	return err
}

// MarkOutboxSending flips an entry to 'sending'.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent flips an entry to 'sent'.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxFailed flips an entry to 'failed' with the error text.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// PendingOutbox returns entries still waiting to be sent, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, sender_id, sender_name, body, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.SenderID, &e.SenderName, &e.Body, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
