package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted topic
// name; subscribers match on topic prefix.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}

// Well-known event kinds published by the engine.
const (
	KindDirectoryUpdated  = "directory.updated"
	KindDirectorySyncErr  = "directory.sync_error"
	KindMessageUpserted   = "message.upserted"
	KindMessageSyncErr    = "message.sync_error"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindSessionSignedIn   = "session.signed_in"
	KindSessionSignedOut  = "session.signed_out"
	KindSyncStatusChanged = "sync.status_changed"
)
