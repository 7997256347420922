package gateway

import (
	"encoding/json"

	"github.com/ranz98/convo/internal/remote"
)

// envelope is the frame exchanged with the gateway in both directions.
// Type selects the payload shape; ID correlates a command with its
// result or error frame. Push frames (snapshot, sub_error, auth_state)
// carry no ID.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client command payloads.

type subscribePayload struct {
	SubID string       `json:"subId"`
	Query remote.Query `json:"query"`
}

type unsubscribePayload struct {
	SubID string `json:"subId"`
}

type queryPayload struct {
	Query remote.Query `json:"query"`
}

type createPayload struct {
	Collection string          `json:"collection"`
	DocID      string          `json:"docId,omitempty"`
	Fields     json.RawMessage `json:"fields"`
}

// Server frame payloads.

type wireDoc struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type snapshotPayload struct {
	SubID string    `json:"subId"`
	Docs  []wireDoc `json:"docs"`
}

type subErrorPayload struct {
	SubID   string `json:"subId"`
	Message string `json:"message"`
}

type resultPayload struct {
	DocID string    `json:"docId,omitempty"`
	Docs  []wireDoc `json:"docs,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type authStatePayload struct {
	User *remote.User `json:"user"`
}

func snapshotFromWire(p snapshotPayload) remote.Snapshot {
	snap := remote.Snapshot{Docs: make([]remote.Document, 0, len(p.Docs))}
	for _, d := range p.Docs {
		snap.Docs = append(snap.Docs, remote.Document{ID: d.ID, Data: d.Data})
	}
	return snap
}
