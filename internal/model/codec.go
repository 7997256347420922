package model

import (
	"encoding/json"
	"fmt"

	"github.com/ranz98/convo/internal/remote"
)

// ConversationFromDoc decodes one conversation document.
func ConversationFromDoc(doc remote.Document) (Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(doc.Data, &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w", doc.ID, err)
	}
	c.ID = doc.ID
	return c, nil
}

// ConversationsFromSnapshot decodes a full directory snapshot, keeping
// server order. Undecodable documents are skipped, not fatal: one bad
// record must not blank the whole list.
func ConversationsFromSnapshot(snap remote.Snapshot) []Conversation {
	convs := make([]Conversation, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		c, err := ConversationFromDoc(doc)
		if err != nil {
			continue
		}
		convs = append(convs, c)
	}
	return convs
}

// MessageFromDoc decodes one message document.
func MessageFromDoc(doc remote.Document) (Message, error) {
	var m Message
	if err := json.Unmarshal(doc.Data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", doc.ID, err)
	}
	m.ID = doc.ID
	return m, nil
}

// MessagesFromSnapshot decodes a full message snapshot, keeping server
// order (ascending sentAt, arrival order on ties).
func MessagesFromSnapshot(snap remote.Snapshot) []Message {
	msgs := make([]Message, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		m, err := MessageFromDoc(doc)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}
