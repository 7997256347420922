// Package outbox drains queued appends to the remote store. The stream
// engine shows the provisional entry; this sender owns the actual write
// and reports the outcome on the bus.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/remote"
	"github.com/ranz98/convo/internal/stream"
)

// Sender polls the outbox and writes pending messages to the store.
type Sender struct {
	db     *cache.DB
	store  remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *cache.DB, store remote.Store, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{db: db, store: store, bus: b, logger: logger}
}

// Start begins polling for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// The client id is the document id, so a retried or duplicated
		// send is a no-op on the server.
		err := s.store.CreateIfAbsent(ctx, stream.Collection(entry.ConversationID), entry.ClientMsgID, map[string]any{
			"conversationId": entry.ConversationID,
			"senderId":       entry.SenderID,
			"senderName":     entry.SenderName,
			"body":           entry.Body,
			"sentAt":         remote.ServerTimestamp,
		})
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.bus.Publish(bus.Event{
				Kind: bus.KindMessageSendFailed,
				At:   time.Now(),
				Payload: map[string]string{
					"conversation_id": entry.ConversationID,
					"client_msg_id":   entry.ClientMsgID,
					"error":           err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("conversation_id", entry.ConversationID))
		s.bus.Publish(bus.Event{
			Kind: bus.KindMessageSendAck,
			At:   time.Now(),
			Payload: map[string]string{
				"conversation_id": entry.ConversationID,
				"client_msg_id":   entry.ClientMsgID,
			},
		})
	}
}
