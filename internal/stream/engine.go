// Package stream maintains the live, ordered message list for one open
// conversation: a push subscription ascending by sentAt, a provisional
// entry for every local append, and reconciliation of the two by
// message id once the server confirms.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/model"
	"github.com/ranz98/convo/internal/remote"
	"github.com/ranz98/convo/internal/status"
)

// ErrInvalidMessage rejects empty or whitespace-only bodies.
var ErrInvalidMessage = errors.New("stream: message body must not be blank")

// Collection returns the message collection path for a conversation.
func Collection(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}

// Engine is the message stream for one conversation.
type Engine struct {
	conversationID string
	self           remote.User
	store          remote.Store
	db             *cache.DB
	cache          *cache.Cache
	bus            *bus.Bus
	machine        *status.Machine
	logger         *zap.Logger

	mu        sync.RWMutex
	confirmed []model.Message // server order: sentAt ascending, arrival on ties
	pending   []model.Message // provisional, not yet seen in a snapshot
	ctx       context.Context
	cancel    context.CancelFunc
	cancelSub func()
}

// New creates a stream engine for one conversation.
func New(conversationID string, self remote.User, store remote.Store, db *cache.DB, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		conversationID: conversationID,
		self:           self,
		store:          store,
		db:             db,
		cache:          c,
		bus:            b,
		machine:        status.NewMachine("messages:"+conversationID, b),
		logger:         logger,
	}
}

// Start seeds the confirmed list from the cache and opens the push
// subscription.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ctx = ctx
	e.cancel = cancel
	e.mu.Unlock()

	if payload, ok := e.cache.Load(e.listName()); ok {
		var msgs []model.Message
		if err := json.Unmarshal(payload, &msgs); err == nil {
			e.mu.Lock()
			e.confirmed = msgs
			e.mu.Unlock()
		}
	}

	if err := e.machine.Transition(status.Subscribing); err != nil {
		return err
	}

	q := remote.Query{
		Collection: Collection(e.conversationID),
		OrderBy:    "sentAt",
	}
	cancelSub, err := e.store.Subscribe(ctx, q, e.onSnapshot, e.onError)
	if err != nil {
		_ = e.machine.Transition(status.Unsubscribed)
		return fmt.Errorf("subscribe messages: %w", err)
	}

	e.mu.Lock()
	e.cancelSub = cancelSub
	e.mu.Unlock()
	return nil
}

// Stop cancels the subscription. No callback mutates state after Stop
// returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, cancelSub := e.cancel, e.cancelSub
	e.cancel, e.cancelSub = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelSub != nil {
		cancelSub()
	}
	if e.machine.Current() != status.Unsubscribed {
		_ = e.machine.Transition(status.Unsubscribed)
	}
}

// ConversationID identifies the stream.
func (e *Engine) ConversationID() string {
	return e.conversationID
}

// Messages returns the exposed ordered list: the last confirmed snapshot
// followed by still-unconfirmed provisional entries.
func (e *Engine) Messages() []model.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Message, 0, len(e.confirmed)+len(e.pending))
	out = append(out, e.confirmed...)
	out = append(out, e.pending...)
	return out
}

// Status reports the subscription state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}

// Append queues an outgoing message. The provisional entry is visible as
// soon as Append returns; the write itself is fire-and-forget, with
// failures reported on the bus rather than to the caller.
func (e *Engine) Append(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrInvalidMessage
	}

	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: e.conversationID,
		SenderID:       e.self.ID,
		SenderName:     e.self.DisplayName,
		Body:           body,
		SentAt:         time.Now().UnixMilli(), // provisional, replaced by server clock
		Pending:        true,
	}

	e.mu.Lock()
	e.pending = append(e.pending, msg)
	e.mu.Unlock()

	if err := e.db.QueueOutbox(&cache.OutboxEntry{
		ClientMsgID:    msg.ID,
		ConversationID: e.conversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Body:           body,
	}); err != nil {
		e.logger.Error("failed to queue message", zap.Error(err), zap.String("msg_id", msg.ID))
		e.bus.Publish(bus.Event{
			Kind: bus.KindMessageSendFailed,
			At:   time.Now(),
			Payload: map[string]string{
				"conversation_id": e.conversationID,
				"client_msg_id":   msg.ID,
				"error":           err.Error(),
			},
		})
	}

	e.bus.Publish(bus.Event{
		Kind: bus.KindMessageUpserted,
		At:   time.Now(),
		Payload: map[string]string{
			"conversation_id": e.conversationID,
			"msg_id":          msg.ID,
		},
	})
	return msg.ID, nil
}

// onSnapshot replaces the confirmed list wholesale and reconciles
// provisional entries by id: any provisional now present in the
// confirmed set is dropped, never duplicated.
func (e *Engine) onSnapshot(snap remote.Snapshot) {
	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	confirmed := model.MessagesFromSnapshot(snap)
	seen := make(map[string]struct{}, len(confirmed))
	for _, m := range confirmed {
		seen[m.ID] = struct{}{}
	}
	var stillPending []model.Message
	for _, m := range e.pending {
		if _, ok := seen[m.ID]; !ok {
			stillPending = append(stillPending, m)
		}
	}
	e.confirmed = confirmed
	e.pending = stillPending
	e.mu.Unlock()

	if e.machine.Current() == status.Subscribing {
		_ = e.machine.Transition(status.Live)
	}

	if payload, err := json.Marshal(confirmed); err == nil {
		e.cache.Put(e.listName(), payload)
	}

	e.bus.Publish(bus.Event{
		Kind: bus.KindMessageUpserted,
		At:   time.Now(),
		Payload: map[string]string{
			"conversation_id": e.conversationID,
		},
	})
}

func (e *Engine) onError(err error) {
	e.mu.RLock()
	stale := e.ctx == nil || e.ctx.Err() != nil
	e.mu.RUnlock()
	if stale {
		return
	}

	e.logger.Warn("message subscription failed",
		zap.String("conversation_id", e.conversationID), zap.Error(err))
	if e.machine.Current() != status.Unsubscribed {
		_ = e.machine.Transition(status.Unsubscribed)
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessageSyncErr,
		At:      time.Now(),
		Payload: err,
	})
}

func (e *Engine) listName() string {
	return "messages-" + e.conversationID
}
