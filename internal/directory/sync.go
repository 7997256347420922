// Package directory maintains the live set of conversations visible to
// the signed-in user: a push subscription over the conversations
// collection, merged with the local cache for cold starts, plus the
// keyed-idempotent get-or-create used to open a thread with another
// participant.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/identity"
	"github.com/ranz98/convo/internal/model"
	"github.com/ranz98/convo/internal/remote"
	"github.com/ranz98/convo/internal/status"
	syncpkg "sync"
)

// Collection is the conversations collection path.
const Collection = "conversations"

// Sync mirrors the user's conversation list. All mutation happens inside
// snapshot/error callbacks or Start/Stop; readers get copies.
type Sync struct {
	self    remote.User
	store   remote.Store
	cache   *cache.Cache
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu        syncpkg.RWMutex
	convs     []model.Conversation
	ctx       context.Context
	cancel    context.CancelFunc
	cancelSub func()
}

// New creates a directory sync for the given identity.
func New(self remote.User, store remote.Store, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{
		self:    self,
		store:   store,
		cache:   c,
		bus:     b,
		machine: status.NewMachine("directory", b),
		logger:  logger,
	}
}

// Start seeds the list from the cache and opens the push subscription.
// The cached list is served even if the subscription fails to open.
func (s *Sync) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	if payload, ok := s.cache.Load(s.listName()); ok {
		var convs []model.Conversation
		if err := json.Unmarshal(payload, &convs); err == nil {
			s.mu.Lock()
			s.convs = convs
			s.mu.Unlock()
		}
		// A corrupt cache entry decodes to nothing; cold start instead.
	}

	if err := s.machine.Transition(status.Subscribing); err != nil {
		return err
	}

	q := remote.Query{
		Collection: Collection,
		Filters:    []remote.Filter{{Field: "members", Op: "array-contains", Value: s.self.ID}},
		OrderBy:    "lastActivityAt",
		Descending: true,
	}
	cancelSub, err := s.store.Subscribe(ctx, q, s.onSnapshot, s.onError)
	if err != nil {
		_ = s.machine.Transition(status.Unsubscribed)
		return fmt.Errorf("subscribe conversations: %w", err)
	}

	s.mu.Lock()
	s.cancelSub = cancelSub
	s.mu.Unlock()
	return nil
}

// Stop cancels the subscription. No callback mutates state after Stop
// returns.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, cancelSub := s.cancel, s.cancelSub
	s.cancel, s.cancelSub = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelSub != nil {
		cancelSub()
	}
	if s.machine.Current() != status.Unsubscribed {
		_ = s.machine.Transition(status.Unsubscribed)
	}
}

// Conversations returns the current list, newest activity first.
func (s *Sync) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Status reports the subscription state.
func (s *Sync) Status() status.State {
	return s.machine.Current()
}

// GetOrCreate resolves the conversation with another participant,
// creating it if absent. The canonical key is the document id, so
// concurrent calls from both sides converge on one record.
func (s *Sync) GetOrCreate(ctx context.Context, otherID string) (string, error) {
	key, err := identity.CanonicalKey(s.self.ID, otherID)
	if err != nil {
		return "", err
	}
	fields := map[string]any{
		"members":            identity.SortedMembers(s.self.ID, otherID),
		"lastMessagePreview": "",
		"lastActivityAt":     remote.ServerTimestamp,
	}
	if err := s.store.CreateIfAbsent(ctx, Collection, key, fields); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return key, nil
}

func (s *Sync) onSnapshot(snap remote.Snapshot) {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	convs := model.ConversationsFromSnapshot(snap)
	s.convs = convs
	s.mu.Unlock()

	if s.machine.Current() == status.Subscribing {
		_ = s.machine.Transition(status.Live)
	}

	if payload, err := json.Marshal(convs); err == nil {
		s.cache.Put(s.listName(), payload)
	}

	s.bus.Publish(bus.Event{
		Kind:    bus.KindDirectoryUpdated,
		At:      time.Now(),
		Payload: len(convs),
	})
}

func (s *Sync) onError(err error) {
	s.mu.RLock()
	stale := s.ctx == nil || s.ctx.Err() != nil
	s.mu.RUnlock()
	if stale {
		return
	}

	s.logger.Warn("conversation subscription failed", zap.Error(err))
	// The last good list stays visible; only the subscription dies.
	if s.machine.Current() != status.Unsubscribed {
		_ = s.machine.Transition(status.Unsubscribed)
	}
	s.bus.Publish(bus.Event{
		Kind:    bus.KindDirectorySyncErr,
		At:      time.Now(),
		Payload: err,
	})
}

func (s *Sync) listName() string {
	return "conversations-" + s.self.ID
}
