// Package gate ties the engine to the identity service. It owns the
// session-scoped context: sign-in builds the directory sync and outbox
// sender, sign-out cancels everything, discards in-flight results, and
// wipes the local cache so nothing leaks into the next identity.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/directory"
	"github.com/ranz98/convo/internal/model"
	"github.com/ranz98/convo/internal/outbox"
	"github.com/ranz98/convo/internal/remote"
	"github.com/ranz98/convo/internal/stream"
)

// ErrSignedOut is returned for operations that need an authenticated
// session.
var ErrSignedOut = errors.New("gate: no authenticated session")

// Gate supervises one authenticated session at a time.
type Gate struct {
	store  remote.Store
	auth   remote.Auth
	db     *cache.DB
	cache  *cache.Cache
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	root       context.Context
	cancelAuth func()
	sess       *session
}

// session is the per-identity state torn down on sign-out.
type session struct {
	user    remote.User
	ctx     context.Context
	cancel  context.CancelFunc
	dir     *directory.Sync
	sender  *outbox.Sender
	streams map[string]*stream.Engine
}

// New creates a gate.
func New(store remote.Store, auth remote.Auth, db *cache.DB, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, auth: auth, db: db, cache: c, bus: b, logger: logger}
}

// Start begins observing auth state. If a user is already signed in, the
// session comes up before Start returns.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	g.root = ctx
	g.mu.Unlock()
	g.cancelAuth = g.auth.OnAuthStateChange(g.onAuthChange)
}

// Stop detaches from auth and tears the session down without treating it
// as a sign-out: the cache survives for the next daemon start.
func (g *Gate) Stop() {
	if g.cancelAuth != nil {
		g.cancelAuth()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teardownLocked(false)
}

// CurrentUser reports the session identity.
func (g *Gate) CurrentUser() (remote.User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess == nil {
		return remote.User{}, false
	}
	return g.sess.user, true
}

// Conversations exposes the directory list, empty when signed out.
func (g *Gate) Conversations() []model.Conversation {
	g.mu.Lock()
	dir := g.dirLocked()
	g.mu.Unlock()
	if dir == nil {
		return nil
	}
	return dir.Conversations()
}

// GetOrCreate opens (or creates) the conversation with another
// participant.
func (g *Gate) GetOrCreate(ctx context.Context, otherID string) (string, error) {
	g.mu.Lock()
	dir := g.dirLocked()
	g.mu.Unlock()
	if dir == nil {
		return "", ErrSignedOut
	}
	return dir.GetOrCreate(ctx, otherID)
}

// OpenStream returns the live message stream for a conversation,
// starting it on first use. Streams live until CloseStream or sign-out.
func (g *Gate) OpenStream(conversationID string) (*stream.Engine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess == nil {
		return nil, ErrSignedOut
	}
	if e, ok := g.sess.streams[conversationID]; ok {
		return e, nil
	}
	e := stream.New(conversationID, g.sess.user, g.store, g.db, g.cache, g.bus, g.logger)
	if err := e.Start(g.sess.ctx); err != nil {
		return nil, err
	}
	g.sess.streams[conversationID] = e
	return e, nil
}

// CloseStream stops and forgets one open stream.
func (g *Gate) CloseStream(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess == nil {
		return
	}
	if e, ok := g.sess.streams[conversationID]; ok {
		e.Stop()
		delete(g.sess.streams, conversationID)
	}
}

// SignOut ends the session via the identity service; teardown happens
// through the resulting auth state change.
func (g *Gate) SignOut(ctx context.Context) error {
	return g.auth.SignOut(ctx)
}

func (g *Gate) onAuthChange(u *remote.User) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if u == nil {
		if g.sess == nil {
			return
		}
		g.logger.Info("signed out, tearing down session", zap.String("user_id", g.sess.user.ID))
		g.teardownLocked(true)
		g.bus.Publish(bus.Event{Kind: bus.KindSessionSignedOut, At: time.Now()})
		return
	}

	if g.sess != nil {
		if g.sess.user.ID == u.ID {
			return
		}
		// Identity switched without an observed sign-out.
		g.teardownLocked(true)
	}
	g.startSessionLocked(*u)
}

// startSessionLocked builds the per-identity components under a session
// context. Caller holds g.mu.
func (g *Gate) startSessionLocked(user remote.User) {
	root := g.root
	if root == nil {
		root = context.Background()
	}
	ctx, cancel := context.WithCancel(root)

	dir := directory.New(user, g.store, g.cache, g.bus, g.logger)
	if err := dir.Start(ctx); err != nil {
		// The cached list is still being served; the collaborator sees
		// the subscription state and can retry by signing in again.
		g.logger.Warn("directory subscription failed to open", zap.Error(err))
	}

	sender := outbox.NewSender(g.db, g.store, g.bus, g.logger)
	sender.Start(ctx)

	g.sess = &session{
		user:    user,
		ctx:     ctx,
		cancel:  cancel,
		dir:     dir,
		sender:  sender,
		streams: make(map[string]*stream.Engine),
	}
	g.logger.Info("session started", zap.String("user_id", user.ID))
	g.bus.Publish(bus.Event{Kind: bus.KindSessionSignedIn, At: time.Now(), Payload: user})
}

// teardownLocked cancels the session context and stops every component.
// clear additionally wipes the cache and outbox (sign-out semantics).
// Caller holds g.mu.
func (g *Gate) teardownLocked(clear bool) {
	if g.sess == nil {
		return
	}
	g.sess.cancel()
	for id, e := range g.sess.streams {
		e.Stop()
		delete(g.sess.streams, id)
	}
	g.sess.dir.Stop()
	g.sess.sender.Stop()
	g.sess = nil
	if clear {
		g.cache.ClearAll()
	}
}

// dirLocked returns the live directory sync. Caller holds g.mu.
func (g *Gate) dirLocked() *directory.Sync {
	if g.sess == nil {
		return nil
	}
	return g.sess.dir
}
