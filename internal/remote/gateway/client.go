// Package gateway implements the remote ports over a WebSocket
// connection to the document-store gateway. One connection carries
// commands, correlated results, push snapshots, and auth state.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ranz98/convo/internal/remote"
)

// ErrClosed is returned for commands issued after the connection is gone.
var ErrClosed = errors.New("gateway: connection closed")

const writeTimeout = 10 * time.Second

// Client is a connected gateway session. It implements remote.Store and
// remote.Auth.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	subsMu sync.Mutex
	subs   map[string]*subscription

	authMu       sync.Mutex
	user         *remote.User
	listeners    map[int]func(*remote.User)
	nextListener int
}

// subscription delivery runs under mu so that cancel, which also takes
// mu, cannot return while a handler is in flight.
type subscription struct {
	mu        sync.Mutex
	cancelled bool
	onSnap    remote.SnapshotHandler
	onErr     remote.ErrorHandler
}

func (s *subscription) deliver(snap remote.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.onSnap(snap)
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.onErr(err)
}

// Dial connects to the gateway, authenticates with the token, and waits
// for the initial auth_state frame before returning.
func Dial(ctx context.Context, rawURL, token string, logger *zap.Logger) (*Client, error) {
	wsURL := strings.Replace(rawURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if token != "" {
		wsURL += "?token=" + token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}

	// The gateway speaks auth_state first; anything else means we are
	// talking to the wrong endpoint.
	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("gateway handshake read: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "auth_state" {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("gateway handshake: expected auth_state, got %q", env.Type)
	}
	var auth authStatePayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("gateway handshake payload: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:      conn,
		logger:    logger,
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   make(map[string]chan envelope),
		subs:      make(map[string]*subscription),
		listeners: make(map[int]func(*remote.User)),
		user:      auth.User,
	}

	go c.readLoop()

	logger.Info("gateway connected", zap.String("url", rawURL), zap.Bool("signed_in", auth.User != nil))
	return c, nil
}

// Close tears the connection down. Live subscriptions do not receive an
// error callback; the caller is shutting down anyway.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "client shutdown")
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.connectionLost(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("gateway: undecodable frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	switch env.Type {
	case "snapshot":
		var p snapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("gateway: bad snapshot payload", zap.Error(err))
			return
		}
		c.subsMu.Lock()
		sub := c.subs[p.SubID]
		c.subsMu.Unlock()
		if sub != nil {
			sub.deliver(snapshotFromWire(p))
		}

	case "sub_error":
		var p subErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.subsMu.Lock()
		sub := c.subs[p.SubID]
		delete(c.subs, p.SubID)
		c.subsMu.Unlock()
		if sub != nil {
			sub.fail(errors.New(p.Message))
		}

	case "auth_state":
		var p authStatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("gateway: bad auth_state payload", zap.Error(err))
			return
		}
		c.setUser(p.User)

	case "result", "error":
		c.pendingMu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- env
		}

	default:
		c.logger.Debug("gateway: ignoring frame", zap.String("type", env.Type))
	}
}

// connectionLost fails every live subscription and pending request. The
// engine sees the same error surface as a server-side subscription
// failure and falls back to its cached state.
func (c *Client) connectionLost(cause error) {
	if c.ctx.Err() == nil {
		c.logger.Warn("gateway connection lost", zap.Error(cause))
	}

	c.subsMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for id, s := range c.subs {
		subs = append(subs, s)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
	for _, s := range subs {
		s.fail(ErrClosed)
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *Client) send(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// request sends a command and blocks for the correlated result or error
// frame.
func (c *Client) request(ctx context.Context, typ string, payload any) (resultPayload, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return resultPayload{}, err
	}

	id := uuid.NewString()
	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(ctx, envelope{Type: typ, ID: id, Payload: raw}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return resultPayload{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return resultPayload{}, ErrClosed
		}
		if env.Type == "error" {
			var p errorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return resultPayload{}, fmt.Errorf("gateway: %s: %s", typ, p.Message)
		}
		var res resultPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				return resultPayload{}, fmt.Errorf("gateway: bad %s result: %w", typ, err)
			}
		}
		return res, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return resultPayload{}, ctx.Err()
	case <-c.ctx.Done():
		return resultPayload{}, ErrClosed
	}
}

// Subscribe implements remote.Store.
func (c *Client) Subscribe(ctx context.Context, q remote.Query, onSnapshot remote.SnapshotHandler, onError remote.ErrorHandler) (func(), error) {
	subID := uuid.NewString()
	sub := &subscription{onSnap: onSnapshot, onErr: onError}

	// Register before the command so the first pushed snapshot cannot
	// race past us.
	c.subsMu.Lock()
	c.subs[subID] = sub
	c.subsMu.Unlock()

	if _, err := c.request(ctx, "subscribe", subscribePayload{SubID: subID, Query: q}); err != nil {
		c.subsMu.Lock()
		delete(c.subs, subID)
		c.subsMu.Unlock()
		return nil, err
	}

	cancel := func() {
		c.subsMu.Lock()
		delete(c.subs, subID)
		c.subsMu.Unlock()

		// Blocks until any in-flight delivery returns.
		sub.mu.Lock()
		sub.cancelled = true
		sub.mu.Unlock()

		raw, _ := json.Marshal(unsubscribePayload{SubID: subID})
		uctx, ucancel := context.WithTimeout(context.Background(), writeTimeout)
		defer ucancel()
		if err := c.send(uctx, envelope{Type: "unsubscribe", Payload: raw}); err != nil && c.ctx.Err() == nil {
			c.logger.Debug("gateway: unsubscribe send failed", zap.Error(err))
		}
	}
	return cancel, nil
}

// QueryOnce implements remote.Store.
func (c *Client) QueryOnce(ctx context.Context, q remote.Query) (*remote.Snapshot, error) {
	res, err := c.request(ctx, "query", queryPayload{Query: q})
	if err != nil {
		return nil, err
	}
	snap := snapshotFromWire(snapshotPayload{Docs: res.Docs})
	return &snap, nil
}

// Create implements remote.Store.
func (c *Client) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	res, err := c.request(ctx, "create", createPayload{Collection: collection, Fields: raw})
	if err != nil {
		return "", err
	}
	return res.DocID, nil
}

// CreateIfAbsent implements remote.Store. The gateway treats an already
// existing id as success, which is what makes keyed creates idempotent
// across clients.
func (c *Client) CreateIfAbsent(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, "create_if_absent", createPayload{Collection: collection, DocID: id, Fields: raw})
	return err
}

// CurrentUser implements remote.Auth.
func (c *Client) CurrentUser() (remote.User, bool) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.user == nil {
		return remote.User{}, false
	}
	return *c.user, true
}

// OnAuthStateChange implements remote.Auth.
func (c *Client) OnAuthStateChange(fn func(*remote.User)) func() {
	c.authMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	current := c.user
	c.authMu.Unlock()

	fn(current)

	return func() {
		c.authMu.Lock()
		delete(c.listeners, id)
		c.authMu.Unlock()
	}
}

// SignOut implements remote.Auth. The gateway answers with an
// auth_state frame, which is what actually flips local state.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.request(ctx, "sign_out", struct{}{})
	return err
}

func (c *Client) setUser(u *remote.User) {
	c.authMu.Lock()
	c.user = u
	fns := make([]func(*remote.User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.authMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
