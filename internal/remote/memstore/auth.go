package memstore

import (
	"context"
	"sync"

	"github.com/ranz98/convo/internal/remote"
)

// Auth is an in-memory remote.Auth. SignIn is the dev/test entry point;
// the real identity service drives the gateway equivalent.
type Auth struct {
	mu        sync.Mutex
	user      *remote.User
	listeners map[uint64]func(*remote.User)
	nextID    uint64
}

// NewAuth creates a signed-out Auth.
func NewAuth() *Auth {
	return &Auth{listeners: make(map[uint64]func(*remote.User))}
}

// SignIn sets the current user and notifies listeners.
func (a *Auth) SignIn(u remote.User) {
	a.mu.Lock()
	a.user = &u
	fns := a.snapshotListeners()
	a.mu.Unlock()

	for _, fn := range fns {
		fn(&u)
	}
}

func (a *Auth) CurrentUser() (remote.User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil {
		return remote.User{}, false
	}
	return *a.user, true
}

func (a *Auth) OnAuthStateChange(fn func(*remote.User)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	current := a.user
	a.mu.Unlock()

	// Deliver the current state on registration, like the real service.
	fn(current)

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Auth) SignOut(_ context.Context) error {
	a.mu.Lock()
	a.user = nil
	fns := a.snapshotListeners()
	a.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
	return nil
}

// snapshotListeners copies the listener set. Caller holds a.mu.
func (a *Auth) snapshotListeners() []func(*remote.User) {
	fns := make([]func(*remote.User), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	return fns
}
