// Package presence tracks which identities have a live session and owns the
// only path to their transport handles.
package presence

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/friendrelay/internal/proto"
)

var log = logging.Logger("presence")

// ErrOffline is returned by Deliver when the identity has no live session.
var ErrOffline = errors.New("presence: identity offline")

// Handle is the send side of one live connection. Send must not block: a
// handle that cannot take more events fails the call and closes itself.
type Handle interface {
	Send(ev proto.Outbound) error
	Close() error
}

type entry struct {
	token  string
	handle Handle
}

// Registry maps identities to their current handle. At most one handle per
// identity; a new Register replaces the old one.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]entry
}

func New() *Registry {
	return &Registry{sessions: make(map[string]entry)}
}

// Register maps identity to h under a fresh session token. replaced is the
// handle that was registered before, or nil.
func (r *Registry) Register(identity string, h Handle) (token string, replaced Handle) {
	token = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[identity]; ok {
		replaced = prev.handle
	}
	r.sessions[identity] = entry{token: token, handle: h}
	log.Debugw("registered", "identity", identity, "replaced", replaced != nil)
	return token, replaced
}

// Deregister removes the mapping for identity if it still belongs to token.
// A stale token, one whose session was already replaced or removed, is a
// no-op and reports false.
func (r *Registry) Deregister(token, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[identity]
	if !ok || cur.token != token {
		log.Debugw("stale deregister ignored", "identity", identity)
		return false
	}
	delete(r.sessions, identity)
	log.Debugw("deregistered", "identity", identity)
	return true
}

// Lookup returns the current handle for identity.
func (r *Registry) Lookup(identity string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[identity]
	return e.handle, ok
}

// SnapshotOnline returns the registered identities in sorted order.
func (r *Registry) SnapshotOnline() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	users := lo.Keys(r.sessions)
	slices.Sort(users)
	return users
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Deliver enqueues ev on the current handle of identity. The handle is used
// under the registry lock so a concurrent replace cannot hand the event to a
// displaced connection.
func (r *Registry) Deliver(identity string, ev proto.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[identity]
	if !ok {
		return ErrOffline
	}
	if err := e.handle.Send(ev); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", ev.EventType(), identity, err)
	}
	return nil
}

// Broadcast enqueues ev on every registered handle and returns how many
// accepted it. Failed handles are skipped.
func (r *Registry) Broadcast(ev proto.Outbound) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(ev)
}

// BroadcastOnline sends the current user list to every registered handle.
// The list is taken and fanned out under one lock, so broadcasts reach each
// handle in registry order and the last one a handle sees is never stale.
func (r *Registry) BroadcastOnline() (users []string, sent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users = r.onlineLocked()
	return users, r.broadcastLocked(proto.NewUserList(users))
}

func (r *Registry) broadcastLocked(ev proto.Outbound) int {
	sent := 0
	for identity, e := range r.sessions {
		if err := e.handle.Send(ev); err != nil {
			log.Debugw("broadcast skipped", "identity", identity, "type", ev.EventType(), "err", err)
			continue
		}
		sent++
	}
	return sent
}
