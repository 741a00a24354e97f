package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/petervdpas/friendrelay/internal/events"
	"github.com/petervdpas/friendrelay/internal/metrics"
	"github.com/petervdpas/friendrelay/internal/presence"
	"github.com/petervdpas/friendrelay/internal/proto"
	"github.com/petervdpas/friendrelay/internal/util"
)

// Transport is one client connection as the hub sees it.
type Transport interface {
	presence.Handle
	// Next blocks for the next inbound frame.
	Next() ([]byte, error)
}

// replaceCloser is implemented by transports that can tell the peer why
// they are being closed.
type replaceCloser interface {
	CloseReplaced()
}

// Session is one identity's live connection, from Connect to Disconnect.
type Session struct {
	identity    string
	token       string
	transport   Transport
	connectedAt time.Time

	limiter *rate.Limiter
	seen    *RateLimit

	once sync.Once
}

func (s *Session) Identity() string { return s.identity }

// allow consumes one token. A changed rl starts a fresh, full bucket. Only
// the session's own goroutine calls it.
func (s *Session) allow(rl *RateLimit) bool {
	if rl != s.seen {
		s.limiter = rate.NewLimiter(rate.Limit(rl.EventsPerSecond), rl.Burst)
		s.seen = rl
	}
	return s.limiter.Allow()
}

// reply sends ev on this session's own transport.
func (s *Session) reply(ev proto.Outbound) {
	if err := s.transport.Send(ev); err != nil {
		log.Debugw("reply dropped", "identity", s.identity, "type", ev.EventType(), "err", err)
	}
}

// identityLocks serialises the lifecycle steps of one identity, so a
// registry change and its persisted online flag land together.
type identityLocks struct {
	mu sync.Mutex
	m  map[string]*identityLock
}

type identityLock struct {
	sync.Mutex
	refs int
}

func (l *identityLocks) lock(identity string) (unlock func()) {
	l.mu.Lock()
	il, ok := l.m[identity]
	if !ok {
		il = &identityLock{}
		l.m[identity] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		if il.refs--; il.refs == 0 {
			delete(l.m, identity)
		}
		l.mu.Unlock()
	}
}

// Hub runs the session lifecycle around the shared Router and Registry.
type Hub struct {
	router   *Router
	registry *presence.Registry
	store    Store
	metrics  *metrics.Metrics
	pub      events.Publisher
	locks    identityLocks
}

func NewHub(store Store, registry *presence.Registry, opts Options, m *metrics.Metrics, pub events.Publisher) *Hub {
	if m == nil {
		m = metrics.New()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Hub{
		router:   NewRouter(store, registry, opts, m, pub),
		registry: registry,
		store:    store,
		metrics:  m,
		pub:      pub,
		locks:    identityLocks{m: make(map[string]*identityLock)},
	}
}

func (h *Hub) Router() *Router { return h.router }

// Online returns the identities with a live session, sorted.
func (h *Hub) Online() []string { return h.registry.SnapshotOnline() }

// Start clears presence left over from a previous run. No session can exist
// before the hub serves its first connection.
func (h *Hub) Start(ctx context.Context) error {
	n, err := h.store.ResetPresence(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infow("cleared stale presence", "identities", n)
	}
	return nil
}

// Connect registers t as identity's live session, closing any session it
// replaces, marks the identity online and broadcasts the new user list.
func (h *Hub) Connect(ctx context.Context, identity string, t Transport) *Session {
	rl := h.router.rateLimit()
	s := &Session{
		identity:    identity,
		transport:   t,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(rl.EventsPerSecond), rl.Burst),
		seen:        rl,
	}

	unlock := h.locks.lock(identity)
	token, replaced := h.registry.Register(identity, t)
	s.token = token
	h.metrics.SessionsTotal.WithLabelValues("connected").Inc()
	if replaced != nil {
		h.metrics.SessionsTotal.WithLabelValues("replaced").Inc()
		log.Infow("session replaced", "identity", identity)
		if rc, ok := replaced.(replaceCloser); ok {
			rc.CloseReplaced()
		} else {
			_ = replaced.Close()
		}
	}
	h.metrics.ActiveSessions.Set(float64(h.registry.Len()))

	if err := h.store.SetOnline(ctx, identity); err != nil {
		log.Warnw("mark online failed", "identity", identity, "err", err)
	}
	unlock()

	h.pub.Publish(events.New(events.KindSessionOnline, identity, ""))
	h.broadcastPresence()

	log.Infow("session connected", "identity", identity, "online", h.registry.Len())
	return s
}

// Disconnect ends s. It runs at most once per session. Only a session that
// still owns the registry mapping marks the identity offline and
// broadcasts; a replaced session just closes its transport. A reconnect of
// the same identity waits until the offline flag is written.
func (h *Hub) Disconnect(s *Session) {
	s.once.Do(func() {
		if h.deregister(s) {
			h.metrics.SessionsTotal.WithLabelValues("disconnected").Inc()
			h.metrics.ActiveSessions.Set(float64(h.registry.Len()))

			h.pub.Publish(events.New(events.KindSessionOffline, s.identity, ""))
			h.broadcastPresence()
			log.Infow("session disconnected", "identity", s.identity,
				"online", h.registry.Len(), "duration", time.Since(s.connectedAt).Round(time.Second))
		} else {
			h.metrics.SessionsTotal.WithLabelValues("stale").Inc()
			log.Debugw("stale session closed", "identity", s.identity)
		}
		_ = s.transport.Close()
	})
}

// Serve runs one connection: Connect, then read and dispatch frames one at a
// time until the transport fails or ctx is cancelled. Disconnect always runs.
func (h *Hub) Serve(ctx context.Context, identity string, t Transport) error {
	s := h.Connect(ctx, identity, t)
	defer h.Disconnect(s)

	// Unblock Next when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		frame, err := t.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		h.router.Handle(ctx, s, frame)
	}
}

func (h *Hub) deregister(s *Session) bool {
	unlock := h.locks.lock(s.identity)
	defer unlock()

	if !h.registry.Deregister(s.token, s.identity) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := h.store.SetOffline(ctx, s.identity); err != nil {
		log.Warnw("mark offline failed", "identity", s.identity, "err", err)
	}
	return true
}

func (h *Hub) broadcastPresence() {
	users, n := h.registry.BroadcastOnline()
	h.metrics.BroadcastsTotal.Inc()
	log.Debugw("presence broadcast", "online", len(users), "delivered", n)
}
