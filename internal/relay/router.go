package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/friendrelay/internal/events"
	"github.com/petervdpas/friendrelay/internal/friends"
	"github.com/petervdpas/friendrelay/internal/metrics"
	"github.com/petervdpas/friendrelay/internal/presence"
	"github.com/petervdpas/friendrelay/internal/proto"
	"github.com/petervdpas/friendrelay/internal/storage"
)

var log = logging.Logger("relay")

var (
	errRateLimited = errors.New("rate limited")
	errSelf        = errors.New("cannot target yourself")
)

// Store is everything the relay needs from persistence. *storage.DB
// implements it.
type Store interface {
	friends.Store
	SetOnline(ctx context.Context, username string) error
	SetOffline(ctx context.Context, username string) error
	ResetPresence(ctx context.Context) (int64, error)
	AppendMessage(ctx context.Context, sender, recipient, content string) (storage.Message, error)
	QueryConversation(ctx context.Context, a, b string, limit int) ([]storage.Message, error)
}

// RateLimit is the per-session token bucket. It can be changed at runtime.
type RateLimit struct {
	EventsPerSecond float64
	Burst           int
}

type Options struct {
	MaxMessageBytes int
	HistoryLimit    int
	RateLimit       RateLimit
}

// Router validates and dispatches inbound events for one session at a time.
// It is shared by all sessions and holds no per-connection state.
type Router struct {
	store    Store
	friends  *friends.Service
	registry *presence.Registry
	decoder  *proto.Decoder
	metrics  *metrics.Metrics
	pub      events.Publisher

	historyLimit int
	rate         atomic.Pointer[RateLimit]
}

func NewRouter(store Store, registry *presence.Registry, opts Options, m *metrics.Metrics, pub events.Publisher) *Router {
	if m == nil {
		m = metrics.New()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	r := &Router{
		store:        store,
		friends:      friends.New(store),
		registry:     registry,
		decoder:      proto.NewDecoder(opts.MaxMessageBytes),
		metrics:      m,
		pub:          pub,
		historyLimit: opts.HistoryLimit,
	}
	rl := opts.RateLimit
	r.rate.Store(&rl)
	return r
}

// SetRateLimit applies a new per-session bucket. Live sessions pick it up on
// their next event.
func (r *Router) SetRateLimit(rl RateLimit) {
	r.rate.Store(&rl)
	log.Infow("rate limit updated", "events_per_second", rl.EventsPerSecond, "burst", rl.Burst)
}

// SetMaxMessageBytes changes the chat message size limit for every later
// frame, on all sessions.
func (r *Router) SetMaxMessageBytes(n int) {
	if n == r.decoder.MaxContentBytes() {
		return
	}
	r.decoder.SetMaxContentBytes(n)
	log.Infow("message size limit updated", "max_message_bytes", n)
}

func (r *Router) rateLimit() *RateLimit { return r.rate.Load() }

// Handle decodes one raw frame from s and dispatches it. Failures are
// acknowledged to s; none of them end the session.
func (r *Router) Handle(ctx context.Context, s *Session, frame []byte) {
	ev, err := r.decoder.Decode(frame)
	if err != nil {
		var de *proto.DecodeError
		typ := ""
		if errors.As(err, &de) {
			typ = de.Type
		}
		r.fail(s, typ, err)
		return
	}
	if !s.allow(r.rateLimit()) {
		r.fail(s, ev.EventType(), errRateLimited)
		return
	}
	if err := r.Dispatch(ctx, s, ev); err != nil {
		r.fail(s, ev.EventType(), err)
		return
	}
	r.metrics.EventsTotal.WithLabelValues(ev.EventType(), metrics.OutcomeOK).Inc()
}

// Dispatch runs one decoded event on behalf of s. Every mutation is
// persisted before any live delivery is attempted.
func (r *Router) Dispatch(ctx context.Context, s *Session, ev proto.Inbound) error {
	me := s.Identity()

	switch e := ev.(type) {
	case proto.SendMessage:
		if e.Recipient == me {
			return errSelf
		}
		m, err := r.store.AppendMessage(ctx, me, e.Recipient, e.Message)
		if err != nil {
			return err
		}
		r.publish(events.Event{Kind: events.KindMessageStored, Actor: me, Other: e.Recipient, MessageID: m.ID})
		r.deliver(e.Recipient, proto.NewMessage(m))
		return nil

	case proto.FriendRequest:
		if e.Recipient == me {
			return errSelf
		}
		if _, err := r.friends.SendRequest(ctx, me, e.Recipient); err != nil {
			return err
		}
		r.publish(events.Event{Kind: events.KindFriendRequested, Actor: me, Other: e.Recipient})
		r.deliver(e.Recipient, proto.NewFriendRequestReceived(me))
		return nil

	case proto.FriendReply:
		if e.Requester == me {
			return errSelf
		}
		decision, err := friends.ParseDecision(e.Response)
		if err != nil {
			return err
		}
		if _, err := r.friends.Respond(ctx, me, e.Requester, decision); err != nil {
			return err
		}
		kind := events.KindFriendAccepted
		if decision == friends.Decline {
			kind = events.KindFriendDeclined
		}
		r.publish(events.Event{Kind: kind, Actor: me, Other: e.Requester})
		r.deliver(e.Requester, proto.NewFriendResponse(me, string(decision)))
		return nil

	case proto.RemoveFriend:
		if e.Target == me {
			return errSelf
		}
		if _, err := r.friends.Remove(ctx, me, e.Target); err != nil {
			return err
		}
		r.publish(events.Event{Kind: events.KindFriendRemoved, Actor: me, Other: e.Target})
		s.reply(proto.NewFriendRemovedAck(e.Target))
		r.deliver(e.Target, proto.NewFriendRemovedNotice(me))
		return nil

	case proto.GetFriends:
		list, err := r.friends.Friends(ctx, me)
		if err != nil {
			return err
		}
		s.reply(proto.NewFriendsList(list))
		return nil

	case proto.GetPendingRequests:
		list, err := r.friends.PendingIncoming(ctx, me)
		if err != nil {
			return err
		}
		s.reply(proto.NewPendingRequests(list))
		return nil

	case proto.GetSentRequests:
		list, err := r.friends.PendingOutgoing(ctx, me)
		if err != nil {
			return err
		}
		s.reply(proto.NewSentRequests(list))
		return nil

	case proto.GetMessages:
		msgs, err := r.store.QueryConversation(ctx, me, e.With, r.historyLimit)
		if err != nil {
			return err
		}
		s.reply(proto.NewConversation(e.With, msgs))
		return nil
	}

	return fmt.Errorf("%w: %T", proto.ErrUnknownType, ev)
}

// deliver pushes ev to identity if it is live. Offline is the normal
// durable-only path, not an error.
func (r *Router) deliver(identity string, ev proto.Outbound) {
	err := r.registry.Deliver(identity, ev)
	switch {
	case err == nil:
		r.metrics.DeliveriesTotal.WithLabelValues(ev.EventType(), metrics.DeliveryLive).Inc()
	case errors.Is(err, presence.ErrOffline):
		r.metrics.DeliveriesTotal.WithLabelValues(ev.EventType(), metrics.DeliveryOffline).Inc()
	default:
		r.metrics.DeliveriesTotal.WithLabelValues(ev.EventType(), metrics.DeliveryFailed).Inc()
		log.Debugw("live delivery failed", "to", identity, "type", ev.EventType(), "err", err)
	}
}

func (r *Router) publish(ev events.Event) {
	stamped := events.New(ev.Kind, ev.Actor, ev.Other)
	stamped.MessageID = ev.MessageID
	r.pub.Publish(stamped)
}

func (r *Router) fail(s *Session, eventType string, err error) {
	reason := reasonFor(err)
	label := eventType
	if label == "" || errors.Is(err, proto.ErrUnknownType) {
		// keep client-chosen type strings out of metric labels
		label = "unknown"
	}
	r.metrics.EventsTotal.WithLabelValues(label, reason).Inc()

	if reason == proto.ReasonInternal {
		log.Errorw("event failed", "identity", s.Identity(), "type", eventType, "err", err)
		s.reply(proto.NewError(eventType, reason, ""))
		return
	}
	log.Debugw("event rejected", "identity", s.Identity(), "type", eventType, "reason", reason, "err", err)
	s.reply(proto.NewError(eventType, reason, err.Error()))
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return proto.ReasonRateLimited
	case errors.Is(err, errSelf),
		errors.Is(err, friends.ErrInvalid),
		errors.Is(err, proto.ErrMalformed),
		errors.Is(err, proto.ErrUnknownType),
		errors.Is(err, proto.ErrInvalid):
		return proto.ReasonInvalid
	case errors.Is(err, storage.ErrConflict):
		return proto.ReasonConflict
	case errors.Is(err, storage.ErrNotFound):
		return proto.ReasonNotFound
	}
	return proto.ReasonInternal
}
