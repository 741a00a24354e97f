// Package events publishes relay activity (stored messages, relationship
// changes, sessions) to interested consumers. Publishing is fire-and-forget:
// a consumer failure never reaches the client flow.
package events

import (
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("events")

// Activity kinds. On NATS they become the subject suffix.
const (
	KindMessageStored   = "message.stored"
	KindFriendRequested = "friend.requested"
	KindFriendAccepted  = "friend.accepted"
	KindFriendDeclined  = "friend.declined"
	KindFriendRemoved   = "friend.removed"
	KindSessionOnline   = "session.online"
	KindSessionOffline  = "session.offline"
)

type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	Other     string    `json:"other,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(kind, actor, other string) Event {
	return Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		At:    time.Now().UTC(),
		Actor: actor,
		Other: other,
	}
}

type Publisher interface {
	Publish(ev Event)
}

// Nop discards everything. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(Event) {}

// Multi fans one event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
