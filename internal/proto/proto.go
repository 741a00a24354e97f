package proto

import (
	"time"

	"github.com/petervdpas/friendrelay/internal/storage"
)

// Inbound event types (client -> relay).
const (
	TypeMessage            = "message"
	TypeFriendRequest      = "friend_request"
	TypeFriendResponse     = "friend_response"
	TypeRemoveFriend       = "remove_friend"
	TypeGetFriends         = "get_friends"
	TypeGetPendingRequests = "get_pending_requests"
	TypeGetSentRequests    = "get_sent_requests"
	TypeGetMessages        = "get_messages"
)

// Outbound event types (relay -> client). "message" and "friend_response"
// reuse the inbound names.
const (
	TypeUserList              = "user_list"
	TypeFriendRequestReceived = "friend_request_received"
	TypeFriendRemoved         = "friend_removed"
	TypeFriendsList           = "friends_list"
	TypePendingRequests       = "pending_requests"
	TypeSentRequests          = "sent_requests"
	TypeConversation          = "conversation"
	TypeError                 = "error"
)

// Error reasons carried by ErrorEvent.
const (
	ReasonInvalid     = "invalid"
	ReasonConflict    = "conflict"
	ReasonNotFound    = "not_found"
	ReasonRateLimited = "rate_limited"
	ReasonInternal    = "internal"
)

// TimeFormat is the wire format of message timestamps (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Outbound is any event the relay pushes to a client. The set is closed.
type Outbound interface {
	EventType() string
}

type header struct {
	Type string `json:"type"`
}

func (h header) EventType() string { return h.Type }

type UserList struct {
	header
	Users []string `json:"users"`
}

// Message is a live chat push to the recipient.
type Message struct {
	header
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type FriendRequestReceived struct {
	header
	From string `json:"from"`
}

type FriendResponse struct {
	header
	From     string `json:"from"`
	Response string `json:"response"`
}

// FriendRemoved tells the actor which edge it removed (Target) and tells the
// other party who removed it (RemovedUser). Exactly one field is set.
type FriendRemoved struct {
	header
	Target      string `json:"target,omitempty"`
	RemovedUser string `json:"removed_user,omitempty"`
}

type FriendsList struct {
	header
	Friends []string `json:"friends"`
}

// RequestList is used for both pending_requests and sent_requests.
type RequestList struct {
	header
	Requests []string `json:"requests"`
}

// HistoryEntry is one stored message as returned by conversation queries,
// both over the websocket and by GET /get_messages.
type HistoryEntry struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type Conversation struct {
	header
	With     string         `json:"with"`
	Messages []HistoryEntry `json:"messages"`
}

// ErrorEvent acknowledges a rejected inbound event to its sender only.
type ErrorEvent struct {
	header
	Event   string `json:"event,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func NewUserList(users []string) UserList {
	if users == nil {
		users = []string{}
	}
	return UserList{header{TypeUserList}, users}
}

func NewMessage(m storage.Message) Message {
	return Message{header{TypeMessage}, m.Sender, m.Content, FormatTime(m.Timestamp)}
}

func NewFriendRequestReceived(from string) FriendRequestReceived {
	return FriendRequestReceived{header{TypeFriendRequestReceived}, from}
}

func NewFriendResponse(from, response string) FriendResponse {
	return FriendResponse{header{TypeFriendResponse}, from, response}
}

// NewFriendRemovedAck is sent to the party that removed the edge.
func NewFriendRemovedAck(target string) FriendRemoved {
	return FriendRemoved{header: header{TypeFriendRemoved}, Target: target}
}

// NewFriendRemovedNotice is sent to the other party.
func NewFriendRemovedNotice(removedBy string) FriendRemoved {
	return FriendRemoved{header: header{TypeFriendRemoved}, RemovedUser: removedBy}
}

func NewFriendsList(friends []string) FriendsList {
	if friends == nil {
		friends = []string{}
	}
	return FriendsList{header{TypeFriendsList}, friends}
}

func NewPendingRequests(requests []string) RequestList {
	return newRequestList(TypePendingRequests, requests)
}

func NewSentRequests(requests []string) RequestList {
	return newRequestList(TypeSentRequests, requests)
}

func newRequestList(typ string, requests []string) RequestList {
	if requests == nil {
		requests = []string{}
	}
	return RequestList{header{typ}, requests}
}

func NewConversation(with string, msgs []storage.Message) Conversation {
	return Conversation{header{TypeConversation}, with, History(msgs)}
}

func NewError(event, reason, message string) ErrorEvent {
	return ErrorEvent{header{TypeError}, event, reason, message}
}

// History converts stored messages to their wire form. Never returns nil.
func History(msgs []storage.Message) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryEntry{
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Content:   m.Content,
			Timestamp: FormatTime(m.Timestamp),
		})
	}
	return out
}

func FormatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }
