package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"github.com/petervdpas/friendrelay/internal/util"
)

// Inbound is one decoded client event. The set is closed: only the types in
// this file implement it.
type Inbound interface {
	inbound()
	EventType() string
}

type SendMessage struct {
	Recipient string `json:"recipient" validate:"required,identity"`
	Message   string `json:"message" validate:"required,content"`
}

type FriendRequest struct {
	Recipient string `json:"recipient" validate:"required,identity"`
}

type FriendReply struct {
	Requester string `json:"requester" validate:"required,identity"`
	Response  string `json:"response" validate:"required,oneof=accept decline"`
}

type RemoveFriend struct {
	Target string `json:"target" validate:"required,identity"`
}

type GetFriends struct{}

type GetPendingRequests struct{}

type GetSentRequests struct{}

type GetMessages struct {
	With string `json:"with" validate:"required,identity"`
}

func (SendMessage) inbound()        {}
func (FriendRequest) inbound()      {}
func (FriendReply) inbound()        {}
func (RemoveFriend) inbound()       {}
func (GetFriends) inbound()         {}
func (GetPendingRequests) inbound() {}
func (GetSentRequests) inbound()    {}
func (GetMessages) inbound()        {}

func (SendMessage) EventType() string        { return TypeMessage }
func (FriendRequest) EventType() string      { return TypeFriendRequest }
func (FriendReply) EventType() string        { return TypeFriendResponse }
func (RemoveFriend) EventType() string       { return TypeRemoveFriend }
func (GetFriends) EventType() string         { return TypeGetFriends }
func (GetPendingRequests) EventType() string { return TypeGetPendingRequests }
func (GetSentRequests) EventType() string    { return TypeGetSentRequests }
func (GetMessages) EventType() string        { return TypeGetMessages }

var (
	ErrMalformed   = errors.New("malformed event")
	ErrUnknownType = errors.New("unknown event type")
	ErrInvalid     = errors.New("invalid event")
)

// DecodeError carries the event type (when it could be read) so the caller
// can acknowledge the failure against it.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder parses and validates inbound frames. It is safe for concurrent use.
type Decoder struct {
	validate   *validator.Validate
	maxContent atomic.Int64
}

func NewDecoder(maxContentBytes int) *Decoder {
	d := &Decoder{validate: validator.New()}
	d.maxContent.Store(int64(maxContentBytes))

	_ = d.validate.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		name, err := util.ValidateUsername(s)
		return err == nil && name == s
	})
	_ = d.validate.RegisterValidation("content", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.TrimSpace(s) != "" && int64(len(s)) <= d.maxContent.Load()
	})
	return d
}

// SetMaxContentBytes changes the message size limit for subsequent decodes.
func (d *Decoder) SetMaxContentBytes(n int) { d.maxContent.Store(int64(n)) }

// MaxContentBytes returns the current message size limit.
func (d *Decoder) MaxContentBytes() int { return int(d.maxContent.Load()) }

// Decode parses one JSON frame shaped {"type": ..., ...fields}. Errors are
// *DecodeError wrapping ErrMalformed, ErrUnknownType or ErrInvalid.
func (d *Decoder) Decode(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	var ev Inbound
	switch env.Type {
	case TypeMessage:
		ev = &SendMessage{}
	case TypeFriendRequest:
		ev = &FriendRequest{}
	case TypeFriendResponse:
		ev = &FriendReply{}
	case TypeRemoveFriend:
		ev = &RemoveFriend{}
	case TypeGetFriends:
		return GetFriends{}, nil
	case TypeGetPendingRequests:
		return GetPendingRequests{}, nil
	case TypeGetSentRequests:
		return GetSentRequests{}, nil
	case TypeGetMessages:
		ev = &GetMessages{}
	case "":
		return nil, &DecodeError{Err: fmt.Errorf("%w: missing type", ErrMalformed)}
	default:
		return nil, &DecodeError{Type: env.Type, Err: ErrUnknownType}
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := d.validate.Struct(ev); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: fmt.Errorf("%w: %s", ErrInvalid, describe(err))}
	}
	return deref(ev), nil
}

// deref returns the value form so callers can type-switch on plain structs.
func deref(ev Inbound) Inbound {
	switch e := ev.(type) {
	case *SendMessage:
		return *e
	case *FriendRequest:
		return *e
	case *FriendReply:
		return *e
	case *RemoveFriend:
		return *e
	case *GetMessages:
		return *e
	}
	return ev
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
