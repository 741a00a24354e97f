// Package friends implements the friend relationship state machine.
//
// Every unordered pair of identities has at most one edge. An edge is
// created pending by its initiator, moved once to accepted or declined by
// its target, and removed by either party whatever its status:
//
//	(none) --SendRequest--> pending --Respond--> accepted | declined
//	any    --Remove-------> (none)
//
// A declined or accepted edge blocks new requests until it is removed.
package friends

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/friendrelay/internal/storage"
)

var log = logging.Logger("friends")

var (
	ErrInvalid  = errors.New("friends: invalid request")
	ErrNotFound = fmt.Errorf("friends: %w", storage.ErrNotFound)
	ErrConflict = fmt.Errorf("friends: %w", storage.ErrConflict)
)

// Decision is the target's answer to a pending request.
type Decision string

const (
	Accept  Decision = "accept"
	Decline Decision = "decline"
)

// ParseDecision maps the wire value to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Accept, Decline:
		return Decision(s), nil
	}
	return "", fmt.Errorf("%w: unknown response %q", ErrInvalid, s)
}

func (d Decision) status() storage.Status {
	if d == Accept {
		return storage.StatusAccepted
	}
	return storage.StatusDeclined
}

// Store is the persistence the state machine needs. *storage.DB implements it.
type Store interface {
	FindIdentity(ctx context.Context, username string) (storage.Identity, error)
	CreateEdge(ctx context.Context, initiator, target string) (storage.Edge, error)
	TransitionEdge(ctx context.Context, initiator, target string, to storage.Status, actor string) (storage.Edge, error)
	DeleteEdge(ctx context.Context, a, b string) (storage.Edge, error)
	ListEdges(ctx context.Context, username string, status storage.Status, dir storage.Direction) ([]storage.Edge, error)
}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// SendRequest creates a pending edge from initiator to target.
func (s *Service) SendRequest(ctx context.Context, initiator, target string) (storage.Edge, error) {
	if initiator == target {
		return storage.Edge{}, fmt.Errorf("%w: cannot befriend yourself", ErrInvalid)
	}
	if err := s.requireIdentities(ctx, initiator, target); err != nil {
		return storage.Edge{}, err
	}
	e, err := s.store.CreateEdge(ctx, initiator, target)
	if err != nil {
		return storage.Edge{}, translate("send request", err)
	}
	log.Debugw("friend request created", "from", initiator, "to", target)
	return e, nil
}

// Respond applies responder's decision to the pending request from
// requester. Only the target of a pending edge can respond, and only once.
func (s *Service) Respond(ctx context.Context, responder, requester string, decision Decision) (storage.Edge, error) {
	if responder == requester {
		return storage.Edge{}, fmt.Errorf("%w: cannot respond to yourself", ErrInvalid)
	}
	if decision != Accept && decision != Decline {
		return storage.Edge{}, fmt.Errorf("%w: unknown response %q", ErrInvalid, decision)
	}
	if err := s.requireIdentities(ctx, responder, requester); err != nil {
		return storage.Edge{}, err
	}
	e, err := s.store.TransitionEdge(ctx, requester, responder, decision.status(), responder)
	if err != nil {
		return storage.Edge{}, translate("respond", err)
	}
	log.Debugw("friend request answered", "from", requester, "by", responder, "status", e.Status)
	return e, nil
}

// Remove deletes the edge between actor and other, whatever its status.
// Returns the edge as it was before removal.
func (s *Service) Remove(ctx context.Context, actor, other string) (storage.Edge, error) {
	if actor == other {
		return storage.Edge{}, fmt.Errorf("%w: cannot remove yourself", ErrInvalid)
	}
	e, err := s.store.DeleteEdge(ctx, actor, other)
	if err != nil {
		return storage.Edge{}, translate("remove", err)
	}
	log.Debugw("relationship removed", "by", actor, "other", other, "was", e.Status)
	return e, nil
}

// Friends lists identities sharing an accepted edge with identity.
func (s *Service) Friends(ctx context.Context, identity string) ([]string, error) {
	edges, err := s.store.ListEdges(ctx, identity, storage.StatusAccepted, storage.Either)
	if err != nil {
		return nil, fmt.Errorf("friends: %w", err)
	}
	return lo.Map(edges, func(e storage.Edge, _ int) string { return e.Other(identity) }), nil
}

// PendingIncoming lists the initiators of pending requests targeting identity.
func (s *Service) PendingIncoming(ctx context.Context, identity string) ([]string, error) {
	edges, err := s.store.ListEdges(ctx, identity, storage.StatusPending, storage.Incoming)
	if err != nil {
		return nil, fmt.Errorf("pending incoming: %w", err)
	}
	return lo.Map(edges, func(e storage.Edge, _ int) string { return e.Initiator }), nil
}

// PendingOutgoing lists the targets of pending requests sent by identity.
func (s *Service) PendingOutgoing(ctx context.Context, identity string) ([]string, error) {
	edges, err := s.store.ListEdges(ctx, identity, storage.StatusPending, storage.Outgoing)
	if err != nil {
		return nil, fmt.Errorf("pending outgoing: %w", err)
	}
	return lo.Map(edges, func(e storage.Edge, _ int) string { return e.Target }), nil
}

func (s *Service) requireIdentities(ctx context.Context, names ...string) error {
	for _, n := range names {
		if _, err := s.store.FindIdentity(ctx, n); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: unknown identity %q", ErrNotFound, n)
			}
			return fmt.Errorf("find identity: %w", err)
		}
	}
	return nil
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrConflict):
		return ErrConflict
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
