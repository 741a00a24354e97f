// Package account owns credentials: signup, login and the token a client
// presents when it opens its websocket.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/friendrelay/internal/metrics"
	"github.com/petervdpas/friendrelay/internal/storage"
	"github.com/petervdpas/friendrelay/internal/util"
)

var log = logging.Logger("account")

var (
	ErrInvalidInput       = errors.New("account: invalid input")
	ErrUsernameTaken      = errors.New("account: username already exists")
	ErrInvalidCredentials = errors.New("account: invalid username or password")
)

// Store is the slice of persistence account needs. *storage.DB implements it.
type Store interface {
	FindIdentity(ctx context.Context, username string) (storage.Identity, error)
	CreateIdentity(ctx context.Context, username, credentialHash string) (storage.Identity, error)
}

// Credentials is the signup and login request body.
type Credentials struct {
	Username string `json:"username" validate:"required,identity"`
	Password string `json:"password" validate:"required,min=4,max=72"`
}

// Session is what a successful signup or login hands back to the client.
type Session struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		name, err := util.ValidateUsername(fl.Field().String())
		return err == nil && name == fl.Field().String()
	})
	return v
}

type Service struct {
	store   Store
	tokens  *Tokens
	metrics *metrics.Metrics
}

func NewService(store Store, tokens *Tokens, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{store: store, tokens: tokens, metrics: m}
}

func (s *Service) Tokens() *Tokens { return s.tokens }

// Signup creates the identity and returns a token for it. The identity is
// not marked online; that happens when its websocket connects.
func (s *Service) Signup(ctx context.Context, c Credentials) (Session, error) {
	sess, err := s.signup(ctx, c)
	s.count("signup", err)
	return sess, err
}

func (s *Service) signup(ctx context.Context, c Credentials) (Session, error) {
	if strings.TrimSpace(c.Password) == "" {
		return Session{}, fmt.Errorf("%w: username and password required", ErrInvalidInput)
	}
	if err := validate.Struct(c); err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	hash, err := HashPassword(c.Password)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.store.CreateIdentity(ctx, c.Username, hash); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Session{}, ErrUsernameTaken
		}
		return Session{}, err
	}
	log.Infow("identity created", "username", c.Username)
	return s.session(c.Username)
}

// Login verifies the password. An unknown username and a wrong password give
// the same error.
func (s *Service) Login(ctx context.Context, c Credentials) (Session, error) {
	sess, err := s.login(ctx, c)
	s.count("login", err)
	return sess, err
}

func (s *Service) login(ctx context.Context, c Credentials) (Session, error) {
	if c.Username == "" || c.Password == "" {
		return Session{}, fmt.Errorf("%w: username and password required", ErrInvalidInput)
	}
	id, err := s.store.FindIdentity(ctx, c.Username)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	ok, err := ComparePassword(c.Password, id.CredentialHash)
	if err != nil {
		log.Warnw("stored credential unreadable", "username", c.Username, "err", err)
		return Session{}, ErrInvalidCredentials
	}
	if !ok {
		return Session{}, ErrInvalidCredentials
	}
	return s.session(c.Username)
}

func (s *Service) session(username string) (Session, error) {
	tok, err := s.tokens.Issue(username)
	if err != nil {
		return Session{}, err
	}
	return Session{Username: username, Token: tok}, nil
}

func (s *Service) count(op string, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidCredentials):
		outcome = metrics.OutcomeInvalid
	case errors.Is(err, ErrUsernameTaken):
		outcome = metrics.OutcomeConflict
	default:
		outcome = metrics.OutcomeInternal
		log.Errorw("auth failed", "op", op, "err", err)
	}
	s.metrics.AuthTotal.WithLabelValues(op, outcome).Inc()
}

func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err.Error()
	}
	fe := ve[0]
	switch {
	case fe.Field() == "Password" && (fe.Tag() == "min" || fe.Tag() == "max"):
		return "password must be between 4 and 72 characters"
	case fe.Tag() == "required":
		return "username and password required"
	}
	return "invalid " + fe.Field()
}
