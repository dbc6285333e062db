package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
)

// authorizeURL is where the user grants access to the request token.
// It is opened by the host's browser flow, never fetched by the plugin.
const authorizeURL = "https://us.etrade.com/e/t/etws/authorize"

// State is the token lifecycle state.
type State string

const (
	StateUninitialized             State = "uninitialized"
	StateRequestTokenObtained      State = "request_token_obtained"
	StateAwaitingUserAuthorization State = "awaiting_user_authorization"
	StateAccessTokenObtained       State = "access_token_obtained"
	StateExpired                   State = "expired"
	StateRevoked                   State = "revoked"
)

var (
	// ErrNotAuthenticated indicates no access token is available and no
	// handshake has produced one yet.
	ErrNotAuthenticated = errors.New("not authenticated - initialize first")

	// ErrTokenExpired indicates the broker declared the access token
	// invalid; re-initialization is required.
	ErrTokenExpired = errors.New("access token expired - re-initialize to authenticate")

	// ErrTokenRevoked indicates the access token was revoked.
	ErrTokenRevoked = errors.New("access token revoked - re-initialize to authenticate")

	// ErrHandshakeInProgress indicates an authorization handshake is
	// already pending and must complete or fail before another starts.
	ErrHandshakeInProgress = errors.New("authorization handshake already in progress")

	// ErrNoPendingHandshake indicates a verifier arrived without a
	// pending request token to exchange it against.
	ErrNoPendingHandshake = errors.New("no authorization handshake in progress")
)

// Token is a token/secret pair, either the short-lived request token or
// the long-lived access token.
type Token struct {
	Token  string
	Secret string
}

// Storage is the host's secure persistence for the access token pair.
// The persisted value is the source of truth: Store reconciles its
// in-process cache against it on every initialization.
type Storage interface {
	LoadAccessToken(ctx context.Context) (Token, bool, error)
	SaveAccessToken(ctx context.Context, tok Token) error
	DeleteAccessToken(ctx context.Context) error
}

// MemoryStorage is a process-local Storage, used in tests and when the
// host provides no persistence.
type MemoryStorage struct {
	mu    sync.Mutex
	tok   Token
	valid bool
}

func (m *MemoryStorage) LoadAccessToken(ctx context.Context) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, m.valid, nil
}

func (m *MemoryStorage) SaveAccessToken(ctx context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok, m.valid = tok, true
	return nil
}

func (m *MemoryStorage) DeleteAccessToken(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok, m.valid = Token{}, false
	return nil
}

// Store owns the consumer credentials and the token lifecycle. Exactly
// one access token is active at a time; the request token exists only
// between the start of a handshake and its exchange or failure.
type Store struct {
	mu      sync.Mutex
	creds   Credentials
	storage Storage
	logger  *logrus.Logger

	state   State
	request Token
	access  Token
}

// NewStore creates a Store in the uninitialized state. storage may be
// nil, in which case a MemoryStorage is used.
func NewStore(creds Credentials, storage Storage, logger *logrus.Logger) *Store {
	if storage == nil {
		storage = &MemoryStorage{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		creds:   creds,
		storage: storage,
		logger:  logger,
		state:   StateUninitialized,
	}
}

// Credentials returns the consumer credentials.
func (s *Store) Credentials() Credentials {
	return s.creds
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconcile loads the host-persisted access token, if any. It reports
// whether a cached token was found; when it was, the store moves
// straight to the authenticated state and no handshake is needed.
// Reconciling while a handshake is pending is rejected.
func (s *Store) Reconcile(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRequestTokenObtained, StateAwaitingUserAuthorization:
		return false, ErrHandshakeInProgress
	case StateAccessTokenObtained:
		// Already authenticated; re-initialization is idempotent.
		return true, nil
	}

	tok, ok, err := s.storage.LoadAccessToken(ctx)
	if err != nil {
		return false, fmt.Errorf("loading persisted access token: %w", err)
	}
	if !ok || tok.Token == "" {
		return false, nil
	}

	s.access = tok
	s.state = StateAccessTokenObtained
	s.logger.Debug("Restored access token from host storage")
	return true, nil
}

// BeginHandshake records the freshly obtained request token. It fails
// if a handshake is already pending.
func (s *Store) BeginHandshake(request Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRequestTokenObtained, StateAwaitingUserAuthorization:
		return ErrHandshakeInProgress
	}

	s.request = request
	s.access = Token{}
	s.state = StateRequestTokenObtained
	return nil
}

// AuthorizationURL returns the URL the user must visit to authorize the
// pending request token, and moves the handshake to the awaiting state.
func (s *Store) AuthorizationURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRequestTokenObtained, StateAwaitingUserAuthorization:
	default:
		return "", ErrNoPendingHandshake
	}

	q := url.Values{}
	q.Set("key", s.creds.ConsumerKey)
	q.Set("token", s.request.Token)
	s.state = StateAwaitingUserAuthorization
	return authorizeURL + "?" + q.Encode(), nil
}

// PendingRequestToken returns the request token awaiting user
// authorization.
func (s *Store) PendingRequestToken() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingUserAuthorization {
		return Token{}, ErrNoPendingHandshake
	}
	return s.request, nil
}

// CompleteHandshake installs the exchanged access token, discards the
// request token, and persists the new token to host storage.
func (s *Store) CompleteHandshake(ctx context.Context, access Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingUserAuthorization {
		return ErrNoPendingHandshake
	}

	if err := s.storage.SaveAccessToken(ctx, access); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}

	s.access = access
	s.request = Token{}
	s.state = StateAccessTokenObtained
	s.logger.Info("Access token obtained")
	return nil
}

// FailHandshake discards the request token after a failed exchange.
// A fresh handshake is required; token exchange is never retried.
func (s *Store) FailHandshake() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.request = Token{}
	s.state = StateUninitialized
}

// AccessToken returns the active access token, or a state-appropriate
// authentication error when none is available.
func (s *Store) AccessToken() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAccessTokenObtained:
		return s.access, nil
	case StateExpired:
		return Token{}, ErrTokenExpired
	case StateRevoked:
		return Token{}, ErrTokenRevoked
	default:
		return Token{}, ErrNotAuthenticated
	}
}

// Invalidate marks the access token expired, typically after the broker
// answered 401. Subsequent calls fail fast until re-initialization.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAccessTokenObtained || s.state == StateAwaitingUserAuthorization || s.state == StateRequestTokenObtained {
		s.logger.Warn("Access token invalidated by broker response")
	}
	s.request = Token{}
	s.state = StateExpired
}

// Renewed restores the authenticated state after a successful token
// renewal. The token pair itself is unchanged by renewal.
func (s *Store) Renewed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access.Token == "" {
		return ErrNotAuthenticated
	}
	s.state = StateAccessTokenObtained
	return nil
}

// ExpiredAccessToken returns the cached access token pair even when the
// state is Expired, for the renewal call only.
func (s *Store) ExpiredAccessToken() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access.Token == "" {
		return Token{}, ErrNotAuthenticated
	}
	return s.access, nil
}

// Revoke marks the token revoked and removes it from host storage.
func (s *Store) Revoke(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.DeleteAccessToken(ctx); err != nil {
		return fmt.Errorf("deleting persisted access token: %w", err)
	}
	s.access = Token{}
	s.request = Token{}
	s.state = StateRevoked
	s.logger.Info("Access token revoked")
	return nil
}
