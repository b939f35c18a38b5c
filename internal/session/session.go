// Package session owns the authenticated identity. It is the only writer of
// identity state and of the durable identity keys.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/ashureev/aura-client/internal/gateway"
	"github.com/ashureev/aura-client/internal/guard"
	"github.com/ashureev/aura-client/internal/store"
)

// Durable storage keys. Both are written together and cleared together.
const (
	KeyIdentity   = "aura.identity"
	KeyCredential = "aura.credential"
)

// State is the authentication state of the client.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
)

var (
	// ErrSignInInProgress is returned when an authentication attempt is
	// already running.
	ErrSignInInProgress = errors.New("a sign-in is already in progress")
	// ErrAlreadySignedIn is returned when signing in over an active identity.
	ErrAlreadySignedIn = errors.New("already signed in, sign out first")
	// ErrSuperseded is returned when a sign-out landed while the attempt was
	// in flight; the result is discarded.
	ErrSuperseded = errors.New("sign-in was cancelled by a sign-out")
)

// Attempt throttles for sign-in flows, keyed by email.
var (
	SignInPolicy = guard.Policy{Max: 5, Window: time.Minute}
	SignUpPolicy = guard.Policy{Max: 10, Window: time.Minute}
)

// Authenticator is the part of the gateway the session store drives.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*gateway.AuthResult, error)
	Register(ctx context.Context, name, email, password string) (*gateway.AuthResult, error)
	AuthenticateFederated(ctx context.Context, credential string) (*gateway.AuthResult, error)
	UseCredentials(creds gateway.Credentials)
}

// Change describes a state transition delivered to listeners.
type Change struct {
	State      State
	IdentityID string
	Reason     string
}

// Listener receives state changes. It runs on the goroutine that caused the
// change, must not block, and must not sign in or out.
type Listener func(Change)

// Store holds the current identity and mirrors it to durable storage.
type Store struct {
	auth   Authenticator
	kv     store.KV
	guard  *guard.Guard
	logger *slog.Logger

	// notifyMu serializes transitions and their delivery to listeners.
	// gen only changes while it is held.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	state    State
	identity *domain.Identity
	gen      uint64

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates the session store, rehydrates identity from kv without any
// network call, and binds itself as the gateway's credential supplier.
func New(ctx context.Context, auth Authenticator, kv store.KV, g *guard.Guard, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if g == nil {
		g = guard.New(nil, guard.DefaultMessagePolicy)
	}
	s := &Store{
		auth:   auth,
		kv:     kv,
		guard:  g,
		logger: logger,
		state:  StateAnonymous,
	}
	s.rehydrate(ctx)
	auth.UseCredentials(s)
	return s
}

func (s *Store) rehydrate(ctx context.Context) {
	vals, err := s.kv.GetMany(ctx, KeyIdentity, KeyCredential)
	if err != nil {
		s.logger.Warn("failed to read stored identity, starting signed out", "error", err)
		return
	}

	record, hasRecord := vals[KeyIdentity]
	credential, hasCredential := vals[KeyCredential]
	if !hasRecord && !hasCredential {
		return
	}
	if hasRecord != hasCredential {
		s.logger.Warn("stored identity is incomplete, clearing",
			"has_identity", hasRecord,
			"has_credential", hasCredential,
		)
		s.clearStorage(ctx)
		return
	}

	id, err := domain.UnmarshalIdentity(record, credential)
	if err != nil {
		s.logger.Warn("stored identity is unreadable, clearing", "error", err)
		s.clearStorage(ctx)
		return
	}

	s.identity = id
	s.state = StateAuthenticated
	s.gen++
	s.logger.Info("Restored session", "user_id", id.UserID)
}

// OnChange registers a listener for state changes.
func (s *Store) OnChange(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(c Change) {
	s.listenersMu.Lock()
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range ls {
		l(c)
	}
}

// State returns the current authentication state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns a copy of the active identity, or nil when signed out.
func (s *Store) Identity() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// IdentityID returns the active identity's id, or "" when signed out.
func (s *Store) IdentityID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID
}

// Credential returns the bearer credential of the active identity.
func (s *Store) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated || s.identity == nil {
		return ""
	}
	return s.identity.Credential
}

// CredentialRejected forces a sign-out after the remote service refused
// token. A rejection of any credential other than the active one is a late
// result from a previous identity and is ignored.
func (s *Store) CredentialRejected(token string, err *gateway.RemoteError) {
	if token == "" {
		return
	}
	signedOut := s.signOutIf(context.Background(), "credential_rejected", func(id *domain.Identity) bool {
		return id.Credential == token
	})
	if !signedOut {
		s.logger.Debug("Ignoring rejection of a stale credential",
			"capability", err.Capability,
			"status", err.Status,
		)
		return
	}
	s.logger.Warn("Credential rejected, signed out",
		"capability", err.Capability,
		"status", err.Status,
	)
}

// SignIn authenticates with email and password.
func (s *Store) SignIn(ctx context.Context, email, password string) (*domain.Identity, error) {
	email, err := guard.ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if err := guard.RequirePassword(password); err != nil {
		return nil, err
	}
	if err := s.throttle("signin:"+email, SignInPolicy); err != nil {
		return nil, err
	}

	id, err := s.authenticate(ctx, "signin", func(ctx context.Context) (*gateway.AuthResult, error) {
		return s.auth.Authenticate(ctx, email, password)
	})
	if err != nil {
		return nil, err
	}
	s.guard.Limiter().Reset("signin:" + email)
	return id, nil
}

// SignUp registers a new account and signs it in.
func (s *Store) SignUp(ctx context.Context, name, email, password string) (*domain.Identity, error) {
	name, err := guard.ValidateName(name)
	if err != nil {
		return nil, err
	}
	email, err = guard.ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if err := guard.ValidatePassword(password); err != nil {
		return nil, err
	}
	if err := s.throttle("signup:"+email, SignUpPolicy); err != nil {
		return nil, err
	}

	return s.authenticate(ctx, "signup", func(ctx context.Context) (*gateway.AuthResult, error) {
		return s.auth.Register(ctx, name, email, password)
	})
}

// FederatedSignIn exchanges an identity-provider credential for an identity.
func (s *Store) FederatedSignIn(ctx context.Context, credential string) (*domain.Identity, error) {
	if credential == "" {
		return nil, &guard.ValidationError{Field: "credential", Err: guard.ErrEmpty}
	}
	if err := s.throttle("federated", SignInPolicy); err != nil {
		return nil, err
	}

	return s.authenticate(ctx, "federated", func(ctx context.Context) (*gateway.AuthResult, error) {
		return s.auth.AuthenticateFederated(ctx, credential)
	})
}

func (s *Store) throttle(key string, p guard.Policy) error {
	if err := s.guard.CheckRate(key, p); err != nil {
		var verr *guard.ValidationError
		if errors.As(err, &verr) {
			verr.Field = "email"
		}
		return err
	}
	return nil
}

// authenticate moves through authenticating without holding the lock across
// the remote call, so CredentialRejected and SignOut stay responsive.
func (s *Store) authenticate(ctx context.Context, flow string, call func(context.Context) (*gateway.AuthResult, error)) (*domain.Identity, error) {
	gen, err := s.begin()
	if err != nil {
		return nil, err
	}

	res, err := call(ctx)
	if err != nil {
		s.fail(gen, flow)
		return nil, err
	}

	id := res.Identity
	if err := s.complete(ctx, gen, &id, flow); err != nil {
		return nil, err
	}
	out := id
	return &out, nil
}

func (s *Store) begin() (uint64, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateAuthenticating:
		s.mu.Unlock()
		return 0, ErrSignInInProgress
	case StateAuthenticated:
		s.mu.Unlock()
		return 0, ErrAlreadySignedIn
	}
	s.state = StateAuthenticating
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.notify(Change{State: StateAuthenticating, Reason: "attempt"})
	return gen, nil
}

func (s *Store) fail(gen uint64, flow string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateAnonymous
	s.identity = nil
	s.mu.Unlock()

	s.logger.Info("Sign-in failed", "flow", flow)
	s.notify(Change{State: StateAnonymous, Reason: flow + "_failed"})
}

func (s *Store) complete(ctx context.Context, gen uint64, id *domain.Identity, flow string) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.mu.Unlock()

	record, err := id.MarshalRecord()
	if err == nil {
		err = s.kv.PutMany(ctx, map[string]string{
			KeyIdentity:   record,
			KeyCredential: id.Credential,
		})
	}

	s.mu.Lock()
	if err != nil {
		s.state = StateAnonymous
		s.identity = nil
		s.mu.Unlock()
		s.clearStorage(context.WithoutCancel(ctx))
		s.logger.Error("failed to persist identity", "user_id", id.UserID, "error", err)
		s.notify(Change{State: StateAnonymous, Reason: flow + "_failed"})
		return fmt.Errorf("persist identity: %w", err)
	}
	s.identity = id
	s.state = StateAuthenticated
	s.gen++
	s.mu.Unlock()

	s.logger.Info("Signed in", "flow", flow, "user_id", id.UserID)
	s.notify(Change{State: StateAuthenticated, IdentityID: id.UserID, Reason: flow})
	return nil
}

// SignOut clears identity from memory and durable storage. It never fails;
// storage errors are logged.
func (s *Store) SignOut(ctx context.Context) {
	s.signOut(ctx, "signout")
}

func (s *Store) signOut(ctx context.Context, reason string) {
	s.signOutIf(ctx, reason, nil)
}

// signOutIf signs out when match is nil or accepts the active identity. The
// check and the transition happen under the same locks.
func (s *Store) signOutIf(ctx context.Context, reason string, match func(*domain.Identity) bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if match != nil && (s.state != StateAuthenticated || s.identity == nil || !match(s.identity)) {
		s.mu.Unlock()
		return false
	}
	prev := s.identity
	s.identity = nil
	s.state = StateAnonymous
	s.gen++
	s.mu.Unlock()

	s.clearStorage(context.WithoutCancel(ctx))

	if prev != nil {
		s.logger.Info("Signed out", "user_id", prev.UserID, "reason", reason)
	}
	s.notify(Change{State: StateAnonymous, Reason: reason})
	return true
}

func (s *Store) clearStorage(ctx context.Context) {
	if err := s.kv.DeleteMany(ctx, KeyIdentity, KeyCredential); err != nil {
		s.logger.Error("failed to clear stored identity", "error", err)
	}
}
