// Package federated acquires an identity-provider ID token through the OAuth2
// authorization code flow with PKCE. The token is then exchanged for a
// service identity by the session store.
package federated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultStateTTL = 5 * time.Minute

var (
	// ErrNotConfigured is returned when no client id is configured.
	ErrNotConfigured = errors.New("federated sign-in is not configured")
	// ErrUnknownState is returned for a callback with no matching start.
	ErrUnknownState = errors.New("unknown or already used sign-in state")
	// ErrStateExpired is returned when the callback arrives too late.
	ErrStateExpired = errors.New("sign-in state expired")
	// ErrNoIDToken is returned when the provider omitted the ID token.
	ErrNoIDToken = errors.New("provider response has no id_token")
	// ErrCodeRejected is returned when the provider refused the authorization
	// code, for example because it was already used.
	ErrCodeRejected = errors.New("the provider rejected the sign-in, please try again")
	// ErrProviderUnavailable is returned when the token endpoint could not be
	// reached.
	ErrProviderUnavailable = errors.New("the sign-in provider is unavailable")
)

// Config holds the OAuth2 client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint defaults to Google.
	Endpoint oauth2.Endpoint
	StateTTL time.Duration
}

type pending struct {
	verifier string
	expires  time.Time
}

// Provider runs the browser redirect flow.
type Provider struct {
	oauth  *oauth2.Config
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

// New creates a provider. It fails with ErrNotConfigured without a client id.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = google.Endpoint
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		ttl:     cfg.StateTTL,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]pending),
	}, nil
}

// Start begins a sign-in and returns the provider URL to redirect to.
func (p *Provider) Start() (authURL, state string) {
	state = oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	p.mu.Lock()
	p.pruneLocked()
	p.pending[state] = pending{verifier: verifier, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()

	authURL = p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
	return authURL, state
}

// Exchange completes the flow for state and returns the ID token. Each state
// can be used once.
func (p *Provider) Exchange(ctx context.Context, state, code string) (string, error) {
	p.mu.Lock()
	pend, ok := p.pending[state]
	delete(p.pending, state)
	p.mu.Unlock()

	if !ok {
		return "", ErrUnknownState
	}
	if p.now().After(pend.expires) {
		return "", ErrStateExpired
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(pend.verifier))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			p.logger.Info("federated code rejected", "error_code", rerr.ErrorCode)
			return "", fmt.Errorf("%w: %w", ErrCodeRejected, err)
		}
		return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return "", ErrNoIDToken
	}
	p.logger.Debug("federated code exchanged")
	return idToken, nil
}

// pendingCount returns the number of sign-ins awaiting a callback.
func (p *Provider) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.pending)
}

func (p *Provider) pruneLocked() {
	now := p.now()
	for state, pend := range p.pending {
		if now.After(pend.expires) {
			delete(p.pending, state)
		}
	}
}
