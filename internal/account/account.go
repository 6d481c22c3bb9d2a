// Package account implements the account session engine: an OAuth 2.0
// authorization-code flow with PKCE against an accounts server, and a cached,
// refreshable access token.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Scopes requested by default.
const (
	ScopeOldSync = "https://identity.mozilla.com/apps/oldsync"
	ScopeProfile = "profile"
)

var (
	// ErrUnknownOAuthState is returned when a flow is completed with a state
	// that no pending flow issued.
	ErrUnknownOAuthState = errors.New("unknown oauth state")

	// ErrNoCachedToken is returned when a token is requested before any flow
	// has completed.
	ErrNoCachedToken = errors.New("no cached token")

	// ErrNoScopes is returned when a flow is started without scopes.
	ErrNoScopes = errors.New("at least one scope is required")

	// ErrMissingCode is returned when a flow is completed without an
	// authorization code.
	ErrMissingCode = errors.New("missing authorization code")
)

// Config locates the accounts server and identifies this client.
type Config struct {
	ContentURL  string
	OAuthURL    string
	ClientID    string
	RedirectURI string
}

// AccessTokenInfo is the token handed to callers.
type AccessTokenInfo struct {
	Scope     string  `json:"scope"`
	Token     string  `json:"token"`
	Key       *string `json:"key"`
	ExpiresAt int64   `json:"expires_at"`
}

type pendingFlow struct {
	verifier string
	scopes   []string
}

// Session is one account's OAuth state. It is not safe for concurrent use;
// callers serialize access.
type Session struct {
	oauth   oauth2.Config
	pending map[string]pendingFlow
	token   *oauth2.Token
	scopes  []string
}

// New creates a session with no token.
func New(cfg Config) (*Session, error) {
	if cfg.ContentURL == "" || cfg.OAuthURL == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, errors.New("account config: content url, oauth url, client id and redirect uri are required")
	}
	authURL, err := url.JoinPath(cfg.ContentURL, "authorization")
	if err != nil {
		return nil, fmt.Errorf("account config: content url: %w", err)
	}
	tokenURL, err := url.JoinPath(cfg.OAuthURL, "v1", "token")
	if err != nil {
		return nil, fmt.Errorf("account config: oauth url: %w", err)
	}

	return &Session{
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		pending: make(map[string]pendingFlow),
	}, nil
}

// BeginOAuthFlow starts a new authorization flow and returns the URL the user
// should visit. Earlier pending flows stay valid until one completes.
func (s *Session) BeginOAuthFlow(scopes ...string) (string, error) {
	if len(scopes) == 0 {
		return "", ErrNoScopes
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	cfg := s.oauth
	cfg.Scopes = scopes
	u := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("action", "email"),
	)

	s.pending[state] = pendingFlow{verifier: verifier, scopes: scopes}
	return u, nil
}

// CompleteOAuthFlow exchanges an authorization code for a token. An unknown
// state or an empty code fails without contacting the server, and a failed
// exchange leaves the flow pending.
func (s *Session) CompleteOAuthFlow(ctx context.Context, code, state string) error {
	flow, ok := s.pending[state]
	if !ok {
		return ErrUnknownOAuthState
	}
	if code == "" {
		return ErrMissingCode
	}

	cfg := s.oauth
	cfg.Scopes = flow.scopes
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(flow.verifier))
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	s.token = tok
	s.scopes = flow.scopes
	clear(s.pending)
	return nil
}

// GetAccessToken returns an access token for scope, refreshing the cached
// token through the token endpoint when it has expired.
func (s *Session) GetAccessToken(ctx context.Context, scope string) (*AccessTokenInfo, error) {
	if s.token == nil {
		return nil, ErrNoCachedToken
	}

	cfg := s.oauth
	cfg.Scopes = strings.Fields(scope)
	tok, err := cfg.TokenSource(ctx, s.token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	s.token = tok

	info := &AccessTokenInfo{
		Scope: scope,
		Token: tok.AccessToken,
	}
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		info.Scope = granted
	}
	if key, ok := tok.Extra("key").(string); ok && key != "" {
		info.Key = &key
	}
	if !tok.Expiry.IsZero() {
		info.ExpiresAt = tok.Expiry.Unix()
	}
	return info, nil
}
