// Package oidc implements discovery-based providers (Google, Microsoft,
// Twitch and any other OpenID Connect issuer).
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultScopes are requested when a provider config names none.
var DefaultScopes = []string{gooidc.ScopeOpenID, "email", "profile"}

// ErrNoIDToken is returned when the token response lacks an id_token.
var ErrNoIDToken = errors.New("oidc: token response has no id_token")

// Config describes one OpenID Connect issuer.
type Config struct {
	Name         identity.Provider
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// ResponseMode defaults to form_post.
	ResponseMode string
	// Claims is sent verbatim as the "claims" request parameter.
	Claims          string
	SkipIssuerCheck bool
	// FetchUserInfo merges userinfo claims into the id_token claims.
	FetchUserInfo bool
}

// Provider is an OpenID Connect login flow. The correlator doubles as the
// OIDC nonce and the OAuth state.
type Provider struct {
	name     identity.Provider
	oauth    *oauth2.Config
	oidc     *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	authOpts []oauth2.AuthCodeOption
	userInfo bool
	client   *http.Client
	log      *zap.Logger
}

// New runs discovery against the issuer and builds the provider.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Provider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc %s: issuer and client id are required", cfg.Name)
	}
	client := provider.NewHTTPClient()
	ctx = provider.WithHTTPClient(ctx, client)
	if cfg.SkipIssuerCheck {
		ctx = gooidc.InsecureIssuerURLContext(ctx, cfg.Issuer)
	}
	discovered, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc %s discovery: %w", cfg.Name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	mode := cfg.ResponseMode
	if mode == "" {
		mode = "form_post"
	}
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("response_mode", mode)}
	if cfg.Claims != "" {
		opts = append(opts, oauth2.SetAuthURLParam("claims", cfg.Claims))
	}

	return &Provider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     discovered.Endpoint(),
		},
		oidc: discovered,
		verifier: discovered.Verifier(&gooidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: cfg.SkipIssuerCheck,
		}),
		authOpts: opts,
		userInfo: cfg.FetchUserInfo,
		client:   client,
		log:      log,
	}, nil
}

func (p *Provider) Name() identity.Provider { return p.name }

// BeginLogin builds the authorization URL seeded with the correlator.
func (p *Provider) BeginLogin(correlator string) (provider.Directive, error) {
	opts := append([]oauth2.AuthCodeOption{gooidc.Nonce(correlator)}, p.authOpts...)
	return provider.Directive{URL: p.oauth.AuthCodeURL(correlator, opts...)}, nil
}

// CompleteLogin exchanges the authorization code and verifies the id_token
// against the correlator.
func (p *Provider) CompleteLogin(ctx context.Context, cb provider.Callback) (*provider.Result, error) {
	if e := cb.Params.Get("error"); e != "" {
		return nil, fmt.Errorf("%w: %s %s", provider.ErrDenied, e, cb.Params.Get("error_description"))
	}
	if cb.Params.Get("state") != cb.Correlator {
		return nil, provider.ErrStateMismatch
	}
	code := cb.Params.Get("code")
	if code == "" {
		return nil, provider.ErrMissingCode
	}

	ctx = provider.WithHTTPClient(ctx, p.client)
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s token exchange: %w", p.name, err)
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, ErrNoIDToken
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%s id_token: %w", p.name, err)
	}
	if idToken.Nonce != cb.Correlator {
		return nil, provider.ErrNonceMismatch
	}

	claims := identity.Claims{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s id_token claims: %w", p.name, err)
	}
	if p.userInfo {
		p.mergeUserInfo(ctx, token, claims)
	}
	return provider.ResultFromClaims(p.name, claims)
}

// mergeUserInfo adds userinfo claims the id_token lacks. Failures only cost
// profile fields, so they are logged and the login continues.
func (p *Provider) mergeUserInfo(ctx context.Context, token *oauth2.Token, claims identity.Claims) {
	info, err := p.oidc.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		p.log.Warn("userinfo request failed", zap.String("provider", string(p.name)), zap.Error(err))
		return
	}
	extra := identity.Claims{}
	if err := info.Claims(&extra); err != nil {
		p.log.Warn("userinfo claims unreadable", zap.String("provider", string(p.name)), zap.Error(err))
		return
	}
	for k, v := range extra {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
}
