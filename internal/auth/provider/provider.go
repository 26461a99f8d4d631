// Package provider defines the uniform login interface over external
// identity providers and the registry the gateway dispatches through.
package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/pysugar/session-nexus/internal/identity"
	"golang.org/x/oauth2"
)

// DefaultHTTPTimeout bounds each outbound call a provider makes.
const DefaultHTTPTimeout = 10 * time.Second

var (
	ErrProviderNotFound  = errors.New("provider: not configured")
	ErrDuplicateProvider = errors.New("provider: already registered")
	ErrStateMismatch     = errors.New("provider: state mismatch")
	ErrNonceMismatch     = errors.New("provider: nonce mismatch")
	ErrMissingCode       = errors.New("provider: callback carries no authorization code")
	ErrDenied            = errors.New("provider: login denied by user or provider")
	ErrInvalidAssertion  = errors.New("provider: assertion rejected")
)

// Directive is what BeginLogin hands back to the session channel.
type Directive struct {
	// URL is sent to the client as an AUTH frame.
	URL string
	// State, when set, must be kept on the connection and presented again
	// on callback.
	State string
}

// Callback is a provider redirect or form post, reduced to what providers
// need to finish the login.
type Callback struct {
	Params        url.Values
	Correlator    string
	ExpectedState string
}

// Result is a completed external login.
type Result struct {
	Subject identity.Subject
	Fields  identity.ProfileFields
}

// Provider is one external login flow.
type Provider interface {
	Name() identity.Provider
	BeginLogin(correlator string) (Directive, error)
	CompleteLogin(ctx context.Context, cb Callback) (*Result, error)
}

// ResultFromClaims maps raw claims into a Result for provider p.
func ResultFromClaims(p identity.Provider, claims identity.Claims) (*Result, error) {
	s, f, err := identity.FromProviderClaims(p, claims)
	if err != nil {
		return nil, err
	}
	return &Result{Subject: s, Fields: f}, nil
}

// NewHTTPClient returns the client providers use for token exchanges and
// profile lookups.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// WithHTTPClient routes oauth2 and OpenID Connect requests made under ctx
// through c.
func WithHTTPClient(ctx context.Context, c *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c)
}
