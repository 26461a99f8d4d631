// Package facebook implements the Facebook login and the signed_request
// verification used by its deauthorize and data deletion webhooks.
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/util"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	DefaultGraphVersion = "v5.0"
	defaultGraphURL     = "https://graph.facebook.com"
	defaultDialogURL    = "https://www.facebook.com"
	profileFields       = "id,name,picture"
)

// Config holds the Facebook app settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	GraphVersion string
	// GraphURL and DialogURL point at the Graph API and the login dialog
	// hosts. Empty means facebook.com.
	GraphURL  string
	DialogURL string
}

// Provider is the Facebook code flow. Each login carries a fresh random
// state that the connection must present again on callback.
type Provider struct {
	oauth    *oauth2.Config
	secret   string
	meURL    string
	client   *http.Client
	log      *zap.Logger
	newState func() string
}

// New creates the Facebook provider.
func New(cfg Config, log *zap.Logger) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("facebook: client id and secret are required")
	}
	version := cfg.GraphVersion
	if version == "" {
		version = DefaultGraphVersion
	}
	graph := strings.TrimRight(cfg.GraphURL, "/")
	if graph == "" {
		graph = defaultGraphURL
	}
	dialog := strings.TrimRight(cfg.DialogURL, "/")
	if dialog == "" {
		dialog = defaultDialogURL
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   dialog + "/" + version + "/dialog/oauth",
				TokenURL:  graph + "/" + version + "/oauth/access_token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		secret:   cfg.ClientSecret,
		meURL:    graph + "/" + version + "/me?fields=" + profileFields,
		client:   provider.NewHTTPClient(),
		log:      log,
		newState: uuid.NewString,
	}, nil
}

func (p *Provider) Name() identity.Provider { return identity.ProviderFacebook }

func (p *Provider) BeginLogin(string) (provider.Directive, error) {
	state := p.newState()
	return provider.Directive{URL: p.oauth.AuthCodeURL(state), State: state}, nil
}

// CompleteLogin checks the state against the one issued to the connection,
// exchanges the code and reads /me.
func (p *Provider) CompleteLogin(ctx context.Context, cb provider.Callback) (*provider.Result, error) {
	q := cb.Params
	if e := q.Get("error"); e != "" {
		return nil, fmt.Errorf("%w: %s %s", provider.ErrDenied, e, q.Get("error_reason"))
	}
	if cb.ExpectedState == "" || q.Get("state") != cb.ExpectedState {
		return nil, provider.ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return nil, provider.ErrMissingCode
	}

	ctx = provider.WithHTTPClient(ctx, p.client)
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("facebook token exchange: %w", err)
	}
	claims, err := p.me(ctx, token)
	if err != nil {
		return nil, err
	}
	return provider.ResultFromClaims(identity.ProviderFacebook, claims)
}

func (p *Provider) me(ctx context.Context, token *oauth2.Token) (identity.Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.meURL, nil)
	if err != nil {
		return nil, fmt.Errorf("facebook profile request: %w", err)
	}
	resp, err := p.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("facebook profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		p.log.Warn("facebook profile request failed", zap.Int("status", resp.StatusCode), zap.String("body", util.TruncateBytes(body)))
		return nil, fmt.Errorf("facebook profile: status %d", resp.StatusCode)
	}
	claims := identity.Claims{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("facebook profile: invalid JSON: %w", err)
	}
	return claims, nil
}

// VerifySignedRequest parses a webhook signed_request with the app secret.
func (p *Provider) VerifySignedRequest(signed string) (*SignedRequest, error) {
	return ParseSignedRequest(signed, p.secret)
}
