// Package steam implements the Steam OpenID 2.0 login.
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/util"
	"go.uber.org/zap"
)

const (
	openIDNamespace     = "http://specs.openid.net/auth/2.0"
	identifierSelect    = "http://specs.openid.net/auth/2.0/identifier_select"
	defaultOpenIDURL    = "https://steamcommunity.com/openid/login"
	defaultSummariesURL = "https://api.steampowered.com/ISteamUser/GetPlayerSummaries/v0002/"
)

var claimedIDPattern = regexp.MustCompile(`^https?://steamcommunity\.com/openid/id/(\d+)$`)

// Config holds the Steam settings.
type Config struct {
	APIKey string
	// Realm is the trust root shown to the user, e.g. https://nexus.example.com.
	Realm string
	// ReturnTo is the callback URL, {base}/login/steam/.
	ReturnTo string
}

// Provider is the Steam OpenID 2.0 flow. Steam keeps no request state, so
// the callback is tied to the connection through the correlator cookie only.
type Provider struct {
	cfg              Config
	log              *zap.Logger
	httpClient       *http.Client
	openIDEndpoint   string
	playerSummaryURL string
}

// New creates a Steam provider.
func New(cfg Config, log *zap.Logger) (*Provider, error) {
	if cfg.APIKey == "" || cfg.ReturnTo == "" {
		return nil, fmt.Errorf("steam: api key and return_to are required")
	}
	if cfg.Realm == "" {
		u, err := url.Parse(cfg.ReturnTo)
		if err != nil {
			return nil, fmt.Errorf("steam: return_to: %w", err)
		}
		cfg.Realm = u.Scheme + "://" + u.Host
	}
	return &Provider{
		cfg:              cfg,
		log:              log,
		httpClient:       provider.NewHTTPClient(),
		openIDEndpoint:   defaultOpenIDURL,
		playerSummaryURL: defaultSummariesURL,
	}, nil
}

func (p *Provider) Name() identity.Provider { return identity.ProviderSteam }

func (p *Provider) BeginLogin(string) (provider.Directive, error) {
	params := url.Values{
		"openid.ns":         {openIDNamespace},
		"openid.mode":       {"checkid_setup"},
		"openid.return_to":  {p.cfg.ReturnTo},
		"openid.realm":      {p.cfg.Realm},
		"openid.identity":   {identifierSelect},
		"openid.claimed_id": {identifierSelect},
	}
	return provider.Directive{URL: p.openIDEndpoint + "?" + params.Encode()}, nil
}

// CompleteLogin verifies the positive assertion with Steam and loads the
// player's public profile.
func (p *Provider) CompleteLogin(ctx context.Context, cb provider.Callback) (*provider.Result, error) {
	q := cb.Params
	switch q.Get("openid.mode") {
	case "id_res":
	case "cancel":
		return nil, fmt.Errorf("%w: steam login cancelled", provider.ErrDenied)
	default:
		return nil, fmt.Errorf("%w: unexpected mode %q", provider.ErrInvalidAssertion, q.Get("openid.mode"))
	}
	if !strings.HasPrefix(q.Get("openid.return_to"), p.cfg.ReturnTo) {
		return nil, fmt.Errorf("%w: return_to %q", provider.ErrInvalidAssertion, q.Get("openid.return_to"))
	}
	m := claimedIDPattern.FindStringSubmatch(q.Get("openid.claimed_id"))
	if m == nil {
		return nil, fmt.Errorf("%w: claimed_id %q", provider.ErrInvalidAssertion, q.Get("openid.claimed_id"))
	}
	if err := p.checkAuthentication(ctx, q); err != nil {
		return nil, err
	}

	claims, err := p.playerSummary(ctx, m[1])
	if err != nil {
		return nil, err
	}
	return provider.ResultFromClaims(identity.ProviderSteam, claims)
}

// checkAuthentication replays the signed openid.* fields back to Steam.
func (p *Provider) checkAuthentication(ctx context.Context, q url.Values) error {
	form := url.Values{}
	for k, v := range q {
		if strings.HasPrefix(k, "openid.") && len(v) > 0 {
			form.Set(k, v[0])
		}
	}
	form.Set("openid.mode", "check_authentication")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.openIDEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("steam verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("steam verify: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("steam verify: reading response: %w", err)
	}
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "is_valid:true" {
			return nil
		}
	}
	p.log.Warn("steam assertion rejected", zap.Int("status", resp.StatusCode), zap.String("body", util.TruncateBytes(body)))
	return fmt.Errorf("%w: check_authentication refused", provider.ErrInvalidAssertion)
}

type summariesResponse struct {
	Response struct {
		Players []identity.Claims `json:"players"`
	} `json:"response"`
}

func (p *Provider) playerSummary(ctx context.Context, steamID string) (identity.Claims, error) {
	params := url.Values{
		"key":      {p.cfg.APIKey},
		"format":   {"json"},
		"steamids": {steamID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.playerSummaryURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("steam summary request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("steam summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("steam summary: status %d", resp.StatusCode)
	}
	var out summariesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("steam summary: invalid JSON: %w", err)
	}
	for _, player := range out.Response.Players {
		if id, _ := player["steamid"].(string); id == steamID {
			return player, nil
		}
	}
	return nil, fmt.Errorf("steam summary: no player %s", steamID)
}
