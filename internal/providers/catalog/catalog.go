// Package catalog loads the login provider definitions from YAML, applies
// environment overrides and builds the providers into a registry.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pysugar/session-nexus/internal/auth/facebook"
	"github.com/pysugar/session-nexus/internal/auth/oidc"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/auth/steam"
	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	KindOIDC     = "oidc"
	KindOpenID2  = "openid2"
	KindFacebook = "facebook"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// external lists the provider ids that have an AUTH code on the wire.
var external = map[identity.Provider]struct{}{
	identity.ProviderGoogle:     {},
	identity.ProviderMicrosoft:  {},
	identity.ProviderPayPal:     {},
	identity.ProviderSalesforce: {},
	identity.ProviderYahoo:      {},
	identity.ProviderPhantAuth:  {},
	identity.ProviderFacebook:   {},
	identity.ProviderSteam:      {},
	identity.ProviderTwitch:     {},
}

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one catalog entry as written in the YAML file.
type ProviderConfig struct {
	ID              string   `yaml:"id"`
	Kind            string   `yaml:"kind"`
	Enabled         *bool    `yaml:"enabled"`
	Issuer          string   `yaml:"issuer"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	RedirectURI     string   `yaml:"redirect_uri"`
	Scopes          []string `yaml:"scopes"`
	ResponseMode    string   `yaml:"response_mode"`
	Claims          string   `yaml:"claims"`
	SkipIssuerCheck bool     `yaml:"skip_issuer_check"`
	FetchUserInfo   bool     `yaml:"fetch_userinfo"`
	Realm           string   `yaml:"realm"`
	ReturnTo        string   `yaml:"return_to"`
	APIKey          string   `yaml:"api_key"`
	GraphVersion    string   `yaml:"graph_version"`
}

// ProviderInfo is the public summary served by /api/providers.
type ProviderInfo struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Enabled        bool   `json:"enabled"`
	RuntimeEnabled bool   `json:"runtime_enabled"`
	ClientIDEnv    string `json:"client_id_env,omitempty"`
	SecretEnv      string `json:"client_secret_env,omitempty"`
	APIKeyEnv      string `json:"api_key_env,omitempty"`
}

// Entry is a normalized catalog entry with its resolved credentials.
type Entry struct {
	Info   ProviderInfo
	Config ProviderConfig
}

// Catalog is the loaded provider list, sorted by id.
type Catalog struct {
	Entries []Entry
}

// Load reads the catalog. An empty path searches the usual locations and
// falls back to the built-in defaults when no file exists. publicURL fills
// in callback URLs the file leaves empty.
func Load(path, publicURL string) (*Catalog, error) {
	cfgs, err := loadConfigProviders(path)
	if err != nil {
		return nil, err
	}
	if len(cfgs) == 0 {
		cfgs = defaultProviders()
	}

	seen := make(map[string]struct{}, len(cfgs))
	entries := make([]Entry, 0, len(cfgs))
	for _, cfg := range cfgs {
		entry, err := normalizeConfig(cfg, strings.TrimRight(publicURL, "/"))
		if err != nil {
			return nil, err
		}
		if _, dup := seen[entry.Info.ID]; dup {
			return nil, fmt.Errorf("catalog: provider %q declared twice", entry.Info.ID)
		}
		seen[entry.Info.ID] = struct{}{}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Info.ID < entries[j].Info.ID })
	return &Catalog{Entries: entries}, nil
}

// Providers returns the public summary of every entry.
func (c *Catalog) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e.Info)
	}
	return out
}

// Build initializes every runtime-enabled entry and registers it. A provider
// that fails to initialize is logged and left out; the others still load.
func (c *Catalog) Build(ctx context.Context, reg *provider.Registry, log *zap.Logger) {
	for _, e := range c.Entries {
		if !e.Info.RuntimeEnabled {
			log.Info("login provider disabled", zap.String("provider", e.Info.ID))
			continue
		}
		p, err := build(ctx, e.Config, log)
		if err == nil {
			err = reg.Register(p)
		}
		if err != nil {
			log.Error("login provider unavailable", zap.String("provider", e.Info.ID), zap.Error(err))
			continue
		}
		log.Info("login provider ready", zap.String("provider", e.Info.ID), zap.String("kind", e.Info.Kind))
	}
}

func build(ctx context.Context, cfg ProviderConfig, log *zap.Logger) (provider.Provider, error) {
	name := identity.Provider(cfg.ID)
	switch cfg.Kind {
	case KindOIDC:
		return oidc.New(ctx, oidc.Config{
			Name:            name,
			Issuer:          cfg.Issuer,
			ClientID:        cfg.ClientID,
			ClientSecret:    cfg.ClientSecret,
			RedirectURL:     cfg.RedirectURI,
			Scopes:          cfg.Scopes,
			ResponseMode:    cfg.ResponseMode,
			Claims:          cfg.Claims,
			SkipIssuerCheck: cfg.SkipIssuerCheck,
			FetchUserInfo:   cfg.FetchUserInfo,
		}, log)
	case KindOpenID2:
		return steam.New(steam.Config{APIKey: cfg.APIKey, Realm: cfg.Realm, ReturnTo: cfg.ReturnTo}, log)
	case KindFacebook:
		return facebook.New(facebook.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			GraphVersion: cfg.GraphVersion,
		}, log)
	default:
		return nil, fmt.Errorf("catalog: unknown kind %q", cfg.Kind)
	}
}

func loadConfigProviders(path string) ([]ProviderConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = resolveConfigPath()
		if path == "" {
			return nil, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %q: %w", path, err)
	}
	return cfg.Providers, nil
}

func resolveConfigPath() string {
	candidates := []string{
		"config/providers.yaml",
		"/etc/nexus/providers.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "nexus", "providers.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func normalizeConfig(cfg ProviderConfig, publicURL string) (Entry, error) {
	id := strings.ToLower(strings.TrimSpace(cfg.ID))
	if !providerIDRegexp.MatchString(id) {
		return Entry{}, fmt.Errorf("catalog: invalid provider id %q", cfg.ID)
	}
	if _, ok := external[identity.Provider(id)]; !ok {
		return Entry{}, fmt.Errorf("catalog: provider %q has no login code", id)
	}
	cfg.ID = id

	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	if cfg.Kind == "" {
		cfg.Kind = defaultKind(id)
	}
	switch cfg.Kind {
	case KindOIDC, KindOpenID2, KindFacebook:
	default:
		return Entry{}, fmt.Errorf("catalog: provider %q has unknown kind %q", id, cfg.Kind)
	}

	if publicURL != "" {
		callback := publicURL + "/login/" + id + "/"
		if cfg.RedirectURI == "" {
			cfg.RedirectURI = callback
		}
		if cfg.ReturnTo == "" && cfg.Kind == KindOpenID2 {
			cfg.ReturnTo = callback
		}
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	info := ProviderInfo{ID: id, Kind: cfg.Kind, Enabled: enabled}
	var ready bool
	switch cfg.Kind {
	case KindOpenID2:
		info.APIKeyEnv = envName(id, "API_KEY")
		cfg.APIKey = override(cfg.APIKey, info.APIKeyEnv)
		ready = cfg.APIKey != "" && cfg.ReturnTo != ""
	default:
		info.ClientIDEnv = envName(id, "CLIENT_ID")
		info.SecretEnv = envName(id, "CLIENT_SECRET")
		cfg.ClientID = override(cfg.ClientID, info.ClientIDEnv)
		cfg.ClientSecret = override(cfg.ClientSecret, info.SecretEnv)
		ready = cfg.ClientID != "" && cfg.ClientSecret != ""
		if cfg.Kind == KindOIDC {
			ready = ready && cfg.Issuer != ""
		}
	}
	info.RuntimeEnabled = enabled && ready
	return Entry{Info: info, Config: cfg}, nil
}

func defaultKind(id string) string {
	switch identity.Provider(id) {
	case identity.ProviderSteam:
		return KindOpenID2
	case identity.ProviderFacebook:
		return KindFacebook
	default:
		return KindOIDC
	}
}

func override(value, env string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return strings.TrimSpace(value)
}

func envName(id, suffix string) string {
	return fmt.Sprintf("NEXUS_%s_%s", strings.ToUpper(id), suffix)
}

// defaultProviders declares the well-known issuers. They stay disabled
// until credentials arrive through the environment.
func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{ID: "google", Kind: KindOIDC, Issuer: "https://accounts.google.com"},
		{
			ID:              "microsoft",
			Kind:            KindOIDC,
			Issuer:          "https://login.microsoftonline.com/common/v2.0",
			SkipIssuerCheck: true,
		},
		{
			ID:            "twitch",
			Kind:          KindOIDC,
			Issuer:        "https://id.twitch.tv/oauth2",
			Scopes:        []string{"openid", "user:read:email"},
			ResponseMode:  "query",
			Claims:        `{"id_token":{"email":null,"picture":null,"preferred_username":null}}`,
			FetchUserInfo: true,
		},
		{ID: "steam", Kind: KindOpenID2},
		{ID: "facebook", Kind: KindFacebook, GraphVersion: facebook.DefaultGraphVersion},
	}
}
