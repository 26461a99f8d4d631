package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
)

const testClientID = "client-123"

// fakeIssuer is a minimal OpenID Connect issuer: discovery, JWKS, token and
// userinfo endpoints.
type fakeIssuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu     sync.Mutex
	nonce  string
	claims jwt.MapClaims
	codes  []string
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fakeIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                f.srv.URL,
			"authorization_endpoint":                f.srv.URL + "/auth",
			"token_endpoint":                        f.srv.URL + "/token",
			"jwks_uri":                              f.srv.URL + "/keys",
			"userinfo_endpoint":                     f.srv.URL + "/userinfo",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.codes = append(f.codes, r.PostForm.Get("code"))
		claims := jwt.MapClaims{
			"iss":   f.srv.URL,
			"aud":   testClientID,
			"exp":   time.Now().Add(time.Hour).Unix(),
			"iat":   time.Now().Unix(),
			"nonce": f.nonce,
		}
		for k, v := range f.claims {
			claims[k] = v
		}
		f.mu.Unlock()

		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		signed, err := tok.SignedString(f.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"sub":                "t-9",
			"preferred_username": "streamer",
			"picture":            "https://p/streamer.png",
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIssuer) issue(nonce string, claims jwt.MapClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = nonce
	f.claims = claims
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, f *fakeIssuer, cfg Config) *Provider {
	t.Helper()
	cfg.Issuer = f.srv.URL
	cfg.ClientID = testClientID
	cfg.ClientSecret = "secret"
	cfg.RedirectURL = "https://nexus.example.com/login/" + string(cfg.Name) + "/"
	p, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestBeginLogin_SeedsNonceAndFormPost(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f, Config{Name: identity.ProviderGoogle})

	dir, err := p.BeginLogin("corr-1")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if dir.State != "" {
		t.Errorf("oidc providers keep no connection state, got %q", dir.State)
	}
	u, err := url.Parse(dir.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if u.Path != "/auth" {
		t.Errorf("unexpected authorization path %q", u.Path)
	}
	checks := map[string]string{
		"nonce":         "corr-1",
		"state":         "corr-1",
		"response_mode": "form_post",
		"response_type": "code",
		"client_id":     testClientID,
		"scope":         "openid email profile",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestBeginLogin_TwitchClaimsParameter(t *testing.T) {
	f := newFakeIssuer(t)
	claims := `{"userinfo":{"picture":null,"preferred_username":null}}`
	p := newTestProvider(t, f, Config{Name: identity.ProviderTwitch, Scopes: []string{"openid"}, Claims: claims})

	dir, _ := p.BeginLogin("corr-2")
	u, _ := url.Parse(dir.URL)
	if got := u.Query().Get("claims"); got != claims {
		t.Errorf("claims = %q", got)
	}
	if got := u.Query().Get("scope"); got != "openid" {
		t.Errorf("scope = %q", got)
	}
}

func TestCompleteLogin(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f, Config{Name: identity.ProviderGoogle})
	f.issue("corr-1", jwt.MapClaims{"sub": "g-42", "name": "Ada", "email": "ada@example.com"})

	res, err := p.CompleteLogin(context.Background(), provider.Callback{
		Params:     url.Values{"code": {"abc"}, "state": {"corr-1"}},
		Correlator: "corr-1",
	})
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if res.Subject.Provider != identity.ProviderGoogle || res.Subject.ID != "g-42" {
		t.Errorf("unexpected subject %+v", res.Subject)
	}
	if res.Fields.Name != "Ada" || res.Fields.Email != "ada@example.com" {
		t.Errorf("unexpected fields %+v", res.Fields)
	}
	if len(f.codes) != 1 || f.codes[0] != "abc" {
		t.Errorf("token endpoint saw codes %v", f.codes)
	}
}

func TestCompleteLogin_UserInfoMerge(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f, Config{Name: identity.ProviderTwitch, FetchUserInfo: true})
	f.issue("corr-3", jwt.MapClaims{"sub": "t-9"})

	res, err := p.CompleteLogin(context.Background(), provider.Callback{
		Params:     url.Values{"code": {"abc"}, "state": {"corr-3"}},
		Correlator: "corr-3",
	})
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if res.Fields.Name != "streamer" || res.Fields.Avatar != "https://p/streamer.png" {
		t.Errorf("userinfo not merged: %+v", res.Fields)
	}
}

func TestCompleteLogin_Rejections(t *testing.T) {
	f := newFakeIssuer(t)
	p := newTestProvider(t, f, Config{Name: identity.ProviderGoogle})

	tests := []struct {
		name       string
		tokenNonce string
		params     url.Values
		wantErr    error
	}{
		{name: "provider error", params: url.Values{"error": {"access_denied"}}, wantErr: provider.ErrDenied},
		{name: "missing code", params: url.Values{"state": {"corr-1"}}, wantErr: provider.ErrMissingCode},
		{name: "missing state", params: url.Values{"code": {"x"}}, wantErr: provider.ErrStateMismatch},
		{name: "state from another context", params: url.Values{"code": {"x"}, "state": {"other"}}, wantErr: provider.ErrStateMismatch},
		{name: "replayed nonce", tokenNonce: "someone-else", params: url.Values{"code": {"x"}, "state": {"corr-1"}}, wantErr: provider.ErrNonceMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.issue(tt.tokenNonce, jwt.MapClaims{"sub": "g-1"})
			_, err := p.CompleteLogin(context.Background(), provider.Callback{Params: tt.params, Correlator: "corr-1"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(context.Background(), Config{Name: identity.ProviderMicrosoft, Issuer: srv.URL, ClientID: "c"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected discovery error")
	}
	if _, err := New(context.Background(), Config{Name: identity.ProviderMicrosoft}, zap.NewNop()); err == nil {
		t.Fatal("expected config error")
	}
}
