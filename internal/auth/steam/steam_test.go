package steam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
)

const (
	testReturnTo = "https://nexus.example.com/login/steam/"
	testSteamID  = "76561197960287930"
)

type fakeSteam struct {
	valid    bool
	verified url.Values
	apiKey   string
}

func setupTestProvider(t *testing.T, fs *fakeSteam) *Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/openid/login", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fs.verified = r.PostForm
		if fs.valid {
			_, _ = w.Write([]byte("ns:http://specs.openid.net/auth/2.0\nis_valid:true\n"))
			return
		}
		_, _ = w.Write([]byte("ns:http://specs.openid.net/auth/2.0\nis_valid:false\n"))
	})
	mux.HandleFunc("/ISteamUser/GetPlayerSummaries/v0002/", func(w http.ResponseWriter, r *http.Request) {
		fs.apiKey = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"players": []map[string]any{{
					"steamid":     r.URL.Query().Get("steamids"),
					"personaname": "gabe",
					"avatarfull":  "https://avatars/gabe.jpg",
				}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := New(Config{APIKey: "steam-key", ReturnTo: testReturnTo}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.httpClient = srv.Client()
	p.openIDEndpoint = srv.URL + "/openid/login"
	p.playerSummaryURL = srv.URL + "/ISteamUser/GetPlayerSummaries/v0002/"
	return p
}

func assertion() url.Values {
	return url.Values{
		"openid.ns":           {openIDNamespace},
		"openid.mode":         {"id_res"},
		"openid.return_to":    {testReturnTo},
		"openid.claimed_id":   {"https://steamcommunity.com/openid/id/" + testSteamID},
		"openid.identity":     {"https://steamcommunity.com/openid/id/" + testSteamID},
		"openid.sig":          {"c2lnbmF0dXJl"},
		"openid.signed":       {"signed,op_endpoint,claimed_id,identity,return_to"},
		"openid.assoc_handle": {"1234567890"},
	}
}

func TestBeginLogin(t *testing.T) {
	p, err := New(Config{APIKey: "k", ReturnTo: testReturnTo}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir, err := p.BeginLogin("corr")
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	u, err := url.Parse(dir.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "steamcommunity.com" {
		t.Errorf("unexpected host %q", u.Host)
	}
	q := u.Query()
	if q.Get("openid.mode") != "checkid_setup" || q.Get("openid.return_to") != testReturnTo {
		t.Errorf("unexpected query %v", q)
	}
	if q.Get("openid.realm") != "https://nexus.example.com" {
		t.Errorf("realm not derived from return_to: %q", q.Get("openid.realm"))
	}
	if dir.State != "" {
		t.Errorf("steam keeps no connection state")
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(Config{ReturnTo: testReturnTo}, zap.NewNop()); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestNew_BoundsOutboundCalls(t *testing.T) {
	p, err := New(Config{APIKey: "k", ReturnTo: testReturnTo}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.httpClient.Timeout != provider.DefaultHTTPTimeout {
		t.Fatalf("steam client timeout = %v, want %v", p.httpClient.Timeout, provider.DefaultHTTPTimeout)
	}
}

func TestCompleteLogin(t *testing.T) {
	fs := &fakeSteam{valid: true}
	p := setupTestProvider(t, fs)

	res, err := p.CompleteLogin(context.Background(), provider.Callback{Params: assertion(), Correlator: "corr"})
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if res.Subject.Provider != identity.ProviderSteam || res.Subject.ID != testSteamID {
		t.Errorf("unexpected subject %+v", res.Subject)
	}
	if res.Fields.Name != "gabe" || res.Fields.Avatar != "https://avatars/gabe.jpg" {
		t.Errorf("unexpected fields %+v", res.Fields)
	}
	if fs.verified.Get("openid.mode") != "check_authentication" {
		t.Errorf("verification sent mode %q", fs.verified.Get("openid.mode"))
	}
	if fs.verified.Get("openid.sig") != "c2lnbmF0dXJl" {
		t.Errorf("signature not replayed")
	}
	if fs.apiKey != "steam-key" {
		t.Errorf("summary called with key %q", fs.apiKey)
	}
}

func TestCompleteLogin_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		valid   bool
		mutate  func(url.Values)
		wantErr error
	}{
		{
			name:    "steam refuses assertion",
			valid:   false,
			mutate:  func(url.Values) {},
			wantErr: provider.ErrInvalidAssertion,
		},
		{
			name:    "user cancelled",
			valid:   true,
			mutate:  func(q url.Values) { q.Set("openid.mode", "cancel") },
			wantErr: provider.ErrDenied,
		},
		{
			name:    "foreign return_to",
			valid:   true,
			mutate:  func(q url.Values) { q.Set("openid.return_to", "https://evil.example.com/login/steam/") },
			wantErr: provider.ErrInvalidAssertion,
		},
		{
			name:    "claimed id from another host",
			valid:   true,
			mutate:  func(q url.Values) { q.Set("openid.claimed_id", "https://evil.example.com/openid/id/1") },
			wantErr: provider.ErrInvalidAssertion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := setupTestProvider(t, &fakeSteam{valid: tt.valid})
			q := assertion()
			tt.mutate(q)
			_, err := p.CompleteLogin(context.Background(), provider.Callback{Params: q})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
