package correlator

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGenerate(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil || len(raw) != 32 {
		t.Fatalf("expected 32 random bytes, got %d (%v)", len(raw), err)
	}
	b, _ := Generate()
	if a == b {
		t.Fatal("Generate returned the same value twice")
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if h := FromRequest(req); h.Correlator != "" || h.ResumeToken != "" {
		t.Fatalf("expected empty handshake, got %+v", h)
	}

	req.AddCookie(&http.Cookie{Name: CookieName, Value: "n1"})
	req.AddCookie(&http.Cookie{Name: ResumeCookieName, Value: "tok"})
	h := FromRequest(req)
	if h.Correlator != "n1" || h.ResumeToken != "tok" {
		t.Fatalf("unexpected handshake %+v", h)
	}
}

func TestCookies(t *testing.T) {
	c := Cookies{Domain: "example.com"}

	nonce := c.Correlator("n1")
	if nonce.Name != "NONCE" || nonce.MaxAge != 4*60*60 || nonce.Domain != "example.com" || !nonce.Secure {
		t.Errorf("unexpected correlator cookie %+v", nonce)
	}
	if nonce.SameSite != http.SameSiteNoneMode {
		t.Errorf("secure cookies must allow cross-site callbacks, got %v", nonce.SameSite)
	}

	resume := c.Resume("tok")
	if resume.Name != "access_token" || resume.MaxAge != 7*24*60*60 {
		t.Errorf("unexpected resume cookie %+v", resume)
	}

	dev := Cookies{Insecure: true, CorrelatorTTL: time.Minute}
	if got := dev.Correlator("n"); got.Secure || got.MaxAge != 60 || got.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected insecure cookie %+v", got)
	}
}

func TestMemoryLedger_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Minute, zap.NewNop())

	if ok, _ := l.Consume(ctx, "n1", "google"); ok {
		t.Fatal("consume without begin must fail")
	}
	if err := l.Begin(ctx, "n1", "google"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if ok, _ := l.Consume(ctx, "n1", "steam"); ok {
		t.Fatal("consume for another provider must fail")
	}
	if ok, _ := l.Consume(ctx, "n1", "google"); !ok {
		t.Fatal("first consume should succeed")
	}
	if ok, _ := l.Consume(ctx, "n1", "google"); ok {
		t.Fatal("duplicate callback must not be accepted")
	}
}

func TestMemoryLedger_Expiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Minute, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_ = l.Begin(ctx, "n1", "google")
	_ = l.Begin(ctx, "n2", "steam")

	now = now.Add(2 * time.Minute)
	_ = l.Begin(ctx, "n3", "twitch")

	if ok, _ := l.Consume(ctx, "n1", "google"); ok {
		t.Fatal("expired login must not be accepted")
	}
	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry (n2), got %d", n)
	}
	if l.Len() != 1 {
		t.Fatalf("expected only n3 pending, got %d", l.Len())
	}
}

func TestMemoryLedger_Forget(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0, zap.NewNop())
	_ = l.Begin(ctx, "n1", "google")
	_ = l.Begin(ctx, "n1", "facebook")
	_ = l.Forget(ctx, "n1")
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d", l.Len())
	}
}

func TestMemoryLedger_SweepLoopStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewMemoryLedger(time.Millisecond, zap.NewNop())
	_ = l.Begin(ctx, "n1", "google")
	l.StartSweepLoop(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for l.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if l.Len() != 0 {
		t.Fatal("sweep loop never expired the entry")
	}
}
