// Package correlator issues the value that ties a session channel to the
// out-of-band login callback, and carries it in cookies.
package correlator

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

const (
	// CookieName carries the correlator.
	CookieName = "NONCE"
	// ResumeCookieName carries the resume token.
	ResumeCookieName = "access_token"

	DefaultCorrelatorTTL = 4 * time.Hour
	DefaultResumeTTL     = 7 * 24 * time.Hour
)

// Generate returns a new correlator: 32 random bytes, base64url encoded.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate correlator: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Handshake is what the boundary layer extracts from an inbound request.
type Handshake struct {
	Correlator  string
	ResumeToken string
}

// FromRequest reads the correlator and resume token cookies.
func FromRequest(r *http.Request) Handshake {
	var h Handshake
	if c, err := r.Cookie(CookieName); err == nil {
		h.Correlator = c.Value
	}
	if c, err := r.Cookie(ResumeCookieName); err == nil {
		h.ResumeToken = c.Value
	}
	return h
}

// Cookies builds the correlator and resume cookies for one deployment.
type Cookies struct {
	Domain        string
	Insecure      bool
	CorrelatorTTL time.Duration
	ResumeTTL     time.Duration
}

// Correlator returns the cookie carrying a correlator value.
func (c Cookies) Correlator(value string) *http.Cookie {
	return c.cookie(CookieName, value, c.CorrelatorTTL, DefaultCorrelatorTTL)
}

// Resume returns the cookie carrying a resume token.
func (c Cookies) Resume(token string) *http.Cookie {
	return c.cookie(ResumeCookieName, token, c.ResumeTTL, DefaultResumeTTL)
}

func (c Cookies) cookie(name, value string, ttl, fallback time.Duration) *http.Cookie {
	if ttl <= 0 {
		ttl = fallback
	}
	// form_post callbacks are cross-site POSTs; Lax cookies would not reach them.
	sameSite := http.SameSiteNoneMode
	if c.Insecure {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(ttl / time.Second),
		Secure:   !c.Insecure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}
