package server

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/session-nexus/internal/auth/correlator"
	"github.com/pysugar/session-nexus/internal/auth/facebook"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/gateway"
	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
)

// selfClosePage ends the login popup once the session channel has been
// told about the new identity.
const selfClosePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Signed in</title></head>
<body><script>window.close();</script></body>
</html>
`

// CallbackHandler completes a provider login for the channel named by the
// request's correlator cookie.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form"})
			return
		}
		name := identity.Provider(chi.URLParam(r, "provider"))
		login, err := s.gw.CompleteLogin(r.Context(), gateway.Callback{
			Provider:   name,
			Correlator: correlator.FromRequest(r).Correlator,
			Params:     r.Form,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		s.finishLogin(w, login)
	}
}

// LocalLoginHandler signs the channel in as a guest.
func (s *Server) LocalLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		login, err := s.gw.LoginLocal(r.Context(), gateway.LocalLogin{
			Correlator: correlator.FromRequest(r).Correlator,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		s.finishLogin(w, login)
	}
}

func (s *Server) finishLogin(w http.ResponseWriter, login *gateway.Login) {
	http.SetCookie(w, s.cookies.Resume(login.Device.Token))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(selfClosePage))
}

// signedRequestVerifier is implemented by the Facebook provider.
type signedRequestVerifier interface {
	VerifySignedRequest(signed string) (*facebook.SignedRequest, error)
}

func (s *Server) verifyFacebook(r *http.Request) (*facebook.SignedRequest, error) {
	p, err := s.gw.Providers().Get(identity.ProviderFacebook)
	if err != nil {
		return nil, err
	}
	v, ok := p.(signedRequestVerifier)
	if !ok {
		return nil, provider.ErrProviderNotFound
	}
	signed := r.PostFormValue("signed_request")
	if signed == "" {
		return nil, errMissingSignedRequest
	}
	return v.VerifySignedRequest(signed)
}

// FacebookDeauthorizeHandler handles the deauthorize callback: devices
// issued through Facebook are revoked and the identity's channels signed out.
func (s *Server) FacebookDeauthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.verifyFacebook(r)
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		if err := s.gw.Deauthorize(r.Context(), identity.ProviderFacebook, req.UserID); err != nil {
			writeError(w, r, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// FacebookDeletionHandler handles the data deletion callback by unlinking
// the Facebook subject.
func (s *Server) FacebookDeletionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.verifyFacebook(r)
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		code, err := s.gw.Unlink(r.Context(), identity.ProviderFacebook, req.UserID)
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		s.log.Info("facebook data deletion requested", zap.String("confirmation_code", code))
		status := ""
		if s.deletionURL != "" {
			status = s.deletionURL + "?id=" + url.QueryEscape(code)
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"url":               status,
			"confirmation_code": code,
		})
	}
}
