package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/session-nexus/internal/auth/facebook"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/gateway"
	"github.com/pysugar/session-nexus/internal/logging"
	"go.uber.org/zap"
)

var errMissingSignedRequest = errors.New("server: signed_request is required")

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNoCorrelator),
		errors.Is(err, provider.ErrMissingCode),
		errors.Is(err, errMissingSignedRequest),
		errors.Is(err, facebook.ErrMalformedSignedRequest),
		errors.Is(err, facebook.ErrUnsupportedAlgorithm):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrStateMismatch),
		errors.Is(err, provider.ErrNonceMismatch),
		errors.Is(err, provider.ErrInvalidAssertion),
		errors.Is(err, facebook.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, provider.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNoConnection),
		errors.Is(err, gateway.ErrNoPendingLogin):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error body. Internal failures are logged
// and their detail withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), log).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
