package facebook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedSignedRequest = errors.New("facebook: malformed signed_request")
	ErrBadSignature           = errors.New("facebook: signed_request signature mismatch")
	ErrUnsupportedAlgorithm   = errors.New("facebook: signed_request algorithm unsupported")
)

// SignedRequest is the verified payload of a signed_request.
type SignedRequest struct {
	Algorithm string `json:"algorithm"`
	UserID    string `json:"user_id"`
	IssuedAt  int64  `json:"issued_at"`
	Expires   int64  `json:"expires,omitempty"`
}

// ParseSignedRequest verifies "<sig>.<payload>" where sig is the base64url
// HMAC-SHA256 of the encoded payload segment under secret.
func ParseSignedRequest(signed, secret string) (*SignedRequest, error) {
	sigPart, payloadPart, ok := strings.Cut(signed, ".")
	if !ok || sigPart == "" || payloadPart == "" {
		return nil, ErrMalformedSignedRequest
	}
	sig, err := decodeSegment(sigPart)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedSignedRequest, err)
	}
	payload, err := decodeSegment(payloadPart)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedSignedRequest, err)
	}

	var req SignedRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedSignedRequest, err)
	}
	if !strings.EqualFold(req.Algorithm, "HMAC-SHA256") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, req.Algorithm)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payloadPart))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrBadSignature
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: no user_id", ErrMalformedSignedRequest)
	}
	return &req, nil
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
