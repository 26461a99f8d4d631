// Package protocol encodes and decodes the binary frames exchanged over the
// session channel.
//
// Outbound frames:
//
//	AUTH  [0x00][UTF-8 login URL]
//	USER  [0x01][0x00 self | 0x01 other][UTF-8 JSON profile or null]
//
// Inbound frames:
//
//	AUTH  [0x00][auth code][payload...]
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pysugar/session-nexus/internal/identity"
)

// Opcode is the first byte of every frame.
type Opcode byte

const (
	OpAuth Opcode = 0
	OpUser Opcode = 1
)

// UserKind tells the receiver whether a USER event describes itself.
type UserKind byte

const (
	UserSelf  UserKind = 0
	UserOther UserKind = 1
)

// AuthCode is the second byte of an inbound AUTH frame.
type AuthCode byte

const (
	AuthLocal AuthCode = iota
	AuthGoogle
	AuthMicrosoft
	AuthPayPal
	AuthSalesforce
	AuthYahoo
	AuthPhantAuth
	AuthFacebook
	AuthSteam
	AuthTwitch
	// AuthLogout is reserved; it names no provider.
	AuthLogout
)

var authProviders = map[AuthCode]identity.Provider{
	AuthLocal:      identity.ProviderLocal,
	AuthGoogle:     identity.ProviderGoogle,
	AuthMicrosoft:  identity.ProviderMicrosoft,
	AuthPayPal:     identity.ProviderPayPal,
	AuthSalesforce: identity.ProviderSalesforce,
	AuthYahoo:      identity.ProviderYahoo,
	AuthPhantAuth:  identity.ProviderPhantAuth,
	AuthFacebook:   identity.ProviderFacebook,
	AuthSteam:      identity.ProviderSteam,
	AuthTwitch:     identity.ProviderTwitch,
}

// Provider returns the provider an auth code selects. AuthLogout and unknown
// codes report false.
func (c AuthCode) Provider() (identity.Provider, bool) {
	p, ok := authProviders[c]
	return p, ok
}

// CodeFor returns the auth code that selects provider.
func CodeFor(p identity.Provider) (AuthCode, bool) {
	for code, name := range authProviders {
		if name == p {
			return code, true
		}
	}
	return 0, false
}

func (c AuthCode) String() string {
	if c == AuthLogout {
		return "logout"
	}
	if p, ok := authProviders[c]; ok {
		return string(p)
	}
	return fmt.Sprintf("auth(%d)", byte(c))
}

var (
	ErrEmptyFrame      = errors.New("protocol: empty frame")
	ErrShortFrame      = errors.New("protocol: frame too short")
	ErrUnknownOpcode   = errors.New("protocol: unknown opcode")
	ErrUnknownAuthCode = errors.New("protocol: unknown auth code")
)

// Inbound is a decoded client frame.
type Inbound struct {
	Op      Opcode
	Auth    AuthCode
	Payload []byte
}

// Decode parses an inbound binary frame.
func Decode(frame []byte) (Inbound, error) {
	if len(frame) == 0 {
		return Inbound{}, ErrEmptyFrame
	}
	op := Opcode(frame[0])
	switch op {
	case OpAuth:
		if len(frame) < 2 {
			return Inbound{}, fmt.Errorf("%w: auth frame has no code", ErrShortFrame)
		}
		code := AuthCode(frame[1])
		if code > AuthLogout {
			return Inbound{}, fmt.Errorf("%w: %d", ErrUnknownAuthCode, frame[1])
		}
		return Inbound{Op: op, Auth: code, Payload: frame[2:]}, nil
	default:
		return Inbound{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, frame[0])
	}
}

// EncodeAuth builds an AUTH directive carrying a login URL.
func EncodeAuth(url string) []byte {
	out := make([]byte, 0, 1+len(url))
	out = append(out, byte(OpAuth))
	return append(out, url...)
}

// EncodeUser builds a USER event. A nil profile encodes as JSON null.
func EncodeUser(kind UserKind, p *identity.Profile) ([]byte, error) {
	var body []byte
	if p == nil {
		body = []byte("null")
	} else {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode profile: %w", err)
		}
		body = b
	}
	out := make([]byte, 0, 2+len(body))
	out = append(out, byte(OpUser), byte(kind))
	return append(out, body...), nil
}
