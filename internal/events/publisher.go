// Package events publishes identity lifecycle events to a message broker.
package events

import (
	"context"
	"time"

	"github.com/pysugar/session-nexus/internal/identity"
)

// Event types, also used as the routing key suffix.
const (
	TypeLogin    = "login"
	TypeLinked   = "linked"
	TypeResumed  = "resumed"
	TypeLogout   = "logout"
	TypeUnlinked = "unlinked"
)

// Event is one identity change. User is the compact record with claims and
// resume tokens stripped.
type Event struct {
	Type     string                `json:"type"`
	Provider identity.Provider     `json:"provider,omitempty"`
	User     identity.DatabaseUser `json:"user"`
	At       time.Time             `json:"at"`
}

// RoutingKey is "identity.<type>".
func (e Event) RoutingKey() string { return "identity." + e.Type }

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type NoopPub struct{}

func NewNoop() Publisher { return NoopPub{} }

func (NoopPub) Publish(context.Context, Event) error { return nil }
func (NoopPub) Close() error                         { return nil }

// New builds an event for u.
func New(typ string, p identity.Provider, u *identity.User) Event {
	rec := u.Record(true)
	rec.Devices = nil
	return Event{Type: typ, Provider: p, User: rec, At: time.Now().UTC()}
}
