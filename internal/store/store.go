// Package store defines the identity storage contract and an in-memory
// implementation of it.
package store

import (
	"context"
	"errors"

	"github.com/pysugar/session-nexus/internal/identity"
)

var (
	ErrNotFound     = errors.New("store: identity not found")
	ErrSubjectTaken = errors.New("store: provider subject already linked to another identity")
)

// Store persists identities. Single lookups return ErrNotFound when nothing
// matches. FetchByResumeToken returns every holder so that callers can detect
// a token shared between identities.
type Store interface {
	FetchByID(ctx context.Context, id string) (*identity.User, error)
	FetchByProviderSubject(ctx context.Context, p identity.Provider, subject string) (*identity.User, error)
	FetchByResumeToken(ctx context.Context, token string) ([]*identity.User, error)
	Save(ctx context.Context, u *identity.User) error
}
