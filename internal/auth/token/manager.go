// Package token issues and resolves resume tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/store"
	"github.com/pysugar/session-nexus/internal/util"
	"go.uber.org/zap"
)

var (
	ErrUnknownToken   = errors.New("token: no identity holds this token")
	ErrAmbiguousToken = errors.New("token: token held by more than one identity")
	ErrExpiredToken   = errors.New("token: token expired")
)

// Manager handles the resume token lifecycle.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger
}

// NewManager creates a manager whose tokens stay valid for ttl.
func NewManager(s store.Store, ttl time.Duration, log *zap.Logger) *Manager {
	return &Manager{store: s, ttl: ttl, now: time.Now, log: log}
}

// Issue appends a fresh device to u and returns it. The caller saves u.
func (m *Manager) Issue(u *identity.User, p identity.Provider, addr, agent string) identity.Device {
	d := identity.Device{
		Token:    uuid.NewString(),
		Provider: p,
		IssuedAt: m.now(),
		Addr:     addr,
		Agent:    util.ClipAgent(agent),
	}
	u.AddDevice(d)
	return d
}

// Resolve returns the single identity holding token. A token held by several
// identities is revoked from all of them and nothing resolves. An expired
// token is revoked from its holder.
func (m *Manager) Resolve(ctx context.Context, token string) (*identity.User, error) {
	if token == "" {
		return nil, ErrUnknownToken
	}
	holders, err := m.store.FetchByResumeToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("lookup resume token: %w", err)
	}

	switch len(holders) {
	case 0:
		return nil, ErrUnknownToken
	case 1:
	default:
		ids := make([]string, 0, len(holders))
		for _, u := range holders {
			ids = append(ids, u.ID)
			u.RevokeToken(token)
			if err := m.store.Save(ctx, u); err != nil {
				m.log.Error("failed to revoke shared resume token", zap.String("user", u.ID), zap.Error(err))
			}
		}
		m.log.Warn("resume token held by multiple identities, revoked everywhere", zap.Strings("identities", ids))
		return nil, ErrAmbiguousToken
	}

	u := holders[0]
	d, _ := u.Device(token)
	if m.ttl > 0 && m.now().Sub(d.IssuedAt) > m.ttl {
		u.RevokeToken(token)
		if err := m.store.Save(ctx, u); err != nil {
			m.log.Error("failed to revoke expired resume token", zap.String("user", u.ID), zap.Error(err))
		}
		return nil, ErrExpiredToken
	}
	return u, nil
}
