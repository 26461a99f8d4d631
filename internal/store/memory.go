package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
)

// Memory keeps identities as full DatabaseUser records in a map. Callers get
// fresh copies; mutating a returned user has no effect until Save.
type Memory struct {
	log *zap.Logger

	mu      sync.RWMutex
	records map[string]identity.DatabaseUser
	order   []string
}

// NewMemory creates an empty in-memory store.
func NewMemory(log *zap.Logger) *Memory {
	return &Memory{log: log, records: make(map[string]identity.DatabaseUser)}
}

func (m *Memory) FetchByID(_ context.Context, id string) (*identity.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return identity.FromRecord(r), nil
}

// FetchByProviderSubject returns the identity linked to (p, subject). More
// than one holder is an integrity violation: it is logged and the oldest
// holder is returned.
func (m *Memory) FetchByProviderSubject(_ context.Context, p identity.Provider, subject string) (*identity.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []string
	for _, id := range m.order {
		if s, ok := m.records[id].OpenID[p]; ok && s.ID == subject {
			found = append(found, id)
		}
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	if len(found) > 1 {
		m.log.Warn("provider subject held by multiple identities",
			zap.String("provider", string(p)),
			zap.String("subject", subject),
			zap.Strings("identities", found))
	}
	return identity.FromRecord(m.records[found[0]]), nil
}

func (m *Memory) FetchByResumeToken(_ context.Context, token string) ([]*identity.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*identity.User
	for _, id := range m.order {
		r := m.records[id]
		for _, d := range r.Devices {
			if d.Token == token {
				out = append(out, identity.FromRecord(r))
				break
			}
		}
	}
	return out, nil
}

// Save stores the user. Linking a subject already held by a different
// identity is refused with ErrSubjectTaken.
func (m *Memory) Save(_ context.Context, u *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, s := range u.Subjects {
		for _, id := range m.order {
			if id == u.ID {
				continue
			}
			if held, ok := m.records[id].OpenID[p]; ok && held.ID == s.ID {
				return fmt.Errorf("%w: %s/%s held by %s", ErrSubjectTaken, p, s.ID, id)
			}
		}
	}
	if _, ok := m.records[u.ID]; !ok {
		m.order = append(m.order, u.ID)
	}
	m.records[u.ID] = u.Record(false)
	return nil
}

// Export returns every stored record in insertion order. Together with
// Import it is the hook for persisting the map outside the process.
func (m *Memory) Export() []identity.DatabaseUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]identity.DatabaseUser, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// Import loads records, replacing any with the same id.
func (m *Memory) Import(records []identity.DatabaseUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if _, ok := m.records[r.ID]; !ok {
			m.order = append(m.order, r.ID)
		}
		m.records[r.ID] = r
	}
}
