package session

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrDuplicateConn = errors.New("session: connection already registered")
	ErrNoCorrelator  = errors.New("session: connection has no correlator")
)

// Registry is the set of live connections.
type Registry struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	next  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log, conns: make(map[string]*Conn)}
}

// Register adds an open connection.
func (r *Registry) Register(c *Conn) error {
	if c.Correlator == "" {
		return ErrNoCorrelator
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; ok {
		return ErrDuplicateConn
	}
	r.next++
	c.seq = r.next
	r.conns[c.ID] = c
	return nil
}

// Unregister closes the connection and removes it. It returns the removed
// connection, or nil if none was registered under id.
func (r *Registry) Unregister(id string) *Conn {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	c.close()
	return c
}

// FindOpenByCorrelator returns the open connection holding correlator. If
// several share it, the earliest registered wins and a warning is logged.
func (r *Registry) FindOpenByCorrelator(correlator string) *Conn {
	if correlator == "" {
		return nil
	}
	matches := r.filter(func(c *Conn) bool { return c.Correlator == correlator })
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, c := range matches {
			ids[i] = c.ID
		}
		r.log.Warn("multiple open connections share a correlator",
			zap.Int("count", len(matches)),
			zap.Strings("connections", ids),
			zap.String("picked", matches[0].ID))
	}
	return matches[0]
}

// FindOpenByIdentity returns every open connection bound to the identity.
func (r *Registry) FindOpenByIdentity(id string) []*Conn {
	if id == "" {
		return nil
	}
	return r.filter(func(c *Conn) bool { return c.boundID() == id })
}

// Open returns a snapshot of open connections in registration order.
func (r *Registry) Open() []*Conn {
	return r.filter(func(*Conn) bool { return true })
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) filter(keep func(*Conn) bool) []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.IsOpen() && keep(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
