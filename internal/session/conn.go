// Package session tracks the open session channels and the identity each one
// is bound to.
package session

import (
	"errors"
	"sync"

	"github.com/pysugar/session-nexus/internal/identity"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("session: connection closed")
	// ErrBacklog is returned when a connection has too many unwritten frames.
	ErrBacklog = errors.New("session: outbound backlog full")
)

// MaxBacklog bounds the frames queued on a connection and not yet written.
const MaxBacklog = 256

// Sender writes one binary frame to the client.
type Sender interface {
	Send(frame []byte) error
}

// State is the lifecycle state of a connection. It only moves forward.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "open"
}

// Transient holds short-lived per-connection login state.
type Transient struct {
	// ProviderState is the anti-forgery state issued by a redirect provider
	// that does not carry the correlator itself.
	ProviderState string
	// StateProvider names the provider ProviderState was issued for.
	StateProvider identity.Provider
}

// Conn is one open session channel.
type Conn struct {
	ID         string
	Correlator string
	RemoteAddr string
	UserAgent  string

	sender Sender
	seq    uint64
	// wmu is held by the one goroutine writing to sender.
	wmu sync.Mutex

	qmu     sync.Mutex
	pending [][]byte

	mu        sync.Mutex
	state     State
	user      *identity.User
	transient Transient
}

// NewConn creates an open connection record.
func NewConn(id, correlator string, sender Sender) *Conn {
	return &Conn{ID: id, Correlator: correlator, sender: sender}
}

// Send queues a frame and flushes the queue.
func (c *Conn) Send(frame []byte) error {
	if err := c.Queue(frame); err != nil {
		return err
	}
	return c.Flush()
}

// Queue appends a frame to the outbound queue without writing it. Frames
// reach the client in queue order.
func (c *Conn) Queue(frame []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.pending) >= MaxBacklog {
		return ErrBacklog
	}
	c.pending = append(c.pending, frame)
	return nil
}

// Backlog returns the number of queued frames.
func (c *Conn) Backlog() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.pending)
}

// Flush writes the queued frames and returns the first write error. If
// another goroutine is already writing it returns at once and leaves the
// queue to that writer, so a stalled client holds up at most one caller.
func (c *Conn) Flush() error {
	var first error
	for {
		if !c.wmu.TryLock() {
			return first
		}
		for {
			frame, ok := c.pop()
			if !ok {
				break
			}
			if !c.IsOpen() {
				c.drain()
				break
			}
			if err := c.sender.Send(frame); err != nil && first == nil {
				first = err
			}
		}
		c.wmu.Unlock()
		// a frame queued after the last pop but before Unlock saw wmu held
		if c.Backlog() == 0 {
			return first
		}
	}
}

func (c *Conn) pop() ([]byte, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.pending) == 0 {
		return nil, false
	}
	frame := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return frame, true
}

func (c *Conn) drain() {
	c.qmu.Lock()
	c.pending = nil
	c.qmu.Unlock()
}

// IsOpen reports whether the connection is still open.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// User returns the bound identity, or nil.
func (c *Conn) User() *identity.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Bind attaches an identity to the connection.
func (c *Conn) Bind(u *identity.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

// Unbind detaches and returns the bound identity.
func (c *Conn) Unbind() *identity.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.user
	c.user = nil
	return u
}

// SetProviderState records the state issued for a provider login.
func (c *Conn) SetProviderState(p identity.Provider, state string) {
	c.mu.Lock()
	c.transient = Transient{ProviderState: state, StateProvider: p}
	c.mu.Unlock()
}

// ProviderState returns the state issued for p, or "".
func (c *Conn) ProviderState(p identity.Provider) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transient.StateProvider != p {
		return ""
	}
	return c.transient.ProviderState
}

func (c *Conn) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	c.transient = Transient{}
	c.drain()
	return true
}

func (c *Conn) boundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return ""
	}
	return c.user.ID
}
