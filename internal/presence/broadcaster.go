// Package presence pushes identity state changes to the open session
// channels.
package presence

import (
	"errors"

	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/metrics"
	"github.com/pysugar/session-nexus/internal/protocol"
	"github.com/pysugar/session-nexus/internal/session"
	"go.uber.org/zap"
)

// Broadcaster fans USER events out over the registry's open connections.
// Events are queued on each connection and only written by Flush, so callers
// can build them under a lock and write after releasing it. A failed send to
// one connection does not stop the others.
type Broadcaster struct {
	reg *session.Registry
	log *zap.Logger
}

func NewBroadcaster(reg *session.Registry, log *zap.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, log: log}
}

// Announce sends USER/SELF to subject and USER/OTHER to every other open
// connection not bound to the same identity. subject may be nil.
func (b *Broadcaster) Announce(p identity.Profile, subject *session.Conn) {
	b.fanout(p, subject, true)
}

// AnnounceOthers is Announce without the SELF event; subject only acts as
// an exclusion.
func (b *Broadcaster) AnnounceOthers(p identity.Profile, subject *session.Conn) {
	b.fanout(p, subject, false)
}

func (b *Broadcaster) fanout(p identity.Profile, subject *session.Conn, self bool) {
	other, err := protocol.EncodeUser(protocol.UserOther, &p)
	if err != nil {
		b.log.Error("encode presence event", zap.Error(err))
		return
	}
	for _, c := range b.reg.Open() {
		if c == subject {
			continue
		}
		if u := c.User(); u != nil && u.ID == p.ID {
			continue
		}
		b.send(c, other)
	}
	if self && subject != nil {
		b.Self(subject, &p)
	}
}

// Self sends USER/SELF to c. A nil profile tells the client it is signed
// out.
func (b *Broadcaster) Self(c *session.Conn, p *identity.Profile) {
	frame, err := protocol.EncodeUser(protocol.UserSelf, p)
	if err != nil {
		b.log.Error("encode self event", zap.Error(err))
		return
	}
	b.send(c, frame)
}

// Replay sends USER/OTHER for every identity bound to another open
// connection, one event per identity.
func (b *Broadcaster) Replay(c *session.Conn) {
	var ownID string
	if u := c.User(); u != nil {
		ownID = u.ID
	}
	seen := make(map[string]struct{})
	for _, peer := range b.reg.Open() {
		if peer == c {
			continue
		}
		u := peer.User()
		if u == nil || u.ID == ownID {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		p := u.Profile()
		frame, err := protocol.EncodeUser(protocol.UserOther, &p)
		if err != nil {
			b.log.Error("encode replay event", zap.Error(err))
			continue
		}
		b.send(c, frame)
	}
}

func (b *Broadcaster) send(c *session.Conn, frame []byte) {
	if err := c.Queue(frame); err != nil {
		if errors.Is(err, session.ErrBacklog) {
			metrics.Anomalies.WithLabelValues("send_backlog").Inc()
		}
		if !errors.Is(err, session.ErrClosed) {
			b.log.Warn("presence event dropped", zap.String("conn", c.ID), zap.Error(err))
		}
		return
	}
	metrics.FramesSent.WithLabelValues("user").Inc()
}

// Flush writes whatever is queued on the open connections.
func (b *Broadcaster) Flush() {
	for _, c := range b.reg.Open() {
		if c.Backlog() == 0 {
			continue
		}
		if err := c.Flush(); err != nil && !errors.Is(err, session.ErrClosed) {
			b.log.Warn("session write failed", zap.String("conn", c.ID), zap.Error(err))
		}
	}
}
