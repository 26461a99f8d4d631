// Package gateway is the session-correlation state machine. It ties session
// channels to out-of-band provider callbacks through the correlator, resolves
// and merges identities, and drives presence.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pysugar/session-nexus/internal/auth/correlator"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/auth/token"
	"github.com/pysugar/session-nexus/internal/events"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/metrics"
	"github.com/pysugar/session-nexus/internal/presence"
	"github.com/pysugar/session-nexus/internal/protocol"
	"github.com/pysugar/session-nexus/internal/session"
	"github.com/pysugar/session-nexus/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNoCorrelator   = errors.New("gateway: connection has no correlator")
	ErrNoConnection   = errors.New("gateway: no open connection for correlator")
	ErrNoPendingLogin = errors.New("gateway: no pending login for correlator")
)

// Options wires the gateway's collaborators. Store, Tokens and Providers are
// required.
type Options struct {
	Store     store.Store
	Tokens    *token.Manager
	Providers *provider.Registry
	Ledger    correlator.Ledger
	Events    events.Publisher
	Log       *zap.Logger
	// LocalLoginURI is sent to unbound connections as their AUTH directive.
	LocalLoginURI string
}

// Gateway is constructed once per process and shared by the HTTP and session
// handlers.
type Gateway struct {
	store     store.Store
	tokens    *token.Manager
	providers *provider.Registry
	ledger    correlator.Ledger
	events    events.Publisher
	log       *zap.Logger
	localURI  string

	reg      *session.Registry
	presence *presence.Broadcaster
	guests   identity.GuestNamer

	// mu serializes identity state transitions and every read of a live
	// identity. Provider network calls and socket writes never run under it;
	// frames are queued while it is held and flushed after.
	mu   sync.Mutex
	live map[string]*identity.User
	refs map[string]int
}

func New(opts Options) *Gateway {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.NewNoop()
	}
	if opts.Ledger == nil {
		opts.Ledger = correlator.NewMemoryLedger(correlator.DefaultPendingTTL, opts.Log)
	}
	if opts.LocalLoginURI == "" {
		opts.LocalLoginURI = "/login/local/"
	}
	reg := session.NewRegistry(opts.Log)
	return &Gateway{
		store:     opts.Store,
		tokens:    opts.Tokens,
		providers: opts.Providers,
		ledger:    opts.Ledger,
		events:    opts.Events,
		log:       opts.Log,
		localURI:  opts.LocalLoginURI,
		reg:       reg,
		presence:  presence.NewBroadcaster(reg, opts.Log),
		live:      make(map[string]*identity.User),
		refs:      make(map[string]int),
	}
}

// Registry exposes the live connection set.
func (g *Gateway) Registry() *session.Registry { return g.reg }

// Providers exposes the configured login providers.
func (g *Gateway) Providers() *provider.Registry { return g.providers }

// Peer describes a session channel being opened.
type Peer struct {
	Correlator  string
	ResumeToken string
	RemoteAddr  string
	UserAgent   string
	Sender      session.Sender
}

// Connect registers a new session channel. A presented resume token binds
// the channel to its identity without a provider round trip; otherwise the
// channel gets the local login directive. Either way the identities already
// online are replayed to it.
func (g *Gateway) Connect(ctx context.Context, p Peer) (*session.Conn, error) {
	if p.Correlator == "" {
		return nil, ErrNoCorrelator
	}
	conn := session.NewConn(uuid.NewString(), p.Correlator, p.Sender)
	conn.RemoteAddr = p.RemoteAddr
	conn.UserAgent = p.UserAgent

	var resumed []events.Event
	g.mu.Lock()
	if err := g.reg.Register(conn); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	metrics.Connections.Inc()

	if p.ResumeToken != "" {
		if u := g.resumeLocked(ctx, conn, p.ResumeToken); u != nil {
			resumed = append(resumed, events.New(events.TypeResumed, "", u))
		}
	}
	if len(resumed) == 0 {
		g.queueAuth(conn, g.localURI)
	}
	g.presence.Replay(conn)
	g.mu.Unlock()
	g.flush()

	g.log.Info("session opened",
		zap.String("conn", conn.ID),
		zap.String("remote", p.RemoteAddr),
		zap.Bool("resumed", len(resumed) > 0))
	g.emit(ctx, resumed...)
	return conn, nil
}

func (g *Gateway) resumeLocked(ctx context.Context, conn *session.Conn, tok string) *identity.User {
	u, err := g.tokens.Resolve(ctx, tok)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrAmbiguousToken), errors.Is(err, token.ErrExpiredToken):
		// cached instances must forget the token too, or the next save
		// would write it back
		for _, cached := range g.live {
			cached.RevokeToken(tok)
		}
		metrics.ResumesTotal.WithLabelValues(resumeResult(err)).Inc()
		if errors.Is(err, token.ErrAmbiguousToken) {
			metrics.Anomalies.WithLabelValues("shared_token").Inc()
		}
		g.log.Warn("resume refused", zap.String("conn", conn.ID), zap.Error(err))
		return nil
	default:
		metrics.ResumesTotal.WithLabelValues(resumeResult(err)).Inc()
		g.log.Debug("resume failed", zap.String("conn", conn.ID), zap.Error(err))
		return nil
	}

	live := g.liveOr(u)
	work := live.Clone()
	work.Online = true
	if err := g.store.Save(ctx, work); err != nil {
		metrics.ResumesTotal.WithLabelValues("error").Inc()
		g.log.Error("persist resumed identity", zap.String("user", u.ID), zap.Error(err))
		return nil
	}
	*live = *work
	g.bindLocked(ctx, conn, live)
	metrics.ResumesTotal.WithLabelValues("ok").Inc()
	return live
}

func resumeResult(err error) string {
	switch {
	case errors.Is(err, token.ErrUnknownToken):
		return "unknown"
	case errors.Is(err, token.ErrAmbiguousToken):
		return "ambiguous"
	case errors.Is(err, token.ErrExpiredToken):
		return "expired"
	default:
		return "error"
	}
}

// HandleMessage dispatches one inbound frame. Malformed frames are logged and
// dropped; the channel stays open.
func (g *Gateway) HandleMessage(ctx context.Context, conn *session.Conn, frame []byte, binary bool) {
	if !binary {
		metrics.Anomalies.WithLabelValues("non_binary").Inc()
		g.log.Warn("dropped non-binary frame", zap.String("conn", conn.ID), zap.Int("len", len(frame)))
		return
	}
	in, err := protocol.Decode(frame)
	if err != nil {
		metrics.Anomalies.WithLabelValues("malformed_frame").Inc()
		g.log.Warn("dropped malformed frame", zap.String("conn", conn.ID), zap.Error(err))
		return
	}

	switch in.Auth {
	case protocol.AuthLogout:
		g.Logout(ctx, conn)
	case protocol.AuthLocal:
		g.queueAuth(conn, g.localURI)
		g.flush()
	default:
		name, _ := in.Auth.Provider()
		g.beginLogin(ctx, conn, name)
		g.flush()
	}
}

// beginLogin sends the provider's login URL. An unconfigured provider
// yields no directive.
func (g *Gateway) beginLogin(ctx context.Context, conn *session.Conn, name identity.Provider) {
	p, err := g.providers.Get(name)
	if err != nil {
		g.log.Debug("login requested for unavailable provider", zap.String("conn", conn.ID), zap.String("provider", string(name)))
		return
	}
	dir, err := p.BeginLogin(conn.Correlator)
	if err != nil {
		g.log.Error("begin login", zap.String("provider", string(name)), zap.Error(err))
		return
	}
	if dir.State != "" {
		conn.SetProviderState(name, dir.State)
	}
	if err := g.ledger.Begin(ctx, conn.Correlator, string(name)); err != nil {
		g.log.Error("record pending login", zap.String("provider", string(name)), zap.Error(err))
		return
	}
	g.queueAuth(conn, dir.URL)
}

// Disconnect closes the channel. A bound identity is announced with its
// derived online flag, and pending logins are dropped once no open channel
// holds the correlator.
func (g *Gateway) Disconnect(ctx context.Context, conn *session.Conn) {
	g.mu.Lock()
	if g.reg.Unregister(conn.ID) == nil {
		g.mu.Unlock()
		return
	}
	metrics.Connections.Dec()
	if u := conn.User(); u != nil {
		g.releaseLocked(ctx, conn, u)
		g.presence.AnnounceOthers(u.Profile(), conn)
	}
	// a channel reopening with this correlator registers under mu before
	// it can begin a login, so the check and the forget stay together
	if g.reg.FindOpenByCorrelator(conn.Correlator) == nil {
		if err := g.ledger.Forget(ctx, conn.Correlator); err != nil {
			g.log.Warn("forget pending logins", zap.Error(err))
		}
	}
	g.mu.Unlock()
	g.flush()

	g.log.Info("session closed", zap.String("conn", conn.ID))
}

// Logout unbinds the channel's identity, tells the others, then tells the
// channel it is signed out and offers the local login again.
func (g *Gateway) Logout(ctx context.Context, conn *session.Conn) {
	var evs []events.Event
	g.mu.Lock()
	if u := g.logoutLocked(ctx, conn); u != nil {
		evs = append(evs, events.New(events.TypeLogout, "", u))
	}
	g.mu.Unlock()
	g.flush()
	g.emit(ctx, evs...)
}

func (g *Gateway) logoutLocked(ctx context.Context, conn *session.Conn) *identity.User {
	u := conn.User()
	if u != nil {
		g.releaseLocked(ctx, conn, u)
		g.presence.AnnounceOthers(u.Profile(), conn)
	}
	g.presence.Self(conn, nil)
	g.queueAuth(conn, g.localURI)
	return u
}

// bindLocked attaches u to conn, replacing any identity bound before, and
// announces it. u must be the live instance and already persisted online.
func (g *Gateway) bindLocked(ctx context.Context, conn *session.Conn, u *identity.User) {
	if prev := conn.User(); prev != nil {
		if prev.ID == u.ID {
			g.presence.Announce(u.Profile(), conn)
			return
		}
		g.releaseLocked(ctx, conn, prev)
		g.presence.AnnounceOthers(prev.Profile(), conn)
	}
	g.live[u.ID] = u
	g.refs[u.ID]++
	u.Online = true
	conn.Bind(u)
	g.presence.Announce(u.Profile(), conn)
}

// releaseLocked detaches u from conn. When no channel is left the identity
// goes offline, is persisted and leaves the cache.
func (g *Gateway) releaseLocked(ctx context.Context, conn *session.Conn, u *identity.User) {
	conn.Unbind()
	g.refs[u.ID]--
	if g.refs[u.ID] > 0 {
		return
	}
	delete(g.refs, u.ID)
	delete(g.live, u.ID)
	u.Online = false
	if err := g.store.Save(ctx, u); err != nil {
		g.log.Error("persist offline identity", zap.String("user", u.ID), zap.Error(err))
	}
}

// liveOr returns the cached instance of u when one of its channels is open.
func (g *Gateway) liveOr(u *identity.User) *identity.User {
	if cached, ok := g.live[u.ID]; ok {
		return cached
	}
	return u
}

func (g *Gateway) queueAuth(conn *session.Conn, url string) {
	if err := conn.Queue(protocol.EncodeAuth(url)); err != nil {
		if errors.Is(err, session.ErrBacklog) {
			metrics.Anomalies.WithLabelValues("send_backlog").Inc()
		}
		if !errors.Is(err, session.ErrClosed) {
			g.log.Warn("auth directive dropped", zap.String("conn", conn.ID), zap.Error(err))
		}
		return
	}
	metrics.FramesSent.WithLabelValues("auth").Inc()
}

// flush writes the frames queued by the last state transition. It must not
// be called with mu held.
func (g *Gateway) flush() {
	g.presence.Flush()
}

func (g *Gateway) emit(ctx context.Context, evs ...events.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range evs {
		if err := g.events.Publish(ctx, e); err != nil {
			g.log.Warn("publish identity event", zap.String("type", e.Type), zap.Error(err))
		}
	}
}
