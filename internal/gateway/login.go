package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/events"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/metrics"
	"github.com/pysugar/session-nexus/internal/session"
	"github.com/pysugar/session-nexus/internal/store"
	"go.uber.org/zap"
)

// Callback is a provider redirect or form post as seen by the HTTP layer.
type Callback struct {
	Provider   identity.Provider
	Correlator string
	Params     url.Values
	RemoteAddr string
	UserAgent  string
}

// Login is a completed login.
type Login struct {
	Profile identity.Profile
	Device  identity.Device
	// Bound is false when the channel closed while the provider round trip
	// was in flight. The identity is still persisted and the device issued.
	Bound bool
}

// CompleteLogin finishes a provider login for the channel holding the
// callback's correlator. Each begun login is accepted at most once.
func (g *Gateway) CompleteLogin(ctx context.Context, cb Callback) (*Login, error) {
	start := time.Now()
	defer func() {
		metrics.CallbackDuration.WithLabelValues(string(cb.Provider)).Observe(time.Since(start).Seconds())
	}()

	login, err := g.completeLogin(ctx, cb)
	if err != nil {
		metrics.LoginsTotal.WithLabelValues(string(cb.Provider), "failed").Inc()
		g.log.Warn("login failed",
			zap.String("provider", string(cb.Provider)),
			zap.String("remote", cb.RemoteAddr),
			zap.Error(err))
		return nil, err
	}
	metrics.LoginsTotal.WithLabelValues(string(cb.Provider), "ok").Inc()
	g.log.Info("login completed",
		zap.String("provider", string(cb.Provider)),
		zap.String("user", login.Profile.ID),
		zap.Bool("bound", login.Bound))
	return login, nil
}

func (g *Gateway) completeLogin(ctx context.Context, cb Callback) (*Login, error) {
	if cb.Correlator == "" {
		return nil, ErrNoCorrelator
	}
	p, err := g.providers.Get(cb.Provider)
	if err != nil {
		return nil, err
	}
	conn := g.reg.FindOpenByCorrelator(cb.Correlator)
	if conn == nil {
		metrics.Anomalies.WithLabelValues("orphan_callback").Inc()
		return nil, ErrNoConnection
	}
	pending, err := g.ledger.Consume(ctx, cb.Correlator, string(cb.Provider))
	if err != nil {
		return nil, fmt.Errorf("consume pending login: %w", err)
	}
	if !pending {
		metrics.Anomalies.WithLabelValues("unexpected_callback").Inc()
		return nil, ErrNoPendingLogin
	}

	res, err := p.CompleteLogin(ctx, provider.Callback{
		Params:        cb.Params,
		Correlator:    cb.Correlator,
		ExpectedState: conn.ProviderState(cb.Provider),
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	login, ev, err := g.resolveLocked(ctx, conn, cb, res)
	g.mu.Unlock()
	g.flush()
	if err != nil {
		return nil, err
	}
	g.emit(ctx, ev)
	return login, nil
}

// resolveLocked maps the provider result to an identity, persists it and
// rebinds the channel.
func (g *Gateway) resolveLocked(ctx context.Context, conn *session.Conn, cb Callback, res *provider.Result) (*Login, events.Event, error) {
	if !conn.IsOpen() {
		// another channel from the same context may have taken over
		conn = g.reg.FindOpenByCorrelator(cb.Correlator)
	}
	var inflight *identity.User
	if conn != nil {
		inflight = conn.User()
	}

	var (
		live  *identity.User
		work  *identity.User
		evTyp = events.TypeLogin
	)
	existing, err := g.store.FetchByProviderSubject(ctx, res.Subject.Provider, res.Subject.ID)
	switch {
	case err == nil:
		// the stored identity is authoritative; only the claims refresh
		live = g.liveOr(existing)
		work = live.Clone()
		work.Subjects[res.Subject.Provider] = res.Subject
	case errors.Is(err, store.ErrNotFound):
		if inflight != nil && inflight.SubjectID(res.Subject.Provider) == "" {
			live = inflight
			work = inflight.Clone()
			work.Link(res.Subject, res.Fields)
			evTyp = events.TypeLinked
		} else {
			work = identity.NewFromLogin(res.Subject, res.Fields)
		}
	default:
		return nil, events.Event{}, fmt.Errorf("lookup subject: %w", err)
	}

	work.Guest = false
	addr, agent := cb.RemoteAddr, cb.UserAgent
	if addr == "" && conn != nil {
		addr, agent = conn.RemoteAddr, conn.UserAgent
	}
	device := g.tokens.Issue(work, res.Subject.Provider, addr, agent)
	work.Online = conn != nil || (live != nil && g.refs[live.ID] > 0)

	if err := g.store.Save(ctx, work); err != nil {
		return nil, events.Event{}, fmt.Errorf("persist identity: %w", err)
	}
	if live != nil {
		*live = *work
	} else {
		live = work
	}

	login := &Login{Device: device}
	if conn != nil {
		g.bindLocked(ctx, conn, live)
		login.Bound = true
	} else if g.refs[live.ID] > 0 {
		g.presence.Announce(live.Profile(), nil)
	}
	login.Profile = live.Profile()
	return login, events.New(evTyp, res.Subject.Provider, live), nil
}

// LocalLogin is a guest login request carrying the channel's correlator.
type LocalLogin struct {
	Correlator string
	RemoteAddr string
	UserAgent  string
}

// LoginLocal binds the channel holding the correlator to a fresh guest. A
// channel that is already bound keeps its identity and gets a new device.
func (g *Gateway) LoginLocal(ctx context.Context, req LocalLogin) (*Login, error) {
	if req.Correlator == "" {
		return nil, ErrNoCorrelator
	}
	conn := g.reg.FindOpenByCorrelator(req.Correlator)
	if conn == nil {
		metrics.Anomalies.WithLabelValues("orphan_callback").Inc()
		return nil, ErrNoConnection
	}

	g.mu.Lock()
	live := conn.User()
	var work *identity.User
	if live != nil {
		work = live.Clone()
	} else {
		work = identity.NewGuest(g.guests.Next())
	}
	device := g.tokens.Issue(work, identity.ProviderLocal, req.RemoteAddr, req.UserAgent)
	work.Online = true
	if err := g.store.Save(ctx, work); err != nil {
		g.mu.Unlock()
		metrics.LoginsTotal.WithLabelValues(string(identity.ProviderLocal), "failed").Inc()
		return nil, fmt.Errorf("persist guest: %w", err)
	}
	if live != nil {
		*live = *work
	} else {
		live = work
	}
	g.bindLocked(ctx, conn, live)
	login := &Login{Profile: live.Profile(), Device: device, Bound: true}
	ev := events.New(events.TypeLogin, identity.ProviderLocal, live)
	g.mu.Unlock()
	g.flush()

	metrics.LoginsTotal.WithLabelValues(string(identity.ProviderLocal), "ok").Inc()
	g.emit(ctx, ev)
	return login, nil
}

// Deauthorize revokes every device issued through p for the identity
// holding subject and signs out its open channels. An unknown subject is not
// an error.
func (g *Gateway) Deauthorize(ctx context.Context, p identity.Provider, subject string) error {
	var ev events.Event
	g.mu.Lock()
	u, err := g.mutateSubjectHolder(ctx, p, subject, func(u *identity.User) {
		u.RevokeProvider(p)
	})
	if u != nil {
		ev = events.New(events.TypeLogout, p, u)
		for _, conn := range g.reg.FindOpenByIdentity(u.ID) {
			g.logoutLocked(ctx, conn)
		}
	}
	g.mu.Unlock()
	g.flush()
	if err != nil || u == nil {
		return err
	}
	g.log.Info("provider deauthorized", zap.String("provider", string(p)), zap.String("user", ev.User.ID))
	g.emit(ctx, ev)
	return nil
}

// Unlink removes the identity's link to p together with the devices issued
// through it, and returns a confirmation code for the request. The identity
// itself stays.
func (g *Gateway) Unlink(ctx context.Context, p identity.Provider, subject string) (string, error) {
	code := uuid.NewString()
	var evs []events.Event
	g.mu.Lock()
	u, err := g.mutateSubjectHolder(ctx, p, subject, func(u *identity.User) {
		u.Unlink(p)
		u.RevokeProvider(p)
	})
	if u != nil {
		evs = append(evs, events.New(events.TypeUnlinked, p, u))
		if g.refs[u.ID] > 0 {
			g.presence.Announce(u.Profile(), nil)
		}
	}
	g.mu.Unlock()
	g.flush()
	if err != nil {
		return "", err
	}
	for _, ev := range evs {
		g.log.Info("provider unlinked", zap.String("provider", string(p)), zap.String("user", ev.User.ID), zap.String("confirmation", code))
	}
	g.emit(ctx, evs...)
	return code, nil
}

// mutateSubjectHolder applies fn to the identity holding (p, subject) and
// persists it. It returns nil without error when nobody holds the subject.
func (g *Gateway) mutateSubjectHolder(ctx context.Context, p identity.Provider, subject string, fn func(*identity.User)) (*identity.User, error) {
	stored, err := g.store.FetchByProviderSubject(ctx, p, subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subject: %w", err)
	}
	live := g.liveOr(stored)
	work := live.Clone()
	fn(work)
	if err := g.store.Save(ctx, work); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	*live = *work
	return live, nil
}
