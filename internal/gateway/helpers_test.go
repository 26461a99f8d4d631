package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/session-nexus/internal/auth/correlator"
	"github.com/pysugar/session-nexus/internal/auth/provider"
	"github.com/pysugar/session-nexus/internal/auth/token"
	"github.com/pysugar/session-nexus/internal/events"
	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/protocol"
	"github.com/pysugar/session-nexus/internal/session"
	"github.com/pysugar/session-nexus/internal/store"
	"go.uber.org/zap"
)

const localURI = "https://nexus.example.com/login/local/"

// frame is a decoded outbound frame.
type frame struct {
	op      protocol.Opcode
	url     string
	kind    protocol.UserKind
	profile *identity.Profile
}

type recordSender struct {
	t      *testing.T
	mu     sync.Mutex
	frames []frame
}

func (s *recordSender) Send(raw []byte) error {
	f := frame{op: protocol.Opcode(raw[0])}
	switch f.op {
	case protocol.OpAuth:
		f.url = string(raw[1:])
	case protocol.OpUser:
		f.kind = protocol.UserKind(raw[1])
		if err := json.Unmarshal(raw[2:], &f.profile); err != nil {
			s.t.Errorf("undecodable USER frame %q: %v", raw, err)
		}
	default:
		s.t.Errorf("unexpected opcode %d", raw[0])
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordSender) all() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

func (s *recordSender) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

func (s *recordSender) last(t *testing.T) frame {
	t.Helper()
	all := s.all()
	if len(all) == 0 {
		t.Fatal("no frames sent")
	}
	return all[len(all)-1]
}

// fakeProvider is a scripted login provider.
type fakeProvider struct {
	name  identity.Provider
	state string

	mu       sync.Mutex
	begins   []string
	callback provider.Callback
	complete func(ctx context.Context, cb provider.Callback) (*provider.Result, error)
	next     *provider.Result
}

func (f *fakeProvider) Name() identity.Provider { return f.name }

func (f *fakeProvider) BeginLogin(corr string) (provider.Directive, error) {
	f.mu.Lock()
	f.begins = append(f.begins, corr)
	f.mu.Unlock()
	return provider.Directive{URL: "https://idp.example/" + string(f.name) + "?nonce=" + corr, State: f.state}, nil
}

func (f *fakeProvider) CompleteLogin(ctx context.Context, cb provider.Callback) (*provider.Result, error) {
	f.mu.Lock()
	f.callback = cb
	complete, next := f.complete, f.next
	f.mu.Unlock()
	if complete != nil {
		return complete(ctx, cb)
	}
	if next == nil {
		return nil, errors.New("fake: no result scripted")
	}
	return next, nil
}

func (f *fakeProvider) script(sub, name string) {
	f.mu.Lock()
	f.next = &provider.Result{
		Subject: identity.Subject{Provider: f.name, ID: sub, Claims: identity.Claims{"sub": sub, "name": name}},
		Fields:  identity.ProfileFields{Name: name},
	}
	f.mu.Unlock()
}

func (f *fakeProvider) beginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.begins)
}

type recordPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordPublisher) Close() error { return nil }

func (p *recordPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	gw        *Gateway
	store     *store.Memory
	ledger    *correlator.MemoryLedger
	events    *recordPublisher
	providers map[identity.Provider]*fakeProvider
}

func newHarness(t *testing.T, names ...identity.Provider) *harness {
	t.Helper()
	log := zap.NewNop()
	h := &harness{
		store:     store.NewMemory(log),
		ledger:    correlator.NewMemoryLedger(time.Minute, log),
		events:    &recordPublisher{},
		providers: map[identity.Provider]*fakeProvider{},
	}
	reg := provider.NewRegistry()
	for _, name := range names {
		p := &fakeProvider{name: name}
		if err := reg.Register(p); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		h.providers[name] = p
	}
	h.gw = New(Options{
		Store:         h.store,
		Tokens:        token.NewManager(h.store, correlator.DefaultResumeTTL, log),
		Providers:     reg,
		Ledger:        h.ledger,
		Events:        h.events,
		Log:           log,
		LocalLoginURI: localURI,
	})
	return h
}

type client struct {
	conn *session.Conn
	out  *recordSender
}

func (h *harness) connect(t *testing.T, corr, resume string) *client {
	t.Helper()
	out := &recordSender{t: t}
	conn, err := h.gw.Connect(context.Background(), Peer{
		Correlator:  corr,
		ResumeToken: resume,
		RemoteAddr:  "10.0.0.1:5000",
		UserAgent:   "test-agent",
		Sender:      out,
	})
	if err != nil {
		t.Fatalf("Connect(%s): %v", corr, err)
	}
	return &client{conn: conn, out: out}
}

func (h *harness) request(t *testing.T, c *client, p identity.Provider) string {
	t.Helper()
	code, ok := protocol.CodeFor(p)
	if !ok {
		t.Fatalf("no auth code for %s", p)
	}
	h.gw.HandleMessage(context.Background(), c.conn, []byte{byte(protocol.OpAuth), byte(code)}, true)
	f := c.out.last(t)
	if f.op != protocol.OpAuth || !strings.Contains(f.url, "nonce="+c.conn.Correlator) {
		t.Fatalf("expected provider AUTH directive, got %+v", f)
	}
	return f.url
}

func (h *harness) login(t *testing.T, c *client, p identity.Provider, sub, name string) *Login {
	t.Helper()
	h.request(t, c, p)
	h.providers[p].script(sub, name)
	login, err := h.gw.CompleteLogin(context.Background(), Callback{
		Provider:   p,
		Correlator: c.conn.Correlator,
		RemoteAddr: "10.0.0.1",
		UserAgent:  "browser",
	})
	if err != nil {
		t.Fatalf("CompleteLogin(%s): %v", p, err)
	}
	return login
}

func (h *harness) stored(t *testing.T, id string) *identity.User {
	t.Helper()
	u, err := h.store.FetchByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FetchByID(%s): %v", id, err)
	}
	return u
}

func expectUser(t *testing.T, f frame, kind protocol.UserKind, name string, online bool) {
	t.Helper()
	if f.op != protocol.OpUser || f.kind != kind || f.profile == nil {
		t.Fatalf("expected USER kind %d, got %+v", kind, f)
	}
	if f.profile.Name != name || f.profile.IsOnline != online {
		t.Fatalf("expected %q online=%v, got %+v", name, online, *f.profile)
	}
}
