package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pysugar/session-nexus/internal/identity"
	"go.uber.org/zap"
)

func TestMemory_SaveAndFetch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	u := identity.NewFromLogin(identity.Subject{Provider: identity.ProviderGoogle, ID: "g-42"}, identity.ProfileFields{Name: "Ada"})
	u.AddDevice(identity.Device{Token: "tok", Provider: identity.ProviderGoogle, IssuedAt: time.Now()})
	if err := m.Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	byID, err := m.FetchByID(ctx, u.ID)
	if err != nil || byID.DisplayName != "Ada" {
		t.Fatalf("FetchByID = %+v, %v", byID, err)
	}

	bySub, err := m.FetchByProviderSubject(ctx, identity.ProviderGoogle, "g-42")
	if err != nil || bySub.ID != u.ID {
		t.Fatalf("FetchByProviderSubject = %+v, %v", bySub, err)
	}

	byTok, err := m.FetchByResumeToken(ctx, "tok")
	if err != nil || len(byTok) != 1 || byTok[0].ID != u.ID {
		t.Fatalf("FetchByResumeToken = %+v, %v", byTok, err)
	}

	if _, err := m.FetchByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.FetchByProviderSubject(ctx, identity.ProviderSteam, "g-42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other provider, got %v", err)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())
	u := identity.NewGuest("Guest1")
	if err := m.Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := m.FetchByID(ctx, u.ID)
	got.DisplayName = "changed"

	again, _ := m.FetchByID(ctx, u.ID)
	if again.DisplayName != "Guest1" {
		t.Fatalf("store shares state with callers: %q", again.DisplayName)
	}
}

func TestMemory_RefusesSecondSubjectHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	a := identity.NewFromLogin(identity.Subject{Provider: identity.ProviderGoogle, ID: "g-1"}, identity.ProfileFields{})
	b := identity.NewFromLogin(identity.Subject{Provider: identity.ProviderGoogle, ID: "g-1"}, identity.ProfileFields{})
	if err := m.Save(ctx, a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := m.Save(ctx, b); !errors.Is(err, ErrSubjectTaken) {
		t.Fatalf("expected ErrSubjectTaken, got %v", err)
	}
	// re-saving the holder itself is fine
	if err := m.Save(ctx, a); err != nil {
		t.Fatalf("resave a: %v", err)
	}
}

func TestMemory_DuplicateSubjectDetectedAtLookup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	first := identity.NewFromLogin(identity.Subject{Provider: identity.ProviderSteam, ID: "s-1"}, identity.ProfileFields{Name: "first"})
	second := identity.NewFromLogin(identity.Subject{Provider: identity.ProviderSteam, ID: "s-1"}, identity.ProfileFields{Name: "second"})
	m.Import([]identity.DatabaseUser{first.Record(false), second.Record(false)})

	got, err := m.FetchByProviderSubject(ctx, identity.ProviderSteam, "s-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected oldest holder %s, got %s", first.ID, got.ID)
	}
}

func TestMemory_SharedToken(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	a := identity.NewGuest("Guest1")
	b := identity.NewGuest("Guest2")
	a.AddDevice(identity.Device{Token: "dup"})
	b.AddDevice(identity.Device{Token: "dup"})
	for _, u := range []*identity.User{a, b} {
		if err := m.Save(ctx, u); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := m.FetchByResumeToken(ctx, "dup")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both holders, got %d", len(got))
	}
}

func TestMemory_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := NewMemory(zap.NewNop())
	u := identity.NewFromLogin(identity.Subject{Provider: identity.ProviderTwitch, ID: "t-1", Claims: identity.Claims{"sub": "t-1"}}, identity.ProfileFields{Name: "tw"})
	if err := src.Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	dst := NewMemory(zap.NewNop())
	dst.Import(src.Export())

	got, err := dst.FetchByProviderSubject(ctx, identity.ProviderTwitch, "t-1")
	if err != nil {
		t.Fatalf("fetch after import: %v", err)
	}
	if got.Subjects[identity.ProviderTwitch].Claims["sub"] != "t-1" {
		t.Errorf("full record claims lost across export: %+v", got.Subjects)
	}
}
