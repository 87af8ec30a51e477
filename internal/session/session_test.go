package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"jiravision/api/internal/kv"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(kv.NewMemory(), time.Hour)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty sid")
	}

	loaded, err := m.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.ID != created.ID {
		t.Errorf("expected sid %s, got %s", created.ID, loaded.ID)
	}
	if loaded.CreatedAt == 0 {
		t.Error("expected created_at to be set")
	}
}

func TestGetMissing(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRoundTripsTenants(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	session.Tenants = map[string]Tenant{
		"c1": {AccessToken: "tok-1", SiteURL: "https://one.atlassian.net", Name: "One"},
		"c2": {AccessToken: "tok-2", SiteURL: "https://two.atlassian.net", Name: "Two"},
	}
	session.ActiveCloudID = "c1"
	session.ReporterAccountID = "acct-42"
	if err := m.Save(ctx, session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := m.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(loaded.Tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(loaded.Tenants))
	}
	if loaded.Tenants["c2"].AccessToken != "tok-2" {
		t.Errorf("tenant c2 not round-tripped: %+v", loaded.Tenants["c2"])
	}
	if loaded.ActiveCloudID != "c1" || loaded.ReporterAccountID != "acct-42" {
		t.Errorf("session fields not round-tripped: %+v", loaded)
	}
	if !loaded.Connected() {
		t.Error("expected Connected to report true")
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSessionExpiresInRedis(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := kv.NewRedis("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("redis store failed: %v", err)
	}
	defer store.Close()

	m := NewManager(store, time.Second)
	ctx := context.Background()

	session, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	if _, err := m.Get(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestSelectCloudID(t *testing.T) {
	session := Session{
		Tenants: map[string]Tenant{
			"c1": {AccessToken: "tok-1"},
		},
		ActiveCloudID: "c1",
	}

	id, err := session.SelectCloudID("")
	if err != nil || id != "c1" {
		t.Errorf("expected active cloud c1, got %q (%v)", id, err)
	}

	id, err = session.SelectCloudID("c1")
	if err != nil || id != "c1" {
		t.Errorf("expected explicit cloud c1, got %q (%v)", id, err)
	}

	if _, err := session.SelectCloudID("unknown"); err == nil {
		t.Error("expected error for unknown cloud id")
	}

	empty := Session{}
	if _, err := empty.SelectCloudID(""); err == nil {
		t.Error("expected error when no instance connected")
	}
}

func TestSelectCloudIDFallsBackWhenActiveGone(t *testing.T) {
	session := Session{
		Tenants:       map[string]Tenant{"c2": {AccessToken: "tok"}},
		ActiveCloudID: "c1",
	}
	id, err := session.SelectCloudID("")
	if err != nil {
		t.Fatalf("SelectCloudID failed: %v", err)
	}
	if id != "c2" {
		t.Errorf("expected fallback to c2, got %q", id)
	}
}
