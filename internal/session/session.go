// Package session holds the per-user credential/tenant map and the sid
// cookie lifecycle. Sessions are JSON blobs in the kv store with a sliding
// TTL; the project state managed by internal/projects lives in the same kv
// store but never expires.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jiravision/api/internal/kv"
)

var ErrNotFound = errors.New("session not found")

// Tenant is one connected Jira cloud instance.
type Tenant struct {
	AccessToken string   `json:"access_token"`
	SiteURL     string   `json:"site_url"`
	Name        string   `json:"name"`
	Scopes      []string `json:"scopes"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Session is the structured state attached to a sid cookie. The sync core
// only ever reads Tenants, ActiveCloudID and ReporterAccountID.
type Session struct {
	ID                string            `json:"-"`
	CreatedAt         int64             `json:"created_at"`
	OAuthState        string            `json:"oauth_state,omitempty"`
	Tenants           map[string]Tenant `json:"tenants,omitempty"`
	ActiveCloudID     string            `json:"active_cloud_id,omitempty"`
	ReporterAccountID string            `json:"reporter_account_id,omitempty"`
	DisplayName       string            `json:"display_name,omitempty"`
	Email             string            `json:"email,omitempty"`
}

// CloudIDs returns the connected cloud ids in map order.
func (s *Session) CloudIDs() []string {
	ids := make([]string, 0, len(s.Tenants))
	for id := range s.Tenants {
		ids = append(ids, id)
	}
	return ids
}

// Connected reports whether at least one tenant carries a token.
func (s *Session) Connected() bool {
	for _, tenant := range s.Tenants {
		if tenant.AccessToken != "" {
			return true
		}
	}
	return false
}

// SelectCloudID resolves which tenant a single-instance request should use:
// an explicit override wins, then the active tenant, then the first
// connected one.
func (s *Session) SelectCloudID(requested string) (string, error) {
	if requested != "" {
		if _, ok := s.Tenants[requested]; !ok {
			return "", fmt.Errorf("cloud id %q not connected", requested)
		}
		return requested, nil
	}
	if s.ActiveCloudID != "" {
		if _, ok := s.Tenants[s.ActiveCloudID]; ok {
			return s.ActiveCloudID, nil
		}
	}
	for id := range s.Tenants {
		return id, nil
	}
	return "", errors.New("no jira instance connected")
}

// Manager persists sessions in the kv store.
type Manager struct {
	store kv.Store
	ttl   time.Duration
}

func NewManager(store kv.Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl}
}

func sessionKey(sid string) string {
	return "session:" + sid
}

// Create stores a fresh session and returns it with a new sid.
func (m *Manager) Create(ctx context.Context) (Session, error) {
	session := Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().Unix(),
	}
	if err := m.save(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Get loads a session and refreshes its TTL (sliding expiration).
func (m *Manager) Get(ctx context.Context, sid string) (Session, error) {
	raw, err := m.store.Get(ctx, sessionKey(sid))
	if errors.Is(err, kv.ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, ErrNotFound
	}
	session.ID = sid

	// Best effort: a failed TTL refresh only shortens the session.
	_ = m.store.Set(ctx, sessionKey(sid), raw, m.ttl)

	return session, nil
}

// Save writes the session back under its sid.
func (m *Manager) Save(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("session has no id")
	}
	return m.save(ctx, session)
}

func (m *Manager) save(ctx context.Context, session Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.store.Set(ctx, sessionKey(session.ID), string(payload), m.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the session (logout).
func (m *Manager) Delete(ctx context.Context, sid string) error {
	return m.store.Delete(ctx, sessionKey(sid))
}
