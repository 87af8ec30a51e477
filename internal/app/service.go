// Package app wires the HTTP surface to the session, tracker and project
// layers. Handlers stay thin: every operation lives on Service so tests can
// drive it without going through the router.
package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"jiravision/api/internal/auth"
	"jiravision/api/internal/config"
	"jiravision/api/internal/kv"
	"jiravision/api/internal/projects"
	"jiravision/api/internal/session"
	"jiravision/api/internal/tracker"
)

// TrackerClient is the slice of the Jira client the service drives. The
// default factory returns *tracker.Client; tests substitute fakes.
type TrackerClient interface {
	SearchByQuery(ctx context.Context, jql string, maxResults int, pageToken string) (tracker.SearchResult, error)
	GetIssue(ctx context.Context, issueKey, expand string) (json.RawMessage, error)
	GetIssueComments(ctx context.Context, issueKey string, maxResults int) (tracker.CommentsPage, error)
	Myself(ctx context.Context) (tracker.Account, error)
	Close() error
}

// ClientFactory builds a tracker client for one tenant's credentials.
type ClientFactory func(accessToken, cloudID string) TrackerClient

type Service struct {
	cfg       config.Config
	kv        kv.Store
	sessions  *session.Manager
	store     *projects.Store
	sync      *projects.Synchronizer
	atlassian *auth.Atlassian
	newClient ClientFactory
}

func New(cfg config.Config, store kv.Store) *Service {
	projectStore := projects.NewStore(store)
	return &Service{
		cfg:      cfg,
		kv:       store,
		sessions: session.NewManager(store, cfg.SessionTTL),
		store:    projectStore,
		sync:     projects.NewSynchronizer(projectStore, cfg.Query),
		atlassian: auth.NewAtlassian(
			cfg.AtlassianClientID,
			cfg.AtlassianClientSecret,
			cfg.AtlassianRedirectURI,
			cfg.AtlassianScopes,
		),
		newClient: func(accessToken, cloudID string) TrackerClient {
			return tracker.NewClient(accessToken, cloudID)
		},
	}
}

// NewWithClientFactory is used by tests to intercept outbound Jira calls.
func NewWithClientFactory(cfg config.Config, store kv.Store, factory ClientFactory) *Service {
	service := New(cfg, store)
	service.newClient = factory
	return service
}

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// ProjectsView is the project listing returned to the frontend, already
// split by activity. Masked projects are filtered out unless the caller
// asked for everything.
type ProjectsView struct {
	Active       []projects.ProjectRecord `json:"active"`
	Inactive     []projects.ProjectRecord `json:"inactive"`
	LastSyncedAt *int64                   `json:"last_synced_at,omitempty"`
}

// ListProjects reads the stored project map without touching Jira.
func (s *Service) ListProjects(ctx context.Context, accountID string, includeMasked bool) (ProjectsView, error) {
	view := ProjectsView{Active: []projects.ProjectRecord{}, Inactive: []projects.ProjectRecord{}}

	records, err := s.store.ListProjects(ctx, accountID)
	if err != nil {
		return ProjectsView{}, err
	}
	for _, record := range records {
		if !includeMasked && record.MaskType != projects.MaskNone {
			continue
		}
		if record.IsActive {
			view.Active = append(view.Active, record)
		} else {
			view.Inactive = append(view.Inactive, record)
		}
	}

	user, err := s.store.GetUser(ctx, accountID)
	if err == nil {
		view.LastSyncedAt = user.LastSyncedAt
	}
	return view, nil
}

// RefreshProjects runs one sync pass across the session's tenants and
// returns the resulting listing.
func (s *Service) RefreshProjects(ctx context.Context, sess *session.Session, resetPermanentMasks bool) (ProjectsView, error) {
	if sess.ReporterAccountID == "" {
		return ProjectsView{}, domainError(http.StatusUnauthorized, "RECONNECT_REQUIRED", "No Jira account linked, please reconnect", nil)
	}
	if _, err := s.sync.Sync(ctx, sess.ReporterAccountID, s.tenantClients(sess), resetPermanentMasks); err != nil {
		return ProjectsView{}, err
	}
	return s.ListProjects(ctx, sess.ReporterAccountID, false)
}

// tenantClients builds one authenticated client per connected tenant, in
// stable cloud-id order.
func (s *Service) tenantClients(sess *session.Session) []projects.TenantClient {
	ids := sess.CloudIDs()
	sort.Strings(ids)

	clients := make([]projects.TenantClient, 0, len(ids))
	for _, id := range ids {
		tenant := sess.Tenants[id]
		if tenant.AccessToken == "" {
			continue
		}
		clients = append(clients, projects.TenantClient{
			CloudID: id,
			Client:  s.newClient(tenant.AccessToken, id),
		})
	}
	return clients
}

// AddManualProject records a project the tracker never returned. Manual
// entries start active and unmasked, even when re-adding.
func (s *Service) AddManualProject(ctx context.Context, accountID, projectKey, projectName, cloudID string) (projects.ProjectRecord, error) {
	if projectName == "" {
		projectName = projectKey
	}
	mask := projects.MaskNone
	active := true
	return s.store.UpsertProject(ctx, accountID, projects.UpsertProjectParams{
		ProjectKey:  projectKey,
		ProjectName: projectName,
		Source:      projects.SourceManual,
		CloudID:     cloudID,
		MaskType:    &mask,
		IsActive:    &active,
	})
}

// MaskProject transitions a project's visibility mask. An empty cloud id
// targets the first stored project with a matching key.
func (s *Service) MaskProject(ctx context.Context, accountID, projectKey, cloudID string, mask projects.MaskType) (projects.ProjectRecord, error) {
	if cloudID == "" {
		records, err := s.store.ListProjects(ctx, accountID)
		if err != nil {
			return projects.ProjectRecord{}, err
		}
		for _, record := range records {
			if record.ProjectKey == projectKey {
				cloudID = record.CloudID
				break
			}
		}
	}
	return s.store.SetProjectMask(ctx, accountID, projectKey, cloudID, mask, 0)
}

// withClient resolves which tenant a single-instance read targets and runs
// fn against an authenticated client for it.
func (s *Service) withClient(sess *session.Session, requestedCloudID string, fn func(client TrackerClient) error) error {
	cloudID, err := sess.SelectCloudID(requestedCloudID)
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	}
	client := s.newClient(sess.Tenants[cloudID].AccessToken, cloudID)
	defer client.Close()
	return fn(client)
}

// GetIssue fetches one issue as raw Jira JSON.
func (s *Service) GetIssue(ctx context.Context, sess *session.Session, issueKey, cloudID, expand string) (json.RawMessage, error) {
	var issue json.RawMessage
	err := s.withClient(sess, cloudID, func(client TrackerClient) error {
		var clientErr error
		issue, clientErr = client.GetIssue(ctx, issueKey, expand)
		return clientErr
	})
	return issue, err
}

// GetIssueComments fetches one issue's comment page.
func (s *Service) GetIssueComments(ctx context.Context, sess *session.Session, issueKey, cloudID string, maxResults int) (tracker.CommentsPage, error) {
	var page tracker.CommentsPage
	err := s.withClient(sess, cloudID, func(client TrackerClient) error {
		var clientErr error
		page, clientErr = client.GetIssueComments(ctx, issueKey, maxResults)
		return clientErr
	})
	return page, err
}

// Search runs an arbitrary JQL query against one tenant.
func (s *Service) Search(ctx context.Context, sess *session.Session, jql, cloudID string, maxResults int, pageToken string) (tracker.SearchResult, error) {
	if jql == "" {
		return tracker.SearchResult{}, domainError(http.StatusBadRequest, "INVALID_ARGUMENT", "jql is required", nil)
	}
	var result tracker.SearchResult
	err := s.withClient(sess, cloudID, func(client TrackerClient) error {
		var clientErr error
		result, clientErr = client.SearchByQuery(ctx, jql, maxResults, pageToken)
		return clientErr
	})
	return result, err
}

// BeginLogin stamps a fresh OAuth state into the session and returns the
// authorize redirect.
func (s *Service) BeginLogin(ctx context.Context, sess *session.Session) (string, error) {
	state := uuid.NewString()
	sess.OAuthState = state
	if err := s.sessions.Save(ctx, *sess); err != nil {
		return "", err
	}
	return s.atlassian.AuthCodeURL(state), nil
}

// CompleteLogin finishes the authorization-code flow: exchange the code,
// discover the Jira sites the token reaches, merge them into the tenant
// map, resolve the reporter identity and run a first sync.
func (s *Service) CompleteLogin(ctx context.Context, sess *session.Session, code, state string) error {
	if code == "" {
		return domainError(http.StatusBadRequest, "INVALID_ARGUMENT", "missing authorization code", nil)
	}
	if state == "" || sess.OAuthState == "" || state != sess.OAuthState {
		return domainError(http.StatusBadRequest, "INVALID_STATE", "OAuth state mismatch", nil)
	}
	sess.OAuthState = ""

	accessToken, err := s.atlassian.Exchange(ctx, code)
	if err != nil {
		return domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "Token exchange failed", nil)
	}

	resources, err := s.atlassian.AccessibleResources(ctx, accessToken)
	if err != nil {
		return domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "Could not list accessible Jira sites", nil)
	}
	jiraSites := auth.FilterJiraResources(resources)
	if len(jiraSites) == 0 {
		return domainError(http.StatusBadRequest, "NO_JIRA_SITE", "No accessible Jira site on this account", nil)
	}

	if sess.Tenants == nil {
		sess.Tenants = make(map[string]session.Tenant)
	}
	now := time.Now().Unix()
	for _, site := range jiraSites {
		sess.Tenants[site.ID] = session.Tenant{
			AccessToken: accessToken,
			SiteURL:     site.URL,
			Name:        site.Name,
			Scopes:      site.Scopes,
			UpdatedAt:   now,
		}
	}
	if _, ok := sess.Tenants[sess.ActiveCloudID]; !ok || sess.ActiveCloudID == "" {
		sess.ActiveCloudID = jiraSites[0].ID
	}

	s.resolveIdentity(ctx, sess, accessToken)

	if err := s.sessions.Save(ctx, *sess); err != nil {
		return err
	}

	// First sync is best effort: the user is logged in either way and can
	// hit refresh explicitly.
	if sess.ReporterAccountID != "" {
		if _, err := s.RefreshProjects(ctx, sess, false); err != nil {
			log.Printf("app: initial sync for %s failed: %v", sess.ReporterAccountID, err)
		}
	}
	return nil
}

// resolveIdentity asks Jira who the token belongs to and records the
// reporter account. A failure here leaves the session connected but
// unsynced, which the refresh endpoint reports as reconnect-required.
func (s *Service) resolveIdentity(ctx context.Context, sess *session.Session, accessToken string) {
	client := s.newClient(accessToken, sess.ActiveCloudID)
	defer client.Close()

	me, err := client.Myself(ctx)
	if err != nil {
		log.Printf("app: identity lookup failed: %v", err)
		return
	}
	sess.ReporterAccountID = me.AccountID
	sess.DisplayName = me.DisplayName
	sess.Email = me.EmailAddress

	if _, err := s.store.UpsertUser(ctx, me.AccountID, me.DisplayName, me.EmailAddress, 0); err != nil {
		log.Printf("app: upsert user %s failed: %v", me.AccountID, err)
	}
}

// Logout drops the server-side session.
func (s *Service) Logout(ctx context.Context, sid string) error {
	return s.sessions.Delete(ctx, sid)
}
