package projects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jiravision/api/internal/config"
	"jiravision/api/internal/kv"
	"jiravision/api/internal/tracker"
)

// fakeSearchClient replays canned pages and records lifecycle calls.
type fakeSearchClient struct {
	pages    []tracker.SearchResult
	err      error
	calls    int
	closed   bool
	lastJQL  string
	pageToks []string
}

func (f *fakeSearchClient) SearchByQuery(ctx context.Context, jql string, maxResults int, pageToken string) (tracker.SearchResult, error) {
	f.lastJQL = jql
	f.pageToks = append(f.pageToks, pageToken)
	if f.err != nil {
		return tracker.SearchResult{}, f.err
	}
	if f.calls >= len(f.pages) {
		return tracker.SearchResult{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeSearchClient) Close() error {
	f.closed = true
	return nil
}

func issue(projectKey, projectName, status, updated string) tracker.Issue {
	return tracker.Issue{
		Key: projectKey + "-1",
		Fields: tracker.IssueFields{
			Status:  tracker.Named{Name: status},
			Project: tracker.ProjectRef{Key: projectKey, Name: projectName},
			Updated: updated,
		},
	}
}

func newTestSync(t *testing.T) (*Synchronizer, *Store) {
	t.Helper()
	store := NewStore(kv.NewMemory())
	return NewSynchronizer(store, config.DefaultQueryConfig()), store
}

func TestSyncNoTenantsIsNoOp(t *testing.T) {
	sync, store := newTestSync(t)
	ctx := context.Background()

	result, err := sync.Sync(ctx, "u1", nil, false)
	require.NoError(t, err)
	assert.Empty(t, result.Active)
	assert.Empty(t, result.Inactive)

	_, err = store.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound, "no store writes for a no-op sync")
}

func TestSyncEmptyAccountIsNoOp(t *testing.T) {
	sync, _ := newTestSync(t)
	client := &fakeSearchClient{}

	result, err := sync.Sync(context.Background(), "", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)
	assert.Empty(t, result.Active)
	assert.Empty(t, result.Inactive)
	assert.Equal(t, 0, client.calls, "no queries issued")
}

func TestSyncActiveProject(t *testing.T) {
	sync, store := newTestSync(t)
	ctx := context.Background()

	client := &fakeSearchClient{pages: []tracker.SearchResult{{
		Issues: []tracker.Issue{
			issue("B", "Beta", "In Progress", "2024-01-16T10:00:00Z"),
			issue("B", "Beta", "To Do", "2024-01-10T08:00:00Z"),
		},
	}}}

	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)
	require.Len(t, result.Active, 1)
	assert.Empty(t, result.Inactive)

	record := result.Active[0]
	assert.Equal(t, "B", record.ProjectKey)
	assert.Equal(t, "Beta", record.ProjectName)
	assert.Equal(t, "c1", record.CloudID)
	assert.Equal(t, SourceTracker, record.Source)
	assert.True(t, record.IsActive)
	assert.Equal(t, 2, record.OpenIssues)
	assert.Equal(t, "2024-01-16T10:00:00Z", record.LastIssueAt)

	assert.True(t, client.closed, "tenant client released")
	assert.Contains(t, client.lastJQL, `reporter = "u1"`)
	assert.Contains(t, client.lastJQL, `"Étude"`)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, user.LastSyncedAt)
}

func TestSyncScenarioMaskReconciliation(t *testing.T) {
	// Stored: A temporarily masked, B permanently masked at 123. The pass
	// sees A only through terminal-status issues and B through one open
	// issue.
	sync, store := newTestSync(t)
	ctx := context.Background()

	_, err := store.UpsertProject(ctx, "u1", UpsertProjectParams{
		ProjectKey: "A", ProjectName: "Alpha", Source: SourceTracker, CloudID: "c1",
		MaskType: maskPtr(MaskTemporary), Now: 50,
	})
	require.NoError(t, err)
	_, err = store.UpsertProject(ctx, "u1", UpsertProjectParams{
		ProjectKey: "B", ProjectName: "Beta", Source: SourceTracker, CloudID: "c1",
		MaskType: maskPtr(MaskPermanent), MaskedAt: int64Ptr(123), Now: 50,
	})
	require.NoError(t, err)

	client := &fakeSearchClient{pages: []tracker.SearchResult{{
		Issues: []tracker.Issue{
			issue("A", "Alpha", "Done", "2024-01-15T09:00:00Z"),
			issue("B", "Beta", "In Progress", "2024-01-16T10:00:00Z"),
		},
	}}}

	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)

	require.Len(t, result.Inactive, 1)
	inactive := result.Inactive[0]
	assert.Equal(t, "A", inactive.ProjectKey)
	assert.False(t, inactive.IsActive)
	assert.Equal(t, MaskNone, inactive.MaskType, "temporary mask is single-shot")
	assert.Nil(t, inactive.MaskedAt)

	require.Len(t, result.Active, 1)
	active := result.Active[0]
	assert.Equal(t, "B", active.ProjectKey)
	assert.True(t, active.IsActive)
	assert.Equal(t, MaskPermanent, active.MaskType, "permanent mask survives sync")
	require.NotNil(t, active.MaskedAt)
	assert.Equal(t, int64(123), *active.MaskedAt, "hide timestamp unchanged")
}

func TestSyncDisappearedTrackerProjectGoesInactive(t *testing.T) {
	sync, store := newTestSync(t)
	ctx := context.Background()

	_, err := store.UpsertProject(ctx, "u1", UpsertProjectParams{
		ProjectKey: "OLD", ProjectName: "Old", Source: SourceTracker, CloudID: "c1",
		MaskType: maskPtr(MaskPermanent), MaskedAt: int64Ptr(99), IsActive: boolPtr(true),
	})
	require.NoError(t, err)

	client := &fakeSearchClient{pages: []tracker.SearchResult{{}}}
	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)

	require.Len(t, result.Inactive, 1)
	record := result.Inactive[0]
	assert.Equal(t, "OLD", record.ProjectKey)
	assert.False(t, record.IsActive)
	assert.Equal(t, MaskPermanent, record.MaskType, "mask preserved for unobserved projects")
	require.NotNil(t, record.MaskedAt)
	assert.Equal(t, int64(99), *record.MaskedAt)
}

func TestSyncManualProjectsAreImmune(t *testing.T) {
	sync, store := newTestSync(t)
	ctx := context.Background()

	_, err := store.UpsertProject(ctx, "u1", UpsertProjectParams{
		ProjectKey: "MINE", ProjectName: "Mine", Source: SourceManual,
	})
	require.NoError(t, err)

	client := &fakeSearchClient{pages: []tracker.SearchResult{{}}}
	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)
	assert.Empty(t, result.Inactive, "manual entries never flipped inactive")

	records, err := store.ListProjects(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsActive)
}

func TestSyncResetPermanentMasks(t *testing.T) {
	sync, store := newTestSync(t)
	ctx := context.Background()

	_, err := store.UpsertProject(ctx, "u1", UpsertProjectParams{
		ProjectKey: "D", ProjectName: "Delta", Source: SourceTracker, CloudID: "c1",
		MaskType: maskPtr(MaskPermanent), MaskedAt: int64Ptr(123),
	})
	require.NoError(t, err)

	client := &fakeSearchClient{pages: []tracker.SearchResult{{}}}
	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, true)
	require.NoError(t, err)

	require.Len(t, result.Inactive, 1)
	record := result.Inactive[0]
	assert.Equal(t, "D", record.ProjectKey)
	assert.False(t, record.IsActive)
	assert.Equal(t, MaskNone, record.MaskType, "permanent mask cleared by explicit reset")
	assert.Nil(t, record.MaskedAt)
}

func TestSyncFailingTenantIsSkipped(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	bad := &fakeSearchClient{err: tracker.ErrCredentialExpired}
	good := &fakeSearchClient{pages: []tracker.SearchResult{{
		Issues: []tracker.Issue{issue("B", "Beta", "In Progress", "")},
	}}}

	result, err := sync.Sync(ctx, "u1", []TenantClient{
		{CloudID: "c1", Client: bad},
		{CloudID: "c2", Client: good},
	}, false)
	require.NoError(t, err, "one bad tenant does not abort the sync")
	require.Len(t, result.Active, 1)
	assert.Equal(t, "c2", result.Active[0].CloudID)
	assert.True(t, bad.closed, "client released on the error path too")
	assert.True(t, good.closed)
}

func TestSyncAllTenantsFailingStillCompletes(t *testing.T) {
	sync, store := newTestSync(t)
	ctx := context.Background()

	bad := &fakeSearchClient{err: &tracker.UpstreamError{Status: 503, Snippet: "down"}}
	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: bad}}, false)
	require.NoError(t, err)
	assert.Empty(t, result.Active)
	assert.Empty(t, result.Inactive)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, user.LastSyncedAt, "sync completion still stamped")
}

func TestSyncSameKeyAcrossTenantsStaysDistinct(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	one := &fakeSearchClient{pages: []tracker.SearchResult{{
		Issues: []tracker.Issue{issue("PROJ", "One", "In Progress", "")},
	}}}
	two := &fakeSearchClient{pages: []tracker.SearchResult{{
		Issues: []tracker.Issue{issue("PROJ", "Two", "In Progress", "")},
	}}}

	result, err := sync.Sync(ctx, "u1", []TenantClient{
		{CloudID: "c1", Client: one},
		{CloudID: "c2", Client: two},
	}, false)
	require.NoError(t, err)
	require.Len(t, result.Active, 2, "no cross-tenant merge")
}

func TestSyncPagination(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	client := &fakeSearchClient{pages: []tracker.SearchResult{
		{
			Issues:        []tracker.Issue{issue("A", "Alpha", "In Progress", "")},
			NextPageToken: "page-2",
		},
		{
			Issues: []tracker.Issue{issue("A", "Alpha", "To Do", "")},
		},
	}}

	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)
	require.Len(t, result.Active, 1)
	assert.Equal(t, 2, result.Active[0].OpenIssues, "issues aggregated across pages")
	assert.Equal(t, []string{"", "page-2"}, client.pageToks)
}

func TestSyncIdempotent(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	pages := func() []tracker.SearchResult {
		return []tracker.SearchResult{{
			Issues: []tracker.Issue{
				issue("A", "Alpha", "In Progress", "2024-01-16T10:00:00Z"),
				issue("B", "Beta", "Done", "2024-01-15T09:00:00Z"),
			},
		}}
	}

	first, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: &fakeSearchClient{pages: pages()}}}, false)
	require.NoError(t, err)
	second, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: &fakeSearchClient{pages: pages()}}}, false)
	require.NoError(t, err)

	normalize := func(records []ProjectRecord) []ProjectRecord {
		out := make([]ProjectRecord, len(records))
		for i, r := range records {
			r.CreatedAt = 0
			r.UpdatedAt = 0
			out[i] = r
		}
		return out
	}
	assert.Equal(t, normalize(first.Active), normalize(second.Active))
	assert.Equal(t, normalize(first.Inactive), normalize(second.Inactive))
}

func TestSyncStatusSetIsConfigurable(t *testing.T) {
	store := NewStore(kv.NewMemory())
	sync := NewSynchronizer(store, config.QueryConfig{
		TrackedTypes: []string{"Story"},
		DoneStatuses: []string{"Abandonné"},
	})
	ctx := context.Background()

	client := &fakeSearchClient{pages: []tracker.SearchResult{{
		Issues: []tracker.Issue{
			issue("A", "Alpha", "Abandonné", ""),
			issue("B", "Beta", "Done", ""),
		},
	}}}

	result, err := sync.Sync(ctx, "u1", []TenantClient{{CloudID: "c1", Client: client}}, false)
	require.NoError(t, err)
	require.Len(t, result.Active, 1, "Done is open under the custom status set")
	assert.Equal(t, "B", result.Active[0].ProjectKey)
	require.Len(t, result.Inactive, 1)
	assert.Equal(t, "A", result.Inactive[0].ProjectKey)
}
