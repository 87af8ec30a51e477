package projects

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"jiravision/api/internal/config"
	"jiravision/api/internal/tracker"
)

const (
	searchPageSize = 50
	// Pagination guard: 20 pages of 50 issues per tenant is far beyond what
	// one reporter accumulates in open tracked-type issues.
	maxSearchPages = 20
)

// SearchClient is the slice of the tracker client the synchronizer needs.
// *tracker.Client satisfies it; tests substitute fakes.
type SearchClient interface {
	SearchByQuery(ctx context.Context, jql string, maxResults int, pageToken string) (tracker.SearchResult, error)
	Close() error
}

// TenantClient pairs a connected cloud with an authenticated client.
type TenantClient struct {
	CloudID string
	Client  SearchClient
}

// SyncResult partitions the records touched by one pass. Both lists are
// unfiltered: masked projects appear too, callers apply display filtering.
type SyncResult struct {
	Active   []ProjectRecord
	Inactive []ProjectRecord
}

// Synchronizer reconciles the stored project map against the tracker. It
// holds no state across calls: each Sync is a function of the inputs and
// whatever the store currently contains.
type Synchronizer struct {
	store        *Store
	trackedTypes []string
	doneStatuses map[string]struct{}
}

func NewSynchronizer(store *Store, query config.QueryConfig) *Synchronizer {
	done := make(map[string]struct{}, len(query.DoneStatuses))
	for _, status := range query.DoneStatuses {
		done[strings.ToLower(status)] = struct{}{}
	}
	return &Synchronizer{
		store:        store,
		trackedTypes: query.TrackedTypes,
		doneStatuses: done,
	}
}

func (s *Synchronizer) isDone(status string) bool {
	_, ok := s.doneStatuses[strings.ToLower(status)]
	return ok
}

func (s *Synchronizer) reporterJQL(accountID string) string {
	quoted := make([]string, len(s.trackedTypes))
	for i, t := range s.trackedTypes {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return fmt.Sprintf("reporter = %q AND type in (%s)", accountID, strings.Join(quoted, ", "))
}

// bucket aggregates one (cloud, project key) over a pass. A bucket exists
// as soon as the reporter query returned any issue for the project; only
// non-terminal issues count towards openCount.
type bucket struct {
	cloudID     string
	projectKey  string
	projectName string
	openCount   int
	lastIssueAt string
}

// Sync runs one reconciliation pass for the user across the given tenants.
//
// Tenants run sequentially: the queries are independent reads, but one
// in-flight request per sync keeps the failure handling simple and the
// caller already treats refresh as a slow endpoint. A failing tenant is
// skipped, never aborts the others. Store failures do propagate.
func (s *Synchronizer) Sync(ctx context.Context, accountID string, tenants []TenantClient, resetPermanentMasks bool) (SyncResult, error) {
	result := SyncResult{Active: []ProjectRecord{}, Inactive: []ProjectRecord{}}
	if accountID == "" || len(tenants) == 0 {
		return result, nil
	}

	// Permanent masks are cleared before aggregation so the reset records
	// participate in the merge below.
	if resetPermanentMasks {
		records, err := s.store.ListProjects(ctx, accountID)
		if err != nil {
			return SyncResult{}, err
		}
		for _, record := range records {
			if record.MaskType != MaskPermanent {
				continue
			}
			if _, err := s.store.SetProjectMask(ctx, accountID, record.ProjectKey, record.CloudID, MaskNone, 0); err != nil {
				return SyncResult{}, err
			}
		}
	}

	snapshot, err := s.store.ListProjects(ctx, accountID)
	if err != nil {
		return SyncResult{}, err
	}
	existing := make(map[string]ProjectRecord, len(snapshot))
	for _, record := range snapshot {
		existing[record.CompositeID()] = record
	}

	buckets := map[string]*bucket{}
	for _, tenant := range tenants {
		if err := s.collectTenant(ctx, accountID, tenant, buckets); err != nil {
			log.Printf("sync: skipping cloud %s: %v", tenant.CloudID, err)
		}
	}

	found := make(map[string]bool, len(buckets))
	for _, id := range sortedKeys(buckets) {
		b := buckets[id]
		found[id] = true

		isActive := b.openCount > 0
		maskType := MaskNone
		var maskedAt *int64
		if prev, ok := existing[id]; ok {
			maskType = prev.MaskType
			maskedAt = prev.MaskedAt
			// Temporary hides last a single refresh cycle.
			if maskType == MaskTemporary {
				maskType = MaskNone
				maskedAt = nil
			}
		}

		name := b.projectName
		if name == "" {
			name = b.projectKey
		}

		record, err := s.store.UpsertProject(ctx, accountID, UpsertProjectParams{
			ProjectKey:  b.projectKey,
			ProjectName: name,
			Source:      SourceTracker,
			CloudID:     b.cloudID,
			MaskType:    &maskType,
			MaskedAt:    maskedAt,
			IsActive:    &isActive,
			OpenIssues:  &b.openCount,
			LastIssueAt: b.lastIssueAt,
		})
		if err != nil {
			return SyncResult{}, err
		}
		if isActive {
			result.Active = append(result.Active, record)
		} else {
			result.Inactive = append(result.Inactive, record)
		}
	}

	// Tracker projects the reporter query no longer returns go inactive,
	// mask untouched. Manual entries are never flipped by sync.
	for _, record := range snapshot {
		id := record.CompositeID()
		if found[id] || record.Source != SourceTracker {
			continue
		}
		inactive := false
		zero := 0
		maskType := record.MaskType
		updated, err := s.store.UpsertProject(ctx, accountID, UpsertProjectParams{
			ProjectKey:  record.ProjectKey,
			ProjectName: record.ProjectName,
			Source:      SourceTracker,
			CloudID:     record.CloudID,
			MaskType:    &maskType,
			MaskedAt:    record.MaskedAt,
			IsActive:    &inactive,
			OpenIssues:  &zero,
		})
		if err != nil {
			return SyncResult{}, err
		}
		result.Inactive = append(result.Inactive, updated)
	}

	if _, err := s.store.SetLastSyncedAt(ctx, accountID, 0); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func (s *Synchronizer) collectTenant(ctx context.Context, accountID string, tenant TenantClient, buckets map[string]*bucket) error {
	defer func() {
		_ = tenant.Client.Close()
	}()

	jql := s.reporterJQL(accountID)
	pageToken := ""
	for page := 0; page < maxSearchPages; page++ {
		result, err := tenant.Client.SearchByQuery(ctx, jql, searchPageSize, pageToken)
		if err != nil {
			return err
		}
		for _, issue := range result.Issues {
			key := issue.Fields.Project.Key
			if key == "" {
				continue
			}
			id := compositeID(key, tenant.CloudID)
			b := buckets[id]
			if b == nil {
				b = &bucket{
					cloudID:     tenant.CloudID,
					projectKey:  key,
					projectName: issue.Fields.Project.Name,
				}
				buckets[id] = b
			}
			if b.projectName == "" {
				b.projectName = issue.Fields.Project.Name
			}
			if s.isDone(issue.Fields.Status.Name) {
				continue
			}
			b.openCount++
			if issue.Fields.Updated > b.lastIssueAt {
				b.lastIssueAt = issue.Fields.Updated
			}
		}
		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	return nil
}

func sortedKeys(buckets map[string]*bucket) []string {
	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
