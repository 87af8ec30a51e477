// Package projects owns the per-user project state: the durable store of
// project records with their visibility masks, and the synchronizer that
// reconciles that state against Jira.
package projects

// Source records where a project entry came from. Manual entries are never
// deactivated by sync.
type Source string

const (
	SourceTracker Source = "tracker"
	SourceManual  Source = "manual"
)

func (s Source) Valid() bool {
	return s == SourceTracker || s == SourceManual
}

// MaskType is the user-controlled visibility override. It is independent of
// IsActive: masking filters a project from default listings, it does not
// change its activity.
type MaskType string

const (
	MaskNone      MaskType = "none"
	MaskTemporary MaskType = "temporary"
	MaskPermanent MaskType = "permanent"
)

func (m MaskType) Valid() bool {
	return m == MaskNone || m == MaskTemporary || m == MaskPermanent
}

type UserRecord struct {
	AccountID    string `json:"account_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	LastSyncedAt *int64 `json:"last_synced_at,omitempty"`
}

type ProjectRecord struct {
	ProjectKey  string   `json:"project_key"`
	ProjectName string   `json:"project_name"`
	CloudID     string   `json:"cloud_id,omitempty"`
	Source      Source   `json:"source"`
	IsActive    bool     `json:"is_active"`
	MaskType    MaskType `json:"mask_type"`
	MaskedAt    *int64   `json:"masked_at,omitempty"`
	OpenIssues  int      `json:"open_issues"`
	LastIssueAt string   `json:"last_issue_at,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// CompositeID identifies a record uniquely per user: the same project key
// under two clouds is two distinct records.
func (p ProjectRecord) CompositeID() string {
	return compositeID(p.ProjectKey, p.CloudID)
}

func compositeID(projectKey, cloudID string) string {
	if cloudID == "" {
		cloudID = "default"
	}
	return cloudID + ":" + projectKey
}
