package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"jiravision/api/internal/kv"
)

var (
	// ErrNotFound is returned when a user or project key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for values outside the enumerated
	// domains (source, mask type). Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store persists one profile record and one project map per user as JSON
// blobs in the kv store. No TTL: unlike sessions, project state survives
// logout. All writes are last-writer-wins; callers are expected to run at
// most one sync per user at a time.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func userKey(accountID string) string {
	return "user:" + accountID
}

func projectsKey(accountID string) string {
	return "projects:" + accountID
}

func nowOr(now int64) int64 {
	if now != 0 {
		return now
	}
	return time.Now().Unix()
}

func (s *Store) GetUser(ctx context.Context, accountID string) (UserRecord, error) {
	raw, err := s.kv.Get(ctx, userKey(accountID))
	if errors.Is(err, kv.ErrNotFound) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("load user %s: %w", accountID, err)
	}
	var user UserRecord
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return UserRecord{}, fmt.Errorf("decode user %s: %w", accountID, err)
	}
	return user, nil
}

// UpsertUser creates or refreshes the profile record. Empty displayName and
// email leave the stored values untouched; created_at is set once.
func (s *Store) UpsertUser(ctx context.Context, accountID, displayName, email string, now int64) (UserRecord, error) {
	if accountID == "" {
		return UserRecord{}, fmt.Errorf("%w: empty account id", ErrInvalidArgument)
	}
	ts := nowOr(now)
	user, err := s.GetUser(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		user = UserRecord{AccountID: accountID, CreatedAt: ts}
	} else if err != nil {
		return UserRecord{}, err
	}

	if displayName != "" {
		user.DisplayName = displayName
	}
	if email != "" {
		user.Email = email
	}
	user.UpdatedAt = ts

	if err := s.saveUser(ctx, user); err != nil {
		return UserRecord{}, err
	}
	return user, nil
}

// SetLastSyncedAt stamps a completed sync, creating the user record if the
// sync ran before any profile touch.
func (s *Store) SetLastSyncedAt(ctx context.Context, accountID string, now int64) (UserRecord, error) {
	ts := nowOr(now)
	user, err := s.GetUser(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		user = UserRecord{AccountID: accountID, CreatedAt: ts}
	} else if err != nil {
		return UserRecord{}, err
	}

	user.LastSyncedAt = &ts
	user.UpdatedAt = ts

	if err := s.saveUser(ctx, user); err != nil {
		return UserRecord{}, err
	}
	return user, nil
}

func (s *Store) saveUser(ctx context.Context, user UserRecord) error {
	payload, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.kv.Set(ctx, userKey(user.AccountID), string(payload), 0); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) loadProjects(ctx context.Context, accountID string) (map[string]ProjectRecord, error) {
	raw, err := s.kv.Get(ctx, projectsKey(accountID))
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]ProjectRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load projects %s: %w", accountID, err)
	}
	projects := map[string]ProjectRecord{}
	if err := json.Unmarshal([]byte(raw), &projects); err != nil {
		return nil, fmt.Errorf("decode projects %s: %w", accountID, err)
	}
	return projects, nil
}

func (s *Store) saveProjects(ctx context.Context, accountID string, projects map[string]ProjectRecord) error {
	payload, err := json.Marshal(projects)
	if err != nil {
		return fmt.Errorf("encode projects: %w", err)
	}
	if err := s.kv.Set(ctx, projectsKey(accountID), string(payload), 0); err != nil {
		return fmt.Errorf("save projects: %w", err)
	}
	return nil
}

// ListProjects returns every record for the user, masked or not, sorted by
// (project_key, cloud_id) so listings stay stable across calls.
func (s *Store) ListProjects(ctx context.Context, accountID string) ([]ProjectRecord, error) {
	projects, err := s.loadProjects(ctx, accountID)
	if err != nil {
		return nil, err
	}
	records := make([]ProjectRecord, 0, len(projects))
	for _, record := range projects {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ProjectKey != records[j].ProjectKey {
			return records[i].ProjectKey < records[j].ProjectKey
		}
		return records[i].CloudID < records[j].CloudID
	})
	return records, nil
}

// UpsertProjectParams carries one upsert. Nil optional fields leave the
// stored value alone on merge; whether to preserve or overwrite mask state
// is the caller's policy, not a store default.
type UpsertProjectParams struct {
	ProjectKey  string
	ProjectName string
	Source      Source
	CloudID     string
	MaskType    *MaskType
	MaskedAt    *int64
	IsActive    *bool
	OpenIssues  *int
	LastIssueAt string
	Now         int64
}

func (s *Store) UpsertProject(ctx context.Context, accountID string, params UpsertProjectParams) (ProjectRecord, error) {
	if params.ProjectKey == "" {
		return ProjectRecord{}, fmt.Errorf("%w: empty project key", ErrInvalidArgument)
	}
	if !params.Source.Valid() {
		return ProjectRecord{}, fmt.Errorf("%w: source %q", ErrInvalidArgument, params.Source)
	}
	if params.MaskType != nil && !params.MaskType.Valid() {
		return ProjectRecord{}, fmt.Errorf("%w: mask type %q", ErrInvalidArgument, *params.MaskType)
	}

	ts := nowOr(params.Now)
	projects, err := s.loadProjects(ctx, accountID)
	if err != nil {
		return ProjectRecord{}, err
	}

	id := compositeID(params.ProjectKey, params.CloudID)
	record, exists := projects[id]
	if !exists {
		record = ProjectRecord{
			ProjectKey: params.ProjectKey,
			CloudID:    params.CloudID,
			IsActive:   true,
			MaskType:   MaskNone,
			CreatedAt:  ts,
		}
	}

	record.ProjectName = params.ProjectName
	record.Source = params.Source
	record.UpdatedAt = ts

	if params.IsActive != nil {
		record.IsActive = *params.IsActive
	}
	if params.OpenIssues != nil {
		record.OpenIssues = *params.OpenIssues
	}
	if params.LastIssueAt != "" {
		record.LastIssueAt = params.LastIssueAt
	}

	if params.MaskType != nil {
		if *params.MaskType == MaskNone {
			record.MaskType = MaskNone
			record.MaskedAt = nil
		} else {
			record.MaskType = *params.MaskType
			if params.MaskedAt != nil {
				record.MaskedAt = params.MaskedAt
			} else {
				record.MaskedAt = &ts
			}
		}
	}

	projects[id] = record
	if err := s.saveProjects(ctx, accountID, projects); err != nil {
		return ProjectRecord{}, err
	}
	return record, nil
}

// SetProjectMask transitions the visibility mask. Setting none clears
// masked_at; temporary and permanent stamp it with now. Remasking an
// already-masked project refreshes the timestamp.
func (s *Store) SetProjectMask(ctx context.Context, accountID, projectKey, cloudID string, mask MaskType, now int64) (ProjectRecord, error) {
	if !mask.Valid() {
		return ProjectRecord{}, fmt.Errorf("%w: mask type %q", ErrInvalidArgument, mask)
	}

	projects, err := s.loadProjects(ctx, accountID)
	if err != nil {
		return ProjectRecord{}, err
	}

	id := compositeID(projectKey, cloudID)
	record, exists := projects[id]
	if !exists {
		return ProjectRecord{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}

	ts := nowOr(now)
	if mask == MaskNone {
		record.MaskType = MaskNone
		record.MaskedAt = nil
	} else {
		record.MaskType = mask
		record.MaskedAt = &ts
	}
	record.UpdatedAt = ts

	projects[id] = record
	if err := s.saveProjects(ctx, accountID, projects); err != nil {
		return ProjectRecord{}, err
	}
	return record, nil
}
