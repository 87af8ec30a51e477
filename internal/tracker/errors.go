package tracker

import (
	"errors"
	"fmt"
)

// ErrCredentialExpired marks a 401 from Jira: the stored token is no longer
// valid and the user has to reconnect. Sync treats it as "skip this tenant".
var ErrCredentialExpired = errors.New("jira token rejected or expired")

// UpstreamError is any other non-2xx answer from Jira, or a transport-level
// failure (Status == 0). Snippet holds at most 300 characters of the
// response body with newlines stripped.
type UpstreamError struct {
	Status  int
	Snippet string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("jira unreachable: %v", e.Err)
	}
	return fmt.Sprintf("jira error %d: %s", e.Status, e.Snippet)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
