// Package tracker is a thin client for the Atlassian Jira Cloud REST API.
// It normalizes HTTP failures into the error taxonomy the sync core relies
// on and hides the search-endpoint dialect differences between tenants.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxBodySnippet = 300

var searchFields = []string{"summary", "status", "issuetype", "project", "assignee", "updated", "created"}

// Account identifies the authenticated Jira user.
type Account struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type Named struct {
	Name string `json:"name"`
}

type ProjectRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type IssueFields struct {
	Summary   string     `json:"summary"`
	Status    Named      `json:"status"`
	IssueType Named      `json:"issuetype"`
	Project   ProjectRef `json:"project"`
	Assignee  *Named     `json:"assignee"`
	Updated   string     `json:"updated"`
	Created   string     `json:"created"`
}

type Issue struct {
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// SearchResult is one page of a JQL search.
type SearchResult struct {
	Issues        []Issue `json:"issues"`
	Total         int     `json:"total"`
	NextPageToken string  `json:"nextPageToken"`
}

type CommentsPage struct {
	Comments []json.RawMessage `json:"comments"`
	Total    int               `json:"total"`
}

// Client talks to one tenant. It owns its transport; callers must Close it
// once done, including on error paths.
type Client struct {
	accessToken string
	cloudID     string
	baseURL     string
	httpClient  *http.Client
}

// NewClient builds a client for the given tenant credentials.
func NewClient(accessToken, cloudID string) *Client {
	return &Client{
		accessToken: accessToken,
		cloudID:     cloudID,
		baseURL:     fmt.Sprintf("https://api.atlassian.com/ex/jira/%s/rest/api/3", cloudID),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithBaseURL is used by tests to point the client at a fake server.
func NewClientWithBaseURL(accessToken, cloudID, baseURL string) *Client {
	client := NewClient(accessToken, cloudID)
	client.baseURL = strings.TrimRight(baseURL, "/")
	return client
}

// CloudID returns the tenant this client is bound to.
func (c *Client) CloudID() string {
	return c.cloudID
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrCredentialExpired
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{Status: resp.StatusCode, Snippet: bodySnippet(raw)}
	}

	return raw, nil
}

func bodySnippet(raw []byte) string {
	snippet := string(raw)
	if len(snippet) > maxBodySnippet {
		snippet = snippet[:maxBodySnippet]
	}
	return strings.ReplaceAll(snippet, "\n", " ")
}

func clampMaxResults(maxResults int) int {
	if maxResults < 1 {
		return 1
	}
	if maxResults > 50 {
		return 50
	}
	return maxResults
}

// SearchByQuery runs a JQL search. The newer /search/jql endpoint is tried
// first; tenants that answer 404 or 410 for it get one retry against the
// legacy /search endpoint with the same body, and only that outcome is
// surfaced.
func (c *Client) SearchByQuery(ctx context.Context, jql string, maxResults int, pageToken string) (SearchResult, error) {
	body := map[string]any{
		"jql":          jql,
		"maxResults":   clampMaxResults(maxResults),
		"fields":       searchFields,
		"fieldsByKeys": true,
	}
	if pageToken != "" {
		body["nextPageToken"] = pageToken
	}

	raw, err := c.request(ctx, http.MethodPost, "/search/jql", nil, body)
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) && (upstream.Status == http.StatusNotFound || upstream.Status == http.StatusGone) {
			raw, err = c.request(ctx, http.MethodPost, "/search", nil, body)
		}
	}
	if err != nil {
		return SearchResult{}, err
	}

	var result SearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}
	return result, nil
}

// GetIssue fetches one issue, optionally with expansions.
func (c *Client) GetIssue(ctx context.Context, issueKey, expand string) (json.RawMessage, error) {
	var params url.Values
	if expand != "" {
		params = url.Values{"expand": {expand}}
	}
	return c.request(ctx, http.MethodGet, "/issue/"+url.PathEscape(issueKey), params, nil)
}

// GetIssueComments fetches an issue's comments, capped like search.
func (c *Client) GetIssueComments(ctx context.Context, issueKey string, maxResults int) (CommentsPage, error) {
	params := url.Values{"maxResults": {strconv.Itoa(clampMaxResults(maxResults))}}
	raw, err := c.request(ctx, http.MethodGet, "/issue/"+url.PathEscape(issueKey)+"/comment", params, nil)
	if err != nil {
		return CommentsPage{}, err
	}
	var page CommentsPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return CommentsPage{}, fmt.Errorf("decode comments: %w", err)
	}
	return page, nil
}

// Myself returns the account behind the access token.
func (c *Client) Myself(ctx context.Context) (Account, error) {
	raw, err := c.request(ctx, http.MethodGet, "/myself", nil, nil)
	if err != nil {
		return Account{}, err
	}
	var account Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return Account{}, fmt.Errorf("decode myself: %w", err)
	}
	if account.AccountID == "" {
		return Account{}, fmt.Errorf("myself: missing accountId")
	}
	return account, nil
}
