package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	authorizeURL           = "https://auth.atlassian.com/authorize"
	tokenURL               = "https://auth.atlassian.com/oauth/token"
	accessibleResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
	maxErrorSnippet        = 400
)

// Resource is one site returned by the accessible-resources endpoint.
type Resource struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// Atlassian performs the OAuth authorization-code exchange against
// Atlassian Cloud and resolves which Jira sites a token can reach.
type Atlassian struct {
	oauth  oauth2.Config
	client *http.Client
}

func NewAtlassian(clientID, clientSecret, redirectURI, scopes string) *Atlassian {
	return &Atlassian{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       strings.Fields(scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:  authorizeURL,
				TokenURL: tokenURL,
			},
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthCodeURL builds the authorize redirect for the given state.
func (a *Atlassian) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for an access token.
func (a *Atlassian) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access token")
	}
	return token.AccessToken, nil
}

// AccessibleResources lists the cloud sites the token grants access to.
func (a *Atlassian) AccessibleResources(ctx context.Context, accessToken string) ([]Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accessibleResourcesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build accessible-resources request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("accessible-resources: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		snippet := string(body)
		if len(snippet) > maxErrorSnippet {
			snippet = snippet[:maxErrorSnippet]
		}
		return nil, fmt.Errorf("accessible-resources: status %d: %s", resp.StatusCode, snippet)
	}

	var resources []Resource
	if err := json.Unmarshal(body, &resources); err != nil {
		return nil, fmt.Errorf("decode accessible-resources: %w", err)
	}
	return resources, nil
}

// FilterJiraResources keeps sites that expose Jira scopes and carry both an
// id and a url.
func FilterJiraResources(resources []Resource) []Resource {
	var jira []Resource
	for _, res := range resources {
		if res.ID == "" || res.URL == "" {
			continue
		}
		for _, scope := range res.Scopes {
			if scope == "read:jira-work" || strings.Contains(scope, "jira") {
				jira = append(jira, res)
				break
			}
		}
	}
	return jira
}
