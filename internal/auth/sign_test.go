package auth

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	signed := SignValue(secret, "sid-123")

	value, err := VerifyValue(secret, signed)
	if err != nil {
		t.Fatalf("VerifyValue failed: %v", err)
	}
	if value != "sid-123" {
		t.Errorf("expected sid-123, got %q", value)
	}
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	secret := []byte("test-secret")
	signed := SignValue(secret, "sid-123")

	parts := strings.Split(signed, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := VerifyValue(secret, tampered); err == nil {
		t.Error("expected error for tampered payload")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed := SignValue([]byte("secret-a"), "sid-123")
	if _, err := VerifyValue([]byte("secret-b"), signed); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "nodot", "a.b.c"} {
		if _, err := VerifyValue([]byte("secret"), raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestFilterJiraResources(t *testing.T) {
	resources := []Resource{
		{ID: "c1", URL: "https://one.atlassian.net", Scopes: []string{"read:jira-work"}},
		{ID: "c2", URL: "https://two.atlassian.net", Scopes: []string{"read:confluence-content"}},
		{ID: "", URL: "https://three.atlassian.net", Scopes: []string{"read:jira-work"}},
		{ID: "c4", URL: "https://four.atlassian.net", Scopes: []string{"manage:jira-project"}},
	}

	jira := FilterJiraResources(resources)
	if len(jira) != 2 {
		t.Fatalf("expected 2 jira resources, got %d", len(jira))
	}
	if jira[0].ID != "c1" || jira[1].ID != "c4" {
		t.Errorf("unexpected resources: %+v", jira)
	}
}
