package app

import (
	"errors"
	"fmt"
	"net/http"

	"jiravision/api/internal/projects"
	"jiravision/api/internal/session"
	"jiravision/api/internal/tracker"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, projects.ErrInvalidArgument) {
		return http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil
	}
	if errors.Is(err, projects.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	}
	if errors.Is(err, tracker.ErrCredentialExpired) {
		return http.StatusUnauthorized, "RECONNECT_REQUIRED", "Jira token expired, please reconnect", nil
	}
	var upstream *tracker.UpstreamError
	if errors.As(err, &upstream) {
		detail := map[string]any{"upstreamStatus": upstream.Status}
		if upstream.Snippet != "" {
			detail["snippet"] = upstream.Snippet
		}
		return http.StatusBadGateway, "UPSTREAM_ERROR", "Jira request failed", detail
	}
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
