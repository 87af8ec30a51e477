package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jiravision/api/internal/auth"
	"jiravision/api/internal/projects"
	"jiravision/api/internal/session"
)

const sidCookieName = "jv_sid"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ready(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/login" {
		sess, err := s.ensureSession(w, r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not create session", nil)
			return
		}
		redirectURL, err := s.service.BeginLogin(r.Context(), &sess)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/callback" {
		sess, ok := s.sessionFromCookie(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "No session, start login again", nil)
			return
		}
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if err := s.service.CompleteLogin(r.Context(), &sess, code, state); err != nil {
			status, errCode, message, details := mapError(err)
			writeError(w, status, errCode, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sess))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if sess, ok := s.sessionFromCookie(r); ok {
			_ = s.service.Logout(r.Context(), sess.ID)
		}
		s.clearSIDCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		sess, ok := s.sessionFromCookie(r)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sess))
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/active-cloud" {
		var body struct {
			CloudID string `json:"cloudId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if _, exists := sess.Tenants[body.CloudID]; !exists {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("cloud id %q not connected", body.CloudID), nil)
			return
		}
		sess.ActiveCloudID = body.CloudID
		if err := s.service.sessions.Save(r.Context(), sess); err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not save session", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sess))
		return
	}

	if r.URL.Path == "/api/projects" || strings.HasPrefix(r.URL.Path, "/api/projects/") {
		s.handleProjects(w, r, sess)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		jql := strings.TrimSpace(r.URL.Query().Get("jql"))
		cloudID := strings.TrimSpace(r.URL.Query().Get("cloudId"))
		pageToken := strings.TrimSpace(r.URL.Query().Get("pageToken"))
		maxResults, ok := intQuery(w, r, "maxResults", 50)
		if !ok {
			return
		}
		payload, err := s.service.Search(r.Context(), &sess, jql, cloudID, maxResults, pageToken)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "issues" {
		issueKey := parts[2]
		cloudID := strings.TrimSpace(r.URL.Query().Get("cloudId"))

		if len(parts) == 3 && r.Method == http.MethodGet {
			issue, err := s.service.GetIssue(r.Context(), &sess, issueKey, cloudID, r.URL.Query().Get("expand"))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, issue)
			return
		}

		if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodGet {
			maxResults, ok := intQuery(w, r, "maxResults", 50)
			if !ok {
				return
			}
			page, err := s.service.GetIssueComments(r.Context(), &sess, issueKey, cloudID, maxResults)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, page)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, sess session.Session) {
	if sess.ReporterAccountID == "" {
		writeError(w, http.StatusUnauthorized, "RECONNECT_REQUIRED", "No Jira account linked, please reconnect", nil)
		return
	}
	accountID := sess.ReporterAccountID

	if r.Method == http.MethodGet && r.URL.Path == "/api/projects" {
		includeMasked := r.URL.Query().Get("all") == "true"
		view, err := s.service.ListProjects(r.Context(), accountID, includeMasked)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		var body struct {
			Key     string `json:"key"`
			Name    string `json:"name"`
			CloudID string `json:"cloudId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.AddManualProject(r.Context(), accountID, strings.TrimSpace(body.Key), strings.TrimSpace(body.Name), strings.TrimSpace(body.CloudID))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": record})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects/refresh" {
		var body struct {
			ResetPermanentMasks bool `json:"resetPermanentMasks"`
		}
		_ = decodeBody(r, &body)
		view, err := s.service.RefreshProjects(r.Context(), &sess, body.ResetPermanentMasks)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[1] == "projects" && parts[3] == "mask" && r.Method == http.MethodPost {
		projectKey := parts[2]
		var body struct {
			MaskType string `json:"maskType"`
			CloudID  string `json:"cloudId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.MaskProject(r.Context(), accountID, projectKey, strings.TrimSpace(body.CloudID), projects.MaskType(body.MaskType))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": record})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func sessionPayload(sess session.Session) map[string]any {
	tenants := make([]map[string]any, 0, len(sess.Tenants))
	for id := range sess.Tenants {
		tenants = append(tenants, map[string]any{
			"cloudId": id,
			"siteUrl": sess.Tenants[id].SiteURL,
			"name":    sess.Tenants[id].Name,
		})
	}
	return map[string]any{
		"authenticated": sess.Connected(),
		"accountId":     sess.ReporterAccountID,
		"displayName":   sess.DisplayName,
		"email":         sess.Email,
		"activeCloudId": sess.ActiveCloudID,
		"tenants":       tenants,
	}
}

// sessionFromCookie resolves the signed sid cookie to a stored session.
func (s *HTTPServer) sessionFromCookie(r *http.Request) (session.Session, bool) {
	cookie, err := r.Cookie(sidCookieName)
	if err != nil {
		return session.Session{}, false
	}
	sid, err := auth.VerifyValue([]byte(s.service.cfg.SecretKey), cookie.Value)
	if err != nil {
		return session.Session{}, false
	}
	sess, err := s.service.sessions.Get(r.Context(), sid)
	if err != nil {
		return session.Session{}, false
	}
	return sess, true
}

// ensureSession returns the caller's session, creating one and setting the
// sid cookie when none exists yet.
func (s *HTTPServer) ensureSession(w http.ResponseWriter, r *http.Request) (session.Session, error) {
	if sess, ok := s.sessionFromCookie(r); ok {
		return sess, nil
	}
	sess, err := s.service.sessions.Create(r.Context())
	if err != nil {
		return session.Session{}, err
	}
	s.setSIDCookie(w, sess.ID)
	return sess, nil
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, ok := s.sessionFromCookie(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return session.Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) setSIDCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    auth.SignValue([]byte(s.service.cfg.SecretKey), sid),
		Path:     "/",
		MaxAge:   int(s.service.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.service.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) clearSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.service.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func intQuery(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
