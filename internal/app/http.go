package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"dossier/api/internal/auth"
	"dossier/api/internal/metrics"
	"dossier/api/internal/rbac"
	"dossier/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	jwtSecret  []byte
	logger     *zap.Logger
	validate   *validator.Validate
}

func NewHTTPServer(service *Service, corsOrigin string, jwtSecret []byte, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		jwtSecret:  jwtSecret,
		logger:     logger,
		validate:   validator.New(),
	}
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
		ready, checks := s.service.Ready(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case parts[1] == "families" && len(parts) == 2 && r.Method == http.MethodPost:
		s.createFamily(w, r, session)
	case parts[1] == "families" && len(parts) > 2:
		s.handleFamilies(w, r, session, parts[2], parts[3:])
	case parts[1] == "revisions" && len(parts) > 2:
		s.handleRevisions(w, r, session, parts[2], parts[3:])
	case parts[1] == "remediation" && len(parts) > 2:
		s.handleRemediation(w, r, session, parts[2], parts[3:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleFamilies(w http.ResponseWriter, r *http.Request, session Session, familyID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		family, err := s.service.GetFamily(r.Context(), familyID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, family)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteFamily(r.Context(), session, familyID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "revisions" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		revisions, err := s.service.ListRevisions(r.Context(), familyID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})

	case len(rest) == 1 && rest[0] == "revisions" && r.Method == http.MethodPost:
		var body struct {
			Note string `json:"note" validate:"max=2000"`
		}
		if !s.decodeValid(w, r, &body) {
			return
		}
		state, err := s.service.CreateRevision(r.Context(), session, familyID, body.Note)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, state)

	case len(rest) == 1 && rest[0] == "change-summaries" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		summaries, err := s.service.ListChangeSummaries(r.Context(), familyID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changeSummaries": summaries})

	case len(rest) == 2 && rest[0] == "change-summaries" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		number, err := strconv.Atoi(rest[1])
		if err != nil || number < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_REVISION_NUMBER", "Revision number must be a positive integer", nil)
			return
		}
		item, err := s.service.GetChangeSummary(r.Context(), familyID, number)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 1 && rest[0] == "audit" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := s.service.ListAuditEvents(r.Context(), familyID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) createFamily(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateFamilyInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	family, err := s.service.CreateFamily(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, family)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request, session Session, revisionID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		detail, err := s.service.GetRevision(r.Context(), revisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case len(rest) == 0 && r.Method == http.MethodPatch:
		var body UpdateRevisionInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		state, err := s.service.UpdateRevision(r.Context(), session, revisionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteRevision(r.Context(), session, revisionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "transitions" && r.Method == http.MethodPost:
		var body TransitionInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		state, err := s.service.Transition(r.Context(), session, revisionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case len(rest) == 1 && rest[0] == "readiness" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		result, err := s.service.GetReadiness(r.Context(), revisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 1 && rest[0] == "artifact" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		download := r.URL.Query().Get("download") == "1"
		access, err := s.service.FetchArtifact(r.Context(), revisionID, download)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if access.Data != nil {
			writeArtifact(w, access)
			return
		}
		writeJSON(w, http.StatusOK, access)

	case len(rest) == 2 && rest[0] == "artifact" && rest[1] == "verify" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		result, err := s.service.VerifyArtifact(r.Context(), revisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 2 && rest[0] == "modules" && r.Method == http.MethodPut:
		var body SaveModuleInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		module, err := s.service.SaveModule(r.Context(), session, revisionID, rest[1], body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, module)

	case len(rest) == 1 && rest[0] == "remediation" && r.Method == http.MethodGet:
		if !s.canRead(w, session) {
			return
		}
		items, err := s.service.ListRemediationItems(r.Context(), revisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(rest) == 1 && rest[0] == "remediation" && r.Method == http.MethodPost:
		var body RemediationInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		item, err := s.service.AddRemediationItem(r.Context(), session, revisionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRemediation(w http.ResponseWriter, r *http.Request, session Session, itemID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPut:
		var body RemediationInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		item, err := s.service.UpdateRemediationItem(r.Context(), session, itemID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteRemediationItem(r.Context(), session, itemID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		var body CloseRemediationInput
		if !s.decodeValid(w, r, &body) {
			return
		}
		result, err := s.service.CloseRemediationItem(r.Context(), session, itemID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) canRead(w http.ResponseWriter, session Session) bool {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Role:     rbac.Normalize(claims.Role),
	}, true
}

// decodeValid decodes and validates a JSON body, writing the error response itself.
func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]map[string]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				fields = append(fields, map[string]string{"field": fieldErr.Field(), "rule": fieldErr.Tag()})
			}
			writeError(w, http.StatusUnprocessableEntity, CodeInvalidInput, "Request body failed validation", map[string]any{"fields": fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
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

		elapsed := time.Since(started)
		metrics.ObserveHTTPRequest(r.Method, strconv.Itoa(writer.status), elapsed)
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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

func writeArtifact(w http.ResponseWriter, access ArtifactAccess) {
	header := w.Header()
	header.Set("Content-Type", access.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(access.Data)))
	header.Set("X-Artifact-Digest", access.Digest)
	header.Set("X-Artifact-Source", access.Source)
	if access.Filename != "" {
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", access.Filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(access.Data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, store.ErrRevisionLocked) {
		return http.StatusLocked, CodeRevisionLocked, "Revision is locked; create a new revision instead", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "TIMEOUT", "Request timed out", map[string]any{"retryable": true}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
