package app

import (
	"errors"
	"fmt"
	"net/http"

	"dossier/api/internal/readiness"
	"dossier/api/internal/store"
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

const (
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeValidationBlocked    = "VALIDATION_BLOCKED"
	CodeArtifactLockFailed   = "ARTIFACT_LOCK_FAILED"
	CodeRevisionLocked       = "REVISION_LOCKED"
	CodeSnapshotWriteFailed  = "SNAPSHOT_WRITE_FAILED"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeIssuanceInProgress   = "ISSUANCE_IN_PROGRESS"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeArtifactConflict     = "ARTIFACT_CONFLICT"
	CodeIntegrityViolation   = "INTEGRITY_VIOLATION"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeConflict             = "CONFLICT"
)

func invalidTransition(rev store.DocumentRevision, action Action) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidTransition,
		fmt.Sprintf("Cannot %s revision %d while it is %s", action, rev.RevisionNumber, rev.Status),
		map[string]any{
			"revisionNumber":  rev.RevisionNumber,
			"currentStatus":   rev.Status,
			"requestedAction": action,
			"retryable":       false,
		})
}

func validationBlocked(rev store.DocumentRevision, result readiness.Result) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidationBlocked,
		fmt.Sprintf("Revision %d has %d blocking issue(s)", rev.RevisionNumber, len(result.Blockers)),
		map[string]any{
			"revisionNumber": rev.RevisionNumber,
			"blockers":       result.Blockers,
			"retryable":      false,
		})
}

func revisionLocked(rev store.DocumentRevision) *DomainError {
	return domainError(http.StatusLocked, CodeRevisionLocked,
		fmt.Sprintf("Revision %d is %s and can no longer be changed; create a new revision instead", rev.RevisionNumber, rev.Status),
		map[string]any{
			"revisionNumber": rev.RevisionNumber,
			"currentStatus":  rev.Status,
			"retryable":      false,
		})
}

func artifactLockFailed(rev store.DocumentRevision, err error) *DomainError {
	return domainError(http.StatusServiceUnavailable, CodeArtifactLockFailed,
		fmt.Sprintf("Could not lock the artifact for revision %d; the revision is still approved", rev.RevisionNumber),
		map[string]any{
			"revisionNumber": rev.RevisionNumber,
			"reason":         err.Error(),
			"retryable":      true,
		})
}

func snapshotWriteFailed(rev store.DocumentRevision, err error) *DomainError {
	return domainError(http.StatusServiceUnavailable, CodeSnapshotWriteFailed,
		fmt.Sprintf("Could not record the snapshot for revision %d; the revision is still approved", rev.RevisionNumber),
		map[string]any{
			"revisionNumber": rev.RevisionNumber,
			"reason":         err.Error(),
			"retryable":      true,
		})
}

func confirmationRequired(rev store.DocumentRevision) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeConfirmationRequired,
		fmt.Sprintf("Issuing revision %d is irreversible and must be confirmed", rev.RevisionNumber),
		map[string]any{"revisionNumber": rev.RevisionNumber, "retryable": false})
}

func issuanceInProgress(rev store.DocumentRevision) *DomainError {
	return domainError(http.StatusConflict, CodeIssuanceInProgress,
		fmt.Sprintf("Revision %d is being issued by another request", rev.RevisionNumber),
		map[string]any{"revisionNumber": rev.RevisionNumber, "retryable": true})
}

func artifactConflict(rev store.DocumentRevision, err error) *DomainError {
	return domainError(http.StatusInternalServerError, CodeArtifactConflict,
		fmt.Sprintf("Revision %d is already locked to a different artifact", rev.RevisionNumber),
		map[string]any{"revisionNumber": rev.RevisionNumber, "reason": err.Error(), "retryable": false})
}

func integrityViolation(rev store.DocumentRevision, reason string) *DomainError {
	return domainError(http.StatusInternalServerError, CodeIntegrityViolation,
		fmt.Sprintf("Stored record for revision %d failed an integrity check", rev.RevisionNumber),
		map[string]any{"revisionNumber": rev.RevisionNumber, "reason": reason, "retryable": false})
}

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", map[string]any{"action": action})
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func invalidInput(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeInvalidInput, message, details)
}

// notFoundOr turns store.ErrNotFound into a 404 naming what, and wraps anything else.
func notFoundOr(err error, what, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(what)
	}
	return fmt.Errorf("%s: %w", op, err)
}
