package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"dossier/api/internal/metrics"
	"dossier/api/internal/store"
)

// editableRevision loads a revision for a mutation and rejects it when the revision is
// issued or superseded. The database triggers enforce the same rule underneath.
func (s *Service) editableRevision(ctx context.Context, revisionID, operation string) (store.DocumentRevision, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return store.DocumentRevision{}, notFoundOr(err, "Revision", "load revision")
	}
	if rev.Status.Locked() {
		return rev, s.rejectLocked(rev, operation)
	}
	return rev, nil
}

func (s *Service) rejectLocked(rev store.DocumentRevision, operation string) error {
	metrics.ObserveWriteLockRejection(operation)
	s.logger.Info("write rejected by revision lock",
		zap.String("revision_id", rev.ID),
		zap.Int("revision_number", rev.RevisionNumber),
		zap.String("status", string(rev.Status)),
		zap.String("operation", operation),
	)
	return revisionLocked(rev)
}

// storeWriteError maps a failed store mutation. A trigger rejection or a lost status check
// means the revision was locked between the guard and the write.
func (s *Service) storeWriteError(ctx context.Context, rev store.DocumentRevision, operation string, err error) error {
	if errors.Is(err, store.ErrRevisionLocked) || errors.Is(err, store.ErrStatusConflict) {
		current, loadErr := s.store.GetRevision(ctx, rev.ID)
		if loadErr == nil {
			rev = current
		}
		if rev.Status.Locked() || errors.Is(err, store.ErrRevisionLocked) {
			return s.rejectLocked(rev, operation)
		}
		return domainError(http.StatusConflict, CodeConflict, fmt.Sprintf("Revision %d changed while it was being edited", rev.RevisionNumber),
			map[string]any{"revisionNumber": rev.RevisionNumber, "currentStatus": rev.Status, "retryable": true})
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFound("Record")
	}
	return fmt.Errorf("%s: %w", operation, err)
}
