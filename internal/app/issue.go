package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"dossier/api/internal/artifact"
	"dossier/api/internal/lock"
	"dossier/api/internal/metrics"
	"dossier/api/internal/readiness"
	"dossier/api/internal/snapshot"
	"dossier/api/internal/store"
	"dossier/api/internal/util"
)

// issue runs approved → issued. The artifact and the snapshot are written and verified
// before the status flips; any failure before that leaves the revision approved.
func (s *Service) issue(ctx context.Context, session Session, rev store.DocumentRevision, input TransitionInput) (RevisionState, error) {
	if !input.Confirm {
		return RevisionState{}, confirmationRequired(rev)
	}
	result, err := s.readinessOf(ctx, rev)
	if err != nil {
		return RevisionState{}, err
	}
	if !result.Ready {
		return RevisionState{}, validationBlocked(rev, result)
	}

	// duplicate requests in this process share one attempt
	value, err, _ := s.issuing.Do(rev.ID, func() (any, error) {
		return s.issueOnce(ctx, session, rev.ID, input.Note)
	})
	if err != nil {
		return RevisionState{}, err
	}
	return value.(RevisionState), nil
}

func (s *Service) issueOnce(ctx context.Context, session Session, revisionID, note string) (RevisionState, error) {
	started := s.now()
	state, err := s.issueLocked(ctx, session, revisionID, note)
	metrics.ObserveIssuance(resultCode(err), s.now().Sub(started))
	return state, err
}

func (s *Service) issueLocked(ctx context.Context, session Session, revisionID, note string) (RevisionState, error) {
	lease, err := s.locks.Acquire(ctx, "issue:"+revisionID, s.cfg.IssueTimeout+10*time.Second)
	if err != nil {
		rev, loadErr := s.store.GetRevision(ctx, revisionID)
		if loadErr != nil {
			return RevisionState{}, fmt.Errorf("reload revision: %w", loadErr)
		}
		if rev.Status == store.StatusIssued {
			return s.revisionState(rev), nil
		}
		if errors.Is(err, lock.ErrHeld) {
			return RevisionState{}, issuanceInProgress(rev)
		}
		return RevisionState{}, fmt.Errorf("acquire issuance lock: %w", err)
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			s.logger.Warn("issuance lock not released", zap.String("revision_id", revisionID), zap.Error(err))
		}
	}()

	// the status may have moved while this request waited for the lease
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return RevisionState{}, notFoundOr(err, "Revision", "reload revision")
	}
	switch rev.Status {
	case store.StatusIssued:
		return s.revisionState(rev), nil
	case store.StatusApproved:
	default:
		return RevisionState{}, invalidTransition(rev, ActionIssue)
	}

	family, err := s.store.GetFamily(ctx, rev.FamilyID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("load family: %w", err)
	}
	modules, err := s.store.ListModules(ctx, rev.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("load modules: %w", err)
	}
	items, err := s.store.ListRemediationItems(ctx, rev.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("load remediation items: %w", err)
	}
	// approved content is still editable, so the captured content is validated again
	if result := s.validateContent(family, rev, modules, items); !result.Ready {
		return RevisionState{}, validationBlocked(rev, result)
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	payload, err := snapshot.Capture(family, rev, modules, items, session.UserName, issuedAt)
	if err != nil {
		return RevisionState{}, snapshotWriteFailed(rev, err)
	}
	encoded, checksum, err := snapshot.Encode(payload)
	if err != nil {
		return RevisionState{}, snapshotWriteFailed(rev, err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, s.cfg.IssueTimeout)
	defer cancel()
	output, err := s.renderer.Render(renderCtx, payload)
	if err != nil {
		s.logger.Warn("render failed", zap.String("revision_id", rev.ID), zap.Error(err))
		return RevisionState{}, artifactLockFailed(rev, timeoutReason(renderCtx, err, s.cfg.IssueTimeout))
	}
	locked, err := s.lockWithRetry(renderCtx, rev, output.Data, output.ContentType)
	if err != nil {
		if errors.Is(err, artifact.ErrConflict) {
			return s.afterLostRace(ctx, rev, err)
		}
		s.logger.Warn("artifact lock failed", zap.String("revision_id", rev.ID), zap.Error(err))
		return RevisionState{}, artifactLockFailed(rev, timeoutReason(renderCtx, err, s.cfg.IssueTimeout))
	}

	err = s.store.FinalizeIssuance(ctx, store.Issuance{
		RevisionID:     rev.ID,
		FamilyID:       rev.FamilyID,
		RevisionNumber: rev.RevisionNumber,
		IssuedBy:       session.UserName,
		IssuedAt:       issuedAt,
		Snapshot: store.Snapshot{
			ID:             util.NewID("snap"),
			FamilyID:       rev.FamilyID,
			RevisionID:     rev.ID,
			RevisionNumber: rev.RevisionNumber,
			CapturedAt:     issuedAt,
			Digest:         checksum,
			Payload:        encoded,
		},
		ArtifactDigest:  locked.Digest,
		ContentChecksum: checksum,
		Audit: store.AuditEvent{
			FamilyID:   rev.FamilyID,
			RevisionID: rev.ID,
			EventType:  "revision.issue",
			ActorName:  session.UserName,
			FromStatus: string(store.StatusApproved),
			ToStatus:   string(store.StatusIssued),
			Payload: map[string]any{
				"note":            note,
				"artifactDigest":  locked.Digest,
				"artifactLocator": locked.Locator,
				"snapshotDigest":  checksum,
			},
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrDigestMismatch) {
			return s.afterLostRace(ctx, rev, err)
		}
		s.logger.Warn("issuance not committed", zap.String("revision_id", rev.ID), zap.Error(err))
		return RevisionState{}, snapshotWriteFailed(rev, err)
	}

	// committed: nothing below may cancel or undo the issue
	ctx = context.WithoutCancel(ctx)
	issued, err := s.verifyIssued(ctx, rev.ID, checksum)
	if err != nil {
		s.logger.Error("issued revision failed verification", zap.String("revision_id", rev.ID), zap.Error(err))
		return RevisionState{}, err
	}
	s.logger.Info("revision issued",
		zap.String("revision_id", rev.ID),
		zap.String("family_id", rev.FamilyID),
		zap.Int("revision_number", rev.RevisionNumber),
		zap.String("artifact_digest", locked.Digest),
		zap.String("snapshot_digest", checksum),
		zap.Duration("duration", s.now().Sub(issuedAt)),
	)
	s.recordChangeSummary(ctx, payload, session.UserName)
	return s.revisionState(issued), nil
}

// afterLostRace settles an issue attempt whose artifact or status was changed by another
// issuer. A revision that has been issued is returned as is; one that is still approved is
// being issued elsewhere.
func (s *Service) afterLostRace(ctx context.Context, rev store.DocumentRevision, cause error) (RevisionState, error) {
	current, err := s.store.GetRevision(ctx, rev.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("reload revision: %w", err)
	}
	switch {
	case current.Status.Locked():
		s.logger.Info("revision issued by a concurrent request",
			zap.String("revision_id", rev.ID),
			zap.String("status", string(current.Status)),
			zap.NamedError("cause", cause),
		)
		return s.revisionState(current), nil
	case current.Status == store.StatusApproved:
		s.logger.Warn("concurrent issuance replaced this attempt's artifact", zap.String("revision_id", rev.ID), zap.Error(cause))
		return RevisionState{}, issuanceInProgress(current)
	default:
		return RevisionState{}, invalidTransition(current, ActionIssue)
	}
}

// lockWithRetry retries transient artifact failures with exponential backoff. A conflict is
// never retried.
func (s *Service) lockWithRetry(ctx context.Context, rev store.DocumentRevision, data []byte, contentType string) (store.LockedArtifact, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(s.cfg.ArtifactLockRetries, 0))), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (store.LockedArtifact, error) {
		attempt++
		locked, err := s.artifacts.LockArtifact(ctx, rev.ID, data, contentType)
		if errors.Is(err, artifact.ErrConflict) {
			return store.LockedArtifact{}, backoff.Permanent(err)
		}
		if err != nil && attempt <= s.cfg.ArtifactLockRetries {
			s.logger.Info("retrying artifact lock", zap.String("revision_id", rev.ID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return locked, err
	}, retries)
}

// verifyIssued re-reads what the commit wrote: status issued, an artifact record and a
// snapshot with the expected digest.
func (s *Service) verifyIssued(ctx context.Context, revisionID, checksum string) (store.DocumentRevision, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return store.DocumentRevision{}, fmt.Errorf("re-read issued revision: %w", err)
	}
	if rev.Status != store.StatusIssued {
		return rev, integrityViolation(rev, "status is "+string(rev.Status)+" after commit")
	}
	if rev.Artifact == nil {
		return rev, integrityViolation(rev, "issued without a locked artifact")
	}
	snap, err := s.store.GetSnapshot(ctx, revisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rev, integrityViolation(rev, "issued without a snapshot")
		}
		return rev, fmt.Errorf("re-read snapshot: %w", err)
	}
	if snap.Digest != checksum || snapshot.Digest(snap.Payload) != checksum {
		return rev, integrityViolation(rev, "snapshot digest does not match the captured content")
	}
	return rev, nil
}

func timeoutReason(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return err
}

// readinessOf evaluates the current content of rev.
func (s *Service) readinessOf(ctx context.Context, rev store.DocumentRevision) (readiness.Result, error) {
	family, err := s.store.GetFamily(ctx, rev.FamilyID)
	if err != nil {
		return readiness.Result{}, fmt.Errorf("load family: %w", err)
	}
	modules, err := s.store.ListModules(ctx, rev.ID)
	if err != nil {
		return readiness.Result{}, fmt.Errorf("load modules: %w", err)
	}
	items, err := s.store.ListRemediationItems(ctx, rev.ID)
	if err != nil {
		return readiness.Result{}, fmt.Errorf("load remediation items: %w", err)
	}
	return s.validateContent(family, rev, modules, items), nil
}

func (s *Service) validateContent(family store.DocumentFamily, rev store.DocumentRevision, modules []store.ModuleData, items []store.RemediationItem) readiness.Result {
	return s.readiness.Validate(family.Kind, readiness.Content{
		Jurisdiction:   family.Jurisdiction,
		Title:          rev.Title,
		AssessmentDate: rev.AssessmentDate,
		Modules:        modules,
		Items:          items,
	})
}

// GetReadiness reports whether a revision could be issued now.
func (s *Service) GetReadiness(ctx context.Context, revisionID string) (readiness.Result, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return readiness.Result{}, notFoundOr(err, "Revision", "load revision")
	}
	return s.readinessOf(ctx, rev)
}
