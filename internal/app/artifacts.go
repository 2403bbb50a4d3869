package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dossier/api/internal/artifact"
	"dossier/api/internal/metrics"
	"dossier/api/internal/render"
	"dossier/api/internal/snapshot"
	"dossier/api/internal/store"
	"dossier/api/internal/summary"
)

const (
	ArtifactSourceLocked     = "locked"
	ArtifactSourceRerendered = "rerendered"
)

// ArtifactAccess is either a short-lived URL or the artifact bytes.
type ArtifactAccess struct {
	URL         string     `json:"url,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Digest      string     `json:"digest"`
	ContentType string     `json:"contentType"`
	Filename    string     `json:"filename"`
	Source      string     `json:"source"`
	Data        []byte     `json:"-"`
}

// FetchArtifact returns the locked artifact of an issued revision. A revision that lacks one
// is re-rendered from its snapshot, never from current content, and the render is locked for
// next time when possible.
func (s *Service) FetchArtifact(ctx context.Context, revisionID string, download bool) (ArtifactAccess, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return ArtifactAccess{}, notFoundOr(err, "Revision", "load revision")
	}
	if !rev.Status.Locked() {
		return ArtifactAccess{}, domainError(http.StatusConflict, CodeInvalidTransition,
			fmt.Sprintf("Revision %d has not been issued", rev.RevisionNumber),
			map[string]any{"revisionNumber": rev.RevisionNumber, "currentStatus": rev.Status, "retryable": false})
	}

	if rev.Artifact != nil {
		access := ArtifactAccess{
			Digest:      rev.Artifact.Digest,
			ContentType: rev.Artifact.ContentType,
			Source:      ArtifactSourceLocked,
		}
		var data []byte
		if download {
			data, err = s.artifacts.Open(ctx, *rev.Artifact)
		} else {
			// a URL is only handed out for a blob that is actually there
			err = s.artifacts.Check(ctx, *rev.Artifact)
		}
		switch {
		case err == nil:
			access.Filename = s.filenameFor(ctx, rev)
			if download {
				access.Data = data
				return access, nil
			}
			return s.withSignedURL(ctx, access, *rev.Artifact)
		case errors.Is(err, artifact.ErrIntegrity):
			s.logger.Error("locked artifact does not match its record", zap.String("revision_id", rev.ID), zap.Error(err))
			return ArtifactAccess{}, integrityViolation(rev, err.Error())
		case errors.Is(err, artifact.ErrBlobNotFound):
			s.logger.Warn("locked artifact missing from storage, re-rendering", zap.String("revision_id", rev.ID))
		default:
			return ArtifactAccess{}, fmt.Errorf("open artifact: %w", err)
		}
	}

	return s.rerender(ctx, rev, download)
}

func (s *Service) withSignedURL(ctx context.Context, access ArtifactAccess, locked store.LockedArtifact) (ArtifactAccess, error) {
	url, err := s.artifacts.SignedURL(ctx, locked, s.cfg.ArtifactURLTTL)
	if err != nil {
		return ArtifactAccess{}, fmt.Errorf("sign artifact url: %w", err)
	}
	expires := s.now().UTC().Add(s.cfg.ArtifactURLTTL)
	access.URL = url
	access.ExpiresAt = &expires
	access.Data = nil
	return access, nil
}

func (s *Service) rerender(ctx context.Context, rev store.DocumentRevision, download bool) (ArtifactAccess, error) {
	payload, err := s.frozenPayload(ctx, rev)
	if err != nil {
		return ArtifactAccess{}, err
	}
	output, err := s.renderer.Render(ctx, payload)
	if err != nil {
		return ArtifactAccess{}, fmt.Errorf("re-render revision %d: %w", rev.RevisionNumber, err)
	}
	digest := artifact.Digest(output.Data)
	access := ArtifactAccess{
		Digest:      digest,
		ContentType: output.ContentType,
		Filename:    output.Filename,
		Source:      ArtifactSourceRerendered,
		Data:        output.Data,
	}

	locked := rev.Artifact
	if locked != nil {
		// the record exists but the blob is gone; the render must reproduce it exactly
		if locked.Digest != digest {
			return ArtifactAccess{}, integrityViolation(rev, "re-rendered artifact does not match the locked digest")
		}
		if err := s.artifacts.Restore(ctx, *locked, output.Data); err != nil {
			s.logger.Warn("re-rendered artifact not restored", zap.String("revision_id", rev.ID), zap.Error(err))
			return access, nil
		}
	} else {
		relocked, err := s.artifacts.LockArtifact(ctx, rev.ID, output.Data, output.ContentType)
		if errors.Is(err, artifact.ErrConflict) {
			s.logger.Error("issued revision locked concurrently to another artifact", zap.String("revision_id", rev.ID), zap.Error(err))
			return ArtifactAccess{}, artifactConflict(rev, err)
		}
		if err != nil {
			s.logger.Warn("re-rendered artifact not locked", zap.String("revision_id", rev.ID), zap.Error(err))
			return access, nil
		}
		s.logger.Info("re-rendered artifact locked", zap.String("revision_id", rev.ID), zap.String("digest", relocked.Digest))
		locked = &relocked
	}
	if download {
		return access, nil
	}
	signed, err := s.withSignedURL(ctx, access, *locked)
	if err != nil {
		s.logger.Warn("re-rendered artifact not signed", zap.String("revision_id", rev.ID), zap.Error(err))
		return access, nil
	}
	return signed, nil
}

// frozenPayload opens the snapshot of an issued revision and checks its digest.
func (s *Service) frozenPayload(ctx context.Context, rev store.DocumentRevision) (snapshot.Payload, error) {
	snap, err := s.store.GetSnapshot(ctx, rev.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return snapshot.Payload{}, integrityViolation(rev, "issued revision has no snapshot")
		}
		return snapshot.Payload{}, fmt.Errorf("load snapshot: %w", err)
	}
	payload, err := snapshot.Open(snap)
	if err != nil {
		if errors.Is(err, snapshot.ErrDigestMismatch) {
			return snapshot.Payload{}, integrityViolation(rev, err.Error())
		}
		return snapshot.Payload{}, fmt.Errorf("open snapshot: %w", err)
	}
	return payload, nil
}

func (s *Service) filenameFor(ctx context.Context, rev store.DocumentRevision) string {
	payload, err := s.frozenPayload(ctx, rev)
	if err != nil {
		return fmt.Sprintf("revision-%d%s", rev.RevisionNumber, extensionFor(rev.Artifact))
	}
	return render.Filename(payload) + extensionFor(rev.Artifact)
}

func extensionFor(locked *store.LockedArtifact) string {
	if locked == nil {
		return ""
	}
	switch {
	case strings.HasPrefix(locked.ContentType, "application/pdf"):
		return ".pdf"
	case strings.HasPrefix(locked.ContentType, "text/html"):
		return ".html"
	default:
		return ""
	}
}

// VerifyArtifact re-downloads a locked artifact and checks digest and size.
func (s *Service) VerifyArtifact(ctx context.Context, revisionID string) (artifact.Verification, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return artifact.Verification{}, notFoundOr(err, "Revision", "load revision")
	}
	if rev.Artifact == nil {
		return artifact.Verification{}, notFound("Locked artifact")
	}
	result, err := s.artifacts.Verify(ctx, *rev.Artifact)
	if err != nil {
		return artifact.Verification{}, fmt.Errorf("verify artifact: %w", err)
	}
	metrics.ObserveVerification(string(result.Status))
	if result.Status != artifact.VerifyIntact {
		s.logger.Error("artifact failed verification",
			zap.String("revision_id", rev.ID),
			zap.Int("revision_number", rev.RevisionNumber),
			zap.String("status", string(result.Status)),
			zap.String("locator", result.Locator),
		)
	}
	return result, nil
}

// recordChangeSummary stores the summary for a just-issued revision. It never fails the issue.
func (s *Service) recordChangeSummary(ctx context.Context, next snapshot.Payload, author string) {
	var prev *snapshot.Payload
	if next.RevisionNumber > 1 {
		snap, err := s.store.GetSnapshotByNumber(ctx, next.FamilyID, next.RevisionNumber-1)
		if err == nil {
			var opened snapshot.Payload
			opened, err = snapshot.Open(snap)
			if err == nil {
				prev = &opened
			}
		}
		if err != nil {
			s.logger.Warn("previous snapshot unavailable for change summary",
				zap.String("family_id", next.FamilyID),
				zap.Int("revision_number", next.RevisionNumber),
				zap.Error(err),
			)
		}
	}

	text, details := summary.Generate(prev, next)
	inserted, err := s.store.InsertChangeSummary(ctx, store.ChangeSummary{
		FamilyID:       next.FamilyID,
		RevisionNumber: next.RevisionNumber,
		GeneratedAt:    s.now().UTC(),
		Author:         author,
		Summary:        text,
		Details:        details.Marshal(),
	})
	if err != nil {
		s.logger.Warn("change summary not recorded", zap.String("family_id", next.FamilyID), zap.Int("revision_number", next.RevisionNumber), zap.Error(err))
		return
	}
	if !inserted {
		s.logger.Info("change summary already recorded", zap.String("family_id", next.FamilyID), zap.Int("revision_number", next.RevisionNumber))
	}
}

type ChangeSummaryView struct {
	FamilyID       string    `json:"familyId"`
	RevisionNumber int       `json:"revisionNumber"`
	GeneratedAt    time.Time `json:"generatedAt"`
	Author         string    `json:"author"`
	Summary        string    `json:"summary"`
	Details        any       `json:"details"`
}

func changeSummaryView(item store.ChangeSummary) ChangeSummaryView {
	return ChangeSummaryView{
		FamilyID:       item.FamilyID,
		RevisionNumber: item.RevisionNumber,
		GeneratedAt:    item.GeneratedAt,
		Author:         item.Author,
		Summary:        item.Summary,
		Details:        item.Details,
	}
}

func (s *Service) ListChangeSummaries(ctx context.Context, familyID string) ([]ChangeSummaryView, error) {
	if _, err := s.store.GetFamily(ctx, familyID); err != nil {
		return nil, notFoundOr(err, "Family", "load family")
	}
	items, err := s.store.ListChangeSummaries(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list change summaries: %w", err)
	}
	views := make([]ChangeSummaryView, 0, len(items))
	for _, item := range items {
		views = append(views, changeSummaryView(item))
	}
	return views, nil
}

func (s *Service) GetChangeSummary(ctx context.Context, familyID string, revisionNumber int) (ChangeSummaryView, error) {
	item, err := s.store.GetChangeSummary(ctx, familyID, revisionNumber)
	if err != nil {
		return ChangeSummaryView{}, notFoundOr(err, "Change summary", "get change summary")
	}
	return changeSummaryView(item), nil
}
