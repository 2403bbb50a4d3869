// Package artifact binds rendered output to a revision. A locked artifact's locator and digest
// are write-once: locking the same bytes again returns the existing record, and a different
// record on an issued revision is reported as a conflict rather than replaced.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dossier/api/internal/store"
)

var (
	// ErrLockFailed means the upload, the record write or the read-back check did not hold.
	// The operation is safe to retry.
	ErrLockFailed = errors.New("artifact lock failed")
	// ErrConflict means the revision already carries an artifact with different content.
	ErrConflict = errors.New("artifact conflict")
)

// Records is the persistence the Locker needs.
type Records interface {
	GetRevision(ctx context.Context, revisionID string) (store.DocumentRevision, error)
	SetArtifact(ctx context.Context, revisionID string, artifact store.LockedArtifact) error
	ClearStaleArtifact(ctx context.Context, revisionID, digest string) error
}

type Locker struct {
	blobs   BlobStore
	records Records
	logger  *zap.Logger
	now     func() time.Time
}

func NewLocker(blobs BlobStore, records Records, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{blobs: blobs, records: records, logger: logger, now: time.Now}
}

// Digest is the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Locator is the storage key for an artifact. It includes a digest prefix so that a replaced
// stale upload never shares a key with its successor.
func Locator(familyID, revisionID, digest, contentType string) string {
	return fmt.Sprintf("families/%s/revisions/%s/%s%s", familyID, revisionID, digest[:16], extension(contentType))
}

func extension(contentType string) string {
	switch contentType {
	case "application/pdf":
		return ".pdf"
	case "text/html; charset=utf-8", "text/html":
		return ".html"
	default:
		return ".bin"
	}
}

// LockArtifact stores data for the revision and records it. The returned record has been
// re-read from the store and the blob has been confirmed present with the recorded size.
func (l *Locker) LockArtifact(ctx context.Context, revisionID string, data []byte, contentType string) (store.LockedArtifact, error) {
	digest := Digest(data)

	rev, err := l.records.GetRevision(ctx, revisionID)
	if err != nil {
		return store.LockedArtifact{}, fmt.Errorf("load revision: %w", err)
	}
	if existing := rev.Artifact; existing != nil {
		if existing.Digest == digest {
			return *existing, nil
		}
		if rev.Status != store.StatusApproved {
			return store.LockedArtifact{}, fmt.Errorf("%w: revision %d already locked to %s", ErrConflict, rev.RevisionNumber, existing.Digest)
		}
		// left behind by an issuance attempt that never committed
		if err := l.records.ClearStaleArtifact(ctx, revisionID, existing.Digest); err != nil && !errors.Is(err, store.ErrStatusConflict) {
			return store.LockedArtifact{}, fmt.Errorf("%w: release stale artifact: %v", ErrLockFailed, err)
		}
		l.logger.Warn("released stale artifact",
			zap.String("revision_id", revisionID),
			zap.String("stale_digest", existing.Digest),
			zap.String("digest", digest),
		)
	}

	record := store.LockedArtifact{
		Locator:     Locator(rev.FamilyID, rev.ID, digest, contentType),
		Digest:      digest,
		Size:        int64(len(data)),
		ContentType: contentType,
		GeneratedAt: l.now().UTC(),
	}

	size, err := l.blobs.Stat(ctx, record.Locator)
	switch {
	case err == nil && size == record.Size:
		// same content-addressed key already uploaded by an earlier attempt
	case err == nil || errors.Is(err, ErrBlobNotFound):
		if err := l.blobs.Put(ctx, record.Locator, data, contentType); err != nil {
			return store.LockedArtifact{}, fmt.Errorf("%w: upload: %v", ErrLockFailed, err)
		}
	default:
		return store.LockedArtifact{}, fmt.Errorf("%w: stat: %v", ErrLockFailed, err)
	}

	if err := l.records.SetArtifact(ctx, revisionID, record); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return store.LockedArtifact{}, fmt.Errorf("%w: record: %v", ErrLockFailed, err)
	}

	stored, err := l.records.GetRevision(ctx, revisionID)
	if err != nil {
		return store.LockedArtifact{}, fmt.Errorf("%w: re-read record: %v", ErrLockFailed, err)
	}
	if stored.Artifact == nil {
		return store.LockedArtifact{}, fmt.Errorf("%w: record missing after write", ErrLockFailed)
	}
	if stored.Artifact.Digest != digest {
		return store.LockedArtifact{}, fmt.Errorf("%w: revision %d locked concurrently to %s", ErrConflict, stored.RevisionNumber, stored.Artifact.Digest)
	}
	size, err = l.blobs.Stat(ctx, stored.Artifact.Locator)
	if err != nil {
		return store.LockedArtifact{}, fmt.Errorf("%w: re-read blob: %v", ErrLockFailed, err)
	}
	if size != stored.Artifact.Size {
		return store.LockedArtifact{}, fmt.Errorf("%w: blob size %d, recorded %d", ErrLockFailed, size, stored.Artifact.Size)
	}

	l.logger.Info("artifact locked",
		zap.String("revision_id", revisionID),
		zap.String("locator", stored.Artifact.Locator),
		zap.String("digest", digest),
		zap.Int64("size", stored.Artifact.Size),
	)
	return *stored.Artifact, nil
}

// SignedURL returns a short-lived read handle for a locked artifact.
func (l *Locker) SignedURL(ctx context.Context, artifact store.LockedArtifact, ttl time.Duration) (string, error) {
	return l.blobs.SignedURL(ctx, artifact.Locator, ttl)
}

// Check confirms the blob of a locked artifact is present with its recorded size, without
// downloading it. A missing blob wraps ErrBlobNotFound; a size difference wraps ErrIntegrity.
func (l *Locker) Check(ctx context.Context, artifact store.LockedArtifact) error {
	size, err := l.blobs.Stat(ctx, artifact.Locator)
	if err != nil {
		return err
	}
	if size != artifact.Size {
		return fmt.Errorf("%w: %s has %d bytes, recorded %d", ErrIntegrity, artifact.Locator, size, artifact.Size)
	}
	return nil
}

// Restore writes data back under the locator of a locked artifact whose blob has gone
// missing. The record is not touched, so data must reproduce the recorded digest.
func (l *Locker) Restore(ctx context.Context, artifact store.LockedArtifact, data []byte) error {
	if got := Digest(data); got != artifact.Digest {
		return fmt.Errorf("%w: restore %s with digest %s, recorded %s", ErrIntegrity, artifact.Locator, got, artifact.Digest)
	}
	if err := l.blobs.Put(ctx, artifact.Locator, data, artifact.ContentType); err != nil {
		return fmt.Errorf("%w: restore upload: %v", ErrLockFailed, err)
	}
	if err := l.Check(ctx, artifact); err != nil {
		return fmt.Errorf("%w: re-read restored blob: %v", ErrLockFailed, err)
	}
	l.logger.Warn("restored missing artifact blob",
		zap.String("locator", artifact.Locator),
		zap.String("digest", artifact.Digest),
	)
	return nil
}

// Open downloads a locked artifact and checks it against its recorded digest.
func (l *Locker) Open(ctx context.Context, artifact store.LockedArtifact) ([]byte, error) {
	data, err := l.blobs.Get(ctx, artifact.Locator)
	if err != nil {
		return nil, err
	}
	if got := Digest(data); got != artifact.Digest {
		return nil, fmt.Errorf("%w: %s has digest %s, recorded %s", ErrIntegrity, artifact.Locator, got, artifact.Digest)
	}
	return data, nil
}
