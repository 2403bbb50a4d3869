package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetArtifact binds a locked artifact to a revision. It only fills an empty slot; a revision
// that already carries an artifact is left untouched and ErrStatusConflict is returned so the
// caller can compare digests.
func (s *PostgresStore) SetArtifact(ctx context.Context, revisionID string, artifact LockedArtifact) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_revisions
		SET locked_artifact_locator=$2, locked_artifact_digest=$3, locked_artifact_size=$4,
			locked_artifact_content_type=$5, locked_artifact_generated_at=$6
		WHERE id=$1 AND locked_artifact_locator IS NULL
	`, revisionID, artifact.Locator, artifact.Digest, artifact.Size, artifact.ContentType, artifact.GeneratedAt)
	if err != nil {
		return wrapErr("set artifact", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("set artifact: %w", ErrStatusConflict)
	}
	return nil
}

// ClearStaleArtifact releases an artifact left behind by a failed issuance attempt. Only an
// approved revision whose recorded digest still equals digest is cleared.
func (s *PostgresStore) ClearStaleArtifact(ctx context.Context, revisionID, digest string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_revisions
		SET locked_artifact_locator=NULL, locked_artifact_digest=NULL, locked_artifact_size=NULL,
			locked_artifact_content_type=NULL, locked_artifact_generated_at=NULL
		WHERE id=$1 AND status='approved' AND locked_artifact_digest=$2
	`, revisionID, digest)
	if err != nil {
		return wrapErr("clear stale artifact", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("clear stale artifact: %w", ErrStatusConflict)
	}
	return nil
}

const snapshotColumns = `id, family_id, revision_id, revision_number, captured_at, digest, payload`

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.FamilyID, &snap.RevisionID, &snap.RevisionNumber, &snap.CapturedAt, &snap.Digest, &snap.Payload)
	return snap, err
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, revisionID string) (Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM document_snapshots
		WHERE revision_id=$1
	`, revisionID))
	if err != nil {
		return Snapshot{}, wrapErr("get snapshot", err)
	}
	return snap, nil
}

func (s *PostgresStore) GetSnapshotByNumber(ctx context.Context, familyID string, revisionNumber int) (Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM document_snapshots
		WHERE family_id=$1 AND revision_number=$2
	`, familyID, revisionNumber))
	if err != nil {
		return Snapshot{}, wrapErr("get snapshot by number", err)
	}
	return snap, nil
}

// FinalizeIssuance commits an issuance: the snapshot, the approved → issued status change and
// the supersession of any previously issued revision become visible together or not at all.
// ErrStatusConflict means the revision was no longer approved (typically a concurrent issue won).
func (s *PostgresStore) FinalizeIssuance(ctx context.Context, in Issuance) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		var artifactDigest sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT status, locked_artifact_digest
			FROM document_revisions
			WHERE id=$1
			FOR UPDATE
		`, in.RevisionID).Scan(&status, &artifactDigest)
		if err != nil {
			return wrapErr("lock revision", err)
		}
		if RevisionStatus(status) != StatusApproved {
			return fmt.Errorf("finalize issuance: %w", ErrStatusConflict)
		}
		if !artifactDigest.Valid || artifactDigest.String != in.ArtifactDigest {
			return fmt.Errorf("finalize issuance: artifact: %w", ErrDigestMismatch)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_snapshots (id, family_id, revision_id, revision_number, captured_at, digest, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
		`, in.Snapshot.ID, in.FamilyID, in.RevisionID, in.RevisionNumber, in.Snapshot.CapturedAt, in.Snapshot.Digest, in.Snapshot.Payload); err != nil {
			return wrapErr("insert snapshot", err)
		}
		var storedDigest string
		if err := tx.QueryRowContext(ctx, `
			SELECT digest FROM document_snapshots WHERE revision_id=$1
		`, in.RevisionID).Scan(&storedDigest); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("finalize issuance: snapshot slot taken by another revision: %w", ErrDuplicate)
			}
			return wrapErr("read snapshot", err)
		}
		if storedDigest != in.Snapshot.Digest {
			return fmt.Errorf("finalize issuance: snapshot: %w", ErrDigestMismatch)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE document_revisions
			SET status='superseded', updated_at=NOW()
			WHERE family_id=$1 AND status='issued' AND id<>$2
		`, in.FamilyID, in.RevisionID); err != nil {
			return wrapErr("supersede issued revisions", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE document_revisions
			SET status='issued', issued_by_name=$2, issued_at=$3, content_checksum=$4, updated_at=NOW()
			WHERE id=$1 AND status='approved'
		`, in.RevisionID, in.IssuedBy, in.IssuedAt, in.ContentChecksum)
		if err != nil {
			return wrapErr("issue revision", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("issue revision: %w", ErrStatusConflict)
		}
		return insertAuditEvent(ctx, tx, in.Audit)
	})
}
