package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossier/api/internal/artifact"
	"dossier/api/internal/auth"
	"dossier/api/internal/store"
)

type records struct {
	revisions map[string]store.DocumentRevision
}

func (r *records) GetRevision(_ context.Context, id string) (store.DocumentRevision, error) {
	rev, ok := r.revisions[id]
	if !ok {
		return store.DocumentRevision{}, store.ErrNotFound
	}
	return rev, nil
}

func (r *records) SetArtifact(_ context.Context, id string, locked store.LockedArtifact) error {
	rev := r.revisions[id]
	rev.Artifact = &locked
	r.revisions[id] = rev
	return nil
}

func (r *records) ClearStaleArtifact(context.Context, string, string) error { return nil }

func TestSweepReportsDamagedArtifacts(t *testing.T) {
	ctx := context.Background()
	blobs := artifact.NewMemoryBlobStore()
	recs := &records{revisions: map[string]store.DocumentRevision{
		"rev-1": {ID: "rev-1", FamilyID: "fam-1", RevisionNumber: 1, Status: store.StatusApproved},
		"rev-2": {ID: "rev-2", FamilyID: "fam-1", RevisionNumber: 2, Status: store.StatusApproved},
	}}
	locker := artifact.NewLocker(blobs, recs, nil)
	intact, err := locker.LockArtifact(ctx, "rev-1", []byte("<html>one</html>"), "text/html")
	require.NoError(t, err)
	damaged, err := locker.LockArtifact(ctx, "rev-2", []byte("<html>two</html>"), "text/html")
	require.NoError(t, err)
	blobs.Corrupt(damaged.Locator, []byte("<html>2</html>"))

	revisions := []store.DocumentRevision{
		{ID: "rev-1", RevisionNumber: 1, Status: store.StatusSuperseded, Artifact: &intact},
		{ID: "rev-2", RevisionNumber: 2, Status: store.StatusIssued, Artifact: &damaged},
		{ID: "rev-3", RevisionNumber: 3, Status: store.StatusIssued},
	}
	var out bytes.Buffer
	failed, err := sweep(ctx, revisions, locker, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], string(artifact.VerifyIntact))
	assert.Contains(t, lines[2], string(artifact.VerifyMismatch))
	assert.Contains(t, lines[3], "unrecorded")
}

func TestPrintRevisions(t *testing.T) {
	issued := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	require.NoError(t, printRevisions(&out, []store.RevisionSummary{
		{RevisionID: "rev-1", RevisionNumber: 1, Status: store.StatusSuperseded, IssuedAt: &issued},
		{RevisionID: "rev-2", RevisionNumber: 2, Status: store.StatusDraft},
	}))
	assert.Contains(t, out.String(), "2026-03-14T09:30:00Z")
	assert.Contains(t, out.String(), "draft")
}

func TestMintToken(t *testing.T) {
	secret := []byte("cli-secret")
	var out bytes.Buffer
	require.NoError(t, mintToken(&out, secret, "u-1", "Avery", "approver", time.Hour))

	claims, err := auth.ParseToken(secret, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "Avery", claims.Name)
	assert.Equal(t, "approver", claims.Role)

	err = mintToken(&out, secret, "u-1", "Avery", "superuser", time.Hour)
	var ee *exitErr
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.code)
}
