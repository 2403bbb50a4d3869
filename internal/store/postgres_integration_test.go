//go:build integration

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

var (
	sharedDB     *sql.DB
	sharedDBOnce sync.Once
	sharedDBErr  error
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode (requires Docker)")
	}
	sharedDBOnce.Do(func() {
		sharedDB, sharedDBErr = startPostgres()
	})
	require.NoError(t, sharedDBErr, "start postgres container")
	return sharedDB
}

func startPostgres() (*sql.DB, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "dossier",
				"POSTGRES_USER":     "dossier",
				"POSTGRES_PASSWORD": "dossier",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	url := fmt.Sprintf("postgres://dossier:dossier@%s:%s/dossier?sslmode=disable", host, port.Port())

	db, err := Open(ctx, url, 10)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(db, filepath.Join("..", "..", "db", "migrations"), zap.NewNop()); err != nil {
		return nil, err
	}
	return db, nil
}

type fixture struct {
	store  *PostgresStore
	family DocumentFamily
	rev1   DocumentRevision
}

func newFixture(t *testing.T, suffix string) fixture {
	t.Helper()
	ctx := context.Background()
	s := NewPostgresStore(testDB(t))

	family := DocumentFamily{ID: "fam-" + suffix, OrganizationID: "org-1", Kind: KindFireRiskAssessment, CreatedBy: "Avery"}
	rev1 := DocumentRevision{ID: "rev-" + suffix + "-1", FamilyID: family.ID, RevisionNumber: 1, Status: StatusDraft, Title: "Warehouse", CreatedBy: "Avery"}
	require.NoError(t, s.CreateFamily(ctx, family, rev1, AuditEvent{FamilyID: family.ID, RevisionID: rev1.ID, EventType: "family.created", ActorName: "Avery"}))
	return fixture{store: s, family: family, rev1: rev1}
}

func (f fixture) issue(t *testing.T, rev DocumentRevision) {
	t.Helper()
	ctx := context.Background()
	audit := AuditEvent{FamilyID: rev.FamilyID, RevisionID: rev.ID, EventType: "revision.transition", ActorName: "Avery"}
	require.NoError(t, f.store.TransitionStatus(ctx, rev.ID, StatusDraft, StatusInReview, "", audit))
	require.NoError(t, f.store.TransitionStatus(ctx, rev.ID, StatusInReview, StatusApproved, "Blake", audit))

	digest := fmt.Sprintf("%064d", rev.RevisionNumber)
	require.NoError(t, f.store.SetArtifact(ctx, rev.ID, LockedArtifact{
		Locator: "artifacts/" + rev.ID + ".html", Digest: digest, Size: 10, ContentType: "text/html", GeneratedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.store.FinalizeIssuance(ctx, Issuance{
		RevisionID:      rev.ID,
		FamilyID:        rev.FamilyID,
		RevisionNumber:  rev.RevisionNumber,
		IssuedBy:        "Blake",
		IssuedAt:        time.Now().UTC(),
		Snapshot:        Snapshot{ID: "snap-" + rev.ID, CapturedAt: time.Now().UTC(), Digest: "snapdigest", Payload: []byte(`{}`)},
		ArtifactDigest:  digest,
		ContentChecksum: "snapdigest",
		Audit:           audit,
	}))
}

func requireLocked(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRevisionLocked), "expected ErrRevisionLocked, got %v", err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "55000", pgErr.SQLState())
}

func TestIssuedRevisionRejectsContentWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "lock")
	require.NoError(t, f.store.UpsertModule(ctx, ModuleData{RevisionID: f.rev1.ID, ModuleKey: "premises", Data: []byte(`{"floors":2}`), UpdatedBy: "Avery"}))
	f.issue(t, f.rev1)

	err := f.store.UpsertModule(ctx, ModuleData{RevisionID: f.rev1.ID, ModuleKey: "premises", Data: []byte(`{"floors":3}`), UpdatedBy: "Avery"})
	requireLocked(t, err)

	_, err = f.store.DB().ExecContext(ctx, `UPDATE document_revisions SET title='changed' WHERE id=$1`, f.rev1.ID)
	requireLocked(t, wrapErr("update title", err))

	_, err = f.store.DB().ExecContext(ctx, `UPDATE document_revisions SET status='draft' WHERE id=$1`, f.rev1.ID)
	requireLocked(t, wrapErr("reopen", err))

	_, err = f.store.DB().ExecContext(ctx, `UPDATE document_snapshots SET digest='x' WHERE revision_id=$1`, f.rev1.ID)
	requireLocked(t, wrapErr("rewrite snapshot", err))

	err = f.store.DeleteRevision(ctx, f.rev1.ID)
	require.Error(t, err)

	rev, err := f.store.GetRevision(ctx, f.rev1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, rev.Status)
	assert.Equal(t, "Warehouse", rev.Title)
}

func TestFinalizeIssuanceIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "cas")
	f.issue(t, f.rev1)

	err := f.store.FinalizeIssuance(ctx, Issuance{
		RevisionID: f.rev1.ID, FamilyID: f.family.ID, RevisionNumber: 1, IssuedBy: "Casey", IssuedAt: time.Now().UTC(),
		Snapshot:       Snapshot{ID: "snap-other", CapturedAt: time.Now().UTC(), Digest: "snapdigest", Payload: []byte(`{}`)},
		ArtifactDigest: fmt.Sprintf("%064d", 1),
	})
	require.ErrorIs(t, err, ErrStatusConflict)

	rev, err := f.store.GetRevision(ctx, f.rev1.ID)
	require.NoError(t, err)
	require.NotNil(t, rev.IssuedBy)
	assert.Equal(t, "Blake", *rev.IssuedBy)
}

func TestCreateRevisionCarriesItemsAndSupersedesPrior(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "carry")
	open := RemediationItem{
		ID: "item-carry-a", FamilyID: f.family.ID, RevisionID: f.rev1.ID, RevisionNumber: 1,
		OriginItemID: "item-carry-a", OriginRevisionNumber: 1, Reference: "P1-001", Status: ItemOpen,
		Description: "Replace fire door", CreatedBy: "Avery",
	}
	require.NoError(t, f.store.InsertRemediationItem(ctx, open))
	f.issue(t, f.rev1)

	rev2 := DocumentRevision{ID: "rev-carry-2", FamilyID: f.family.ID, RevisionNumber: 2, Status: StatusDraft, Title: "Warehouse", PreviousRevisionID: &f.rev1.ID, CreatedBy: "Avery"}
	carried := open
	carried.ID = "item-carry-b"
	carried.RevisionID = rev2.ID
	carried.RevisionNumber = 2
	require.NoError(t, f.store.CreateRevision(ctx, NewRevision{
		Revision:     rev2,
		CarriedItems: []RemediationItem{carried},
		PriorID:      f.rev1.ID,
		Audit:        AuditEvent{FamilyID: f.family.ID, RevisionID: rev2.ID, EventType: "revision.created", ActorName: "Avery"},
	}))

	prior, err := f.store.GetRevision(ctx, f.rev1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, prior.Status)

	items, err := f.store.ListRemediationItems(ctx, rev2.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item-carry-a", items[0].OriginItemID)
	assert.Equal(t, 1, items[0].OriginRevisionNumber)

	propagated, err := f.store.CloseRemediationItem(ctx, "item-carry-b", "Avery", "door replaced", time.Now().UTC(),
		AuditEvent{FamilyID: f.family.ID, RevisionID: rev2.ID, EventType: "remediation.closed", ActorName: "Avery"})
	require.NoError(t, err)
	assert.Equal(t, []string{"item-carry-a"}, propagated)

	original, err := f.store.GetRemediationItem(ctx, "item-carry-a")
	require.NoError(t, err)
	assert.Equal(t, ItemClosed, original.Status)
	assert.Equal(t, "Replace fire door", original.Description)

	_, err = f.store.DB().ExecContext(ctx, `UPDATE remediation_items SET description='rewritten' WHERE id='item-carry-a'`)
	requireLocked(t, wrapErr("rewrite closed item", err))
}

func TestNextItemSequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "seq")
	first, err := f.store.NextItemSequence(ctx, f.family.ID)
	require.NoError(t, err)
	second, err := f.store.NextItemSequence(ctx, f.family.ID)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestMigrationsRoundTrip(t *testing.T) {
	db := testDB(t)
	dir := filepath.Join("..", "..", "db", "migrations")
	require.NoError(t, ApplyMigrations(db, dir, zap.NewNop()))
	// applying again is a no-op
	require.NoError(t, ApplyMigrations(db, dir, zap.NewNop()))
}
