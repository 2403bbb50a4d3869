package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const revisionColumns = `
	id, family_id, revision_number, status, title, assessment_date, previous_revision_id,
	approved_by_name, approved_at, issued_by_name, issued_at,
	locked_artifact_locator, locked_artifact_digest, locked_artifact_size,
	locked_artifact_content_type, locked_artifact_generated_at,
	content_checksum, created_by_name, created_at, updated_at`

func scanRevision(row rowScanner) (DocumentRevision, error) {
	var (
		rev            DocumentRevision
		status         string
		assessmentDate sql.NullTime
		previousID     sql.NullString
		approvedBy     sql.NullString
		approvedAt     sql.NullTime
		issuedBy       sql.NullString
		issuedAt       sql.NullTime
		locator        sql.NullString
		digest         sql.NullString
		size           sql.NullInt64
		contentType    sql.NullString
		generatedAt    sql.NullTime
		checksum       sql.NullString
	)
	err := row.Scan(
		&rev.ID, &rev.FamilyID, &rev.RevisionNumber, &status, &rev.Title, &assessmentDate, &previousID,
		&approvedBy, &approvedAt, &issuedBy, &issuedAt,
		&locator, &digest, &size, &contentType, &generatedAt,
		&checksum, &rev.CreatedBy, &rev.CreatedAt, &rev.UpdatedAt,
	)
	if err != nil {
		return DocumentRevision{}, err
	}
	rev.Status = RevisionStatus(status)
	rev.AssessmentDate = timePtr(assessmentDate)
	rev.PreviousRevisionID = stringPtr(previousID)
	rev.ApprovedBy = stringPtr(approvedBy)
	rev.ApprovedAt = timePtr(approvedAt)
	rev.IssuedBy = stringPtr(issuedBy)
	rev.IssuedAt = timePtr(issuedAt)
	rev.ContentChecksum = stringPtr(checksum)
	if locator.Valid {
		rev.Artifact = &LockedArtifact{
			Locator:     locator.String,
			Digest:      digest.String,
			Size:        size.Int64,
			ContentType: contentType.String,
			GeneratedAt: generatedAt.Time,
		}
	}
	return rev, nil
}

func (s *PostgresStore) CreateFamily(ctx context.Context, family DocumentFamily, first DocumentRevision, audit AuditEvent) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_families (id, organization_id, kind, jurisdiction, created_by_name)
			VALUES ($1, $2, $3, $4, $5)
		`, family.ID, family.OrganizationID, string(family.Kind), family.Jurisdiction, family.CreatedBy); err != nil {
			return wrapErr("insert family", err)
		}
		if err := insertRevision(ctx, tx, first); err != nil {
			return err
		}
		return insertAuditEvent(ctx, tx, audit)
	})
}

func (s *PostgresStore) GetFamily(ctx context.Context, familyID string) (DocumentFamily, error) {
	var family DocumentFamily
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, kind, jurisdiction, created_by_name, created_at
		FROM document_families
		WHERE id=$1
	`, familyID).Scan(&family.ID, &family.OrganizationID, &kind, &family.Jurisdiction, &family.CreatedBy, &family.CreatedAt)
	if err != nil {
		return DocumentFamily{}, wrapErr("get family", err)
	}
	family.Kind = DocumentKind(kind)
	return family, nil
}

// DeleteFamily removes a family that has never left draft. The revision trigger rejects the
// cascade for any non-draft revision and snapshots pin issued families.
func (s *PostgresStore) DeleteFamily(ctx context.Context, familyID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_families WHERE id=$1`, familyID)
	if err != nil {
		return wrapErr("delete family", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete family: %w", ErrNotFound)
	}
	return nil
}

func insertRevision(ctx context.Context, q queryer, rev DocumentRevision) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO document_revisions (id, family_id, revision_number, status, title, assessment_date, previous_revision_id, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rev.ID, rev.FamilyID, rev.RevisionNumber, string(rev.Status), rev.Title, nullTime(rev.AssessmentDate), nullString(rev.PreviousRevisionID), rev.CreatedBy)
	if err != nil {
		return wrapErr("insert revision", err)
	}
	return nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID string) (DocumentRevision, error) {
	return getRevision(ctx, s.db, revisionID)
}

func getRevision(ctx context.Context, q queryer, revisionID string) (DocumentRevision, error) {
	rev, err := scanRevision(q.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM document_revisions WHERE id=$1`, revisionID))
	if err != nil {
		return DocumentRevision{}, wrapErr("get revision", err)
	}
	return rev, nil
}

func (s *PostgresStore) GetRevisionByNumber(ctx context.Context, familyID string, revisionNumber int) (DocumentRevision, error) {
	rev, err := scanRevision(s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+`
		FROM document_revisions
		WHERE family_id=$1 AND revision_number=$2
	`, familyID, revisionNumber))
	if err != nil {
		return DocumentRevision{}, wrapErr("get revision by number", err)
	}
	return rev, nil
}

func (s *PostgresStore) LatestRevision(ctx context.Context, familyID string) (DocumentRevision, error) {
	rev, err := scanRevision(s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+`
		FROM document_revisions
		WHERE family_id=$1
		ORDER BY revision_number DESC
		LIMIT 1
	`, familyID))
	if err != nil {
		return DocumentRevision{}, wrapErr("latest revision", err)
	}
	return rev, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, familyID string) ([]RevisionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision_number, status, issued_at
		FROM document_revisions
		WHERE family_id=$1
		ORDER BY revision_number ASC
	`, familyID)
	if err != nil {
		return nil, wrapErr("list revisions", err)
	}
	defer rows.Close()

	items := make([]RevisionSummary, 0)
	for rows.Next() {
		var item RevisionSummary
		var status string
		var issuedAt sql.NullTime
		if err := rows.Scan(&item.RevisionID, &item.RevisionNumber, &status, &issuedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		item.Status = RevisionStatus(status)
		item.IssuedAt = timePtr(issuedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// ListLockedRevisions returns issued and superseded revisions, oldest first, for integrity sweeps.
func (s *PostgresStore) ListLockedRevisions(ctx context.Context, limit int) ([]DocumentRevision, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+`
		FROM document_revisions
		WHERE status IN ('issued', 'superseded')
		ORDER BY issued_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, wrapErr("list locked revisions", err)
	}
	defer rows.Close()

	items := make([]DocumentRevision, 0)
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// UpdateRevisionMetadata edits title and assessment date of an editable revision.
func (s *PostgresStore) UpdateRevisionMetadata(ctx context.Context, revisionID, title string, assessmentDate *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_revisions
		SET title=$2, assessment_date=$3, updated_at=NOW()
		WHERE id=$1 AND status IN ('draft', 'in_review', 'approved')
	`, revisionID, title, nullTime(assessmentDate))
	if err != nil {
		return wrapErr("update revision metadata", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update revision metadata: %w", ErrStatusConflict)
	}
	return nil
}

func (s *PostgresStore) DeleteRevision(ctx context.Context, revisionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_revisions WHERE id=$1 AND status='draft'`, revisionID)
	if err != nil {
		return wrapErr("delete revision", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete revision: %w", ErrStatusConflict)
	}
	return nil
}

// TransitionStatus moves a revision from one editable status to another, conditioned on the
// current status. approvedBy is stamped together with approved_at when non-empty and cleared
// when the revision returns to draft.
func (s *PostgresStore) TransitionStatus(ctx context.Context, revisionID string, from, to RevisionStatus, approvedBy string, audit AuditEvent) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var result sql.Result
		var err error
		switch {
		case approvedBy != "":
			result, err = tx.ExecContext(ctx, `
				UPDATE document_revisions
				SET status=$3, approved_by_name=$4, approved_at=NOW(), updated_at=NOW()
				WHERE id=$1 AND status=$2
			`, revisionID, string(from), string(to), approvedBy)
		case to == StatusDraft:
			result, err = tx.ExecContext(ctx, `
				UPDATE document_revisions
				SET status=$3, approved_by_name=NULL, approved_at=NULL, updated_at=NOW()
				WHERE id=$1 AND status=$2
			`, revisionID, string(from), string(to))
		default:
			result, err = tx.ExecContext(ctx, `
				UPDATE document_revisions
				SET status=$3, updated_at=NOW()
				WHERE id=$1 AND status=$2
			`, revisionID, string(from), string(to))
		}
		if err != nil {
			return wrapErr("transition status", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("transition status: %w", ErrStatusConflict)
		}
		return insertAuditEvent(ctx, tx, audit)
	})
}

// CreateRevision creates the next draft, copies its starting content and the carried-forward
// items, and supersedes the prior issued revision, all in one transaction.
func (s *PostgresStore) CreateRevision(ctx context.Context, next NewRevision) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE document_revisions
			SET status='superseded', updated_at=NOW()
			WHERE id=$1 AND status='issued'
		`, next.PriorID)
		if err != nil {
			return wrapErr("supersede prior revision", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("supersede prior revision: %w", ErrStatusConflict)
		}
		if err := insertRevision(ctx, tx, next.Revision); err != nil {
			return err
		}
		for _, module := range next.Modules {
			module.RevisionID = next.Revision.ID
			if err := upsertModule(ctx, tx, module); err != nil {
				return err
			}
		}
		for _, item := range next.CarriedItems {
			if err := insertRemediationItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return insertAuditEvent(ctx, tx, next.Audit)
	})
}

func (s *PostgresStore) ListModules(ctx context.Context, revisionID string) ([]ModuleData, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision_id, module_key, data, completed, updated_by_name, updated_at
		FROM revision_modules
		WHERE revision_id=$1
		ORDER BY module_key ASC
	`, revisionID)
	if err != nil {
		return nil, wrapErr("list modules", err)
	}
	defer rows.Close()

	items := make([]ModuleData, 0)
	for rows.Next() {
		var item ModuleData
		var raw []byte
		if err := rows.Scan(&item.RevisionID, &item.ModuleKey, &raw, &item.Completed, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		item.Data = json.RawMessage(raw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertModule(ctx context.Context, module ModuleData) error {
	return upsertModule(ctx, s.db, module)
}

func upsertModule(ctx context.Context, q queryer, module ModuleData) error {
	data := module.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO revision_modules (revision_id, module_key, data, completed, updated_by_name)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (revision_id, module_key)
		DO UPDATE SET data=EXCLUDED.data, completed=EXCLUDED.completed, updated_by_name=EXCLUDED.updated_by_name, updated_at=NOW()
	`, module.RevisionID, module.ModuleKey, string(data), module.Completed, module.UpdatedBy)
	if err != nil {
		return wrapErr("upsert module", err)
	}
	return nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	return insertAuditEvent(ctx, s.db, event)
}

func insertAuditEvent(ctx context.Context, q queryer, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO revision_audit_events (family_id, revision_id, event_type, actor_name, from_status, to_status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, event.FamilyID, event.RevisionID, event.EventType, event.ActorName, event.FromStatus, event.ToStatus, string(encoded))
	if err != nil {
		return wrapErr("insert audit event", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, familyID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, revision_id, event_type, actor_name, from_status, to_status, payload, created_at
		FROM revision_audit_events
		WHERE family_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, familyID, limit)
	if err != nil {
		return nil, wrapErr("list audit events", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var raw []byte
		if err := rows.Scan(&item.ID, &item.FamilyID, &item.RevisionID, &item.EventType, &item.ActorName, &item.FromStatus, &item.ToStatus, &raw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(raw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChangeSummary(ctx context.Context, summary ChangeSummary) (bool, error) {
	details := summary.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO change_summaries (family_id, revision_number, generated_at, author_name, summary, details)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (family_id, revision_number) DO NOTHING
	`, summary.FamilyID, summary.RevisionNumber, summary.GeneratedAt, summary.Author, summary.Summary, string(details))
	if err != nil {
		return false, wrapErr("insert change summary", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) GetChangeSummary(ctx context.Context, familyID string, revisionNumber int) (ChangeSummary, error) {
	var item ChangeSummary
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT family_id, revision_number, generated_at, author_name, summary, details
		FROM change_summaries
		WHERE family_id=$1 AND revision_number=$2
	`, familyID, revisionNumber).Scan(&item.FamilyID, &item.RevisionNumber, &item.GeneratedAt, &item.Author, &item.Summary, &raw)
	if err != nil {
		return ChangeSummary{}, wrapErr("get change summary", err)
	}
	item.Details = json.RawMessage(raw)
	return item, nil
}

func (s *PostgresStore) ListChangeSummaries(ctx context.Context, familyID string) ([]ChangeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT family_id, revision_number, generated_at, author_name, summary, details
		FROM change_summaries
		WHERE family_id=$1
		ORDER BY revision_number ASC
	`, familyID)
	if err != nil {
		return nil, wrapErr("list change summaries", err)
	}
	defer rows.Close()

	items := make([]ChangeSummary, 0)
	for rows.Next() {
		var item ChangeSummary
		var raw []byte
		if err := rows.Scan(&item.FamilyID, &item.RevisionNumber, &item.GeneratedAt, &item.Author, &item.Summary, &raw); err != nil {
			return nil, fmt.Errorf("scan change summary: %w", err)
		}
		item.Details = json.RawMessage(raw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change summaries: %w", err)
	}
	return items, nil
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
