package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const remediationColumns = `
	id, family_id, revision_id, revision_number, origin_item_id, origin_revision_number,
	reference, status, tier, priority_code, explanation, hazard, description, owner_name,
	target_date, closed_at, closed_by_name, closure_note, created_by_name, created_at, updated_at`

func scanRemediationItem(row rowScanner) (RemediationItem, error) {
	var (
		item        RemediationItem
		status      string
		targetDate  sql.NullTime
		closedAt    sql.NullTime
		closedBy    sql.NullString
		closureNote sql.NullString
	)
	err := row.Scan(
		&item.ID, &item.FamilyID, &item.RevisionID, &item.RevisionNumber, &item.OriginItemID, &item.OriginRevisionNumber,
		&item.Reference, &status, &item.Tier, &item.PriorityCode, &item.Explanation, &item.Hazard, &item.Description, &item.Owner,
		&targetDate, &closedAt, &closedBy, &closureNote, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return RemediationItem{}, err
	}
	item.Status = ItemStatus(status)
	item.TargetDate = timePtr(targetDate)
	item.ClosedAt = timePtr(closedAt)
	item.ClosedBy = stringPtr(closedBy)
	item.ClosureNote = stringPtr(closureNote)
	return item, nil
}

func (s *PostgresStore) ListRemediationItems(ctx context.Context, revisionID string) ([]RemediationItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+remediationColumns+`
		FROM remediation_items
		WHERE revision_id=$1
		ORDER BY reference ASC, created_at ASC
	`, revisionID)
	if err != nil {
		return nil, wrapErr("list remediation items", err)
	}
	defer rows.Close()

	items := make([]RemediationItem, 0)
	for rows.Next() {
		item, err := scanRemediationItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remediation item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remediation items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRemediationItem(ctx context.Context, itemID string) (RemediationItem, error) {
	item, err := scanRemediationItem(s.db.QueryRowContext(ctx, `
		SELECT `+remediationColumns+`
		FROM remediation_items
		WHERE id=$1
	`, itemID))
	if err != nil {
		return RemediationItem{}, wrapErr("get remediation item", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertRemediationItem(ctx context.Context, item RemediationItem) error {
	return insertRemediationItem(ctx, s.db, item)
}

func insertRemediationItem(ctx context.Context, q queryer, item RemediationItem) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO remediation_items (
			id, family_id, revision_id, revision_number, origin_item_id, origin_revision_number,
			reference, status, tier, priority_code, explanation, hazard, description, owner_name,
			target_date, created_by_name
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		item.ID, item.FamilyID, item.RevisionID, item.RevisionNumber, item.OriginItemID, item.OriginRevisionNumber,
		item.Reference, string(item.Status), item.Tier, item.PriorityCode, item.Explanation, item.Hazard, item.Description, item.Owner,
		nullTime(item.TargetDate), item.CreatedBy,
	)
	if err != nil {
		return wrapErr("insert remediation item", err)
	}
	return nil
}

// UpdateRemediationItem rewrites the editable fields of an item. Closure goes through
// CloseRemediationItem so that it propagates.
func (s *PostgresStore) UpdateRemediationItem(ctx context.Context, item RemediationItem) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE remediation_items
		SET status=$2, tier=$3, priority_code=$4, explanation=$5, hazard=$6, description=$7,
			owner_name=$8, target_date=$9, updated_at=NOW()
		WHERE id=$1
	`, item.ID, string(item.Status), item.Tier, item.PriorityCode, item.Explanation, item.Hazard, item.Description,
		item.Owner, nullTime(item.TargetDate))
	if err != nil {
		return wrapErr("update remediation item", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update remediation item: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteRemediationItem(ctx context.Context, itemID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM remediation_items WHERE id=$1`, itemID)
	if err != nil {
		return wrapErr("delete remediation item", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete remediation item: %w", ErrNotFound)
	}
	return nil
}

// CloseRemediationItem closes one item and every non-terminal copy of the same origin in
// earlier revisions of the family. Later revisions are never touched. It returns the ids
// of the earlier copies that were closed.
func (s *PostgresStore) CloseRemediationItem(ctx context.Context, itemID, closedBy, note string, closedAt time.Time, audit AuditEvent) ([]string, error) {
	propagated := make([]string, 0)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var originID string
		var revisionNumber int
		err := tx.QueryRowContext(ctx, `
			UPDATE remediation_items
			SET status='closed', closed_at=$2, closed_by_name=$3, closure_note=$4, updated_at=NOW()
			WHERE id=$1 AND status NOT IN ('closed', 'not_applicable')
			RETURNING origin_item_id, revision_number
		`, itemID, closedAt, closedBy, note).Scan(&originID, &revisionNumber)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("close remediation item: %w", ErrStatusConflict)
			}
			return wrapErr("close remediation item", err)
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE remediation_items
			SET status='closed', closed_at=$3, closed_by_name=$4, closure_note=$5, updated_at=NOW()
			WHERE origin_item_id=$1 AND revision_number < $2 AND status NOT IN ('closed', 'not_applicable')
			RETURNING id
		`, originID, revisionNumber, closedAt, closedBy, note)
		if err != nil {
			return wrapErr("propagate closure", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan propagated item: %w", err)
			}
			propagated = append(propagated, id)
		}
		if err := rows.Err(); err != nil {
			return wrapErr("propagate closure", err)
		}
		_ = rows.Close()
		if audit.Payload == nil {
			audit.Payload = map[string]any{}
		}
		audit.Payload["propagated"] = propagated
		return insertAuditEvent(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return propagated, nil
}

// NextItemSequence reserves the next reference number for a family.
func (s *PostgresStore) NextItemSequence(ctx context.Context, familyID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		UPDATE document_families
		SET item_sequence = item_sequence + 1
		WHERE id=$1
		RETURNING item_sequence
	`, familyID).Scan(&next)
	if err != nil {
		return 0, wrapErr("next item sequence", err)
	}
	return next, nil
}
