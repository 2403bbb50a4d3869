package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dossier/api/internal/priority"
	"dossier/api/internal/rbac"
	"dossier/api/internal/store"
	"dossier/api/internal/util"
)

type RemediationInput struct {
	Hazard       string  `json:"hazard" validate:"max=500"`
	Description  string  `json:"description" validate:"required,max=4000"`
	Severity     string  `json:"severity" validate:"omitempty,oneof=negligible minor moderate major catastrophic"`
	Likelihood   string  `json:"likelihood" validate:"omitempty,oneof=rare unlikely possible likely almost-certain"`
	PriorityCode string  `json:"priorityCode" validate:"omitempty,oneof=P1 P2 P3 P4"`
	Owner        string  `json:"owner" validate:"max=200"`
	TargetDate   *string `json:"targetDate"`
	Status       string  `json:"status" validate:"omitempty,oneof=open in_progress not_applicable deferred"`
}

type CloseRemediationInput struct {
	Note string `json:"note" validate:"max=2000"`
}

type RemediationItemView struct {
	ID                   string     `json:"id"`
	FamilyID             string     `json:"familyId"`
	RevisionID           string     `json:"revisionId"`
	RevisionNumber       int        `json:"revisionNumber"`
	OriginItemID         string     `json:"originItemId"`
	OriginRevisionNumber int        `json:"originRevisionNumber"`
	Reference            string     `json:"reference"`
	Status               string     `json:"status"`
	Tier                 string     `json:"tier"`
	PriorityCode         string     `json:"priorityCode"`
	Explanation          string     `json:"explanation"`
	Hazard               string     `json:"hazard"`
	Description          string     `json:"description"`
	Owner                string     `json:"owner"`
	TargetDate           *string    `json:"targetDate"`
	ClosedAt             *time.Time `json:"closedAt"`
	ClosedBy             *string    `json:"closedBy"`
	ClosureNote          *string    `json:"closureNote"`
}

type ClosureResult struct {
	Item       RemediationItemView `json:"item"`
	Propagated []string            `json:"propagatedItemIds"`
}

func remediationItemView(item store.RemediationItem) RemediationItemView {
	view := RemediationItemView{
		ID:                   item.ID,
		FamilyID:             item.FamilyID,
		RevisionID:           item.RevisionID,
		RevisionNumber:       item.RevisionNumber,
		OriginItemID:         item.OriginItemID,
		OriginRevisionNumber: item.OriginRevisionNumber,
		Reference:            item.Reference,
		Status:               string(item.Status),
		Tier:                 item.Tier,
		PriorityCode:         item.PriorityCode,
		Explanation:          item.Explanation,
		Hazard:               item.Hazard,
		Description:          item.Description,
		Owner:                item.Owner,
		ClosedAt:             item.ClosedAt,
		ClosedBy:             item.ClosedBy,
		ClosureNote:          item.ClosureNote,
	}
	if item.TargetDate != nil {
		date := item.TargetDate.Format(dateLayout)
		view.TargetDate = &date
	}
	return view
}

func (s *Service) ListRemediationItems(ctx context.Context, revisionID string) ([]RemediationItemView, error) {
	if _, err := s.store.GetRevision(ctx, revisionID); err != nil {
		return nil, notFoundOr(err, "Revision", "load revision")
	}
	items, err := s.store.ListRemediationItems(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("list remediation items: %w", err)
	}
	views := make([]RemediationItemView, 0, len(items))
	for _, item := range items {
		views = append(views, remediationItemView(item))
	}
	return views, nil
}

func (s *Service) classify(input RemediationInput) (priority.Classification, error) {
	classification, err := s.classifier.Classify(priority.Draft{
		Hazard:       input.Hazard,
		Description:  input.Description,
		Severity:     input.Severity,
		Likelihood:   input.Likelihood,
		PriorityCode: input.PriorityCode,
	})
	if err != nil {
		if errors.Is(err, priority.ErrInvalidRating) {
			return priority.Classification{}, invalidInput(err.Error(), map[string]any{
				"severity":   input.Severity,
				"likelihood": input.Likelihood,
			})
		}
		return priority.Classification{}, fmt.Errorf("classify remediation item: %w", err)
	}
	return classification, nil
}

// AddRemediationItem classifies a new item, numbers it within the family and adds it to an
// editable revision. A new item starts its own lineage.
func (s *Service) AddRemediationItem(ctx context.Context, session Session, revisionID string, input RemediationInput) (RemediationItemView, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return RemediationItemView{}, err
	}
	rev, err := s.editableRevision(ctx, revisionID, "add_remediation")
	if err != nil {
		return RemediationItemView{}, err
	}
	targetDate, err := parseDate("targetDate", input.TargetDate)
	if err != nil {
		return RemediationItemView{}, err
	}
	classification, err := s.classify(input)
	if err != nil {
		return RemediationItemView{}, err
	}
	sequence, err := s.store.NextItemSequence(ctx, rev.FamilyID)
	if err != nil {
		return RemediationItemView{}, fmt.Errorf("reserve item reference: %w", err)
	}

	status := store.ItemOpen
	if input.Status != "" {
		status = store.ItemStatus(input.Status)
	}
	id := util.NewID("item")
	item := store.RemediationItem{
		ID:                   id,
		FamilyID:             rev.FamilyID,
		RevisionID:           rev.ID,
		RevisionNumber:       rev.RevisionNumber,
		OriginItemID:         id,
		OriginRevisionNumber: rev.RevisionNumber,
		Reference:            priority.Reference(classification.PriorityCode, sequence),
		Status:               status,
		Tier:                 classification.Tier,
		PriorityCode:         classification.PriorityCode,
		Explanation:          classification.Explanation,
		Hazard:               input.Hazard,
		Description:          input.Description,
		Owner:                input.Owner,
		TargetDate:           targetDate,
		CreatedBy:            session.UserName,
	}
	if err := s.store.InsertRemediationItem(ctx, item); err != nil {
		return RemediationItemView{}, s.storeWriteError(ctx, rev, "add_remediation", err)
	}
	s.audit(ctx, store.AuditEvent{
		FamilyID:   rev.FamilyID,
		RevisionID: rev.ID,
		EventType:  "remediation.added",
		ActorName:  session.UserName,
		Payload:    map[string]any{"itemId": item.ID, "reference": item.Reference},
	})
	return remediationItemView(item), nil
}

// UpdateRemediationItem edits an item. The reference stays as first assigned; closing goes
// through CloseRemediationItem.
func (s *Service) UpdateRemediationItem(ctx context.Context, session Session, itemID string, input RemediationInput) (RemediationItemView, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return RemediationItemView{}, err
	}
	item, rev, err := s.editableItem(ctx, itemID, "update_remediation")
	if err != nil {
		return RemediationItemView{}, err
	}
	if item.Status == store.ItemClosed {
		return RemediationItemView{}, domainError(http.StatusConflict, CodeConflict,
			fmt.Sprintf("Item %s is closed", item.Reference),
			map[string]any{"itemId": item.ID, "status": item.Status, "retryable": false})
	}
	targetDate, err := parseDate("targetDate", input.TargetDate)
	if err != nil {
		return RemediationItemView{}, err
	}
	if input.Severity != "" || input.Likelihood != "" || input.PriorityCode != "" {
		classification, err := s.classify(input)
		if err != nil {
			return RemediationItemView{}, err
		}
		item.Tier = classification.Tier
		item.PriorityCode = classification.PriorityCode
		item.Explanation = classification.Explanation
	}
	if input.Status != "" {
		item.Status = store.ItemStatus(input.Status)
	}
	item.Hazard = input.Hazard
	item.Description = input.Description
	item.Owner = input.Owner
	item.TargetDate = targetDate

	if err := s.store.UpdateRemediationItem(ctx, item); err != nil {
		return RemediationItemView{}, s.storeWriteError(ctx, rev, "update_remediation", err)
	}
	s.audit(ctx, store.AuditEvent{
		FamilyID:   rev.FamilyID,
		RevisionID: rev.ID,
		EventType:  "remediation.updated",
		ActorName:  session.UserName,
		Payload:    map[string]any{"itemId": item.ID, "status": item.Status},
	})
	return remediationItemView(item), nil
}

func (s *Service) DeleteRemediationItem(ctx context.Context, session Session, itemID string) error {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return err
	}
	item, rev, err := s.editableItem(ctx, itemID, "delete_remediation")
	if err != nil {
		return err
	}
	if err := s.store.DeleteRemediationItem(ctx, item.ID); err != nil {
		return s.storeWriteError(ctx, rev, "delete_remediation", err)
	}
	s.audit(ctx, store.AuditEvent{
		FamilyID:   rev.FamilyID,
		RevisionID: rev.ID,
		EventType:  "remediation.deleted",
		ActorName:  session.UserName,
		Payload:    map[string]any{"itemId": item.ID, "reference": item.Reference},
	})
	return nil
}

// CloseRemediationItem closes an item of an editable revision and every still-open copy of
// its lineage in earlier revisions. Later revisions and change summaries are left alone.
func (s *Service) CloseRemediationItem(ctx context.Context, session Session, itemID string, input CloseRemediationInput) (ClosureResult, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return ClosureResult{}, err
	}
	item, rev, err := s.editableItem(ctx, itemID, "close_remediation")
	if err != nil {
		return ClosureResult{}, err
	}
	if item.Status.Terminal() {
		return ClosureResult{}, domainError(http.StatusConflict, CodeConflict,
			fmt.Sprintf("Item %s is already %s", item.Reference, item.Status),
			map[string]any{"itemId": item.ID, "status": item.Status, "retryable": false})
	}

	closedAt := s.now().UTC()
	propagated, err := s.store.CloseRemediationItem(ctx, item.ID, session.UserName, input.Note, closedAt, store.AuditEvent{
		FamilyID:   rev.FamilyID,
		RevisionID: rev.ID,
		EventType:  "remediation.closed",
		ActorName:  session.UserName,
		Payload:    map[string]any{"itemId": item.ID, "originItemId": item.OriginItemID, "note": input.Note},
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return ClosureResult{}, domainError(http.StatusConflict, CodeConflict,
				fmt.Sprintf("Item %s was closed concurrently", item.Reference),
				map[string]any{"itemId": item.ID, "retryable": false})
		}
		return ClosureResult{}, s.storeWriteError(ctx, rev, "close_remediation", err)
	}

	closed, err := s.store.GetRemediationItem(ctx, item.ID)
	if err != nil {
		return ClosureResult{}, fmt.Errorf("reload remediation item: %w", err)
	}
	s.logger.Info("remediation item closed",
		zap.String("item_id", item.ID),
		zap.String("origin_item_id", item.OriginItemID),
		zap.Strings("propagated", propagated),
	)
	return ClosureResult{Item: remediationItemView(closed), Propagated: propagated}, nil
}

func (s *Service) editableItem(ctx context.Context, itemID, operation string) (store.RemediationItem, store.DocumentRevision, error) {
	item, err := s.store.GetRemediationItem(ctx, itemID)
	if err != nil {
		return store.RemediationItem{}, store.DocumentRevision{}, notFoundOr(err, "Remediation item", "load remediation item")
	}
	rev, err := s.editableRevision(ctx, item.RevisionID, operation)
	if err != nil {
		return store.RemediationItem{}, store.DocumentRevision{}, err
	}
	return item, rev, nil
}
