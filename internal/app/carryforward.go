package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dossier/api/internal/store"
	"dossier/api/internal/util"
)

// CreateRevision opens revision N+1 of a family from its issued revision N.
func (s *Service) CreateRevision(ctx context.Context, session Session, familyID, note string) (RevisionState, error) {
	latest, err := s.store.LatestRevision(ctx, familyID)
	if err != nil {
		return RevisionState{}, notFoundOr(err, "Family", "load latest revision")
	}
	return s.Transition(ctx, session, latest.ID, TransitionInput{Action: ActionCreateRevision, Note: note})
}

func (s *Service) createRevision(ctx context.Context, session Session, prior store.DocumentRevision, input TransitionInput) (RevisionState, error) {
	latest, err := s.store.LatestRevision(ctx, prior.FamilyID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("load latest revision: %w", err)
	}
	if latest.ID != prior.ID {
		return RevisionState{}, invalidTransition(prior, ActionCreateRevision)
	}
	modules, err := s.store.ListModules(ctx, prior.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("load modules: %w", err)
	}
	items, err := s.store.ListRemediationItems(ctx, prior.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("load remediation items: %w", err)
	}

	priorID := prior.ID
	next := store.DocumentRevision{
		ID:                 util.NewID("rev"),
		FamilyID:           prior.FamilyID,
		RevisionNumber:     latest.RevisionNumber + 1,
		Status:             store.StatusDraft,
		Title:              prior.Title,
		AssessmentDate:     prior.AssessmentDate,
		PreviousRevisionID: &priorID,
		CreatedBy:          session.UserName,
	}
	copies := make([]store.ModuleData, 0, len(modules))
	for _, module := range modules {
		module.RevisionID = next.ID
		module.UpdatedBy = session.UserName
		copies = append(copies, module)
	}
	carried := carryForward(items, next, session.UserName)

	err = s.store.CreateRevision(ctx, store.NewRevision{
		Revision:     next,
		Modules:      copies,
		CarriedItems: carried,
		PriorID:      prior.ID,
		Audit: store.AuditEvent{
			FamilyID:   prior.FamilyID,
			RevisionID: next.ID,
			EventType:  "revision.create_revision",
			ActorName:  session.UserName,
			FromStatus: string(store.StatusIssued),
			ToStatus:   string(store.StatusDraft),
			Payload: map[string]any{
				"note":               input.Note,
				"previousRevisionId": prior.ID,
				"carriedItems":       len(carried),
			},
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrDuplicate) {
			return RevisionState{}, s.conflictingTransition(ctx, prior, ActionCreateRevision)
		}
		return RevisionState{}, fmt.Errorf("create revision: %w", err)
	}

	created, err := s.store.GetRevision(ctx, next.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("reload revision: %w", err)
	}
	s.logger.Info("revision created",
		zap.String("family_id", prior.FamilyID),
		zap.String("revision_id", created.ID),
		zap.Int("revision_number", created.RevisionNumber),
		zap.String("previous_revision_id", prior.ID),
		zap.Int("carried_items", len(carried)),
	)
	return s.revisionState(created), nil
}

// carryForward copies the still-open items of a revision into next. Each copy keeps the
// root of its lineage and the revision the item was first raised in.
func carryForward(items []store.RemediationItem, next store.DocumentRevision, actor string) []store.RemediationItem {
	carried := make([]store.RemediationItem, 0, len(items))
	for _, item := range items {
		if !item.Status.CarriesForward() {
			continue
		}
		originID := item.OriginItemID
		if originID == "" {
			originID = item.ID
		}
		originRevision := item.OriginRevisionNumber
		if originRevision == 0 {
			originRevision = item.RevisionNumber
		}
		item.ID = util.NewID("item")
		item.RevisionID = next.ID
		item.RevisionNumber = next.RevisionNumber
		item.OriginItemID = originID
		item.OriginRevisionNumber = originRevision
		item.ClosedAt = nil
		item.ClosedBy = nil
		item.ClosureNote = nil
		item.CreatedBy = actor
		carried = append(carried, item)
	}
	return carried
}
