package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dossier/api/internal/rbac"
	"dossier/api/internal/store"
	"dossier/api/internal/util"
)

type CreateFamilyInput struct {
	OrganizationID string  `json:"organizationId" validate:"required,max=200"`
	Kind           string  `json:"kind" validate:"required,oneof=fire-risk-assessment fire-strategy explosive-atmosphere engineering-risk"`
	Jurisdiction   string  `json:"jurisdiction" validate:"max=50"`
	Title          string  `json:"title" validate:"max=500"`
	AssessmentDate *string `json:"assessmentDate"`
}

type UpdateRevisionInput struct {
	Title          *string `json:"title" validate:"omitempty,max=500"`
	AssessmentDate *string `json:"assessmentDate"`
}

type SaveModuleInput struct {
	Data      json.RawMessage `json:"data" validate:"required"`
	Completed bool            `json:"completed"`
}

type RevisionListItem struct {
	RevisionID     string     `json:"revisionId"`
	RevisionNumber int        `json:"revisionNumber"`
	Status         string     `json:"status"`
	IssuedAt       *time.Time `json:"issuedAt"`
}

type FamilyView struct {
	FamilyID       string             `json:"familyId"`
	OrganizationID string             `json:"organizationId"`
	Kind           string             `json:"kind"`
	Jurisdiction   string             `json:"jurisdiction"`
	CreatedBy      string             `json:"createdBy"`
	CreatedAt      time.Time          `json:"createdAt"`
	Revisions      []RevisionListItem `json:"revisions"`
}

type ModuleView struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Completed bool            `json:"completed"`
	UpdatedBy string          `json:"updatedBy"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type RevisionDetail struct {
	RevisionState
	Modules []ModuleView `json:"modules"`
}

type AuditEventView struct {
	ID         int64          `json:"id"`
	RevisionID string         `json:"revisionId"`
	EventType  string         `json:"eventType"`
	Actor      string         `json:"actor"`
	FromStatus string         `json:"fromStatus,omitempty"`
	ToStatus   string         `json:"toStatus,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// requiredModuleLister is implemented by validators that know which modules a kind needs.
type requiredModuleLister interface {
	RequiredModules(kind store.DocumentKind, jurisdiction string) []string
}

// CreateFamily creates a family with its first draft revision.
func (s *Service) CreateFamily(ctx context.Context, session Session, input CreateFamilyInput) (FamilyView, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return FamilyView{}, err
	}
	kind := store.DocumentKind(input.Kind)
	if !kind.Valid() {
		return FamilyView{}, invalidInput("Unknown document kind", map[string]any{"kind": input.Kind})
	}
	assessmentDate, err := parseDate("assessmentDate", input.AssessmentDate)
	if err != nil {
		return FamilyView{}, err
	}

	family := store.DocumentFamily{
		ID:             util.NewID("fam"),
		OrganizationID: input.OrganizationID,
		Kind:           kind,
		Jurisdiction:   input.Jurisdiction,
		CreatedBy:      session.UserName,
	}
	first := store.DocumentRevision{
		ID:             util.NewID("rev"),
		FamilyID:       family.ID,
		RevisionNumber: 1,
		Status:         store.StatusDraft,
		Title:          input.Title,
		AssessmentDate: assessmentDate,
		CreatedBy:      session.UserName,
	}
	if err := s.store.CreateFamily(ctx, family, first, store.AuditEvent{
		FamilyID:   family.ID,
		RevisionID: first.ID,
		EventType:  "family.created",
		ActorName:  session.UserName,
		ToStatus:   string(store.StatusDraft),
		Payload:    map[string]any{"kind": input.Kind, "jurisdiction": input.Jurisdiction},
	}); err != nil {
		return FamilyView{}, fmt.Errorf("create family: %w", err)
	}

	if lister, ok := s.readiness.(requiredModuleLister); ok {
		for _, key := range lister.RequiredModules(kind, input.Jurisdiction) {
			if err := s.store.UpsertModule(ctx, store.ModuleData{
				RevisionID: first.ID,
				ModuleKey:  key,
				Data:       json.RawMessage(`{}`),
				UpdatedBy:  session.UserName,
			}); err != nil {
				return FamilyView{}, fmt.Errorf("seed module %s: %w", key, err)
			}
		}
	}

	s.logger.Info("family created",
		zap.String("family_id", family.ID),
		zap.String("kind", input.Kind),
		zap.String("revision_id", first.ID),
	)
	return s.GetFamily(ctx, family.ID)
}

func (s *Service) GetFamily(ctx context.Context, familyID string) (FamilyView, error) {
	family, err := s.store.GetFamily(ctx, familyID)
	if err != nil {
		return FamilyView{}, notFoundOr(err, "Family", "load family")
	}
	revisions, err := s.ListRevisions(ctx, familyID)
	if err != nil {
		return FamilyView{}, err
	}
	return FamilyView{
		FamilyID:       family.ID,
		OrganizationID: family.OrganizationID,
		Kind:           string(family.Kind),
		Jurisdiction:   family.Jurisdiction,
		CreatedBy:      family.CreatedBy,
		CreatedAt:      family.CreatedAt,
		Revisions:      revisions,
	}, nil
}

// DeleteFamily removes a family that has never been issued.
func (s *Service) DeleteFamily(ctx context.Context, session Session, familyID string) error {
	if err := s.authorize(session, rbac.ActionDelete); err != nil {
		return err
	}
	latest, err := s.store.LatestRevision(ctx, familyID)
	if err != nil {
		return notFoundOr(err, "Family", "load latest revision")
	}
	if latest.RevisionNumber > 1 {
		first, err := s.store.GetRevisionByNumber(ctx, familyID, 1)
		if err != nil {
			return fmt.Errorf("load first revision: %w", err)
		}
		return s.rejectLocked(first, "delete_family")
	}
	if latest.Status.Locked() {
		return s.rejectLocked(latest, "delete_family")
	}
	if err := s.store.DeleteFamily(ctx, familyID); err != nil {
		return s.storeWriteError(ctx, latest, "delete_family", err)
	}
	s.logger.Info("family deleted", zap.String("family_id", familyID), zap.String("actor", session.UserName))
	return nil
}

// ListRevisions lists a family's revisions, oldest first.
func (s *Service) ListRevisions(ctx context.Context, familyID string) ([]RevisionListItem, error) {
	summaries, err := s.store.ListRevisions(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	if len(summaries) == 0 {
		if _, err := s.store.GetFamily(ctx, familyID); err != nil {
			return nil, notFoundOr(err, "Family", "load family")
		}
	}
	items := make([]RevisionListItem, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, RevisionListItem{
			RevisionID:     summary.RevisionID,
			RevisionNumber: summary.RevisionNumber,
			Status:         string(summary.Status),
			IssuedAt:       summary.IssuedAt,
		})
	}
	return items, nil
}

// GetRevision returns a revision with its current module content.
func (s *Service) GetRevision(ctx context.Context, revisionID string) (RevisionDetail, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return RevisionDetail{}, notFoundOr(err, "Revision", "load revision")
	}
	modules, err := s.store.ListModules(ctx, revisionID)
	if err != nil {
		return RevisionDetail{}, fmt.Errorf("load modules: %w", err)
	}
	views := make([]ModuleView, 0, len(modules))
	for _, module := range modules {
		views = append(views, moduleView(module))
	}
	return RevisionDetail{RevisionState: s.revisionState(rev), Modules: views}, nil
}

func moduleView(module store.ModuleData) ModuleView {
	return ModuleView{
		Key:       module.ModuleKey,
		Data:      module.Data,
		Completed: module.Completed,
		UpdatedBy: module.UpdatedBy,
		UpdatedAt: module.UpdatedAt,
	}
}

// UpdateRevision edits the title or assessment date of an editable revision.
func (s *Service) UpdateRevision(ctx context.Context, session Session, revisionID string, input UpdateRevisionInput) (RevisionState, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return RevisionState{}, err
	}
	rev, err := s.editableRevision(ctx, revisionID, "update_revision")
	if err != nil {
		return RevisionState{}, err
	}
	title := rev.Title
	if input.Title != nil {
		title = *input.Title
	}
	assessmentDate := rev.AssessmentDate
	if input.AssessmentDate != nil {
		assessmentDate, err = parseDate("assessmentDate", input.AssessmentDate)
		if err != nil {
			return RevisionState{}, err
		}
	}
	if err := s.store.UpdateRevisionMetadata(ctx, rev.ID, title, assessmentDate); err != nil {
		return RevisionState{}, s.storeWriteError(ctx, rev, "update_revision", err)
	}
	s.audit(ctx, store.AuditEvent{
		FamilyID:   rev.FamilyID,
		RevisionID: rev.ID,
		EventType:  "revision.updated",
		ActorName:  session.UserName,
		Payload:    map[string]any{"title": title},
	})
	updated, err := s.store.GetRevision(ctx, rev.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("reload revision: %w", err)
	}
	return s.revisionState(updated), nil
}

// DeleteRevision deletes a draft. Only the first revision of a family can be deleted, and
// the family goes with it: a later draft replaced an issued revision that is already superseded.
func (s *Service) DeleteRevision(ctx context.Context, session Session, revisionID string) error {
	if err := s.authorize(session, rbac.ActionDelete); err != nil {
		return err
	}
	rev, err := s.editableRevision(ctx, revisionID, "delete_revision")
	if err != nil {
		return err
	}
	if rev.Status != store.StatusDraft {
		return domainError(http.StatusConflict, CodeInvalidTransition,
			fmt.Sprintf("Revision %d is %s; only a draft can be deleted", rev.RevisionNumber, rev.Status),
			map[string]any{"revisionNumber": rev.RevisionNumber, "currentStatus": rev.Status, "retryable": false})
	}
	if rev.RevisionNumber > 1 {
		return domainError(http.StatusConflict, CodeConflict,
			fmt.Sprintf("Revision %d replaces issued revision %d and cannot be deleted; edit it instead", rev.RevisionNumber, rev.RevisionNumber-1),
			map[string]any{"revisionNumber": rev.RevisionNumber, "retryable": false})
	}
	if err := s.store.DeleteRevision(ctx, rev.ID); err != nil {
		return s.storeWriteError(ctx, rev, "delete_revision", err)
	}
	if err := s.store.DeleteFamily(ctx, rev.FamilyID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete family: %w", err)
	}
	s.logger.Info("draft deleted",
		zap.String("revision_id", rev.ID),
		zap.String("family_id", rev.FamilyID),
		zap.String("actor", session.UserName),
	)
	return nil
}

// SaveModule replaces the data of one module of an editable revision.
func (s *Service) SaveModule(ctx context.Context, session Session, revisionID, moduleKey string, input SaveModuleInput) (ModuleView, error) {
	if err := s.authorize(session, rbac.ActionEdit); err != nil {
		return ModuleView{}, err
	}
	if moduleKey == "" || len(moduleKey) > 100 {
		return ModuleView{}, invalidInput("Module key must be 1 to 100 characters", nil)
	}
	trimmed := bytes.TrimSpace(input.Data)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		return ModuleView{}, invalidInput("Module data must be a JSON object", map[string]any{"module": moduleKey})
	}
	rev, err := s.editableRevision(ctx, revisionID, "save_module")
	if err != nil {
		return ModuleView{}, err
	}
	module := store.ModuleData{
		RevisionID: rev.ID,
		ModuleKey:  moduleKey,
		Data:       json.RawMessage(trimmed),
		Completed:  input.Completed,
		UpdatedBy:  session.UserName,
	}
	if err := s.store.UpsertModule(ctx, module); err != nil {
		return ModuleView{}, s.storeWriteError(ctx, rev, "save_module", err)
	}
	module.UpdatedAt = s.now().UTC()
	return moduleView(module), nil
}

// ListAuditEvents returns the most recent audit events of a family.
func (s *Service) ListAuditEvents(ctx context.Context, familyID string, limit int) ([]AuditEventView, error) {
	if _, err := s.store.GetFamily(ctx, familyID); err != nil {
		return nil, notFoundOr(err, "Family", "load family")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.store.ListAuditEvents(ctx, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	views := make([]AuditEventView, 0, len(events))
	for _, event := range events {
		views = append(views, AuditEventView{
			ID:         event.ID,
			RevisionID: event.RevisionID,
			EventType:  event.EventType,
			Actor:      event.ActorName,
			FromStatus: event.FromStatus,
			ToStatus:   event.ToStatus,
			Payload:    event.Payload,
			CreatedAt:  event.CreatedAt,
		})
	}
	return views, nil
}
