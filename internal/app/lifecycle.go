package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"dossier/api/internal/metrics"
	"dossier/api/internal/rbac"
	"dossier/api/internal/store"
)

type Action string

const (
	ActionSubmit         Action = "submit"
	ActionReturn         Action = "return"
	ActionApprove        Action = "approve"
	ActionIssue          Action = "issue"
	ActionCreateRevision Action = "create_revision"
)

type TransitionInput struct {
	Action  Action `json:"action" validate:"required,oneof=submit return approve issue create_revision"`
	Confirm bool   `json:"confirm"`
	Note    string `json:"note" validate:"max=2000"`
}

type transitionKey struct {
	from   store.RevisionStatus
	action Action
}

type transitionExecutor func(s *Service, ctx context.Context, session Session, rev store.DocumentRevision, input TransitionInput) (RevisionState, error)

type transitionRule struct {
	to         store.RevisionStatus
	permission rbac.Action
	elevated   bool
	run        transitionExecutor
}

// lifecycleTable lists every legal (status, action) pair. Anything absent is an invalid transition.
func lifecycleTable() map[transitionKey]transitionRule {
	return map[transitionKey]transitionRule{
		{store.StatusDraft, ActionSubmit}: {
			to: store.StatusInReview, permission: rbac.ActionSubmit, run: (*Service).moveStatus,
		},
		{store.StatusInReview, ActionReturn}: {
			to: store.StatusDraft, permission: rbac.ActionReview, run: (*Service).moveStatus,
		},
		{store.StatusInReview, ActionApprove}: {
			to: store.StatusApproved, permission: rbac.ActionApprove, elevated: true, run: (*Service).moveStatus,
		},
		{store.StatusApproved, ActionIssue}: {
			to: store.StatusIssued, permission: rbac.ActionIssue, elevated: true, run: (*Service).issue,
		},
		// a repeated issue request observes the state the first one produced
		{store.StatusIssued, ActionIssue}: {
			to: store.StatusIssued, permission: rbac.ActionIssue, elevated: true, run: (*Service).alreadyIssued,
		},
		{store.StatusIssued, ActionCreateRevision}: {
			to: store.StatusDraft, permission: rbac.ActionRevise, run: (*Service).createRevision,
		},
	}
}

func (s *Service) allowedActions(status store.RevisionStatus) []Action {
	actions := make([]Action, 0, 2)
	for key := range s.transitions {
		if key.from == status && !(key.from == store.StatusIssued && key.action == ActionIssue) {
			actions = append(actions, key.action)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// Transition applies action to a revision.
func (s *Service) Transition(ctx context.Context, session Session, revisionID string, input TransitionInput) (RevisionState, error) {
	state, err := s.transition(ctx, session, revisionID, input)
	metrics.ObserveTransition(string(input.Action), resultCode(err))
	return state, err
}

func (s *Service) transition(ctx context.Context, session Session, revisionID string, input TransitionInput) (RevisionState, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return RevisionState{}, notFoundOr(err, "Revision", "load revision")
	}
	rule, ok := s.transitions[transitionKey{from: rev.Status, action: input.Action}]
	if !ok {
		return RevisionState{}, invalidTransition(rev, input.Action)
	}
	if err := s.authorize(session, rule.permission); err != nil {
		return RevisionState{}, err
	}
	if rule.elevated && !rbac.Elevated(session.Role) {
		return RevisionState{}, forbidden(string(input.Action))
	}
	return rule.run(s, ctx, session, rev, input)
}

// moveStatus handles the transitions that only change status.
func (s *Service) moveStatus(ctx context.Context, session Session, rev store.DocumentRevision, input TransitionInput) (RevisionState, error) {
	rule := s.transitions[transitionKey{from: rev.Status, action: input.Action}]
	approvedBy := ""
	if rule.to == store.StatusApproved {
		approvedBy = session.UserName
	}
	event := store.AuditEvent{
		FamilyID:   rev.FamilyID,
		RevisionID: rev.ID,
		EventType:  "revision." + string(input.Action),
		ActorName:  session.UserName,
		FromStatus: string(rev.Status),
		ToStatus:   string(rule.to),
		Payload:    map[string]any{"note": input.Note},
	}
	if err := s.store.TransitionStatus(ctx, rev.ID, rev.Status, rule.to, approvedBy, event); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return RevisionState{}, s.conflictingTransition(ctx, rev, input.Action)
		}
		return RevisionState{}, fmt.Errorf("transition revision: %w", err)
	}

	updated, err := s.store.GetRevision(ctx, rev.ID)
	if err != nil {
		return RevisionState{}, fmt.Errorf("reload revision: %w", err)
	}
	s.logger.Info("revision transitioned",
		zap.String("revision_id", rev.ID),
		zap.Int("revision_number", rev.RevisionNumber),
		zap.String("action", string(input.Action)),
		zap.String("from", string(rev.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", session.UserName),
	)
	return s.revisionState(updated), nil
}

// conflictingTransition reports a lost compare-and-set against the status observed now.
func (s *Service) conflictingTransition(ctx context.Context, rev store.DocumentRevision, action Action) error {
	current, err := s.store.GetRevision(ctx, rev.ID)
	if err != nil {
		return fmt.Errorf("reload revision: %w", err)
	}
	return invalidTransition(current, action)
}

func (s *Service) alreadyIssued(_ context.Context, _ Session, rev store.DocumentRevision, _ TransitionInput) (RevisionState, error) {
	return s.revisionState(rev), nil
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return "error"
}
