package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dossier/api/internal/artifact"
	"dossier/api/internal/config"
	"dossier/api/internal/lock"
	"dossier/api/internal/priority"
	"dossier/api/internal/rbac"
	"dossier/api/internal/readiness"
	"dossier/api/internal/render"
	"dossier/api/internal/store"
)

// Session is the verified identity behind a request.
type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

type dataStore interface {
	Ping(context.Context) error
	CreateFamily(context.Context, store.DocumentFamily, store.DocumentRevision, store.AuditEvent) error
	GetFamily(context.Context, string) (store.DocumentFamily, error)
	DeleteFamily(context.Context, string) error
	GetRevision(context.Context, string) (store.DocumentRevision, error)
	GetRevisionByNumber(context.Context, string, int) (store.DocumentRevision, error)
	LatestRevision(context.Context, string) (store.DocumentRevision, error)
	ListRevisions(context.Context, string) ([]store.RevisionSummary, error)
	UpdateRevisionMetadata(context.Context, string, string, *time.Time) error
	DeleteRevision(context.Context, string) error
	TransitionStatus(context.Context, string, store.RevisionStatus, store.RevisionStatus, string, store.AuditEvent) error
	CreateRevision(context.Context, store.NewRevision) error
	ListModules(context.Context, string) ([]store.ModuleData, error)
	UpsertModule(context.Context, store.ModuleData) error
	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
	InsertChangeSummary(context.Context, store.ChangeSummary) (bool, error)
	GetChangeSummary(context.Context, string, int) (store.ChangeSummary, error)
	ListChangeSummaries(context.Context, string) ([]store.ChangeSummary, error)
	ListRemediationItems(context.Context, string) ([]store.RemediationItem, error)
	GetRemediationItem(context.Context, string) (store.RemediationItem, error)
	InsertRemediationItem(context.Context, store.RemediationItem) error
	UpdateRemediationItem(context.Context, store.RemediationItem) error
	DeleteRemediationItem(context.Context, string) error
	CloseRemediationItem(context.Context, string, string, string, time.Time, store.AuditEvent) ([]string, error)
	NextItemSequence(context.Context, string) (int, error)
	GetSnapshot(context.Context, string) (store.Snapshot, error)
	GetSnapshotByNumber(context.Context, string, int) (store.Snapshot, error)
	FinalizeIssuance(context.Context, store.Issuance) error
}

// artifactLocker is the part of artifact.Locker the service drives.
type artifactLocker interface {
	LockArtifact(ctx context.Context, revisionID string, data []byte, contentType string) (store.LockedArtifact, error)
	SignedURL(ctx context.Context, artifact store.LockedArtifact, ttl time.Duration) (string, error)
	Open(ctx context.Context, artifact store.LockedArtifact) ([]byte, error)
	Check(ctx context.Context, artifact store.LockedArtifact) error
	Restore(ctx context.Context, artifact store.LockedArtifact, data []byte) error
	Verify(ctx context.Context, artifact store.LockedArtifact) (artifact.Verification, error)
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Store      dataStore
	Artifacts  artifactLocker
	Renderer   render.Renderer
	Readiness  readiness.Validator
	Classifier priority.Classifier
	Locks      lock.Locker
	Logger     *zap.Logger
}

type Service struct {
	cfg         config.Config
	store       dataStore
	artifacts   artifactLocker
	renderer    render.Renderer
	readiness   readiness.Validator
	classifier  priority.Classifier
	locks       lock.Locker
	logger      *zap.Logger
	transitions map[transitionKey]transitionRule
	issuing     singleflight.Group
	now         func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = priority.MatrixClassifier{}
	}
	locks := deps.Locks
	if locks == nil {
		locks = lock.NewMemoryLocker()
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		artifacts:   deps.Artifacts,
		renderer:    deps.Renderer,
		readiness:   deps.Readiness,
		classifier:  classifier,
		locks:       locks,
		logger:      logger,
		transitions: lifecycleTable(),
		now:         time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

// RevisionState is the externally visible state of one revision.
type RevisionState struct {
	RevisionID         string        `json:"revisionId"`
	FamilyID           string        `json:"familyId"`
	RevisionNumber     int           `json:"revisionNumber"`
	Status             string        `json:"status"`
	Title              string        `json:"title"`
	AssessmentDate     *string       `json:"assessmentDate"`
	PreviousRevisionID *string       `json:"previousRevisionId"`
	ApprovedBy         *string       `json:"approvedBy"`
	ApprovedAt         *time.Time    `json:"approvedAt"`
	IssuedBy           *string       `json:"issuedBy"`
	IssuedAt           *time.Time    `json:"issuedAt"`
	ContentChecksum    *string       `json:"contentChecksum"`
	Artifact           *ArtifactView `json:"artifact"`
	AllowedActions     []Action      `json:"allowedActions"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type ArtifactView struct {
	Locator     string    `json:"locator"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func (s *Service) revisionState(rev store.DocumentRevision) RevisionState {
	state := RevisionState{
		RevisionID:         rev.ID,
		FamilyID:           rev.FamilyID,
		RevisionNumber:     rev.RevisionNumber,
		Status:             string(rev.Status),
		Title:              rev.Title,
		PreviousRevisionID: rev.PreviousRevisionID,
		ApprovedBy:         rev.ApprovedBy,
		ApprovedAt:         rev.ApprovedAt,
		IssuedBy:           rev.IssuedBy,
		IssuedAt:           rev.IssuedAt,
		ContentChecksum:    rev.ContentChecksum,
		AllowedActions:     s.allowedActions(rev.Status),
		UpdatedAt:          rev.UpdatedAt,
	}
	if rev.AssessmentDate != nil {
		date := rev.AssessmentDate.Format(dateLayout)
		state.AssessmentDate = &date
	}
	if rev.Artifact != nil {
		state.Artifact = &ArtifactView{
			Locator:     rev.Artifact.Locator,
			Digest:      rev.Artifact.Digest,
			Size:        rev.Artifact.Size,
			ContentType: rev.Artifact.ContentType,
			GeneratedAt: rev.Artifact.GeneratedAt,
		}
	}
	return state
}

const dateLayout = "2006-01-02"

func parseDate(field string, value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(dateLayout, *value)
	if err != nil {
		return nil, invalidInput(field+" must be a date in YYYY-MM-DD form", map[string]any{"field": field})
	}
	return &parsed, nil
}

func (s *Service) audit(ctx context.Context, event store.AuditEvent) {
	if err := s.store.InsertAuditEvent(ctx, event); err != nil {
		s.logger.Warn("audit event not recorded",
			zap.String("event_type", event.EventType),
			zap.String("revision_id", event.RevisionID),
			zap.Error(err),
		)
	}
}

type pinger interface {
	Ping(context.Context) error
}

// Ready checks the dependencies a request needs.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	check := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", s.store.Ping(ctx))
	if p, ok := s.locks.(pinger); ok {
		check("lock", p.Ping(ctx))
	}
	return ready, checks
}
