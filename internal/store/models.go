package store

import (
	"encoding/json"
	"time"
)

type DocumentKind string

const (
	KindFireRiskAssessment  DocumentKind = "fire-risk-assessment"
	KindFireStrategy        DocumentKind = "fire-strategy"
	KindExplosiveAtmosphere DocumentKind = "explosive-atmosphere"
	KindEngineeringRisk     DocumentKind = "engineering-risk"
)

func (k DocumentKind) Valid() bool {
	switch k {
	case KindFireRiskAssessment, KindFireStrategy, KindExplosiveAtmosphere, KindEngineeringRisk:
		return true
	default:
		return false
	}
}

type RevisionStatus string

const (
	StatusDraft      RevisionStatus = "draft"
	StatusInReview   RevisionStatus = "in_review"
	StatusApproved   RevisionStatus = "approved"
	StatusIssued     RevisionStatus = "issued"
	StatusSuperseded RevisionStatus = "superseded"
)

// Locked reports whether content belonging to a revision in this status is frozen.
func (s RevisionStatus) Locked() bool {
	return s == StatusIssued || s == StatusSuperseded
}

type ItemStatus string

const (
	ItemOpen          ItemStatus = "open"
	ItemInProgress    ItemStatus = "in_progress"
	ItemClosed        ItemStatus = "closed"
	ItemNotApplicable ItemStatus = "not_applicable"
	ItemDeferred      ItemStatus = "deferred"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemOpen, ItemInProgress, ItemClosed, ItemNotApplicable, ItemDeferred:
		return true
	default:
		return false
	}
}

// CarriesForward reports whether an item in this status is copied into the next draft.
func (s ItemStatus) CarriesForward() bool {
	return s == ItemOpen || s == ItemInProgress || s == ItemDeferred
}

// Terminal statuses are never touched by closure propagation.
func (s ItemStatus) Terminal() bool {
	return s == ItemClosed || s == ItemNotApplicable
}

type DocumentFamily struct {
	ID             string
	OrganizationID string
	Kind           DocumentKind
	Jurisdiction   string
	CreatedBy      string
	CreatedAt      time.Time
}

// LockedArtifact is the rendered output bound to one revision. Locator and Digest are write-once.
type LockedArtifact struct {
	Locator     string
	Digest      string
	Size        int64
	ContentType string
	GeneratedAt time.Time
}

type DocumentRevision struct {
	ID                 string
	FamilyID           string
	RevisionNumber     int
	Status             RevisionStatus
	Title              string
	AssessmentDate     *time.Time
	PreviousRevisionID *string
	ApprovedBy         *string
	ApprovedAt         *time.Time
	IssuedBy           *string
	IssuedAt           *time.Time
	Artifact           *LockedArtifact
	ContentChecksum    *string
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RevisionSummary is one row of a family's revision listing.
type RevisionSummary struct {
	RevisionID     string
	RevisionNumber int
	Status         RevisionStatus
	IssuedAt       *time.Time
}

// ModuleData is the mutable current content of one section of a revision.
type ModuleData struct {
	RevisionID string
	ModuleKey  string
	Data       json.RawMessage
	Completed  bool
	UpdatedBy  string
	UpdatedAt  time.Time
}

type Snapshot struct {
	ID             string
	FamilyID       string
	RevisionID     string
	RevisionNumber int
	CapturedAt     time.Time
	Digest         string
	Payload        []byte
}

type RemediationItem struct {
	ID                   string
	FamilyID             string
	RevisionID           string
	RevisionNumber       int
	OriginItemID         string
	OriginRevisionNumber int
	Reference            string
	Status               ItemStatus
	Tier                 string
	PriorityCode         string
	Explanation          string
	Hazard               string
	Description          string
	Owner                string
	TargetDate           *time.Time
	ClosedAt             *time.Time
	ClosedBy             *string
	ClosureNote          *string
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type ChangeSummary struct {
	FamilyID       string
	RevisionNumber int
	GeneratedAt    time.Time
	Author         string
	Summary        string
	Details        json.RawMessage
}

type AuditEvent struct {
	ID         int64
	FamilyID   string
	RevisionID string
	EventType  string
	ActorName  string
	FromStatus string
	ToStatus   string
	Payload    map[string]any
	CreatedAt  time.Time
}

// NewRevision describes the draft created by create-revision together with everything
// that must become visible atomically with it.
type NewRevision struct {
	Revision     DocumentRevision
	Modules      []ModuleData
	CarriedItems []RemediationItem
	PriorID      string
	Audit        AuditEvent
}

// Issuance is the final write set of the approved → issued transition.
type Issuance struct {
	RevisionID      string
	FamilyID        string
	RevisionNumber  int
	IssuedBy        string
	IssuedAt        time.Time
	Snapshot        Snapshot
	ArtifactDigest  string
	ContentChecksum string
	Audit           AuditEvent
}
