package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dossier/api/internal/store"
)

// memStore mirrors the PostgreSQL store closely enough for service tests, including the
// write-lock triggers and the compare-and-set status updates.
type memStore struct {
	mu            sync.Mutex
	families      map[string]store.DocumentFamily
	revisions     map[string]store.DocumentRevision
	modules       map[string]map[string]store.ModuleData
	items         map[string]store.RemediationItem
	snapshots     map[string]store.Snapshot
	summaries     map[string]store.ChangeSummary
	audit         []store.AuditEvent
	sequences     map[string]int
	pingErr       error
	finalizeErr   error
	finalizeCalls int
	// beforeFinalize runs inside FinalizeIssuance, before any check, while no lock is held.
	beforeFinalize func()
}

func newMemStore() *memStore {
	return &memStore{
		families:  map[string]store.DocumentFamily{},
		revisions: map[string]store.DocumentRevision{},
		modules:   map[string]map[string]store.ModuleData{},
		items:     map[string]store.RemediationItem{},
		snapshots: map[string]store.Snapshot{},
		summaries: map[string]store.ChangeSummary{},
		sequences: map[string]int{},
	}
}

func locked(op string) error {
	return fmt.Errorf("%s: %w", op, store.ErrRevisionLocked)
}

func copyRevision(rev store.DocumentRevision) store.DocumentRevision {
	if rev.Artifact != nil {
		a := *rev.Artifact
		rev.Artifact = &a
	}
	return rev
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateFamily(_ context.Context, family store.DocumentFamily, first store.DocumentRevision, audit store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[family.ID]; ok {
		return fmt.Errorf("insert family: %w", store.ErrDuplicate)
	}
	now := time.Now().UTC()
	family.CreatedAt = now
	first.CreatedAt, first.UpdatedAt = now, now
	m.families[family.ID] = family
	m.revisions[first.ID] = first
	m.audit = append(m.audit, audit)
	return nil
}

func (m *memStore) GetFamily(_ context.Context, familyID string) (store.DocumentFamily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	family, ok := m.families[familyID]
	if !ok {
		return store.DocumentFamily{}, fmt.Errorf("get family: %w", store.ErrNotFound)
	}
	return family, nil
}

func (m *memStore) DeleteFamily(_ context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[familyID]; !ok {
		return fmt.Errorf("delete family: %w", store.ErrNotFound)
	}
	for _, rev := range m.revisions {
		if rev.FamilyID == familyID && rev.Status != store.StatusDraft {
			return locked("delete family")
		}
	}
	for id, rev := range m.revisions {
		if rev.FamilyID == familyID {
			delete(m.revisions, id)
			delete(m.modules, id)
		}
	}
	for id, item := range m.items {
		if item.FamilyID == familyID {
			delete(m.items, id)
		}
	}
	delete(m.families, familyID)
	return nil
}

func (m *memStore) GetRevision(_ context.Context, revisionID string) (store.DocumentRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok {
		return store.DocumentRevision{}, fmt.Errorf("get revision: %w", store.ErrNotFound)
	}
	return copyRevision(rev), nil
}

func (m *memStore) GetRevisionByNumber(_ context.Context, familyID string, number int) (store.DocumentRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rev := range m.revisions {
		if rev.FamilyID == familyID && rev.RevisionNumber == number {
			return copyRevision(rev), nil
		}
	}
	return store.DocumentRevision{}, fmt.Errorf("get revision by number: %w", store.ErrNotFound)
}

func (m *memStore) LatestRevision(_ context.Context, familyID string) (store.DocumentRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.DocumentRevision
	for _, rev := range m.revisions {
		if rev.FamilyID != familyID {
			continue
		}
		if latest == nil || rev.RevisionNumber > latest.RevisionNumber {
			r := rev
			latest = &r
		}
	}
	if latest == nil {
		return store.DocumentRevision{}, fmt.Errorf("latest revision: %w", store.ErrNotFound)
	}
	return copyRevision(*latest), nil
}

func (m *memStore) ListRevisions(_ context.Context, familyID string) ([]store.RevisionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.RevisionSummary, 0)
	for _, rev := range m.revisions {
		if rev.FamilyID == familyID {
			out = append(out, store.RevisionSummary{RevisionID: rev.ID, RevisionNumber: rev.RevisionNumber, Status: rev.Status, IssuedAt: rev.IssuedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevisionNumber < out[j].RevisionNumber })
	return out, nil
}

func (m *memStore) UpdateRevisionMetadata(_ context.Context, revisionID, title string, assessmentDate *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok || rev.Status.Locked() {
		return fmt.Errorf("update revision metadata: %w", store.ErrStatusConflict)
	}
	rev.Title = title
	rev.AssessmentDate = assessmentDate
	rev.UpdatedAt = time.Now().UTC()
	m.revisions[revisionID] = rev
	return nil
}

func (m *memStore) DeleteRevision(_ context.Context, revisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok || rev.Status != store.StatusDraft {
		return fmt.Errorf("delete revision: %w", store.ErrStatusConflict)
	}
	delete(m.revisions, revisionID)
	delete(m.modules, revisionID)
	for id, item := range m.items {
		if item.RevisionID == revisionID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *memStore) TransitionStatus(_ context.Context, revisionID string, from, to store.RevisionStatus, approvedBy string, audit store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok || rev.Status != from {
		return fmt.Errorf("transition status: %w", store.ErrStatusConflict)
	}
	now := time.Now().UTC()
	rev.Status = to
	switch {
	case approvedBy != "":
		rev.ApprovedBy = &approvedBy
		rev.ApprovedAt = &now
	case to == store.StatusDraft:
		rev.ApprovedBy = nil
		rev.ApprovedAt = nil
	}
	rev.UpdatedAt = now
	m.revisions[revisionID] = rev
	m.audit = append(m.audit, audit)
	return nil
}

func (m *memStore) CreateRevision(_ context.Context, next store.NewRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior, ok := m.revisions[next.PriorID]
	if !ok || prior.Status != store.StatusIssued {
		return fmt.Errorf("supersede prior revision: %w", store.ErrStatusConflict)
	}
	for _, rev := range m.revisions {
		if rev.FamilyID == next.Revision.FamilyID && rev.RevisionNumber == next.Revision.RevisionNumber {
			return fmt.Errorf("insert revision: %w", store.ErrDuplicate)
		}
	}
	prior.Status = store.StatusSuperseded
	m.revisions[prior.ID] = prior

	now := time.Now().UTC()
	rev := next.Revision
	rev.CreatedAt, rev.UpdatedAt = now, now
	m.revisions[rev.ID] = rev
	for _, module := range next.Modules {
		module.RevisionID = rev.ID
		module.UpdatedAt = now
		if m.modules[rev.ID] == nil {
			m.modules[rev.ID] = map[string]store.ModuleData{}
		}
		m.modules[rev.ID][module.ModuleKey] = module
	}
	for _, item := range next.CarriedItems {
		item.CreatedAt, item.UpdatedAt = now, now
		m.items[item.ID] = item
	}
	m.audit = append(m.audit, next.Audit)
	return nil
}

func (m *memStore) ListModules(_ context.Context, revisionID string) ([]store.ModuleData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ModuleData, 0)
	for _, module := range m.modules[revisionID] {
		out = append(out, module)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleKey < out[j].ModuleKey })
	return out, nil
}

func (m *memStore) UpsertModule(_ context.Context, module store.ModuleData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[module.RevisionID]
	if !ok {
		return fmt.Errorf("upsert module: %w", store.ErrNotFound)
	}
	if rev.Status.Locked() {
		return locked("upsert module")
	}
	if m.modules[module.RevisionID] == nil {
		m.modules[module.RevisionID] = map[string]store.ModuleData{}
	}
	module.UpdatedAt = time.Now().UTC()
	m.modules[module.RevisionID][module.ModuleKey] = module
	return nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, event)
	return nil
}

func (m *memStore) ListAuditEvents(_ context.Context, familyID string, limit int) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AuditEvent, 0)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audit[i].FamilyID == familyID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func summaryKey(familyID string, number int) string {
	return fmt.Sprintf("%s/%d", familyID, number)
}

func (m *memStore) InsertChangeSummary(_ context.Context, summary store.ChangeSummary) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := summaryKey(summary.FamilyID, summary.RevisionNumber)
	if _, ok := m.summaries[key]; ok {
		return false, nil
	}
	m.summaries[key] = summary
	return true, nil
}

func (m *memStore) GetChangeSummary(_ context.Context, familyID string, number int) (store.ChangeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.summaries[summaryKey(familyID, number)]
	if !ok {
		return store.ChangeSummary{}, fmt.Errorf("get change summary: %w", store.ErrNotFound)
	}
	return summary, nil
}

func (m *memStore) ListChangeSummaries(_ context.Context, familyID string) ([]store.ChangeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ChangeSummary, 0)
	for _, summary := range m.summaries {
		if summary.FamilyID == familyID {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevisionNumber < out[j].RevisionNumber })
	return out, nil
}

func (m *memStore) ListRemediationItems(_ context.Context, revisionID string) ([]store.RemediationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.RemediationItem, 0)
	for _, item := range m.items {
		if item.RevisionID == revisionID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

func (m *memStore) GetRemediationItem(_ context.Context, itemID string) (store.RemediationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return store.RemediationItem{}, fmt.Errorf("get remediation item: %w", store.ErrNotFound)
	}
	return item, nil
}

func (m *memStore) revisionLocked(revisionID string) bool {
	rev, ok := m.revisions[revisionID]
	return ok && rev.Status.Locked()
}

func (m *memStore) InsertRemediationItem(_ context.Context, item store.RemediationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revisionLocked(item.RevisionID) {
		return locked("insert remediation item")
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	m.items[item.ID] = item
	return nil
}

func (m *memStore) UpdateRemediationItem(_ context.Context, item store.RemediationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[item.ID]
	if !ok {
		return fmt.Errorf("update remediation item: %w", store.ErrNotFound)
	}
	if m.revisionLocked(current.RevisionID) {
		return locked("update remediation item")
	}
	current.Status = item.Status
	current.Tier = item.Tier
	current.PriorityCode = item.PriorityCode
	current.Explanation = item.Explanation
	current.Hazard = item.Hazard
	current.Description = item.Description
	current.Owner = item.Owner
	current.TargetDate = item.TargetDate
	current.UpdatedAt = time.Now().UTC()
	m.items[item.ID] = current
	return nil
}

func (m *memStore) DeleteRemediationItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("delete remediation item: %w", store.ErrNotFound)
	}
	if m.revisionLocked(item.RevisionID) {
		return locked("delete remediation item")
	}
	delete(m.items, itemID)
	return nil
}

func (m *memStore) CloseRemediationItem(_ context.Context, itemID, closedBy, note string, closedAt time.Time, audit store.AuditEvent) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.items[itemID]
	if !ok || target.Status.Terminal() {
		return nil, fmt.Errorf("close remediation item: %w", store.ErrStatusConflict)
	}
	closeItem := func(item store.RemediationItem) store.RemediationItem {
		at, by, n := closedAt, closedBy, note
		item.Status = store.ItemClosed
		item.ClosedAt = &at
		item.ClosedBy = &by
		item.ClosureNote = &n
		return item
	}
	m.items[itemID] = closeItem(target)

	propagated := make([]string, 0)
	for id, item := range m.items {
		if item.OriginItemID == target.OriginItemID && item.RevisionNumber < target.RevisionNumber && !item.Status.Terminal() {
			m.items[id] = closeItem(item)
			propagated = append(propagated, id)
		}
	}
	sort.Strings(propagated)
	m.audit = append(m.audit, audit)
	return propagated, nil
}

func (m *memStore) NextItemSequence(_ context.Context, familyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[familyID]; !ok {
		return 0, fmt.Errorf("next item sequence: %w", store.ErrNotFound)
	}
	m.sequences[familyID]++
	return m.sequences[familyID], nil
}

func (m *memStore) GetSnapshot(_ context.Context, revisionID string) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[revisionID]
	if !ok {
		return store.Snapshot{}, fmt.Errorf("get snapshot: %w", store.ErrNotFound)
	}
	return snap, nil
}

func (m *memStore) GetSnapshotByNumber(_ context.Context, familyID string, number int) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range m.snapshots {
		if snap.FamilyID == familyID && snap.RevisionNumber == number {
			return snap, nil
		}
	}
	return store.Snapshot{}, fmt.Errorf("get snapshot by number: %w", store.ErrNotFound)
}

func (m *memStore) FinalizeIssuance(_ context.Context, in store.Issuance) error {
	if m.beforeFinalize != nil {
		m.beforeFinalize()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeCalls++
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	rev, ok := m.revisions[in.RevisionID]
	if !ok {
		return fmt.Errorf("lock revision: %w", store.ErrNotFound)
	}
	if rev.Status != store.StatusApproved {
		return fmt.Errorf("finalize issuance: %w", store.ErrStatusConflict)
	}
	if rev.Artifact == nil || rev.Artifact.Digest != in.ArtifactDigest {
		return fmt.Errorf("finalize issuance: artifact: %w", store.ErrDigestMismatch)
	}
	if existing, ok := m.snapshots[in.RevisionID]; ok && existing.Digest != in.Snapshot.Digest {
		return fmt.Errorf("finalize issuance: snapshot: %w", store.ErrDigestMismatch)
	}
	if _, ok := m.snapshots[in.RevisionID]; !ok {
		m.snapshots[in.RevisionID] = in.Snapshot
	}
	for id, other := range m.revisions {
		if other.FamilyID == in.FamilyID && other.Status == store.StatusIssued && id != in.RevisionID {
			other.Status = store.StatusSuperseded
			m.revisions[id] = other
		}
	}
	issuedBy, issuedAt, checksum := in.IssuedBy, in.IssuedAt, in.ContentChecksum
	rev.Status = store.StatusIssued
	rev.IssuedBy = &issuedBy
	rev.IssuedAt = &issuedAt
	rev.ContentChecksum = &checksum
	m.revisions[in.RevisionID] = rev
	m.audit = append(m.audit, in.Audit)
	return nil
}

func (m *memStore) SetArtifact(_ context.Context, revisionID string, artifact store.LockedArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok || rev.Artifact != nil {
		return fmt.Errorf("set artifact: %w", store.ErrStatusConflict)
	}
	rev.Artifact = &artifact
	m.revisions[revisionID] = rev
	return nil
}

func (m *memStore) ClearStaleArtifact(_ context.Context, revisionID, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok || rev.Status != store.StatusApproved || rev.Artifact == nil || rev.Artifact.Digest != digest {
		return fmt.Errorf("clear stale artifact: %w", store.ErrStatusConflict)
	}
	rev.Artifact = nil
	m.revisions[revisionID] = rev
	return nil
}

// dropArtifact simulates an issued revision that lost its artifact record.
func (m *memStore) dropArtifact(revisionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := m.revisions[revisionID]
	rev.Artifact = nil
	m.revisions[revisionID] = rev
}

func (m *memStore) itemsOf(revisionID string) []store.RemediationItem {
	items, _ := m.ListRemediationItems(context.Background(), revisionID)
	return items
}
