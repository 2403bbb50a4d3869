package snapshot

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dossier/api/internal/store"
)

func sampleInputs() (store.DocumentFamily, store.DocumentRevision, []store.ModuleData, []store.RemediationItem) {
	family := store.DocumentFamily{ID: "fam-1", Kind: store.KindFireRiskAssessment, Jurisdiction: "uk-eng"}
	approver := "Blake"
	date := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	rev := store.DocumentRevision{ID: "rev-1", FamilyID: "fam-1", RevisionNumber: 1, Title: "Warehouse", AssessmentDate: &date, ApprovedBy: &approver}
	modules := []store.ModuleData{
		{ModuleKey: "premises", Completed: true, Data: json.RawMessage(`{"floors": 2, "use": "storage"}`)},
		{ModuleKey: "hazards", Completed: true, Data: json.RawMessage(`{"ignition":["heaters"]}`)},
	}
	items := []store.RemediationItem{
		{ID: "i-2", OriginItemID: "i-2", OriginRevisionNumber: 1, Reference: "P2-002", Status: store.ItemOpen, PriorityCode: "P2", Description: "Signage"},
		{ID: "i-1", OriginItemID: "i-1", OriginRevisionNumber: 1, Reference: "P1-001", Status: store.ItemOpen, PriorityCode: "P1", Description: "Fire door"},
	}
	return family, rev, modules, items
}

func TestCaptureIsDeterministic(t *testing.T) {
	family, rev, modules, items := sampleInputs()
	issuedAt := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	first, err := Capture(family, rev, modules, items, "Casey", issuedAt)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	// same content in a different order and whitespace
	modules[0], modules[1] = modules[1], modules[0]
	modules[1].Data = json.RawMessage(`{"use":"storage","floors":2}`)
	items[0], items[1] = items[1], items[0]
	second, err := Capture(family, rev, modules, items, "Casey", issuedAt)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	a, digestA, err := Encode(first)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, digestB, err := Encode(second)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(a) != string(b) || digestA != digestB {
		t.Fatalf("expected identical encodings, got\n%s\n%s", a, b)
	}
	if first.Modules[0].Key != "hazards" || first.Remediation[0].Reference != "P1-001" {
		t.Fatalf("expected sorted modules and items, got %+v", first)
	}
	if first.AssessmentDate != "2026-03-04" || first.ApprovedBy != "Blake" {
		t.Fatalf("unexpected metadata: %+v", first)
	}
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	family, rev, modules, items := sampleInputs()
	p, err := Capture(family, rev, modules, items, "Casey", time.Now())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	data, digest, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Open(store.Snapshot{RevisionNumber: 1, Digest: digest, Payload: data})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if decoded.Title != "Warehouse" || len(decoded.Modules) != 2 {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}

	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-2] = ' '
	if _, err := Open(store.Snapshot{RevisionNumber: 1, Digest: digest, Payload: tampered}); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestDecodeRejectsUnknownSchemaVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"schemaVersion":99}`)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: `{}`},
		{name: "sorted keys", in: `{"b":1,"a":{"d":true,"c":null}}`, want: `{"a":{"c":null,"d":true},"b":1}`},
		{name: "number text kept", in: `{"ratio": 1.50}`, want: `{"ratio":1.50}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize(json.RawMessage(tc.in))
			if err != nil {
				t.Fatalf("canonicalize: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
