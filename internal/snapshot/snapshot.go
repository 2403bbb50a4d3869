// Package snapshot defines the frozen capture of a revision taken at issuance and its
// canonical encoding. The encoded bytes are what gets stored, digested and re-rendered.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"dossier/api/internal/store"
)

// SchemaVersion is bumped whenever Payload changes shape in a way old readers cannot decode.
const SchemaVersion = 1

var (
	ErrDigestMismatch     = errors.New("snapshot digest mismatch")
	ErrUnsupportedVersion = errors.New("unsupported snapshot schema version")
)

// Payload is the full content of a revision as of its issuance instant.
type Payload struct {
	SchemaVersion  int      `json:"schemaVersion"`
	FamilyID       string   `json:"familyId"`
	Kind           string   `json:"kind"`
	Jurisdiction   string   `json:"jurisdiction"`
	RevisionID     string   `json:"revisionId"`
	RevisionNumber int      `json:"revisionNumber"`
	Title          string   `json:"title"`
	AssessmentDate string   `json:"assessmentDate,omitempty"`
	ApprovedBy     string   `json:"approvedBy,omitempty"`
	IssuedBy       string   `json:"issuedBy"`
	IssuedAt       string   `json:"issuedAt"`
	Modules        []Module `json:"modules"`
	Remediation    []Item   `json:"remediation"`
}

type Module struct {
	Key       string          `json:"key"`
	Completed bool            `json:"completed"`
	Data      json.RawMessage `json:"data"`
}

type Item struct {
	ID                   string `json:"id"`
	OriginItemID         string `json:"originItemId"`
	OriginRevisionNumber int    `json:"originRevisionNumber"`
	Reference            string `json:"reference"`
	Status               string `json:"status"`
	Tier                 string `json:"tier,omitempty"`
	PriorityCode         string `json:"priorityCode"`
	Explanation          string `json:"explanation,omitempty"`
	Hazard               string `json:"hazard,omitempty"`
	Description          string `json:"description"`
	Owner                string `json:"owner,omitempty"`
	TargetDate           string `json:"targetDate,omitempty"`
}

// Capture builds the payload for rev from its current modules and remediation register.
// Module data is canonicalised so that equal content always encodes to equal bytes.
func Capture(family store.DocumentFamily, rev store.DocumentRevision, modules []store.ModuleData, items []store.RemediationItem, issuedBy string, issuedAt time.Time) (Payload, error) {
	p := Payload{
		SchemaVersion:  SchemaVersion,
		FamilyID:       family.ID,
		Kind:           string(family.Kind),
		Jurisdiction:   family.Jurisdiction,
		RevisionID:     rev.ID,
		RevisionNumber: rev.RevisionNumber,
		Title:          rev.Title,
		IssuedBy:       issuedBy,
		IssuedAt:       issuedAt.UTC().Format(time.RFC3339),
		Modules:        make([]Module, 0, len(modules)),
		Remediation:    make([]Item, 0, len(items)),
	}
	if rev.AssessmentDate != nil {
		p.AssessmentDate = rev.AssessmentDate.Format("2006-01-02")
	}
	if rev.ApprovedBy != nil {
		p.ApprovedBy = *rev.ApprovedBy
	}

	for _, m := range modules {
		data, err := Canonicalize(m.Data)
		if err != nil {
			return Payload{}, fmt.Errorf("canonicalize module %s: %w", m.ModuleKey, err)
		}
		p.Modules = append(p.Modules, Module{Key: m.ModuleKey, Completed: m.Completed, Data: data})
	}
	sort.Slice(p.Modules, func(i, j int) bool { return p.Modules[i].Key < p.Modules[j].Key })

	for _, it := range items {
		item := Item{
			ID:                   it.ID,
			OriginItemID:         it.OriginItemID,
			OriginRevisionNumber: it.OriginRevisionNumber,
			Reference:            it.Reference,
			Status:               string(it.Status),
			Tier:                 it.Tier,
			PriorityCode:         it.PriorityCode,
			Explanation:          it.Explanation,
			Hazard:               it.Hazard,
			Description:          it.Description,
			Owner:                it.Owner,
		}
		if it.TargetDate != nil {
			item.TargetDate = it.TargetDate.Format("2006-01-02")
		}
		p.Remediation = append(p.Remediation, item)
	}
	sort.Slice(p.Remediation, func(i, j int) bool {
		if p.Remediation[i].Reference != p.Remediation[j].Reference {
			return p.Remediation[i].Reference < p.Remediation[j].Reference
		}
		return p.Remediation[i].OriginItemID < p.Remediation[j].OriginItemID
	})
	return p, nil
}

// Canonicalize re-encodes a JSON document with sorted object keys and no insignificant
// whitespace. Numbers keep their original textual form.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// Encode returns the canonical bytes of p together with their digest.
func Encode(p Payload) ([]byte, string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot: %w", err)
	}
	return data, Digest(data), nil
}

func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if p.SchemaVersion != SchemaVersion {
		return Payload{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.SchemaVersion)
	}
	return p, nil
}

// Digest is the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Open verifies a stored snapshot against its recorded digest and decodes it.
func Open(snap store.Snapshot) (Payload, error) {
	if Digest(snap.Payload) != snap.Digest {
		return Payload{}, fmt.Errorf("revision %d: %w", snap.RevisionNumber, ErrDigestMismatch)
	}
	return Decode(snap.Payload)
}

// ModuleText returns the module data keyed by module key, as canonical JSON text.
func (p Payload) ModuleText() map[string]string {
	out := make(map[string]string, len(p.Modules))
	for _, m := range p.Modules {
		out[m.Key] = string(m.Data)
	}
	return out
}
