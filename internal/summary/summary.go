// Package summary describes what changed between two consecutive issued revisions.
package summary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"dossier/api/internal/snapshot"
)

// maxPatchLen caps the stored per-module patch text; larger patches are truncated.
const maxPatchLen = 8 << 10

type ModuleChange struct {
	Key        string `json:"key"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
	Patch      string `json:"patch,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

type ItemChange struct {
	Reference string `json:"reference"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type Details struct {
	PreviousRevision int            `json:"previousRevision,omitempty"`
	MetadataChanged  []string       `json:"metadataChanged"`
	ModulesAdded     []string       `json:"modulesAdded"`
	ModulesRemoved   []string       `json:"modulesRemoved"`
	ModulesChanged   []ModuleChange `json:"modulesChanged"`
	ItemsAdded       []string       `json:"itemsAdded"`
	ItemsClosed      []string       `json:"itemsClosed"`
	ItemsRemoved     []string       `json:"itemsRemoved"`
	ItemsCarried     []string       `json:"itemsCarried"`
	ItemsChanged     []ItemChange   `json:"itemsChanged"`
}

// Generate compares prev and next. prev is nil for the first issue of a family.
func Generate(prev *snapshot.Payload, next snapshot.Payload) (string, Details) {
	d := Details{
		MetadataChanged: []string{},
		ModulesAdded:    []string{},
		ModulesRemoved:  []string{},
		ModulesChanged:  []ModuleChange{},
		ItemsAdded:      []string{},
		ItemsClosed:     []string{},
		ItemsRemoved:    []string{},
		ItemsCarried:    []string{},
		ItemsChanged:    []ItemChange{},
	}
	if prev == nil {
		for _, m := range next.Modules {
			d.ModulesAdded = append(d.ModulesAdded, m.Key)
		}
		for _, it := range next.Remediation {
			d.ItemsAdded = append(d.ItemsAdded, it.Reference)
		}
		return fmt.Sprintf("Initial issue of revision %d with %s and %s.",
			next.RevisionNumber, plural(len(next.Modules), "section"), plural(len(next.Remediation), "remediation item")), d
	}

	d.PreviousRevision = prev.RevisionNumber
	compareMetadata(prev, &next, &d)
	compareModules(prev.Modules, next.Modules, &d)
	compareItems(prev.Remediation, next.Remediation, &d)
	return describe(prev.RevisionNumber, next.RevisionNumber, d), d
}

func compareMetadata(prev, next *snapshot.Payload, d *Details) {
	if prev.Title != next.Title {
		d.MetadataChanged = append(d.MetadataChanged, "title")
	}
	if prev.AssessmentDate != next.AssessmentDate {
		d.MetadataChanged = append(d.MetadataChanged, "assessmentDate")
	}
	if prev.Jurisdiction != next.Jurisdiction {
		d.MetadataChanged = append(d.MetadataChanged, "jurisdiction")
	}
}

func compareModules(prev, next []snapshot.Module, d *Details) {
	before := make(map[string]string, len(prev))
	for _, m := range prev {
		before[m.Key] = indentJSON(m.Data)
	}
	after := make(map[string]string, len(next))
	for _, m := range next {
		after[m.Key] = indentJSON(m.Data)
	}

	dmp := diffmatchpatch.New()
	for _, key := range sortedKeys(after) {
		old, ok := before[key]
		if !ok {
			d.ModulesAdded = append(d.ModulesAdded, key)
			continue
		}
		if old == after[key] {
			continue
		}
		d.ModulesChanged = append(d.ModulesChanged, lineDiff(dmp, key, old, after[key]))
	}
	for _, key := range sortedKeys(before) {
		if _, ok := after[key]; !ok {
			d.ModulesRemoved = append(d.ModulesRemoved, key)
		}
	}
}

// lineDiff diffs two module texts line by line and counts changed lines.
func lineDiff(dmp *diffmatchpatch.DiffMatchPatch, key, before, after string) ModuleChange {
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	change := ModuleChange{Key: key}
	for _, diff := range diffs {
		n := strings.Count(diff.Text, "\n")
		if n == 0 {
			n = 1
		}
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			change.Insertions += n
		case diffmatchpatch.DiffDelete:
			change.Deletions += n
		}
	}
	patch := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if len(patch) > maxPatchLen {
		patch = patch[:maxPatchLen]
		change.Truncated = true
	}
	change.Patch = patch
	return change
}

func compareItems(prev, next []snapshot.Item, d *Details) {
	before := make(map[string]snapshot.Item, len(prev))
	for _, it := range prev {
		before[it.OriginItemID] = it
	}
	seen := make(map[string]bool, len(next))
	for _, it := range next {
		seen[it.OriginItemID] = true
		old, ok := before[it.OriginItemID]
		switch {
		case !ok:
			d.ItemsAdded = append(d.ItemsAdded, it.Reference)
		case it.Status == "closed" && old.Status != "closed":
			d.ItemsClosed = append(d.ItemsClosed, it.Reference)
		default:
			d.ItemsCarried = append(d.ItemsCarried, it.Reference)
			if old.Status != it.Status {
				d.ItemsChanged = append(d.ItemsChanged, ItemChange{Reference: it.Reference, From: old.Status, To: it.Status})
			}
		}
	}
	for _, it := range prev {
		if seen[it.OriginItemID] || it.Status == "closed" || it.Status == "not_applicable" {
			continue
		}
		d.ItemsRemoved = append(d.ItemsRemoved, it.Reference)
	}
}

func describe(prevNumber, nextNumber int, d Details) string {
	parts := make([]string, 0, 6)
	if len(d.MetadataChanged) > 0 {
		parts = append(parts, "updated "+strings.Join(d.MetadataChanged, ", "))
	}
	if n := len(d.ModulesChanged); n > 0 {
		keys := make([]string, 0, n)
		for _, m := range d.ModulesChanged {
			keys = append(keys, m.Key)
		}
		parts = append(parts, fmt.Sprintf("%s changed (%s)", plural(n, "section"), strings.Join(keys, ", ")))
	}
	if n := len(d.ModulesAdded); n > 0 {
		parts = append(parts, fmt.Sprintf("%s added (%s)", plural(n, "section"), strings.Join(d.ModulesAdded, ", ")))
	}
	if n := len(d.ModulesRemoved); n > 0 {
		parts = append(parts, fmt.Sprintf("%s removed (%s)", plural(n, "section"), strings.Join(d.ModulesRemoved, ", ")))
	}
	if n := len(d.ItemsAdded); n > 0 {
		parts = append(parts, fmt.Sprintf("%s raised (%s)", plural(n, "remediation item"), strings.Join(d.ItemsAdded, ", ")))
	}
	if n := len(d.ItemsClosed); n > 0 {
		parts = append(parts, fmt.Sprintf("%s closed (%s)", plural(n, "remediation item"), strings.Join(d.ItemsClosed, ", ")))
	}
	if n := len(d.ItemsRemoved); n > 0 {
		parts = append(parts, fmt.Sprintf("%s withdrawn (%s)", plural(n, "remediation item"), strings.Join(d.ItemsRemoved, ", ")))
	}
	if n := len(d.ItemsCarried); n > 0 {
		parts = append(parts, fmt.Sprintf("%s carried forward", plural(n, "remediation item")))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Revision %d reissues revision %d without content changes.", nextNumber, prevNumber)
	}
	return fmt.Sprintf("Revision %d changes from revision %d: %s.", nextNumber, prevNumber, strings.Join(parts, "; "))
}

// Marshal encodes details for storage.
func (d Details) Marshal() json.RawMessage {
	data, err := json.Marshal(d)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	buf.WriteByte('\n')
	return buf.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
