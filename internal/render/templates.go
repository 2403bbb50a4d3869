package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"dossier/api/internal/snapshot"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(
	template.New("report.html").Funcs(template.FuncMap{
		"upper": strings.ToUpper,
		"humanize": func(s string) string {
			return strings.ReplaceAll(strings.ReplaceAll(s, "-", " "), "_", " ")
		},
	}).ParseFS(templateFS, "templates/report.html"),
)

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title          string
	Kind           string
	Jurisdiction   string
	RevisionNumber int
	AssessmentDate string
	ApprovedBy     string
	IssuedBy       string
	IssuedAt       string
	Modules        []TemplateModule
	Items          []TemplateItem
}

// TemplateModule is one section of the report
type TemplateModule struct {
	Key       string
	Completed bool
	Fields    []TemplateField
}

// TemplateField is one flattened value of a module
type TemplateField struct {
	Label string
	Value string
}

// TemplateItem is one row of the remediation register
type TemplateItem struct {
	Reference   string
	Priority    string
	Status      string
	Hazard      string
	Description string
	Explanation string
	Owner       string
	TargetDate  string
	RaisedIn    int
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildTemplateData(p snapshot.Payload) TemplateData {
	data := TemplateData{
		Title:          p.Title,
		Kind:           p.Kind,
		Jurisdiction:   p.Jurisdiction,
		RevisionNumber: p.RevisionNumber,
		AssessmentDate: p.AssessmentDate,
		ApprovedBy:     p.ApprovedBy,
		IssuedBy:       p.IssuedBy,
		IssuedAt:       p.IssuedAt,
		Modules:        make([]TemplateModule, 0, len(p.Modules)),
		Items:          make([]TemplateItem, 0, len(p.Remediation)),
	}
	for _, m := range p.Modules {
		var value any
		_ = json.Unmarshal(m.Data, &value)
		fields := make([]TemplateField, 0)
		flattenFields("", value, &fields)
		data.Modules = append(data.Modules, TemplateModule{Key: m.Key, Completed: m.Completed, Fields: fields})
	}
	for _, it := range p.Remediation {
		data.Items = append(data.Items, TemplateItem{
			Reference:   it.Reference,
			Priority:    it.PriorityCode,
			Status:      it.Status,
			Hazard:      it.Hazard,
			Description: it.Description,
			Explanation: it.Explanation,
			Owner:       it.Owner,
			TargetDate:  it.TargetDate,
			RaisedIn:    it.OriginRevisionNumber,
		})
	}
	return data
}

// flattenFields walks decoded module data depth-first with sorted keys, emitting one field per
// scalar. Lists of scalars are joined into a single value.
func flattenFields(prefix string, value any, out *[]TemplateField) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			label := k
			if prefix != "" {
				label = prefix + "." + k
			}
			flattenFields(label, v[k], out)
		}
	case []any:
		if scalars, ok := joinScalars(v); ok {
			*out = append(*out, TemplateField{Label: prefix, Value: scalars})
			return
		}
		for i, elem := range v {
			flattenFields(fmt.Sprintf("%s[%d]", prefix, i+1), elem, out)
		}
	case nil:
		*out = append(*out, TemplateField{Label: prefix, Value: "-"})
	default:
		*out = append(*out, TemplateField{Label: prefix, Value: scalarString(v)})
	}
}

func joinScalars(values []any) (string, bool) {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		switch v.(type) {
		case map[string]any, []any:
			return "", false
		}
		parts = append(parts, scalarString(v))
	}
	return strings.Join(parts, ", "), true
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "Yes"
		}
		return "No"
	case nil:
		return "-"
	default:
		return fmt.Sprint(s)
	}
}
