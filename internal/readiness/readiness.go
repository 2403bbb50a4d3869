// Package readiness decides whether a revision may be issued. Validation is deterministic:
// the same content always yields the same blockers in the same order.
package readiness

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dossier/api/internal/store"
)

//go:embed rules.yaml
var defaultRules []byte

const documentModuleKey = "document"
const remediationModuleKey = "remediation"

type Blocker struct {
	ModuleKey string `json:"moduleKey"`
	Message   string `json:"message"`
	Rule      string `json:"rule"`
}

type Result struct {
	Ready    bool      `json:"ready"`
	Blockers []Blocker `json:"blockers"`
}

// Content is everything a validator may look at.
type Content struct {
	Jurisdiction   string
	Title          string
	AssessmentDate *time.Time
	Modules        []store.ModuleData
	Items          []store.RemediationItem
}

type Validator interface {
	Validate(kind store.DocumentKind, content Content) Result
}

type ModuleRule struct {
	Key            string   `yaml:"key"`
	Label          string   `yaml:"label"`
	RequiredFields []string `yaml:"required_fields"`
	Jurisdictions  []string `yaml:"jurisdictions"`
}

type DocumentRules struct {
	RequireTitle          bool     `yaml:"require_title"`
	RequireAssessmentDate bool     `yaml:"require_assessment_date"`
	OwnerRequiredFor      []string `yaml:"owner_required_for"`
}

type RuleSet struct {
	Document DocumentRules           `yaml:"document"`
	Kinds    map[string][]ModuleRule `yaml:"kinds"`
}

// RuleValidator evaluates a RuleSet.
type RuleValidator struct {
	rules RuleSet
}

// Default returns a validator over the embedded rule set.
func Default() (*RuleValidator, error) {
	return Parse(defaultRules)
}

// Load reads a rule set from path, falling back to the embedded rules when path is empty.
func Load(path string) (*RuleValidator, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read readiness rules: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*RuleValidator, error) {
	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse readiness rules: %w", err)
	}
	for kind, modules := range rules.Kinds {
		if !store.DocumentKind(kind).Valid() {
			return nil, fmt.Errorf("parse readiness rules: unknown document kind %q", kind)
		}
		for _, m := range modules {
			if m.Key == "" {
				return nil, fmt.Errorf("parse readiness rules: %s has a module without key", kind)
			}
		}
	}
	return &RuleValidator{rules: rules}, nil
}

// RequiredModules lists the module keys that apply to kind within jurisdiction, in rule order.
func (v *RuleValidator) RequiredModules(kind store.DocumentKind, jurisdiction string) []string {
	keys := make([]string, 0)
	for _, rule := range v.rules.Kinds[string(kind)] {
		if applies(rule, jurisdiction) {
			keys = append(keys, rule.Key)
		}
	}
	return keys
}

func (v *RuleValidator) Validate(kind store.DocumentKind, content Content) Result {
	blockers := make([]Blocker, 0)

	if v.rules.Document.RequireTitle && strings.TrimSpace(content.Title) == "" {
		blockers = append(blockers, Blocker{ModuleKey: documentModuleKey, Message: "Document title is required", Rule: "document.title"})
	}
	if v.rules.Document.RequireAssessmentDate && content.AssessmentDate == nil {
		blockers = append(blockers, Blocker{ModuleKey: documentModuleKey, Message: "Assessment date is required", Rule: "document.assessment_date"})
	}

	byKey := make(map[string]store.ModuleData, len(content.Modules))
	for _, m := range content.Modules {
		byKey[m.ModuleKey] = m
	}
	for _, rule := range v.rules.Kinds[string(kind)] {
		if !applies(rule, content.Jurisdiction) {
			continue
		}
		label := rule.Label
		if label == "" {
			label = rule.Key
		}
		module, ok := byKey[rule.Key]
		if !ok || !module.Completed {
			blockers = append(blockers, Blocker{
				ModuleKey: rule.Key,
				Message:   fmt.Sprintf("%s must be completed", label),
				Rule:      "module.completed",
			})
			continue
		}
		fields := map[string]any{}
		_ = json.Unmarshal(module.Data, &fields)
		for _, field := range rule.RequiredFields {
			if isEmpty(fields[field]) {
				blockers = append(blockers, Blocker{
					ModuleKey: rule.Key,
					Message:   fmt.Sprintf("%s: %s is required", label, field),
					Rule:      "module.required_field." + field,
				})
			}
		}
	}

	for _, item := range content.Items {
		if item.Status.Terminal() || strings.TrimSpace(item.Owner) != "" {
			continue
		}
		if contains(v.rules.Document.OwnerRequiredFor, item.PriorityCode) {
			blockers = append(blockers, Blocker{
				ModuleKey: remediationModuleKey,
				Message:   fmt.Sprintf("Remediation item %s (%s) needs an owner", item.Reference, item.PriorityCode),
				Rule:      "remediation.owner",
			})
		}
	}

	return Result{Ready: len(blockers) == 0, Blockers: blockers}
}

func applies(rule ModuleRule, jurisdiction string) bool {
	return len(rule.Jurisdictions) == 0 || contains(rule.Jurisdictions, jurisdiction)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
