// Package priority classifies remediation items into tiers and priority codes.
package priority

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRating = errors.New("invalid risk rating")

// Draft is the part of a remediation item the classifier looks at.
type Draft struct {
	Hazard       string
	Description  string
	Severity     string
	Likelihood   string
	PriorityCode string
}

type Classification struct {
	Tier         string `json:"tier"`
	PriorityCode string `json:"priorityCode"`
	Explanation  string `json:"explanation"`
}

type Classifier interface {
	Classify(draft Draft) (Classification, error)
}

var severityScale = map[string]int{
	"negligible":   1,
	"minor":        2,
	"moderate":     3,
	"major":        4,
	"catastrophic": 5,
}

var likelihoodScale = map[string]int{
	"rare":           1,
	"unlikely":       2,
	"possible":       3,
	"likely":         4,
	"almost-certain": 5,
}

type band struct {
	minScore int
	tier     string
	code     string
	action   string
}

// bands are ordered from highest to lowest score.
var bands = []band{
	{minScore: 15, tier: "intolerable", code: "P1", action: "act immediately"},
	{minScore: 8, tier: "substantial", code: "P2", action: "act within one month"},
	{minScore: 4, tier: "moderate", code: "P3", action: "act within three months"},
	{minScore: 1, tier: "tolerable", code: "P4", action: "review at next assessment"},
}

// MatrixClassifier scores severity × likelihood on a five by five matrix.
type MatrixClassifier struct{}

func (MatrixClassifier) Classify(draft Draft) (Classification, error) {
	if code := strings.ToUpper(strings.TrimSpace(draft.PriorityCode)); code != "" {
		for _, b := range bands {
			if b.code == code {
				return Classification{Tier: b.tier, PriorityCode: b.code, Explanation: fmt.Sprintf("Priority set by assessor: %s", b.action)}, nil
			}
		}
		return Classification{}, fmt.Errorf("%w: priority code %q", ErrInvalidRating, draft.PriorityCode)
	}

	severity := strings.ToLower(strings.TrimSpace(draft.Severity))
	likelihood := strings.ToLower(strings.TrimSpace(draft.Likelihood))
	s, ok := severityScale[severity]
	if !ok {
		return Classification{}, fmt.Errorf("%w: severity %q", ErrInvalidRating, draft.Severity)
	}
	l, ok := likelihoodScale[likelihood]
	if !ok {
		return Classification{}, fmt.Errorf("%w: likelihood %q", ErrInvalidRating, draft.Likelihood)
	}

	score := s * l
	for _, b := range bands {
		if score >= b.minScore {
			return Classification{
				Tier:         b.tier,
				PriorityCode: b.code,
				Explanation:  fmt.Sprintf("Severity %s (%d) x likelihood %s (%d) = %d: %s risk, %s.", severity, s, likelihood, l, score, b.tier, b.action),
			}, nil
		}
	}
	return Classification{}, fmt.Errorf("%w: score %d", ErrInvalidRating, score)
}

// Reference formats the register reference of an item, e.g. P1-004.
func Reference(code string, sequence int) string {
	return fmt.Sprintf("%s-%03d", code, sequence)
}
