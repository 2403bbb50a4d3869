package priority

import (
	"errors"
	"testing"
)

func TestMatrixClassifier(t *testing.T) {
	tests := []struct {
		name     string
		draft    Draft
		wantCode string
		wantTier string
	}{
		{name: "top corner", draft: Draft{Severity: "catastrophic", Likelihood: "almost-certain"}, wantCode: "P1", wantTier: "intolerable"},
		{name: "unknown likelihood", draft: Draft{Severity: "moderate", Likelihood: "sometimes"}, wantCode: "", wantTier: ""},
		{name: "major likely", draft: Draft{Severity: "Major", Likelihood: " likely "}, wantCode: "P1", wantTier: "intolerable"},
		{name: "boundary p2", draft: Draft{Severity: "minor", Likelihood: "likely"}, wantCode: "P2", wantTier: "substantial"},
		{name: "boundary p3", draft: Draft{Severity: "minor", Likelihood: "unlikely"}, wantCode: "P3", wantTier: "moderate"},
		{name: "lowest", draft: Draft{Severity: "negligible", Likelihood: "rare"}, wantCode: "P4", wantTier: "tolerable"},
		{name: "manual override", draft: Draft{PriorityCode: "p2"}, wantCode: "P2", wantTier: "substantial"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MatrixClassifier{}.Classify(tc.draft)
			if tc.wantCode == "" {
				if !errors.Is(err, ErrInvalidRating) {
					t.Fatalf("expected invalid rating, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if got.PriorityCode != tc.wantCode || got.Tier != tc.wantTier {
				t.Fatalf("expected %s/%s, got %+v", tc.wantCode, tc.wantTier, got)
			}
			if got.Explanation == "" {
				t.Fatal("expected explanation")
			}
		})
	}
}

func TestClassifierRejectsUnknownPriorityCode(t *testing.T) {
	if _, err := (MatrixClassifier{}).Classify(Draft{PriorityCode: "P9"}); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected invalid rating, got %v", err)
	}
}

func TestReference(t *testing.T) {
	if got := Reference("P1", 4); got != "P1-004" {
		t.Fatalf("expected P1-004, got %s", got)
	}
	if got := Reference("P3", 1234); got != "P3-1234" {
		t.Fatalf("expected P3-1234, got %s", got)
	}
}
