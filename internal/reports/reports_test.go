package reports

import (
	"bytes"
	"testing"

	"github.com/saferemediate/lpe/internal/analysis"
	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/ranker"
	"github.com/saferemediate/lpe/internal/triage"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 25, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"a-much-longer-component-name", 10, "a-much-..."},
		{"abc", 2, "ab"},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestFlagList(t *testing.T) {
	if got := flagList(nil); got != "-" {
		t.Errorf("flagList(nil) = %q, want -", got)
	}
	got := flagList([]models.RiskFlag{models.FlagWildcardAction, models.FlagAdminPolicy})
	if got != "wildcard_action, admin_policy" {
		t.Errorf("flagList() = %q", got)
	}
}

func TestImpactReportPDF(t *testing.T) {
	result := &analysis.Result{
		Window:   "30d",
		Strength: models.ConfidenceHigh,
		Components: []models.SecurityComponent{
			{ID: "role-app", Name: "app-runtime", Type: models.ResourceTypeIAMRole},
		},
		Gaps: map[string]ranker.Page{
			"role-app": {
				Items: []models.GapItem{
					{
						Rank:           1,
						Action:         "s3:DeleteObject",
						Recommendation: models.ActionRemove,
						Priority:       152.5,
						Flags:          []models.RiskFlag{models.FlagOverlyPermissive},
					},
				},
				More: 3,
			},
		},
		Queues: triage.Buckets{
			HighConfidenceGaps: []models.QueueCard{
				{
					ComponentID: "role-app",
					Name:        "app-runtime",
					Type:        models.ResourceTypeIAMRole,
					Severity:    models.SeverityHigh,
					Confidence:  models.ConfidenceHigh,
					Reason:      "12 unused permissions",
				},
			},
			Excluded: 2,
		},
	}

	out, err := ImpactReportPDF(result)
	if err != nil {
		t.Fatalf("ImpactReportPDF() error = %v", err)
	}
	if len(out) == 0 {
		t.Fatal("empty PDF output")
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Errorf("output does not start with PDF header")
	}
}

func TestRemediationSummaryPDF(t *testing.T) {
	out, err := RemediationSummaryPDF(7,
		map[string]int{"SCORED": 3, "SUCCEEDED": 4},
		map[string]int{"high_confidence_gaps": 5, "architectural_risks": 2},
		map[string]int{"HIGH": 3, "MEDIUM": 4})
	if err != nil {
		t.Fatalf("RemediationSummaryPDF() error = %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Errorf("output does not start with PDF header")
	}
}
