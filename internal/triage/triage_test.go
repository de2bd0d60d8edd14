package triage

import (
	"testing"

	"github.com/saferemediate/lpe/internal/models"
)

func component(id string, conf models.ConfidenceLevel, gap int, gapKnown bool) models.SecurityComponent {
	c := models.SecurityComponent{
		ID: id, Name: id, Type: models.ResourceTypeIAMRole,
		Confidence: conf,
	}
	if gapKnown {
		c.AUG.Gap = models.MetricValue(gap)
	} else {
		c.AUG.Gap = models.MetricUnknown()
	}
	return c
}

func TestRoute(t *testing.T) {
	r := New()

	tests := []struct {
		name      string
		component models.SecurityComponent
		wantQueue models.QueueName
		excluded  bool
	}{
		{
			name:      "high confidence with gap",
			component: component("a", models.ConfidenceHigh, 12, true),
			wantQueue: models.QueueHighConfidenceGaps,
		},
		{
			name:      "medium confidence with gap",
			component: component("b", models.ConfidenceMedium, 3, true),
			wantQueue: models.QueueHighConfidenceGaps,
		},
		{
			name:      "low confidence goes to architectural risks",
			component: component("c", models.ConfidenceLow, 9, true),
			wantQueue: models.QueueArchitecturalRisks,
		},
		{
			name:      "unknown confidence goes to architectural risks",
			component: component("d", models.ConfidenceUnknown, 0, false),
			wantQueue: models.QueueArchitecturalRisks,
		},
		{
			name: "high confidence no gap but internet exposed",
			component: func() models.SecurityComponent {
				c := component("e", models.ConfidenceHigh, 0, true)
				c.InternetExposed = true
				return c
			}(),
			wantQueue: models.QueueBlastRadiusWarnings,
		},
		{
			name: "high confidence no gap but admin",
			component: func() models.SecurityComponent {
				c := component("f", models.ConfidenceHigh, 0, true)
				c.HasAdminAccess = true
				return c
			}(),
			wantQueue: models.QueueBlastRadiusWarnings,
		},
		{
			name:      "clean resource is excluded",
			component: component("g", models.ConfidenceHigh, 0, true),
			excluded:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := r.Route([]models.SecurityComponent{tt.component})
			if tt.excluded {
				if b.Total() != 0 || b.Excluded != 1 {
					t.Fatalf("want exclusion, got %+v", b)
				}
				return
			}
			if b.Total() != 1 {
				t.Fatalf("want exactly one card, got %d", b.Total())
			}
			var got models.QueueCard
			switch tt.wantQueue {
			case models.QueueHighConfidenceGaps:
				got = b.HighConfidenceGaps[0]
			case models.QueueArchitecturalRisks:
				got = b.ArchitecturalRisks[0]
			case models.QueueBlastRadiusWarnings:
				got = b.BlastRadiusWarnings[0]
			}
			if got.Queue != tt.wantQueue {
				t.Errorf("queue = %s, want %s", got.Queue, tt.wantQueue)
			}
			if got.Reason == "" || got.CTA == "" {
				t.Error("card must carry a reason and a CTA")
			}
		})
	}
}

// Rule 1 must fire before rule 3: a high-confidence component with a
// measured gap stays in high_confidence_gaps even when its exposure would
// also qualify it for blast_radius_warnings.
func TestRoutePrecedence(t *testing.T) {
	r := New()

	c := models.SecurityComponent{
		ID: "role-x", Name: "role-x", Type: models.ResourceTypeIAMRole,
		Confidence: models.ConfidenceHigh,
		AUG: models.AUG{
			Authorized: models.MetricValue(45),
			Used:       models.MetricValue(12),
			Gap:        models.MetricValue(33),
		},
		Flags:           []models.RiskFlag{models.FlagWildcardResource, models.FlagOverlyPermissive},
		InternetExposed: true,
	}

	b := r.Route([]models.SecurityComponent{c})
	if len(b.HighConfidenceGaps) != 1 {
		t.Fatalf("want high_confidence_gaps, got %+v", b)
	}
	if len(b.BlastRadiusWarnings) != 0 {
		t.Fatal("component must not be double-counted in blast_radius_warnings")
	}
	if b.HighConfidenceGaps[0].CTA != "view impact report" {
		t.Errorf("CTA = %q", b.HighConfidenceGaps[0].CTA)
	}
}

func TestRoutePartition(t *testing.T) {
	r := New()

	components := []models.SecurityComponent{
		component("a", models.ConfidenceHigh, 5, true),
		component("b", models.ConfidenceUnknown, 0, false),
		func() models.SecurityComponent {
			c := component("c", models.ConfidenceMedium, 0, true)
			c.HasAdminAccess = true
			return c
		}(),
		component("d", models.ConfidenceHigh, 0, true),
	}

	b := r.Route(components)
	if b.Total()+b.Excluded != len(components) {
		t.Fatalf("every component must land exactly once: %d routed + %d excluded != %d",
			b.Total(), b.Excluded, len(components))
	}

	seen := map[string]int{}
	for _, card := range b.HighConfidenceGaps {
		seen[card.ComponentID]++
	}
	for _, card := range b.ArchitecturalRisks {
		seen[card.ComponentID]++
	}
	for _, card := range b.BlastRadiusWarnings {
		seen[card.ComponentID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("component %s appears in %d queues", id, n)
		}
	}
}

func TestRiskCategory(t *testing.T) {
	r := New()

	admin := component("a", models.ConfidenceUnknown, 0, false)
	admin.Flags = []models.RiskFlag{models.FlagAdminPolicy}
	admin.InternetExposed = true
	b := r.Route([]models.SecurityComponent{admin})
	if b.ArchitecturalRisks[0].RiskCategory != models.RiskCategoryOverPrivileged {
		t.Error("admin_policy should win over exposure for risk_category")
	}

	exposed := component("b", models.ConfidenceUnknown, 0, false)
	exposed.InternetExposed = true
	b = r.Route([]models.SecurityComponent{exposed})
	if b.ArchitecturalRisks[0].RiskCategory != models.RiskCategoryPublicExposure {
		t.Error("exposed resource without admin flag should be public_exposure")
	}

	plain := component("c", models.ConfidenceLow, 0, false)
	b = r.Route([]models.SecurityComponent{plain})
	if b.ArchitecturalRisks[0].RiskCategory != models.RiskCategoryOverPrivileged {
		t.Error("default risk_category should be over_privileged")
	}
}

func TestWhyNowCarried(t *testing.T) {
	r := New()
	c := component("a", models.ConfidenceHigh, 0, true)
	c.HasAdminAccess = true
	c.WhyNow = "policy attached 2 days ago"

	b := r.Route([]models.SecurityComponent{c})
	if len(b.BlastRadiusWarnings) != 1 {
		t.Fatalf("want blast_radius_warnings, got %+v", b)
	}
	if b.BlastRadiusWarnings[0].WhyNow != c.WhyNow {
		t.Error("why_now metadata must pass through to the card")
	}
}
