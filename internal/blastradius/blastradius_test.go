package blastradius

import (
	"testing"

	"github.com/saferemediate/lpe/internal/models"
)

func TestEstimate(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name string
		in   Input
		want models.BlastRisk
	}{
		{
			name: "internet exposure is risky even without graph data",
			in:   Input{ResourceType: models.ResourceTypeSecurityGroup, InternetExposed: true},
			want: models.BlastRisky,
		},
		{
			name: "admin access is risky",
			in:   Input{ResourceType: models.ResourceTypeIAMRole, HasAdminAccess: true, GraphAvailable: true},
			want: models.BlastRisky,
		},
		{
			name: "neighbor count over type threshold",
			in:   Input{ResourceType: models.ResourceTypeIAMRole, Neighbors: 6, GraphAvailable: true, EstateSize: 100},
			want: models.BlastRisky,
		},
		{
			name: "neighbor count at threshold is safe",
			in:   Input{ResourceType: models.ResourceTypeIAMRole, Neighbors: 5, GraphAvailable: true, EstateSize: 100},
			want: models.BlastSafe,
		},
		{
			name: "unlisted type uses default threshold",
			in:   Input{ResourceType: models.ResourceTypeRDS, Neighbors: 11, GraphAvailable: true, EstateSize: 100},
			want: models.BlastRisky,
		},
		{
			name: "quiet resource with graph data is safe",
			in:   Input{ResourceType: models.ResourceTypeLambda, Neighbors: 2, GraphAvailable: true, EstateSize: 100},
			want: models.BlastSafe,
		},
		{
			name: "no graph data is unknown, not safe",
			in:   Input{ResourceType: models.ResourceTypeLambda, Neighbors: 0, GraphAvailable: false},
			want: models.BlastUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate(tt.in)
			if got.Risk != tt.want {
				t.Errorf("Estimate().Risk = %s, want %s", got.Risk, tt.want)
			}
		})
	}
}

func TestReachFraction(t *testing.T) {
	e := New(DefaultConfig())

	br := e.Estimate(Input{
		ResourceType: models.ResourceTypeIAMRole,
		Neighbors:    10, CriticalPaths: 10,
		GraphAvailable: true, EstateSize: 100,
	})
	if br.Percentage != 0.2 {
		t.Errorf("percentage = %v, want 0.2", br.Percentage)
	}

	// Reach can never exceed the whole estate.
	br = e.Estimate(Input{
		ResourceType: models.ResourceTypeIAMRole,
		Neighbors:    500, GraphAvailable: true, EstateSize: 100,
	})
	if br.Percentage != 1 {
		t.Errorf("percentage = %v, want clamp at 1", br.Percentage)
	}

	// No graph data means no estimate at all.
	br = e.Estimate(Input{ResourceType: models.ResourceTypeIAMRole, Neighbors: 500, EstateSize: 100})
	if br.Percentage != 0 {
		t.Errorf("percentage = %v, want 0 without graph data", br.Percentage)
	}
}

func TestThresholdOverride(t *testing.T) {
	e := New(Config{
		NeighborThresholds: map[models.ResourceType]int{models.ResourceTypeIAMRole: 1},
		DefaultThreshold:   3,
	})
	br := e.Estimate(Input{
		ResourceType: models.ResourceTypeIAMRole,
		Neighbors:    2, GraphAvailable: true, EstateSize: 10,
	})
	if br.Risk != models.BlastRisky {
		t.Errorf("override threshold ignored, got %s", br.Risk)
	}
}
