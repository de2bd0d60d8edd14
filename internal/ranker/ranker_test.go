package ranker

import (
	"reflect"
	"testing"

	"github.com/saferemediate/lpe/internal/models"
)

func TestPriority(t *testing.T) {
	r := New(DefaultConfig())

	tests := []struct {
		name string
		item models.GapItem
		want float64
	}{
		{
			name: "wildcard flag only",
			item: models.GapItem{
				Action: "ec2:DescribeInstances",
				Flags:  []models.RiskFlag{models.FlagWildcardAction},
			},
			want: 100,
		},
		{
			name: "flag weights are additive",
			item: models.GapItem{
				Action: "ec2:DescribeInstances",
				Flags:  []models.RiskFlag{models.FlagWildcardAction, models.FlagAdminPolicy},
			},
			want: 190,
		},
		{
			name: "delete verb adds its class weight",
			item: models.GapItem{Action: "s3:DeleteObject"},
			want: 70,
		},
		{
			name: "write verb adds its class weight",
			item: models.GapItem{Action: "s3:PutObject"},
			want: 60,
		},
		{
			name: "confidence and risk score scale in",
			item: models.GapItem{
				Action:        "ec2:DescribeInstances",
				ConfidencePct: 90,
				RiskScore:     50,
			},
			want: 90*0.5 + 50*0.3,
		},
		{
			name: "world open exposure adds flat bonus",
			item: models.GapItem{
				Action:       "ec2:DescribeInstances",
				ExposureCIDR: "0.0.0.0/0",
			},
			want: 100,
		},
		{
			name: "everything together",
			item: models.GapItem{
				Action:        "s3:DeleteObject",
				Flags:         []models.RiskFlag{models.FlagWorldOpen},
				ConfidencePct: 80,
				RiskScore:     40,
				ExposureCIDR:  "::/0",
			},
			want: 85 + 70 + 80*0.5 + 40*0.3 + 100,
		},
		{
			name: "unranked flags carry no weight",
			item: models.GapItem{
				Action: "ec2:DescribeInstances",
				Flags:  []models.RiskFlag{models.FlagNoMFA, models.FlagCrossAccount},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Priority(tt.item); got != tt.want {
				t.Errorf("Priority() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRank(t *testing.T) {
	r := New(DefaultConfig())

	items := []models.GapItem{
		{ID: "low", Action: "s3:GetObject"},
		{ID: "high", Action: "iam:PassRole", Flags: []models.RiskFlag{models.FlagWildcardAction}},
		{ID: "mid", Action: "s3:PutObject"},
	}

	ranked := r.Rank(items)

	wantOrder := []string{"high", "mid", "low"}
	for i, id := range wantOrder {
		if ranked[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, ranked[i].ID, id)
		}
		if ranked[i].Rank != i+1 {
			t.Errorf("rank of %s = %d, want %d", ranked[i].ID, ranked[i].Rank, i+1)
		}
	}

	// Input order preserved, no mutation.
	if items[0].ID != "low" || items[0].Rank != 0 {
		t.Error("Rank must not mutate its input")
	}
}

func TestRankStableTies(t *testing.T) {
	r := New(DefaultConfig())

	items := []models.GapItem{
		{ID: "a", Action: "s3:GetObject"},
		{ID: "b", Action: "s3:GetObject"},
		{ID: "c", Action: "s3:GetObject"},
	}

	first := r.Rank(items)
	second := r.Rank(items)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("reruns on identical input must produce identical order")
	}
	for i, id := range []string{"a", "b", "c"} {
		if first[i].ID != id {
			t.Errorf("tie at position %d = %s, want discovery order %s", i, first[i].ID, id)
		}
	}
}

func TestTruncate(t *testing.T) {
	r := New(DefaultConfig())
	items := make([]models.GapItem, 10)
	for i := range items {
		items[i] = models.GapItem{ID: string(rune('a' + i)), Action: "s3:GetObject"}
	}
	ranked := r.Rank(items)

	page := Truncate(ranked, 3)
	if len(page.Items) != 3 || page.More != 7 {
		t.Errorf("Truncate(10, 3) = %d items +%d more, want 3 +7", len(page.Items), page.More)
	}
	if page.Items[0].Rank != 1 {
		t.Error("truncation must not disturb ranks")
	}

	full := Truncate(ranked, 0)
	if len(full.Items) != 10 || full.More != 0 {
		t.Error("topN <= 0 should return everything")
	}

	over := Truncate(ranked, 50)
	if len(over.Items) != 10 || over.More != 0 {
		t.Error("topN beyond length should return everything")
	}
}
