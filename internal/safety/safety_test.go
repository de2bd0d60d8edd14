package safety

import (
	"testing"

	"github.com/saferemediate/lpe/internal/models"
)

func ptr(v float64) *float64 { return &v }

func TestDecide(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name       string
		ev         Evidence
		wantScore  int
		wantAction models.DecisionAction
	}{
		{
			name:       "perfect evidence auto-remediates",
			ev:         Evidence{Confidence: 1.0, SimulationSafe: true},
			wantScore:  100,
			wantAction: models.DecisionAutoRemediate,
		},
		{
			name:       "exactly at auto threshold",
			ev:         Evidence{Confidence: 0.85, SimulationSafe: true},
			wantScore:  85,
			wantAction: models.DecisionAutoRemediate,
		},
		{
			name:       "just below auto goes canary",
			ev:         Evidence{Confidence: 0.84, SimulationSafe: true},
			wantScore:  84,
			wantAction: models.DecisionCanary,
		},
		{
			name:       "mid range requires approval",
			ev:         Evidence{Confidence: 0.6, SimulationSafe: true},
			wantScore:  60,
			wantAction: models.DecisionRequireApproval,
		},
		{
			name:       "low confidence blocks",
			ev:         Evidence{Confidence: 0.3, SimulationSafe: true},
			wantScore:  30,
			wantAction: models.DecisionBlock,
		},
		{
			name:       "unsafe simulation halves health",
			ev:         Evidence{Confidence: 1.0, SimulationSafe: false},
			wantScore:  50,
			wantAction: models.DecisionRequireApproval,
		},
		{
			name:       "blast radius discounts the score",
			ev:         Evidence{Confidence: 1.0, SimulationSafe: true, BlastRadiusPct: 0.4},
			wantScore:  60,
			wantAction: models.DecisionRequireApproval,
		},
		{
			name:       "rollback zero forces block",
			ev:         Evidence{Confidence: 1.0, SimulationSafe: true, Rollback: ptr(0)},
			wantScore:  0,
			wantAction: models.DecisionBlock,
		},
		{
			name:       "nil rollback defaults to full readiness",
			ev:         Evidence{Confidence: 0.9, SimulationSafe: true},
			wantScore:  90,
			wantAction: models.DecisionAutoRemediate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(tt.ev)
			if d.SafetyScore != tt.wantScore {
				t.Errorf("score = %d, want %d", d.SafetyScore, tt.wantScore)
			}
			if d.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", d.Action, tt.wantAction)
			}
			if d.Source != "local" {
				t.Errorf("source = %s, want local", d.Source)
			}
			if len(d.Reasons) == 0 {
				t.Error("decision must carry at least one reason")
			}
		})
	}
}

// Any legal health/rollback/blast can only lower the score, so confidence
// 0.3 always blocks.
func TestLowConfidenceAlwaysBlocks(t *testing.T) {
	e := New(DefaultConfig())
	for _, safe := range []bool{true, false} {
		for _, rb := range []*float64{nil, ptr(1), ptr(0.5)} {
			for _, blast := range []float64{0, 0.3, 0.9} {
				d := e.Decide(Evidence{
					Confidence: 0.3, SimulationSafe: safe,
					Rollback: rb, BlastRadiusPct: blast,
				})
				if d.SafetyScore > 30 {
					t.Fatalf("score %d exceeds 30", d.SafetyScore)
				}
				if d.Action != models.DecisionBlock {
					t.Fatalf("action = %s, want BLOCK", d.Action)
				}
			}
		}
	}
}

func TestMonotonicity(t *testing.T) {
	e := New(DefaultConfig())

	// Non-increasing in blast radius.
	prev := 101
	for blast := 0.0; blast <= 1.0; blast += 0.1 {
		d := e.Decide(Evidence{Confidence: 0.9, SimulationSafe: true, BlastRadiusPct: blast})
		if d.SafetyScore > prev {
			t.Fatalf("score rose with blast radius at %v", blast)
		}
		prev = d.SafetyScore
	}

	// Non-decreasing in confidence.
	prev = -1
	for conf := 0.0; conf <= 1.0; conf += 0.1 {
		d := e.Decide(Evidence{Confidence: conf, SimulationSafe: true})
		if d.SafetyScore < prev {
			t.Fatalf("score fell with confidence at %v", conf)
		}
		prev = d.SafetyScore
	}

	// Healthy simulation never scores below an unhealthy one.
	for conf := 0.0; conf <= 1.0; conf += 0.25 {
		safe := e.Decide(Evidence{Confidence: conf, SimulationSafe: true})
		unsafe := e.Decide(Evidence{Confidence: conf, SimulationSafe: false})
		if safe.SafetyScore < unsafe.SafetyScore {
			t.Fatalf("healthy score %d below unhealthy %d at conf %v",
				safe.SafetyScore, unsafe.SafetyScore, conf)
		}
	}
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{84.5, 85},
		{84.49, 84},
		{85.0, 85},
		{0.5, 1},
		{0.49, 0},
	}
	for _, tt := range tests {
		if got := roundHalfUp(tt.in); got != tt.want {
			t.Errorf("roundHalfUp(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestExternalDecisionOverride(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name          string
		external      *ExternalDecision
		wantAction    models.DecisionAction
		wantDirective models.Directive
		wantSource    string
	}{
		{
			name:          "external block wins over local auto",
			external:      &ExternalDecision{Action: models.DecisionBlock},
			wantAction:    models.DecisionBlock,
			wantDirective: models.DirectiveBlock,
			wantSource:    "external",
		},
		{
			name:          "external approval translates to review",
			external:      &ExternalDecision{Action: models.DecisionRequireApproval},
			wantAction:    models.DecisionRequireApproval,
			wantDirective: models.DirectiveReview,
			wantSource:    "external",
		},
		{
			name:          "external canary stays canary",
			external:      &ExternalDecision{Action: models.DecisionCanary},
			wantAction:    models.DecisionCanary,
			wantDirective: models.DirectiveCanary,
			wantSource:    "external",
		},
		{
			name:          "external auto translates to execute",
			external:      &ExternalDecision{Action: models.DecisionAutoRemediate},
			wantAction:    models.DecisionAutoRemediate,
			wantDirective: models.DirectiveExecute,
			wantSource:    "external",
		},
		{
			name:          "malformed external falls back to local",
			external:      &ExternalDecision{Action: ""},
			wantAction:    models.DecisionAutoRemediate,
			wantDirective: models.DirectiveExecute,
			wantSource:    "local",
		},
		{
			name:          "unrecognized external action falls back to local",
			external:      &ExternalDecision{Action: "ESCALATE"},
			wantAction:    models.DecisionAutoRemediate,
			wantDirective: models.DirectiveExecute,
			wantSource:    "local",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(Evidence{
				Confidence: 1.0, SimulationSafe: true,
				External: tt.external,
			})
			if d.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", d.Action, tt.wantAction)
			}
			if d.Directive != tt.wantDirective {
				t.Errorf("directive = %s, want %s", d.Directive, tt.wantDirective)
			}
			if d.Source != tt.wantSource {
				t.Errorf("source = %s, want %s", d.Source, tt.wantSource)
			}
		})
	}
}

func TestConfigOverride(t *testing.T) {
	e := New(Config{AutoThreshold: 95, CanaryThreshold: 90, ApprovalThreshold: 80, UnsafeHealth: 0.5})
	d := e.Decide(Evidence{Confidence: 0.9, SimulationSafe: true})
	if d.Action != models.DecisionCanary {
		t.Errorf("raised thresholds ignored, got %s", d.Action)
	}
}
