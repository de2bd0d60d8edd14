// Package safety computes the composite 0-100 score that gates whether a
// remediation may run automatically, and maps it onto a decision action.
package safety

import (
	"fmt"
	"math"
	"time"

	"github.com/saferemediate/lpe/internal/models"
)

// Config holds the decision thresholds. Evaluated high to low; everything
// below the approval threshold is blocked.
type Config struct {
	AutoThreshold     int `yaml:"auto_threshold"`
	CanaryThreshold   int `yaml:"canary_threshold"`
	ApprovalThreshold int `yaml:"approval_threshold"`
	// Health factor applied when the simulation did not mark the change safe.
	UnsafeHealth float64 `yaml:"unsafe_health"`
}

func DefaultConfig() Config {
	return Config{
		AutoThreshold:     85,
		CanaryThreshold:   70,
		ApprovalThreshold: 50,
		UnsafeHealth:      0.5,
	}
}

// Evidence is everything one decision consumes. Rollback is a first-class
// factor: nil means the rollback path was not assessed and defaults to 1.0,
// while an explicit 0 from a future readiness probe forces BLOCK.
type Evidence struct {
	Confidence     float64           `json:"confidence"`
	SimulationSafe bool              `json:"simulation_safe"`
	Rollback       *float64          `json:"rollback,omitempty"`
	BlastRadiusPct float64           `json:"blast_radius_pct"`
	External       *ExternalDecision `json:"external,omitempty"`
}

// ExternalDecision is a verdict some upstream decision service already
// computed. When well formed, its action wins over the local formula.
type ExternalDecision struct {
	Action  models.DecisionAction `json:"action"`
	Reasons []string              `json:"reasons,omitempty"`
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.AutoThreshold == 0 {
		cfg.AutoThreshold = def.AutoThreshold
	}
	if cfg.CanaryThreshold == 0 {
		cfg.CanaryThreshold = def.CanaryThreshold
	}
	if cfg.ApprovalThreshold == 0 {
		cfg.ApprovalThreshold = def.ApprovalThreshold
	}
	if cfg.UnsafeHealth == 0 {
		cfg.UnsafeHealth = def.UnsafeHealth
	}
	return &Engine{cfg: cfg}
}

// directiveFor translates a decision action into the execution-facing verb.
var directiveFor = map[models.DecisionAction]models.Directive{
	models.DecisionAutoRemediate:   models.DirectiveExecute,
	models.DecisionCanary:          models.DirectiveCanary,
	models.DecisionRequireApproval: models.DirectiveReview,
	models.DecisionBlock:           models.DirectiveBlock,
}

// Decide computes safety = confidence * health * rollback * (1 - blast),
// rounds half-up to a percent, and maps it through the thresholds. A well
// formed external decision overrides the locally computed action; callers
// cannot tell which source produced the verdict except via Source.
func (e *Engine) Decide(ev Evidence) models.Decision {
	conf := clamp01(ev.Confidence)
	blast := clamp01(ev.BlastRadiusPct)

	health := 1.0
	if !ev.SimulationSafe {
		health = e.cfg.UnsafeHealth
	}

	rollback := 1.0
	if ev.Rollback != nil {
		rollback = clamp01(*ev.Rollback)
	}

	score := roundHalfUp(conf * health * rollback * (1 - blast) * 100)

	var action models.DecisionAction
	switch {
	case score >= e.cfg.AutoThreshold:
		action = models.DecisionAutoRemediate
	case score >= e.cfg.CanaryThreshold:
		action = models.DecisionCanary
	case score >= e.cfg.ApprovalThreshold:
		action = models.DecisionRequireApproval
	default:
		action = models.DecisionBlock
	}

	d := models.Decision{
		Action:      action,
		SafetyScore: score,
		Breakdown: map[string]float64{
			"confidence":   conf,
			"health":       health,
			"rollback":     rollback,
			"blast_radius": blast,
		},
		Source:    "local",
		DecidedAt: time.Now().UTC(),
	}
	d.Reasons = append(d.Reasons, reasonFor(action, score))
	if !ev.SimulationSafe {
		d.Warnings = append(d.Warnings, "simulation did not mark this change safe; health factor halved")
	}
	if rollback < 1 {
		d.Warnings = append(d.Warnings, "rollback readiness degraded")
	}
	if blast >= 0.5 {
		d.Warnings = append(d.Warnings, "more than half the estate is estimated reachable from this resource")
	}

	// A malformed external payload (unrecognized or missing action) falls
	// back to the local verdict silently.
	if ev.External != nil {
		if _, ok := directiveFor[ev.External.Action]; ok {
			d.Action = ev.External.Action
			d.Source = "external"
			d.Reasons = append(d.Reasons, ev.External.Reasons...)
		}
	}

	d.Directive = directiveFor[d.Action]
	return d
}

func reasonFor(action models.DecisionAction, score int) string {
	switch action {
	case models.DecisionAutoRemediate:
		return fmt.Sprintf("safety score %d clears the auto-remediation threshold", score)
	case models.DecisionCanary:
		return fmt.Sprintf("safety score %d allows a staged canary rollout", score)
	case models.DecisionRequireApproval:
		return fmt.Sprintf("safety score %d requires human approval before execution", score)
	default:
		return fmt.Sprintf("safety score %d is too low to execute", score)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// roundHalfUp rounds to the nearest integer with .5 always going up, so
// threshold boundaries resolve identically everywhere.
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
