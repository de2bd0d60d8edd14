// Package analysis runs the full decision pipeline over one immutable
// evidence snapshot: normalize, classify, estimate confidence and blast
// radius, build and rank gap items, route queues. Pure and synchronous; a
// new snapshot means a complete re-run, never an incremental update.
package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saferemediate/lpe/internal/blastradius"
	"github.com/saferemediate/lpe/internal/confidence"
	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/ranker"
	"github.com/saferemediate/lpe/internal/riskflags"
	"github.com/saferemediate/lpe/internal/safety"
	"github.com/saferemediate/lpe/internal/triage"
)

// Config aggregates every tuning table the pipeline consumes, so one
// structure injects all weights, thresholds, and port sets.
type Config struct {
	RiskFlags   riskflags.Config   `yaml:"risk_flags"`
	Confidence  confidence.Config  `yaml:"confidence"`
	BlastRadius blastradius.Config `yaml:"blast_radius"`
	Ranker      ranker.Config      `yaml:"ranker"`
	Safety      safety.Config      `yaml:"safety"`
	TopN        int                `yaml:"top_n"`
}

func DefaultConfig() Config {
	return Config{
		RiskFlags:   riskflags.DefaultConfig(),
		Confidence:  confidence.DefaultConfig(),
		BlastRadius: blastradius.DefaultConfig(),
		Ranker:      ranker.DefaultConfig(),
		Safety:      safety.DefaultConfig(),
		TopN:        25,
	}
}

type Engine struct {
	classifier *riskflags.Classifier
	estimator  *confidence.Estimator
	blast      *blastradius.Estimator
	ranker     *ranker.Ranker
	safety     *safety.Engine
	router     *triage.Router
	topN       int
}

func New(cfg Config) *Engine {
	topN := cfg.TopN
	if topN == 0 {
		topN = DefaultConfig().TopN
	}
	return &Engine{
		classifier: riskflags.New(cfg.RiskFlags),
		estimator:  confidence.New(cfg.Confidence),
		blast:      blastradius.New(cfg.BlastRadius),
		ranker:     ranker.New(cfg.Ranker),
		safety:     safety.New(cfg.Safety),
		router:     triage.New(),
		topN:       topN,
	}
}

// Result is the complete output of one run. Everything is derived from the
// snapshot; nothing is mutated afterwards.
type Result struct {
	Components  []models.SecurityComponent `json:"components"`
	Gaps        map[string]ranker.Page     `json:"gaps"`
	Queues      triage.Buckets             `json:"queues"`
	Strength    models.ConfidenceLevel     `json:"evidence_strength"`
	Window      string                     `json:"window"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Run executes the pipeline. Records must have been fully collected first;
// a record that fails boundary validation aborts the run rather than
// producing output from partial evidence.
func (e *Engine) Run(snap evidence.Snapshot) (*Result, error) {
	available, total := snap.AvailableSources()

	estate := snap.EstateSize
	if estate == 0 {
		estate = len(snap.Records)
	}

	res := &Result{
		Gaps:        make(map[string]ranker.Page, len(snap.Records)),
		Strength:    e.estimator.Global(available, total),
		Window:      snap.Window,
		GeneratedAt: snap.GeneratedAt,
	}

	for _, rec := range snap.Records {
		aug, err := evidence.Normalize(rec)
		if err != nil {
			return nil, fmt.Errorf("normalizing %s: %w", rec.ResourceID, err)
		}

		flags := e.classifier.Classify(rec, aug)
		usagePct := evidence.UsagePercent(aug)
		level := e.estimator.ForResource(usagePct, rec.SourceAvailable)

		comp := models.SecurityComponent{
			ID:                  rec.ResourceID,
			Name:                rec.Name,
			Type:                rec.ResourceType,
			AccountID:           rec.AccountID,
			Region:              rec.Region,
			AUG:                 aug,
			Flags:               flags,
			HighestFlag:         riskflags.HighestFlag(flags),
			Severity:            riskflags.SeverityOf(flags),
			Confidence:          level,
			UsagePercent:        usagePct,
			HasAdminAccess:      hasFlag(flags, models.FlagAdminPolicy) || hasFlag(flags, models.FlagWildcardAction),
			InternetExposed:     hasFlag(flags, models.FlagWorldOpen) || hasFlag(flags, models.FlagPublicBucket),
			Sources:             snap.Sources,
			LeastPrivilegeScore: usagePct,
			WhyNow:              rec.WhyNow,
		}

		comp.Blast = e.blast.Estimate(blastradius.Input{
			ResourceType:     rec.ResourceType,
			Neighbors:        rec.NeighborCount,
			CriticalPaths:    rec.CriticalPaths,
			InternetExposed:  comp.InternetExposed,
			HasAdminAccess:   comp.HasAdminAccess,
			GraphAvailable:   rec.GraphAvailable,
			EstateSize:       estate,
			ImpactedServices: rec.ImpactedServices,
		})

		res.Components = append(res.Components, comp)

		items := e.gapItems(rec, comp)
		if len(items) > 0 {
			res.Gaps[comp.ID] = ranker.Truncate(e.ranker.Rank(items), e.topN)
		}
	}

	res.Queues = e.router.Route(res.Components)
	return res, nil
}

// gapItems builds the removal candidates for one component. An empty grant
// produces none, and without a usage source the question is unanswerable.
func (e *Engine) gapItems(rec evidence.Record, comp models.SecurityComponent) []models.GapItem {
	confPct := confidence.Percent(comp.Confidence)
	exposure := worldOpenCIDR(rec.IngressCIDRs)

	var items []models.GapItem
	for _, p := range rec.UnusedPermissions() {
		item := models.GapItem{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(comp.ID+"/"+p.PolicyRef+"/"+p.Action)).String(),
			ComponentID:   comp.ID,
			ComponentName: comp.Name,
			PolicyRef:     p.PolicyRef,
			Action:        p.Action,
			Resource:      p.Resource,
			ObservedCount: p.ObservedCount,
			LastUsedDays:  p.LastUsedDays,
			RiskScore:     p.RiskScore,
			ConfidencePct: confPct,
			ExposureCIDR:  exposure,
		}

		if riskflags.IsWildcardAction(p.Action) {
			item.Flags = append(item.Flags, models.FlagWildcardAction)
		}
		if p.Resource == "*" {
			item.Flags = append(item.Flags, models.FlagWildcardResource)
		}

		switch {
		case riskflags.IsWildcardAction(p.Action):
			item.Recommendation = models.ActionScope
			item.Reason = "wildcard grant should be narrowed to the actions actually used"
		case comp.Confidence.AtLeast(models.ConfidenceMedium):
			item.Recommendation = models.ActionRemove
			item.Reason = fmt.Sprintf("no recorded use of %s in the analysis window", p.Action)
		default:
			item.Recommendation = models.ActionReview
			item.Reason = "usage telemetry is too weak to recommend removal outright"
		}

		items = append(items, item)
	}
	return items
}

// Decide gates one candidate remediation through the safety engine. The
// simulation verdict and optional external decision come from the caller;
// rollback readiness defaults to full when unassessed.
func (e *Engine) Decide(comp models.SecurityComponent, simulationSafe bool, rollback *float64, external *safety.ExternalDecision) models.Decision {
	return e.safety.Decide(safety.Evidence{
		Confidence:     confidence.Fraction(comp.Confidence),
		SimulationSafe: simulationSafe,
		Rollback:       rollback,
		BlastRadiusPct: comp.Blast.Percentage,
		External:       external,
	})
}

func hasFlag(flags []models.RiskFlag, want models.RiskFlag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func worldOpenCIDR(cidrs []string) string {
	for _, c := range cidrs {
		if riskflags.IsAllAddresses(c) {
			return c
		}
	}
	return ""
}
