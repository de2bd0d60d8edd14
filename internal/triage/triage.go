// Package triage routes each analyzed component into at most one of three
// review queues. The rule order is load-bearing: high-confidence gaps must
// claim a component before the blast-radius rule can see it, otherwise
// high-confidence high-reach resources would surface twice.
package triage

import (
	"fmt"

	"github.com/saferemediate/lpe/internal/models"
)

const (
	ctaHighConfidence = "view impact report"
	ctaArchitectural  = "enable telemetry"
	ctaBlastRadius    = "investigate activity"
)

// Buckets is the routed output of one analysis run. A component appears in
// at most one bucket; Excluded counts the ones that matched no rule.
type Buckets struct {
	HighConfidenceGaps  []models.QueueCard `json:"high_confidence_gaps"`
	ArchitecturalRisks  []models.QueueCard `json:"architectural_risks"`
	BlastRadiusWarnings []models.QueueCard `json:"blast_radius_warnings"`
	Excluded            int                `json:"excluded"`
}

func (b *Buckets) Total() int {
	return len(b.HighConfidenceGaps) + len(b.ArchitecturalRisks) + len(b.BlastRadiusWarnings)
}

type Router struct{}

func New() *Router {
	return &Router{}
}

// Route assigns every component through the ordered decision chain.
func (r *Router) Route(components []models.SecurityComponent) Buckets {
	var b Buckets
	for _, c := range components {
		card, queue, ok := r.routeOne(c)
		if !ok {
			b.Excluded++
			continue
		}
		switch queue {
		case models.QueueHighConfidenceGaps:
			b.HighConfidenceGaps = append(b.HighConfidenceGaps, card)
		case models.QueueArchitecturalRisks:
			b.ArchitecturalRisks = append(b.ArchitecturalRisks, card)
		case models.QueueBlastRadiusWarnings:
			b.BlastRadiusWarnings = append(b.BlastRadiusWarnings, card)
		}
	}
	return b
}

func (r *Router) routeOne(c models.SecurityComponent) (models.QueueCard, models.QueueName, bool) {
	card := models.QueueCard{
		ComponentID: c.ID,
		Name:        c.Name,
		Type:        c.Type,
		Severity:    c.Severity,
		Confidence:  c.Confidence,
		AUG:         c.AUG,
		Flags:       c.Flags,
		Blast:       c.Blast,
	}

	unused := 0
	if c.AUG.Gap.Known() {
		unused = c.AUG.Gap.Int()
	}

	switch {
	case c.Confidence.AtLeast(models.ConfidenceMedium) && unused > 0:
		card.Queue = models.QueueHighConfidenceGaps
		card.RiskCategory = riskCategory(c)
		card.Reason = fmt.Sprintf("%d granted permissions show no recorded use in the analysis window", unused)
		card.CTA = ctaHighConfidence

	case c.Confidence == models.ConfidenceLow || c.Confidence == models.ConfidenceUnknown:
		card.Queue = models.QueueArchitecturalRisks
		card.RiskCategory = riskCategory(c)
		card.Reason = architecturalReason(c.Confidence)
		card.CTA = ctaArchitectural

	case c.InternetExposed || c.HasAdminAccess:
		card.Queue = models.QueueBlastRadiusWarnings
		card.RiskCategory = riskCategory(c)
		card.Reason = blastReason(c)
		card.CTA = ctaBlastRadius
		card.WhyNow = c.WhyNow

	default:
		return models.QueueCard{}, "", false
	}

	return card, card.Queue, true
}

func riskCategory(c models.SecurityComponent) models.RiskCategory {
	for _, f := range c.Flags {
		if f == models.FlagAdminPolicy {
			return models.RiskCategoryOverPrivileged
		}
	}
	if c.InternetExposed {
		return models.RiskCategoryPublicExposure
	}
	return models.RiskCategoryOverPrivileged
}

func architecturalReason(level models.ConfidenceLevel) string {
	if level == models.ConfidenceUnknown {
		return "no usage telemetry is available for this resource, so its access gap cannot be measured"
	}
	return "usage telemetry is too sparse to trust the measured access gap"
}

func blastReason(c models.SecurityComponent) string {
	switch {
	case c.InternetExposed && c.HasAdminAccess:
		return "internet reachable with administrative access"
	case c.InternetExposed:
		return "reachable from the internet"
	default:
		return "holds administrative access"
	}
}
