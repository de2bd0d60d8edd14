// Package confidence maps evidence completeness onto the discrete trust
// scale unknown < low < medium < high. Two mappings share that scale: a
// global one over source availability and a per-resource one over the
// usage-percentage proxy.
package confidence

import "github.com/saferemediate/lpe/internal/models"

// Config carries the threshold tables, injectable for tuning and tests.
type Config struct {
	// Global source-ratio cutoffs.
	GlobalHighRatio   float64 `yaml:"global_high_ratio"`
	GlobalMediumRatio float64 `yaml:"global_medium_ratio"`
	// Per-resource usage-percent cutoffs.
	ResourceHighPct   float64 `yaml:"resource_high_pct"`
	ResourceMediumPct float64 `yaml:"resource_medium_pct"`
}

func DefaultConfig() Config {
	return Config{
		GlobalHighRatio:   0.75,
		GlobalMediumRatio: 0.5,
		ResourceHighPct:   80,
		ResourceMediumPct: 50,
	}
}

type Estimator struct {
	cfg Config
}

func New(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.GlobalHighRatio == 0 {
		cfg.GlobalHighRatio = def.GlobalHighRatio
	}
	if cfg.GlobalMediumRatio == 0 {
		cfg.GlobalMediumRatio = def.GlobalMediumRatio
	}
	if cfg.ResourceHighPct == 0 {
		cfg.ResourceHighPct = def.ResourceHighPct
	}
	if cfg.ResourceMediumPct == 0 {
		cfg.ResourceMediumPct = def.ResourceMediumPct
	}
	return &Estimator{cfg: cfg}
}

// Global rates the trustworthiness of a whole analysis run from the share
// of telemetry sources that responded.
func (e *Estimator) Global(available, total int) models.ConfidenceLevel {
	if total <= 0 || available <= 0 {
		return models.ConfidenceUnknown
	}
	ratio := float64(available) / float64(total)
	switch {
	case ratio >= e.cfg.GlobalHighRatio:
		return models.ConfidenceHigh
	case ratio >= e.cfg.GlobalMediumRatio:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// ForResource rates one resource's usage number. With no observability
// source at all the level is forced to unknown no matter the percentage.
func (e *Estimator) ForResource(usagePct float64, sourceAvailable bool) models.ConfidenceLevel {
	if !sourceAvailable {
		return models.ConfidenceUnknown
	}
	switch {
	case usagePct >= e.cfg.ResourceHighPct:
		return models.ConfidenceHigh
	case usagePct >= e.cfg.ResourceMediumPct:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// Percent projects a level onto the 0-100 scale the priority ranker and
// safety formula consume.
func Percent(level models.ConfidenceLevel) float64 {
	switch level {
	case models.ConfidenceHigh:
		return 90
	case models.ConfidenceMedium:
		return 65
	case models.ConfidenceLow:
		return 35
	default:
		return 0
	}
}

// Fraction is Percent scaled into [0,1] for the safety formula.
func Fraction(level models.ConfidenceLevel) float64 {
	return Percent(level) / 100
}
