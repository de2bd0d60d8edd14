// Package evidence normalizes raw per-resource collection output into the
// canonical Authorized/Used/Gap triple. This is the only package allowed to
// resolve missing-value ambiguity: everything downstream consumes explicit
// VALUE/UNKNOWN/ZERO states and never guesses.
package evidence

import (
	"errors"
	"fmt"
	"time"

	"github.com/saferemediate/lpe/internal/models"
)

var ErrInvalidRecord = errors.New("invalid evidence record")

// Permission is one granted action observed (or not) in the usage window.
type Permission struct {
	Action        string  `json:"action"`
	Resource      string  `json:"resource,omitempty"`
	PolicyRef     string  `json:"policy_ref,omitempty"`
	ObservedCount int     `json:"observed_count"`
	LastUsedDays  int     `json:"last_used_days"`
	RiskScore     float64 `json:"risk_score"`
}

// PortRange is an inclusive ingress port span on a security group rule.
type PortRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (p PortRange) Contains(port int) bool {
	return port >= p.From && port <= p.To
}

// Record is the raw evidence for one resource, tagged by resource type.
// Which fields are required depends on the type; Validate enforces that at
// this boundary so downstream components can trust the shape.
type Record struct {
	ResourceID   string              `json:"resource_id"`
	ResourceType models.ResourceType `json:"resource_type"`
	Name         string              `json:"name"`
	AccountID    string              `json:"account_id"`
	Region       string              `json:"region,omitempty"`

	// Authorization evidence.
	AllowedCount      int          `json:"allowed_count"`
	Permissions       []Permission `json:"permissions,omitempty"`
	PolicyNames       []string     `json:"policy_names,omitempty"`
	TrustedPrincipals []string     `json:"trusted_principals,omitempty"`

	// Usage evidence. UsedCount and CoveragePercent are meaningless when
	// SourceAvailable is false.
	SourceAvailable bool    `json:"source_available"`
	UsedCount       int     `json:"used_count"`
	CoveragePercent float64 `json:"coverage_percent"`

	// Exposure evidence (security groups, buckets, lambdas).
	IngressCIDRs []string    `json:"ingress_cidrs,omitempty"`
	Ports        []PortRange `json:"ports,omitempty"`
	PublicAccess bool        `json:"public_access"`
	Encrypted    bool        `json:"encrypted"`
	MFAEnabled   bool        `json:"mfa_enabled"`

	// Dependency-graph evidence.
	GraphAvailable   bool     `json:"graph_available"`
	NeighborCount    int      `json:"neighbor_count"`
	CriticalPaths    int      `json:"critical_paths"`
	ImpactedServices []string `json:"impacted_services,omitempty"`

	// Recent-change metadata, passed through to triage cards.
	WhyNow string `json:"why_now,omitempty"`
}

// Snapshot is one immutable evidence fetch: the records plus run-level
// source availability. The engine re-runs wholesale over a new snapshot;
// nothing is updated in place.
type Snapshot struct {
	Records     []Record                `json:"records"`
	Sources     []models.EvidenceSource `json:"sources"`
	EstateSize  int                     `json:"estate_size"`
	Window      string                  `json:"window"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// AvailableSources counts the telemetry feeds that responded for this run.
func (s *Snapshot) AvailableSources() (available, total int) {
	for _, src := range s.Sources {
		total++
		if src.Available {
			available++
		}
	}
	return available, total
}

// Validate enforces the per-type required field set. Counts are never
// negative; a negative count means the collector is broken, not that
// evidence is merely missing.
func (r Record) Validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("%w: missing resource_id", ErrInvalidRecord)
	}
	if r.AllowedCount < 0 {
		return fmt.Errorf("%w: %s: negative allowed_count %d", ErrInvalidRecord, r.ResourceID, r.AllowedCount)
	}
	if r.SourceAvailable && r.UsedCount < 0 {
		return fmt.Errorf("%w: %s: negative used_count %d", ErrInvalidRecord, r.ResourceID, r.UsedCount)
	}
	if r.NeighborCount < 0 || r.CriticalPaths < 0 {
		return fmt.Errorf("%w: %s: negative graph counts", ErrInvalidRecord, r.ResourceID)
	}

	switch r.ResourceType {
	case models.ResourceTypeIAMRole, models.ResourceTypeIAMUser:
		if r.AllowedCount > 0 && len(r.Permissions) == 0 && len(r.PolicyNames) == 0 {
			return fmt.Errorf("%w: %s: identity record needs permissions or policy names", ErrInvalidRecord, r.ResourceID)
		}
	case models.ResourceTypeSecurityGroup:
		if r.AllowedCount > 0 && len(r.IngressCIDRs) == 0 {
			return fmt.Errorf("%w: %s: security group record needs ingress CIDRs", ErrInvalidRecord, r.ResourceID)
		}
	case models.ResourceTypeS3Bucket, models.ResourceTypeLambda,
		models.ResourceTypeEC2, models.ResourceTypeRDS, models.ResourceTypeDynamoDB:
		// No extra required fields beyond the common set.
	default:
		return fmt.Errorf("%w: %s: unknown resource type %q", ErrInvalidRecord, r.ResourceID, r.ResourceType)
	}
	return nil
}

// Normalize converts one record into the AUG triple.
//
// Rules, in order: with no usage source, used and gap are UNKNOWN. With
// nothing authorized, gap is a measured ZERO. Otherwise gap is
// max(0, allowed-used) with state VALUE (or ZERO when it lands on zero).
// No other branch produces a numeric gap.
func Normalize(r Record) (models.AUG, error) {
	if err := r.Validate(); err != nil {
		return models.AUG{}, err
	}

	aug := models.AUG{Authorized: models.MetricValue(r.AllowedCount)}

	if !r.SourceAvailable {
		aug.Used = models.MetricUnknown()
		if r.AllowedCount == 0 {
			aug.Gap = models.MetricValue(0)
		} else {
			aug.Gap = models.MetricUnknown()
		}
		return aug, nil
	}

	aug.Used = models.MetricValue(r.UsedCount)
	if r.AllowedCount == 0 {
		aug.Gap = models.MetricValue(0)
		return aug, nil
	}

	gap := r.AllowedCount - r.UsedCount
	if gap < 0 {
		gap = 0
	}
	aug.Gap = models.MetricValue(gap)
	return aug, nil
}

// UsagePercent is the share of granted access actually exercised, used as
// the per-resource confidence proxy. An empty grant is trivially fully
// satisfied, so it scores 100 ("nothing to reduce").
func UsagePercent(aug models.AUG) float64 {
	if !aug.Authorized.Known() {
		return 0
	}
	allowed := aug.Authorized.Int()
	if allowed == 0 {
		return 100
	}
	if !aug.Used.Known() {
		return 0
	}
	pct := float64(aug.Used.Int()) / float64(allowed) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// UnusedPermissions returns the permissions with no observed use in the
// window. With no usage source the question is unanswerable and the result
// is nil. An empty grant never produces candidates.
func (r Record) UnusedPermissions() []Permission {
	if !r.SourceAvailable || r.AllowedCount == 0 {
		return nil
	}
	var unused []Permission
	for _, p := range r.Permissions {
		if p.ObservedCount == 0 {
			unused = append(unused, p)
		}
	}
	return unused
}
