// Package blastradius classifies the downstream impact of changing one
// resource from dependency-graph counts and exposure flags. Absence of
// graph data yields UNKNOWN, never SAFE.
package blastradius

import "github.com/saferemediate/lpe/internal/models"

// Config holds the per-type neighbor thresholds above which a change is
// considered risky.
type Config struct {
	NeighborThresholds map[models.ResourceType]int `yaml:"neighbor_thresholds"`
	DefaultThreshold   int                         `yaml:"default_threshold"`
}

func DefaultConfig() Config {
	return Config{
		NeighborThresholds: map[models.ResourceType]int{
			models.ResourceTypeIAMRole:       5,
			models.ResourceTypeIAMUser:       5,
			models.ResourceTypeSecurityGroup: 10,
			models.ResourceTypeS3Bucket:      8,
			models.ResourceTypeLambda:        6,
		},
		DefaultThreshold: 10,
	}
}

// Input is the evidence the estimator consumes. EstateSize is the total
// resource count of the analyzed account set, used for the reach fraction.
type Input struct {
	ResourceType     models.ResourceType
	Neighbors        int
	CriticalPaths    int
	InternetExposed  bool
	HasAdminAccess   bool
	GraphAvailable   bool
	EstateSize       int
	ImpactedServices []string
}

type Estimator struct {
	cfg Config
}

func New(cfg Config) *Estimator {
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = DefaultConfig().DefaultThreshold
	}
	if cfg.NeighborThresholds == nil {
		cfg.NeighborThresholds = DefaultConfig().NeighborThresholds
	}
	return &Estimator{cfg: cfg}
}

func (e *Estimator) threshold(t models.ResourceType) int {
	if th, ok := e.cfg.NeighborThresholds[t]; ok {
		return th
	}
	return e.cfg.DefaultThreshold
}

// Estimate classifies the blast radius. Internet exposure or admin access
// is RISKY on its own. Otherwise the neighbor count decides, but only when
// graph data actually exists; without it the answer is UNKNOWN.
func (e *Estimator) Estimate(in Input) models.BlastRadius {
	br := models.BlastRadius{
		Neighbors:        in.Neighbors,
		CriticalPaths:    in.CriticalPaths,
		ImpactedServices: in.ImpactedServices,
		Percentage:       reachFraction(in),
	}

	switch {
	case in.InternetExposed || in.HasAdminAccess:
		br.Risk = models.BlastRisky
	case !in.GraphAvailable:
		br.Risk = models.BlastUnknown
	case in.Neighbors > e.threshold(in.ResourceType):
		br.Risk = models.BlastRisky
	default:
		br.Risk = models.BlastSafe
	}
	return br
}

// reachFraction estimates the share of the estate reachable from this
// resource. Critical paths widen the estimate since each one chains into
// further services.
func reachFraction(in Input) float64 {
	if !in.GraphAvailable || in.EstateSize <= 0 {
		return 0
	}
	reachable := in.Neighbors + in.CriticalPaths
	frac := float64(reachable) / float64(in.EstateSize)
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return frac
}
