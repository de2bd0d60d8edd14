// Package ranker orders gap items by a weighted priority so reviewers see
// the most dangerous removal candidates first. Output ordering is stable
// across runs on identical input.
package ranker

import (
	"sort"

	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/riskflags"
)

// Config is the injectable weight table.
type Config struct {
	ClassWeights      map[riskflags.WeightClass]float64 `yaml:"class_weights"`
	ConfidenceFactor  float64                           `yaml:"confidence_factor"`
	RiskScoreFactor   float64                           `yaml:"risk_score_factor"`
	AllAddressesBonus float64                           `yaml:"all_addresses_bonus"`
}

func DefaultConfig() Config {
	return Config{
		ClassWeights: map[riskflags.WeightClass]float64{
			riskflags.ClassWildcard:   100,
			riskflags.ClassAdmin:      90,
			riskflags.ClassPublic:     85,
			riskflags.ClassDelete:     70,
			riskflags.ClassWrite:      60,
			riskflags.ClassBroadPorts: 50,
		},
		ConfidenceFactor:  0.5,
		RiskScoreFactor:   0.3,
		AllAddressesBonus: 100,
	}
}

type Ranker struct {
	cfg Config
}

func New(cfg Config) *Ranker {
	def := DefaultConfig()
	if cfg.ClassWeights == nil {
		cfg.ClassWeights = def.ClassWeights
	}
	if cfg.ConfidenceFactor == 0 {
		cfg.ConfidenceFactor = def.ConfidenceFactor
	}
	if cfg.RiskScoreFactor == 0 {
		cfg.RiskScoreFactor = def.RiskScoreFactor
	}
	if cfg.AllAddressesBonus == 0 {
		cfg.AllAddressesBonus = def.AllAddressesBonus
	}
	return &Ranker{cfg: cfg}
}

// Priority computes the weighted score for one gap item: flag class
// weights, plus the action verb's delete/write weight, plus scaled
// confidence and risk score, plus a flat bonus for world-open exposure.
func (r *Ranker) Priority(item models.GapItem) float64 {
	var p float64
	for _, f := range item.Flags {
		if class, ok := riskflags.ClassOf(f); ok {
			p += r.cfg.ClassWeights[class]
		}
	}
	if class, ok := riskflags.ActionClass(item.Action); ok {
		p += r.cfg.ClassWeights[class]
	}
	p += item.ConfidencePct * r.cfg.ConfidenceFactor
	p += item.RiskScore * r.cfg.RiskScoreFactor
	if riskflags.IsAllAddresses(item.ExposureCIDR) {
		p += r.cfg.AllAddressesBonus
	}
	return p
}

// Rank returns a new slice sorted descending by priority with 1-based
// ranks assigned. Ties keep discovery order (stable sort), so reruns on
// identical input produce identical output. The input is not mutated.
func (r *Ranker) Rank(items []models.GapItem) []models.GapItem {
	ranked := make([]models.GapItem, len(items))
	copy(ranked, items)
	for i := range ranked {
		ranked[i].Priority = r.Priority(ranked[i])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority > ranked[j].Priority
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// Page is a top-N view of a ranked list. More counts the entries cut off;
// truncation never changes priorities or the underlying order.
type Page struct {
	Items []models.GapItem `json:"items"`
	More  int              `json:"more"`
}

func Truncate(ranked []models.GapItem, topN int) Page {
	if topN <= 0 || topN >= len(ranked) {
		return Page{Items: ranked}
	}
	return Page{Items: ranked[:topN], More: len(ranked) - topN}
}
