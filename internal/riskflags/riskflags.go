// Package riskflags derives boolean risk indicators from resource
// attributes. All predicates are deterministic; the same record always
// produces the same flag set in the same order.
package riskflags

import (
	"strings"

	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
)

// Config holds the classifier's tunable tables. Everything here is
// injectable so tests and deployments can override without code changes.
type Config struct {
	SensitivePorts []int    `yaml:"sensitive_ports"`
	AdminPatterns  []string `yaml:"admin_patterns"`
	// overly_permissive fires when the grant is at least MinGrant wide and
	// observed usage covers at most MaxUsageRatio of it.
	OverlyPermissiveMinGrant      int     `yaml:"overly_permissive_min_grant"`
	OverlyPermissiveMaxUsageRatio float64 `yaml:"overly_permissive_max_usage_ratio"`
}

func DefaultConfig() Config {
	return Config{
		SensitivePorts:                []int{22, 3389, 3306, 5432, 1433, 6379, 27017},
		AdminPatterns:                 []string{"administratoraccess", "fullaccess", "admin", "poweruser"},
		OverlyPermissiveMinGrant:      20,
		OverlyPermissiveMaxUsageRatio: 0.2,
	}
}

type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	if len(cfg.SensitivePorts) == 0 {
		cfg.SensitivePorts = DefaultConfig().SensitivePorts
	}
	if len(cfg.AdminPatterns) == 0 {
		cfg.AdminPatterns = DefaultConfig().AdminPatterns
	}
	return &Classifier{cfg: cfg}
}

// IsWildcardAction reports whether an action grants everything, either
// outright ("*") or within a service ("s3:*").
func IsWildcardAction(action string) bool {
	return action == "*" || strings.HasSuffix(action, ":*")
}

// IsAllAddresses matches the world-open CIDR literals.
func IsAllAddresses(cidr string) bool {
	return cidr == "0.0.0.0/0" || cidr == "::/0"
}

// Classify runs every predicate over the record and returns the additive
// flag set in a fixed order.
func (c *Classifier) Classify(r evidence.Record, aug models.AUG) []models.RiskFlag {
	var flags []models.RiskFlag

	wildcardAction, wildcardResource := false, false
	for _, p := range r.Permissions {
		if IsWildcardAction(p.Action) {
			wildcardAction = true
		}
		if p.Resource == "*" {
			wildcardResource = true
		}
	}
	if wildcardAction {
		flags = append(flags, models.FlagWildcardAction)
	}
	if wildcardResource {
		flags = append(flags, models.FlagWildcardResource)
	}

	if c.hasAdminPolicy(r) {
		flags = append(flags, models.FlagAdminPolicy)
	}

	worldOpen := false
	for _, cidr := range r.IngressCIDRs {
		if IsAllAddresses(cidr) {
			worldOpen = true
			break
		}
	}
	if worldOpen {
		flags = append(flags, models.FlagWorldOpen)
	}

	if c.hasSensitivePort(r.Ports) {
		flags = append(flags, models.FlagSensitivePorts)
	}

	if crossAccount(r.TrustedPrincipals, r.AccountID) {
		flags = append(flags, models.FlagCrossAccount)
	}

	if c.isOverlyPermissive(aug) {
		flags = append(flags, models.FlagOverlyPermissive)
	}

	if r.ResourceType == models.ResourceTypeIAMUser && !r.MFAEnabled {
		flags = append(flags, models.FlagNoMFA)
	}
	if !r.Encrypted && storesData(r.ResourceType) {
		flags = append(flags, models.FlagNoEncryption)
	}
	if r.PublicAccess && r.ResourceType == models.ResourceTypeS3Bucket {
		flags = append(flags, models.FlagPublicBucket)
	}

	// A grant we know exists but could not decompose into permissions is
	// a policy the analyzer cannot reason about.
	if isIdentity(r.ResourceType) && r.AllowedCount > 0 && len(r.Permissions) == 0 {
		flags = append(flags, models.FlagPolicyIssues)
	}

	return flags
}

func (c *Classifier) hasAdminPolicy(r evidence.Record) bool {
	for _, name := range r.PolicyNames {
		lower := strings.ToLower(name)
		for _, pat := range c.cfg.AdminPatterns {
			if strings.Contains(lower, pat) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) hasSensitivePort(ranges []evidence.PortRange) bool {
	for _, pr := range ranges {
		for _, port := range c.cfg.SensitivePorts {
			if pr.Contains(port) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) isOverlyPermissive(aug models.AUG) bool {
	if !aug.Authorized.Known() || !aug.Used.Known() {
		return false
	}
	allowed := aug.Authorized.Int()
	if allowed < c.cfg.OverlyPermissiveMinGrant {
		return false
	}
	return float64(aug.Used.Int()) <= float64(allowed)*c.cfg.OverlyPermissiveMaxUsageRatio
}

func crossAccount(principals []string, ownAccount string) bool {
	if ownAccount == "" {
		return false
	}
	for _, p := range principals {
		// arn:aws:iam::123456789012:root
		parts := strings.Split(p, ":")
		if len(parts) >= 5 && parts[4] != "" && parts[4] != ownAccount {
			return true
		}
	}
	return false
}

func isIdentity(t models.ResourceType) bool {
	return t == models.ResourceTypeIAMRole || t == models.ResourceTypeIAMUser
}

func storesData(t models.ResourceType) bool {
	switch t {
	case models.ResourceTypeS3Bucket, models.ResourceTypeRDS, models.ResourceTypeDynamoDB:
		return true
	}
	return false
}
