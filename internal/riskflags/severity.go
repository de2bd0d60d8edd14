package riskflags

import (
	"strings"

	"github.com/saferemediate/lpe/internal/models"
)

// WeightClass groups flags and action verbs for the ranking tables. The
// display order wildcard > admin > public > delete > write > broad_ports is
// fixed; tests depend on it.
type WeightClass string

const (
	ClassWildcard   WeightClass = "wildcard"
	ClassAdmin      WeightClass = "admin"
	ClassPublic     WeightClass = "public"
	ClassDelete     WeightClass = "delete"
	ClassWrite      WeightClass = "write"
	ClassBroadPorts WeightClass = "broad_ports"
)

var classOrder = []WeightClass{
	ClassWildcard, ClassAdmin, ClassPublic, ClassDelete, ClassWrite, ClassBroadPorts,
}

// ClassOf maps a flag to its weight class. Flags outside the six ranked
// classes (cross_account, no_mfa, ...) have no class and rank last.
func ClassOf(f models.RiskFlag) (WeightClass, bool) {
	switch f {
	case models.FlagWildcardAction, models.FlagWildcardResource:
		return ClassWildcard, true
	case models.FlagAdminPolicy:
		return ClassAdmin, true
	case models.FlagWorldOpen, models.FlagPublicBucket:
		return ClassPublic, true
	case models.FlagSensitivePorts:
		return ClassBroadPorts, true
	}
	return "", false
}

var deleteVerbs = []string{"delete", "remove", "terminate", "destroy", "deregister"}
var writeVerbs = []string{"put", "create", "update", "modify", "write", "set", "attach", "detach", "add"}

// ActionClass classifies an IAM action verb ("s3:DeleteObject") into the
// delete or write weight class. Read-only verbs have no class.
func ActionClass(action string) (WeightClass, bool) {
	verb := action
	if i := strings.LastIndex(action, ":"); i >= 0 {
		verb = action[i+1:]
	}
	verb = strings.ToLower(verb)
	for _, v := range deleteVerbs {
		if strings.HasPrefix(verb, v) {
			return ClassDelete, true
		}
	}
	for _, v := range writeVerbs {
		if strings.HasPrefix(verb, v) {
			return ClassWrite, true
		}
	}
	return "", false
}

func classIndex(f models.RiskFlag) int {
	class, ok := ClassOf(f)
	if !ok {
		return len(classOrder)
	}
	for i, c := range classOrder {
		if c == class {
			return i
		}
	}
	return len(classOrder)
}

// HighestFlag picks the single flag used for compact display: the first
// class in the ranking table that any flag matches wins, ties broken by
// input order. Never random.
func HighestFlag(flags []models.RiskFlag) models.RiskFlag {
	if len(flags) == 0 {
		return ""
	}
	best := flags[0]
	bestIdx := classIndex(best)
	for _, f := range flags[1:] {
		if idx := classIndex(f); idx < bestIdx {
			best, bestIdx = f, idx
		}
	}
	return best
}

// SeverityOf maps a flag set to the coarse severity used on queue cards.
func SeverityOf(flags []models.RiskFlag) models.Severity {
	switch classIndex(HighestFlag(flags)) {
	case 0, 1: // wildcard, admin
		return models.SeverityCritical
	case 2: // public
		return models.SeverityHigh
	case 5: // broad_ports
		return models.SeverityMedium
	}
	if len(flags) > 0 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
