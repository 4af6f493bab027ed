// Package billing picks the concrete service code and point value a
// matched rule attaches to a visit.
package billing

import (
	"fmt"

	"github.com/opencare-jp/kasan/internal/domain"
)

// LongVisitCutoffMinutes splits the duration branch: visits of up to
// the cutoff take the standard branch, strictly longer visits the long
// branch.
const LongVisitCutoffMinutes = 90

// Branch keys shared by service-code and points tables.
const (
	BranchStandard  = "standard"
	BranchLong      = "long"
	BranchDischarge = "discharge"
	BranchRegular   = "regular"
)

// Selection is the outcome of billing-code selection for one rule.
type Selection struct {
	Code      string
	BranchKey string
	Reason    string
}

// SelectCode resolves the billing code for a matched rule. Pure
// function of rule + context. Returns a MissingDataError when the
// context lacks data the rule's branch scheme needs (for example
// timestamps for duration branching); that skips the rule with its own
// reason, distinct from condition failure.
func SelectCode(rule *domain.BonusRule, ec *domain.EvaluationContext) (*Selection, error) {
	if len(rule.ServiceCodes) == 0 {
		if rule.ServiceCode == "" {
			return nil, &domain.ConfigurationError{
				BonusCode: rule.BonusCode,
				Detail:    "no service code configured",
			}
		}
		return &Selection{
			Code:   rule.ServiceCode,
			Reason: fmt.Sprintf("fixed service code %s", rule.ServiceCode),
		}, nil
	}

	key, reason, err := BranchKey(rule, ec)
	if err != nil {
		return nil, err
	}

	code, ok := rule.ServiceCodes[key]
	if !ok {
		return nil, &domain.ConfigurationError{
			BonusCode: rule.BonusCode,
			Detail:    fmt.Sprintf("no service code for branch %q", key),
		}
	}

	return &Selection{
		Code:      code,
		BranchKey: key,
		Reason:    fmt.Sprintf("%s -> service code %s", reason, code),
	}, nil
}

// BranchKey derives the branch for a rule from the keys of its
// configured branch tables. Duration-keyed tables branch on computed
// visit length; discharge-keyed tables branch on the discharge flag.
// The same derivation serves both code selection and conditional
// points, so the two can never disagree.
func BranchKey(rule *domain.BonusRule, ec *domain.EvaluationContext) (string, string, error) {
	keys := make(map[string]bool, len(rule.ServiceCodes)+len(rule.PointsConfig))
	for k := range rule.ServiceCodes {
		keys[k] = true
	}
	if rule.PointsType == domain.PointsConditional {
		for k := range rule.PointsConfig {
			keys[k] = true
		}
	}

	switch {
	case keys[BranchStandard] || keys[BranchLong]:
		minutes, ok := ec.Visit.DurationMinutes()
		if !ok {
			return "", "", &domain.MissingDataError{BonusCode: rule.BonusCode, Field: "startTime/endTime"}
		}
		if minutes > LongVisitCutoffMinutes {
			return BranchLong, fmt.Sprintf("duration %d min > %d", minutes, LongVisitCutoffMinutes), nil
		}
		return BranchStandard, fmt.Sprintf("duration %d min <= %d", minutes, LongVisitCutoffMinutes), nil

	case keys[BranchDischarge] || keys[BranchRegular]:
		if ec.Visit.IsDischargeDate {
			return BranchDischarge, "visit on discharge date", nil
		}
		return BranchRegular, "visit not on discharge date", nil
	}

	return "", "", &domain.ConfigurationError{
		BonusCode: rule.BonusCode,
		Detail:    fmt.Sprintf("unrecognized branch keys %v", mapKeys(keys)),
	}
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
