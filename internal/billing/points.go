package billing

import (
	"fmt"

	"github.com/opencare-jp/kasan/internal/domain"
)

// Points resolves the final point value for a matched rule. For fixed
// rules it is FixedPoints verbatim; for conditional rules the branch
// key (as derived by SelectCode) indexes PointsConfig. A missing branch
// key is a hard configuration error, never a zero fallback: silently
// under-billing is worse than failing the calculation.
func Points(rule *domain.BonusRule, branchKey string, ec *domain.EvaluationContext) (int, error) {
	switch rule.PointsType {
	case domain.PointsFixed:
		return rule.FixedPoints, nil

	case domain.PointsConditional:
		if branchKey == "" {
			var err error
			branchKey, _, err = BranchKey(rule, ec)
			if err != nil {
				return 0, err
			}
		}
		points, ok := rule.PointsConfig[branchKey]
		if !ok {
			return 0, &domain.ConfigurationError{
				BonusCode: rule.BonusCode,
				Detail:    fmt.Sprintf("no points configured for branch %q", branchKey),
			}
		}
		return points, nil
	}

	return 0, &domain.ConfigurationError{
		BonusCode: rule.BonusCode,
		Detail:    fmt.Sprintf("unknown points type %q", rule.PointsType),
	}
}
