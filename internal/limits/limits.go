// Package limits provides monthly-usage counting for bonus rules with
// a monthly_visit_limit condition.
package limits

import (
	"context"

	"github.com/opencare-jp/kasan/internal/domain"
)

// HistoryCounter counts committed decisions, excluding the visit under
// evaluation. It backs the single-visit calculation path.
type HistoryCounter struct {
	repo domain.Repository
}

// NewHistoryCounter creates a counter over committed history.
func NewHistoryCounter(repo domain.Repository) *HistoryCounter {
	return &HistoryCounter{repo: repo}
}

// CountOthers returns the number of other visits in the same
// patient-month holding a decision for bonusCode.
func (c *HistoryCounter) CountOthers(ctx context.Context, ec *domain.EvaluationContext, bonusCode string) (int, error) {
	return c.repo.CountMonthDecisions(ctx, monthKeyFor(ec.Visit), bonusCode, ec.Visit.ID)
}

// PassAccumulator is the explicit "visits processed so far in this
// transaction" prefix used during monthly recalculation. Counting
// against it instead of a live table query means a later visit can
// never see stale pre-recalculation rows as phantom applications.
type PassAccumulator struct {
	counts map[string]int
}

// NewPassAccumulator creates an empty accumulator.
func NewPassAccumulator() *PassAccumulator {
	return &PassAccumulator{counts: make(map[string]int)}
}

// CountOthers returns how many earlier visits in this pass hold a
// decision for bonusCode. The current visit is never in the
// accumulator, so no exclusion is needed.
func (a *PassAccumulator) CountOthers(_ context.Context, _ *domain.EvaluationContext, bonusCode string) (int, error) {
	return a.counts[bonusCode], nil
}

// Record adds a processed visit's decisions to the prefix. The
// orchestrator calls it after each visit, in sort order.
func (a *PassAccumulator) Record(decisions []*domain.BonusDecision) {
	for _, d := range decisions {
		a.counts[d.BonusCode]++
	}
}

func monthKeyFor(v *domain.Visit) domain.MonthKey {
	d := domain.CivilDate(v.VisitDate)
	return domain.MonthKey{
		PatientID:  v.PatientID,
		FacilityID: v.FacilityID,
		Year:       d.Year(),
		Month:      d.Month(),
	}
}
