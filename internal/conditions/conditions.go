// Package conditions evaluates a rule's predefined conditions against
// a per-visit evaluation context.
package conditions

import (
	"context"
	"fmt"

	"github.com/opencare-jp/kasan/internal/domain"
)

// MonthlyCounter reports how many other visits in the same
// patient-month already hold a decision for bonusCode. The orchestrator
// injects a counter backed by the decisions of earlier visits in the
// current pass; the single-visit path injects one backed by committed
// history excluding the current visit.
type MonthlyCounter interface {
	CountOthers(ctx context.Context, evalCtx *domain.EvaluationContext, bonusCode string) (int, error)
}

// Result is the outcome of evaluating all conditions of one rule.
type Result struct {
	Passed bool
	Traces []domain.ConditionTrace
}

// Reasons returns the per-condition reason strings in order.
func (r *Result) Reasons() []string {
	reasons := make([]string, 0, len(r.Traces))
	for _, t := range r.Traces {
		reasons = append(reasons, t.Reason)
	}
	return reasons
}

// Evaluator interprets the closed set of condition patterns.
type Evaluator struct {
	counter MonthlyCounter
	exprs   *exprCompiler
}

// New creates a condition evaluator.
func New(counter MonthlyCounter) (*Evaluator, error) {
	exprs, err := newExprCompiler()
	if err != nil {
		return nil, err
	}
	return &Evaluator{counter: counter, exprs: exprs}, nil
}

// Evaluate runs every condition of the rule and records its reason.
// Conditions are ANDed but evaluation never short-circuits: the audit
// trace carries the outcome of each condition even after a failure.
// A missing-data failure marks the condition failed with its reason;
// only configuration problems (bad expression, bad pattern) and
// counter I/O errors surface as errors.
func (e *Evaluator) Evaluate(ctx context.Context, rule *domain.BonusRule, ec *domain.EvaluationContext) (*Result, error) {
	if len(rule.Conditions) == 0 {
		// An unconditioned rule is suspicious enough to flag loudly in
		// the trace rather than pass in silence.
		return &Result{
			Passed: true,
			Traces: []domain.ConditionTrace{{
				Pattern: "none",
				Passed:  true,
				Reason:  "rule has no predefined conditions; applied unconditionally",
			}},
		}, nil
	}

	result := &Result{Passed: true}

	for _, cond := range rule.Conditions {
		passed, reason, err := e.evaluateOne(ctx, rule, cond, ec)
		if err != nil {
			if domain.IsMissingData(err) {
				passed = false
				reason = err.Error()
			} else {
				return nil, err
			}
		}

		result.Traces = append(result.Traces, domain.ConditionTrace{
			Pattern: string(cond.Pattern),
			Passed:  passed,
			Reason:  reason,
		})
		if !passed {
			result.Passed = false
		}
	}

	return result, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, rule *domain.BonusRule, cond domain.Condition, ec *domain.EvaluationContext) (bool, string, error) {
	switch cond.Pattern {
	case domain.PatternDischargeDate:
		return assertFlag(cond, "discharge-date flag", ec.Visit.IsDischargeDate)
	case domain.PatternTerminalCare:
		return assertFlag(cond, "terminal-care flag", ec.Visit.IsTerminalCare)
	case domain.PatternCollaborationRecord:
		return assertFlag(cond, "collaboration record", ec.Visit.HasCollaborationRecord)
	case domain.PatternEmergencyVisit:
		return assertFlag(cond, "emergency-visit flag", ec.Visit.IsEmergency)
	case domain.PatternSecondVisit:
		return assertFlag(cond, "second-visit flag", ec.Visit.IsSecondVisit)
	case domain.PatternFirstVisitOfPlan:
		return assertFlag(cond, "first-visit-of-plan flag", ec.Visit.IsFirstVisitOfPlan)
	case domain.PatternFirstVisitOfMonth:
		return assertFlag(cond, "first record of month", ec.IsFirstRecordOfMonth)

	case domain.Pattern24hSupport:
		return assertFlag(cond, "facility 24h support system", ec.Facility.Has24hSupportSystem)
	case domain.Pattern24hSupportEnhanced:
		return assertFlag(cond, "facility 24h support system (enhanced)", ec.Facility.Has24hSupportSystemEnhanced)
	case domain.PatternBurdenReduction:
		return assertFlag(cond, "facility burden-reduction measures", ec.Facility.HasBurdenReduction)

	case domain.PatternMonthlyVisitLimit:
		return e.evaluateMonthlyLimit(ctx, rule, cond, ec)

	case domain.PatternDurationOver:
		minutes, ok := ec.Visit.DurationMinutes()
		if !ok {
			return false, "", &domain.MissingDataError{BonusCode: rule.BonusCode, Field: "startTime/endTime"}
		}
		passed := minutes > cond.Minutes
		return passed, fmt.Sprintf("visit duration %d min (requires > %d min)", minutes, cond.Minutes), nil

	case domain.PatternAgeAtLeast:
		passed := ec.AgeAtVisit >= cond.Years
		return passed, fmt.Sprintf("patient age %d (requires >= %d)", ec.AgeAtVisit, cond.Years), nil

	case domain.PatternAgeUnder:
		passed := ec.AgeAtVisit < cond.Years
		return passed, fmt.Sprintf("patient age %d (requires < %d)", ec.AgeAtVisit, cond.Years), nil

	case domain.PatternSpecialManagement:
		passed := ec.Patient.SpecialManagementOn(cond.Category, ec.Visit.VisitDate)
		return passed, fmt.Sprintf("special-management category %q active on visit date: %v", cond.Category, passed), nil

	case domain.PatternNurseCert:
		passed := ec.Patient.HasCertification(cond.Certification)
		return passed, fmt.Sprintf("assigned nurse certification %q held: %v", cond.Certification, passed), nil

	case domain.PatternExpression:
		return e.evaluateExpression(rule, cond, ec)
	}

	// ParseConditionSpec rejects unknown patterns before rules reach
	// the evaluator; getting here means a new pattern was added without
	// a dispatch arm.
	return false, "", &domain.ConfigurationError{
		BonusCode: rule.BonusCode,
		Detail:    fmt.Sprintf("condition pattern %q has no evaluator", cond.Pattern),
	}
}

func (e *Evaluator) evaluateMonthlyLimit(ctx context.Context, rule *domain.BonusRule, cond domain.Condition, ec *domain.EvaluationContext) (bool, string, error) {
	count, err := e.counter.CountOthers(ctx, ec, rule.BonusCode)
	if err != nil {
		return false, "", fmt.Errorf("monthly limit count for rule %s: %w", rule.BonusCode, err)
	}

	passed := count < cond.Limit
	return passed, fmt.Sprintf("applied to %d other visit(s) this month (limit %d)", count, cond.Limit), nil
}

func assertFlag(cond domain.Condition, label string, actual bool) (bool, string, error) {
	want := true
	if cond.BoolValue != nil {
		want = *cond.BoolValue
	}
	passed := actual == want
	return passed, fmt.Sprintf("%s is %v (requires %v)", label, actual, want), nil
}
