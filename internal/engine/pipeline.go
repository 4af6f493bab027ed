// Package engine runs the per-visit bonus calculation pipeline:
// catalog lookup, condition evaluation, code selection, points.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencare-jp/kasan/internal/billing"
	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/conditions"
	"github.com/opencare-jp/kasan/internal/domain"
)

// Pipeline evaluates one visit against every applicable rule. The
// monthly counter is fixed at construction: committed history for the
// single-visit path, the in-pass accumulator during recalculation.
type Pipeline struct {
	catalog   *catalog.Catalog
	evaluator *conditions.Evaluator
}

// NewPipeline creates a pipeline bound to a monthly counter.
func NewPipeline(cat *catalog.Catalog, counter conditions.MonthlyCounter) (*Pipeline, error) {
	evaluator, err := conditions.New(counter)
	if err != nil {
		return nil, err
	}
	return &Pipeline{catalog: cat, evaluator: evaluator}, nil
}

// Run executes the full pipeline for one evaluation context.
// Condition failures and missing data become skipped entries with
// their reasons; configuration errors abort the run.
func (p *Pipeline) Run(ctx context.Context, ec *domain.EvaluationContext) (*domain.VisitEvaluation, error) {
	start := time.Now()

	rules, err := p.catalog.ApplicableRules(ctx, ec.Visit.FacilityID, ec.Visit.InsuranceType, ec.Visit.VisitDate, nil)
	if err != nil {
		return nil, err
	}

	eval := &domain.VisitEvaluation{
		VisitID:         ec.Visit.ID,
		RulesConsidered: len(rules),
	}

	for _, rule := range rules {
		decision, skipped, err := p.applyRule(ctx, rule, ec)
		if err != nil {
			return nil, fmt.Errorf("rule %s on visit %s: %w", rule.BonusCode, ec.Visit.ID, err)
		}
		if decision != nil {
			eval.Decisions = append(eval.Decisions, decision)
		}
		if skipped != nil {
			eval.Skipped = append(eval.Skipped, *skipped)
		}
	}

	eval.ProcessMs = time.Since(start).Milliseconds()
	return eval, nil
}

func (p *Pipeline) applyRule(ctx context.Context, rule *domain.BonusRule, ec *domain.EvaluationContext) (*domain.BonusDecision, *domain.SkippedRule, error) {
	result, err := p.evaluator.Evaluate(ctx, rule, ec)
	if err != nil {
		return nil, nil, err
	}

	if !result.Passed {
		return nil, &domain.SkippedRule{
			BonusCode: rule.BonusCode,
			BonusName: rule.BonusName,
			Reasons:   result.Reasons(),
		}, nil
	}

	selection, err := billing.SelectCode(rule, ec)
	if err != nil {
		if domain.IsMissingData(err) {
			// Failed selection is its own skip reason, distinct from
			// condition failure.
			return nil, &domain.SkippedRule{
				BonusCode: rule.BonusCode,
				BonusName: rule.BonusName,
				Reasons:   append(result.Reasons(), err.Error()),
			}, nil
		}
		return nil, nil, err
	}

	points, err := billing.Points(rule, selection.BranchKey, ec)
	if err != nil {
		return nil, nil, err
	}

	decision := &domain.BonusDecision{
		ID:                  uuid.New().String(),
		VisitID:             ec.Visit.ID,
		PatientID:           ec.Visit.PatientID,
		FacilityID:          ec.Visit.FacilityID,
		BonusCode:           rule.BonusCode,
		InsuranceType:       rule.InsuranceType,
		VisitDate:           domain.CivilDate(ec.Visit.VisitDate),
		CalculatedPoints:    points,
		SelectedServiceCode: selection.Code,
		SelectionReason:     selection.Reason,
		Details: domain.CalculationDetails{
			RuleName:          rule.BonusName,
			Conditions:        result.Traces,
			BranchKey:         selection.BranchKey,
			PointsSource:      string(rule.PointsType),
			RecalculationPass: ec.IsReceiptRecalculation,
		},
		CreatedAt: time.Now().UTC(),
	}

	return decision, nil, nil
}
