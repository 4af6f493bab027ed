package conditions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opencare-jp/kasan/internal/domain"
)

// exprCompiler compiles and caches CEL programs for expression
// conditions. Programs are keyed by source; rule catalogs are small,
// so the cache is unbounded.
type exprCompiler struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

func newExprCompiler() (*exprCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("visit", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("patient", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("facility", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("age", cel.IntType),
		cel.Variable("duration_minutes", cel.IntType),
		cel.Variable("is_first_record_of_month", cel.BoolType),
		cel.Variable("is_receipt_recalculation", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &exprCompiler{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// compile returns a cached program for source, compiling on first use.
// The expression must produce a boolean.
func (c *exprCompiler) compile(bonusCode, source string) (cel.Program, error) {
	c.mu.RLock()
	program, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.ConfigurationError{
			BonusCode: bonusCode,
			Detail:    fmt.Sprintf("expression does not compile: %v", issues.Err()),
		}
	}

	if ast.OutputType() != cel.BoolType {
		return nil, &domain.ConfigurationError{
			BonusCode: bonusCode,
			Detail:    fmt.Sprintf("expression must return bool, got %s", ast.OutputType()),
		}
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, &domain.ConfigurationError{
			BonusCode: bonusCode,
			Detail:    fmt.Sprintf("expression program: %v", err),
		}
	}

	c.mu.Lock()
	c.programs[source] = program
	c.mu.Unlock()

	return program, nil
}

func (e *Evaluator) evaluateExpression(rule *domain.BonusRule, cond domain.Condition, ec *domain.EvaluationContext) (bool, string, error) {
	program, err := e.exprs.compile(rule.BonusCode, cond.Expression)
	if err != nil {
		return false, "", err
	}

	out, _, err := program.Eval(activation(ec))
	if err != nil {
		return false, "", &domain.ConfigurationError{
			BonusCode: rule.BonusCode,
			Detail:    fmt.Sprintf("expression evaluation: %v", err),
		}
	}

	passed := out == types.True
	return passed, fmt.Sprintf("expression %q evaluated to %v", cond.Expression, passed), nil
}

// activation maps the evaluation context into CEL variables.
func activation(ec *domain.EvaluationContext) map[string]any {
	duration := -1
	if m, ok := ec.Visit.DurationMinutes(); ok {
		duration = m
	}

	return map[string]any{
		"visit": map[string]any{
			"id":                       ec.Visit.ID,
			"insurance_type":           string(ec.Visit.InsuranceType),
			"is_discharge_date":        ec.Visit.IsDischargeDate,
			"is_first_visit_of_plan":   ec.Visit.IsFirstVisitOfPlan,
			"is_terminal_care":         ec.Visit.IsTerminalCare,
			"has_collaboration_record": ec.Visit.HasCollaborationRecord,
			"is_emergency":             ec.Visit.IsEmergency,
			"is_second_visit":          ec.Visit.IsSecondVisit,
		},
		"patient": map[string]any{
			"id":                          ec.Patient.PatientID,
			"special_management_category": ec.Patient.SpecialManagementCategory,
			"nurse_certifications":        ec.Patient.NurseCertifications,
		},
		"facility": map[string]any{
			"id":                       ec.Facility.FacilityID,
			"has_24h_support":          ec.Facility.Has24hSupportSystem,
			"has_24h_support_enhanced": ec.Facility.Has24hSupportSystemEnhanced,
			"has_burden_reduction":     ec.Facility.HasBurdenReduction,
		},
		"age":                      ec.AgeAtVisit,
		"duration_minutes":         duration,
		"is_first_record_of_month": ec.IsFirstRecordOfMonth,
		"is_receipt_recalculation": ec.IsReceiptRecalculation,
	}
}
