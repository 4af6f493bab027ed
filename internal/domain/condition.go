package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ConditionPattern is the closed set of condition kinds a rule may use.
// Rule rows store conditions as loose {pattern, value, operator} JSON;
// ParseConditionSpec turns them into typed Conditions at catalog load,
// so a misspelled pattern or malformed value fails loudly instead of
// becoming a silent no-op.
type ConditionPattern string

const (
	// Visit attribute flags.
	PatternDischargeDate       ConditionPattern = "is_discharge_date"
	PatternTerminalCare        ConditionPattern = "is_terminal_care"
	PatternCollaborationRecord ConditionPattern = "has_collaboration_record"
	PatternEmergencyVisit      ConditionPattern = "is_emergency_visit"
	PatternSecondVisit         ConditionPattern = "is_second_visit"
	PatternFirstVisitOfPlan    ConditionPattern = "is_first_visit_of_plan"
	PatternFirstVisitOfMonth   ConditionPattern = "is_first_visit_of_month"

	// Facility flags.
	Pattern24hSupport         ConditionPattern = "has_24h_support_system"
	Pattern24hSupportEnhanced ConditionPattern = "has_24h_support_system_enhanced"
	PatternBurdenReduction    ConditionPattern = "has_burden_reduction"

	// Parameterized predicates.
	PatternMonthlyVisitLimit ConditionPattern = "monthly_visit_limit"
	PatternDurationOver      ConditionPattern = "visit_duration_over"
	PatternAgeAtLeast        ConditionPattern = "patient_age_at_least"
	PatternAgeUnder          ConditionPattern = "patient_age_under"
	PatternSpecialManagement ConditionPattern = "special_management"
	PatternNurseCert         ConditionPattern = "nurse_certification"

	// Operator-authored CEL predicate over the evaluation context.
	PatternExpression ConditionPattern = "expression"
)

// OperatorEquals is the only supported explicit operator: it asserts a
// flag pattern against an explicit boolean instead of "truthy".
const OperatorEquals = "equals"

// Condition is the typed form of one predefined condition. Which
// parameter fields are meaningful depends on Pattern.
type Condition struct {
	Pattern ConditionPattern `json:"pattern"`

	// BoolValue asserts a flag pattern via operator "equals".
	// Nil means the flag must simply be true.
	BoolValue *bool `json:"boolValue,omitempty"`

	// Limit is N for monthly_visit_limit.
	Limit int `json:"limit,omitempty"`

	// Minutes is the cutoff for visit_duration_over.
	Minutes int `json:"minutes,omitempty"`

	// Years is the threshold for the age patterns.
	Years int `json:"years,omitempty"`

	// Category is the special-management category to match.
	Category string `json:"category,omitempty"`

	// Certification is the required nurse certification.
	Certification string `json:"certification,omitempty"`

	// Expression is CEL source for the expression pattern.
	Expression string `json:"expression,omitempty"`
}

// ConditionSpec is the stored wire form of a condition, as entered by
// operators and persisted on rule rows.
type ConditionSpec struct {
	Pattern  string `json:"pattern"`
	Value    any    `json:"value,omitempty"`
	Operator string `json:"operator,omitempty"`
}

// ParseConditionSpec validates a stored spec and produces the typed
// Condition. Unknown patterns and malformed values are configuration
// errors attributed to the owning rule.
func ParseConditionSpec(bonusCode string, spec ConditionSpec) (Condition, error) {
	p := ConditionPattern(spec.Pattern)
	c := Condition{Pattern: p}

	fail := func(format string, args ...any) (Condition, error) {
		return Condition{}, &ConfigurationError{
			BonusCode: bonusCode,
			Detail:    fmt.Sprintf("condition %q: ", spec.Pattern) + fmt.Sprintf(format, args...),
		}
	}

	switch p {
	case PatternDischargeDate, PatternTerminalCare, PatternCollaborationRecord,
		PatternEmergencyVisit, PatternSecondVisit, PatternFirstVisitOfPlan,
		PatternFirstVisitOfMonth, Pattern24hSupport, Pattern24hSupportEnhanced,
		PatternBurdenReduction:
		if spec.Operator == "" {
			if spec.Value != nil {
				return fail("value given without operator %q", OperatorEquals)
			}
			return c, nil
		}
		if spec.Operator != OperatorEquals {
			return fail("unsupported operator %q", spec.Operator)
		}
		b, ok := asBool(spec.Value)
		if !ok {
			return fail("operator %q requires a boolean value", OperatorEquals)
		}
		c.BoolValue = &b
		return c, nil

	case PatternMonthlyVisitLimit:
		n, ok := asInt(spec.Value)
		if !ok || n < 1 {
			return fail("requires a positive integer value")
		}
		c.Limit = n
		return c, nil

	case PatternDurationOver:
		n, ok := asInt(spec.Value)
		if !ok || n < 1 {
			return fail("requires a positive minute cutoff")
		}
		c.Minutes = n
		return c, nil

	case PatternAgeAtLeast, PatternAgeUnder:
		n, ok := asInt(spec.Value)
		if !ok || n < 0 {
			return fail("requires a non-negative age in years")
		}
		c.Years = n
		return c, nil

	case PatternSpecialManagement:
		s, ok := spec.Value.(string)
		if !ok || s == "" {
			return fail("requires a category string")
		}
		c.Category = s
		return c, nil

	case PatternNurseCert:
		s, ok := spec.Value.(string)
		if !ok || s == "" {
			return fail("requires a certification name")
		}
		c.Certification = s
		return c, nil

	case PatternExpression:
		s, ok := spec.Value.(string)
		if !ok || s == "" {
			return fail("requires CEL source")
		}
		c.Expression = s
		return c, nil
	}

	return fail("unknown pattern")
}

// ParseConditionSpecs converts a full spec list, preserving order.
func ParseConditionSpecs(bonusCode string, specs []ConditionSpec) ([]Condition, error) {
	conds := make([]Condition, 0, len(specs))
	for _, s := range specs {
		c, err := ParseConditionSpec(bonusCode, s)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// Spec converts a typed condition back to its stored wire form.
func (c Condition) Spec() ConditionSpec {
	spec := ConditionSpec{Pattern: string(c.Pattern)}
	switch c.Pattern {
	case PatternMonthlyVisitLimit:
		spec.Value = c.Limit
	case PatternDurationOver:
		spec.Value = c.Minutes
	case PatternAgeAtLeast, PatternAgeUnder:
		spec.Value = c.Years
	case PatternSpecialManagement:
		spec.Value = c.Category
	case PatternNurseCert:
		spec.Value = c.Certification
	case PatternExpression:
		spec.Value = c.Expression
	default:
		if c.BoolValue != nil {
			spec.Value = *c.BoolValue
			spec.Operator = OperatorEquals
		}
	}
	return spec
}

// asBool accepts JSON booleans and the string forms operators tend to
// type into rule masters.
func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

// asInt accepts the numeric forms a JSON round-trip can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
