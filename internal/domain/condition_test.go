package domain

import (
	"testing"
)

func TestParseConditionSpecFlag(t *testing.T) {
	cond, err := ParseConditionSpec("24h_response_system_basic", ConditionSpec{
		Pattern: "has_24h_support_system",
	})
	if err != nil {
		t.Fatalf("failed to parse flag condition: %v", err)
	}
	if cond.Pattern != Pattern24hSupport {
		t.Errorf("expected pattern %s, got %s", Pattern24hSupport, cond.Pattern)
	}
	if cond.BoolValue != nil {
		t.Errorf("expected nil BoolValue without operator, got %v", *cond.BoolValue)
	}
}

func TestParseConditionSpecFlagEquals(t *testing.T) {
	cond, err := ParseConditionSpec("test", ConditionSpec{
		Pattern:  "is_discharge_date",
		Value:    false,
		Operator: "equals",
	})
	if err != nil {
		t.Fatalf("failed to parse equals condition: %v", err)
	}
	if cond.BoolValue == nil || *cond.BoolValue != false {
		t.Errorf("expected BoolValue false, got %v", cond.BoolValue)
	}
}

func TestParseConditionSpecUnknownPattern(t *testing.T) {
	_, err := ParseConditionSpec("test", ConditionSpec{
		Pattern: "is_dischrage_date", // typo must fail at load, not no-op
	})
	if err == nil {
		t.Fatal("expected error for unknown pattern")
	}
	if !IsConfiguration(err) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestParseConditionSpecMonthlyLimit(t *testing.T) {
	cond, err := ParseConditionSpec("test", ConditionSpec{
		Pattern: "monthly_visit_limit",
		Value:   float64(1), // JSON numbers decode as float64
	})
	if err != nil {
		t.Fatalf("failed to parse monthly limit: %v", err)
	}
	if cond.Limit != 1 {
		t.Errorf("expected limit 1, got %d", cond.Limit)
	}

	_, err = ParseConditionSpec("test", ConditionSpec{
		Pattern: "monthly_visit_limit",
		Value:   0,
	})
	if err == nil {
		t.Error("expected error for non-positive limit")
	}

	_, err = ParseConditionSpec("test", ConditionSpec{
		Pattern: "monthly_visit_limit",
	})
	if err == nil {
		t.Error("expected error for missing limit value")
	}
}

func TestParseConditionSpecExpression(t *testing.T) {
	cond, err := ParseConditionSpec("test", ConditionSpec{
		Pattern: "expression",
		Value:   "age >= 65 && visit.isEmergency",
	})
	if err != nil {
		t.Fatalf("failed to parse expression condition: %v", err)
	}
	if cond.Expression == "" {
		t.Error("expected expression source to be retained")
	}

	_, err = ParseConditionSpec("test", ConditionSpec{
		Pattern: "expression",
		Value:   42,
	})
	if err == nil {
		t.Error("expected error for non-string expression")
	}
}

func TestConditionSpecRoundTrip(t *testing.T) {
	specs := []ConditionSpec{
		{Pattern: "is_terminal_care"},
		{Pattern: "monthly_visit_limit", Value: float64(2)},
		{Pattern: "visit_duration_over", Value: float64(90)},
		{Pattern: "special_management", Value: "bedsore"},
	}

	conds, err := ParseConditionSpecs("test", specs)
	if err != nil {
		t.Fatalf("failed to parse specs: %v", err)
	}
	if len(conds) != len(specs) {
		t.Fatalf("expected %d conditions, got %d", len(specs), len(conds))
	}

	for i, c := range conds {
		back := c.Spec()
		if back.Pattern != specs[i].Pattern {
			t.Errorf("condition %d: round-trip pattern %q != %q", i, back.Pattern, specs[i].Pattern)
		}
	}
}
