package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/repository"
)

func TestResolveShadowingFacilityWins(t *testing.T) {
	global := &domain.BonusRule{
		BonusCode:   "emergency_visit",
		FixedPoints: 2650,
		IsActive:    true,
	}
	override := &domain.BonusRule{
		BonusCode:   "emergency_visit",
		FacilityID:  "FAC001",
		FixedPoints: 2000,
		IsActive:    true,
	}

	rules, err := ResolveShadowing([]*domain.BonusRule{global, override})
	if err != nil {
		t.Fatalf("ResolveShadowing failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 effective rule, got %d", len(rules))
	}
	if rules[0].FixedPoints != 2000 {
		t.Errorf("expected facility override to win, got points %d", rules[0].FixedPoints)
	}

	// Order of candidates must not matter.
	rules, err = ResolveShadowing([]*domain.BonusRule{override, global})
	if err != nil {
		t.Fatalf("ResolveShadowing failed: %v", err)
	}
	if len(rules) != 1 || rules[0].FixedPoints != 2000 {
		t.Errorf("expected facility override to win regardless of order")
	}
}

func TestResolveShadowingInactiveOverrideBlocksCode(t *testing.T) {
	global := &domain.BonusRule{
		BonusCode: "emergency_visit",
		IsActive:  true,
	}
	override := &domain.BonusRule{
		BonusCode:  "emergency_visit",
		FacilityID: "FAC001",
		IsActive:   false,
	}

	// An inactive facility override removes the code entirely; there
	// is no fallback to the global rule.
	rules, err := ResolveShadowing([]*domain.BonusRule{global, override})
	if err != nil {
		t.Fatalf("ResolveShadowing failed: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected inactive override to block the code, got %d rules", len(rules))
	}
}

func TestResolveShadowingInactiveGlobalDropped(t *testing.T) {
	global := &domain.BonusRule{
		BonusCode: "retired_bonus",
		IsActive:  false,
	}

	rules, err := ResolveShadowing([]*domain.BonusRule{global})
	if err != nil {
		t.Fatalf("ResolveShadowing failed: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected inactive global rule to be dropped, got %d", len(rules))
	}
}

func TestResolveShadowingIncompatibleOverride(t *testing.T) {
	global := &domain.BonusRule{
		BonusCode:     "24h_response_system_basic",
		InsuranceType: domain.InsuranceMedical,
		IsActive:      true,
	}
	override := &domain.BonusRule{
		BonusCode:     "24h_response_system_basic",
		FacilityID:    "FAC001",
		InsuranceType: domain.InsuranceLongTermCare,
		IsActive:      true,
	}

	// An override stored under a different insurance type than the
	// active global it shadows must surface as a configuration error,
	// never let the global rule silently survive.
	for _, candidates := range [][]*domain.BonusRule{
		{global, override},
		{override, global},
	} {
		_, err := ResolveShadowing(candidates)
		if err == nil {
			t.Fatal("expected a configuration error for the incompatible override")
		}
		if !domain.IsConfiguration(err) {
			t.Errorf("expected ConfigurationError, got %T", err)
		}
	}
}

func TestResolveShadowingIncompatibleOverrideInactiveGlobal(t *testing.T) {
	global := &domain.BonusRule{
		BonusCode:     "24h_response_system_basic",
		InsuranceType: domain.InsuranceMedical,
		IsActive:      false,
	}
	override := &domain.BonusRule{
		BonusCode:     "24h_response_system_basic",
		FacilityID:    "FAC001",
		InsuranceType: domain.InsuranceLongTermCare,
		IsActive:      true,
	}

	// With the global inactive there is nothing to shadow; the
	// override stands on its own under its own insurance type.
	rules, err := ResolveShadowing([]*domain.BonusRule{global, override})
	if err != nil {
		t.Fatalf("ResolveShadowing failed: %v", err)
	}
	if len(rules) != 1 || rules[0].InsuranceType != domain.InsuranceLongTermCare {
		t.Errorf("expected the override to stand alone, got %+v", rules)
	}
}

func TestApplicableRulesFlagsMistypedOverride(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kasan-catalog-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	validFrom := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	if err := repo.SaveRule(ctx, &domain.BonusRule{
		BonusCode:     "24h_response_system_basic",
		BonusName:     "24h Response System",
		InsuranceType: domain.InsuranceMedical,
		ValidFrom:     validFrom,
		PointsType:    domain.PointsFixed,
		FixedPoints:   652,
		ServiceCode:   "313010010",
		IsActive:      true,
	}); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	// The override was entered under the wrong insurance type. It must
	// be flagged when the facility's rules are resolved, not bypassed
	// in favor of the global rule.
	if err := repo.SaveRule(ctx, &domain.BonusRule{
		BonusCode:     "24h_response_system_basic",
		BonusName:     "24h Response System",
		InsuranceType: domain.InsuranceLongTermCare,
		FacilityID:    "FAC001",
		ValidFrom:     validFrom,
		PointsType:    domain.PointsFixed,
		FixedPoints:   500,
		ServiceCode:   "313010010",
		IsActive:      true,
	}); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	cat := New(repo, nil, 0)
	visitDate := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	_, err = cat.ApplicableRules(ctx, "FAC001", domain.InsuranceMedical, visitDate, nil)
	if err == nil {
		t.Fatal("expected a configuration error for the mistyped override")
	}
	if !domain.IsConfiguration(err) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}

	// Other facilities are unaffected by FAC001's bad override.
	rules, err := cat.ApplicableRules(ctx, "FAC999", domain.InsuranceMedical, visitDate, nil)
	if err != nil {
		t.Fatalf("ApplicableRules failed for clean facility: %v", err)
	}
	if len(rules) != 1 || rules[0].FixedPoints != 652 {
		t.Errorf("expected the global rule for a clean facility, got %+v", rules)
	}
}

func TestResolveShadowingOrder(t *testing.T) {
	rules, err := ResolveShadowing([]*domain.BonusRule{
		{BonusCode: "b_code", IsActive: true, DisplayOrder: 2},
		{BonusCode: "a_code", IsActive: true, DisplayOrder: 2},
		{BonusCode: "z_code", IsActive: true, DisplayOrder: 1},
	})
	if err != nil {
		t.Fatalf("ResolveShadowing failed: %v", err)
	}

	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].BonusCode != "z_code" {
		t.Errorf("expected display order to sort first, got %s", rules[0].BonusCode)
	}
	if rules[1].BonusCode != "a_code" || rules[2].BonusCode != "b_code" {
		t.Errorf("expected code tie-break, got %s then %s", rules[1].BonusCode, rules[2].BonusCode)
	}
}
