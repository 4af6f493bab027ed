package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kasan-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRule", func(t *testing.T) {
		rule := &domain.BonusRule{
			BonusCode:     "emergency_visit",
			BonusName:     "Emergency Visit Bonus",
			InsuranceType: domain.InsuranceMedical,
			ValidFrom:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			PointsType:    domain.PointsFixed,
			FixedPoints:   2650,
			ServiceCode:   "311000110",
			Conditions: []domain.Condition{
				{Pattern: domain.PatternEmergencyVisit},
			},
			IsActive: true,
		}

		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		retrieved, err := repo.GetRule(ctx, "FAC001", "emergency_visit")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}

		if retrieved.FixedPoints != 2650 {
			t.Errorf("expected 2650 points, got %d", retrieved.FixedPoints)
		}
		if len(retrieved.Conditions) != 1 || retrieved.Conditions[0].Pattern != domain.PatternEmergencyVisit {
			t.Errorf("conditions not round-tripped: %+v", retrieved.Conditions)
		}
		if !retrieved.IsGlobal() {
			t.Error("expected global rule")
		}
	})

	t.Run("FacilityOverrideShadowsGlobal", func(t *testing.T) {
		override := &domain.BonusRule{
			BonusCode:     "emergency_visit",
			BonusName:     "Emergency Visit Bonus (negotiated)",
			InsuranceType: domain.InsuranceMedical,
			FacilityID:    "FAC001",
			ValidFrom:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			PointsType:    domain.PointsFixed,
			FixedPoints:   2000,
			ServiceCode:   "311000110",
			IsActive:      true,
		}
		if err := repo.SaveRule(ctx, override); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		rule, err := repo.GetRule(ctx, "FAC001", "emergency_visit")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if rule.FixedPoints != 2000 {
			t.Errorf("expected facility override, got points %d", rule.FixedPoints)
		}

		// Another facility still sees the global row.
		rule, err = repo.GetRule(ctx, "FAC999", "emergency_visit")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if rule.FixedPoints != 2650 {
			t.Errorf("expected global rule for other facility, got %d", rule.FixedPoints)
		}
	})

	t.Run("RuleNotFound", func(t *testing.T) {
		_, err := repo.GetRule(ctx, "FAC001", "no_such_rule")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListRulesForDateWindow", func(t *testing.T) {
		to := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
		expired := &domain.BonusRule{
			BonusCode:     "old_bonus",
			BonusName:     "Retired Bonus",
			InsuranceType: domain.InsuranceMedical,
			ValidFrom:     time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:       &to,
			PointsType:    domain.PointsFixed,
			FixedPoints:   100,
			ServiceCode:   "X",
			IsActive:      true,
		}
		if err := repo.SaveRule(ctx, expired); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		rules, err := repo.ListRulesForDate(ctx, "FAC999",
			time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("ListRulesForDate failed: %v", err)
		}
		for _, r := range rules {
			if r.BonusCode == "old_bonus" {
				t.Error("expected expired rule to be excluded")
			}
		}

		// Inside the window the expired rule is a candidate.
		rules, err = repo.ListRulesForDate(ctx, "FAC999",
			time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("ListRulesForDate failed: %v", err)
		}
		found := false
		for _, r := range rules {
			if r.BonusCode == "old_bonus" {
				found = true
			}
		}
		if !found {
			t.Error("expected rule inside its validity window")
		}
	})

	t.Run("ListRulesForDateIncludesInactive", func(t *testing.T) {
		inactive := &domain.BonusRule{
			BonusCode:     "suspended_bonus",
			BonusName:     "Suspended Bonus",
			InsuranceType: domain.InsuranceMedical,
			FacilityID:    "FAC001",
			ValidFrom:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			PointsType:    domain.PointsFixed,
			FixedPoints:   50,
			ServiceCode:   "Y",
			IsActive:      false,
		}
		if err := repo.SaveRule(ctx, inactive); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		// The catalog needs inactive overrides to apply shadowing, so
		// the raw candidate list must include them.
		rules, err := repo.ListRulesForDate(ctx, "FAC001",
			time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("ListRulesForDate failed: %v", err)
		}
		found := false
		for _, r := range rules {
			if r.BonusCode == "suspended_bonus" {
				found = true
			}
		}
		if !found {
			t.Error("expected inactive candidate row in raw list")
		}
	})

	t.Run("ListRulesForDateSpansInsuranceTypes", func(t *testing.T) {
		care := &domain.BonusRule{
			BonusCode:     "care_only_bonus",
			BonusName:     "Care Bonus",
			InsuranceType: domain.InsuranceLongTermCare,
			FacilityID:    "FAC001",
			ValidFrom:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			PointsType:    domain.PointsFixed,
			FixedPoints:   75,
			ServiceCode:   "Z",
			IsActive:      true,
		}
		if err := repo.SaveRule(ctx, care); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		// The candidate list crosses insurance types so the catalog
		// can flag an override stored under the wrong type instead of
		// silently bypassing it.
		rules, err := repo.ListRulesForDate(ctx, "FAC001",
			time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("ListRulesForDate failed: %v", err)
		}
		foundCare, foundMedical := false, false
		for _, r := range rules {
			switch r.InsuranceType {
			case domain.InsuranceLongTermCare:
				foundCare = true
			case domain.InsuranceMedical:
				foundMedical = true
			}
		}
		if !foundCare || !foundMedical {
			t.Errorf("expected candidates of both insurance types, care=%v medical=%v", foundCare, foundMedical)
		}
	})
}

func TestVisits(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	mkVisit := func(id string, day int, status domain.VisitStatus, startHour int) *domain.Visit {
		date := time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC)
		v := &domain.Visit{
			ID:            id,
			PatientID:     "patient-001",
			FacilityID:    "FAC001",
			InsuranceType: domain.InsuranceMedical,
			VisitDate:     date,
			Status:        status,
		}
		if startHour > 0 {
			start := date.Add(time.Duration(startHour) * time.Hour)
			end := start.Add(60 * time.Minute)
			v.StartTime = &start
			v.EndTime = &end
		}
		return v
	}

	for _, v := range []*domain.Visit{
		mkVisit("v-03", 3, domain.VisitCompleted, 14),
		mkVisit("v-01", 1, domain.VisitCompleted, 10),
		mkVisit("v-01b", 1, domain.VisitCompleted, 0), // no start time
		mkVisit("v-02", 2, domain.VisitScheduled, 10),
		mkVisit("v-04", 4, domain.VisitCancelled, 10),
	} {
		if err := repo.SaveVisit(ctx, v); err != nil {
			t.Fatalf("SaveVisit %s failed: %v", v.ID, err)
		}
	}

	deleted := mkVisit("v-05", 5, domain.VisitCompleted, 10)
	now := time.Now().UTC()
	deleted.DeletedAt = &now
	if err := repo.SaveVisit(ctx, deleted); err != nil {
		t.Fatalf("SaveVisit failed: %v", err)
	}

	t.Run("GetVisit", func(t *testing.T) {
		v, err := repo.GetVisit(ctx, "v-01")
		if err != nil {
			t.Fatalf("GetVisit failed: %v", err)
		}
		if v.PatientID != "patient-001" {
			t.Errorf("unexpected patient %s", v.PatientID)
		}
	})

	t.Run("ListMonthVisitsFiltersAndOrders", func(t *testing.T) {
		key := domain.MonthKey{PatientID: "patient-001", FacilityID: "FAC001", Year: 2025, Month: time.June}
		visits, err := repo.ListMonthVisits(ctx, key)
		if err != nil {
			t.Fatalf("ListMonthVisits failed: %v", err)
		}

		// Scheduled, cancelled and soft-deleted rows are excluded.
		if len(visits) != 3 {
			t.Fatalf("expected 3 billable visits, got %d", len(visits))
		}

		// Same-day visits order by start time with missing times last.
		if visits[0].ID != "v-01" || visits[1].ID != "v-01b" || visits[2].ID != "v-03" {
			t.Errorf("unexpected order: %s, %s, %s", visits[0].ID, visits[1].ID, visits[2].ID)
		}
	})
}

func TestDecisions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	mkDecision := func(id, visitID, code string, day, points int) *domain.BonusDecision {
		return &domain.BonusDecision{
			ID:                  id,
			VisitID:             visitID,
			PatientID:           "patient-001",
			FacilityID:          "FAC001",
			BonusCode:           code,
			InsuranceType:       domain.InsuranceMedical,
			VisitDate:           time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC),
			CalculatedPoints:    points,
			SelectedServiceCode: "311000110",
			CreatedAt:           time.Now().UTC(),
		}
	}

	t.Run("ReplaceDecisionsIsIdempotent", func(t *testing.T) {
		first := []*domain.BonusDecision{
			mkDecision("d-1", "v-01", "emergency_visit", 1, 2650),
			mkDecision("d-2", "v-01", "long_visit", 1, 520),
		}
		if err := repo.ReplaceDecisions(ctx, "v-01", first); err != nil {
			t.Fatalf("ReplaceDecisions failed: %v", err)
		}

		second := []*domain.BonusDecision{
			mkDecision("d-3", "v-01", "emergency_visit", 1, 2650),
		}
		if err := repo.ReplaceDecisions(ctx, "v-01", second); err != nil {
			t.Fatalf("second ReplaceDecisions failed: %v", err)
		}

		decisions, err := repo.ListDecisions(ctx, "v-01")
		if err != nil {
			t.Fatalf("ListDecisions failed: %v", err)
		}
		if len(decisions) != 1 {
			t.Fatalf("expected wholesale replacement to leave 1 decision, got %d", len(decisions))
		}
		if decisions[0].ID != "d-3" {
			t.Errorf("expected new decision row, got %s", decisions[0].ID)
		}
	})

	t.Run("DuplicateCodeInOneBatchIsIntegrityViolation", func(t *testing.T) {
		batch := []*domain.BonusDecision{
			mkDecision("d-a", "v-02", "emergency_visit", 2, 2650),
			mkDecision("d-b", "v-02", "emergency_visit", 2, 2650),
		}
		err := repo.ReplaceDecisions(ctx, "v-02", batch)
		if err == nil {
			t.Fatal("expected integrity violation for duplicate (visit, code)")
		}
		var iv *domain.IntegrityViolation
		if !errors.As(err, &iv) {
			t.Errorf("expected IntegrityViolation, got %T", err)
		}

		// The transaction must have rolled back completely.
		decisions, _ := repo.ListDecisions(ctx, "v-02")
		if len(decisions) != 0 {
			t.Errorf("expected rollback, found %d rows", len(decisions))
		}
	})

	mkCountVisit := func(id string, day int) *domain.Visit {
		return &domain.Visit{
			ID:            id,
			PatientID:     "patient-001",
			FacilityID:    "FAC001",
			InsuranceType: domain.InsuranceMedical,
			VisitDate:     time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC),
			Status:        domain.VisitCompleted,
		}
	}

	t.Run("CountMonthDecisionsExcludesVisit", func(t *testing.T) {
		for _, v := range []*domain.Visit{mkCountVisit("v-10", 10), mkCountVisit("v-11", 11)} {
			if err := repo.SaveVisit(ctx, v); err != nil {
				t.Fatalf("SaveVisit %s failed: %v", v.ID, err)
			}
		}
		if err := repo.ReplaceDecisions(ctx, "v-10", []*domain.BonusDecision{
			mkDecision("d-10", "v-10", "special_management_1", 10, 500),
		}); err != nil {
			t.Fatalf("ReplaceDecisions failed: %v", err)
		}
		if err := repo.ReplaceDecisions(ctx, "v-11", []*domain.BonusDecision{
			mkDecision("d-11", "v-11", "special_management_1", 11, 500),
		}); err != nil {
			t.Fatalf("ReplaceDecisions failed: %v", err)
		}

		key := domain.MonthKey{PatientID: "patient-001", FacilityID: "FAC001", Year: 2025, Month: time.June}

		count, err := repo.CountMonthDecisions(ctx, key, "special_management_1", "v-10")
		if err != nil {
			t.Fatalf("CountMonthDecisions failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected count 1 excluding own visit, got %d", count)
		}

		count, _ = repo.CountMonthDecisions(ctx, key, "special_management_1", "other-visit")
		if count != 2 {
			t.Errorf("expected count 2, got %d", count)
		}
	})

	t.Run("CountMonthDecisionsIgnoresNonBillableVisits", func(t *testing.T) {
		key := domain.MonthKey{PatientID: "patient-001", FacilityID: "FAC001", Year: 2025, Month: time.June}

		// Soft-deleting a visit takes its decisions out of the count
		// even though the rows still exist.
		tombstoned := mkCountVisit("v-10", 10)
		now := time.Now().UTC()
		tombstoned.DeletedAt = &now
		if err := repo.SaveVisit(ctx, tombstoned); err != nil {
			t.Fatalf("SaveVisit failed: %v", err)
		}

		count, err := repo.CountMonthDecisions(ctx, key, "special_management_1", "other-visit")
		if err != nil {
			t.Fatalf("CountMonthDecisions failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected soft-deleted visit's decision to be ignored, got count %d", count)
		}

		// Reverting a visit out of a billable status does the same.
		reverted := mkCountVisit("v-11", 11)
		reverted.Status = domain.VisitScheduled
		if err := repo.SaveVisit(ctx, reverted); err != nil {
			t.Fatalf("SaveVisit failed: %v", err)
		}

		count, _ = repo.CountMonthDecisions(ctx, key, "special_management_1", "other-visit")
		if count != 0 {
			t.Errorf("expected no countable decisions, got %d", count)
		}
	})
}

func TestRecalcMonthLock(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key := domain.MonthKey{PatientID: "patient-001", FacilityID: "FAC001", Year: 2025, Month: time.June}

	t.Run("SecondHolderGetsConcurrencyError", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)

		go func() {
			done <- repo.RecalcMonth(ctx, key, func(tx domain.DecisionWriter) error {
				close(entered)
				<-release
				return nil
			})
		}()

		<-entered
		err := repo.RecalcMonth(ctx, key, func(tx domain.DecisionWriter) error {
			t.Error("second recalculation must not run")
			return nil
		})
		if !domain.IsConcurrency(err) {
			t.Errorf("expected ConcurrencyError, got %v", err)
		}

		close(release)
		if err := <-done; err != nil {
			t.Errorf("first recalculation failed: %v", err)
		}
	})

	t.Run("LockReleasedAfterCompletion", func(t *testing.T) {
		err := repo.RecalcMonth(ctx, key, func(tx domain.DecisionWriter) error {
			return nil
		})
		if err != nil {
			t.Errorf("expected lock to be available again: %v", err)
		}
	})

	t.Run("ErrorRollsBackWholeMonth", func(t *testing.T) {
		d := &domain.BonusDecision{
			ID: "d-rb", VisitID: "v-rb", PatientID: "patient-001", FacilityID: "FAC001",
			BonusCode: "emergency_visit", InsuranceType: domain.InsuranceMedical,
			VisitDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			CreatedAt: time.Now().UTC(),
		}

		err := repo.RecalcMonth(ctx, key, func(tx domain.DecisionWriter) error {
			if err := tx.ReplaceDecisions(ctx, "v-rb", []*domain.BonusDecision{d}); err != nil {
				return err
			}
			return context.Canceled // any error aborts the month
		})
		if err == nil {
			t.Fatal("expected error to propagate")
		}

		decisions, _ := repo.ListDecisions(ctx, "v-rb")
		if len(decisions) != 0 {
			t.Errorf("expected month rollback, found %d rows", len(decisions))
		}
	})
}
