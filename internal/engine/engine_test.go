package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kasan-engine-test-*.db")
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

	return repo
}

func seedVisit(t *testing.T, repo domain.Repository, id string, day int, status domain.VisitStatus) *domain.Visit {
	t.Helper()

	date := time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC)
	start := date.Add(10 * time.Hour)
	end := start.Add(60 * time.Minute)
	v := &domain.Visit{
		ID:            id,
		PatientID:     "patient-001",
		FacilityID:    "FAC001",
		InsuranceType: domain.InsuranceMedical,
		VisitDate:     date,
		StartTime:     &start,
		EndTime:       &end,
		Status:        status,
		IsEmergency:   true,
	}
	if err := repo.SaveVisit(context.Background(), v); err != nil {
		t.Fatalf("SaveVisit failed: %v", err)
	}
	return v
}

func TestCalculateForVisit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

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

	if err := repo.SavePatientProfile(ctx, &domain.PatientProfile{
		PatientID:  "patient-001",
		FacilityID: "FAC001",
		BirthDate:  time.Date(1950, 3, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("SavePatientProfile failed: %v", err)
	}

	seedVisit(t, repo, "v-01", 10, domain.VisitCompleted)

	eng, err := New(repo, catalog.New(repo, nil, 0), nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	eval, err := eng.CalculateForVisit(ctx, "v-01")
	if err != nil {
		t.Fatalf("CalculateForVisit failed: %v", err)
	}

	if len(eval.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(eval.Decisions))
	}
	d := eval.Decisions[0]
	if d.CalculatedPoints != 2650 {
		t.Errorf("expected 2650 points, got %d", d.CalculatedPoints)
	}
	if d.SelectedServiceCode != "311000110" {
		t.Errorf("expected service code 311000110, got %s", d.SelectedServiceCode)
	}
	if len(d.Details.Conditions) != 1 || !d.Details.Conditions[0].Passed {
		t.Errorf("expected passing condition trace, got %+v", d.Details.Conditions)
	}

	// Decisions must be committed.
	saved, err := repo.ListDecisions(ctx, "v-01")
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("expected 1 persisted decision, got %d", len(saved))
	}

	// Recalculating replaces rather than appends.
	eval, err = eng.CalculateForVisit(ctx, "v-01")
	if err != nil {
		t.Fatalf("second CalculateForVisit failed: %v", err)
	}
	saved, _ = repo.ListDecisions(ctx, "v-01")
	if len(saved) != 1 {
		t.Errorf("expected decisions replaced wholesale, got %d rows", len(saved))
	}
}

func TestCalculateForVisitNotEligible(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedVisit(t, repo, "v-02", 10, domain.VisitScheduled)

	eng, _ := New(repo, catalog.New(repo, nil, 0), nil)

	_, err := eng.CalculateForVisit(ctx, "v-02")
	if !errors.Is(err, ErrVisitNotEligible) {
		t.Errorf("expected ErrVisitNotEligible, got %v", err)
	}

	_, err = eng.CalculateForVisit(ctx, "no-such-visit")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSortVisits(t *testing.T) {
	day1 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	t10 := day1.Add(10 * time.Hour)
	t14 := day1.Add(14 * time.Hour)

	visits := []*domain.Visit{
		{ID: "e", VisitDate: day2},
		{ID: "c", VisitDate: day1},           // no start time sorts after timed
		{ID: "d", VisitDate: day1},           // id tie-break among untimed
		{ID: "b", VisitDate: day1, StartTime: &t14},
		{ID: "a", VisitDate: day1, StartTime: &t10},
	}

	SortVisits(visits)

	want := []string{"a", "b", "c", "d", "e"}
	for i, id := range want {
		if visits[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, visits[i].ID)
		}
	}
}
