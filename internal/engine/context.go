package engine

import (
	"sort"

	"github.com/opencare-jp/kasan/internal/domain"
)

// BuildContext assembles the per-visit evaluation context. The two
// control flags belong to the caller that knows the evaluation mode:
// the orchestrator during recalculation, the engine on single save.
func BuildContext(visit *domain.Visit, patient *domain.PatientProfile, facility *domain.FacilityProfile, recalculation, firstOfMonth bool) *domain.EvaluationContext {
	return &domain.EvaluationContext{
		Visit:                  visit,
		Patient:                patient,
		Facility:               facility,
		AgeAtVisit:             patient.AgeOn(visit.VisitDate),
		IsReceiptRecalculation: recalculation,
		IsFirstRecordOfMonth:   firstOfMonth,
	}
}

// SortVisits orders visits deterministically for month processing:
// visit date ascending, then start time ascending with missing start
// times last, then visit ID as the final tie-break.
func SortVisits(visits []*domain.Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		a, b := visits[i], visits[j]

		ad, bd := domain.CivilDate(a.VisitDate), domain.CivilDate(b.VisitDate)
		if !ad.Equal(bd) {
			return ad.Before(bd)
		}

		switch {
		case a.StartTime == nil && b.StartTime == nil:
			return a.ID < b.ID
		case a.StartTime == nil:
			return false
		case b.StartTime == nil:
			return true
		case !a.StartTime.Equal(*b.StartTime):
			return a.StartTime.Before(*b.StartTime)
		}

		return a.ID < b.ID
	})
}
