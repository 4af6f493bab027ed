package domain

import (
	"time"
)

// VisitStatus is the lifecycle state of a visit record.
// Only completed and reviewed visits are billable.
type VisitStatus string

const (
	VisitScheduled VisitStatus = "scheduled"
	VisitCompleted VisitStatus = "completed"
	VisitReviewed  VisitStatus = "reviewed"
	VisitCancelled VisitStatus = "cancelled"
)

// Visit is one home-visit record as supplied by the schedule system.
type Visit struct {
	ID         string `json:"id"`
	PatientID  string `json:"patientId"`
	FacilityID string `json:"facilityId"`

	InsuranceType InsuranceType `json:"insuranceType"`

	// VisitDate is the calendar date (UTC midnight). Start/end times
	// are optional; duration-based rules skip with a missing-data
	// reason when they are absent.
	VisitDate time.Time  `json:"visitDate"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	Status VisitStatus `json:"status"`

	// Visit attribute flags recorded by the nurse.
	IsDischargeDate        bool `json:"isDischargeDate"`
	IsFirstVisitOfPlan     bool `json:"isFirstVisitOfPlan"`
	IsTerminalCare         bool `json:"isTerminalCare"`
	HasCollaborationRecord bool `json:"hasCollaborationRecord"`
	IsEmergency            bool `json:"isEmergency"`
	IsSecondVisit          bool `json:"isSecondVisit"`

	NurseID string `json:"nurseId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Billable reports whether the visit is eligible for bonus calculation:
// completed or reviewed, and not soft-deleted.
func (v *Visit) Billable() bool {
	if v.DeletedAt != nil {
		return false
	}
	return v.Status == VisitCompleted || v.Status == VisitReviewed
}

// DurationMinutes returns end-start in whole minutes. ok is false when
// either timestamp is missing or the interval is negative.
func (v *Visit) DurationMinutes() (int, bool) {
	if v.StartTime == nil || v.EndTime == nil {
		return 0, false
	}
	d := v.EndTime.Sub(*v.StartTime)
	if d < 0 {
		return 0, false
	}
	return int(d.Minutes()), true
}

// PatientProfile carries the patient attributes the engine evaluates.
type PatientProfile struct {
	PatientID  string `json:"patientId"`
	FacilityID string `json:"facilityId"`

	BirthDate time.Time `json:"birthDate"`

	// Special-management category plus its validity window.
	SpecialManagementCategory string     `json:"specialManagementCategory,omitempty"`
	SpecialManagementFrom     *time.Time `json:"specialManagementFrom,omitempty"`
	SpecialManagementTo       *time.Time `json:"specialManagementTo,omitempty"`

	AssignedNurseID     string   `json:"assignedNurseId,omitempty"`
	NurseCertifications []string `json:"nurseCertifications,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SpecialManagementOn reports whether the category applies on date.
func (p *PatientProfile) SpecialManagementOn(category string, date time.Time) bool {
	if p.SpecialManagementCategory != category {
		return false
	}
	d := CivilDate(date)
	if p.SpecialManagementFrom != nil && CivilDate(*p.SpecialManagementFrom).After(d) {
		return false
	}
	if p.SpecialManagementTo != nil && CivilDate(*p.SpecialManagementTo).Before(d) {
		return false
	}
	return true
}

// AgeOn returns the patient's age in whole years on date.
func (p *PatientProfile) AgeOn(date time.Time) int {
	d := CivilDate(date)
	b := CivilDate(p.BirthDate)
	age := d.Year() - b.Year()
	if d.Month() < b.Month() || (d.Month() == b.Month() && d.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return age
}

// HasCertification reports whether the assigned nurse holds cert.
func (p *PatientProfile) HasCertification(cert string) bool {
	for _, c := range p.NurseCertifications {
		if c == cert {
			return true
		}
	}
	return false
}

// FacilityProfile carries the facility attributes the engine evaluates.
type FacilityProfile struct {
	FacilityID string `json:"facilityId"`

	Has24hSupportSystem         bool `json:"has24hSupportSystem"`
	Has24hSupportSystemEnhanced bool `json:"has24hSupportSystemEnhanced"`
	HasBurdenReduction          bool `json:"hasBurdenReduction"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// EvaluationContext is built fresh per visit and never persisted.
// The two control flags are computed by the orchestrator, not callers.
type EvaluationContext struct {
	Visit    *Visit
	Patient  *PatientProfile
	Facility *FacilityProfile

	// AgeAtVisit is derived once at build time.
	AgeAtVisit int

	IsReceiptRecalculation bool
	IsFirstRecordOfMonth   bool
}
