package domain

import (
	"time"
)

// BonusDecision is the persisted outcome of applying one rule to one
// visit. (VisitID, BonusCode) is unique; the visit owns its decisions
// and they are replaced wholesale whenever the visit is re-evaluated.
type BonusDecision struct {
	ID         string `json:"id"`
	VisitID    string `json:"visitId"`
	PatientID  string `json:"patientId"`
	FacilityID string `json:"facilityId"`

	BonusCode     string        `json:"bonusCode"`
	InsuranceType InsuranceType `json:"insuranceType"`

	// VisitDate is denormalized onto the decision so monthly counting
	// and receipt aggregation never join back to the visit table.
	VisitDate time.Time `json:"visitDate"`

	CalculatedPoints    int    `json:"calculatedPoints"`
	SelectedServiceCode string `json:"selectedServiceCode"`
	SelectionReason     string `json:"selectionReason"`

	Details CalculationDetails `json:"calculationDetails"`

	CreatedAt time.Time `json:"createdAt"`
}

// ConditionTrace records one condition's outcome for the audit trail.
type ConditionTrace struct {
	Pattern string `json:"pattern"`
	Passed  bool   `json:"passed"`
	Reason  string `json:"reason"`
}

// CalculationDetails is the structured trace stored with a decision.
type CalculationDetails struct {
	RuleName   string           `json:"ruleName"`
	Conditions []ConditionTrace `json:"conditions"`

	// BranchKey is the branch chosen for code/points selection,
	// empty for single-code fixed rules.
	BranchKey string `json:"branchKey,omitempty"`

	// PointsSource is "fixed" or "conditional".
	PointsSource string `json:"pointsSource"`

	// RecalculationPass marks decisions written by a monthly
	// recalculation rather than a single-visit save.
	RecalculationPass bool `json:"recalculationPass,omitempty"`
}

// SkippedRule records a rule that did not produce a decision, with the
// full per-condition reasoning. Returned to callers, never persisted.
type SkippedRule struct {
	BonusCode string   `json:"bonusCode"`
	BonusName string   `json:"bonusName"`
	Reasons   []string `json:"reasons"`
}

// VisitEvaluation is the complete result of evaluating one visit.
type VisitEvaluation struct {
	VisitID   string           `json:"visitId"`
	Decisions []*BonusDecision `json:"decisions"`
	Skipped   []SkippedRule    `json:"skipped,omitempty"`

	RulesConsidered int   `json:"rulesConsidered"`
	ProcessMs       int64 `json:"processMs"`
}

// TotalPoints sums the decision points of the evaluation.
func (e *VisitEvaluation) TotalPoints() int {
	total := 0
	for _, d := range e.Decisions {
		total += d.CalculatedPoints
	}
	return total
}
