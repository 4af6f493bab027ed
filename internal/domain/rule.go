package domain

import (
	"time"
)

// InsuranceType distinguishes the two Japanese insurance schemes a
// visiting-nursing bonus can bill against.
type InsuranceType string

const (
	InsuranceMedical      InsuranceType = "medical"
	InsuranceLongTermCare InsuranceType = "long_term_care"
)

// PointsType determines how a rule's point value is resolved.
type PointsType string

const (
	// PointsFixed uses FixedPoints verbatim.
	PointsFixed PointsType = "fixed"

	// PointsConditional looks up the branch key in PointsConfig.
	PointsConditional PointsType = "conditional"
)

// BonusRule defines one supplementary billing item (加算).
// Identified by BonusCode; immutable per version.
type BonusRule struct {
	BonusCode     string        `json:"bonusCode"`
	BonusName     string        `json:"bonusName"`
	InsuranceType InsuranceType `json:"insuranceType"`

	// FacilityID scopes the rule. Empty means global/default; a
	// facility-specific rule shadows the global rule with the same code.
	FacilityID string `json:"facilityId,omitempty"`

	// Validity window, inclusive on both ends. Nil ValidTo = open-ended.
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`

	PointsType   PointsType     `json:"pointsType"`
	FixedPoints  int            `json:"fixedPoints,omitempty"`
	PointsConfig map[string]int `json:"pointsConfig,omitempty"`

	// ServiceCode is attached to decisions when the rule maps to a
	// single billing code. ServiceCodes maps branch keys to codes when
	// the rule branches on visit duration or a context flag.
	ServiceCode  string            `json:"serviceCode,omitempty"`
	ServiceCodes map[string]string `json:"serviceCodes,omitempty"`

	// Conditions are ANDed. All of them are evaluated even after a
	// failure so the audit trace carries every reason.
	Conditions []Condition `json:"predefinedConditions"`

	IsActive     bool `json:"isActive"`
	DisplayOrder int  `json:"displayOrder"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// IsGlobal reports whether the rule is the global/default definition.
func (r *BonusRule) IsGlobal() bool {
	return r.FacilityID == ""
}

// CoversDate reports whether the validity window includes date.
// Activity (IsActive) is checked separately by the catalog so an
// inactive facility override can still shadow its global rule.
func (r *BonusRule) CoversDate(date time.Time) bool {
	d := CivilDate(date)
	if CivilDate(r.ValidFrom).After(d) {
		return false
	}
	if r.ValidTo != nil && CivilDate(*r.ValidTo).Before(d) {
		return false
	}
	return true
}

// CivilDate truncates a timestamp to its calendar date in UTC.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
