// Package domain defines the core types and interfaces for kasan.
package domain

import (
	"context"
	"time"
)

// MonthKey identifies one patient-month recalculation scope. It keys
// the advisory lock that serializes concurrent recalculations.
type MonthKey struct {
	PatientID  string
	FacilityID string
	Year       int
	Month      time.Month
}

func (k MonthKey) String() string {
	return k.PatientID + "/" + k.FacilityID + "/" + k.Start().Format("2006-01")
}

// Start returns the first instant of the month in UTC.
func (k MonthKey) Start() time.Time {
	return time.Date(k.Year, k.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month.
func (k MonthKey) End() time.Time {
	return k.Start().AddDate(0, 1, 0)
}

// DecisionWriter is the slice of the repository available inside a
// month recalculation transaction. All writes through it commit or
// roll back together with the enclosing month.
type DecisionWriter interface {
	// ReplaceDecisions deletes every decision owned by visitID and
	// inserts the new set. The (visit_id, bonus_code) uniqueness
	// constraint is the backstop; a violation surfaces as an
	// IntegrityViolation.
	ReplaceDecisions(ctx context.Context, visitID string, decisions []*BonusDecision) error

	// ClearMonthDecisions deletes every decision of the patient-month,
	// including rows owned by visits that have since been soft-deleted
	// and would not be revisited by recalculation.
	ClearMonthDecisions(ctx context.Context, key MonthKey) error
}

// Repository defines the persistence surface for rules, visits,
// profiles and decisions.
type Repository interface {
	// Rule definitions.
	SaveRule(ctx context.Context, rule *BonusRule) error
	GetRule(ctx context.Context, facilityID, bonusCode string) (*BonusRule, error)
	ListRules(ctx context.Context, facilityID string) ([]*BonusRule, error)
	// ListRulesForDate returns raw candidate rows (facility-specific and
	// global, active or not, any insurance type) whose window covers
	// date; the catalog applies shadowing and insurance filtering on
	// top.
	ListRulesForDate(ctx context.Context, facilityID string, date time.Time) ([]*BonusRule, error)

	// Visit records.
	SaveVisit(ctx context.Context, visit *Visit) error
	GetVisit(ctx context.Context, visitID string) (*Visit, error)
	ListMonthVisits(ctx context.Context, key MonthKey) ([]*Visit, error)

	// Collaborator profiles.
	SaveFacilityProfile(ctx context.Context, profile *FacilityProfile) error
	GetFacilityProfile(ctx context.Context, facilityID string) (*FacilityProfile, error)
	SavePatientProfile(ctx context.Context, profile *PatientProfile) error
	GetPatientProfile(ctx context.Context, patientID string) (*PatientProfile, error)

	// Decision history.
	DecisionWriter
	ListDecisions(ctx context.Context, visitID string) ([]*BonusDecision, error)
	ListMonthDecisions(ctx context.Context, key MonthKey) ([]*BonusDecision, error)
	// CountMonthDecisions counts committed decisions for bonusCode in
	// the patient-month, excluding excludeVisitID. Used by the
	// single-visit monthly-limit path; recalculation counts against
	// its in-pass accumulator instead.
	CountMonthDecisions(ctx context.Context, key MonthKey, bonusCode, excludeVisitID string) (int, error)

	// RecalcMonth runs fn inside one transaction covering the whole
	// month, holding the advisory lock for key. A ConcurrencyError is
	// returned without invoking fn when the lock is taken. Any error
	// from fn rolls the entire month back.
	RecalcMonth(ctx context.Context, key MonthKey, fn func(tx DecisionWriter) error) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
