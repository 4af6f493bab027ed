package repository

// Schema definitions for the kasan database.
// Compatible with both SQLite and PostgreSQL.

const schemaBonusRules = `
CREATE TABLE IF NOT EXISTS bonus_rules (
    bonus_code TEXT NOT NULL,
    facility_id TEXT NOT NULL DEFAULT '',
    bonus_name TEXT NOT NULL,
    insurance_type TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    points_type TEXT NOT NULL,
    fixed_points INTEGER NOT NULL DEFAULT 0,
    points_config TEXT,
    service_code TEXT,
    service_codes TEXT,
    conditions TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    display_order INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (bonus_code, facility_id)
);

CREATE INDEX IF NOT EXISTS idx_bonus_rules_facility ON bonus_rules(facility_id);
CREATE INDEX IF NOT EXISTS idx_bonus_rules_insurance ON bonus_rules(insurance_type, facility_id);
`

const schemaVisits = `
CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL,
    facility_id TEXT NOT NULL,
    insurance_type TEXT NOT NULL,
    visit_date TIMESTAMP NOT NULL,
    start_time TIMESTAMP,
    end_time TIMESTAMP,
    status TEXT NOT NULL,
    is_discharge_date INTEGER NOT NULL DEFAULT 0,
    is_first_visit_of_plan INTEGER NOT NULL DEFAULT 0,
    is_terminal_care INTEGER NOT NULL DEFAULT 0,
    has_collaboration_record INTEGER NOT NULL DEFAULT 0,
    is_emergency INTEGER NOT NULL DEFAULT 0,
    is_second_visit INTEGER NOT NULL DEFAULT 0,
    nurse_id TEXT,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_visits_patient_month ON visits(patient_id, facility_id, visit_date);
CREATE INDEX IF NOT EXISTS idx_visits_facility ON visits(facility_id);
`

const schemaFacilityProfiles = `
CREATE TABLE IF NOT EXISTS facility_profiles (
    facility_id TEXT PRIMARY KEY,
    has_24h_support INTEGER NOT NULL DEFAULT 0,
    has_24h_support_enhanced INTEGER NOT NULL DEFAULT 0,
    has_burden_reduction INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaPatientProfiles = `
CREATE TABLE IF NOT EXISTS patient_profiles (
    patient_id TEXT PRIMARY KEY,
    facility_id TEXT NOT NULL,
    birth_date TIMESTAMP NOT NULL,
    special_management_category TEXT,
    special_management_from TIMESTAMP,
    special_management_to TIMESTAMP,
    assigned_nurse_id TEXT,
    nurse_certifications TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patient_profiles_facility ON patient_profiles(facility_id);
`

// The UNIQUE constraint on (visit_id, bonus_code) is the backstop for
// the at-most-one-decision-per-rule invariant, independent of the
// delete-then-insert discipline.
const schemaBonusDecisions = `
CREATE TABLE IF NOT EXISTS bonus_decisions (
    id TEXT PRIMARY KEY,
    visit_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    facility_id TEXT NOT NULL,
    bonus_code TEXT NOT NULL,
    insurance_type TEXT NOT NULL,
    visit_date TIMESTAMP NOT NULL,
    calculated_points INTEGER NOT NULL,
    selected_service_code TEXT NOT NULL,
    selection_reason TEXT NOT NULL,
    details TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (visit_id, bonus_code)
);

CREATE INDEX IF NOT EXISTS idx_bonus_decisions_visit ON bonus_decisions(visit_id);
CREATE INDEX IF NOT EXISTS idx_bonus_decisions_patient_month ON bonus_decisions(patient_id, facility_id, visit_date, bonus_code);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaBonusRules,
		schemaVisits,
		schemaFacilityProfiles,
		schemaPatientProfiles,
		schemaBonusDecisions,
	}
}
