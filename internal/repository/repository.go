// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	locks  *monthLocks
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		locks:  newMonthLocks(),
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ---- Rules ----

const ruleColumns = `bonus_code, facility_id, bonus_name, insurance_type,
	valid_from, valid_to, points_type, fixed_points, points_config,
	service_code, service_codes, conditions, is_active, display_order,
	created_at, updated_at`

// SaveRule inserts or updates one rule version.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.BonusRule) error {
	if rule.BonusCode == "" {
		return fmt.Errorf("%w: bonusCode is required", ErrInvalidInput)
	}

	specs := make([]domain.ConditionSpec, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		specs = append(specs, c.Spec())
	}
	conditions, _ := json.Marshal(specs)
	pointsConfig, _ := json.Marshal(rule.PointsConfig)
	serviceCodes, _ := json.Marshal(rule.ServiceCodes)

	active := 0
	if rule.IsActive {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO bonus_rules (
			bonus_code, facility_id, bonus_name, insurance_type,
			valid_from, valid_to, points_type, fixed_points, points_config,
			service_code, service_codes, conditions, is_active, display_order,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bonus_code, facility_id) DO UPDATE SET
			bonus_name = excluded.bonus_name,
			insurance_type = excluded.insurance_type,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			points_type = excluded.points_type,
			fixed_points = excluded.fixed_points,
			points_config = excluded.points_config,
			service_code = excluded.service_code,
			service_codes = excluded.service_codes,
			conditions = excluded.conditions,
			is_active = excluded.is_active,
			display_order = excluded.display_order,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.BonusCode, rule.FacilityID, rule.BonusName, string(rule.InsuranceType),
		rule.ValidFrom, rule.ValidTo, string(rule.PointsType), rule.FixedPoints, string(pointsConfig),
		rule.ServiceCode, string(serviceCodes), string(conditions), active, rule.DisplayOrder,
		now, now,
	)
	return err
}

// GetRule retrieves the effective rule for a facility: the
// facility-specific row when one exists, otherwise the global row.
func (r *SQLRepository) GetRule(ctx context.Context, facilityID, bonusCode string) (*domain.BonusRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM bonus_rules
		WHERE bonus_code = ? AND (facility_id = ? OR facility_id = '')
		ORDER BY facility_id DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), bonusCode, facilityID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all rule rows visible to a facility (its own
// overrides plus globals), without shadowing applied.
func (r *SQLRepository) ListRules(ctx context.Context, facilityID string) ([]*domain.BonusRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM bonus_rules
		WHERE facility_id = ? OR facility_id = ''
		ORDER BY display_order, bonus_code, facility_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRules(rows)
}

// ListRulesForDate retrieves candidate rule rows whose validity window
// covers date, across insurance types. Inactive rows are included so
// the catalog can apply shadowing without falling back past an
// inactive facility override, and rows of every insurance type are
// included so an override stored under the wrong type is seen and
// flagged rather than silently bypassed.
func (r *SQLRepository) ListRulesForDate(ctx context.Context, facilityID string, date time.Time) ([]*domain.BonusRule, error) {
	d := domain.CivilDate(date)

	query := `
		SELECT ` + ruleColumns + `
		FROM bonus_rules
		WHERE (facility_id = ? OR facility_id = '')
		  AND valid_from <= ?
		  AND (valid_to IS NULL OR valid_to >= ?)
		ORDER BY display_order, bonus_code, facility_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), facilityID, d, d)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRules(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.BonusRule, error) {
	var rule domain.BonusRule
	var insurance, pointsType string
	var validTo sql.NullTime
	var pointsConfig, serviceCode, serviceCodes, conditions sql.NullString
	var active int

	err := row.Scan(
		&rule.BonusCode, &rule.FacilityID, &rule.BonusName, &insurance,
		&rule.ValidFrom, &validTo, &pointsType, &rule.FixedPoints, &pointsConfig,
		&serviceCode, &serviceCodes, &conditions, &active, &rule.DisplayOrder,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.InsuranceType = domain.InsuranceType(insurance)
	rule.PointsType = domain.PointsType(pointsType)
	rule.IsActive = active == 1
	if validTo.Valid {
		t := validTo.Time
		rule.ValidTo = &t
	}
	if serviceCode.Valid {
		rule.ServiceCode = serviceCode.String
	}
	if pointsConfig.Valid && pointsConfig.String != "" && pointsConfig.String != "null" {
		if err := json.Unmarshal([]byte(pointsConfig.String), &rule.PointsConfig); err != nil {
			return nil, fmt.Errorf("rule %s: bad points_config: %w", rule.BonusCode, err)
		}
	}
	if serviceCodes.Valid && serviceCodes.String != "" && serviceCodes.String != "null" {
		if err := json.Unmarshal([]byte(serviceCodes.String), &rule.ServiceCodes); err != nil {
			return nil, fmt.Errorf("rule %s: bad service_codes: %w", rule.BonusCode, err)
		}
	}

	// Conditions are stored in their loose entry form and validated on
	// every load so a corrupt row cannot become a silent no-op.
	var specs []domain.ConditionSpec
	if conditions.Valid && conditions.String != "" && conditions.String != "null" {
		if err := json.Unmarshal([]byte(conditions.String), &specs); err != nil {
			return nil, fmt.Errorf("rule %s: bad conditions: %w", rule.BonusCode, err)
		}
	}
	parsed, err := domain.ParseConditionSpecs(rule.BonusCode, specs)
	if err != nil {
		return nil, err
	}
	rule.Conditions = parsed

	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]*domain.BonusRule, error) {
	var rules []*domain.BonusRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ---- Visits ----

const visitColumns = `id, patient_id, facility_id, insurance_type, visit_date,
	start_time, end_time, status, is_discharge_date, is_first_visit_of_plan,
	is_terminal_care, has_collaboration_record, is_emergency, is_second_visit,
	nurse_id, created_at, deleted_at`

// SaveVisit inserts or updates a visit record.
func (r *SQLRepository) SaveVisit(ctx context.Context, v *domain.Visit) error {
	if v.ID == "" || v.PatientID == "" || v.FacilityID == "" {
		return fmt.Errorf("%w: visit id, patientId and facilityId are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO visits (
			id, patient_id, facility_id, insurance_type, visit_date,
			start_time, end_time, status, is_discharge_date, is_first_visit_of_plan,
			is_terminal_care, has_collaboration_record, is_emergency, is_second_visit,
			nurse_id, created_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			insurance_type = excluded.insurance_type,
			visit_date = excluded.visit_date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			status = excluded.status,
			is_discharge_date = excluded.is_discharge_date,
			is_first_visit_of_plan = excluded.is_first_visit_of_plan,
			is_terminal_care = excluded.is_terminal_care,
			has_collaboration_record = excluded.has_collaboration_record,
			is_emergency = excluded.is_emergency,
			is_second_visit = excluded.is_second_visit,
			nurse_id = excluded.nurse_id,
			deleted_at = excluded.deleted_at
	`

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.PatientID, v.FacilityID, string(v.InsuranceType), domain.CivilDate(v.VisitDate),
		v.StartTime, v.EndTime, string(v.Status), b2i(v.IsDischargeDate), b2i(v.IsFirstVisitOfPlan),
		b2i(v.IsTerminalCare), b2i(v.HasCollaborationRecord), b2i(v.IsEmergency), b2i(v.IsSecondVisit),
		v.NurseID, createdAt, v.DeletedAt,
	)
	return err
}

// GetVisit retrieves a visit by ID, including soft-deleted rows; the
// caller decides what a tombstone means for its operation.
func (r *SQLRepository) GetVisit(ctx context.Context, visitID string) (*domain.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), visitID)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// ListMonthVisits retrieves billable visits of a patient-month, ordered
// by (visit_date, start_time with nulls last, id).
func (r *SQLRepository) ListMonthVisits(ctx context.Context, key domain.MonthKey) ([]*domain.Visit, error) {
	query := `
		SELECT ` + visitColumns + `
		FROM visits
		WHERE patient_id = ? AND facility_id = ?
		  AND visit_date >= ? AND visit_date < ?
		  AND deleted_at IS NULL
		  AND status IN ('completed', 'reviewed')
		ORDER BY visit_date,
		         CASE WHEN start_time IS NULL THEN 1 ELSE 0 END,
		         start_time,
		         id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), key.PatientID, key.FacilityID, key.Start(), key.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []*domain.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

func scanVisit(row rowScanner) (*domain.Visit, error) {
	var v domain.Visit
	var insurance, status string
	var start, end, deleted sql.NullTime
	var nurse sql.NullString
	var discharge, firstPlan, terminal, collab, emergency, second int

	err := row.Scan(
		&v.ID, &v.PatientID, &v.FacilityID, &insurance, &v.VisitDate,
		&start, &end, &status, &discharge, &firstPlan,
		&terminal, &collab, &emergency, &second,
		&nurse, &v.CreatedAt, &deleted,
	)
	if err != nil {
		return nil, err
	}

	v.InsuranceType = domain.InsuranceType(insurance)
	v.Status = domain.VisitStatus(status)
	v.IsDischargeDate = discharge == 1
	v.IsFirstVisitOfPlan = firstPlan == 1
	v.IsTerminalCare = terminal == 1
	v.HasCollaborationRecord = collab == 1
	v.IsEmergency = emergency == 1
	v.IsSecondVisit = second == 1
	if start.Valid {
		t := start.Time
		v.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		v.EndTime = &t
	}
	if deleted.Valid {
		t := deleted.Time
		v.DeletedAt = &t
	}
	if nurse.Valid {
		v.NurseID = nurse.String
	}

	return &v, nil
}

// ---- Profiles ----

// SaveFacilityProfile inserts or updates a facility profile.
func (r *SQLRepository) SaveFacilityProfile(ctx context.Context, p *domain.FacilityProfile) error {
	if p.FacilityID == "" {
		return fmt.Errorf("%w: facilityId is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO facility_profiles (
			facility_id, has_24h_support, has_24h_support_enhanced, has_burden_reduction, updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(facility_id) DO UPDATE SET
			has_24h_support = excluded.has_24h_support,
			has_24h_support_enhanced = excluded.has_24h_support_enhanced,
			has_burden_reduction = excluded.has_burden_reduction,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.FacilityID, b2i(p.Has24hSupportSystem), b2i(p.Has24hSupportSystemEnhanced),
		b2i(p.HasBurdenReduction), time.Now().UTC(),
	)
	return err
}

// GetFacilityProfile retrieves a facility profile.
func (r *SQLRepository) GetFacilityProfile(ctx context.Context, facilityID string) (*domain.FacilityProfile, error) {
	query := `
		SELECT facility_id, has_24h_support, has_24h_support_enhanced, has_burden_reduction, updated_at
		FROM facility_profiles
		WHERE facility_id = ?
	`

	var p domain.FacilityProfile
	var h24, h24e, burden int

	err := r.db.QueryRowContext(ctx, r.rebind(query), facilityID).Scan(
		&p.FacilityID, &h24, &h24e, &burden, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Has24hSupportSystem = h24 == 1
	p.Has24hSupportSystemEnhanced = h24e == 1
	p.HasBurdenReduction = burden == 1

	return &p, nil
}

// SavePatientProfile inserts or updates a patient profile.
func (r *SQLRepository) SavePatientProfile(ctx context.Context, p *domain.PatientProfile) error {
	if p.PatientID == "" {
		return fmt.Errorf("%w: patientId is required", ErrInvalidInput)
	}

	certs, _ := json.Marshal(p.NurseCertifications)

	query := `
		INSERT INTO patient_profiles (
			patient_id, facility_id, birth_date,
			special_management_category, special_management_from, special_management_to,
			assigned_nurse_id, nurse_certifications, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			facility_id = excluded.facility_id,
			birth_date = excluded.birth_date,
			special_management_category = excluded.special_management_category,
			special_management_from = excluded.special_management_from,
			special_management_to = excluded.special_management_to,
			assigned_nurse_id = excluded.assigned_nurse_id,
			nurse_certifications = excluded.nurse_certifications,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.PatientID, p.FacilityID, p.BirthDate,
		p.SpecialManagementCategory, p.SpecialManagementFrom, p.SpecialManagementTo,
		p.AssignedNurseID, string(certs), time.Now().UTC(),
	)
	return err
}

// GetPatientProfile retrieves a patient profile.
func (r *SQLRepository) GetPatientProfile(ctx context.Context, patientID string) (*domain.PatientProfile, error) {
	query := `
		SELECT patient_id, facility_id, birth_date,
		       special_management_category, special_management_from, special_management_to,
		       assigned_nurse_id, nurse_certifications, updated_at
		FROM patient_profiles
		WHERE patient_id = ?
	`

	var p domain.PatientProfile
	var category, nurse, certs sql.NullString
	var smFrom, smTo sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), patientID).Scan(
		&p.PatientID, &p.FacilityID, &p.BirthDate,
		&category, &smFrom, &smTo,
		&nurse, &certs, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if category.Valid {
		p.SpecialManagementCategory = category.String
	}
	if smFrom.Valid {
		t := smFrom.Time
		p.SpecialManagementFrom = &t
	}
	if smTo.Valid {
		t := smTo.Time
		p.SpecialManagementTo = &t
	}
	if nurse.Valid {
		p.AssignedNurseID = nurse.String
	}
	if certs.Valid && certs.String != "" && certs.String != "null" {
		json.Unmarshal([]byte(certs.String), &p.NurseCertifications)
	}

	return &p, nil
}

// ---- Decisions ----

// ReplaceDecisions deletes every decision for visitID and inserts the
// new set, in one transaction of its own. The orchestrator uses the
// month-wide transaction in RecalcMonth instead.
func (r *SQLRepository) ReplaceDecisions(ctx context.Context, visitID string, decisions []*domain.BonusDecision) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := replaceDecisions(ctx, tx, r.rebind, visitID, decisions); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// ClearMonthDecisions deletes every decision of the patient-month in
// one statement of its own. The orchestrator uses the month-wide
// transaction in RecalcMonth instead.
func (r *SQLRepository) ClearMonthDecisions(ctx context.Context, key domain.MonthKey) error {
	return clearMonthDecisions(ctx, r.db, r.rebind, key)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func clearMonthDecisions(ctx context.Context, ex execer, rebind func(string) string, key domain.MonthKey) error {
	query := `
		DELETE FROM bonus_decisions
		WHERE patient_id = ? AND facility_id = ?
		  AND visit_date >= ? AND visit_date < ?
	`
	_, err := ex.ExecContext(ctx, rebind(query), key.PatientID, key.FacilityID, key.Start(), key.End())
	return err
}

func replaceDecisions(ctx context.Context, ex execer, rebind func(string) string, visitID string, decisions []*domain.BonusDecision) error {
	if visitID == "" {
		return fmt.Errorf("%w: visitID is required", ErrInvalidInput)
	}

	if _, err := ex.ExecContext(ctx, rebind(`DELETE FROM bonus_decisions WHERE visit_id = ?`), visitID); err != nil {
		return err
	}

	insert := `
		INSERT INTO bonus_decisions (
			id, visit_id, patient_id, facility_id, bonus_code, insurance_type,
			visit_date, calculated_points, selected_service_code, selection_reason,
			details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, d := range decisions {
		details, _ := json.Marshal(d.Details)

		_, err := ex.ExecContext(ctx, rebind(insert),
			d.ID, d.VisitID, d.PatientID, d.FacilityID, d.BonusCode, string(d.InsuranceType),
			domain.CivilDate(d.VisitDate), d.CalculatedPoints, d.SelectedServiceCode, d.SelectionReason,
			string(details), d.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Surviving the delete-then-insert discipline means a
				// logic bug, not bad data. Abort, never swallow.
				return &domain.IntegrityViolation{VisitID: d.VisitID, BonusCode: d.BonusCode, Err: err}
			}
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

const decisionColumns = `id, visit_id, patient_id, facility_id, bonus_code, insurance_type,
	visit_date, calculated_points, selected_service_code, selection_reason, details, created_at`

// ListDecisions retrieves all decisions for one visit.
func (r *SQLRepository) ListDecisions(ctx context.Context, visitID string) ([]*domain.BonusDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM bonus_decisions
		WHERE visit_id = ?
		ORDER BY bonus_code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDecisions(rows)
}

// ListMonthDecisions retrieves all decisions of a patient-month.
func (r *SQLRepository) ListMonthDecisions(ctx context.Context, key domain.MonthKey) ([]*domain.BonusDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM bonus_decisions
		WHERE patient_id = ? AND facility_id = ?
		  AND visit_date >= ? AND visit_date < ?
		ORDER BY visit_date, visit_id, bonus_code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), key.PatientID, key.FacilityID, key.Start(), key.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDecisions(rows)
}

// CountMonthDecisions counts committed decisions for bonusCode in the
// patient-month, excluding excludeVisitID. Decisions owned by visits
// that are no longer billable (soft-deleted or reverted from
// completed/reviewed) do not count toward monthly limits.
func (r *SQLRepository) CountMonthDecisions(ctx context.Context, key domain.MonthKey, bonusCode, excludeVisitID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM bonus_decisions
		WHERE patient_id = ? AND facility_id = ? AND bonus_code = ?
		  AND visit_date >= ? AND visit_date < ?
		  AND visit_id <> ?
		  AND EXISTS (
		      SELECT 1 FROM visits
		      WHERE visits.id = bonus_decisions.visit_id
		        AND visits.deleted_at IS NULL
		        AND visits.status IN ('completed', 'reviewed')
		  )
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		key.PatientID, key.FacilityID, bonusCode, key.Start(), key.End(), excludeVisitID,
	).Scan(&count)
	return count, err
}

func collectDecisions(rows *sql.Rows) ([]*domain.BonusDecision, error) {
	var decisions []*domain.BonusDecision
	for rows.Next() {
		var d domain.BonusDecision
		var insurance, details string

		if err := rows.Scan(
			&d.ID, &d.VisitID, &d.PatientID, &d.FacilityID, &d.BonusCode, &insurance,
			&d.VisitDate, &d.CalculatedPoints, &d.SelectedServiceCode, &d.SelectionReason,
			&details, &d.CreatedAt,
		); err != nil {
			return nil, err
		}

		d.InsuranceType = domain.InsuranceType(insurance)
		json.Unmarshal([]byte(details), &d.Details)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// ---- Month transaction ----

// monthTx adapts a *sql.Tx to domain.DecisionWriter so the whole month
// commits or rolls back as one unit.
type monthTx struct {
	tx     *sql.Tx
	rebind func(string) string
}

func (t *monthTx) ReplaceDecisions(ctx context.Context, visitID string, decisions []*domain.BonusDecision) error {
	return replaceDecisions(ctx, t.tx, t.rebind, visitID, decisions)
}

func (t *monthTx) ClearMonthDecisions(ctx context.Context, key domain.MonthKey) error {
	return clearMonthDecisions(ctx, t.tx, t.rebind, key)
}

// RecalcMonth runs fn inside one transaction holding the advisory lock
// for key. On postgres the lock is a transaction-scoped advisory lock;
// on sqlite (single process) it is an in-process keyed mutex.
func (r *SQLRepository) RecalcMonth(ctx context.Context, key domain.MonthKey, fn func(tx domain.DecisionWriter) error) error {
	if r.driver != "postgres" {
		if !r.locks.tryLock(key.String()) {
			return &domain.ConcurrencyError{Key: key.String()}
		}
		defer r.locks.unlock(key.String())
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if r.driver == "postgres" {
		var acquired bool
		err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, key.String()).Scan(&acquired)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !acquired {
			tx.Rollback()
			return &domain.ConcurrencyError{Key: key.String()}
		}
	}

	if err := fn(&monthTx{tx: tx, rebind: r.rebind}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// ---- Misc ----

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
