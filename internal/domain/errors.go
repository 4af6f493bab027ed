package domain

import (
	"errors"
	"fmt"
)

// ConfigurationError means a rule definition is unusable: an unknown
// condition pattern, a conditional rule without a matching branch, or
// an uncompilable expression. Fatal to the request, never retried.
type ConfigurationError struct {
	BonusCode string
	Detail    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %s misconfigured: %s", e.BonusCode, e.Detail)
}

// MissingDataError means the visit lacks data one rule needs (for
// example timestamps for duration branching). The rule is skipped with
// a recorded reason; the batch continues.
type MissingDataError struct {
	BonusCode string
	Field     string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("rule %s: required field %s is missing", e.BonusCode, e.Field)
}

// ConcurrencyError means the per-patient-month recalculation lock
// could not be acquired. The orchestrator retries the whole month.
type ConcurrencyError struct {
	Key string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("recalculation already in progress for %s", e.Key)
}

// IntegrityViolation means the (visit_id, bonus_code) uniqueness
// constraint fired despite the delete-then-insert discipline. That is
// a logic bug, not a data problem: the transaction must abort.
type IntegrityViolation struct {
	VisitID   string
	BonusCode string
	Err       error
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("duplicate decision for visit %s rule %s: %v", e.VisitID, e.BonusCode, e.Err)
}

func (e *IntegrityViolation) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsMissingData reports whether err is a MissingDataError.
func IsMissingData(err error) bool {
	var me *MissingDataError
	return errors.As(err, &me)
}

// IsConcurrency reports whether err is a ConcurrencyError.
func IsConcurrency(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}
