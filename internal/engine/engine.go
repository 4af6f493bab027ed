package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/limits"
	"github.com/opencare-jp/kasan/internal/repository"
)

// ErrVisitNotEligible marks visits that cannot be calculated: not yet
// completed, cancelled, or soft-deleted.
var ErrVisitNotEligible = errors.New("visit is not eligible for bonus calculation")

// Engine is the single-visit entry point, used on visit save.
type Engine struct {
	repo     domain.Repository
	pipeline *Pipeline
	bus      domain.EventBus
}

// New creates an engine whose monthly-limit counting runs against
// committed history.
func New(repo domain.Repository, cat *catalog.Catalog, bus domain.EventBus) (*Engine, error) {
	pipeline, err := NewPipeline(cat, limits.NewHistoryCounter(repo))
	if err != nil {
		return nil, err
	}
	return &Engine{repo: repo, pipeline: pipeline, bus: bus}, nil
}

// CalculateForVisit re-derives and persists the decision set of one
// visit. The persisted set is replaced wholesale so it always equals
// the latest evaluation.
func (e *Engine) CalculateForVisit(ctx context.Context, visitID string) (*domain.VisitEvaluation, error) {
	visit, err := e.repo.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if !visit.Billable() {
		return nil, fmt.Errorf("%w: visit %s status %s", ErrVisitNotEligible, visitID, visit.Status)
	}

	ec, err := e.buildContext(ctx, visit)
	if err != nil {
		return nil, err
	}

	eval, err := e.pipeline.Run(ctx, ec)
	if err != nil {
		return nil, err
	}

	if err := e.repo.ReplaceDecisions(ctx, visitID, eval.Decisions); err != nil {
		return nil, err
	}

	slog.Info("visit calculated",
		"visit_id", visitID,
		"patient_id", visit.PatientID,
		"decisions", len(eval.Decisions),
		"skipped", len(eval.Skipped),
		"total_points", eval.TotalPoints(),
	)

	e.publishEvaluated(ctx, visit, eval)

	return eval, nil
}

func (e *Engine) buildContext(ctx context.Context, visit *domain.Visit) (*domain.EvaluationContext, error) {
	patient, facility, err := LoadProfiles(ctx, e.repo, visit)
	if err != nil {
		return nil, err
	}

	first, err := e.isFirstRecordOfMonth(ctx, visit)
	if err != nil {
		return nil, err
	}

	return BuildContext(visit, patient, facility, false, first), nil
}

// isFirstRecordOfMonth reports whether visit sorts first among the
// billable visits of its month. The caller has already established
// that visit is persisted and billable, so the month listing always
// contains it.
func (e *Engine) isFirstRecordOfMonth(ctx context.Context, visit *domain.Visit) (bool, error) {
	d := domain.CivilDate(visit.VisitDate)
	key := domain.MonthKey{
		PatientID:  visit.PatientID,
		FacilityID: visit.FacilityID,
		Year:       d.Year(),
		Month:      d.Month(),
	}

	visits, err := e.repo.ListMonthVisits(ctx, key)
	if err != nil {
		return false, err
	}
	SortVisits(visits)

	return len(visits) > 0 && visits[0].ID == visit.ID, nil
}

func (e *Engine) publishEvaluated(ctx context.Context, visit *domain.Visit, eval *domain.VisitEvaluation) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(eval)
	if err := e.bus.Publish(ctx, visit.FacilityID, domain.TopicVisitEvaluated, payload); err != nil {
		slog.Error("failed to publish visit evaluation",
			"visit_id", visit.ID,
			"error", err,
		)
	}
}

// LoadProfiles fetches the patient and facility profiles for a visit.
// Missing profiles become empty ones: attribute conditions then fail
// with honest reasons instead of aborting the calculation.
func LoadProfiles(ctx context.Context, repo domain.Repository, visit *domain.Visit) (*domain.PatientProfile, *domain.FacilityProfile, error) {
	patient, err := repo.GetPatientProfile(ctx, visit.PatientID)
	if errors.Is(err, repository.ErrNotFound) {
		patient = &domain.PatientProfile{PatientID: visit.PatientID, FacilityID: visit.FacilityID}
	} else if err != nil {
		return nil, nil, err
	}

	facility, err := repo.GetFacilityProfile(ctx, visit.FacilityID)
	if errors.Is(err, repository.ErrNotFound) {
		facility = &domain.FacilityProfile{FacilityID: visit.FacilityID}
	} else if err != nil {
		return nil, nil, err
	}

	return patient, facility, nil
}
