// Package recalc drives monthly batch recomputation of bonus decisions
// for one patient-month, used when producing or re-confirming a claim.
package recalc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/limits"
)

var tracer = otel.Tracer("kasan-recalc")

// Orchestrator re-derives every bonus decision of a patient-month from
// scratch, in one transaction, in deterministic visit order.
type Orchestrator struct {
	repo    domain.Repository
	catalog *catalog.Catalog
	bus     domain.EventBus

	lockRetries   int
	lockRetryWait time.Duration
}

// New creates an orchestrator. bus may be nil.
func New(repo domain.Repository, cat *catalog.Catalog, bus domain.EventBus, cfg domain.RecalcConfig) *Orchestrator {
	retries := cfg.LockRetries
	if retries < 0 {
		retries = 0
	}
	wait := cfg.LockRetryWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	return &Orchestrator{
		repo:          repo,
		catalog:       cat,
		bus:           bus,
		lockRetries:   retries,
		lockRetryWait: wait,
	}
}

// RecalculateMonth recomputes all decisions for the patient-month.
// The whole month commits or rolls back as one unit; a lock conflict
// is retried from the top because a partial retry would break the
// ordering invariant.
func (o *Orchestrator) RecalculateMonth(ctx context.Context, patientID, facilityID string, year int, month time.Month) error {
	key := domain.MonthKey{PatientID: patientID, FacilityID: facilityID, Year: year, Month: month}

	ctx, span := tracer.Start(ctx, "RecalculateMonth")
	span.SetAttributes(
		attribute.String("patient.id", patientID),
		attribute.String("facility.id", facilityID),
		attribute.String("month", key.Start().Format("2006-01")),
	)
	defer span.End()

	var err error
	for attempt := 0; ; attempt++ {
		err = o.runOnce(ctx, key)
		if !domain.IsConcurrency(err) || attempt >= o.lockRetries {
			break
		}
		slog.Warn("recalculation lock busy, retrying",
			"key", key.String(),
			"attempt", attempt+1,
		)
		select {
		case <-time.After(o.lockRetryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil {
		o.publish(ctx, key, domain.TopicRecalcFailed, map[string]any{
			"key":   key.String(),
			"error": err.Error(),
		})
		return err
	}

	o.publish(ctx, key, domain.TopicRecalcCompleted, map[string]any{
		"key": key.String(),
	})
	return nil
}

func (o *Orchestrator) runOnce(ctx context.Context, key domain.MonthKey) error {
	start := time.Now()

	visits, err := o.repo.ListMonthVisits(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load visits for %s: %w", key.String(), err)
	}
	engine.SortVisits(visits)

	var patient *domain.PatientProfile
	var facility *domain.FacilityProfile
	if len(visits) > 0 {
		patient, facility, err = engine.LoadProfiles(ctx, o.repo, visits[0])
		if err != nil {
			return err
		}
	}

	// The accumulator is the explicit prefix of decisions written by
	// earlier visits in this pass. Monthly-limit counting runs against
	// it, never against the table rows this transaction is replacing.
	accumulator := limits.NewPassAccumulator()

	pipeline, err := engine.NewPipeline(o.catalog, accumulator)
	if err != nil {
		return err
	}

	processed := 0
	err = o.repo.RecalcMonth(ctx, key, func(tx domain.DecisionWriter) error {
		// Sweep the whole month first. Visits soft-deleted since the
		// last pass are not in the billable list, so their decisions
		// would otherwise survive as orphans and keep counting toward
		// monthly limits.
		if err := tx.ClearMonthDecisions(ctx, key); err != nil {
			return err
		}

		for i, visit := range visits {
			ec := engine.BuildContext(visit, patient, facility, true, i == 0)

			eval, err := pipeline.Run(ctx, ec)
			if err != nil {
				return fmt.Errorf("visit %s: %w", visit.ID, err)
			}

			if err := tx.ReplaceDecisions(ctx, visit.ID, eval.Decisions); err != nil {
				return fmt.Errorf("visit %s: %w", visit.ID, err)
			}

			accumulator.Record(eval.Decisions)
			processed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("month recalculated",
		"key", key.String(),
		"visits", processed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, key domain.MonthKey, topic string, body map[string]any) {
	if o.bus == nil {
		return
	}
	payload, _ := json.Marshal(body)
	if err := o.bus.Publish(ctx, key.FacilityID, topic, payload); err != nil {
		slog.Error("failed to publish recalc event",
			"topic", topic,
			"key", key.String(),
			"error", err,
		)
	}
}
