// Package worker provides async recalculation processing for the
// agency tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/recalc"
)

// Worker consumes recalculation requests from the EventBus and runs
// them through the orchestrator.
type Worker struct {
	bus  domain.EventBus
	orch *recalc.Orchestrator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// FacilityIDs is the list of facilities to process.
	FacilityIDs []string
}

// NewWorker creates a new async recalculation worker.
func NewWorker(bus domain.EventBus, orch *recalc.Orchestrator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		orch:   orch,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing recalculation requests for the given
// facilities.
func (w *Worker) Start(cfg Config) error {
	for _, facilityID := range cfg.FacilityIDs {
		if err := w.startFacilityWorker(facilityID); err != nil {
			slog.Error("failed to start worker for facility",
				"facility_id", facilityID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("recalc workers started",
		"facility_count", len(cfg.FacilityIDs),
	)

	return nil
}

// startFacilityWorker subscribes to the recalc request topic for one
// facility.
func (w *Worker) startFacilityWorker(facilityID string) error {
	sub, err := w.bus.Subscribe(w.ctx, facilityID, domain.TopicRecalcRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, facilityID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("facility worker started",
		"facility_id", facilityID,
		"topic", domain.TopicRecalcRequested,
	)

	return nil
}

// RecalcMessage is the message payload for a recalculation request.
type RecalcMessage struct {
	PatientID  string `json:"patientId"`
	FacilityID string `json:"facilityId"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
}

// processRequest runs one patient-month through the orchestrator.
func (w *Worker) processRequest(ctx context.Context, facilityID string, msg *domain.Message) error {
	start := time.Now()

	var req RecalcMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse recalc message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if req.FacilityID != "" {
		facilityID = req.FacilityID
	}
	if req.PatientID == "" || req.Year == 0 || req.Month < 1 || req.Month > 12 {
		slog.Error("invalid recalc message",
			"message_id", msg.ID,
			"patient_id", req.PatientID,
			"year", req.Year,
			"month", req.Month,
		)
		return nil
	}

	slog.Debug("processing recalc request",
		"patient_id", req.PatientID,
		"facility_id", facilityID,
		"year", req.Year,
		"month", req.Month,
	)

	err := w.orch.RecalculateMonth(ctx, req.PatientID, facilityID, req.Year, time.Month(req.Month))
	if err != nil {
		slog.Error("recalculation failed",
			"patient_id", req.PatientID,
			"facility_id", facilityID,
			"error", err,
		)
		return err
	}

	slog.Info("recalc request processed",
		"patient_id", req.PatientID,
		"facility_id", facilityID,
		"year", req.Year,
		"month", req.Month,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("recalc workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
