package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/recalc"
	"github.com/opencare-jp/kasan/internal/receipt"
	"github.com/opencare-jp/kasan/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *engine.Engine
	orch     *recalc.Orchestrator
	receipts *receipt.Service
	catalog  *catalog.Catalog
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, orch *recalc.Orchestrator, receipts *receipt.Service, cat *catalog.Catalog, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   eng,
		orch:     orch,
		receipts: receipts,
		catalog:  cat,
		version:  version,
	}
}

// CalculateResponse is the response for POST /visits/{id}/calculate.
type CalculateResponse struct {
	Evaluation *domain.VisitEvaluation `json:"evaluation"`
	Metadata   struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// CalculateVisit handles POST /visits/{id}/calculate. It evaluates
// every applicable rule against the visit and replaces the visit's
// decision history with the fresh result.
func (h *Handler) CalculateVisit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)
	visitID := chi.URLParam(r, "id")

	if visitID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit id is required",
		})
		return
	}

	eval, err := h.engine.CalculateForVisit(ctx, visitID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "visit not found",
			})
		case errors.Is(err, engine.ErrVisitNotEligible):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
		case domain.IsConfiguration(err):
			slog.Error("rule configuration error", "visit_id", visitID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("calculation failed", "visit_id", visitID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "calculation failed",
			})
		}
		return
	}

	resp := CalculateResponse{Evaluation: eval}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// GetVisitDecisions retrieves the committed decisions for a visit.
func (h *Handler) GetVisitDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID := chi.URLParam(r, "id")

	if visitID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visit id is required",
		})
		return
	}

	decisions, err := h.repo.ListDecisions(ctx, visitID)
	if err != nil {
		slog.Error("failed to list decisions", "visit_id", visitID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list decisions",
		})
		return
	}

	total := 0
	for _, d := range decisions {
		total += d.CalculatedPoints
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"visitId":     visitID,
		"decisions":   decisions,
		"totalPoints": total,
	})
}

// RecalculateRequest is the request body for POST /recalculate.
type RecalculateRequest struct {
	PatientID string `json:"patientId"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`

	// Async publishes the request to the event bus instead of running
	// the month inline.
	Async bool `json:"async,omitempty"`
}

// Recalculate handles POST /recalculate. It reprocesses every billable
// visit of one patient-month in chronological order.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := GetFacilityID(ctx)

	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.PatientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "patientId is required",
		})
		return
	}
	if req.Year < 2000 || req.Month < 1 || req.Month > 12 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "year and month must identify a valid calendar month",
		})
		return
	}

	if req.Async {
		payload, _ := json.Marshal(map[string]interface{}{
			"patientId":  req.PatientID,
			"facilityId": facilityID,
			"year":       req.Year,
			"month":      req.Month,
		})
		if err := h.bus.Publish(ctx, facilityID, domain.TopicRecalcRequested, payload); err != nil {
			slog.Error("failed to publish recalc request", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to enqueue recalculation",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
		})
		return
	}

	err := h.orch.RecalculateMonth(ctx, req.PatientID, facilityID, req.Year, time.Month(req.Month))
	if err != nil {
		switch {
		case domain.IsConcurrency(err):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		case domain.IsConfiguration(err):
			slog.Error("rule configuration error during recalculation",
				"patient_id", req.PatientID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("recalculation failed", "patient_id", req.PatientID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "recalculation failed",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "completed",
	})
}

// GetReceipt handles GET /patients/{id}/receipt?year=&month=.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := GetFacilityID(ctx)
	patientID := chi.URLParam(r, "id")

	year, err1 := strconv.Atoi(r.URL.Query().Get("year"))
	month, err2 := strconv.Atoi(r.URL.Query().Get("month"))
	if err1 != nil || err2 != nil || month < 1 || month > 12 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "year and month query parameters are required",
		})
		return
	}

	summary, err := h.receipts.Summarize(ctx, patientID, facilityID, year, time.Month(month))
	if err != nil {
		slog.Error("failed to summarize receipt",
			"patient_id", patientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build receipt summary",
		})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// IngestVisit handles POST /visits, the collaborator visit feed.
func (h *Handler) IngestVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := GetFacilityID(ctx)

	var visit domain.Visit
	if err := json.NewDecoder(r.Body).Decode(&visit); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if visit.ID == "" || visit.PatientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and patientId are required",
		})
		return
	}
	if visit.VisitDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "visitDate is required",
		})
		return
	}
	if visit.InsuranceType != domain.InsuranceMedical && visit.InsuranceType != domain.InsuranceLongTermCare {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "insuranceType must be medical or long_term_care",
		})
		return
	}

	visit.FacilityID = facilityID
	if visit.Status == "" {
		visit.Status = domain.VisitCompleted
	}
	if visit.CreatedAt.IsZero() {
		visit.CreatedAt = time.Now().UTC()
	}

	if err := h.repo.SaveVisit(ctx, &visit); err != nil {
		slog.Error("failed to save visit", "visit_id", visit.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save visit",
		})
		return
	}

	writeJSON(w, http.StatusCreated, &visit)
}

// ListRules returns the rules visible to the requesting facility,
// facility-specific rows and global rows alike.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := GetFacilityID(ctx)

	rules, err := h.repo.ListRules(ctx, facilityID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule retrieves one rule by bonus code. A facility-specific row
// shadows the global row of the same code.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := GetFacilityID(ctx)
	bonusCode := chi.URLParam(r, "code")

	if bonusCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bonus code is required",
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, facilityID, bonusCode)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	BonusCode     string               `json:"bonusCode"`
	BonusName     string               `json:"bonusName"`
	InsuranceType domain.InsuranceType `json:"insuranceType"`

	// FacilityID empty means a global rule.
	FacilityID string `json:"facilityId,omitempty"`

	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`

	PointsType   domain.PointsType `json:"pointsType"`
	FixedPoints  int               `json:"fixedPoints,omitempty"`
	PointsConfig map[string]int    `json:"pointsConfig,omitempty"`

	ServiceCode  string            `json:"serviceCode,omitempty"`
	ServiceCodes map[string]string `json:"serviceCodes,omitempty"`

	Conditions []domain.ConditionSpec `json:"predefinedConditions"`

	IsActive     bool `json:"isActive"`
	DisplayOrder int  `json:"displayOrder"`
}

// CreateRule creates or replaces a rule definition. Condition specs
// are validated up front so a malformed rule never reaches evaluation.
// After saving, call POST /rules/reload to refresh the catalog cache.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.BonusCode == "" || req.BonusName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bonusCode and bonusName are required",
		})
		return
	}
	if req.InsuranceType != domain.InsuranceMedical && req.InsuranceType != domain.InsuranceLongTermCare {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "insuranceType must be medical or long_term_care",
		})
		return
	}
	if req.ValidFrom.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validFrom is required",
		})
		return
	}
	window := domain.BonusRule{ValidFrom: req.ValidFrom, ValidTo: req.ValidTo}
	if !window.CoversDate(req.ValidFrom) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validTo must not precede validFrom",
		})
		return
	}

	switch req.PointsType {
	case domain.PointsFixed:
		if req.FixedPoints <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "fixedPoints must be positive for a fixed rule",
			})
			return
		}
	case domain.PointsConditional:
		if len(req.PointsConfig) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "pointsConfig is required for a conditional rule",
			})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "pointsType must be fixed or conditional",
		})
		return
	}

	conditions, err := domain.ParseConditionSpecs(req.BonusCode, req.Conditions)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid condition: " + err.Error(),
		})
		return
	}

	rule := &domain.BonusRule{
		BonusCode:     req.BonusCode,
		BonusName:     req.BonusName,
		InsuranceType: req.InsuranceType,
		FacilityID:    req.FacilityID,
		ValidFrom:     req.ValidFrom,
		ValidTo:       req.ValidTo,
		PointsType:    req.PointsType,
		FixedPoints:   req.FixedPoints,
		PointsConfig:  req.PointsConfig,
		ServiceCode:   req.ServiceCode,
		ServiceCodes:  req.ServiceCodes,
		Conditions:    conditions,
		IsActive:      req.IsActive,
		DisplayOrder:  req.DisplayOrder,
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		slog.Error("failed to save rule", "bonus_code", rule.BonusCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule saved", "bonus_code", rule.BonusCode, "facility_id", rule.FacilityID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules invalidates the catalog cache so the next evaluation
// reads fresh rule definitions from the database.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	h.catalog.Invalidate()

	slog.Info("rule catalog invalidated")
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule catalog invalidated; rules reload on next evaluation",
	})
}

// PutFacilityProfile upserts the system-level attributes of a facility.
func (h *Handler) PutFacilityProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := chi.URLParam(r, "id")

	var profile domain.FacilityProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	profile.FacilityID = facilityID
	if err := h.repo.SaveFacilityProfile(ctx, &profile); err != nil {
		slog.Error("failed to save facility profile", "facility_id", facilityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save facility profile",
		})
		return
	}

	writeJSON(w, http.StatusOK, &profile)
}

// PutPatientProfile upserts one patient's evaluation attributes.
func (h *Handler) PutPatientProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	facilityID := GetFacilityID(ctx)
	patientID := chi.URLParam(r, "id")

	var profile domain.PatientProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if profile.BirthDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "birthDate is required",
		})
		return
	}

	profile.PatientID = patientID
	profile.FacilityID = facilityID
	if err := h.repo.SavePatientProfile(ctx, &profile); err != nil {
		slog.Error("failed to save patient profile", "patient_id", patientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save patient profile",
		})
		return
	}

	writeJSON(w, http.StatusOK, &profile)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
