// Package receipt aggregates committed bonus decisions into the
// per-patient monthly claim summary.
package receipt

import (
	"context"
	"sort"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

// Line is one per-rule row of the claim audit trail.
type Line struct {
	BonusCode   string               `json:"bonusCode"`
	RuleName    string               `json:"ruleName,omitempty"`
	ServiceCode string               `json:"serviceCode"`
	Insurance   domain.InsuranceType `json:"insuranceType"`
	Count       int                  `json:"count"`
	Points      int                  `json:"points"`
	VisitIDs    []string             `json:"visitIds"`
}

// Summary is the monthly aggregation consumed by the claim renderer.
type Summary struct {
	PatientID  string     `json:"patientId"`
	FacilityID string     `json:"facilityId"`
	Year       int        `json:"year"`
	Month      time.Month `json:"month"`

	TotalPoints int                          `json:"totalPoints"`
	ByInsurance map[domain.InsuranceType]int `json:"byInsurance"`
	Lines       []Line                       `json:"lines"`
}

// Service reads committed decisions; it never mutates them.
type Service struct {
	repo domain.Repository
}

// NewService creates a receipt summary service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Summarize totals the decisions of one patient-month per rule and
// service code.
func (s *Service) Summarize(ctx context.Context, patientID, facilityID string, year int, month time.Month) (*Summary, error) {
	key := domain.MonthKey{PatientID: patientID, FacilityID: facilityID, Year: year, Month: month}

	decisions, err := s.repo.ListMonthDecisions(ctx, key)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		PatientID:   patientID,
		FacilityID:  facilityID,
		Year:        year,
		Month:       month,
		ByInsurance: make(map[domain.InsuranceType]int),
	}

	type lineKey struct {
		code    string
		service string
	}
	lines := make(map[lineKey]*Line)

	for _, d := range decisions {
		k := lineKey{code: d.BonusCode, service: d.SelectedServiceCode}
		line, ok := lines[k]
		if !ok {
			line = &Line{
				BonusCode:   d.BonusCode,
				RuleName:    d.Details.RuleName,
				ServiceCode: d.SelectedServiceCode,
				Insurance:   d.InsuranceType,
			}
			lines[k] = line
		}
		line.Count++
		line.Points += d.CalculatedPoints
		line.VisitIDs = append(line.VisitIDs, d.VisitID)

		summary.TotalPoints += d.CalculatedPoints
		summary.ByInsurance[d.InsuranceType] += d.CalculatedPoints
	}

	for _, line := range lines {
		summary.Lines = append(summary.Lines, *line)
	}
	sort.Slice(summary.Lines, func(i, j int) bool {
		if summary.Lines[i].BonusCode != summary.Lines[j].BonusCode {
			return summary.Lines[i].BonusCode < summary.Lines[j].BonusCode
		}
		return summary.Lines[i].ServiceCode < summary.Lines[j].ServiceCode
	})

	return summary, nil
}
