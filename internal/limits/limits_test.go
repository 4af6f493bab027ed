package limits

import (
	"context"
	"testing"
	"time"

	"github.com/opencare-jp/kasan/internal/domain"
)

func TestPassAccumulator(t *testing.T) {
	acc := NewPassAccumulator()
	ctx := context.Background()
	ec := &domain.EvaluationContext{Visit: &domain.Visit{
		ID:         "v-02",
		PatientID:  "patient-001",
		FacilityID: "FAC001",
		VisitDate:  time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
	}}

	n, err := acc.CountOthers(ctx, ec, "24h_response_system_basic")
	if err != nil {
		t.Fatalf("CountOthers failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty accumulator to count 0, got %d", n)
	}

	acc.Record([]*domain.BonusDecision{
		{VisitID: "v-01", BonusCode: "24h_response_system_basic"},
		{VisitID: "v-01", BonusCode: "emergency_visit"},
	})

	n, _ = acc.CountOthers(ctx, ec, "24h_response_system_basic")
	if n != 1 {
		t.Errorf("expected 1 prior application, got %d", n)
	}
	n, _ = acc.CountOthers(ctx, ec, "special_management")
	if n != 0 {
		t.Errorf("expected 0 for an unrecorded code, got %d", n)
	}

	acc.Record([]*domain.BonusDecision{
		{VisitID: "v-02", BonusCode: "24h_response_system_basic"},
	})
	n, _ = acc.CountOthers(ctx, ec, "24h_response_system_basic")
	if n != 2 {
		t.Errorf("expected 2 after a second recording, got %d", n)
	}
}
