package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nullterra/agentvmd/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for range 3 {
		e := &model.Execution{
			ID:        model.NewID(),
			Status:    model.StatusPending,
			RiskLevel: model.RiskLow,
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		if err := srv.store.UpdateExecutionStatus(ctx, e.ID, model.StatusRunning); err != nil {
			t.Fatalf("pending->running: %v", err)
		}
		dur := 100
		completed := &model.Execution{
			ID: e.ID, Status: model.StatusCompleted,
			DurationMS: &dur, StartedAt: ptrTime(time.Now()), FinishedAt: ptrTime(time.Now()),
		}
		if err := srv.store.UpdateExecution(ctx, completed); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}
	}

	fe := &model.Execution{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		RiskLevel: model.RiskHigh,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateExecution(ctx, fe); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := srv.store.UpdateExecutionStatus(ctx, fe.ID, model.StatusFailed); err != nil {
		t.Fatalf("pending->failed: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.ByRisk[model.RiskLow] != 3 {
		t.Errorf("by_risk[low] = %d, want 3", stats.ByRisk[model.RiskLow])
	}
	if stats.ByRisk[model.RiskHigh] != 1 {
		t.Errorf("by_risk[high] = %d, want 1", stats.ByRisk[model.RiskHigh])
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
