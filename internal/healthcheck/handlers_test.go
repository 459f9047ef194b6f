package healthcheck

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthHandlerHealthy(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCycle("health", 5*time.Second, 150*time.Millisecond, 3)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := HealthHandler(tracker)
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	loop, ok := payload.Loops["health"]
	if !ok {
		t.Fatalf("expected health loop in snapshot: %+v", payload)
	}
	if loop.LastCycleTime == nil {
		t.Fatalf("expected last cycle time to be set")
	}
	if loop.ServicesChecked != 3 {
		t.Fatalf("expected 3 services checked, got %d", loop.ServicesChecked)
	}
	if loop.CycleDurationMS != 150 {
		t.Fatalf("expected duration 150ms, got %d", loop.CycleDurationMS)
	}
}

func TestHealthHandlerUnhealthyWhenStale(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCycle("health", 3*time.Second, 10*time.Millisecond, 1)
	tracker.mu.Lock()
	cycle := tracker.loops["health"]
	cycle.last = time.Now().Add(-10 * time.Second)
	tracker.loops["health"] = cycle
	tracker.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := HealthHandler(tracker)
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthHandlerRequiresAllLoopsFresh(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCycle("health", 5*time.Second, time.Millisecond, 1)
	tracker.RecordCycle("resource", time.Second, time.Millisecond, 1)
	tracker.mu.Lock()
	cycle := tracker.loops["resource"]
	cycle.last = time.Now().Add(-time.Minute)
	tracker.loops["resource"] = cycle
	tracker.mu.Unlock()

	rec := httptest.NewRecorder()
	HealthHandler(tracker)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("one stale loop must fail the check, got %d", rec.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	tracker := NewTracker()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	handler := ReadyHandler(tracker)
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	tracker.RecordCycle("health", time.Second, 5*time.Millisecond, 1)
	rec = httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after ready, got %d", rec.Code)
	}
}
