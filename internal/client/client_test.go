package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crm_autotask/internal/domain"
)

func TestForceRunConflictIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/daemon/force" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "scheduler run already executing"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).ForceRun(context.Background())
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err.Error() != "http 409: scheduler run already executing" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestTasksEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "pending,overdue" {
			t.Errorf("status=%q", got)
		}
		if got := r.URL.Query().Get("agent_id"); got != "a-1" {
			t.Errorf("agent_id=%q", got)
		}
		_ = json.NewEncoder(w).Encode([]domain.Task{{ID: "t-1", Status: domain.TaskStatusPending}})
	}))
	defer srv.Close()

	tasks, err := New(srv.URL, time.Second).Tasks(context.Background(), "a-1", domain.TaskStatusPending, domain.TaskStatusOverdue)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t-1" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestStartDaemonSendsInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req["interval_minutes"] != 15 {
			t.Errorf("interval_minutes=%v", req["interval_minutes"])
		}
		_, _ = w.Write([]byte(`{"is_running":true,"config":{"EXECUTION_INTERVAL_MINUTES":15}}`))
	}))
	defer srv.Close()

	status, err := New(srv.URL, time.Second).StartDaemon(context.Background(), 15)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !status.IsRunning || status.Config.ExecutionIntervalMinutes != 15 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestNewNormalizesAddress(t *testing.T) {
	cases := map[string]string{
		":8092":                  "http://localhost:8092",
		"localhost:8092/":        "http://localhost:8092",
		"https://crm.example.io": "https://crm.example.io",
	}
	for in, want := range cases {
		if got := New(in, 0).BaseURL(); got != want {
			t.Fatalf("New(%q).BaseURL()=%q want %q", in, got, want)
		}
	}
}
