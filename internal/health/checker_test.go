package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbuchboeck/EcoFlowMon/internal/cache"
	"github.com/tbuchboeck/EcoFlowMon/internal/quota"
	"github.com/tbuchboeck/EcoFlowMon/pkg/device"
)

type mockComponentChecker struct {
	name      string
	shouldErr bool
	delay     time.Duration
}

func (m *mockComponentChecker) ComponentName() string {
	return m.name
}

func (m *mockComponentChecker) CheckHealth(ctx context.Context) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.shouldErr {
		return fmt.Errorf("mock error for %s", m.name)
	}
	return nil
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker()

	if hc.components == nil || hc.lastChecks == nil {
		t.Fatal("maps should be initialized")
	}
	if hc.startupTime.IsZero() {
		t.Error("startupTime should be set")
	}
	if hc.StartupGrace != 30*time.Second || hc.CheckTimeout != 10*time.Second {
		t.Errorf("unexpected defaults: grace %v, timeout %v", hc.StartupGrace, hc.CheckTimeout)
	}
}

func TestLivenessCheck(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterComponent(&mockComponentChecker{name: "broken", shouldErr: true})

	if err := hc.LivenessCheck(context.Background()); err != nil {
		t.Errorf("liveness must ignore components, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hc.LivenessCheck(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestReadinessCheck(t *testing.T) {
	tests := []struct {
		name        string
		components  []ComponentChecker
		expectError bool
		contains    []string
	}{
		{
			name:        "no components",
			expectError: false,
		},
		{
			name: "all healthy",
			components: []ComponentChecker{
				&mockComponentChecker{name: "collector"},
				&mockComponentChecker{name: "snapshot_cache"},
			},
			expectError: false,
		},
		{
			name: "every failure is reported",
			components: []ComponentChecker{
				&mockComponentChecker{name: "a", shouldErr: true},
				&mockComponentChecker{name: "b"},
				&mockComponentChecker{name: "c", shouldErr: true},
			},
			expectError: true,
			contains:    []string{"component a not ready", "component c not ready"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, comp := range tt.components {
				hc.RegisterComponent(comp)
			}

			err := hc.ReadinessCheck(context.Background())
			if (err != nil) != tt.expectError {
				t.Fatalf("ReadinessCheck() error = %v, expectError %v", err, tt.expectError)
			}
			for _, want := range tt.contains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("expected %q in %q", want, err.Error())
				}
			}
		})
	}
}

func TestStartupCheck(t *testing.T) {
	tests := []struct {
		name        string
		startupTime time.Time
		expectReady bool
	}{
		{"within grace period", time.Now().Add(-10 * time.Second), true},
		{"after grace period", time.Now().Add(-60 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			hc.startupTime = tt.startupTime
			hc.RegisterComponent(&mockComponentChecker{name: "test", shouldErr: true})

			err := hc.StartupCheck(context.Background())
			if tt.expectReady && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
			if !tt.expectReady && err == nil {
				t.Error("expected failure")
			}
		})
	}
}

func TestGetHealthStatus(t *testing.T) {
	hc := NewHealthChecker()
	hc.CheckTimeout = 100 * time.Millisecond
	hc.RegisterComponent(&mockComponentChecker{name: "healthy"})
	hc.RegisterComponent(&mockComponentChecker{name: "unhealthy", shouldErr: true})
	hc.RegisterComponent(&mockComponentChecker{name: "slow", delay: 80 * time.Millisecond})

	status := hc.GetHealthStatus(context.Background())

	if status.Overall != StatusUnhealthy {
		t.Errorf("expected overall unhealthy, got %s", status.Overall)
	}
	if len(status.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(status.Checks))
	}
	if status.Checks["healthy"].Status != StatusHealthy {
		t.Error("healthy component should be healthy")
	}
	if status.Checks["healthy"].LastSuccess == nil {
		t.Error("healthy component should record last success")
	}
	if status.Checks["unhealthy"].Status != StatusUnhealthy {
		t.Error("unhealthy component should be unhealthy")
	}
	if status.Checks["slow"].Status != StatusDegraded {
		t.Error("slow component should be degraded")
	}
}

func TestGetHealthStatusKeepsLastSuccess(t *testing.T) {
	hc := NewHealthChecker()
	comp := &mockComponentChecker{name: "flaky"}
	hc.RegisterComponent(comp)

	first := hc.GetHealthStatus(context.Background())
	succeeded := first.Checks["flaky"].LastSuccess
	if succeeded == nil {
		t.Fatal("expected last success after healthy check")
	}

	comp.shouldErr = true
	second := hc.GetHealthStatus(context.Background())
	got := second.Checks["flaky"].LastSuccess
	if got == nil || !got.Equal(*succeeded) {
		t.Errorf("expected last success %v to be carried over, got %v", succeeded, got)
	}
}

func TestCacheHealthChecker(t *testing.T) {
	snapshots := cache.NewMetricsCache(nil)
	checker := NewCacheHealthChecker(snapshots, time.Minute)

	if checker.ComponentName() != "snapshot_cache" {
		t.Errorf("unexpected component name %s", checker.ComponentName())
	}
	if err := checker.CheckHealth(context.Background()); err != nil {
		t.Errorf("empty cache should be healthy, got %v", err)
	}

	snapshots.Set(device.Device{SN: "SN1", Name: "dev"}, quota.Mapping{})
	if err := checker.CheckHealth(context.Background()); err != nil {
		t.Errorf("fresh cache should be healthy, got %v", err)
	}

	stale := NewCacheHealthChecker(snapshots, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if err := stale.CheckHealth(context.Background()); err == nil {
		t.Error("expected staleness error")
	}

	if err := NewCacheHealthChecker(snapshots, 0).CheckHealth(context.Background()); err != nil {
		t.Errorf("zero max age disables staleness, got %v", err)
	}
	if err := NewCacheHealthChecker(nil, time.Minute).CheckHealth(context.Background()); err == nil {
		t.Error("expected error with nil cache")
	}
}

func TestWriteHealthResponse(t *testing.T) {
	status := HealthStatus{
		Overall: StatusUnhealthy,
		Checks: map[string]CheckResult{
			"collector": {
				Component: "collector",
				Status:    StatusUnhealthy,
				Message:   `collector is "uninitialized"`,
				Timestamp: time.Now(),
			},
		},
	}

	w := httptest.NewRecorder()
	WriteHealthResponse(w, status, http.StatusServiceUnavailable)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}

	var body struct {
		Status Status                 `json:"status"`
		Checks map[string]CheckResult `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", body.Status)
	}
	if body.Checks["collector"].Message != `collector is "uninitialized"` {
		t.Errorf("message not escaped correctly: %q", body.Checks["collector"].Message)
	}
}

func TestDetermineHTTPStatus(t *testing.T) {
	tests := []struct {
		status   Status
		expected int
	}{
		{StatusHealthy, http.StatusOK},
		{StatusDegraded, http.StatusOK},
		{StatusUnhealthy, http.StatusServiceUnavailable},
		{Status("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := DetermineHTTPStatus(tt.status); got != tt.expected {
				t.Errorf("DetermineHTTPStatus(%s) = %d, expected %d", tt.status, got, tt.expected)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	hc := NewHealthChecker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			hc.RegisterComponent(&mockComponentChecker{name: fmt.Sprintf("comp-%d", id)})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if status := hc.GetHealthStatus(context.Background()); len(status.Checks) != 10 {
				t.Errorf("expected 10 checks, got %d", len(status.Checks))
			}
		}()
	}
	wg.Wait()
}
