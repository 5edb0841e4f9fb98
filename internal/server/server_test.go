package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbuchboeck/EcoFlowMon/internal/api"
	"github.com/tbuchboeck/EcoFlowMon/internal/cache"
	"github.com/tbuchboeck/EcoFlowMon/internal/config"
	"github.com/tbuchboeck/EcoFlowMon/internal/health"
	"github.com/tbuchboeck/EcoFlowMon/internal/metrics"
)

// newVendorAPI serves a two-device account; the second device is offline
// and reports a nested snapshot.
func newVendorAPI(t *testing.T) *httptest.Server {
	t.Helper()

	write := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "message": "Success", "data": data})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /iot-open/sign/device/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("accessKey") == "" || r.Header.Get("sign") == "" {
			t.Errorf("unsigned request to %s", r.URL.Path)
		}
		write(w, []map[string]any{
			{"sn": "R601ZEB4", "productName": "RIVER 2", "online": 1},
			{"sn": "P2EB1234", "deviceName": "Garage", "online": 0},
		})
	})
	mux.HandleFunc("GET /iot-open/sign/device/quota/all", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("sn") {
		case "R601ZEB4":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"code":"0","message":"Success","data":{"pd.soc":87,"pd.remainTime":"340","inv.outputWatts":120.5,"pd.model":"RIVER"}}`)
		case "P2EB1234":
			write(w, map[string]any{"bms": map[string]any{"soc": 55, "cells": []int{1, 2}}})
		default:
			http.NotFound(w, r)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEndToEndExposition(t *testing.T) {
	vendor := newVendorAPI(t)

	registry := metrics.NewRegistry()
	snapshots := cache.NewMetricsCache(registry.Registerer())
	client := api.NewClient(api.ClientConfig{
		BaseURL:   vendor.URL,
		AccessKey: "access",
		SecretKey: "secret",
		Timeout:   5 * time.Second,
		Observer:  registry.Self(),
	})
	collector := metrics.NewCollector(client, snapshots, registry.Self())
	scheduler := metrics.NewScheduler(collector, registry, time.Minute)

	devices, err := collector.Initialize(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	n, err := scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	cfg := config.Defaults()
	cfg.HTTPRateLimit = 0
	srv := New(cfg, NewHandlers(Dependencies{Registry: registry, Collector: collector}), NewShutdownManager(time.Second, nil))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()

	for _, line := range []string{
		`ecoflow_pd_soc{device_name="RIVER 2",device_sn="R601ZEB4",online="1"} 87`,
		`ecoflow_pd_remainTime{device_name="RIVER 2",device_sn="R601ZEB4",online="1"} 340`,
		`ecoflow_inv_outputWatts{device_name="RIVER 2",device_sn="R601ZEB4",online="1"} 120.5`,
		`ecoflow_device_online{device_name="RIVER 2",device_sn="R601ZEB4",online="1"} 1`,
		`ecoflow_bms_soc{device_name="Garage",device_sn="P2EB1234",online="0"} 55`,
		`ecoflow_device_online{device_name="Garage",device_sn="P2EB1234",online="0"} 0`,
		`# HELP ecoflow_pd_soc EcoFlow pd.soc for RIVER 2`,
		`# TYPE ecoflow_pd_soc gauge`,
	} {
		assert.Contains(t, body, line)
	}
	assert.NotContains(t, body, "pd_model", "non-numeric strings are dropped")
	assert.NotContains(t, body, "cells", "lists are dropped")

	assert.Contains(t, body, `ecoflowmon_api_call_duration_seconds_count{endpoint="/iot-open/sign/device/list",status="success"} 1`)
	assert.Contains(t, body, "ecoflowmon_cache_entries 2")
	assert.Contains(t, body, "go_goroutines")
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestServerMiddleware(t *testing.T) {
	cfg := config.Defaults()
	cfg.HTTPRateLimit = 1
	srv := New(cfg, NewHandlers(Dependencies{Registry: metrics.NewRegistry()}), NewShutdownManager(time.Second, nil))

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "DENY", first.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", first.Header().Get("Cache-Control"))

	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "nosniff", second.Header().Get("X-Content-Type-Options"))
}

func TestNewRateLimiter(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0))
	assert.Nil(t, NewRateLimiter(-1))
	assert.NotNil(t, NewRateLimiter(0.5))
}

func TestServeStopsOnContextCancel(t *testing.T) {
	cfg := config.Defaults()
	shutdown := NewShutdownManager(5*time.Second, nil)
	hc := health.NewHealthChecker()
	hc.RegisterComponent(shutdown)
	srv := New(cfg, NewHandlers(Dependencies{Registry: metrics.NewRegistry(), Health: hc}), shutdown)

	stopped := false
	shutdown.RegisterHook(ShutdownHook{
		Name: "scheduler",
		Handler: func(context.Context) error {
			stopped = true
			return nil
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, namedListener{name: "local", ln: ln}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", strings.TrimSpace(string(b)))

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.True(t, stopped, "shutdown hooks must run")
	assert.True(t, shutdown.IsShuttingDown())

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "listener must be closed")
}
