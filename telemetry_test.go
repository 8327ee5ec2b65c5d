package heapgate

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/heapgate/internal/testlog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:55680", otlpTarget{protocol: "grpc", endpoint: "collector:55680", insecure: true}},
		{"grpc://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"grpcs://collector:443", otlpTarget{protocol: "grpc", endpoint: "collector:443"}},
		{"http://collector", otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{"https://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), " ", "", "", false, testlog.New())
	if err != nil || bundle != nil {
		t.Fatalf("expected no telemetry, got %v %v", bundle, err)
	}
	if _, err := setupTelemetry(context.Background(), "", "", "", true, testlog.New()); err == nil {
		t.Fatalf("profiling metrics without a metrics listener must fail")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	logs := testlog.New()
	bundle, err := setupTelemetry(context.Background(), "", "127.0.0.1:0", "", false, logs)
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bundle.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()
	if bundle.instanceID == "" {
		t.Fatalf("expected a service instance id")
	}
	resp, err := http.Get("http://" + bundle.metricsLn.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "target_info") {
		t.Fatalf("expected otel target_info in scrape output:\n%s", body)
	}
	if _, ok := logs.Find("telemetry.metrics.enabled"); !ok {
		t.Fatalf("expected metrics enabled log")
	}
}
