package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func restoreGlobal(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		otel.SetTextMapPropagator(prevProp)
	})
}

func TestSetup_NoopWhenDisabled(t *testing.T) {
	restoreGlobal(t)
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), Config{Endpoint: "http://localhost:4318", ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled setup should not replace the global provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	restoreGlobal(t)

	shutdown, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetup_InstallsProvider(t *testing.T) {
	restoreGlobal(t)

	// Non-routable address so no export actually happens.
	shutdown, err := Setup(context.Background(), Config{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "statesync-test",
		NodeID:      "node-a",
		SampleRatio: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider: got %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
