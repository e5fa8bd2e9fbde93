package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerProvider_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), "", "fulfillment", "test")
	if err != nil {
		t.Fatalf("InitTracerProvider error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestInitMeterProvider_ExposesMetrics(t *testing.T) {
	handler, shutdown, err := InitMeterProvider("fulfillment", "test")
	if err != nil {
		t.Fatalf("InitMeterProvider error: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	counter, err := otel.Meter("test").Int64Counter("test_events_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "test_events_total") {
		t.Fatalf("metrics output does not contain counter:\n%s", body)
	}
}
