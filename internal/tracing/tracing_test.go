package tracing_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/tracing"
)

func TestSetupWithoutEndpointStillIssuesTraceIDs(t *testing.T) {
	shutdown, err := tracing.Setup(context.Background(), config.Tracing{ServiceName: "isn-test", SampleRatio: 1}, "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	id := tracing.TraceID(ctx)
	if len(id) != 32 {
		t.Fatalf("expected 32 hex trace id, got %q", id)
	}
}

func TestTraceIDEmptyWithoutSpan(t *testing.T) {
	if got := tracing.TraceID(context.Background()); got != "" {
		t.Fatalf("expected empty trace id, got %q", got)
	}
}
