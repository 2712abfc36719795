package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"llmflow/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupNoopAndEmptyExporter(t *testing.T) {
	for _, exp := range []string{"noop", ""} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exp, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("exporter %q: expected noop provider, got %T", exp, otel.GetTracerProvider())
		}
		_ = shutdown(context.Background())
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestSpansAreSafeWhenDisabled(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "workflow.run", StringAttr("workflow", "w"))
	AddEvent(ctx, "state.entered", StringAttr("state", "ask"))
	End(span, errors.New("boom"))
}

func TestEndRecordsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, ok := StartSpan(context.Background(), "ok-span", IntAttr("n", 1))
	End(ok, nil)
	_, bad := StartSpan(context.Background(), "bad-span")
	End(bad, errors.New("model call failed"))

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Status().Code != codes.Ok {
		t.Errorf("ok span status = %v", ended[0].Status())
	}
	if ended[1].Status().Code != codes.Error || ended[1].Status().Description != "model call failed" {
		t.Errorf("bad span status = %v", ended[1].Status())
	}
}
