package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}

	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}

	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}

	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestPolicyAttributes(t *testing.T) {
	attrs := PolicyAttributes("pricing.oaa", "pricing")

	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes, got %d", len(attrs))
	}

	found := false
	for _, attr := range attrs {
		if attr.Key == AttrPolicyName && attr.Value.AsString() == "pricing.oaa" {
			found = true
			break
		}
	}
	if !found {
		t.Error("policy name attribute not found")
	}
}

func TestDecisionAttributes(t *testing.T) {
	attrs := DecisionAttributes("exploit", "quote")
	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes with action, got %d", len(attrs))
	}

	attrs = DecisionAttributes("explore", "")
	if len(attrs) != 1 {
		t.Errorf("Expected 1 attribute without action, got %d", len(attrs))
	}
}

func TestExperimentAttributes(t *testing.T) {
	attrs := ExperimentAttributes("exp-1", "connector", "active")

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}

func TestRouteAttributes(t *testing.T) {
	attrs := RouteAttributes("pricing_oaa", 3, "loaded", 0.12)

	if len(attrs) != 4 {
		t.Errorf("Expected 4 attributes, got %d", len(attrs))
	}
	if attrs[1].Value.AsInt64() != 3 {
		t.Errorf("Expected version 3, got %d", attrs[1].Value.AsInt64())
	}
}

func TestSplitAttributes(t *testing.T) {
	attrs := SplitAttributes("enterprise", "premium")

	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes, got %d", len(attrs))
	}
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// This will use the global no-op tracer since we haven't initialized OTel
	ctx, span := StartSpan(ctx, "test-tracer", "test-span",
		attribute.String("test.key", "test.value"),
	)

	if ctx == nil {
		t.Error("Context should not be nil")
	}

	if span == nil {
		t.Error("Span should not be nil")
	}

	span.End()
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()
	_, span := StartSpan(ctx, "test-tracer", "test-span")

	// Should not panic
	RecordError(span, nil, "")
	RecordError(span, nil, "test message")

	span.End()
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()
	_, span := StartSpan(ctx, "test-tracer", "test-span")

	// Should not panic
	AddEvent(span, "test-event")
	AddEvent(span, "test-event-with-attrs",
		attribute.String("key", "value"),
	)

	span.End()
}
