package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracing for decision calls: suggest, learn, route hot-load and publish.

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.1.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true,
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("policyhive")
	}

	// Create OTLP exporter
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.CollectorEndpoint)}
	if config.CollectorInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider with sampling
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	// Use context with timeout for shutdown
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	// Add attributes if provided
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for decision spans
const (
	// Policy attributes
	AttrPolicyName = attribute.Key("policy.name")
	AttrPolicyKind = attribute.Key("policy.kind")
	AttrMode       = attribute.Key("policy.mode")
	AttrAction     = attribute.Key("policy.action")
	AttrReward     = attribute.Key("policy.reward")

	// Experiment attributes
	AttrExperimentID     = attribute.Key("experiment.id")
	AttrExperimentType   = attribute.Key("experiment.type")
	AttrExperimentStatus = attribute.Key("experiment.status")

	// Route attributes
	AttrRouteID      = attribute.Key("route.id")
	AttrRouteVersion = attribute.Key("route.version")
	AttrRouteStatus  = attribute.Key("route.status")
	AttrLift         = attribute.Key("route.lift")
	AttrShadowNeeded = attribute.Key("route.shadow_samples_needed")

	// Split attributes
	AttrSegment     = attribute.Key("split.segment")
	AttrSplitPolicy = attribute.Key("split.policy")
)

func PolicyAttributes(name, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyName.String(name),
		AttrPolicyKind.String(kind),
	}
}

func DecisionAttributes(mode, action string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrMode.String(mode),
	}
	if action != "" {
		attrs = append(attrs, AttrAction.String(action))
	}
	return attrs
}

func ExperimentAttributes(id, expType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExperimentID.String(id),
		AttrExperimentType.String(expType),
		AttrExperimentStatus.String(status),
	}
}

func RouteAttributes(routeID string, version int, status string, lift float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRouteID.String(routeID),
		AttrRouteVersion.Int(version),
		AttrRouteStatus.String(status),
		AttrLift.Float64(lift),
	}
}

func SplitAttributes(segment, policy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSegment.String(segment),
		AttrSplitPolicy.String(policy),
	}
}
