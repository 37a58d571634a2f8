// Package traces wires OpenTelemetry into the registry and escrow services.
//
// Every mutating call opens one span named "<component>.<Op>" carrying the
// caller; payouts open a child span carrying the escrow, recipient, amount
// and the gas the receiver hook used. Failed calls record the apperr kind.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/agora/internal/apperr"
)

const tracerName = "github.com/mbd888/agora"

// Config selects the exporter and describes this process.
type Config struct {
	// Endpoint is the OTLP gRPC collector. Empty disables tracing.
	Endpoint string
	Version  string
	Env      string
	// SampleRatio below 1 samples that share of new traces; zero or
	// anything from 1 up samples all of them.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("agora"),
			semconv.ServiceVersion(cfg.Version),
			attribute.String("deployment.environment", cfg.Env),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Call starts the span for one service call.
func Call(ctx context.Context, component, op, caller string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, component+"."+op)
	span.SetAttributes(attribute.String("agora.component", component), Caller(caller))
	span.SetAttributes(attrs...)
	return ctx, span
}

// Annotate adds attributes to the span already open in ctx, once the call
// has learned them.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// Fail marks span failed and tags it with the error's apperr kind.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("agora.error.kind", apperr.KindOf(err).String()))
}

func Caller(addr string) attribute.KeyValue {
	return attribute.String("agora.caller", addr)
}

func Recipient(addr string) attribute.KeyValue {
	return attribute.String("agora.recipient", addr)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("agora.amount", amount)
}

func EscrowID(id string) attribute.KeyValue {
	return attribute.String("agora.escrow.id", id)
}

// GasUsed is the share of the stipend a receiver hook consumed.
func GasUsed(n uint64) attribute.KeyValue {
	return attribute.Int64("agora.receiver.gas_used", int64(n))
}

func InteractionID(id string) attribute.KeyValue {
	return attribute.String("agora.interaction.id", id)
}

func Capability(c string) attribute.KeyValue {
	return attribute.String("agora.capability", c)
}
