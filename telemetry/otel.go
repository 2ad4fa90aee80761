package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/runflow-dev/workflow"

// OTelEmitter implements Emitter by writing OpenTelemetry log records,
// grounded on nevindra-oasis's observer.Init/Instruments.Logger pattern but
// scoped to logs only: queue.Enqueue already propagates trace context for
// spans, and metrics is Prometheus-only per the DOMAIN STACK split.
type OTelEmitter struct {
	logger otellog.Logger
}

// NewOTelEmitter wraps an OpenTelemetry logger (typically
// global.GetLoggerProvider().Logger(...)) as an Emitter.
func NewOTelEmitter(logger otellog.Logger) *OTelEmitter {
	return &OTelEmitter{logger: logger}
}

// Emit implements Emitter, translating event into a log Record with
// RunID/StepID as attributes and Meta flattened onto it.
func (o *OTelEmitter) Emit(event Event) {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(event.Msg))
	rec.AddAttributes(otellog.String("workflow.run_id", event.RunID))
	if event.StepID != "" {
		rec.AddAttributes(otellog.String("workflow.step_id", event.StepID))
	}
	for k, v := range event.Meta {
		rec.AddAttributes(metaAttribute(k, v))
	}
	o.logger.Emit(context.Background(), rec)
}

func metaAttribute(key string, value any) otellog.KeyValue {
	switch v := value.(type) {
	case string:
		return otellog.String(key, v)
	case int:
		return otellog.Int(key, v)
	case int64:
		return otellog.Int64(key, v)
	case float64:
		return otellog.Float64(key, v)
	case bool:
		return otellog.Bool(key, v)
	default:
		return otellog.String(key, fmt.Sprintf("%v", v))
	}
}

// InitOTelLogging builds an OTLP-over-HTTP log provider and registers it as
// the global OpenTelemetry logger provider, per standard OTEL_EXPORTER_OTLP_*
// environment variables. The returned shutdown func must be called on
// process exit to flush buffered records.
func InitOTelLogging(ctx context.Context) (*OTelEmitter, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("workflow")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: otlp log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	logger := global.GetLoggerProvider().Logger(scopeName)
	return NewOTelEmitter(logger), lp.Shutdown, nil
}

var _ Emitter = (*OTelEmitter)(nil)
