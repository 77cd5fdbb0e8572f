package core

import (
	"feedformula/pkg/domain"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultVATRate is applied to local cost fallbacks when none is configured.
var DefaultVATRate = decimal.RequireFromString("0.19")

type serviceOptions struct {
	clock    Clock
	logger   Logger
	audit    AuditRecorder
	metrics  MetricsRecorder
	tracer   Tracer
	exporter domain.Exporter
	stages   []Stage
	vatRate  decimal.Decimal
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:  noopLogger{},
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		stages:  domain.DefaultStages(),
		vatRate: DefaultVATRate,
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder sets the recorder receiving mutation audit entries.
func WithAuditRecorder(audit AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if audit != nil {
			o.audit = audit
		}
	}
}

// WithMetricsRecorder sets the operation metrics recorder.
func WithMetricsRecorder(metrics MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithExporter sets the export collaborator used by Service.Export.
func WithExporter(exporter domain.Exporter) ServiceOption {
	return func(o *serviceOptions) {
		o.exporter = exporter
	}
}

// WithStages replaces the stage catalogue. An empty slice keeps the defaults.
func WithStages(stages []Stage) ServiceOption {
	return func(o *serviceOptions) {
		if len(stages) > 0 {
			o.stages = append([]Stage(nil), stages...)
		}
	}
}

// WithVATRate sets the tax rate used when costs must be computed locally.
func WithVATRate(rate decimal.Decimal) ServiceOption {
	return func(o *serviceOptions) {
		if !rate.IsNegative() {
			o.vatRate = rate
		}
	}
}
