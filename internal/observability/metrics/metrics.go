package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes charge pipeline instruments.
type Metrics struct {
	chargeAttempts   metric.Int64Counter
	declines         metric.Int64Counter
	retriesScheduled metric.Int64Counter
	gatewayLatency   metric.Float64Histogram
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the charge pipeline instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "rebill"
	}
	meter := provider.Meter(name)

	chargeAttempts, err := meter.Int64Counter("rebill_charge_attempts_total")
	if err != nil {
		return nil, err
	}
	declines, err := meter.Int64Counter("rebill_declines_total")
	if err != nil {
		return nil, err
	}
	retriesScheduled, err := meter.Int64Counter("rebill_retries_scheduled_total")
	if err != nil {
		return nil, err
	}
	gatewayLatency, err := meter.Float64Histogram("rebill_gateway_latency_seconds")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("rebill_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		chargeAttempts:   chargeAttempts,
		declines:         declines,
		retriesScheduled: retriesScheduled,
		gatewayLatency:   gatewayLatency,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordChargeAttempt counts a gateway charge by initiator (cit/mit) and outcome.
func (m *Metrics) RecordChargeAttempt(ctx context.Context, initiator, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("initiator", strings.TrimSpace(initiator)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.chargeAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDecline(ctx context.Context, category string, willRetry bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("category", strings.TrimSpace(category)),
		attribute.Bool("will_retry", willRetry),
	)
	m.declines.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRetryScheduled(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.Int("attempt", attempt))
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ObserveGatewayLatency records the round trip of a single gateway call.
func (m *Metrics) ObserveGatewayLatency(ctx context.Context, provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.gatewayLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Subscription and customer identifiers are deliberately absent.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"initiator":   {},
	"status":      {},
	"category":    {},
	"will_retry":  {},
	"attempt":     {},
	"provider":    {},
	"endpoint":    {},
	"status_code": {},
	"method":      {},
	"route":       {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
