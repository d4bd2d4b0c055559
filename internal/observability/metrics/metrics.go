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

// Metrics exposes reconciliation instruments.
type Metrics struct {
	poolChanges         metric.Int64Counter
	entitlementsRevoked metric.Int64Counter
	certsRegenerated    metric.Int64Counter
	productsInterned    metric.Int64Counter
	refreshJobs         metric.Int64Counter
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "poolsync"
	}
	meter := provider.Meter(name)

	poolChanges, err := meter.Int64Counter("poolsync_pool_changes_total")
	if err != nil {
		return nil, err
	}
	entitlementsRevoked, err := meter.Int64Counter("poolsync_entitlements_revoked_total")
	if err != nil {
		return nil, err
	}
	certsRegenerated, err := meter.Int64Counter("poolsync_certificates_regenerated_total")
	if err != nil {
		return nil, err
	}
	productsInterned, err := meter.Int64Counter("poolsync_products_interned_total")
	if err != nil {
		return nil, err
	}
	refreshJobs, err := meter.Int64Counter("poolsync_refresh_jobs_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		poolChanges:         poolChanges,
		entitlementsRevoked: entitlementsRevoked,
		certsRegenerated:    certsRegenerated,
		productsInterned:    productsInterned,
		refreshJobs:         refreshJobs,
	}, nil
}

// NewNop returns instruments backed by a noop provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordPoolChange counts pool creations, updates and deletions.
func (m *Metrics) RecordPoolChange(ctx context.Context, action, poolType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("pool_type", strings.TrimSpace(poolType)),
	)
	m.poolChanges.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordEntitlementsRevoked(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.entitlementsRevoked.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCertificatesRegenerated(ctx context.Context, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.certsRegenerated.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

// RecordProductsInterned counts interned products by whether a canonical row was created or reused.
func (m *Metrics) RecordProductsInterned(ctx context.Context, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.productsInterned.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRefreshJob(ctx context.Context, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("state", strings.TrimSpace(state)))
	m.refreshJobs.Add(ctx, 1, metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"action":      {},
	"pool_type":   {},
	"reason":      {},
	"kind":        {},
	"outcome":     {},
	"state":       {},
	"endpoint":    {},
	"method":      {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Owner keys and pool ids are never allowed.
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
