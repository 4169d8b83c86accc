package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Meter returns the orchestrator's single named meter. Every component takes
// this meter explicitly rather than calling otel.Meter itself, so tests can
// substitute a noop meter without touching the global provider.
func Meter() metric.Meter {
	return otel.Meter("agent-orchestrator")
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns its
// shutdown function. The orchestrator also exposes a pull-style Prometheus
// registry (see PrometheusHandler) so operators who scrape rather than
// collect via OTLP still see subtask/workflow counters.
func InitMetrics(ctx context.Context, service string) func(context.Context) error {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown
}

// promRegistry backs the pull-style /metrics endpoint. It is separate from
// the OTLP meter provider: the orchestrator pushes rich resilience
// instruments via OTLP and additionally exposes a small set of gauges a
// Prometheus scraper can pull directly, without standing up a collector.
var promRegistry = prometheus.NewRegistry()

// PrometheusGauges are the orchestrator-level gauges exposed for scraping.
// cmd/orchestrator's reportGauges refreshes ActiveWorkflows and ActiveAgents
// every 5s; InboxDepth is registered but not set there.
type PrometheusGauges struct {
	ActiveWorkflows prometheus.Gauge
	ActiveAgents    prometheus.Gauge
	InboxDepth      *prometheus.GaugeVec
}

// NewPrometheusGauges registers the orchestrator's pull-metrics surface.
func NewPrometheusGauges() PrometheusGauges {
	g := PrometheusGauges{
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orch_active_workflows",
			Help: "Number of workflows currently executing.",
		}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orch_active_agents",
			Help: "Number of agents registered in the hierarchy.",
		}),
		InboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orch_inbox_depth",
			Help: "Pending message count per agent inbox.",
		}, []string{"agent_id"}),
	}
	promRegistry.MustRegister(g.ActiveWorkflows, g.ActiveAgents, g.InboxDepth)
	return g
}

// PrometheusHandler returns the http.Handler for the pull-metrics endpoint.
func PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}
