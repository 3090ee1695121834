package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	BackendStarts        prometheus.Counter
	BackendStartFailures prometheus.Counter
	RoleSwitches         prometheus.Counter
	VisibleTools         prometheus.Gauge
	GatewayToolCalls     prometheus.Counter
	BackendToolCalls     prometheus.Counter
	ToolCallsDenied      prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide Metrics singleton, registering
// collectors with the default registry on first call.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			BackendStarts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rolegate_backend_starts_total",
				Help: "Total number of backend handshakes that completed successfully",
			}),
			BackendStartFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rolegate_backend_start_failures_total",
				Help: "Total number of backend handshakes that failed",
			}),
			RoleSwitches: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rolegate_role_switches_total",
				Help: "Total number of times the active role changed",
			}),
			VisibleTools: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "rolegate_visible_tools",
				Help: "Number of tools currently visible under the active role",
			}),
			GatewayToolCalls: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rolegate_gateway_tool_calls_total",
				Help: "Total number of tools/call requests handled locally by the router core",
			}),
			BackendToolCalls: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rolegate_backend_tool_calls_total",
				Help: "Total number of tools/call requests routed to a backend",
			}),
			ToolCallsDenied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rolegate_tool_calls_denied_total",
				Help: "Total number of tools/call requests rejected by the visibility engine or by input-schema validation",
			}),
		}
	})
	return metricsInstance
}
