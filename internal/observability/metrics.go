package observability

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

var (
	// TelemetrySystem receives every counter, gauge and histogram the bot
	// records (shards, dispatch, tracking, HTTP).
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves TelemetrySystem in Prometheus text format.
	PrometheusExporter *exporters.PrometheusExporter

	// metricsPort is the port the exporter bound, or 0 before InitMetrics.
	metricsPort int
)

// ErrMetricsDisabled is returned by MetricsReady when InitMetrics has not
// run or the exporter was stopped.
var ErrMetricsDisabled = errors.New("telemetry system not initialized")

// InitMetrics starts the Prometheus exporter and points TelemetrySystem at
// it. Metric names are prefixed with namespace. Port 0 picks a free port;
// GetMetricsPort reports the bound one.
func InitMetrics(namespace string, port int) error {
	if port < 0 {
		port = 0
	}
	exporter := exporters.NewPrometheusExporter(namespace, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}

	bound, err := resolvePort(exporter.GetAddr())
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("resolve exporter address %q: %w", exporter.GetAddr(), err)
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: exporter})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	metricsPort = bound
	return nil
}

// StopMetrics shuts the exporter down. It must run after the HTTP server
// stopped proxying /metrics.
func StopMetrics() error {
	exporter := PrometheusExporter
	PrometheusExporter = nil
	metricsPort = 0
	if exporter == nil {
		return nil
	}
	return exporter.Stop()
}

// MetricsReady reports whether metrics are being exported.
func MetricsReady() error {
	if TelemetrySystem == nil || PrometheusExporter == nil {
		return ErrMetricsDisabled
	}
	return nil
}

// GetMetricsPort returns the port the Prometheus exporter is listening on
func GetMetricsPort() int {
	return metricsPort
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
