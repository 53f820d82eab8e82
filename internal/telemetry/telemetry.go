// Package telemetry provides OpenTelemetry metrics for worktree-registry.
//
// Metrics are disabled by default; the global meter provider is a no-op
// and recording costs nothing.
//
//	WTREG_OTEL_STDOUT=true   export metrics to stdout on shutdown (dev mode)
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "github.com/shinji-kodama/worktree-registry"

var shutdownFns []func(context.Context) error

// Enabled reports whether metric export is active.
func Enabled() bool {
	return os.Getenv("WTREG_OTEL_STDOUT") == "true"
}

// Init installs the meter provider. Without WTREG_OTEL_STDOUT=true a no-op
// provider is installed and Init returns immediately.
func Init(_ context.Context) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
	))
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Shutdown flushes pending metrics and shuts the provider down.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Instruments holds every counter the registry records.
type Instruments struct {
	PortsAllocated    metric.Int64Counter
	PortsReleased     metric.Int64Counter
	ConflictsDetected metric.Int64Counter
	StaleFound        metric.Int64Counter
	HealthProbes      metric.Int64Counter
	RegistryWrites    metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     *Instruments
)

// Get returns the process-wide instruments, creating them on first use
// from the global meter provider.
func Get() *Instruments {
	instOnce.Do(func() {
		inst = newInstruments(otel.Meter(instrumentationScope))
	})
	return inst
}

func newInstruments(m metric.Meter) *Instruments {
	noop := metricnoop.NewMeterProvider().Meter(instrumentationScope)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = noop.Int64Counter(name)
		}
		return c
	}
	return &Instruments{
		PortsAllocated:    counter("wtreg.ports.allocated", "Ports reserved for a worktree"),
		PortsReleased:     counter("wtreg.ports.released", "Port reservations removed"),
		ConflictsDetected: counter("wtreg.conflicts.detected", "Port conflicts found, by class"),
		StaleFound:        counter("wtreg.stale.found", "Stale entries found, by reason"),
		HealthProbes:      counter("wtreg.health.probes", "Health probes completed, by status"),
		RegistryWrites:    counter("wtreg.registry.writes", "Committed registry document writes"),
	}
}

// With returns an attribute option for a single key/value pair.
func With(key, value string) metric.AddOption {
	return metric.WithAttributes(attribute.String(key, value))
}
