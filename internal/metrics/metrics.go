// Package metrics exposes engine telemetry over Prometheus, wired through
// the OpenTelemetry SDK. It is only started by the long-running loop command;
// one-shot cycles run without it.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func attrString(k, v string) attribute.KeyValue { return attribute.String(k, v) }

// Recorder carries the engine's instruments. A nil Recorder is a no-op, so
// callers never need to guard call sites.
type Recorder struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	cycles        metric.Int64Counter
	stageDuration metric.Float64Histogram
	agentCalls    metric.Int64Counter
	retries       metric.Int64Counter
	locksHeld     metric.Int64UpDownCounter
}

// New builds a Recorder with a private Prometheus registry.
func New() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("conveyor")

	r := &Recorder{registry: registry, provider: provider}
	if r.cycles, err = meter.Int64Counter("conveyor.cycles",
		metric.WithDescription("Completed engine cycles by result kind")); err != nil {
		return nil, err
	}
	if r.stageDuration, err = meter.Float64Histogram("conveyor.stage.duration",
		metric.WithDescription("Stage wall time in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.agentCalls, err = meter.Int64Counter("conveyor.agent.invocations",
		metric.WithDescription("Agent subprocess invocations by role and outcome")); err != nil {
		return nil, err
	}
	if r.retries, err = meter.Int64Counter("conveyor.retry.attempts",
		metric.WithDescription("Implementation retries consumed")); err != nil {
		return nil, err
	}
	if r.locksHeld, err = meter.Int64UpDownCounter("conveyor.locks.held",
		metric.WithDescription("Locks currently held by this process")); err != nil {
		return nil, err
	}
	return r, nil
}

// Cycle counts one finished cycle.
func (r *Recorder) Cycle(ctx context.Context, workstream, kind string) {
	if r == nil {
		return
	}
	r.cycles.Add(ctx, 1, metric.WithAttributes(
		attrString("workstream", workstream), attrString("kind", kind)))
}

// Stage records one stage execution.
func (r *Recorder) Stage(ctx context.Context, stage, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attrString("stage", stage), attrString("outcome", outcome)))
}

// AgentCall counts one agent subprocess invocation.
func (r *Recorder) AgentCall(ctx context.Context, role, outcome string) {
	if r == nil {
		return
	}
	r.agentCalls.Add(ctx, 1, metric.WithAttributes(
		attrString("role", role), attrString("outcome", outcome)))
}

// Retry counts one consumed implementation attempt beyond the first.
func (r *Recorder) Retry(ctx context.Context, workstream string) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attrString("workstream", workstream)))
}

// LockDelta tracks lock hold count changes (+1 acquire, -1 release).
func (r *Recorder) LockDelta(ctx context.Context, delta int64) {
	if r == nil {
		return
	}
	r.locksHeld.Add(ctx, delta)
}

// Handler returns the scrape endpoint for the private registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

// Shutdown flushes the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
