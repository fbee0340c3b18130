// Package observability wires the otel metric API to a Prometheus
// exporter and provides nil-safe recorders used across the broker.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records broker-level measurements. A nil *PrometheusMetrics is
// a valid no-op implementation.
type Metrics interface {
	RecordRequest(ctx context.Context, method string, duration time.Duration, err error)
	RecordTaskTransition(ctx context.Context, state string)
	RecordToolInvocation(ctx context.Context, deviceID, toolID string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, err error)
	RecordPushDelivery(ctx context.Context, attempt int, err error)
	RecordStreamAppend(ctx context.Context, deviceID string, inline bool)
	RecordStreamEviction(ctx context.Context, count int64)
	RecordQueueDepth(ctx context.Context, delta int64)
}

type PrometheusMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	requestErrors   metric.Int64Counter

	taskTransitions metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	llmDuration metric.Float64Histogram
	llmErrors   metric.Int64Counter

	pushDeliveries metric.Int64Counter
	pushFailures   metric.Int64Counter

	streamAppends   metric.Int64Counter
	streamEvictions metric.Int64Counter

	queueDepth metric.Int64UpDownCounter
}

// InitMetrics builds a meter provider backed by the Prometheus exporter
// and creates every instrument. The exporter registers with the default
// Prometheus registry; the server exposes it via promhttp.
func InitMetrics() (*PrometheusMetrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("fleetlink")

	m := &PrometheusMetrics{}

	if m.requestDuration, err = meter.Float64Histogram(
		"fleetlink_request_duration_seconds",
		metric.WithDescription("A2A request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	if m.requestsTotal, err = meter.Int64Counter(
		"fleetlink_requests_total",
		metric.WithDescription("Total A2A requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}
	if m.requestErrors, err = meter.Int64Counter(
		"fleetlink_request_errors_total",
		metric.WithDescription("Total A2A request errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request errors counter: %w", err)
	}
	if m.taskTransitions, err = meter.Int64Counter(
		"fleetlink_task_transitions_total",
		metric.WithDescription("Total task state transitions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task transitions counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"fleetlink_tool_invocation_duration_seconds",
		metric.WithDescription("Device tool invocation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"fleetlink_tool_invocations_total",
		metric.WithDescription("Total device tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"fleetlink_tool_errors_total",
		metric.WithDescription("Total device tool invocation errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"fleetlink_llm_request_duration_seconds",
		metric.WithDescription("LLM analysis duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"fleetlink_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}
	if m.pushDeliveries, err = meter.Int64Counter(
		"fleetlink_push_deliveries_total",
		metric.WithDescription("Total push notification delivery attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create push deliveries counter: %w", err)
	}
	if m.pushFailures, err = meter.Int64Counter(
		"fleetlink_push_failures_total",
		metric.WithDescription("Total failed push notification attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create push failures counter: %w", err)
	}
	if m.streamAppends, err = meter.Int64Counter(
		"fleetlink_stream_appends_total",
		metric.WithDescription("Total stream entries appended"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stream appends counter: %w", err)
	}
	if m.streamEvictions, err = meter.Int64Counter(
		"fleetlink_stream_evictions_total",
		metric.WithDescription("Total stream entries evicted by retention"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stream evictions counter: %w", err)
	}
	if m.queueDepth, err = meter.Int64UpDownCounter(
		"fleetlink_worker_queue_depth",
		metric.WithDescription("Current worker queue depth"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queue depth counter: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordRequest(ctx context.Context, method string, duration time.Duration, err error) {
	if m == nil || m.requestDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method))
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.requestsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.requestErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordTaskTransition(ctx context.Context, state string) {
	if m == nil || m.taskTransitions == nil {
		return
	}
	m.taskTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *PrometheusMetrics) RecordToolInvocation(ctx context.Context, deviceID, toolID string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("device", deviceID),
		attribute.String("tool", toolID),
	)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordPushDelivery(ctx context.Context, attempt int, err error) {
	if m == nil || m.pushDeliveries == nil {
		return
	}
	m.pushDeliveries.Add(ctx, 1)
	if err != nil {
		m.pushFailures.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordStreamAppend(ctx context.Context, deviceID string, inline bool) {
	if m == nil || m.streamAppends == nil {
		return
	}
	m.streamAppends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device", deviceID),
		attribute.Bool("inline", inline),
	))
}

func (m *PrometheusMetrics) RecordStreamEviction(ctx context.Context, count int64) {
	if m == nil || m.streamEvictions == nil {
		return
	}
	m.streamEvictions.Add(ctx, count)
}

func (m *PrometheusMetrics) RecordQueueDepth(ctx context.Context, delta int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

var _ Metrics = (*PrometheusMetrics)(nil)
