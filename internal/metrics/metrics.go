// Package metrics records control plane activity through OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("agentplane")

// Metrics holds the control plane instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	agentStarts      metric.Int64Counter
	agentStartErrors metric.Int64Counter
	agentsRunning    metric.Int64UpDownCounter
	tasksCompleted   metric.Int64Counter
	tasksFailed      metric.Int64Counter
	tasksRetried     metric.Int64Counter
	taskDuration     metric.Float64Histogram
	vendorSyncs      metric.Int64Counter
	vendorSyncFails  metric.Int64Counter
	syncDuration     metric.Float64Histogram
	eventsPublished  metric.Int64Counter
}

// New creates the instruments on the global meter provider.
func New() (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.agentStarts, err = meter.Int64Counter(
		"agentplane.agents.started",
		metric.WithDescription("Agents started successfully"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, err
	}
	if m.agentStartErrors, err = meter.Int64Counter(
		"agentplane.agents.start_failed",
		metric.WithDescription("Agent start attempts that failed"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, err
	}
	if m.agentsRunning, err = meter.Int64UpDownCounter(
		"agentplane.agents.running",
		metric.WithDescription("Number of agents currently running"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter(
		"agentplane.tasks.completed",
		metric.WithDescription("Tasks completed successfully"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter(
		"agentplane.tasks.failed",
		metric.WithDescription("Tasks that ended in Failed"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.tasksRetried, err = meter.Int64Counter(
		"agentplane.tasks.retried",
		metric.WithDescription("Failed attempts returned to Pending for another try"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"agentplane.task.duration",
		metric.WithDescription("Duration of a task attempt in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.vendorSyncs, err = meter.Int64Counter(
		"agentplane.vendor_syncs.succeeded",
		metric.WithDescription("Vendor syncs that succeeded"),
		metric.WithUnit("{sync}"),
	); err != nil {
		return nil, err
	}
	if m.vendorSyncFails, err = meter.Int64Counter(
		"agentplane.vendor_syncs.failed",
		metric.WithDescription("Vendor syncs that failed"),
		metric.WithUnit("{sync}"),
	); err != nil {
		return nil, err
	}
	if m.syncDuration, err = meter.Float64Histogram(
		"agentplane.vendor_sync.duration",
		metric.WithDescription("Duration of a single vendor sync in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.eventsPublished, err = meter.Int64Counter(
		"agentplane.events.published",
		metric.WithDescription("Events published on the bus"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAgentStart records the outcome of a start attempt.
func (m *Metrics) RecordAgentStart(ctx context.Context, agent string, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent.name", agent))
	if !ok {
		m.agentStartErrors.Add(ctx, 1, attrs)
		return
	}
	m.agentStarts.Add(ctx, 1, attrs)
	m.agentsRunning.Add(ctx, 1, attrs)
}

// RecordAgentStop records an agent leaving the running set.
func (m *Metrics) RecordAgentStop(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.agentsRunning.Add(ctx, -1, metric.WithAttributes(attribute.String("agent.name", agent)))
}

// RecordTaskCompleted records a successful attempt and its duration.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, agent, taskType string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.String("task.type", taskType),
	)
	m.tasksCompleted.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTaskFailure records a failed attempt. retried tells whether the task
// went back to Pending or became terminal.
func (m *Metrics) RecordTaskFailure(ctx context.Context, agent, taskType string, d time.Duration, retried bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.String("task.type", taskType),
	)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
	if retried {
		m.tasksRetried.Add(ctx, 1, attrs)
		return
	}
	m.tasksFailed.Add(ctx, 1, attrs)
}

// RecordVendorSync records one vendor sync.
func (m *Metrics) RecordVendorSync(ctx context.Context, vendor string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("vendor.name", vendor))
	if success {
		m.vendorSyncs.Add(ctx, 1, attrs)
	} else {
		m.vendorSyncFails.Add(ctx, 1, attrs)
	}
	m.syncDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordEventPublished counts a published event.
func (m *Metrics) RecordEventPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}
