package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the routing-plane metric instruments.
type Metrics struct {
	TasksRouted         metric.Int64Counter
	WIPRejections       metric.Int64Counter
	PoolExhaustions     metric.Int64Counter
	WorkspaceProvisions metric.Int64Counter
	WorkspacesDegraded  metric.Int64Counter
	SignalsConsumed     metric.Int64Counter
	RouteDuration       metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksRouted, err = meter.Int64Counter("crewplane.tasks.routed",
		metric.WithDescription("Routed tasks published to the work topic"),
	)
	if err != nil {
		return nil, err
	}

	m.WIPRejections, err = meter.Int64Counter("crewplane.wip.rejections",
		metric.WithDescription("Moves blocked by a hard WIP limit"),
	)
	if err != nil {
		return nil, err
	}

	m.PoolExhaustions, err = meter.Int64Counter("crewplane.pool.exhaustions",
		metric.WithDescription("Routing attempts that found no pool with capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkspaceProvisions, err = meter.Int64Counter("crewplane.workspace.provisions",
		metric.WithDescription("Workspaces provisioned for stories"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkspacesDegraded, err = meter.Int64Counter("crewplane.workspace.degraded",
		metric.WithDescription("Workspace provisions that completed degraded"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsConsumed, err = meter.Int64Counter("crewplane.signals.consumed",
		metric.WithDescription("Pause/cancel signals consumed at checkpoints"),
	)
	if err != nil {
		return nil, err
	}

	m.RouteDuration, err = meter.Float64Histogram("crewplane.route.duration",
		metric.WithDescription("Routing operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskRouted records a published routed task.
func (m *Metrics) TaskRouted(ctx context.Context, taskType, poolName string) {
	m.TasksRouted.Add(ctx, 1, metric.WithAttributes(
		AttrTaskType.String(taskType),
		AttrPoolName.String(poolName),
	))
}

// WIPRejected records a hard WIP block.
func (m *Metrics) WIPRejected(ctx context.Context, projectID, column string) {
	m.WIPRejections.Add(ctx, 1, metric.WithAttributes(
		AttrProjectID.String(projectID),
		AttrColumn.String(column),
	))
}

// PoolExhausted records a routing attempt that found no capacity.
func (m *Metrics) PoolExhausted(ctx context.Context, roleType string) {
	m.PoolExhaustions.Add(ctx, 1, metric.WithAttributes(
		AttrRoleType.String(roleType),
	))
}

// WorkspaceProvisioned records a workspace provision, degraded or not.
func (m *Metrics) WorkspaceProvisioned(ctx context.Context, degraded bool) {
	m.WorkspaceProvisions.Add(ctx, 1)
	if degraded {
		m.WorkspacesDegraded.Add(ctx, 1)
	}
}

// SignalConsumed records a checkpoint that consumed a signal.
func (m *Metrics) SignalConsumed(ctx context.Context, kind string) {
	m.SignalsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("crewplane.signal.kind", kind),
	))
}
