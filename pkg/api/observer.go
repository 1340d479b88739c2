package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the triage engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceStart is called once when an instance is created, before
	// the first step executes.
	OnInstanceStart(ctx context.Context, inst *Instance)

	// OnStateChange is called after every committed state transition.
	OnStateChange(ctx context.Context, inst *Instance, from, to State)

	// OnSuspend is called when an instance parks in AWAITING_APPROVAL.
	OnSuspend(ctx context.Context, inst *Instance)

	// OnResume is called when an external decision resumes an instance.
	OnResume(ctx context.Context, inst *Instance, decision Decision)

	// OnBlocked is called when an instance parks blocked or in
	// manual-review after retry exhaustion or a permanent failure.
	OnBlocked(ctx context.Context, inst *Instance, err error)

	// OnCompleted is called when an instance reaches a terminal state.
	OnCompleted(ctx context.Context, inst *Instance)

	// OnPortCall is called after every port invocation, for both
	// successes and failures (err != nil). attempt is 1-based.
	OnPortCall(ctx context.Context, inst *Instance, port string, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *Instance)                 {}
func (NoopObserver) OnStateChange(ctx context.Context, inst *Instance, from, to State)   {}
func (NoopObserver) OnSuspend(ctx context.Context, inst *Instance)                       {}
func (NoopObserver) OnResume(ctx context.Context, inst *Instance, decision Decision)     {}
func (NoopObserver) OnBlocked(ctx context.Context, inst *Instance, err error)            {}
func (NoopObserver) OnCompleted(ctx context.Context, inst *Instance)                     {}
func (NoopObserver) OnPortCall(ctx context.Context, inst *Instance, port string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnStateChange(ctx context.Context, inst *Instance, from, to State) {
	for _, o := range c.observers {
		o.OnStateChange(ctx, inst, from, to)
	}
}

func (c *CompositeObserver) OnSuspend(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnSuspend(ctx, inst)
	}
}

func (c *CompositeObserver) OnResume(ctx context.Context, inst *Instance, decision Decision) {
	for _, o := range c.observers {
		o.OnResume(ctx, inst, decision)
	}
}

func (c *CompositeObserver) OnBlocked(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnBlocked(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnPortCall(ctx context.Context, inst *Instance, port string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnPortCall(ctx, inst, port, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("instance_id", inst.ID),
		slog.String("item_ref", inst.ItemRef),
		slog.String("user_id", inst.UserID),
	)
}

func (o *LoggingObserver) OnStateChange(ctx context.Context, inst *Instance, from, to State) {
	o.Logger.DebugContext(ctx, "state_change",
		slog.String("instance_id", inst.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (o *LoggingObserver) OnSuspend(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_suspended",
		slog.String("instance_id", inst.ID),
		slog.String("correlation_key", inst.CorrelationKey),
	)
}

func (o *LoggingObserver) OnResume(ctx context.Context, inst *Instance, decision Decision) {
	o.Logger.InfoContext(ctx, "instance_resumed",
		slog.String("instance_id", inst.ID),
		slog.String("decision", string(decision)),
	)
}

func (o *LoggingObserver) OnBlocked(ctx context.Context, inst *Instance, err error) {
	o.Logger.ErrorContext(ctx, "instance_blocked",
		slog.String("instance_id", inst.ID),
		slog.String("reason", string(inst.Terminal)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("instance_id", inst.ID),
		slog.String("reason", string(inst.Terminal)),
	)
}

func (o *LoggingObserver) OnPortCall(ctx context.Context, inst *Instance, port string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	// inst is nil for calls not tied to an instance (digest dispatch).
	instanceID := ""
	if inst != nil {
		instanceID = inst.ID
	}
	o.Logger.Log(ctx, level, "port_call",
		slog.String("instance_id", instanceID),
		slog.String("port", port),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate port-call durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesSuspended atomic.Int64
	instancesResumed   atomic.Int64
	instancesBlocked   atomic.Int64
	instancesCompleted atomic.Int64
	portCalls          atomic.Int64
	totalPortDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesSuspended int64
	InstancesResumed   int64
	InstancesBlocked   int64
	InstancesCompleted int64

	PortCalls       int64
	AvgPortDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *Instance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnSuspend(ctx context.Context, inst *Instance) {
	m.instancesSuspended.Add(1)
}

func (m *BasicMetrics) OnResume(ctx context.Context, inst *Instance, decision Decision) {
	m.instancesResumed.Add(1)
}

func (m *BasicMetrics) OnBlocked(ctx context.Context, inst *Instance, err error) {
	m.instancesBlocked.Add(1)
}

func (m *BasicMetrics) OnCompleted(ctx context.Context, inst *Instance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnPortCall(ctx context.Context, inst *Instance, port string, attempt int, err error, d time.Duration) {
	// Only count successful calls for average duration.
	if err == nil {
		m.portCalls.Add(1)
		m.totalPortDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	calls := m.portCalls.Load()
	totalNs := m.totalPortDuration.Load()

	var avg time.Duration
	if calls > 0 {
		avg = time.Duration(totalNs / calls)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:   m.instancesStarted.Load(),
		InstancesSuspended: m.instancesSuspended.Load(),
		InstancesResumed:   m.instancesResumed.Load(),
		InstancesBlocked:   m.instancesBlocked.Load(),
		InstancesCompleted: m.instancesCompleted.Load(),
		PortCalls:          calls,
		AvgPortDuration:    avg,
	}
}
