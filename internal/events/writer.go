package events

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gateflow/internal/telemetry"
)

// Workflow event types.
const (
	WorkflowStarted   = "workflow.started"
	StageAdvanced     = "workflow.stage.advanced"
	WorkflowCompleted = "workflow.completed"
	WorkflowCancelled = "workflow.cancelled"
	WorkflowExpired   = "workflow.expired"
	ActionRejected    = "workflow.action.rejected"
	WorkspaceCreated  = "workspace.created"
	WorkspaceArchived = "workspace.archived"
	ChannelCreated    = "channel.created"
	RolesUpdated      = "guild.roles.updated"
)

// Writer records workflow events as structured log lines and counts them.
// Events are not stored.
type Writer struct {
	Logger  *slog.Logger
	Now     func() time.Time
	counter metric.Int64Counter
}

type EventPayload map[string]any

// New returns a Writer logging to logger and counting on the global meter.
func New(logger *slog.Logger) Writer {
	w := Writer{Logger: logger, Now: time.Now}
	c, err := telemetry.Meter("gateflow/events").Int64Counter("gateflow.workflow.events",
		metric.WithDescription("Workflow events by type"))
	if err == nil {
		w.counter = c
	}
	return w
}

func (w Writer) Append(ctx context.Context, evtType, guildID, instanceID, actorID string, payload EventPayload) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	attrs := []any{
		slog.String("event", evtType),
		slog.Time("ts", w.Now().UTC()),
	}
	if guildID != "" {
		attrs = append(attrs, slog.String("guild_id", guildID))
	}
	if instanceID != "" {
		attrs = append(attrs, slog.String("instance_id", instanceID))
	}
	if actorID != "" {
		attrs = append(attrs, slog.String("actor_id", actorID))
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, payload[k]))
	}
	level := slog.LevelInfo
	if evtType == ActionRejected {
		level = slog.LevelWarn
	}
	w.Logger.Log(ctx, level, "workflow event", attrs...)

	if w.counter != nil {
		w.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evtType)))
	}
}
