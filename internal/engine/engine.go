package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gateflow/internal/config"
	"gateflow/internal/domain"
	"gateflow/internal/engine/auth"
	"gateflow/internal/events"
	"gateflow/internal/platform"
	"gateflow/internal/provision"
	"gateflow/internal/telemetry"
)

const (
	DefaultTitle       = "Workflow Process"
	DefaultDescription = "Click the button below to start the workflow process."
)

// TierSource supplies guild-specific role names layered over the config tiers.
type TierSource interface {
	GuildTiers(ctx context.Context, guildID string) (auth.Tiers, error)
}

// Engine owns the registry of live workflow instances and runs their transitions.
type Engine struct {
	Client      platform.Client
	Provisioner provision.Provisioner
	Events      events.Writer
	Logger      *slog.Logger
	Tiers       TierSource
	Now         func() time.Time
	NewID       func() string

	cfg       atomic.Pointer[config.Config]
	mu        sync.RWMutex
	instances map[string]*Instance
	tracer    trace.Tracer
}

func New(client platform.Client, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		Client:      client,
		Provisioner: provision.Provisioner{Client: client, Logger: logger},
		Events:      events.New(logger),
		Logger:      logger,
		Now:         time.Now,
		NewID:       uuid.NewString,
		instances:   map[string]*Instance{},
		tracer:      telemetry.Tracer("gateflow/engine"),
	}
	e.SetConfig(cfg)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Config returns the active configuration. Callers must not mutate it.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// SetConfig swaps the configuration. Running instances keep their current
// deadline; the new timeouts apply from their next stage.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) provisioner() provision.Provisioner {
	p := e.Provisioner
	p.Now = e.now
	return p
}

// Evaluator builds the evaluator for a guild from config and stored tiers.
func (e *Engine) Evaluator(ctx context.Context, guildID string) (auth.Evaluator, error) {
	tiers := e.Config().Tiers()
	if e.Tiers != nil {
		extra, err := e.Tiers.GuildTiers(ctx, guildID)
		if err != nil {
			return auth.Evaluator{}, fmt.Errorf("load guild roles: %w", err)
		}
		tiers = tiers.Merge(extra)
	}
	return auth.Evaluator{Tiers: tiers}, nil
}

// participant re-reads the actor from the platform for every check.
func (e *Engine) participant(ctx context.Context, actor ActorRef) (domain.Participant, auth.Evaluator, error) {
	p, err := e.Client.Member(ctx, actor.GuildID, actor.UserID)
	if err != nil {
		return domain.Participant{}, auth.Evaluator{}, fmt.Errorf("read member %s: %w", actor.UserID, err)
	}
	ev, err := e.Evaluator(ctx, actor.GuildID)
	if err != nil {
		return domain.Participant{}, auth.Evaluator{}, err
	}
	return p, ev, nil
}

// StartRequest carries the parameters of a workflow start command.
type StartRequest struct {
	Actor       ActorRef
	Context     domain.ChannelRef
	Title       string
	Description string
}

// Start checks that the requester may start workflows, posts the start
// surface into the target context and registers the new instance.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.start", trace.WithAttributes(
		attribute.String("guild.id", req.Actor.GuildID),
	))
	defer span.End()

	p, ev, err := e.participant(ctx, req.Actor)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}
	if err := ev.Require(p, auth.PermStart); err != nil {
		e.Events.Append(ctx, events.ActionRejected, req.Actor.GuildID, "", req.Actor.UserID,
			events.EventPayload{"action": "start", "code": string(CodePermissionDenied)})
		return Snapshot{}, err
	}

	cfg := e.Config()
	now := e.now()
	inst := &Instance{
		ID:          e.newID(),
		Initiator:   p,
		CreatedAt:   now,
		Context:     req.Context,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
	}
	if inst.Title == "" {
		inst.Title = DefaultTitle
	}
	if inst.Description == "" {
		inst.Description = DefaultDescription
	}
	inst.enter(StageAwaitingStart, now, cfg.Timeouts.Start)

	ref, err := e.Client.SendMessage(ctx, req.Context, renderStage(inst.snapshot()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, fmt.Errorf("post workflow surface: %w", err)
	}
	inst.Origin, inst.Surface = ref, ref

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	e.Events.Append(ctx, events.WorkflowStarted, p.GuildID, inst.ID, p.ID, events.EventPayload{
		"channel_id": req.Context.ID,
		"title":      inst.Title,
		"deadline":   inst.StageDeadline.UTC().Format(time.RFC3339),
	})
	return inst.Snapshot(), nil
}

// Reply is the private notice returned to the actor of an action. Code is
// empty on success.
type Reply struct {
	Text string
	Code Code
}

// OK reports whether the action succeeded.
func (r Reply) OK() bool { return r.Code == "" }

var initiatorOnly = map[Action]string{
	ActionStart:         "Only the workflow initiator can start this workflow.",
	ActionVerify:        "Only the workflow initiator can verify their role.",
	ActionCreateChannel: "Only the workflow initiator can create the channel.",
	ActionCancel:        "Only the workflow initiator can cancel this workflow.",
}

// Handle applies action by actor to the instance and returns the notice for
// the actor. It never returns an error: failures become coded replies.
func (e *Engine) Handle(ctx context.Context, instanceID string, actor ActorRef, action Action) Reply {
	ctx, span := e.tracer.Start(ctx, "workflow.handle", trace.WithAttributes(
		attribute.String("workflow.id", instanceID),
		attribute.String("workflow.action", string(action)),
	))
	defer span.End()

	inst := e.lookup(instanceID)
	if inst == nil {
		return e.reject(ctx, nil, actor, action, newError(CodeNotFound, "This workflow is no longer active.", nil))
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	reply, err := e.handleLocked(ctx, inst, actor, action)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.reject(ctx, inst, actor, action, err)
	}
	span.SetAttributes(attribute.String("workflow.stage", string(inst.Stage)))
	return reply
}

func (e *Engine) handleLocked(ctx context.Context, inst *Instance, actor ActorRef, action Action) (Reply, error) {
	now := e.now()
	if inst.Stage.Terminal() {
		return Reply{}, newError(CodeUnavailable, fmt.Sprintf("This workflow is already %s.", stageWord(inst.Stage)), nil)
	}
	if inst.due(now) {
		e.closeLocked(ctx, inst, StageExpired, nil, closeOptions{})
		return Reply{}, newError(CodeExpired, "This workflow has expired. Start a new one to try again.", nil)
	}
	if !inst.Stage.Offers(action) {
		return Reply{}, newError(CodeUnavailable, "This action is no longer available.", nil)
	}
	// The actor is always resolved in the instance's guild.
	actor.GuildID = inst.Initiator.GuildID
	if action == ActionStatus {
		return e.status(ctx, actor)
	}
	if actor.UserID != inst.Initiator.ID {
		return Reply{}, newError(CodePermissionDenied, initiatorOnly[action], nil)
	}
	if action == ActionCancel {
		e.closeLocked(ctx, inst, StageCancelled, nil, closeOptions{})
		return Reply{Text: "Workflow cancelled."}, nil
	}

	p, ev, err := e.participant(ctx, actor)
	if err != nil {
		return Reply{}, err
	}
	switch action {
	case ActionStart:
		return e.begin(ctx, inst, p, ev)
	case ActionVerify:
		return e.verify(ctx, inst, p, ev)
	case ActionCreateChannel:
		return e.finalize(ctx, inst, p, ev)
	}
	return Reply{}, newError(CodeUnavailable, "This action is no longer available.", nil)
}

// status reports the actor's own authorization. It changes nothing.
func (e *Engine) status(ctx context.Context, actor ActorRef) (Reply, error) {
	p, ev, err := e.participant(ctx, actor)
	if err != nil {
		return Reply{}, err
	}
	roles := p.RoleNames()
	rolesText := "None"
	if len(roles) > 0 {
		rolesText = strings.Join(roles, ", ")
	}
	text := fmt.Sprintf("Permission level: %s\nRoles: %s\nCan participate: %s\nCan start workflows: %s",
		ev.Level(p), rolesText, yesNo(ev.CanParticipate(p)), yesNo(ev.CanStartWorkflow(p)))
	return Reply{Text: text}, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// begin leaves AwaitingStart: it opens the workspace and posts the next surface.
// With verification and channel creation both off there is nothing left to do
// and the workflow completes here.
func (e *Engine) begin(ctx context.Context, inst *Instance, p domain.Participant, ev auth.Evaluator) (Reply, error) {
	if err := ev.Require(p, auth.PermParticipate); err != nil {
		return Reply{}, err
	}
	cfg := e.Config()
	if !cfg.Features.RoleVerification && !cfg.Features.ChannelCreation {
		if err := ensureStageTransition(inst.Stage, StageCompleted); err != nil {
			return Reply{}, err
		}
		e.closeLocked(ctx, inst, StageCompleted, nil, closeOptions{})
		return Reply{Text: "Workflow started! The workflow is complete."}, nil
	}
	next := StageAwaitingVerification
	if !cfg.Features.RoleVerification {
		next = StageAwaitingFinalization
	}
	if err := ensureStageTransition(inst.Stage, next); err != nil {
		return Reply{}, err
	}

	prov := e.provisioner()
	var ws *domain.ThreadRef
	target := inst.Context
	if cfg.Features.ThreadCreation {
		t, err := prov.CreateWorkspace(ctx, p, inst.Context, provision.WorkspaceOptions{
			Tag:         cfg.Workflow.Type,
			AutoArchive: cfg.Channels.ThreadAutoArchive,
		})
		if err != nil {
			return Reply{}, err
		}
		ws = &t
		target = t.Channel()
		e.Events.Append(ctx, events.WorkspaceCreated, p.GuildID, inst.ID, p.ID,
			events.EventPayload{"thread_id": t.ID, "name": t.Name})
	}

	timeout := stageSpecs[next].Timeout(cfg)
	draft := inst.snapshot()
	draft.Stage = next
	draft.StageDeadline = e.now().Add(timeout)
	draft.Workspace = ws
	ref, err := e.Client.SendMessage(ctx, target, renderStage(draft))
	if err != nil {
		if ws != nil {
			prov.ArchiveWorkspace(ctx, *ws)
		}
		return Reply{}, fmt.Errorf("post %s surface: %w", next, err)
	}

	prev := inst.Stage
	inst.Workspace = ws
	inst.Surface = ref
	inst.enter(next, e.now(), timeout)
	e.advanced(ctx, inst, prev)

	if err := e.Client.EditMessage(ctx, inst.Origin, renderInProgress(inst.snapshot())); err != nil {
		e.Logger.Warn("start surface update failed", "instance_id", inst.ID, "err", err)
	}
	if ws != nil {
		return Reply{Text: fmt.Sprintf("Workflow started! Continue in #%s.", ws.Name)}, nil
	}
	return Reply{Text: "Workflow started!"}, nil
}

// verify leaves AwaitingVerification. Without channel creation the workflow
// completes here.
func (e *Engine) verify(ctx context.Context, inst *Instance, p domain.Participant, ev auth.Evaluator) (Reply, error) {
	if err := ev.Require(p, auth.PermVerify); err != nil {
		return Reply{}, err
	}
	cfg := e.Config()
	if !cfg.Features.ChannelCreation {
		if err := ensureStageTransition(inst.Stage, StageCompleted); err != nil {
			return Reply{}, err
		}
		e.closeLocked(ctx, inst, StageCompleted, nil, closeOptions{})
		return Reply{Text: "Role verified! The workflow is complete."}, nil
	}

	next := StageAwaitingFinalization
	if err := ensureStageTransition(inst.Stage, next); err != nil {
		return Reply{}, err
	}
	timeout := stageSpecs[next].Timeout(cfg)
	draft := inst.snapshot()
	draft.Stage = next
	draft.StageDeadline = e.now().Add(timeout)
	if err := e.Client.EditMessage(ctx, inst.Surface, renderStage(draft)); err != nil {
		return Reply{}, fmt.Errorf("render %s surface: %w", next, err)
	}
	prev := inst.Stage
	inst.enter(next, e.now(), timeout)
	e.advanced(ctx, inst, prev)
	return Reply{Text: "Role verified! You can now create your channel."}, nil
}

// finalize leaves AwaitingFinalization by provisioning the result channel,
// unless channel creation is now disabled.
func (e *Engine) finalize(ctx context.Context, inst *Instance, p domain.Participant, ev auth.Evaluator) (Reply, error) {
	if err := ev.Require(p, auth.PermParticipate); err != nil {
		return Reply{}, err
	}
	if err := ensureStageTransition(inst.Stage, StageCompleted); err != nil {
		return Reply{}, err
	}
	cfg := e.Config()
	if !cfg.Features.ChannelCreation {
		// Turned off by a reload while the instance waited here.
		e.closeLocked(ctx, inst, StageCompleted, nil, closeOptions{})
		return Reply{Text: "Channel creation is disabled. The workflow is complete."}, nil
	}
	was := inst.Stage
	ch, err := e.provisioner().FinalizeChannel(ctx, p, inst.Workspace, provision.ChannelOptions{
		Prefix:        cfg.Channels.Prefix,
		CategoryID:    cfg.Channels.CategoryID,
		Title:         inst.Title,
		WorkflowRoles: ev.WorkflowRoles(p),
		// The surface lives in the workspace and must be redrawn before it is archived.
		OnCreated: func(ctx context.Context, ch domain.ChannelRef) {
			draft := inst.snapshot()
			draft.Stage = StageCompleted
			draft.ResultChannel = &ch
			if err := e.Client.EditMessage(ctx, inst.Surface, renderClosed(draft, was)); err != nil {
				e.Logger.Warn("surface update failed", "instance_id", inst.ID, "err", err)
			}
		},
	})
	if err != nil {
		return Reply{}, err
	}
	e.Events.Append(ctx, events.ChannelCreated, p.GuildID, inst.ID, p.ID,
		events.EventPayload{"channel_id": ch.ID, "name": ch.Name})
	e.closeLocked(ctx, inst, StageCompleted, &ch, closeOptions{skipSurface: true, skipArchive: true})
	return Reply{Text: fmt.Sprintf("Channel created: #%s", ch.Name)}, nil
}

type closeOptions struct {
	skipSurface bool
	skipArchive bool
}

// closeLocked moves inst to a terminal stage. Rendering and archival are
// best effort; the stage change always happens.
func (e *Engine) closeLocked(ctx context.Context, inst *Instance, next Stage, result *domain.ChannelRef, opts closeOptions) {
	if err := ensureStageTransition(inst.Stage, next); err != nil {
		e.Logger.Error("close rejected", "instance_id", inst.ID, "err", err)
		return
	}
	was := inst.Stage
	if result != nil && inst.ResultChannel == nil {
		inst.ResultChannel = result
	}
	inst.enter(next, e.now(), 0)
	snap := inst.snapshot()

	if !opts.skipSurface {
		if err := e.Client.EditMessage(ctx, inst.Surface, renderClosed(snap, was)); err != nil {
			e.Logger.Warn("surface update failed", "instance_id", inst.ID, "stage", next, "err", err)
		}
	}
	if inst.Origin != inst.Surface {
		if err := e.Client.EditMessage(ctx, inst.Origin, renderClosed(snap, StageAwaitingStart)); err != nil {
			e.Logger.Warn("start surface update failed", "instance_id", inst.ID, "err", err)
		}
	}
	if !opts.skipArchive && inst.Workspace != nil {
		if e.provisioner().ArchiveWorkspace(ctx, *inst.Workspace) {
			e.Events.Append(ctx, events.WorkspaceArchived, snap.GuildID, inst.ID, "",
				events.EventPayload{"thread_id": inst.Workspace.ID})
		}
	}

	evt := map[Stage]string{
		StageCompleted: events.WorkflowCompleted,
		StageCancelled: events.WorkflowCancelled,
		StageExpired:   events.WorkflowExpired,
	}[next]
	payload := events.EventPayload{"from": string(was)}
	if inst.ResultChannel != nil {
		payload["result_channel_id"] = inst.ResultChannel.ID
	}
	e.Events.Append(ctx, evt, snap.GuildID, inst.ID, inst.Initiator.ID, payload)
}

func (e *Engine) advanced(ctx context.Context, inst *Instance, prev Stage) {
	e.Events.Append(ctx, events.StageAdvanced, inst.Initiator.GuildID, inst.ID, inst.Initiator.ID, events.EventPayload{
		"from":     string(prev),
		"to":       string(inst.Stage),
		"deadline": inst.StageDeadline.UTC().Format(time.RFC3339),
	})
}

// reject converts err into the actor's notice and logs it by severity.
func (e *Engine) reject(ctx context.Context, inst *Instance, actor ActorRef, action Action, err error) Reply {
	coded := classify(err)
	var guildID, instanceID string
	if inst != nil {
		guildID, instanceID = inst.Initiator.GuildID, inst.ID
	}
	attrs := []any{"instance_id", instanceID, "actor_id", actor.UserID, "action", string(action), "code", string(coded.Code)}
	switch coded.Code {
	case CodePlatformPermission:
		e.Logger.Error("platform refused workflow action", append(attrs, "err", err)...)
	case CodeTransient:
		e.Logger.Error("workflow action failed", append(attrs, "err", err)...)
	}
	e.Events.Append(ctx, events.ActionRejected, guildID, instanceID, actor.UserID,
		events.EventPayload{"action": string(action), "code": string(coded.Code)})
	return Reply{Text: coded.Message, Code: coded.Code}
}

// ErrorReply converts an error returned by Start into an actor notice.
func (e *Engine) ErrorReply(ctx context.Context, actor ActorRef, action string, err error) Reply {
	return e.reject(ctx, nil, actor, Action(action), err)
}

func stageWord(s Stage) string {
	return strings.ReplaceAll(string(s), "_", " ")
}

func (e *Engine) lookup(id string) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[id]
}

// Get returns a snapshot of the instance.
func (e *Engine) Get(id string) (Snapshot, bool) {
	inst := e.lookup(id)
	if inst == nil {
		return Snapshot{}, false
	}
	return inst.Snapshot(), true
}

// List returns snapshots ordered by creation time. An empty guildID matches
// every guild.
func (e *Engine) List(guildID string, includeClosed bool) []Snapshot {
	e.mu.RLock()
	list := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if guildID == "" || inst.Initiator.GuildID == guildID {
			list = append(list, inst)
		}
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, inst := range list {
		s := inst.Snapshot()
		if !includeClosed && s.Stage.Terminal() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount counts non-terminal instances in a guild without waiting on
// instances that are mid-transition.
func (e *Engine) ActiveCount(guildID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, inst := range e.instances {
		if inst.Initiator.GuildID == guildID && !inst.closed.Load() {
			n++
		}
	}
	return n
}
