// Package dispatch turns platform-neutral commands and control presses into
// engine calls. It owns the limits the engine leaves to its caller: the
// per-initiator start cooldown and the per-guild concurrency cap.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/engine/auth"
	"gateflow/internal/events"
)

// RoleStore persists the per-guild role bindings configured by administrators.
type RoleStore interface {
	SetGuildRoles(ctx context.Context, guildID string, byTier map[string]string, actorID string) ([]domain.GuildRoleBinding, error)
}

type Dispatcher struct {
	Engine *engine.Engine
	Roles  RoleStore
	Logger *slog.Logger
	Now    func() time.Time

	mu        sync.Mutex
	lastStart map[string]time.Time
	pending   map[string]int
}

func New(e *engine.Engine, roles RoleStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Engine: e, Roles: roles, Logger: logger, Now: time.Now,
		lastStart: map[string]time.Time{}, pending: map[string]int{}}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// WorkflowCommand is a request to post a new workflow into Channel.
type WorkflowCommand struct {
	Actor       engine.ActorRef
	Channel     domain.ChannelRef
	Title       string
	Description string
}

// StartWorkflow enforces the cooldown and concurrency cap, then starts a workflow.
func (d *Dispatcher) StartWorkflow(ctx context.Context, cmd WorkflowCommand) engine.Reply {
	cfg := d.Engine.Config()
	key := cmd.Actor.GuildID + "/" + cmd.Actor.UserID
	n, wait, ok := d.reserve(cmd.Actor.GuildID, key, cfg.Limits.MaxConcurrent, cfg.Limits.Cooldown)
	switch {
	case wait > 0:
		return engine.Reply{
			Text: fmt.Sprintf("Please wait %d seconds before starting another workflow.", int(math.Ceil(wait.Seconds()))),
			Code: engine.CodeCooldown,
		}
	case !ok:
		return engine.Reply{
			Text: fmt.Sprintf("This server already has %d active workflows. Try again once one finishes.", n),
			Code: engine.CodeCapacity,
		}
	}

	snap, err := d.Engine.Start(ctx, engine.StartRequest{
		Actor:       cmd.Actor,
		Context:     cmd.Channel,
		Title:       cmd.Title,
		Description: cmd.Description,
	})
	d.settle(cmd.Actor.GuildID, key, err == nil)
	if err != nil {
		return d.Engine.ErrorReply(ctx, cmd.Actor, "workflow", err)
	}
	where := cmd.Channel.ID
	if cmd.Channel.Name != "" {
		where = cmd.Channel.Name
	}
	return engine.Reply{Text: fmt.Sprintf("Workflow %q created in #%s.", snap.Title, where)}
}

// reserve takes a capacity slot in guild and records a start for key. When
// it refuses, wait is the remaining cooldown or zero if the guild is full at
// n workflows. Starts in flight hold their slot until settle.
func (d *Dispatcher) reserve(guild, key string, limit int, cooldown time.Duration) (n int, wait time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n = d.Engine.ActiveCount(guild) + d.pending[guild]
	if n >= limit {
		return n, 0, false
	}
	now := d.now()
	if last, seen := d.lastStart[key]; seen && cooldown > 0 {
		if wait := last.Add(cooldown).Sub(now); wait > 0 {
			return n, wait, false
		}
	}
	d.pending[guild]++
	d.lastStart[key] = now
	return n, 0, true
}

// settle frees the in-flight slot taken by reserve. A failed start also
// gives back the cooldown.
func (d *Dispatcher) settle(guild, key string, started bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[guild]--; d.pending[guild] <= 0 {
		delete(d.pending, guild)
	}
	if !started {
		delete(d.lastStart, key)
	}
}

// Press routes a control press to the engine.
func (d *Dispatcher) Press(ctx context.Context, actor engine.ActorRef, controlID string) engine.Reply {
	id, action, err := engine.ParseControlID(controlID)
	if err != nil {
		d.Logger.Debug("ignoring unknown control", "control_id", controlID, "err", err)
		return engine.Reply{Text: "This action is no longer available.", Code: engine.CodeUnavailable}
	}
	return d.Engine.Handle(ctx, id, actor, action)
}

// SetupRoles binds guild roles to the admin, manager and user tiers. Only
// server administrators may call it.
func (d *Dispatcher) SetupRoles(ctx context.Context, actor engine.ActorRef, byTier map[string]string) engine.Reply {
	if d.Roles == nil {
		return engine.Reply{Text: "Role setup is not available.", Code: engine.CodeUnavailable}
	}
	p, err := d.Engine.Client.Member(ctx, actor.GuildID, actor.UserID)
	if err != nil {
		return d.Engine.ErrorReply(ctx, actor, "setup_roles", err)
	}
	ev, err := d.Engine.Evaluator(ctx, actor.GuildID)
	if err != nil {
		return d.Engine.ErrorReply(ctx, actor, "setup_roles", err)
	}
	if err := ev.Require(p, auth.PermSetupRoles); err != nil {
		return d.Engine.ErrorReply(ctx, actor, "setup_roles", err)
	}
	bindings, err := d.Roles.SetGuildRoles(ctx, actor.GuildID, byTier, actor.UserID)
	if err != nil {
		return d.Engine.ErrorReply(ctx, actor, "setup_roles", err)
	}
	if len(bindings) == 0 {
		return engine.Reply{Text: "No roles given; nothing changed.", Code: engine.CodeUnavailable}
	}
	payload := events.EventPayload{}
	lines := make([]string, 0, len(bindings))
	for _, b := range bindings {
		payload[b.Tier] = b.RoleName
		lines = append(lines, fmt.Sprintf("%s: %s", tierLabel(b.Tier), b.RoleName))
	}
	d.Engine.Events.Append(ctx, events.RolesUpdated, actor.GuildID, "", actor.UserID, payload)
	return engine.Reply{Text: "Workflow roles configured.\n" + strings.Join(lines, "\n")}
}

func tierLabel(tier string) string {
	switch tier {
	case domain.TierAdmin:
		return "Admin role"
	case domain.TierManager:
		return "Manager role"
	}
	return "User role"
}

// SystemStatus reports the bot's own capabilities in a guild.
func (d *Dispatcher) SystemStatus(ctx context.Context, guildID string) engine.Reply {
	bot, err := d.Engine.Client.Member(ctx, guildID, d.Engine.Client.SelfID())
	if err != nil {
		return d.Engine.ErrorReply(ctx, engine.ActorRef{GuildID: guildID}, "status", err)
	}
	cfg := d.Engine.Config()
	perms := bot.Permissions
	check := func(ok bool) string {
		if ok || perms.Administrator {
			return "yes"
		}
		return "no"
	}
	text := strings.Join([]string{
		"Bot status: online",
		fmt.Sprintf("Active workflows: %d/%d", d.Engine.ActiveCount(guildID), cfg.Limits.MaxConcurrent),
		"Manage Channels: " + check(perms.ManageChannels),
		"Manage Threads: " + check(perms.ManageThreads),
		"Manage Roles: " + check(perms.ManageRoles),
		fmt.Sprintf("Features: threads=%t channels=%t verification=%t",
			cfg.Features.ThreadCreation, cfg.Features.ChannelCreation, cfg.Features.RoleVerification),
	}, "\n")
	return engine.Reply{Text: text}
}
