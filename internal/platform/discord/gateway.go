package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"gateflow/internal/domain"
	"gateflow/internal/dispatch"
	"gateflow/internal/engine"
)

const (
	CommandWorkflow   = "workflow"
	CommandSetupRoles = "setup-roles"
	CommandStatus     = "workflow-status"

	interactionTimeout = 30 * time.Second
)

var adminPermission int64 = discordgo.PermissionAdministrator

// Commands returns the slash commands the bot registers.
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        CommandWorkflow,
			Description: "Start a new approval workflow",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "Channel to post the workflow in (defaults to this one)",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
				{Type: discordgo.ApplicationCommandOptionString, Name: "title", Description: "Workflow title"},
				{Type: discordgo.ApplicationCommandOptionString, Name: "description", Description: "Workflow description"},
			},
		},
		{
			Name:                     CommandSetupRoles,
			Description:              "Configure the roles used by workflows",
			DefaultMemberPermissions: &adminPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionRole, Name: "admin_role", Description: "Workflow administrator role", Required: true},
				{Type: discordgo.ApplicationCommandOptionRole, Name: "manager_role", Description: "Workflow manager role", Required: true},
				{Type: discordgo.ApplicationCommandOptionRole, Name: "user_role", Description: "Workflow user role", Required: true},
			},
		},
		{
			Name:        CommandStatus,
			Description: "Show the bot's workflow capabilities in this server",
		},
	}
}

// Router handles gateway interactions by calling the dispatcher.
type Router struct {
	Session    *discordgo.Session
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// RegisterCommands overwrites the application's commands, scoped to guildID
// when it is set.
func (r *Router) RegisterCommands(ctx context.Context, appID, guildID string) error {
	if appID == "" && r.Session.State != nil && r.Session.State.User != nil {
		appID = r.Session.State.User.ID
	}
	_, err := r.Session.ApplicationCommandBulkOverwrite(appID, guildID, Commands(), discordgo.WithContext(ctx))
	if err != nil {
		return mapError("register commands", err)
	}
	return nil
}

// Attach installs the interaction handler and returns its remover.
func (r *Router) Attach() func() {
	return r.Session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		r.handle(s, i)
	})
}

func (r *Router) handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Logger.Error("interaction handler panic", "panic", fmt.Sprint(rec), "interaction_id", i.ID)
		}
	}()
	if i.Type != discordgo.InteractionApplicationCommand && i.Type != discordgo.InteractionMessageComponent {
		return
	}
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		r.respond(s, i, "Workflows can only be used inside a server.")
		return
	}

	// Provisioning can outlast the initial response window, so acknowledge first.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		r.Logger.Warn("interaction ack failed", "interaction_id", i.ID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()
	reply := r.route(ctx, i)
	if reply.Text == "" {
		reply.Text = "Done."
	}
	if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: reply.Text,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		r.Logger.Warn("interaction followup failed", "interaction_id", i.ID, "err", err)
	}
}

func (r *Router) route(ctx context.Context, i *discordgo.InteractionCreate) engine.Reply {
	actor := engine.ActorRef{GuildID: i.GuildID, UserID: i.Member.User.ID}
	if i.Type == discordgo.InteractionMessageComponent {
		return r.Dispatcher.Press(ctx, actor, i.MessageComponentData().CustomID)
	}
	data := i.ApplicationCommandData()
	switch data.Name {
	case CommandWorkflow:
		return r.Dispatcher.StartWorkflow(ctx, workflowCommand(actor, i.ChannelID, data))
	case CommandSetupRoles:
		return r.Dispatcher.SetupRoles(ctx, actor, setupRoles(data))
	case CommandStatus:
		return r.Dispatcher.SystemStatus(ctx, i.GuildID)
	}
	return engine.Reply{Text: "Unknown command.", Code: engine.CodeUnavailable}
}

func (r *Router) respond(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text, Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		r.Logger.Warn("interaction response failed", "interaction_id", i.ID, "err", err)
	}
}

func optionString(o *discordgo.ApplicationCommandInteractionDataOption) string {
	if o == nil || o.Value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(o.Value))
}

// workflowCommand reads /workflow options, defaulting to the invoking channel.
func workflowCommand(actor engine.ActorRef, channelID string, data discordgo.ApplicationCommandInteractionData) dispatch.WorkflowCommand {
	cmd := dispatch.WorkflowCommand{
		Actor:   actor,
		Channel: domain.ChannelRef{GuildID: actor.GuildID, ID: channelID},
	}
	for _, o := range data.Options {
		switch o.Name {
		case "channel":
			id := optionString(o)
			if id == "" {
				continue
			}
			cmd.Channel.ID = id
			if data.Resolved != nil {
				if ch, ok := data.Resolved.Channels[id]; ok && ch != nil {
					cmd.Channel.Name = ch.Name
				}
			}
		case "title":
			cmd.Title = optionString(o)
		case "description":
			cmd.Description = optionString(o)
		}
	}
	return cmd
}

// setupRoles maps /setup-roles options to tier names using the resolved roles.
func setupRoles(data discordgo.ApplicationCommandInteractionData) map[string]string {
	tiers := map[string]string{
		"admin_role":   domain.TierAdmin,
		"manager_role": domain.TierManager,
		"user_role":    domain.TierUser,
	}
	out := map[string]string{}
	for _, o := range data.Options {
		tier, ok := tiers[o.Name]
		if !ok {
			continue
		}
		id := optionString(o)
		if data.Resolved == nil {
			continue
		}
		if role, ok := data.Resolved.Roles[id]; ok && role != nil {
			out[tier] = role.Name
		}
	}
	return out
}
