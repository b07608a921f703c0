// Package provision creates the platform resources a workflow produces: the
// discussion thread opened when a workflow starts and the private result
// channel created when it completes.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gateflow/internal/domain"
	"gateflow/internal/platform"
)

const workspaceStamp = "0102-1504"

// Provisioner performs resource side effects through a platform client.
type Provisioner struct {
	Client platform.Client
	Logger *slog.Logger
	Now    func() time.Time
}

type WorkspaceOptions struct {
	Tag         string
	AutoArchive time.Duration
}

type ChannelOptions struct {
	Prefix     string
	CategoryID string
	Title      string
	// WorkflowRoles are the initiator's roles that appear in a tier list.
	WorkflowRoles []domain.Role
	// OnCreated runs after the channel exists and before the workspace is archived.
	OnCreated func(ctx context.Context, ch domain.ChannelRef)
}

func (p Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Provisioner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// WorkspaceName builds the thread name from the tag, initiator and time.
func WorkspaceName(tag string, initiator domain.Participant, at time.Time) string {
	if tag == "" {
		tag = "general"
	}
	stamp := at.UTC().Format(workspaceStamp)
	head := SanitizeChannelName("workflow-" + tag)
	who := SanitizeChannelName(initiator.Name())
	if who == FallbackChannelName {
		who = SanitizeChannelName("user-" + initiator.ID)
	}
	budget := MaxChannelName - len(head) - len(stamp) - 2
	if budget < minChannelName {
		return SanitizeChannelName(head + "-" + stamp)
	}
	if len(who) > budget {
		who = who[:budget]
	}
	return SanitizeChannelName(head + "-" + who + "-" + stamp)
}

// ResultChannelName builds the result channel name for the initiator.
func ResultChannelName(prefix string, initiator domain.Participant) string {
	name := initiator.Username
	if name == "" {
		name = initiator.ID
	}
	return SanitizeChannelName(prefix + "result-" + name)
}

// CreateWorkspace opens a thread under parent for the initiator.
func (p Provisioner) CreateWorkspace(ctx context.Context, initiator domain.Participant, parent domain.ChannelRef, opts WorkspaceOptions) (domain.ThreadRef, error) {
	name := WorkspaceName(opts.Tag, initiator, p.now())
	t, err := p.Client.CreateThread(ctx, parent, name, platform.ThreadOptions{
		AutoArchive: opts.AutoArchive,
		Reason:      fmt.Sprintf("workflow started by %s", initiator.Username),
	})
	if err != nil {
		return domain.ThreadRef{}, fmt.Errorf("create workspace %s: %w", name, err)
	}
	if t.Name == "" {
		t.Name = name
	}
	return t, nil
}

// AccessRules returns the overwrites for a result channel: everyone is denied,
// the initiator and the bot get full access and the initiator's workflow
// roles may read and write.
func AccessRules(initiatorID, botID string, workflowRoles []domain.Role) []platform.AccessRule {
	full := platform.PermView | platform.PermSend | platform.PermReadHistory | platform.PermManageMessages
	rules := []platform.AccessRule{
		{Kind: platform.SubjectEveryone, Deny: platform.PermView},
		{Kind: platform.SubjectMember, ID: initiatorID, Allow: full},
		{Kind: platform.SubjectMember, ID: botID, Allow: full},
	}
	for _, r := range workflowRoles {
		if r.IsEveryone() {
			continue
		}
		rules = append(rules, platform.AccessRule{
			Kind:  platform.SubjectRole,
			ID:    r.ID,
			Allow: platform.PermView | platform.PermSend | platform.PermReadHistory,
		})
	}
	return rules
}

// FinalizeChannel creates the private result channel and archives the
// workspace. Archive and welcome-message failures are logged only.
func (p Provisioner) FinalizeChannel(ctx context.Context, initiator domain.Participant, workspace *domain.ThreadRef, opts ChannelOptions) (domain.ChannelRef, error) {
	name := ResultChannelName(opts.Prefix, initiator)
	ch, err := p.Client.CreateChannel(ctx, initiator.GuildID, name, platform.ChannelOptions{
		CategoryID: opts.CategoryID,
		Topic:      fmt.Sprintf("Workflow result channel for %s", initiator.Name()),
		Reason:     fmt.Sprintf("workflow completed by %s", initiator.Username),
		Access:     AccessRules(initiator.ID, p.Client.SelfID(), opts.WorkflowRoles),
	})
	if err != nil {
		return domain.ChannelRef{}, fmt.Errorf("create channel %s: %w", name, err)
	}
	if ch.Name == "" {
		ch.Name = name
	}

	if _, err := p.Client.SendMessage(ctx, ch, welcomeMessage(initiator, opts.Title)); err != nil {
		p.logger().Warn("result channel welcome failed", "channel_id", ch.ID, "err", err)
	}
	if opts.OnCreated != nil {
		opts.OnCreated(ctx, ch)
	}
	if workspace != nil {
		p.ArchiveWorkspace(ctx, *workspace)
	}
	return ch, nil
}

// ArchiveWorkspace marks the thread inactive and reports whether it succeeded.
func (p Provisioner) ArchiveWorkspace(ctx context.Context, t domain.ThreadRef) bool {
	if err := p.Client.ArchiveThread(ctx, t); err != nil {
		p.logger().Warn("workspace archive failed", "thread_id", t.ID, "err", err)
		return false
	}
	return true
}

func welcomeMessage(initiator domain.Participant, title string) platform.Message {
	if title == "" {
		title = "Workflow"
	}
	return platform.Message{
		Title: "Workflow Complete",
		Body:  fmt.Sprintf("Welcome %s! This private channel was created by the %q workflow.", initiator.Name(), title),
		Tone:  platform.ToneSuccess,
		Fields: []platform.Field{
			{Name: "Owner", Value: initiator.Name(), Inline: true},
		},
	}
}
