// Package discord adapts discordgo to the platform.Client capability and
// routes gateway interactions into the dispatcher.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"gateflow/internal/domain"
	"gateflow/internal/platform"
)

// Client implements platform.Client over a discordgo session.
type Client struct {
	Session *discordgo.Session
	// BotID overrides the id read from the session state.
	BotID string
}

func NewClient(s *discordgo.Session) *Client {
	return &Client{Session: s}
}

func (c *Client) SelfID() string {
	if c.BotID != "" {
		return c.BotID
	}
	if c.Session != nil && c.Session.State != nil && c.Session.State.User != nil {
		return c.Session.State.User.ID
	}
	return ""
}

// mapError tags REST failures with the platform sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, platform.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, platform.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) SendMessage(ctx context.Context, ch domain.ChannelRef, msg platform.Message) (domain.MessageRef, error) {
	embed, rows := renderMessage(msg)
	m, err := c.Session.ChannelMessageSendComplex(ch.ID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: rows,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.MessageRef{}, mapError("send message", err)
	}
	return domain.MessageRef{ChannelID: m.ChannelID, ID: m.ID}, nil
}

func (c *Client) EditMessage(ctx context.Context, ref domain.MessageRef, msg platform.Message) error {
	embed, rows := renderMessage(msg)
	embeds := []*discordgo.MessageEmbed{embed}
	edit := &discordgo.MessageEdit{
		ID:         ref.ID,
		Channel:    ref.ChannelID,
		Embeds:     &embeds,
		Components: &rows,
	}
	_, err := c.Session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return mapError("edit message", err)
}

func (c *Client) CreateThread(ctx context.Context, parent domain.ChannelRef, name string, opts platform.ThreadOptions) (domain.ThreadRef, error) {
	reqOpts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if opts.Reason != "" {
		reqOpts = append(reqOpts, discordgo.WithAuditLogReason(opts.Reason))
	}
	th, err := c.Session.ThreadStartComplex(parent.ID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: autoArchiveMinutes(opts.AutoArchive),
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, reqOpts...)
	if err != nil {
		return domain.ThreadRef{}, mapError("create thread", err)
	}
	return domain.ThreadRef{GuildID: th.GuildID, ParentID: parent.ID, ID: th.ID, Name: th.Name}, nil
}

func (c *Client) CreateChannel(ctx context.Context, guildID, name string, opts platform.ChannelOptions) (domain.ChannelRef, error) {
	reqOpts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if opts.Reason != "" {
		reqOpts = append(reqOpts, discordgo.WithAuditLogReason(opts.Reason))
	}
	ch, err := c.Session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                opts.Topic,
		ParentID:             opts.CategoryID,
		PermissionOverwrites: overwrites(guildID, opts.Access),
	}, reqOpts...)
	if err != nil {
		return domain.ChannelRef{}, mapError("create channel", err)
	}
	return domain.ChannelRef{GuildID: guildID, ID: ch.ID, Name: ch.Name}, nil
}

func (c *Client) ArchiveThread(ctx context.Context, t domain.ThreadRef) error {
	archived := true
	_, err := c.Session.ChannelEdit(t.ID, &discordgo.ChannelEdit{Archived: &archived}, discordgo.WithContext(ctx))
	return mapError("archive thread", err)
}

// Member reads the member and the guild's roles fresh from the API.
func (c *Client) Member(ctx context.Context, guildID, userID string) (domain.Participant, error) {
	m, err := c.Session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Participant{}, mapError("read member", err)
	}
	roles, err := c.Session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Participant{}, mapError("read roles", err)
	}
	ownerID := ""
	if c.Session.State != nil {
		if g, err := c.Session.State.Guild(guildID); err == nil {
			ownerID = g.OwnerID
		}
	}
	return participantOf(guildID, ownerID, m, roles), nil
}

// participantOf resolves member role ids against the guild role list and
// folds their permission bits.
func participantOf(guildID, ownerID string, m *discordgo.Member, roles []*discordgo.Role) domain.Participant {
	p := domain.Participant{GuildID: guildID, DisplayName: m.Nick}
	if m.User != nil {
		p.ID = m.User.ID
		p.Username = m.User.Username
		if p.DisplayName == "" {
			p.DisplayName = m.User.GlobalName
		}
	}
	held := make(map[string]bool, len(m.Roles)+1)
	for _, id := range m.Roles {
		held[id] = true
	}
	// The @everyone role shares the guild id.
	held[guildID] = true

	var bits int64
	for _, r := range roles {
		if !held[r.ID] {
			continue
		}
		bits |= r.Permissions
		p.Roles = append(p.Roles, domain.Role{ID: r.ID, Name: r.Name, Position: r.Position})
	}
	admin := bits&discordgo.PermissionAdministrator != 0 || (ownerID != "" && ownerID == p.ID)
	p.Permissions = domain.GuildPermissions{
		Administrator:  admin,
		ManageChannels: bits&discordgo.PermissionManageChannels != 0,
		ManageThreads:  bits&discordgo.PermissionManageThreads != 0,
		ManageRoles:    bits&discordgo.PermissionManageRoles != 0,
	}
	return p
}

// Allowed thread auto-archive durations, in minutes.
var archiveSteps = []int{60, 1440, 4320, 10080}

// autoArchiveMinutes rounds d up to the nearest duration the API accepts.
func autoArchiveMinutes(d time.Duration) int {
	mins := int(d / time.Minute)
	for _, step := range archiveSteps {
		if mins <= step {
			return step
		}
	}
	return archiveSteps[len(archiveSteps)-1]
}

// permissionBits maps platform permissions to Discord bit flags.
func permissionBits(p platform.Permission) int64 {
	var bits int64
	if p.Has(platform.PermView) {
		bits |= discordgo.PermissionViewChannel
	}
	if p.Has(platform.PermSend) {
		bits |= discordgo.PermissionSendMessages
	}
	if p.Has(platform.PermReadHistory) {
		bits |= discordgo.PermissionReadMessageHistory
	}
	if p.Has(platform.PermManageMessages) {
		bits |= discordgo.PermissionManageMessages
	}
	return bits
}

func overwrites(guildID string, rules []platform.AccessRule) []*discordgo.PermissionOverwrite {
	out := make([]*discordgo.PermissionOverwrite, 0, len(rules))
	for _, r := range rules {
		ow := &discordgo.PermissionOverwrite{
			ID:    r.ID,
			Allow: permissionBits(r.Allow),
			Deny:  permissionBits(r.Deny),
		}
		switch r.Kind {
		case platform.SubjectEveryone:
			ow.ID = guildID
			ow.Type = discordgo.PermissionOverwriteTypeRole
		case platform.SubjectRole:
			ow.Type = discordgo.PermissionOverwriteTypeRole
		case platform.SubjectMember:
			ow.Type = discordgo.PermissionOverwriteTypeMember
		}
		if ow.ID == "" {
			continue
		}
		out = append(out, ow)
	}
	return out
}
