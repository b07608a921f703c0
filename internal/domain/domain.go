package domain

// Participant is a snapshot of a guild member taken for one evaluation.
type Participant struct {
	ID          string           `json:"id"`
	Username    string           `json:"username"`
	DisplayName string           `json:"display_name"`
	GuildID     string           `json:"guild_id"`
	Roles       []Role           `json:"roles"`
	Permissions GuildPermissions `json:"permissions"`
}

// Name returns the display name, falling back to the username.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// RoleNames lists role names, excluding the implicit @everyone role.
func (p Participant) RoleNames() []string {
	out := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		if r.IsEveryone() {
			continue
		}
		out = append(out, r.Name)
	}
	return out
}

// TopPosition is the highest hierarchy position among the participant's roles.
func (p Participant) TopPosition() int {
	top := 0
	for _, r := range p.Roles {
		if r.Position > top {
			top = r.Position
		}
	}
	return top
}

type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

const EveryoneRoleName = "@everyone"

func (r Role) IsEveryone() bool {
	return r.Name == EveryoneRoleName
}

// GuildPermissions holds the platform-level capability flags relevant to workflows.
type GuildPermissions struct {
	Administrator  bool `json:"administrator"`
	ManageChannels bool `json:"manage_channels"`
	ManageThreads  bool `json:"manage_threads"`
	ManageRoles    bool `json:"manage_roles"`
}

// ChannelRef identifies a text channel or any message context.
type ChannelRef struct {
	GuildID string `json:"guild_id"`
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
}

// ThreadRef identifies a discussion thread created under a parent channel.
type ThreadRef struct {
	GuildID  string `json:"guild_id"`
	ParentID string `json:"parent_id"`
	ID       string `json:"id"`
	Name     string `json:"name"`
}

// Channel returns the thread as a message context.
func (t ThreadRef) Channel() ChannelRef {
	return ChannelRef{GuildID: t.GuildID, ID: t.ID, Name: t.Name}
}

type MessageRef struct {
	ChannelID string `json:"channel_id"`
	ID        string `json:"id"`
}

// GuildRoleBinding is a role name an administrator attached to a tier for one guild.
type GuildRoleBinding struct {
	GuildID   string `json:"guild_id"`
	Tier      string `json:"tier"`
	RoleName  string `json:"role_name"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt string `json:"updated_at"`
}

const (
	TierAdmin   = "admin"
	TierManager = "manager"
	TierUser    = "user"
)

// ValidTier reports whether t names a role tier.
func ValidTier(t string) bool {
	switch t {
	case TierAdmin, TierManager, TierUser:
		return true
	}
	return false
}

// APIKey is a hashed credential for the ops API.
type APIKey struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at"`
}
