// Package platform describes the chat-platform capabilities the workflow engine
// depends on. Adapters (see platform/discord) translate these calls to a concrete API.
package platform

import (
	"context"
	"errors"
	"time"

	"gateflow/internal/domain"
)

// ErrForbidden is returned (wrapped) when the platform refuses an operation
// because the bot lacks the required permission.
var ErrForbidden = errors.New("platform: missing permissions")

// ErrNotFound is returned (wrapped) when a referenced channel, message or member is gone.
var ErrNotFound = errors.New("platform: not found")

// Client is the capability the engine and provisioner use to act on the platform.
type Client interface {
	SendMessage(ctx context.Context, ch domain.ChannelRef, msg Message) (domain.MessageRef, error)
	EditMessage(ctx context.Context, ref domain.MessageRef, msg Message) error
	CreateThread(ctx context.Context, parent domain.ChannelRef, name string, opts ThreadOptions) (domain.ThreadRef, error)
	CreateChannel(ctx context.Context, guildID, name string, opts ChannelOptions) (domain.ChannelRef, error)
	ArchiveThread(ctx context.Context, t domain.ThreadRef) error
	Member(ctx context.Context, guildID, userID string) (domain.Participant, error)
	SelfID() string
}

type ThreadOptions struct {
	AutoArchive time.Duration
	Reason      string
}

type ChannelOptions struct {
	CategoryID string
	Topic      string
	Reason     string
	Access     []AccessRule
}

// SubjectKind selects what an access rule applies to.
type SubjectKind int

const (
	SubjectEveryone SubjectKind = iota
	SubjectRole
	SubjectMember
)

// Permission is a platform-neutral channel permission bit.
type Permission uint8

const (
	PermView Permission = 1 << iota
	PermSend
	PermReadHistory
	PermManageMessages
)

// Has reports whether all bits of q are set in p.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// AccessRule grants or denies channel permissions to one subject.
type AccessRule struct {
	Kind  SubjectKind
	ID    string
	Allow Permission
	Deny  Permission
}

// Tone is a semantic color hint for rendered surfaces.
type Tone int

const (
	ToneInfo Tone = iota
	ToneProgress
	ToneSuccess
	ToneWarning
	ToneDanger
)

type ControlStyle int

const (
	StylePrimary ControlStyle = iota
	StyleSecondary
	StyleSuccess
	StyleDanger
)

// Control is one interactive button; ID is routed back to the engine on press.
type Control struct {
	ID       string
	Label    string
	Style    ControlStyle
	Disabled bool
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a rendered surface: a titled card with optional fields and controls.
type Message struct {
	Title    string
	Body     string
	Fields   []Field
	Controls []Control
	Tone     Tone
	Footer   string
}
