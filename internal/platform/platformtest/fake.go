// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"gateflow/internal/domain"
	"gateflow/internal/platform"
)

// Fake records every call and serves members from an in-memory table.
// Set the *Err fields to make the matching call fail. A non-nil SendGate
// holds every SendMessage until it is closed.
type Fake struct {
	mu sync.Mutex

	Bot     string
	Members map[string]domain.Participant

	Sent     []Sent
	Edits    []Edit
	Threads  []domain.ThreadRef
	Channels []CreatedChannel
	Archived []domain.ThreadRef

	SendErr    error
	EditErr    error
	ThreadErr  error
	ChannelErr error
	ArchiveErr error
	MemberErr  error

	SendGate chan struct{}

	seq int
}

type Sent struct {
	Channel domain.ChannelRef
	Ref     domain.MessageRef
	Message platform.Message
}

type Edit struct {
	Ref     domain.MessageRef
	Message platform.Message
}

type CreatedChannel struct {
	Ref  domain.ChannelRef
	Opts platform.ChannelOptions
}

func New() *Fake {
	return &Fake{Bot: "bot-1", Members: map[string]domain.Participant{}}
}

// SetMember stores p under its guild and user id.
func (f *Fake) SetMember(p domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[p.GuildID+"/"+p.ID] = p
}

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) SendMessage(ctx context.Context, ch domain.ChannelRef, msg platform.Message) (domain.MessageRef, error) {
	if f.SendGate != nil {
		select {
		case <-f.SendGate:
		case <-ctx.Done():
			return domain.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return domain.MessageRef{}, f.SendErr
	}
	ref := domain.MessageRef{ChannelID: ch.ID, ID: f.next("msg")}
	f.Sent = append(f.Sent, Sent{Channel: ch, Ref: ref, Message: msg})
	return ref, nil
}

func (f *Fake) EditMessage(_ context.Context, ref domain.MessageRef, msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EditErr != nil {
		return f.EditErr
	}
	f.Edits = append(f.Edits, Edit{Ref: ref, Message: msg})
	return nil
}

func (f *Fake) CreateThread(_ context.Context, parent domain.ChannelRef, name string, _ platform.ThreadOptions) (domain.ThreadRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ThreadErr != nil {
		return domain.ThreadRef{}, f.ThreadErr
	}
	t := domain.ThreadRef{GuildID: parent.GuildID, ParentID: parent.ID, ID: f.next("thread"), Name: name}
	f.Threads = append(f.Threads, t)
	return t, nil
}

func (f *Fake) CreateChannel(_ context.Context, guildID, name string, opts platform.ChannelOptions) (domain.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChannelErr != nil {
		return domain.ChannelRef{}, f.ChannelErr
	}
	ch := domain.ChannelRef{GuildID: guildID, ID: f.next("channel"), Name: name}
	f.Channels = append(f.Channels, CreatedChannel{Ref: ch, Opts: opts})
	return ch, nil
}

func (f *Fake) ArchiveThread(_ context.Context, t domain.ThreadRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ArchiveErr != nil {
		return f.ArchiveErr
	}
	f.Archived = append(f.Archived, t)
	return nil
}

func (f *Fake) Member(_ context.Context, guildID, userID string) (domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MemberErr != nil {
		return domain.Participant{}, f.MemberErr
	}
	p, ok := f.Members[guildID+"/"+userID]
	if !ok {
		return domain.Participant{}, fmt.Errorf("member %s: %w", userID, platform.ErrNotFound)
	}
	return p, nil
}

func (f *Fake) SelfID() string { return f.Bot }

// LastEdit returns the most recent edit of ref, if any.
func (f *Fake) LastEdit(ref domain.MessageRef) (platform.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Edits) - 1; i >= 0; i-- {
		if f.Edits[i].Ref == ref {
			return f.Edits[i].Message, true
		}
	}
	return platform.Message{}, false
}

// Snapshot copies the recorded calls under the lock.
func (f *Fake) Snapshot() (sent []Sent, threads []domain.ThreadRef, channels []CreatedChannel, archived []domain.ThreadRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent = append(sent, f.Sent...)
	threads = append(threads, f.Threads...)
	channels = append(channels, f.Channels...)
	archived = append(archived, f.Archived...)
	return
}
