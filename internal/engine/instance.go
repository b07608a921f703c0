package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"gateflow/internal/domain"
)

// ActorRef identifies whoever pressed a control.
type ActorRef struct {
	GuildID string
	UserID  string
}

// Instance is one live workflow. Fields are guarded by mu; transitions hold
// mu for their whole duration, including platform calls.
type Instance struct {
	mu     sync.Mutex
	closed atomic.Bool

	ID            string
	Initiator     domain.Participant
	Stage         Stage
	CreatedAt     time.Time
	StageDeadline time.Time
	ClosedAt      time.Time
	Context       domain.ChannelRef
	Origin        domain.MessageRef
	Surface       domain.MessageRef
	Workspace     *domain.ThreadRef
	ResultChannel *domain.ChannelRef
	Title         string
	Description   string
	History       []StageEntry
}

// StageEntry records when a stage was entered.
type StageEntry struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Snapshot is a copy of an instance safe to share across goroutines.
type Snapshot struct {
	ID            string             `json:"id"`
	GuildID       string             `json:"guild_id"`
	InitiatorID   string             `json:"initiator_id"`
	InitiatorName string             `json:"initiator_name"`
	Stage         Stage              `json:"stage"`
	CreatedAt     time.Time          `json:"created_at"`
	StageDeadline time.Time          `json:"stage_deadline"`
	ClosedAt      *time.Time         `json:"closed_at,omitempty"`
	Context       domain.ChannelRef  `json:"context"`
	Workspace     *domain.ThreadRef  `json:"workspace,omitempty"`
	ResultChannel *domain.ChannelRef `json:"result_channel,omitempty"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	History       []StageEntry       `json:"history"`
}

// snapshot must be called with mu held.
func (i *Instance) snapshot() Snapshot {
	s := Snapshot{
		ID:            i.ID,
		GuildID:       i.Initiator.GuildID,
		InitiatorID:   i.Initiator.ID,
		InitiatorName: i.Initiator.Name(),
		Stage:         i.Stage,
		CreatedAt:     i.CreatedAt,
		StageDeadline: i.StageDeadline,
		Context:       i.Context,
		Title:         i.Title,
		Description:   i.Description,
		History:       append([]StageEntry(nil), i.History...),
	}
	if !i.ClosedAt.IsZero() {
		at := i.ClosedAt
		s.ClosedAt = &at
	}
	if i.Workspace != nil {
		ws := *i.Workspace
		s.Workspace = &ws
	}
	if i.ResultChannel != nil {
		ch := *i.ResultChannel
		s.ResultChannel = &ch
	}
	return s
}

// Snapshot copies the instance under its lock.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshot()
}

// enter moves the instance to next and stamps the new deadline. Terminal
// stages have no deadline. Callers check ensureStageTransition first.
func (i *Instance) enter(next Stage, now time.Time, timeout time.Duration) {
	i.Stage = next
	i.History = append(i.History, StageEntry{Stage: next, At: now})
	if next.Terminal() {
		i.StageDeadline = time.Time{}
		i.ClosedAt = now
		i.closed.Store(true)
		return
	}
	i.StageDeadline = now.Add(timeout)
}

// due reports whether the stage deadline has passed at now.
func (i *Instance) due(now time.Time) bool {
	return !i.Stage.Terminal() && !i.StageDeadline.IsZero() && now.After(i.StageDeadline)
}
