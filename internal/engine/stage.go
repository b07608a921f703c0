package engine

import (
	"fmt"
	"slices"
	"time"

	"gateflow/internal/config"
)

// Stage is a workflow position. Values are ordered along the happy path.
type Stage string

const (
	StageAwaitingStart        Stage = "awaiting_start"
	StageAwaitingVerification Stage = "awaiting_verification"
	StageAwaitingFinalization Stage = "awaiting_finalization"
	StageCompleted            Stage = "completed"
	StageCancelled            Stage = "cancelled"
	StageExpired              Stage = "expired"
)

// Action is a control an actor can press.
type Action string

const (
	ActionStart         Action = "start"
	ActionStatus        Action = "status"
	ActionVerify        Action = "verify"
	ActionCreateChannel Action = "create_channel"
	ActionCancel        Action = "cancel"
)

// ParseAction validates a raw action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	switch a {
	case ActionStart, ActionStatus, ActionVerify, ActionCreateChannel, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// stageSpec is the immutable descriptor of a non-terminal stage.
type stageSpec struct {
	Title   string
	Actions []Action
	Timeout func(*config.Config) time.Duration
}

var stageSpecs = map[Stage]stageSpec{
	StageAwaitingStart: {
		Title:   "Workflow Process",
		Actions: []Action{ActionStart, ActionStatus, ActionCancel},
		Timeout: func(c *config.Config) time.Duration { return c.Timeouts.Start },
	},
	StageAwaitingVerification: {
		Title:   "Role Verification",
		Actions: []Action{ActionVerify, ActionCancel},
		Timeout: func(c *config.Config) time.Duration { return c.Timeouts.Verification },
	},
	StageAwaitingFinalization: {
		Title:   "Channel Creation",
		Actions: []Action{ActionCreateChannel, ActionCancel},
		Timeout: func(c *config.Config) time.Duration { return c.Timeouts.Finalization },
	},
}

// Terminal reports whether s accepts no further transitions.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageCancelled, StageExpired:
		return true
	}
	return false
}

// Offers reports whether a is available as a control in s.
func (s Stage) Offers(a Action) bool {
	spec, ok := stageSpecs[s]
	return ok && slices.Contains(spec.Actions, a)
}

func (s Stage) rank() int {
	switch s {
	case StageAwaitingStart:
		return 0
	case StageAwaitingVerification:
		return 1
	case StageAwaitingFinalization:
		return 2
	}
	return 3
}

// ensureStageTransition rejects backward moves and exits from terminal stages.
func ensureStageTransition(from, to Stage) error {
	if from.Terminal() {
		return fmt.Errorf("invalid stage transition %s -> %s: %s is terminal", from, to, from)
	}
	switch to {
	case StageCancelled, StageExpired:
		return nil
	case StageAwaitingVerification, StageAwaitingFinalization, StageCompleted:
		if to.rank() > from.rank() {
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition %s -> %s", from, to)
}
