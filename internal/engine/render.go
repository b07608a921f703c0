package engine

import (
	"fmt"
	"strings"
	"time"

	"gateflow/internal/platform"
)

const controlPrefix = "gf"

// ControlID encodes the routing key carried by a rendered control.
func ControlID(instanceID string, a Action) string {
	return controlPrefix + ":" + instanceID + ":" + string(a)
}

// ParseControlID decodes a routing key produced by ControlID.
func ParseControlID(id string) (string, Action, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != controlPrefix || parts[1] == "" {
		return "", "", fmt.Errorf("invalid control id %q", id)
	}
	a, err := ParseAction(parts[2])
	if err != nil {
		return "", "", err
	}
	return parts[1], a, nil
}

var controlLabels = map[Action]struct {
	label string
	style platform.ControlStyle
}{
	ActionStart:         {"Start Workflow", platform.StylePrimary},
	ActionStatus:        {"Check Status", platform.StyleSecondary},
	ActionVerify:        {"Verify Role", platform.StyleSuccess},
	ActionCreateChannel: {"Create Channel", platform.StylePrimary},
	ActionCancel:        {"Cancel", platform.StyleDanger},
}

func controlsFor(instanceID string, stage Stage, disabled bool) []platform.Control {
	spec, ok := stageSpecs[stage]
	if !ok {
		return nil
	}
	out := make([]platform.Control, 0, len(spec.Actions))
	for _, a := range spec.Actions {
		l := controlLabels[a]
		out = append(out, platform.Control{
			ID:       ControlID(instanceID, a),
			Label:    l.label,
			Style:    l.style,
			Disabled: disabled,
		})
	}
	return out
}

func deadlineField(t time.Time) platform.Field {
	return platform.Field{Name: "Expires", Value: t.UTC().Format(time.RFC1123), Inline: true}
}

// renderStage draws the live surface for a non-terminal snapshot.
func renderStage(s Snapshot) platform.Message {
	msg := platform.Message{
		Controls: controlsFor(s.ID, s.Stage, false),
		Tone:     platform.ToneProgress,
	}
	switch s.Stage {
	case StageAwaitingStart:
		msg.Title = s.Title
		if msg.Title == "" {
			msg.Title = stageSpecs[StageAwaitingStart].Title
		}
		msg.Body = s.Description
		msg.Tone = platform.ToneInfo
		msg.Fields = []platform.Field{
			{Name: "Initiated by", Value: s.InitiatorName, Inline: true},
			deadlineField(s.StageDeadline),
		}
		msg.Footer = "Only the initiator can start this workflow."
	case StageAwaitingVerification:
		msg.Title = stageSpecs[StageAwaitingVerification].Title
		msg.Body = fmt.Sprintf("Welcome %s! Verify your role to continue the workflow.", s.InitiatorName)
		msg.Fields = []platform.Field{
			{Name: "Workflow", Value: s.Title, Inline: true},
			deadlineField(s.StageDeadline),
		}
	case StageAwaitingFinalization:
		msg.Title = stageSpecs[StageAwaitingFinalization].Title
		msg.Body = "Role verified! Create your private result channel to finish the workflow."
		msg.Tone = platform.ToneSuccess
		msg.Fields = []platform.Field{
			{Name: "Workflow", Value: s.Title, Inline: true},
			deadlineField(s.StageDeadline),
		}
	}
	return msg
}

// renderInProgress replaces the start surface once the workflow has moved on.
func renderInProgress(s Snapshot) platform.Message {
	body := "This workflow is in progress."
	if s.Workspace != nil {
		body = fmt.Sprintf("This workflow continues in #%s.", s.Workspace.Name)
	}
	return platform.Message{
		Title:    titleOr(s.Title),
		Body:     body,
		Tone:     platform.ToneProgress,
		Fields:   []platform.Field{{Name: "Initiated by", Value: s.InitiatorName, Inline: true}},
		Controls: controlsFor(s.ID, StageAwaitingStart, true),
	}
}

// renderClosed draws a terminal snapshot; the controls of the stage that was
// live when the workflow closed are kept but disabled.
func renderClosed(s Snapshot, was Stage) platform.Message {
	msg := platform.Message{Controls: controlsFor(s.ID, was, true)}
	switch s.Stage {
	case StageCompleted:
		msg.Title = "Workflow Completed"
		msg.Tone = platform.ToneSuccess
		if s.ResultChannel != nil {
			msg.Body = fmt.Sprintf("Your private channel #%s is ready.", s.ResultChannel.Name)
		} else {
			msg.Body = "The workflow finished successfully."
		}
	case StageCancelled:
		msg.Title = "Workflow Cancelled"
		msg.Tone = platform.ToneWarning
		msg.Body = "The workflow was cancelled by its initiator."
	case StageExpired:
		msg.Title = "Workflow Expired"
		msg.Tone = platform.ToneDanger
		msg.Body = "This workflow timed out. Start a new one to try again."
	}
	msg.Fields = []platform.Field{
		{Name: "Workflow", Value: titleOr(s.Title), Inline: true},
		{Name: "Initiated by", Value: s.InitiatorName, Inline: true},
	}
	return msg
}

func titleOr(t string) string {
	if t == "" {
		return stageSpecs[StageAwaitingStart].Title
	}
	return t
}
