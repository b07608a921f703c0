package engine

import (
	"errors"
	"fmt"
	"testing"

	"gateflow/internal/engine/auth"
	"gateflow/internal/platform"
)

func TestEnsureStageTransition(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageAwaitingStart, StageAwaitingVerification, true},
		{StageAwaitingStart, StageAwaitingFinalization, true},
		{StageAwaitingVerification, StageAwaitingFinalization, true},
		{StageAwaitingVerification, StageCompleted, true},
		{StageAwaitingFinalization, StageCompleted, true},
		{StageAwaitingStart, StageCancelled, true},
		{StageAwaitingFinalization, StageExpired, true},
		{StageAwaitingVerification, StageAwaitingStart, false},
		{StageAwaitingFinalization, StageAwaitingVerification, false},
		{StageAwaitingVerification, StageAwaitingVerification, false},
		{StageCompleted, StageExpired, false},
		{StageCancelled, StageCompleted, false},
		{StageExpired, StageCancelled, false},
	}
	for _, tc := range cases {
		err := ensureStageTransition(tc.from, tc.to)
		if (err == nil) != tc.ok {
			t.Fatalf("%s -> %s: err=%v, want ok=%v", tc.from, tc.to, err, tc.ok)
		}
	}
}

func TestStageOffers(t *testing.T) {
	if !StageAwaitingStart.Offers(ActionStatus) || StageAwaitingStart.Offers(ActionVerify) {
		t.Fatalf("unexpected AwaitingStart controls")
	}
	if !StageAwaitingFinalization.Offers(ActionCancel) {
		t.Fatalf("cancel missing from AwaitingFinalization")
	}
	if StageCompleted.Offers(ActionCancel) {
		t.Fatalf("terminal stage offers controls")
	}
}

func TestControlIDRoundTrip(t *testing.T) {
	id := ControlID("wf-1", ActionCreateChannel)
	if id != "gf:wf-1:create_channel" {
		t.Fatalf("control id = %q", id)
	}
	inst, a, err := ParseControlID(id)
	if err != nil || inst != "wf-1" || a != ActionCreateChannel {
		t.Fatalf("parse = %q %q %v", inst, a, err)
	}
	for _, bad := range []string{"", "gf:wf-1", "xx:wf-1:start", "gf::start", "gf:wf-1:launch", "gf:a:b:start"} {
		if _, _, err := ParseControlID(bad); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{auth.ForbiddenError{Permission: auth.PermStart}, CodePermissionDenied},
		{fmt.Errorf("read: %w", auth.ForbiddenError{Permission: auth.PermVerify}), CodePermissionDenied},
		{fmt.Errorf("create thread: %w", platform.ErrForbidden), CodePlatformPermission},
		{errors.New("boom"), CodeTransient},
		{fmt.Errorf("wrapped: %w", newError(CodeCooldown, "wait", nil)), CodeCooldown},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	denied := classify(auth.ForbiddenError{Permission: auth.PermStart, Required: []string{"Manager"}})
	if denied.Message != "You don't have permission to start workflows. Required roles: Manager" {
		t.Fatalf("message = %q", denied.Message)
	}
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewError(CodeCapacity, "full"))
	if !errors.Is(err, &Error{Code: CodeCapacity}) {
		t.Fatalf("errors.Is did not match by code")
	}
	if errors.Is(err, &Error{Code: CodeCooldown}) {
		t.Fatalf("errors.Is matched a different code")
	}
}

func TestRenderClosedDisablesControls(t *testing.T) {
	msg := renderClosed(Snapshot{ID: "wf-1", Stage: StageCancelled, InitiatorName: "alice"}, StageAwaitingVerification)
	if msg.Title != "Workflow Cancelled" || len(msg.Controls) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	for _, c := range msg.Controls {
		if !c.Disabled {
			t.Fatalf("control %s enabled", c.ID)
		}
	}
	if msg.Fields[0].Value != DefaultTitle {
		t.Fatalf("title fallback = %q", msg.Fields[0].Value)
	}
}
