package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gateflow/internal/config"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/logging"
	"gateflow/internal/platform"
	"gateflow/internal/platform/platformtest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine *engine.Engine
	Fake   *platformtest.Fake
	Clock  *clock
	Ctx    context.Context
}

var general = domain.ChannelRef{GuildID: "g1", ID: "c1", Name: "general"}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	fake := platformtest.New()
	fake.SetMember(domain.Participant{
		ID: "u1", Username: "alice", GuildID: "g1",
		Roles: []domain.Role{{ID: "r-mgr", Name: "Manager", Position: 2}},
	})
	fake.SetMember(domain.Participant{
		ID: "u2", Username: "bob", GuildID: "g1",
		Roles: []domain.Role{{ID: "r-mem", Name: "Member", Position: 1}},
	})
	clk := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(fake, cfg, logging.Discard())
	eng.Now = clk.Now
	seq := 0
	eng.NewID = func() string {
		seq++
		return fmt.Sprintf("wf-%d", seq)
	}
	return testEnv{Engine: eng, Fake: fake, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) start(t *testing.T) engine.Snapshot {
	t.Helper()
	snap, err := env.Engine.Start(env.Ctx, engine.StartRequest{
		Actor:   engine.ActorRef{GuildID: "g1", UserID: "u1"},
		Context: general,
		Title:   "  Onboarding  ",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return snap
}

func (env testEnv) press(id, user string, a engine.Action) engine.Reply {
	return env.Engine.Handle(env.Ctx, id, engine.ActorRef{GuildID: "g1", UserID: user}, a)
}

func mustStage(t *testing.T, env testEnv, id string, want engine.Stage) engine.Snapshot {
	t.Helper()
	snap, ok := env.Engine.Get(id)
	if !ok {
		t.Fatalf("instance %s not found", id)
	}
	if snap.Stage != want {
		t.Fatalf("stage = %s, want %s", snap.Stage, want)
	}
	return snap
}

func TestHappyPathCreatesThreadAndChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	if snap.Stage != engine.StageAwaitingStart || snap.Title != "Onboarding" {
		t.Fatalf("unexpected start snapshot %+v", snap)
	}
	if snap.Description != engine.DefaultDescription {
		t.Fatalf("description = %q", snap.Description)
	}
	if want := env.Clock.Now().Add(300 * time.Second); !snap.StageDeadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", snap.StageDeadline, want)
	}

	if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() {
		t.Fatalf("start action: %+v", r)
	}
	s := mustStage(t, env, snap.ID, engine.StageAwaitingVerification)
	if s.Workspace == nil || s.Workspace.Name != "workflow-general-alice-0101-1200" {
		t.Fatalf("unexpected workspace %+v", s.Workspace)
	}
	if want := env.Clock.Now().Add(600 * time.Second); !s.StageDeadline.Equal(want) {
		t.Fatalf("verification deadline = %v, want %v", s.StageDeadline, want)
	}
	origin, ok := env.Fake.LastEdit(domain.MessageRef{ChannelID: "c1", ID: "msg-1"})
	if !ok || !strings.Contains(origin.Body, s.Workspace.Name) {
		t.Fatalf("start surface not redirected: %+v", origin)
	}

	if r := env.press(snap.ID, "u1", engine.ActionVerify); !r.OK() {
		t.Fatalf("verify: %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingFinalization)

	r := env.press(snap.ID, "u1", engine.ActionCreateChannel)
	if !r.OK() || r.Text != "Channel created: #workflow-result-alice" {
		t.Fatalf("create channel: %+v", r)
	}
	done := mustStage(t, env, snap.ID, engine.StageCompleted)
	if done.ResultChannel == nil || done.ClosedAt == nil {
		t.Fatalf("completed snapshot missing result: %+v", done)
	}
	if len(done.History) != 4 {
		t.Fatalf("history = %+v", done.History)
	}

	_, threads, channels, archived := env.Fake.Snapshot()
	if len(threads) != 1 || len(archived) != 1 || archived[0].ID != threads[0].ID {
		t.Fatalf("workspace not archived: threads=%v archived=%v", threads, archived)
	}
	if len(channels) != 1 {
		t.Fatalf("channels = %v", channels)
	}
	var sawMember bool
	for _, rule := range channels[0].Opts.Access {
		if rule.Kind == platform.SubjectEveryone && rule.Deny&platform.PermView == 0 {
			t.Fatalf("everyone can view result channel")
		}
		if rule.Kind == platform.SubjectRole && rule.ID == "r-mgr" {
			sawMember = true
		}
	}
	if !sawMember {
		t.Fatalf("workflow role missing from access rules: %+v", channels[0].Opts.Access)
	}
}

func TestOnlyInitiatorCanAdvance(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)

	r := env.press(snap.ID, "u2", engine.ActionStart)
	if r.Code != engine.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", r)
	}
	r = env.press(snap.ID, "u2", engine.ActionCancel)
	if r.Code != engine.CodePermissionDenied {
		t.Fatalf("expected cancel rejected, got %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingStart)
}

func TestCheckStatusIsOpenToAnyone(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)

	r := env.press(snap.ID, "u2", engine.ActionStatus)
	if !r.OK() {
		t.Fatalf("status: %+v", r)
	}
	for _, want := range []string{"Permission level: user", "Roles: Member", "Can participate: yes", "Can start workflows: no"} {
		if !strings.Contains(r.Text, want) {
			t.Fatalf("status text %q missing %q", r.Text, want)
		}
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingStart)
}

func TestStartRequiresManager(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Start(env.Ctx, engine.StartRequest{
		Actor:   engine.ActorRef{GuildID: "g1", UserID: "u2"},
		Context: general,
	})
	if engine.CodeOf(err) != engine.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	reply := env.Engine.ErrorReply(env.Ctx, engine.ActorRef{GuildID: "g1", UserID: "u2"}, "start", err)
	if !strings.Contains(reply.Text, "start workflows") {
		t.Fatalf("reply = %q", reply.Text)
	}
	if n := len(env.Engine.List("g1", true)); n != 0 {
		t.Fatalf("rejected start registered %d instances", n)
	}
}

func TestVerifyRereadsRoles(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() {
		t.Fatalf("start action: %+v", r)
	}
	env.Fake.SetMember(domain.Participant{
		ID: "u1", Username: "alice", GuildID: "g1",
		Roles: []domain.Role{{ID: "r-mem", Name: "Member", Position: 1}},
	})
	r := env.press(snap.ID, "u1", engine.ActionVerify)
	if r.Code != engine.CodePermissionDenied || !strings.Contains(r.Text, "Manager level") {
		t.Fatalf("expected verify denial, got %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingVerification)
}

func TestExpiredOnActionAndBySweep(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.start(t)
	b := env.start(t)

	env.Clock.Advance(301 * time.Second)
	r := env.press(a.ID, "u1", engine.ActionStart)
	if r.Code != engine.CodeExpired {
		t.Fatalf("expected expired, got %+v", r)
	}
	mustStage(t, env, a.ID, engine.StageExpired)

	if n := env.Engine.Sweep(env.Ctx); n != 1 {
		t.Fatalf("sweep expired %d, want 1", n)
	}
	mustStage(t, env, b.ID, engine.StageExpired)
	if n := env.Engine.ActiveCount("g1"); n != 0 {
		t.Fatalf("active = %d", n)
	}

	r = env.press(b.ID, "u1", engine.ActionStart)
	if r.Code != engine.CodeUnavailable {
		t.Fatalf("terminal instance accepted action: %+v", r)
	}

	env.Clock.Advance(2 * time.Hour)
	env.Engine.Sweep(env.Ctx)
	if _, ok := env.Engine.Get(a.ID); ok {
		t.Fatalf("closed instance kept past retention")
	}
}

func TestExpiryIsStrictlyAfterDeadline(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)

	env.Clock.Advance(300 * time.Second)
	if n := env.Engine.Sweep(env.Ctx); n != 0 {
		t.Fatalf("sweep at the deadline expired %d", n)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingStart)

	env.Clock.Advance(time.Nanosecond)
	if n := env.Engine.Sweep(env.Ctx); n != 1 {
		t.Fatalf("sweep past the deadline expired %d, want 1", n)
	}
	mustStage(t, env, snap.ID, engine.StageExpired)
}

func TestExpiryArchivesWorkspace(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() {
		t.Fatalf("start action: %+v", r)
	}
	env.Clock.Advance(601 * time.Second)
	env.Engine.Sweep(env.Ctx)
	mustStage(t, env, snap.ID, engine.StageExpired)
	if _, _, _, archived := env.Fake.Snapshot(); len(archived) != 1 {
		t.Fatalf("workspace not archived on expiry")
	}
	msg, ok := env.Fake.LastEdit(domain.MessageRef{ChannelID: "c1", ID: "msg-1"})
	if !ok || msg.Title != "Workflow Expired" {
		t.Fatalf("origin surface = %+v", msg)
	}
	for _, c := range msg.Controls {
		if !c.Disabled {
			t.Fatalf("control %s still enabled", c.ID)
		}
	}
}

func TestAutoExpireSweepsInBackground(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	env.Clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	stop := env.Engine.AutoExpire(ctx, 5*time.Millisecond)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := env.Engine.Get(snap.ID); s.Stage == engine.StageExpired {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance not expired by background sweep")
}

func TestAutoExpireStopTwice(t *testing.T) {
	env := newTestEnv(t, nil)
	stop := env.Engine.AutoExpire(env.Ctx, time.Millisecond)
	stop()
	stop()
}

func TestCancelClosesWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() {
		t.Fatalf("start action: %+v", r)
	}
	if r := env.press(snap.ID, "u1", engine.ActionCancel); !r.OK() {
		t.Fatalf("cancel: %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageCancelled)
	if r := env.press(snap.ID, "u1", engine.ActionVerify); r.Code != engine.CodeUnavailable {
		t.Fatalf("cancelled instance accepted verify: %+v", r)
	}
	if got := env.Engine.List("g1", false); len(got) != 0 {
		t.Fatalf("closed instance listed as active: %+v", got)
	}
	if got := env.Engine.List("g1", true); len(got) != 1 {
		t.Fatalf("closed instance missing from full list")
	}
}

func TestActionNotOfferedInStage(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	if r := env.press(snap.ID, "u1", engine.ActionCreateChannel); r.Code != engine.CodeUnavailable {
		t.Fatalf("expected unavailable, got %+v", r)
	}
	if r := env.press("missing", "u1", engine.ActionStart); r.Code != engine.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", r)
	}
}

func TestWorkspaceFailureLeavesAwaitingStart(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	env.Fake.ThreadErr = fmt.Errorf("create thread: %w", platform.ErrForbidden)

	r := env.press(snap.ID, "u1", engine.ActionStart)
	if r.Code != engine.CodePlatformPermission {
		t.Fatalf("expected platform_permission, got %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingStart)

	env.Fake.ThreadErr = nil
	if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() {
		t.Fatalf("retry: %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingVerification)
}

func TestChannelFailureIsTransient(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)
	env.press(snap.ID, "u1", engine.ActionStart)
	env.press(snap.ID, "u1", engine.ActionVerify)
	env.Fake.ChannelErr = errors.New("gateway timeout")

	r := env.press(snap.ID, "u1", engine.ActionCreateChannel)
	if r.Code != engine.CodeTransient {
		t.Fatalf("expected transient, got %+v", r)
	}
	mustStage(t, env, snap.ID, engine.StageAwaitingFinalization)
}

func TestFeatureToggles(t *testing.T) {
	t.Run("no threads", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.Features.ThreadCreation = false })
		snap := env.start(t)
		if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() || r.Text != "Workflow started!" {
			t.Fatalf("start action: %+v", r)
		}
		s := mustStage(t, env, snap.ID, engine.StageAwaitingVerification)
		if s.Workspace != nil {
			t.Fatalf("workspace created with threads disabled")
		}
		sent, _, _, _ := env.Fake.Snapshot()
		if sent[len(sent)-1].Channel.ID != "c1" {
			t.Fatalf("verification surface not posted in context: %+v", sent[len(sent)-1])
		}
	})
	t.Run("no verification", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.Features.RoleVerification = false })
		snap := env.start(t)
		env.press(snap.ID, "u1", engine.ActionStart)
		mustStage(t, env, snap.ID, engine.StageAwaitingFinalization)
	})
	t.Run("no channels", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.Features.ChannelCreation = false })
		snap := env.start(t)
		env.press(snap.ID, "u1", engine.ActionStart)
		if r := env.press(snap.ID, "u1", engine.ActionVerify); !r.OK() {
			t.Fatalf("verify: %+v", r)
		}
		s := mustStage(t, env, snap.ID, engine.StageCompleted)
		if s.ResultChannel != nil {
			t.Fatalf("result channel created with channels disabled")
		}
		if _, _, channels, archived := env.Fake.Snapshot(); len(channels) != 0 || len(archived) != 1 {
			t.Fatalf("channels=%v archived=%v", channels, archived)
		}
	})
	t.Run("no verification and no channels", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) {
			c.Features.RoleVerification = false
			c.Features.ChannelCreation = false
		})
		snap := env.start(t)
		if r := env.press(snap.ID, "u1", engine.ActionStart); !r.OK() {
			t.Fatalf("start action: %+v", r)
		}
		s := mustStage(t, env, snap.ID, engine.StageCompleted)
		if s.ResultChannel != nil || s.Workspace != nil {
			t.Fatalf("side effects ran with nothing to do: %+v", s)
		}
		if r := env.press(snap.ID, "u1", engine.ActionCreateChannel); r.Code != engine.CodeUnavailable {
			t.Fatalf("create channel on completed workflow: %+v", r)
		}
		if _, threads, channels, _ := env.Fake.Snapshot(); len(channels) != 0 || len(threads) != 0 {
			t.Fatalf("threads=%v channels=%v", threads, channels)
		}
	})
	t.Run("channels turned off while finalizing", func(t *testing.T) {
		env := newTestEnv(t, nil)
		snap := env.start(t)
		env.press(snap.ID, "u1", engine.ActionStart)
		env.press(snap.ID, "u1", engine.ActionVerify)
		mustStage(t, env, snap.ID, engine.StageAwaitingFinalization)

		next := env.Engine.Config().Clone()
		next.Features.ChannelCreation = false
		env.Engine.SetConfig(next)

		if r := env.press(snap.ID, "u1", engine.ActionCreateChannel); !r.OK() {
			t.Fatalf("create channel: %+v", r)
		}
		s := mustStage(t, env, snap.ID, engine.StageCompleted)
		if s.ResultChannel != nil {
			t.Fatalf("result channel recorded: %+v", s.ResultChannel)
		}
		if _, _, channels, archived := env.Fake.Snapshot(); len(channels) != 0 || len(archived) != 1 {
			t.Fatalf("channels=%v archived=%v", channels, archived)
		}
	})
}

func TestSetConfigAppliesToNextStage(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)

	next := env.Engine.Config().Clone()
	next.Timeouts.Verification = 120 * time.Second
	env.Engine.SetConfig(next)

	s := mustStage(t, env, snap.ID, engine.StageAwaitingStart)
	if want := env.Clock.Now().Add(300 * time.Second); !s.StageDeadline.Equal(want) {
		t.Fatalf("running deadline changed: %v", s.StageDeadline)
	}
	env.press(snap.ID, "u1", engine.ActionStart)
	s = mustStage(t, env, snap.ID, engine.StageAwaitingVerification)
	if want := env.Clock.Now().Add(120 * time.Second); !s.StageDeadline.Equal(want) {
		t.Fatalf("verification deadline = %v, want %v", s.StageDeadline, want)
	}
}

func TestConcurrentPressesAdvanceOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.start(t)

	var wg sync.WaitGroup
	replies := make([]engine.Reply, 8)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = env.press(snap.ID, "u1", engine.ActionStart)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range replies {
		if r.OK() {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("%d presses succeeded, want 1", ok)
	}
	if _, threads, _, _ := env.Fake.Snapshot(); len(threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(threads))
	}
}
