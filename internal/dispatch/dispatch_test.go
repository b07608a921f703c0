package dispatch

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateflow/internal/config"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/logging"
	"gateflow/internal/platform/platformtest"
)

type memRoles struct {
	calls int
}

func (m *memRoles) SetGuildRoles(_ context.Context, guildID string, byTier map[string]string, actorID string) ([]domain.GuildRoleBinding, error) {
	m.calls++
	var out []domain.GuildRoleBinding
	for tier, name := range byTier {
		if name == "" {
			continue
		}
		out = append(out, domain.GuildRoleBinding{GuildID: guildID, Tier: tier, RoleName: name, UpdatedBy: actorID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

type fixture struct {
	d     *Dispatcher
	fake  *platformtest.Fake
	roles *memRoles
	now   time.Time
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	fake := platformtest.New()
	fake.SetMember(domain.Participant{ID: "u1", Username: "alice", GuildID: "g1",
		Roles: []domain.Role{{ID: "r1", Name: "Manager", Position: 1}}})
	fake.SetMember(domain.Participant{ID: "u2", Username: "bob", GuildID: "g1",
		Roles: []domain.Role{{ID: "r1", Name: "Manager", Position: 1}}})
	fake.SetMember(domain.Participant{ID: "boss", Username: "boss", GuildID: "g1",
		Permissions: domain.GuildPermissions{Administrator: true}})
	fake.SetMember(domain.Participant{ID: fake.Bot, Username: "gateflow", GuildID: "g1",
		Permissions: domain.GuildPermissions{ManageChannels: true}})

	f := &fixture{fake: fake, roles: &memRoles{}, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := engine.New(fake, cfg, logging.Discard())
	e.Now = func() time.Time { return f.now }
	f.d = New(e, f.roles, logging.Discard())
	f.d.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) start(user string) engine.Reply {
	return f.d.StartWorkflow(context.Background(), WorkflowCommand{
		Actor:   engine.ActorRef{GuildID: "g1", UserID: user},
		Channel: domain.ChannelRef{GuildID: "g1", ID: "c1", Name: "general"},
		Title:   "Onboarding",
	})
}

func TestStartWorkflowCooldown(t *testing.T) {
	f := newFixture(t, nil)

	r := f.start("u1")
	require.True(t, r.OK(), r.Text)
	assert.Equal(t, `Workflow "Onboarding" created in #general.`, r.Text)

	f.now = f.now.Add(10 * time.Second)
	r = f.start("u1")
	assert.Equal(t, engine.CodeCooldown, r.Code)
	assert.Contains(t, r.Text, "wait 20 seconds")

	assert.True(t, f.start("u2").OK(), "cooldown is per initiator")

	f.now = f.now.Add(21 * time.Second)
	assert.True(t, f.start("u1").OK())
}

func TestRejectedStartDoesNotConsumeCooldown(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.SetMember(domain.Participant{ID: "u1", Username: "alice", GuildID: "g1"})

	r := f.start("u1")
	assert.Equal(t, engine.CodePermissionDenied, r.Code)

	f.fake.SetMember(domain.Participant{ID: "u1", Username: "alice", GuildID: "g1",
		Roles: []domain.Role{{ID: "r1", Name: "Manager", Position: 1}}})
	assert.True(t, f.start("u1").OK())
}

func TestStartWorkflowCapacity(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Limits.MaxConcurrent = 1
		c.Limits.Cooldown = 0
	})
	require.True(t, f.start("u1").OK())

	r := f.start("u2")
	assert.Equal(t, engine.CodeCapacity, r.Code)
	assert.Contains(t, r.Text, "1 active workflows")
}

func TestCapacityHoldsSlotsForStartsInFlight(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Limits.MaxConcurrent = 2
		c.Limits.Cooldown = 0
	})
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, u := range users[2:] {
		f.fake.SetMember(domain.Participant{ID: u, Username: u, GuildID: "g1",
			Roles: []domain.Role{{ID: "r1", Name: "Manager", Position: 1}}})
	}
	gate := make(chan struct{})
	f.fake.SendGate = gate

	replies := make(chan engine.Reply, len(users))
	for _, u := range users {
		go func(u string) { replies <- f.start(u) }(u)
	}

	// Starts beyond the cap are refused while the first two are still posting.
	for i := 0; i < len(users)-2; i++ {
		select {
		case r := <-replies:
			assert.Equal(t, engine.CodeCapacity, r.Code, r.Text)
		case <-time.After(5 * time.Second):
			t.Fatal("start beyond capacity was not refused")
		}
	}
	close(gate)
	for i := 0; i < 2; i++ {
		r := <-replies
		assert.True(t, r.OK(), r.Text)
	}
	assert.Equal(t, 2, f.d.Engine.ActiveCount("g1"))
	assert.Equal(t, engine.CodeCapacity, f.start("u1").Code)
}

func TestPressRoutesControls(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.start("u1").OK())
	list := f.d.Engine.List("g1", false)
	require.Len(t, list, 1)

	actor := engine.ActorRef{GuildID: "g1", UserID: "u1"}
	r := f.d.Press(context.Background(), actor, engine.ControlID(list[0].ID, engine.ActionStart))
	require.True(t, r.OK(), r.Text)

	r = f.d.Press(context.Background(), actor, "someone-elses-button")
	assert.Equal(t, engine.CodeUnavailable, r.Code)
}

func TestSetupRolesRequiresAdministrator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.d.SetupRoles(ctx, engine.ActorRef{GuildID: "g1", UserID: "u1"}, map[string]string{"manager": "Lead"})
	assert.Equal(t, engine.CodePermissionDenied, r.Code)
	assert.Zero(t, f.roles.calls)

	r = f.d.SetupRoles(ctx, engine.ActorRef{GuildID: "g1", UserID: "boss"}, map[string]string{"admin": "Boss", "manager": "Lead"})
	require.True(t, r.OK(), r.Text)
	assert.Equal(t, "Workflow roles configured.\nAdmin role: Boss\nManager role: Lead", r.Text)

	r = f.d.SetupRoles(ctx, engine.ActorRef{GuildID: "g1", UserID: "boss"}, map[string]string{"user": ""})
	assert.Equal(t, engine.CodeUnavailable, r.Code)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.start("u1").OK())

	r := f.d.SystemStatus(context.Background(), "g1")
	require.True(t, r.OK(), r.Text)
	for _, want := range []string{"Active workflows: 1/10", "Manage Channels: yes", "Manage Threads: no"} {
		assert.True(t, strings.Contains(r.Text, want), "missing %q in %q", want, r.Text)
	}
}
