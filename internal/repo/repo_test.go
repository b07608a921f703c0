package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/migrate"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }}
}

func TestGuildRoleBindings(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	b, err := r.SetGuildRole(ctx, "g1", domain.TierManager, "  Lead ", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "Lead", b.RoleName)
	assert.Equal(t, "2024-05-01T10:00:00Z", b.UpdatedAt)

	_, err = r.SetGuildRole(ctx, "g1", "owner", "X", "admin-1")
	assert.Error(t, err)
	_, err = r.SetGuildRole(ctx, "g1", domain.TierUser, " ", "admin-1")
	assert.Error(t, err)

	out, err := r.SetGuildRoles(ctx, "g1", map[string]string{
		domain.TierUser:    "Crew",
		domain.TierAdmin:   "Boss",
		domain.TierManager: "Chief",
	}, "admin-2")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, domain.TierAdmin, out[0].Tier)

	_, err = r.SetGuildRoles(ctx, "g2", map[string]string{domain.TierUser: "Other"}, "admin-3")
	require.NoError(t, err)

	list, err := r.ListGuildRoles(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"Boss", "Chief", "Crew"}, []string{list[0].RoleName, list[1].RoleName, list[2].RoleName})
	assert.Equal(t, "admin-2", list[1].UpdatedBy)

	all, err := r.ListGuildRoles(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	tiers, err := r.GuildTiers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Chief"}, tiers.Manager)
	assert.Equal(t, []string{"Crew"}, tiers.User)

	require.NoError(t, r.DeleteGuildRole(ctx, "g1", domain.TierUser))
	assert.True(t, errors.Is(r.DeleteGuildRole(ctx, "g1", domain.TierUser), ErrNotFound))
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	hash := HashAPIKey(" gf_secret\n")
	assert.Equal(t, HashAPIKey("gf_secret"), hash)
	assert.Len(t, hash, 64)

	assert.Error(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", Subject: "ops"}))
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{
		ID: "k1", Subject: "ops", Name: "ci", Scopes: []string{"guild.roles.write", "workflows.read"}, KeyHash: hash,
	}))
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k2", Subject: "other", KeyHash: HashAPIKey("x")}))

	got, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)
	assert.Equal(t, []string{"guild.roles.write", "workflows.read"}, got.Scopes)
	assert.Equal(t, "2024-05-01T10:00:00Z", got.CreatedAt)

	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	keys, err = r.ListAPIKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Nil(t, keys[1].Scopes)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), ErrNotFound)
	assert.Error(t, r.DeleteAPIKey(ctx, " "))
}
