package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateflow/internal/domain"
	"gateflow/internal/engine/auth"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// SetGuildRole binds roleName to tier for a guild, replacing any previous binding.
func (r Repo) SetGuildRole(ctx context.Context, guildID, tier, roleName, actorID string) (domain.GuildRoleBinding, error) {
	if strings.TrimSpace(guildID) == "" {
		return domain.GuildRoleBinding{}, errors.New("guild_id required")
	}
	if !domain.ValidTier(tier) {
		return domain.GuildRoleBinding{}, fmt.Errorf("invalid tier %q", tier)
	}
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		return domain.GuildRoleBinding{}, errors.New("role_name required")
	}
	b := domain.GuildRoleBinding{GuildID: guildID, Tier: tier, RoleName: roleName, UpdatedBy: actorID, UpdatedAt: r.now()}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO guild_roles(guild_id,tier,role_name,updated_by,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(guild_id,tier) DO UPDATE SET role_name=excluded.role_name, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		b.GuildID, b.Tier, b.RoleName, b.UpdatedBy, b.UpdatedAt)
	if err != nil {
		return domain.GuildRoleBinding{}, fmt.Errorf("upsert guild role: %w", err)
	}
	return b, nil
}

// SetGuildRoles writes several tier bindings atomically. Empty names are skipped.
func (r Repo) SetGuildRoles(ctx context.Context, guildID string, byTier map[string]string, actorID string) ([]domain.GuildRoleBinding, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	now := r.now()
	var out []domain.GuildRoleBinding
	for _, tier := range []string{domain.TierAdmin, domain.TierManager, domain.TierUser} {
		name := strings.TrimSpace(byTier[tier])
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO guild_roles(guild_id,tier,role_name,updated_by,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(guild_id,tier) DO UPDATE SET role_name=excluded.role_name, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
			guildID, tier, name, actorID, now); err != nil {
			return nil, fmt.Errorf("upsert guild role %s: %w", tier, err)
		}
		out = append(out, domain.GuildRoleBinding{GuildID: guildID, Tier: tier, RoleName: name, UpdatedBy: actorID, UpdatedAt: now})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListGuildRoles returns the bindings of one guild, or of every guild when guildID is empty.
func (r Repo) ListGuildRoles(ctx context.Context, guildID string) ([]domain.GuildRoleBinding, error) {
	query := `SELECT guild_id,tier,role_name,updated_by,updated_at FROM guild_roles`
	var args []any
	if guildID != "" {
		query += ` WHERE guild_id=?`
		args = append(args, guildID)
	}
	query += ` ORDER BY guild_id, CASE tier WHEN 'admin' THEN 0 WHEN 'manager' THEN 1 ELSE 2 END`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GuildRoleBinding
	for rows.Next() {
		var b domain.GuildRoleBinding
		if err := rows.Scan(&b.GuildID, &b.Tier, &b.RoleName, &b.UpdatedBy, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteGuildRole removes one tier binding.
func (r Repo) DeleteGuildRole(ctx context.Context, guildID, tier string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM guild_roles WHERE guild_id=? AND tier=?`, guildID, tier)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GuildTiers returns the stored role names of a guild as evaluator tiers.
func (r Repo) GuildTiers(ctx context.Context, guildID string) (auth.Tiers, error) {
	bindings, err := r.ListGuildRoles(ctx, guildID)
	if err != nil {
		return auth.Tiers{}, err
	}
	var t auth.Tiers
	for _, b := range bindings {
		switch b.Tier {
		case domain.TierAdmin:
			t.Admin = append(t.Admin, b.RoleName)
		case domain.TierManager:
			t.Manager = append(t.Manager, b.RoleName)
		case domain.TierUser:
			t.User = append(t.User, b.RoleName)
		}
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
