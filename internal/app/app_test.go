package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateflow/internal/config"
	"gateflow/internal/logging"
	"gateflow/internal/platform/platformtest"
)

func TestLoadConfigAppliesEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	yml := "limits:\n  max_concurrent: 3\nfeatures:\n  thread_creation: false\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	limit := 7
	cfg, err := LoadConfig(dir, config.Env{MaxConcurrent: &limit})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Limits.MaxConcurrent)
	assert.False(t, cfg.Features.ThreadCreation)
	assert.True(t, cfg.Features.ChannelCreation)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), config.Env{})
	require.NoError(t, err)
	assert.Equal(t, config.Default().Timeouts, cfg.Timeouts)
}

func TestOpenWiresStoredRoles(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, platformtest.New(), Options{Workspace: t.TempDir(), Memory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Repo.SetGuildRoles(ctx, "g1", map[string]string{"manager": "Lead"}, "admin-1")
	require.NoError(t, err)

	ev, err := rt.Engine.Evaluator(ctx, "g1")
	require.NoError(t, err)
	assert.Contains(t, ev.Tiers.Manager, "Lead")
	assert.Contains(t, ev.Tiers.Manager, "Manager")
}

func TestReloadKeepsEnvOverrides(t *testing.T) {
	ctx := context.Background()
	off := false
	rt, err := Open(ctx, platformtest.New(), Options{
		Workspace: t.TempDir(),
		Memory:    true,
		Env:       config.Env{RoleVerification: &off},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	defer rt.Close()
	require.False(t, rt.Engine.Config().Features.RoleVerification)

	next := config.Default()
	next.Limits.MaxConcurrent = 2
	rt.Reload(next)
	assert.Equal(t, 2, rt.Engine.Config().Limits.MaxConcurrent)
	assert.False(t, rt.Engine.Config().Features.RoleVerification)
}

func TestRunServesAPIUntilCancelled(t *testing.T) {
	rt, err := Open(context.Background(), platformtest.New(), Options{
		Workspace: t.TempDir(),
		Memory:    true,
		Env:       config.Env{JWTSecret: "s"},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	defer rt.Close()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(ctx, RunOptions{Listener: ln, Connected: func() bool { return false }})
	}()

	url := "http://" + ln.Addr().String() + "/v0/health"
	var body struct {
		Status    string `json:"status"`
		Connected bool   `json:"connected"`
	}
	require.Eventually(t, func() bool {
		res, err := http.Get(url)
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return res.StatusCode == http.StatusOK && json.NewDecoder(res.Body).Decode(&body) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.Connected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
