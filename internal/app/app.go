// Package app wires configuration, storage, the workflow engine and the ops
// API into one runnable bot process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/dispatch"
	"gateflow/internal/engine"
	"gateflow/internal/migrate"
	"gateflow/internal/platform"
	"gateflow/internal/repo"
	"gateflow/internal/server"
)

const shutdownTimeout = 5 * time.Second

// LoadConfig reads the workspace config file, falling back to defaults when
// it is missing, and applies the environment overrides.
func LoadConfig(workspace string, env config.Env) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return env.Apply(cfg)
}

// Options selects the workspace and storage for Open.
type Options struct {
	Workspace string
	Env       config.Env
	// Memory keeps guild bindings and API keys in a private in-memory database.
	Memory bool
	Logger *slog.Logger
}

// Runtime holds the wired components of a running bot.
type Runtime struct {
	Workspace  string
	Env        config.Env
	DB         *sql.DB
	Repo       repo.Repo
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// Open loads config, opens and migrates the database and builds the engine
// and dispatcher on top of client.
func Open(ctx context.Context, client platform.Client, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(opts.Workspace, opts.Env)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Memory: opts.Memory})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "schema_version", version)

	r := repo.Repo{DB: conn}
	e := engine.New(client, cfg, logger)
	e.Tiers = r
	return &Runtime{
		Workspace:  opts.Workspace,
		Env:        opts.Env,
		DB:         conn,
		Repo:       r,
		Engine:     e,
		Dispatcher: dispatch.New(e, r, logger),
		Logger:     logger,
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// Reload re-applies the environment overrides to cfg and swaps it into the engine.
func (rt *Runtime) Reload(cfg *config.Config) {
	next, err := rt.Env.Apply(cfg)
	if err != nil {
		rt.Logger.Warn("config reload rejected", "err", err)
		return
	}
	rt.Engine.SetConfig(next)
}

// RunOptions configures Run.
type RunOptions struct {
	// Listener serves the ops API; when nil, Addr is used. An empty Addr with
	// no Listener disables the API.
	Listener  net.Listener
	Addr      string
	Version   string
	Connected func() bool
	// SweepInterval overrides the configured sweep interval when positive.
	SweepInterval time.Duration
	// WatchConfig reloads the workspace config file on change.
	WatchConfig bool
	// Extra runs alongside the built-in services and stops them when it fails.
	Extra []func(ctx context.Context) error
}

// Run serves until ctx is cancelled or a service fails. It runs the expiry
// sweeper, the optional config watcher and the ops API under one errgroup.
func (rt *Runtime) Run(ctx context.Context, opts RunOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stop := rt.Engine.AutoExpire(ctx, opts.SweepInterval)
		<-ctx.Done()
		stop()
		return nil
	})

	if opts.WatchConfig {
		path := config.Path(rt.Workspace)
		if _, err := os.Stat(path); err == nil {
			g.Go(func() error {
				return config.Watch(ctx, path, rt.Logger, rt.Reload)
			})
		} else {
			rt.Logger.Info("config file not found, reload disabled", "path", path)
		}
	}

	if opts.Listener != nil || opts.Addr != "" {
		handler, err := server.New(server.Config{
			Engine:    rt.Engine,
			Repo:      rt.Repo,
			BasePath:  "/v0",
			Version:   opts.Version,
			Connected: opts.Connected,
			Auth:      server.AuthConfig{JWTSecret: rt.Env.JWTSecret, Logger: rt.Logger},
		})
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: opts.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			var err error
			if opts.Listener != nil {
				rt.Logger.Info("ops api listening", "addr", opts.Listener.Addr().String())
				err = srv.Serve(opts.Listener)
			} else {
				rt.Logger.Info("ops api listening", "addr", opts.Addr)
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, fn := range opts.Extra {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
