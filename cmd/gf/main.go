package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gateflow/internal/app"
	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/logging"
	"gateflow/internal/migrate"
	"gateflow/internal/platform/discord"
	"gateflow/internal/provision"
	"gateflow/internal/repo"
	"gateflow/internal/server"
	"gateflow/internal/telemetry"
	gateflowsdk "gateflow/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Gateflow approval workflow bot",
	Long: `Gateflow runs multi-step approval workflows in chat servers.
- A manager posts a workflow with /workflow; the initiator presses Start.
- Start opens a workspace thread where the initiator verifies their role (manager level required)
  and then finalizes by creating a restricted result channel.
- Every stage has a timeout; stale workflows expire on their own.
- Role tiers (admin, manager, user) come from gateflow.yml and per-server overrides set with /setup-roles or 'gf roles set'.
- The ops API (gf serve) exposes health, status, workflows and role bindings under /v0.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory (holds gateflow.yml and .gateflow/)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-url", "http://127.0.0.1:8080", "ops API base URL")
	rootCmd.PersistentFlags().String("api-token", "", "ops API bearer token")
	rootCmd.PersistentFlags().String("api-key", "", "ops API key")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api-token", rootCmd.PersistentFlags().Lookup("api-token"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(workflowsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(sanitizeCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var noAPI bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and run the bot with its ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			logger, err := logging.New(env.LogLevel, env.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = env.HTTPAddr
			}
			if noAPI {
				addr = ""
			} else if env.JWTSecret == "" {
				return fmt.Errorf("GATEFLOW_JWT_SECRET is required for the ops API (or pass --no-api)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := telemetry.Init(ctx, "gateflow", version); err != nil {
				logger.Warn("telemetry disabled", "err", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}()

			session, err := discord.Connect(ctx, env.BotToken, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			rt, err := app.Open(ctx, discord.NewClient(session), app.Options{
				Workspace: viper.GetString("workspace"),
				Env:       env,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			router := &discord.Router{Session: session, Dispatcher: rt.Dispatcher, Logger: logger}
			if err := router.RegisterCommands(ctx, env.ApplicationID, env.CommandGuildID); err != nil {
				return err
			}
			detach := router.Attach()
			defer detach()

			logger.Info("gateflow running", "version", version, "api", addr)
			return rt.Run(ctx, app.RunOptions{
				Addr:        addr,
				Version:     version,
				Connected:   discord.TrackConnection(session),
				WatchConfig: true,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "ops API listen address (defaults to GATEFLOW_HTTP_ADDR)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the ops API")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage gateflow.yml",
		Long:  "Config holds role tiers, stage timeouts, feature toggles and limits. Environment variables override file values.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gateflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (file plus environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := effectiveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate gateflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func effectiveConfig() (*config.Config, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	return app.LoadConfig(viper.GetString("workspace"), env)
}

func rolesCmd() *cobra.Command {
	roles := &cobra.Command{
		Use:   "roles",
		Short: "Manage per-server role tier bindings",
	}
	roles.AddCommand(rolesListCmd())
	roles.AddCommand(rolesSetCmd())
	roles.AddCommand(rolesUnsetCmd())
	return roles
}

func rolesListCmd() *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored role bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				bindings, err := r.ListGuildRoles(ctx, guildID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bindings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Guild", "Tier", "Role", "Updated By", "Updated At"})
				for _, b := range bindings {
					tw.AppendRow(table.Row{b.GuildID, b.Tier, b.RoleName, b.UpdatedBy, b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id (all guilds when empty)")
	return cmd
}

func rolesSetCmd() *cobra.Command {
	var guildID, tier, role, actor string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Bind a role name to a tier for one guild",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := r.SetGuildRole(ctx, guildID, tier, role, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&tier, "tier", "", "tier (admin, manager, user)")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	cmd.Flags().StringVar(&actor, "actor", "cli", "recorded as updated_by")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("tier")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rolesUnsetCmd() *cobra.Command {
	var guildID, tier string
	cmd := &cobra.Command{
		Use:   "unset",
		Short: "Remove a tier binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteGuildRole(ctx, guildID, tier); err != nil {
					return err
				}
				fmt.Printf("removed %s binding for guild %s\n", tier, guildID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&tier, "tier", "", "tier (admin, manager, user)")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func workflowsCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflows on a running bot through the ops API",
	}
	wf.AddCommand(workflowsListCmd())
	wf.AddCommand(workflowsGetCmd())
	return wf
}

func workflowsListCmd() *cobra.Command {
	var guildID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().ListWorkflows(cmd.Context(), guildID, all)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Guild", "Stage", "Initiator", "Title", "Deadline"})
			for _, w := range items {
				deadline := ""
				if !w.StageDeadline.IsZero() {
					deadline = w.StageDeadline.Local().Format(time.DateTime)
				}
				tw.AppendRow(table.Row{w.ID, w.GuildID, w.Stage, w.InitiatorName, w.Title, deadline})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id filter")
	cmd.Flags().BoolVar(&all, "all", false, "include finished workflows still retained")
	return cmd
}

func workflowsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := apiClient().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(w)
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage ops API keys",
	}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var subject, name string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := generateAPIKey()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:      uuid.NewString(),
				Subject: subject,
				Name:    name,
				Scopes:  scopes,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "subject": key.Subject, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "principal the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted permission (repeatable), e.g. "+server.PermRolesWrite)
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, subject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Scopes", "Created At"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Subject, k.Name, strings.Join(k.Scopes, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint an ops API token signed with GATEFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			token, err := server.SignToken(env.JWTSecret, subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "granted permission (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func sanitizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize <name>",
		Short: "Print the channel name a display name would produce",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(provision.SanitizeChannelName(strings.Join(args, " ")))
			return nil
		},
	}
}

func apiClient() *gateflowsdk.Client {
	c := gateflowsdk.New(viper.GetString("api-url"))
	c.BearerToken = viper.GetString("api-token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "gf_" + hex.EncodeToString(buf), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
