package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds process settings read from the environment. Pointer fields are
// overrides that only apply when the variable is set.
type Env struct {
	BotToken       string `env:"DISCORD_BOT_TOKEN"`
	ApplicationID  string `env:"GATEFLOW_APPLICATION_ID"`
	CommandGuildID string `env:"GATEFLOW_COMMAND_GUILD_ID"`
	LogLevel       string `env:"GATEFLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"GATEFLOW_LOG_FORMAT" envDefault:"text"`
	HTTPAddr       string `env:"GATEFLOW_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	JWTSecret      string `env:"GATEFLOW_JWT_SECRET"`

	WorkflowTimeout   *int    `env:"WORKFLOW_TIMEOUT"`
	Cooldown          *int    `env:"WORKFLOW_COOLDOWN"`
	MaxConcurrent     *int    `env:"MAX_CONCURRENT_WORKFLOWS"`
	ThreadCreation    *bool   `env:"ENABLE_THREAD_CREATION"`
	ChannelCreation   *bool   `env:"ENABLE_CHANNEL_CREATION"`
	RoleVerification  *bool   `env:"ENABLE_ROLE_VERIFICATION"`
	CategoryID        *string `env:"WORKFLOW_CATEGORY"`
	ChannelPrefix     *string `env:"DEFAULT_CHANNEL_PREFIX"`
	ThreadAutoArchive *int    `env:"THREAD_AUTO_ARCHIVE"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// Apply overlays the set overrides onto a copy of cfg and re-normalizes it.
// WORKFLOW_TIMEOUT and WORKFLOW_COOLDOWN are seconds; THREAD_AUTO_ARCHIVE is minutes.
func (e Env) Apply(cfg *Config) (*Config, error) {
	out := cfg.Clone()
	if e.WorkflowTimeout != nil {
		out.Timeouts.Verification = time.Duration(*e.WorkflowTimeout) * time.Second
	}
	if e.Cooldown != nil {
		out.Limits.Cooldown = time.Duration(*e.Cooldown) * time.Second
	}
	if e.MaxConcurrent != nil {
		out.Limits.MaxConcurrent = *e.MaxConcurrent
	}
	if e.ThreadCreation != nil {
		out.Features.ThreadCreation = *e.ThreadCreation
	}
	if e.ChannelCreation != nil {
		out.Features.ChannelCreation = *e.ChannelCreation
	}
	if e.RoleVerification != nil {
		out.Features.RoleVerification = *e.RoleVerification
	}
	if e.CategoryID != nil {
		out.Channels.CategoryID = *e.CategoryID
	}
	if e.ChannelPrefix != nil {
		out.Channels.Prefix = *e.ChannelPrefix
	}
	if e.ThreadAutoArchive != nil {
		out.Channels.ThreadAutoArchive = time.Duration(*e.ThreadAutoArchive) * time.Minute
	}
	out.Normalize()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
