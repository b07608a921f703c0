package server

import (
	"strings"

	"gateflow/internal/domain"
	"gateflow/internal/engine"
)

// Request payloads

type GuildRolesRequest struct {
	Admin   string `json:"admin,omitempty" doc:"Role name bound to the admin tier"`
	Manager string `json:"manager,omitempty" doc:"Role name bound to the manager tier"`
	User    string `json:"user,omitempty" doc:"Role name bound to the user tier"`
}

func (r GuildRolesRequest) byTier() map[string]string {
	out := map[string]string{}
	for tier, name := range map[string]string{
		domain.TierAdmin:   r.Admin,
		domain.TierManager: r.Manager,
		domain.TierUser:    r.User,
	} {
		if name = strings.TrimSpace(name); name != "" {
			out[tier] = name
		}
	}
	return out
}

// Response payloads

type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Connected bool   `json:"connected" doc:"Whether the chat gateway session is open"`
}

type FeaturesResponse struct {
	ThreadCreation   bool `json:"thread_creation"`
	ChannelCreation  bool `json:"channel_creation"`
	RoleVerification bool `json:"role_verification"`
}

type TimeoutsResponse struct {
	StartSeconds        int64 `json:"start_seconds"`
	VerificationSeconds int64 `json:"verification_seconds"`
	FinalizationSeconds int64 `json:"finalization_seconds"`
}

type LimitsResponse struct {
	CooldownSeconds int64 `json:"cooldown_seconds"`
	MaxConcurrent   int   `json:"max_concurrent"`
}

type StatusResponse struct {
	Connected       bool             `json:"connected"`
	ActiveWorkflows int              `json:"active_workflows"`
	WorkflowType    string           `json:"workflow_type"`
	Features        FeaturesResponse `json:"features"`
	Timeouts        TimeoutsResponse `json:"timeouts"`
	Limits          LimitsResponse   `json:"limits"`
}

type WorkflowListResponse struct {
	Items []engine.Snapshot `json:"items"`
}

type TierNames struct {
	Admin   []string `json:"admin"`
	Manager []string `json:"manager"`
	User    []string `json:"user"`
}

type GuildRolesResponse struct {
	GuildID   string                    `json:"guild_id"`
	Bindings  []domain.GuildRoleBinding `json:"bindings"`
	Effective TierNames                 `json:"effective" doc:"Configured role names merged with the guild bindings"`
}

type MeResponse struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source" enum:"jwt,api_key"`
}

func statusResponse(e *engine.Engine, isConnected bool) StatusResponse {
	cfg := e.Config()
	return StatusResponse{
		Connected:       isConnected,
		ActiveWorkflows: len(e.List("", false)),
		WorkflowType:    cfg.Workflow.Type,
		Features: FeaturesResponse{
			ThreadCreation:   cfg.Features.ThreadCreation,
			ChannelCreation:  cfg.Features.ChannelCreation,
			RoleVerification: cfg.Features.RoleVerification,
		},
		Timeouts: TimeoutsResponse{
			StartSeconds:        int64(cfg.Timeouts.Start.Seconds()),
			VerificationSeconds: int64(cfg.Timeouts.Verification.Seconds()),
			FinalizationSeconds: int64(cfg.Timeouts.Finalization.Seconds()),
		},
		Limits: LimitsResponse{
			CooldownSeconds: int64(cfg.Limits.Cooldown.Seconds()),
			MaxConcurrent:   cfg.Limits.MaxConcurrent,
		},
	}
}
