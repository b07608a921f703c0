package gateflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateflow ops API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Health is the unauthenticated liveness payload.
type Health struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// Channel identifies a text channel.
type Channel struct {
	GuildID string `json:"guild_id"`
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
}

// Thread identifies a workspace thread.
type Thread struct {
	GuildID  string `json:"guild_id"`
	ParentID string `json:"parent_id"`
	ID       string `json:"id"`
	Name     string `json:"name"`
}

// StageEntry records when a stage was entered.
type StageEntry struct {
	Stage string    `json:"stage"`
	At    time.Time `json:"at"`
}

// Workflow represents a workflow instance snapshot.
type Workflow struct {
	ID            string       `json:"id"`
	GuildID       string       `json:"guild_id"`
	InitiatorID   string       `json:"initiator_id"`
	InitiatorName string       `json:"initiator_name"`
	Stage         string       `json:"stage"`
	CreatedAt     time.Time    `json:"created_at"`
	StageDeadline time.Time    `json:"stage_deadline"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
	Context       Channel      `json:"context"`
	Workspace     *Thread      `json:"workspace,omitempty"`
	ResultChannel *Channel     `json:"result_channel,omitempty"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	History       []StageEntry `json:"history"`
}

// RoleBinding is a role name stored for one guild tier.
type RoleBinding struct {
	GuildID   string `json:"guild_id"`
	Tier      string `json:"tier"`
	RoleName  string `json:"role_name"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt string `json:"updated_at"`
}

// GuildRoles lists stored bindings and the effective tier names.
type GuildRoles struct {
	GuildID   string        `json:"guild_id"`
	Bindings  []RoleBinding `json:"bindings"`
	Effective struct {
		Admin   []string `json:"admin"`
		Manager []string `json:"manager"`
		User    []string `json:"user"`
	} `json:"effective"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks the server without credentials.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp, err
}

// ListWorkflows returns workflow snapshots, optionally for one guild.
func (c *Client) ListWorkflows(ctx context.Context, guildID string, includeTerminal bool) ([]Workflow, error) {
	q := url.Values{}
	if guildID != "" {
		q.Set("guild_id", guildID)
	}
	if includeTerminal {
		q.Set("include_terminal", "true")
	}
	endpoint := "v0/workflows"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Workflow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetWorkflow fetches one workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GuildRoles returns the role tiers of a guild.
func (c *Client) GuildRoles(ctx context.Context, guildID string) (GuildRoles, error) {
	var resp GuildRoles
	err := c.do(ctx, http.MethodGet, c.guildPath(guildID), nil, &resp)
	return resp, err
}

// SetGuildRoles binds role names to tiers; empty names are left unchanged.
func (c *Client) SetGuildRoles(ctx context.Context, guildID, admin, manager, user string) (GuildRoles, error) {
	body := map[string]string{}
	for k, v := range map[string]string{"admin": admin, "manager": manager, "user": user} {
		if v != "" {
			body[k] = v
		}
	}
	var resp GuildRoles
	err := c.do(ctx, http.MethodPut, c.guildPath(guildID), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) guildPath(guildID string) string {
	return fmt.Sprintf("v0/guilds/%s/roles", url.PathEscape(guildID))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
