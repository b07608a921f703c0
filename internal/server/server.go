package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/engine/auth"
	"gateflow/internal/events"
	"gateflow/internal/repo"
)

// Permissions checked by the ops API on top of authentication.
const (
	PermRolesWrite = "guild.roles.write"
	PermAll        = "*"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Version  string
	// Connected reports whether the chat gateway session is up.
	Connected func() bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"workflow not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"guild.roles.write\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gateflow ops API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Auth.logger()))
	router.Use(newAuthenticator(cfg.Auth, cfg.Repo).middleware(basePath, "health"))
	hcfg := huma.DefaultConfig("Gateflow API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Connected)
	registerStatus(group, cfg.Engine, cfg.Connected)
	registerWorkflows(group, cfg.Engine)
	registerGuildRoles(group, cfg.Engine, cfg.Repo)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var coded *engine.Error
	if errors.As(err, &coded) && coded.Code == engine.CodeNotFound {
		return newAPIError(http.StatusNotFound, "not_found", coded.Message, nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if !hasPermission(principal.Permissions, perm) {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func connected(fn func() bool) bool {
	return fn != nil && fn()
}

func registerHealth(api huma.API, isConnected func() bool) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Connected: connected(isConnected)}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine, isConnected func() bool) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Bot configuration and load",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(e, connected(isConnected))}, nil
	})
}

func registerWorkflows(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow instances",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		GuildID         string `query:"guild_id" doc:"Only instances started in this guild"`
		IncludeTerminal bool   `query:"include_terminal" doc:"Include completed, cancelled and expired instances still retained"`
	}) (*struct {
		Body WorkflowListResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items := e.List(strings.TrimSpace(input.GuildID), input.IncludeTerminal)
		return &struct {
			Body WorkflowListResponse `json:"body"`
		}{Body: WorkflowListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get workflow instance",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		snap, ok := e.Get(input.ID)
		if !ok {
			return nil, handleError(fmt.Errorf("workflow %s: %w", input.ID, repo.ErrNotFound))
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerGuildRoles(api huma.API, e *engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "get-guild-roles",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/roles",
		Summary:     "Effective role tiers for a guild",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body GuildRolesResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		out, err := guildRoles(ctx, e, r, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildRolesResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-guild-roles",
		Method:      http.MethodPut,
		Path:        "/guilds/{guild_id}/roles",
		Summary:     "Bind guild roles to tiers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string            `path:"guild_id"`
		Body    GuildRolesRequest `json:"body"`
	}) (*struct {
		Body GuildRolesResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRolesWrite); err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromRequest(ctx)
		byTier := input.Body.byTier()
		if len(byTier) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one of admin, manager or user is required", nil)
		}
		if _, err := r.SetGuildRoles(ctx, input.GuildID, byTier, principal.Subject); err != nil {
			return nil, handleError(err)
		}
		payload := events.EventPayload{"source": principal.Source}
		for tier, name := range byTier {
			payload[tier] = name
		}
		e.Events.Append(ctx, events.RolesUpdated, input.GuildID, "", principal.Subject, payload)
		out, err := guildRoles(ctx, e, r, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildRolesResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-guild-role",
		Method:      http.MethodDelete,
		Path:        "/guilds/{guild_id}/roles/{tier}",
		Summary:     "Remove a guild tier binding",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Tier    string `path:"tier" enum:"admin,manager,user"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermRolesWrite); err != nil {
			return nil, handleError(err)
		}
		if err := r.DeleteGuildRole(ctx, input.GuildID, input.Tier); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// guildRoles merges the stored bindings with the configured tiers.
func guildRoles(ctx context.Context, e *engine.Engine, r repo.Repo, guildID string) (GuildRolesResponse, error) {
	bindings, err := r.ListGuildRoles(ctx, guildID)
	if err != nil {
		return GuildRolesResponse{}, err
	}
	ev, err := e.Evaluator(ctx, guildID)
	if err != nil {
		return GuildRolesResponse{}, err
	}
	if bindings == nil {
		bindings = []domain.GuildRoleBinding{}
	}
	return GuildRolesResponse{
		GuildID:  guildID,
		Bindings: bindings,
		Effective: TierNames{
			Admin:   nonNilSlice(ev.Tiers.Admin),
			Manager: nonNilSlice(ev.Tiers.Manager),
			User:    nonNilSlice(ev.Tiers.User),
		},
	}, nil
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			Subject:     principal.Subject,
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
