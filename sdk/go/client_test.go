package gateflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListWorkflowsSendsQueryAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/workflows" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("guild_id"); got != "g1" {
			t.Errorf("guild_id = %q", got)
		}
		if got := r.URL.Query().Get("include_terminal"); got != "true" {
			t.Errorf("include_terminal = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "wf-1", "stage": "awaiting_start", "guild_id": "g1"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	items, err := c.ListWorkflows(context.Background(), "g1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "wf-1" || items[0].Stage != "awaiting_start" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestAPIKeyHeaderAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "k" {
			t.Errorf("api key = %q", got)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"nope"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.GetWorkflow(context.Background(), "a/b")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}

func TestSetGuildRolesOmitsEmptyTiers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v0/guilds/g1/roles" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if _, ok := body["manager"]; ok || body["admin"] != "Boss" {
			t.Errorf("unexpected body %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"guild_id": "g1", "bindings": []any{}})
	}))
	defer srv.Close()

	out, err := New(srv.URL).SetGuildRoles(context.Background(), "g1", "Boss", "", "")
	if err != nil {
		t.Fatalf("set roles: %v", err)
	}
	if out.GuildID != "g1" {
		t.Fatalf("unexpected response %+v", out)
	}
}
