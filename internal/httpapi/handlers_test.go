package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/restriction"
	"staffportal.org/internal/workspace"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.Tokens
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store := workspace.NewInMemory()
	ctx := context.Background()
	for _, ws := range []workspace.Workspace{
		{ID: "W1", Name: "Cafe Staff", GroupID: 7, OwnerID: "U1", Members: []string{"U1", "U2"}, AllowedRanks: []int{100}},
		{ID: "W2", Name: "Archive", GroupID: 7, OwnerID: "U1", Members: []string{"U1"}, IsDeleted: true},
	} {
		if _, err := store.Create(ctx, ws); err != nil {
			t.Fatalf("seed workspace: %v", err)
		}
	}

	tokens, err := auth.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	workspaces := workspace.NewService(store, workspace.NewResolver())
	restrictions := restriction.NewService(restriction.NewInMemory(), nil)

	opts = append([]Option{WithRateLimit(100, 100)}, opts...)
	api := New(ReadyProbe{}, "test", Services{
		Workspaces:   workspaces,
		Restrictions: restrictions,
		Propagator:   restriction.NewPropagator(restrictions, workspaces),
		Tokens:       tokens,
	}, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		tokens:  tokens,
		t:       t,
	}
}

func (c *apiClient) token(principalID string) string {
	c.t.Helper()
	tok, err := c.tokens.Issue(workspace.Principal{ID: principalID}, time.Hour)
	if err != nil {
		c.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path string, params url.Values, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		if raw, ok := body.(string); ok {
			payload = []byte(raw)
		} else {
			var err error
			if payload, err = json.Marshal(body); err != nil {
				c.t.Fatalf("marshal body: %v", err)
			}
		}
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(method, u.String(), bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", r.Request.Method, r.Request.URL.Path, want, r.StatusCode)
	}
}

type deniedBody struct {
	Error          string   `json:"error"`
	PossibleCauses []string `json:"possible_causes"`
	RequestID      string   `json:"request_id"`
}

type accessBody struct {
	Decision    string                   `json:"decision"`
	Workspace   map[string]any           `json:"workspace"`
	Feature     string                   `json:"feature"`
	Restricted  bool                     `json:"restricted"`
	Restriction *restriction.Restriction `json:"restriction"`
}

func TestHealthEndpointsArePublic(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.do(http.MethodGet, path, nil, "", nil)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}

func TestWorkspaceRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/v1/workspaces", nil, "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/workspaces/W1/access", nil, "not-a-jwt", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != "invalid token" || body["request_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestDashboardListsAccessibleWorkspaces(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/v1/workspaces", nil, api.token("U2"), nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Items []struct {
			ID       string `json:"id"`
			Decision string `json:"decision"`
		} `json:"items"`
	}](t, resp)
	if len(body.Items) != 1 || body.Items[0].ID != "W1" || body.Items[0].Decision != "member" {
		t.Fatalf("unexpected dashboard %+v", body.Items)
	}
}

func TestAccessDenialIsGeneric(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		name      string
		principal string
		id        string
	}{
		{"stranger", "U9", "W1"},
		{"deleted workspace owner", "U1", "W2"},
		{"missing workspace", "U1", "W404"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(http.MethodGet, "/v1/workspaces/"+tc.id+"/access", nil, api.token(tc.principal), nil)
			expectStatus(t, resp, http.StatusForbidden)
			body := decode[deniedBody](t, resp)
			if body.Error != "access denied" || len(body.PossibleCauses) != len(workspace.DeniedCauses) {
				t.Fatalf("unexpected denial %+v", body)
			}
		})
	}
}

func TestAccessReportsFeatureRestriction(t *testing.T) {
	api := newTestAPI(t)
	owner, member := api.token("U1"), api.token("U2")

	resp := api.do(http.MethodPut, "/v1/workspaces/W1/restriction", nil, owner, map[string]any{
		"features": []string{"automation"},
		"reason":   "audit",
		"duration": "3 days",
	})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/workspaces/W1/access", url.Values{"path": {"/workspace/W1/automation/rules"}}, member, nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[accessBody](t, resp)
	if got.Decision != "member" || !got.Restricted || got.Feature != "automation" {
		t.Fatalf("expected automation to be restricted, got %+v", got)
	}
	if got.Restriction == nil || got.Restriction.Reason != "audit" || got.Restriction.ExpiresAt == nil {
		t.Fatalf("unexpected restriction %+v", got.Restriction)
	}
	if _, ok := got.Workspace["members"]; ok {
		t.Fatalf("member list leaked: %v", got.Workspace)
	}

	resp = api.do(http.MethodGet, "/v1/workspaces/W1/access", url.Values{"path": {"/workspace/W1/time-tracking"}}, member, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[accessBody](t, resp); got.Restricted {
		t.Fatalf("time tracking should stay open, got %+v", got)
	}

	resp = api.do(http.MethodGet, "/v1/workspaces/W1/access", url.Values{"path": {"/workspace/W9/automation"}}, member, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRestrictionMutationsAreOwnerOnly(t *testing.T) {
	api := newTestAPI(t)
	owner, member := api.token("U1"), api.token("U2")

	resp := api.do(http.MethodPut, "/v1/workspaces/W1/restriction", nil, member, map[string]any{"features": []string{"members"}})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/workspaces/W1/restriction", nil, member, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/workspaces/W1/restriction", nil, owner, map[string]any{"features": []string{"payroll"}})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/workspaces/W1/restriction", nil, owner, `{"features":["members"],"severity":"high"}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/workspaces/W1/restriction", nil, owner, map[string]any{"features": []string{"members"}})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/workspaces/W1/restriction", nil, owner, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/workspaces/W1/restriction", nil, member, nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if v, ok := body["restriction"]; !ok || v != nil {
		t.Fatalf("expected null restriction after clear, got %v", body)
	}
}

func TestRestrictionMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/workspaces/W1/restriction", nil, api.token("U1"), nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if allow := resp.Header.Get("Allow"); allow != "GET, PUT, DELETE" {
		t.Fatalf("unexpected Allow header %q", allow)
	}
	resp.Body.Close()
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("db down") }

func TestReadyReportsProbeFailure(t *testing.T) {
	api := New(ReadyProbe{Store: downStore{}}, "test", Services{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
