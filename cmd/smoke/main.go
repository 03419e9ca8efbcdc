package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/workspace"
)

// smoke checks a running api: gRPC health, then a restriction round trip on
// an existing workspace as its owner.
func main() {
	grpcAddr := getenv("PORTAL_SMOKE_GRPC_ADDR", "localhost:9090")
	baseURL := getenv("PORTAL_SMOKE_BASE_URL", "http://localhost:8080")
	workspaceID := getenv("PORTAL_SMOKE_WORKSPACE", "01hx0000000000000000000000")
	ownerID := getenv("PORTAL_SMOKE_OWNER", "demo-owner")
	secret := os.Getenv("PORTAL_AUTH_SECRET")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial api at %s: %v", grpcAddr, err)
	}
	defer conn.Close()
	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("health check: %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("api not serving: %s", health.GetStatus())
	}

	tokens, err := auth.NewTokens(secret)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	token, err := tokens.Issue(workspace.Principal{ID: ownerID}, 5*time.Minute)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	c := &client{base: baseURL, token: token, http: &http.Client{Timeout: 5 * time.Second}}
	restrictionPath := "/v1/workspaces/" + url.PathEscape(workspaceID) + "/restriction"
	probePath := "/workspace/" + workspaceID + "/automation"

	if code := c.call(ctx, http.MethodPut, restrictionPath, map[string]any{
		"features": []string{"automation"},
		"reason":   "smoke test",
		"duration": "1 day",
	}, nil); code != http.StatusOK {
		log.Fatalf("apply restriction: status %d", code)
	}

	var access struct {
		Restricted bool `json:"restricted"`
	}
	if code := c.call(ctx, http.MethodGet, accessPath(workspaceID, probePath), nil, &access); code != http.StatusOK {
		log.Fatalf("access check: status %d", code)
	}
	if !access.Restricted {
		log.Fatalf("automation should be restricted after apply")
	}

	if code := c.call(ctx, http.MethodDelete, restrictionPath, nil, nil); code != http.StatusNoContent {
		log.Fatalf("clear restriction: status %d", code)
	}
	access.Restricted = true
	if code := c.call(ctx, http.MethodGet, accessPath(workspaceID, probePath), nil, &access); code != http.StatusOK {
		log.Fatalf("access check: status %d", code)
	}
	if access.Restricted {
		log.Fatalf("automation still restricted after clear")
	}

	fmt.Printf("✅ api smoke test passed: workspace=%s\n", workspaceID)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) call(ctx context.Context, method, path string, body, out any) int {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("encode %s %s: %v", method, path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func accessPath(workspaceID, page string) string {
	return "/v1/workspaces/" + url.PathEscape(workspaceID) + "/access?" + url.Values{"path": {page}}.Encode()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
