package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
)

// Event names an auditable change to a workspace.
type Event string

const (
	RestrictionApplied Event = "restriction.applied"
	RestrictionLifted  Event = "restriction.lifted"
	RestrictionExpired Event = "restriction.expired"
	MembershipGranted  Event = "membership.granted"
)

// Valid reports whether e is one of the known events.
func (e Event) Valid() bool {
	switch e {
	case RestrictionApplied, RestrictionLifted, RestrictionExpired, MembershipGranted:
		return true
	}
	return false
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Record writes one audit line for a change to workspaceID. The acting
// principal and request id come from ctx; a line written outside a request
// (sweeper, reconciler) carries neither.
func Record(ctx context.Context, event Event, workspaceID string, fields map[string]any) error {
	if !event.Valid() {
		return fmt.Errorf("unknown audit event %q", event)
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return fmt.Errorf("audit %s: workspace id is required", event)
	}
	entry := map[string]any{
		"ts":           time.Now().UTC().Format(time.RFC3339Nano),
		"type":         "audit",
		"event":        string(event),
		"workspace_id": workspaceID,
		"fields":       maps.Clone(fields),
	}
	if fields == nil {
		entry["fields"] = map[string]any{}
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["principal_id"] = p.ID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
