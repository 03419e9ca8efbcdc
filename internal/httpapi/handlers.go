package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/restriction"
	"staffportal.org/internal/workspace"
)

const serviceName = "staffportal-api"

// Pinger is a backing store that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a simple readiness check (for example, a database ping).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the domain collaborators the API serves.
type Services struct {
	Workspaces   *workspace.Service
	Restrictions *restriction.Service
	Propagator   *restriction.Propagator
	Tokens       *auth.Tokens
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	readyProbe   readinessChecker
	version      string
	workspaces   *workspace.Service
	restrictions *restriction.Service
	propagator   *restriction.Propagator
	tokens       *auth.Tokens

	ratePerSec float64
	rateBurst  int
	maxBody    int64
	heartbeat  time.Duration
	origins    []string
}

// Option configures API behavior.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithCORSOrigins allows browser calls from the given origins.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.origins = append(a.origins, origins...) }
}

// WithHeartbeat sets the idle interval between SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.heartbeat = d
		}
	}
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		workspaces:   svc.Workspaces,
		restrictions: svc.Restrictions,
		propagator:   svc.Propagator,
		tokens:       svc.Tokens,
		ratePerSec:   20,
		rateBurst:    40,
		maxBody:      1 << 20,
		heartbeat:    25 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/workspaces", a.handleWorkspaceCollection)
	a.mux.HandleFunc("/v1/workspaces/", a.handleWorkspaceResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h, a.origins)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     serviceName,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"features": restriction.Features,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAccessDenied renders the generic denial. It lists every possible cause
// and never says which one applied.
func writeAccessDenied(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"error":           "access denied",
		"possible_causes": workspace.DeniedCauses,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusForbidden, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
