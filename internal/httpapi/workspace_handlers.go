package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"staffportal.org/internal/obs"
	"staffportal.org/internal/restriction"
	"staffportal.org/internal/workspace"
)

type dashboardEntry struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	GroupID   int64              `json:"group_id"`
	Decision  workspace.Decision `json:"decision"`
	CreatedAt string             `json:"created_at"`
}

type accessResponse struct {
	Decision    workspace.Decision       `json:"decision"`
	Workspace   workspaceView            `json:"workspace"`
	Path        string                   `json:"path"`
	Feature     restriction.Feature      `json:"feature,omitempty"`
	Restricted  bool                     `json:"restricted"`
	Restriction *restriction.Restriction `json:"restriction"`
}

// workspaceView is what a member may see. Member lists and allowed ranks stay
// server-side.
type workspaceView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID int64  `json:"group_id"`
	OwnerID string `json:"owner_id"`
}

func viewOf(ws workspace.Workspace) workspaceView {
	return workspaceView{ID: ws.ID, Name: ws.Name, GroupID: ws.GroupID, OwnerID: ws.OwnerID}
}

func (a *API) handleWorkspaceCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	list, err := a.workspaces.Dashboard(r.Context(), p)
	if err != nil {
		obs.Error("dashboard load failed", map[string]any{
			"principal_id": p.ID,
			"request_id":   RequestIDFromContext(r.Context()),
			"error":        err,
		})
		writeError(w, r, http.StatusInternalServerError, "failed to load workspaces")
		return
	}
	items := make([]dashboardEntry, 0, len(list))
	for _, acc := range list {
		items = append(items, dashboardEntry{
			ID:        acc.Workspace.ID,
			Name:      acc.Workspace.Name,
			GroupID:   acc.Workspace.GroupID,
			Decision:  acc.Decision,
			CreatedAt: acc.Workspace.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleWorkspaceResource routes /v1/workspaces/{id}[/access|/restriction[/stream]].
func (a *API) handleWorkspaceResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/workspaces/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]
	sub := strings.Join(parts[1:], "/")

	switch sub {
	case "", "access":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.handleAccess(w, r, id)
	case "restriction":
		switch r.Method {
		case http.MethodGet:
			a.handleGetRestriction(w, r, id)
		case http.MethodPut:
			a.handlePutRestriction(w, r, id)
		case http.MethodDelete:
			a.handleClearRestriction(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	case "restriction/stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.handleRestrictionStream(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// authorize runs the access check for the request's principal. On denial the
// response has been written and ok is false.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, id string) (workspace.Access, bool) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return workspace.Access{}, false
	}
	acc := a.workspaces.AuthorizeByID(r.Context(), p, id)
	if !acc.Decision.Allowed() {
		writeAccessDenied(w, r)
		return acc, false
	}
	return acc, true
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request, id string) {
	acc, ok := a.authorize(w, r, id)
	if !ok {
		return
	}

	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		path = "/workspace/" + id
	}
	if !pathInWorkspace(path, id) {
		writeError(w, r, http.StatusBadRequest, "path does not belong to this workspace")
		return
	}

	rst, err := a.restrictions.Get(r.Context(), id)
	if err != nil {
		// An unreadable restriction must not silently unlock a feature.
		obs.Error("restriction load failed", map[string]any{
			"workspace_id": id,
			"request_id":   RequestIDFromContext(r.Context()),
			"error":        err,
		})
		writeAccessDenied(w, r)
		return
	}

	feature, _ := restriction.FeatureForPath(path)
	writeJSON(w, http.StatusOK, accessResponse{
		Decision:    acc.Decision,
		Workspace:   viewOf(acc.Workspace),
		Path:        path,
		Feature:     feature,
		Restricted:  restriction.IsRestricted(path, rst),
		Restriction: rst,
	})
}

func (a *API) handleGetRestriction(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.authorize(w, r, id); !ok {
		return
	}
	rst, err := a.restrictions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load restriction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restriction": rst})
}

func (a *API) handlePutRestriction(w http.ResponseWriter, r *http.Request, id string) {
	acc, ok := a.authorize(w, r, id)
	if !ok {
		return
	}
	if acc.Decision != workspace.Owner {
		writeError(w, r, http.StatusForbidden, "only the workspace owner can change restrictions")
		return
	}

	var in restriction.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rst, err := a.restrictions.Put(r.Context(), id, in)
	if err != nil {
		switch {
		case errors.Is(err, restriction.ErrInvalidFeature), errors.Is(err, restriction.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, restriction.ErrNotFound):
			writeAccessDenied(w, r)
		default:
			obs.Error("restriction update failed", map[string]any{
				"workspace_id": id,
				"request_id":   RequestIDFromContext(r.Context()),
				"error":        err,
			})
			writeError(w, r, http.StatusInternalServerError, "failed to update restriction")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restriction": rst})
}

func (a *API) handleClearRestriction(w http.ResponseWriter, r *http.Request, id string) {
	acc, ok := a.authorize(w, r, id)
	if !ok {
		return
	}
	if acc.Decision != workspace.Owner {
		writeError(w, r, http.StatusForbidden, "only the workspace owner can change restrictions")
		return
	}
	if err := a.restrictions.Clear(r.Context(), id); err != nil {
		obs.Error("restriction clear failed", map[string]any{
			"workspace_id": id,
			"request_id":   RequestIDFromContext(r.Context()),
			"error":        err,
		})
		writeError(w, r, http.StatusInternalServerError, "failed to clear restriction")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathInWorkspace reports whether path is /workspace/{id} or below it.
func pathInWorkspace(path, id string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	prefix := "workspace/" + id
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
