package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/{$}", Handler: m.handleList},
		{Method: "GET", Path: "/{id}", Handler: m.handleGet},
		{Method: "PUT", Path: "/{id}/link", Handler: m.handleLink},
		{Method: "POST", Path: "/sync", Handler: m.handleSyncAll},
		{Method: "POST", Path: "/sync/{profile}", Handler: m.handleSyncProfile},
	}
}

// syncResponse is returned by both sync endpoints.
type syncResponse struct {
	OK      bool     `json:"ok"`
	Results []Result `json:"results"`
}

type linkRequest struct {
	DeviceKind models.DeviceKind `json:"device_kind"`
	DeviceID   int64             `json:"device_id"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an RFC 7807 problem detail response.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

func positiveInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "agent store is not available")
		return
	}
	var f ListFilter
	q := r.URL.Query()
	if v := q.Get("profile_id"); v != "" {
		id, ok := positiveInt(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "profile_id must be a positive integer")
			return
		}
		f.ProfileID = id
	}
	if v := q.Get("linked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "linked must be true or false")
			return
		}
		f.Linked = &b
	}
	agents, err := m.store.List(r.Context(), f)
	if err != nil {
		m.logger.Error("list agents failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "agent store is not available")
		return
	}
	id, ok := positiveInt(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "agent id must be a positive integer")
		return
	}
	a, err := m.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		m.logger.Error("get agent failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (m *Module) handleLink(w http.ResponseWriter, r *http.Request) {
	id, ok := positiveInt(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "agent id must be a positive integer")
		return
	}
	var req linkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID < 0 {
		writeError(w, http.StatusBadRequest, "device_id must not be negative")
		return
	}
	a, err := m.Link(r.Context(), id, req.DeviceKind, req.DeviceID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, ErrInvalidLink):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent or device not found")
	case errors.Is(err, ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		m.logger.Error("link agent failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to link agent")
	}
}

func (m *Module) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	ok, results, err := m.SyncAll(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if results == nil {
		results = []Result{}
	}
	writeJSON(w, http.StatusOK, syncResponse{OK: ok, Results: results})
}

func (m *Module) handleSyncProfile(w http.ResponseWriter, r *http.Request) {
	id, valid := positiveInt(r.PathValue("profile"))
	if !valid {
		writeError(w, http.StatusBadRequest, "profile id must be a positive integer")
		return
	}
	ok, res, err := m.SyncProfile(r.Context(), id)
	switch {
	case errors.Is(err, errProfileNotFound):
		writeError(w, http.StatusNotFound, "active profile not found")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	if res.Err != nil && res.Success == 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, syncResponse{OK: ok, Results: []Result{res}})
}
