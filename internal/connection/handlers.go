package connection

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
		{Method: "GET", Path: "/profiles", Handler: m.handleList},
		{Method: "POST", Path: "/profiles", Handler: m.handleCreate},
		{Method: "GET", Path: "/profiles/{id}", Handler: m.handleGet},
		{Method: "PUT", Path: "/profiles/{id}", Handler: m.handleUpdate},
		{Method: "DELETE", Path: "/profiles/{id}", Handler: m.handleDelete},
		{Method: "POST", Path: "/profiles/{id}/check", Handler: m.handleCheck},
	}
}

// profileView is the API shape of a profile. Secrets are reduced to
// presence flags.
type profileView struct {
	models.Profile
	HasPassword        bool `json:"has_password"`
	HasIndexerPassword bool `json:"has_indexer_password"`
}

func view(p models.Profile) profileView {
	return profileView{
		Profile:            p,
		HasPassword:        len(p.Password) > 0,
		HasIndexerPassword: len(p.IndexerPassword) > 0,
	}
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

// writeStoreError maps store and validation errors onto problem responses.
func (m *Module) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
	case errors.Is(err, ErrInvalidProfile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateEndpoint):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoCipher):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		m.logger.Error("profile "+op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op+" profile")
	}
}

func (m *Module) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "connection store is not available")
		return 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "profile id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (m *Module) decodeInput(w http.ResponseWriter, r *http.Request) (ProfileInput, bool) {
	var in ProfileInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return in, false
	}
	return in, true
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "connection store is not available")
		return
	}
	profiles, err := m.store.List(r.Context())
	if err != nil {
		m.writeStoreError(w, err, "list")
		return
	}
	out := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, view(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *Module) handleCreate(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "connection store is not available")
		return
	}
	in, ok := m.decodeInput(w, r)
	if !ok {
		return
	}
	p, err := m.CreateProfile(r.Context(), in)
	if err != nil {
		m.writeStoreError(w, err, "create")
		return
	}
	writeJSON(w, http.StatusCreated, view(*p))
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := m.pathID(w, r)
	if !ok {
		return
	}
	p, err := m.store.Get(r.Context(), id)
	if err != nil {
		m.writeStoreError(w, err, "get")
		return
	}
	writeJSON(w, http.StatusOK, view(*p))
}

func (m *Module) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := m.pathID(w, r)
	if !ok {
		return
	}
	in, ok := m.decodeInput(w, r)
	if !ok {
		return
	}
	p, err := m.UpdateProfile(r.Context(), id, in)
	if err != nil {
		m.writeStoreError(w, err, "update")
		return
	}
	writeJSON(w, http.StatusOK, view(*p))
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := m.pathID(w, r)
	if !ok {
		return
	}
	if err := m.DeleteProfile(r.Context(), id); err != nil {
		m.writeStoreError(w, err, "delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := m.pathID(w, r)
	if !ok {
		return
	}
	res, err := m.Check(r.Context(), id)
	if err != nil {
		m.writeStoreError(w, err, "check")
		return
	}
	status := http.StatusOK
	if !res.Manager.Success || !res.Indexer.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}
