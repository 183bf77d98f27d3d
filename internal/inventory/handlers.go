package inventory

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
		{Method: "GET", Path: "/devices", Handler: m.handleList},
		{Method: "POST", Path: "/devices", Handler: m.handleCreate},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGet},
		{Method: "DELETE", Path: "/devices/{id}", Handler: m.handleDelete},
		{Method: "GET", Path: "/targets", Handler: m.handleTargets},
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

func parseKind(r *http.Request) (models.DeviceKind, bool) {
	v := r.URL.Query().Get("kind")
	if v == "" {
		return models.DeviceKindComputer, true
	}
	k := models.DeviceKind(v)
	return k, k.Valid()
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "inventory store is not available")
		return
	}
	opts := ListOptions{}
	if v := r.URL.Query().Get("kind"); v != "" {
		opts.Kind = models.DeviceKind(v)
		if !opts.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "kind must be computer or network_equipment")
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}

	devices, err := m.store.List(r.Context(), opts)
	if err != nil {
		m.logger.Error("failed to list devices", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

type createRequest struct {
	Kind    models.DeviceKind `json:"kind"`
	Name    string            `json:"name"`
	Serial  string            `json:"serial"`
	Comment string            `json:"comment"`
}

func (m *Module) handleCreate(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "inventory store is not available")
		return
	}
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = models.DeviceKindComputer
	}
	d := &models.Device{Type: req.Kind, Name: req.Name, Serial: req.Serial, Comment: req.Comment}
	if err := m.store.Create(r.Context(), d); err != nil {
		if errors.Is(err, ErrInvalidDevice) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		m.logger.Error("failed to create device", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	m.logger.Info("device created",
		zap.Int64("device_id", d.ID),
		zap.String("kind", string(d.Type)),
		zap.String("name", d.Name),
	)
	writeJSON(w, http.StatusCreated, d)
}

func (m *Module) deviceRef(w http.ResponseWriter, r *http.Request) (models.DeviceKind, int64, bool) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "inventory store is not available")
		return "", 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "device id must be a positive integer")
		return "", 0, false
	}
	kind, ok := parseKind(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "kind must be computer or network_equipment")
		return "", 0, false
	}
	return kind, id, true
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := m.deviceRef(w, r)
	if !ok {
		return
	}
	d, err := m.store.Get(r.Context(), kind, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		m.logger.Error("failed to get device", zap.Int64("device_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := m.deviceRef(w, r)
	if !ok {
		return
	}
	err := m.store.Delete(r.Context(), kind, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		m.logger.Error("failed to delete device", zap.Int64("device_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTargets lists linked devices with their agent ids.
func (m *Module) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := m.LinkedTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, targets)
}
