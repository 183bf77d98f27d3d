package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/tasks", Handler: m.handleList},
		{Method: "POST", Path: "/tasks/{name}/run", Handler: m.handleRun},
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

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

func (m *Module) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Tasks())
}

// handleRun runs the task synchronously. A task error is reported in the
// returned status with a 502.
func (m *Module) handleRun(w http.ResponseWriter, r *http.Request) {
	st, err := m.Run(r.Context(), r.PathValue("name"))
	switch {
	case errors.Is(err, ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, st)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}
