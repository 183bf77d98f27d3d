package finding

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
		{Method: "GET", Path: "/devices/{id}/vulnerabilities", Handler: m.handleListKind(models.FindingVulnerability)},
		{Method: "GET", Path: "/devices/{id}/alerts", Handler: m.handleListKind(models.FindingAlert)},
		{Method: "GET", Path: "/devices/{id}/groups", Handler: m.handleGroups},
		{Method: "POST", Path: "/devices/{id}/sync", Handler: m.handleSync},
		{Method: "GET", Path: "/runs", Handler: m.handleRuns},
		{Method: "POST", Path: "/urgency", Handler: m.handleUrgency},
		{Method: "PUT", Path: "/{kind}/ticket", Handler: m.handleAttachTicket},
	}
}

// listResponse is the body of the per-device listing endpoints.
type listResponse struct {
	Findings []models.Finding `json:"findings"`
	Count    int              `json:"count"`
	Urgency  models.Severity  `json:"urgency,omitempty"`
}

// deviceFromRequest reads {id} and the optional device_kind query
// parameter, which defaults to computer.
func deviceFromRequest(r *http.Request) (models.DeviceKind, int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, errors.New("device id must be a positive integer")
	}
	kind := models.DeviceKindComputer
	if v := r.URL.Query().Get("device_kind"); v != "" {
		kind = models.DeviceKind(v)
		if !kind.Valid() {
			return "", 0, errors.New("device_kind must be computer or network_equipment")
		}
	}
	return kind, id, nil
}

// handleListKind lists one kind's findings for a device. ?discontinued=
// true|false filters by state; vulnerability listings carry the urgency hint.
func (m *Module) handleListKind(kind models.FindingKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.store == nil {
			writeError(w, http.StatusServiceUnavailable, "findings store is not available")
			return
		}
		deviceKind, deviceID, err := deviceFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter := ListFilter{DeviceKind: deviceKind, DeviceID: deviceID}
		if v := r.URL.Query().Get("discontinued"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "discontinued must be true or false")
				return
			}
			filter.Discontinued = &b
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		findings, err := m.store.List(r.Context(), m.kinds[kind], filter)
		if err != nil {
			m.logger.Error("failed to list findings", zap.String("kind", string(kind)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list findings")
			return
		}
		if findings == nil {
			findings = []models.Finding{}
		}

		resp := listResponse{Findings: findings, Count: len(findings)}
		if kind == models.FindingVulnerability {
			sevs := make([]models.Severity, 0, len(findings))
			for i := range findings {
				if !findings[i].Discontinued {
					sevs = append(sevs, findings[i].Severity)
				}
			}
			if u, err := AverageUrgency(sevs); err == nil {
				resp.Urgency = u
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (m *Module) handleGroups(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "findings store is not available")
		return
	}
	deviceKind, deviceID, err := deviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	groups, err := m.store.Groups(r.Context(), deviceKind, deviceID)
	if err != nil {
		m.logger.Error("failed to list finding groups", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list finding groups")
		return
	}
	if groups == nil {
		groups = []models.FindingGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// handleSync reconciles one device now. ?kind= limits the pass to
// vulnerability or alert. Cooldown applies as for scheduled passes.
func (m *Module) handleSync(w http.ResponseWriter, r *http.Request) {
	deviceKind, deviceID, err := deviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var kinds []models.FindingKind
	if v := r.URL.Query().Get("kind"); v != "" {
		k := models.FindingKind(v)
		if _, ok := m.kinds[k]; !ok {
			writeError(w, http.StatusBadRequest, "kind must be vulnerability or alert")
			return
		}
		kinds = append(kinds, k)
	}

	outs, err := m.SyncDevice(r.Context(), deviceKind, deviceID, kinds...)
	switch {
	case errors.Is(err, ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrNoAgents):
		writeError(w, http.StatusNotFound, "device has no linked agent")
		return
	case err != nil:
		m.logger.Error("device sync failed", zap.Int64("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status := http.StatusOK
	for _, o := range outs {
		if o.State == StateFailed {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, outs)
}

func (m *Module) handleRuns(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "findings store is not available")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := m.store.ListRuns(r.Context(), limit)
	if err != nil {
		m.logger.Error("failed to list finding sync runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []Outcome{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type urgencyRequest struct {
	Kind models.FindingKind `json:"kind"`
	IDs  []int64            `json:"ids"`
}

type urgencyResponse struct {
	Urgency models.Severity `json:"urgency"`
	Label   string          `json:"label"`
}

// handleUrgency returns the ticket urgency hint for a selection of rows.
func (m *Module) handleUrgency(w http.ResponseWriter, r *http.Request) {
	var req urgencyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = models.FindingVulnerability
	}
	u, err := m.Urgency(r.Context(), req.Kind, req.IDs)
	switch {
	case errors.Is(err, ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, urgencyResponse{Urgency: u, Label: u.String()})
}

type ticketRequest struct {
	IDs      []int64 `json:"ids"`
	TicketID int64   `json:"ticket_id"`
}

type ticketResponse struct {
	Attached int             `json:"attached"`
	TicketID int64           `json:"ticket_id"`
	Urgency  models.Severity `json:"urgency"`
	Label    string          `json:"label"`
}

// handleAttachTicket links the selected rows to ticket_id, or detaches them
// when it is zero. The urgency hint in the response seeds the ticket.
func (m *Module) handleAttachTicket(w http.ResponseWriter, r *http.Request) {
	kind := models.FindingKind(r.PathValue("kind"))
	if _, ok := m.kinds[kind]; !ok {
		writeError(w, http.StatusBadRequest, "kind must be vulnerability or alert")
		return
	}
	var req ticketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}
	if req.TicketID < 0 {
		writeError(w, http.StatusBadRequest, "ticket_id must not be negative")
		return
	}

	n, u, err := m.AttachTicket(r.Context(), kind, req.IDs, req.TicketID)
	switch {
	case errors.Is(err, ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		m.logger.Error("failed to attach ticket", zap.Int64("ticket_id", req.TicketID), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Attached: n, TicketID: req.TicketID, Urgency: u, Label: u.String()})
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
