package models

import "time"

// AgentStatus is the connection state reported by the manager.
type AgentStatus string

const (
	AgentStatusActive         AgentStatus = "active"
	AgentStatusDisconnected   AgentStatus = "disconnected"
	AgentStatusPending        AgentStatus = "pending"
	AgentStatusNeverConnected AgentStatus = "never_connected"
)

// ParseAgentStatus maps the manager's status string; unknown values become
// never_connected.
func ParseAgentStatus(s string) AgentStatus {
	switch AgentStatus(s) {
	case AgentStatusActive, AgentStatusDisconnected, AgentStatusPending:
		return AgentStatus(s)
	}
	return AgentStatusNeverConnected
}

// Agent is a remote collector as last reported by its profile's manager.
// (ExternalID, ProfileID) is unique.
type Agent struct {
	ID            int64       `json:"id"`
	ProfileID     int64       `json:"profile_id"`
	ExternalID    string      `json:"agent_id"`
	Name          string      `json:"name"`
	IP            string      `json:"ip"`
	Version       string      `json:"version"`
	Status        AgentStatus `json:"status"`
	LastKeepAlive time.Time   `json:"last_keepalive"`
	OSName        string      `json:"os_name"`
	OSVersion     string      `json:"os_version"`
	Groups        []string    `json:"groups"`
	DeviceKind    DeviceKind  `json:"device_kind,omitempty"`
	DeviceID      int64       `json:"device_id,omitempty"`
	Deleted       bool        `json:"deleted"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Linked reports whether the agent points at a local device.
func (a Agent) Linked() bool {
	return a.DeviceID != 0 && a.DeviceKind != ""
}
