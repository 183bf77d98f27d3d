package models

import (
	"encoding/json"
	"strings"
	"time"
)

// FindingKind selects the document family and its local table.
type FindingKind string

const (
	FindingVulnerability FindingKind = "vulnerability"
	FindingAlert         FindingKind = "alert"
)

// Severity is the ordinal urgency of a finding, 1 (very low) to 6 (critical).
type Severity int

const (
	SeverityVeryLow  Severity = 1
	SeverityLow      Severity = 2
	SeverityMedium   Severity = 3
	SeverityHigh     Severity = 4
	SeverityVeryHigh Severity = 5
	SeverityCritical Severity = 6
)

var severityNames = map[string]Severity{
	"very low":  SeverityVeryLow,
	"low":       SeverityLow,
	"medium":    SeverityMedium,
	"high":      SeverityHigh,
	"very high": SeverityVeryHigh,
	"critical":  SeverityCritical,
}

// ParseSeverity maps a textual severity case-insensitively. Empty or
// unknown input yields medium.
func ParseSeverity(s string) Severity {
	if sev, ok := severityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sev
	}
	return SeverityMedium
}

// Valid reports whether s is inside the 1..6 range.
func (s Severity) Valid() bool {
	return s >= SeverityVeryLow && s <= SeverityCritical
}

func (s Severity) String() string {
	for name, v := range severityNames {
		if v == s {
			return name
		}
	}
	return "unknown"
}

// Finding is one normalized vulnerability or alert document. Key is the
// indexer _id and is unique within its kind.
type Finding struct {
	ID           int64             `json:"id"`
	Kind         FindingKind       `json:"kind"`
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	DeviceKind   DeviceKind        `json:"device_kind"`
	DeviceID     int64             `json:"device_id"`
	ParentID     int64             `json:"parent_id,omitempty"`
	Severity     Severity          `json:"severity"`
	Description  string            `json:"description,omitempty"`
	DetectedAt   *time.Time        `json:"detected_at,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Discontinued bool              `json:"discontinued"`
	TicketID     int64             `json:"ticket_id,omitempty"`
	Deleted      bool              `json:"deleted"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FindingGroup is the parent row shared by findings with the same name on
// one device, e.g. one CVE reported against several packages.
type FindingGroup struct {
	ID         int64      `json:"id"`
	DeviceKind DeviceKind `json:"device_kind"`
	DeviceID   int64      `json:"device_id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
}
