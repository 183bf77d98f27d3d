package finding

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/models"
)

// Default lower bounds used when a device has no local findings yet.
var (
	vulnerabilityEpoch = time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	alertLookback      = 7 * 24 * time.Hour
)

// KindConfig drives the reconciler for one document family. Adding a kind
// means adding a row to DefaultKinds, never a new code path.
type KindConfig struct {
	Kind  models.FindingKind
	Table string
	Index string

	// AgentField and TimeField are document paths used in the query.
	AgentField string
	TimeField  string

	// Discontinues marks every existing row stale before an unbounded
	// pass; rows seen again are revived. Append-only kinds leave it false.
	Discontinues bool
	// Groups attaches each row to a parent keyed by (name, device).
	Groups bool
	// InclusiveLower selects gte over gt for the watermark bound and adds
	// an lte now upper bound.
	InclusiveLower bool

	DefaultWatermark func(now time.Time) time.Time
	Map              func(h wazuh.Hit) (models.Finding, error)
}

// DefaultKinds returns fresh configs for every supported kind.
func DefaultKinds() map[models.FindingKind]*KindConfig {
	return map[models.FindingKind]*KindConfig{
		models.FindingVulnerability: {
			Kind:             models.FindingVulnerability,
			Table:            "wazuh_vulnerabilities",
			Index:            wazuh.VulnerabilityIndex,
			AgentField:       "agent.id",
			TimeField:        "vulnerability.detected_at",
			Discontinues:     true,
			Groups:           true,
			DefaultWatermark: func(time.Time) time.Time { return vulnerabilityEpoch },
			Map:              mapVulnerability,
		},
		models.FindingAlert: {
			Kind:             models.FindingAlert,
			Table:            "wazuh_alerts",
			Index:            wazuh.AlertIndex,
			AgentField:       "agent.id",
			TimeField:        "timestamp",
			InclusiveLower:   true,
			DefaultWatermark: func(now time.Time) time.Time { return now.Add(-alertLookback) },
			Map:              mapAlert,
		},
	}
}

// Query builds the search for agentIDs. A zero watermark drops the lower
// bound and selects the complete remote set.
func (kc *KindConfig) Query(agentIDs []string, watermark, now time.Time, skew time.Duration) wazuh.Query {
	q := wazuh.Bool{Must: []wazuh.Query{wazuh.AnyOf(kc.AgentField, agentIDs)}}

	r := wazuh.Range{Field: kc.TimeField}
	switch {
	case kc.InclusiveLower:
		if !watermark.IsZero() {
			r.GTE = wazuh.FormatWatermark(watermark)
		}
		r.LTE = wazuh.FormatWatermark(now.Add(skew))
	case !watermark.IsZero():
		r.GT = wazuh.FormatWatermark(watermark)
	}
	if r.GT != nil || r.GTE != nil || r.LTE != nil {
		q.Filter = []wazuh.Query{r}
	}
	return q
}

// Sort orders pages by detection time so offsets stay stable while paging.
func (kc *KindConfig) Sort() []wazuh.SortField {
	return []wazuh.SortField{{Field: kc.TimeField}}
}

type vulnerabilitySource struct {
	Vulnerability struct {
		ID             string `json:"id"`
		Description    string `json:"description"`
		Severity       string `json:"severity"`
		DetectedAt     string `json:"detected_at"`
		PublishedAt    string `json:"published_at"`
		Enumeration    string `json:"enumeration"`
		Category       string `json:"category"`
		Classification string `json:"classification"`
		Reference      string `json:"reference"`
	} `json:"vulnerability"`
	Package struct {
		Name        string `json:"name"`
		Version     string `json:"version"`
		Type        string `json:"type"`
		Description string `json:"description"`
		Installed   string `json:"installed"`
	} `json:"package"`
}

func mapVulnerability(h wazuh.Hit) (models.Finding, error) {
	if h.ID == "" {
		return models.Finding{}, fmt.Errorf("vulnerability document has no _id")
	}
	var src vulnerabilitySource
	if err := json.Unmarshal(h.Source, &src); err != nil {
		return models.Finding{}, fmt.Errorf("decode vulnerability %s: %w", h.ID, err)
	}
	v, p := src.Vulnerability, src.Package

	attrs := map[string]string{
		"enumeration":         v.Enumeration,
		"category":            v.Category,
		"classification":      v.Classification,
		"reference":           v.Reference,
		"package_name":        p.Name,
		"package_version":     p.Version,
		"package_type":        p.Type,
		"package_description": p.Description,
	}
	if ts := wazuh.ParseTime(p.Installed); ts != nil {
		attrs["package_installed"] = wazuh.FormatWatermark(*ts)
	}

	return models.Finding{
		Kind:        models.FindingVulnerability,
		Key:         h.ID,
		Name:        v.ID,
		Severity:    models.ParseSeverity(v.Severity),
		Description: v.Description,
		DetectedAt:  wazuh.ParseTime(v.DetectedAt),
		PublishedAt: wazuh.ParseTime(v.PublishedAt),
		Attributes:  compact(attrs),
		Payload:     h.Source,
	}, nil
}

type alertSource struct {
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		IP   string `json:"ip"`
	} `json:"agent"`
	Rule struct {
		Level       int    `json:"level"`
		Description string `json:"description"`
	} `json:"rule"`
	Input struct {
		Type string `json:"type"`
	} `json:"input"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Syscheck  json.RawMessage `json:"syscheck"`
}

func mapAlert(h wazuh.Hit) (models.Finding, error) {
	if h.ID == "" {
		return models.Finding{}, fmt.Errorf("alert document has no _id")
	}
	var src alertSource
	if err := json.Unmarshal(h.Source, &src); err != nil {
		return models.Finding{}, fmt.Errorf("decode alert %s: %w", h.ID, err)
	}
	// The typed view above drops most of the rule; keep it verbatim too.
	var raw struct {
		Rule json.RawMessage `json:"rule"`
	}
	_ = json.Unmarshal(h.Source, &raw)

	attrs := map[string]string{
		"agent_id":   src.Agent.ID,
		"agent_name": src.Agent.Name,
		"agent_ip":   src.Agent.IP,
		"input_type": src.Input.Type,
		"data":       string(src.Data),
		"rule":       string(raw.Rule),
		"syscheck":   string(src.Syscheck),
	}

	return models.Finding{
		Kind:        models.FindingAlert,
		Key:         h.ID,
		Name:        h.ID,
		Severity:    alertSeverity(src.Rule.Level),
		Description: src.Rule.Description,
		DetectedAt:  wazuh.ParseTime(src.Timestamp),
		Attributes:  compact(attrs),
		Payload:     h.Source,
	}, nil
}

// alertSeverity buckets the manager's 0..15 rule level onto 1..6.
func alertSeverity(level int) models.Severity {
	switch {
	case level <= 0:
		return models.SeverityMedium
	case level <= 3:
		return models.SeverityVeryLow
	case level <= 6:
		return models.SeverityLow
	case level <= 9:
		return models.SeverityMedium
	case level <= 11:
		return models.SeverityHigh
	case level <= 13:
		return models.SeverityVeryHigh
	default:
		return models.SeverityCritical
	}
}

func compact(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" || v == "null" {
			delete(m, k)
		}
	}
	return m
}
