package models

import "testing"

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"very low", SeverityVeryLow},
		{"Low", SeverityLow},
		{"medium", SeverityMedium},
		{"HIGH", SeverityHigh},
		{"very high", SeverityVeryHigh},
		{" critical ", SeverityCritical},
		{"", SeverityMedium},
		{"catastrophic", SeverityMedium},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := ParseSeverity(tc.in); got != tc.want {
				t.Errorf("ParseSeverity(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestSeverity_Valid(t *testing.T) {
	for s := Severity(0); s <= 7; s++ {
		want := s >= 1 && s <= 6
		if got := s.Valid(); got != want {
			t.Errorf("Severity(%d).Valid() = %v, want %v", s, got, want)
		}
	}
	if SeverityCritical.String() != "critical" {
		t.Errorf("String() = %q, want critical", SeverityCritical.String())
	}
}

func TestParseAgentStatus(t *testing.T) {
	tests := map[string]AgentStatus{
		"active":          AgentStatusActive,
		"disconnected":    AgentStatusDisconnected,
		"pending":         AgentStatusPending,
		"never_connected": AgentStatusNeverConnected,
		"":                AgentStatusNeverConnected,
		"weird":           AgentStatusNeverConnected,
	}
	for in, want := range tests {
		if got := ParseAgentStatus(in); got != want {
			t.Errorf("ParseAgentStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeviceTargetAccessors(t *testing.T) {
	d := Device{ID: 7, Type: DeviceKindNetworkEquipment, Name: "core-sw-01"}
	if d.ExternalID() != "core-sw-01" || d.Kind() != DeviceKindNetworkEquipment || d.LocalID() != 7 {
		t.Errorf("accessors = (%q, %q, %d)", d.ExternalID(), d.Kind(), d.LocalID())
	}
	if DeviceKind("printer").Valid() {
		t.Error("printer should not be a valid device kind")
	}
}
