package wazuh

import (
	"strings"
	"time"
)

// WatermarkLayout renders range bounds: UTC, second precision, trailing Z.
const WatermarkLayout = "2006-01-02T15:04:05Z"

var (
	keepAliveCeiling = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	timeLayouts      = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000Z0700", // alert timestamps: 2024-03-01T10:00:00.123+0000
		"2006-01-02T15:04:05Z0700",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
)

// ParseTime converts a remote ISO-8601 timestamp to UTC. Empty, zero-date,
// epoch and unparseable inputs yield nil instead of an error.
func ParseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return nil
	}
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Unix() <= 0 {
			return nil
		}
		t = t.UTC()
		return &t
	}
	return nil
}

// KeepAlive parses an agent's lastKeepAlive. Invalid, non-positive or
// implausible (at or after 2100-01-01) values fall back to now.
func KeepAlive(s string, now time.Time) time.Time {
	t := ParseTime(s)
	if t == nil || !t.Before(keepAliveCeiling) {
		return now.UTC()
	}
	return *t
}

// FormatWatermark renders t for embedding in a range query.
func FormatWatermark(t time.Time) string {
	return t.UTC().Format(WatermarkLayout)
}
