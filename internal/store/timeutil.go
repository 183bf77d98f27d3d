package store

import (
	"database/sql"
	"time"
)

// TimeLayout is the text layout every module uses for DATETIME columns.
// Fixed-width UTC keeps lexical ORDER BY identical to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NullTime renders an optional time for a nullable column.
func NullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseTime reads a column written by FormatTime. SQLite's own
// CURRENT_TIMESTAMP format is accepted as well.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Parse(TimeLayout, s)
}

// ScanNullTime converts a nullable column into an optional time.
func ScanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
