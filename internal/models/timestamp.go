package models

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when no supported layout matches.
var ErrInvalidTimestamp = errors.New("invalid timestamp format")

// zonedTimestampFormats carry an explicit offset and are tried first.
var zonedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

// bareTimestampFormats have no zone and are read as UTC.
var bareTimestampFormats = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a zone-qualified RFC 3339 timestamp, falling back to
// a bare ISO 8601 timestamp interpreted as UTC.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, ErrInvalidTimestamp
	}

	for _, format := range zonedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}
	for _, format := range bareTimestampFormats {
		if t, err := time.ParseInLocation(format, ts, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
