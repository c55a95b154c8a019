package models

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-09-26T10:00:00Z", time.Date(2025, 9, 26, 10, 0, 0, 0, time.UTC)},
		{"2025-09-26T10:00:00.123456Z", time.Date(2025, 9, 26, 10, 0, 0, 123456000, time.UTC)},
		{"2025-09-26T12:00:00+02:00", time.Date(2025, 9, 26, 10, 0, 0, 0, time.UTC)},
		{"2025-09-26T10:00:00", time.Date(2025, 9, 26, 10, 0, 0, 0, time.UTC)},
		{"2025-09-26T10:00:00.5", time.Date(2025, 9, 26, 10, 0, 0, 500000000, time.UTC)},
		{"2025-09-26 10:00:00", time.Date(2025, 9, 26, 10, 0, 0, 0, time.UTC)},
		{"  2025-09-26T10:00:00Z  ", time.Date(2025, 9, 26, 10, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "26/09/2025", "2025-13-01T00:00:00Z"} {
		if _, err := ParseTimestamp(in); err != ErrInvalidTimestamp {
			t.Errorf("ParseTimestamp(%q) err = %v, want ErrInvalidTimestamp", in, err)
		}
	}
}
