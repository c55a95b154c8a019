package migrate

import (
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	if err := Run("", "up"); err == nil {
		t.Fatal("Run with empty DSN should return error")
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "sideways", "UP"} {
		t.Run(direction, func(t *testing.T) {
			if err := Run("postgres://localhost/db", direction); err == nil {
				t.Errorf("Run with direction %q should return error", direction)
			}
		})
	}
}
