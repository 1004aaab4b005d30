package globaltime

import (
	"testing"
	"time"
)

func TestFreezeAndRestore(t *testing.T) {
	pinned := time.Date(2022, time.September, 22, 9, 30, 0, 0, time.FixedZone("AEST", 10*3600))

	restore := Freeze(pinned)
	if got := UTC(); !got.Equal(pinned) || got.Location() != time.UTC {
		t.Fatalf("unexpected frozen time: %v", got)
	}
	restore()

	if got := UTC(); got.Equal(pinned.UTC()) {
		t.Fatalf("clock still frozen after restore")
	}
}

func TestLookbackStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)
	if got := LookbackStart(now, 30*24*time.Hour); !got.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start: %v", got)
	}
	if got := LookbackStart(now, 0); !got.IsZero() {
		t.Fatalf("expected unbounded window, got %v", got)
	}
}
