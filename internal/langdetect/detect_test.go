package langdetect

import "testing"

func TestDetectShortTextIsUndetermined(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "Optus", "a1 b2 c3 d4"} {
		if got := Detect(text); got != Undetermined {
			t.Fatalf("Detect(%q) = %q, want %q", text, got, Undetermined)
		}
	}
}

func TestDetectRecordPrefersDescription(t *testing.T) {
	t.Parallel()

	got := DetectRecord(
		"Medibank",
		"The health insurer confirmed that criminals accessed the personal data of millions of its customers.",
	)
	if got != "en" {
		t.Fatalf("expected en, got %q", got)
	}
}

func TestDetectRecordFallsBackToTitle(t *testing.T) {
	t.Parallel()

	got := DetectRecord("Cyberangriff auf die Stadtwerke legt die Verwaltung lahm", "")
	if got != "de" {
		t.Fatalf("expected de, got %q", got)
	}
}
