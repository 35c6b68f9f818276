package transcript

import "testing"

func TestAppendJoinsWithSingleSpace(t *testing.T) {
	a := NewAssembler(DefaultMarker)
	a.Append(Segment{Sequence: 1, Text: "hello"})
	a.Append(Segment{Sequence: 2, Text: "world"})
	if got := a.Text(); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	if a.Segments() != 2 {
		t.Fatalf("expected 2 segments, got %d", a.Segments())
	}
}

func TestAppendIgnoresEmptyAndMarkerOnly(t *testing.T) {
	a := NewAssembler(DefaultMarker)
	a.Append(Segment{Text: "opening"})
	for _, raw := range []string{"", "   ", "[BLANK_AUDIO]", " [blank_audio]  [Blank_Audio] ", "\n\t"} {
		if a.Append(Segment{Text: raw}) {
			t.Fatalf("append(%q) should be a no-op", raw)
		}
	}
	if got := a.Text(); got != "opening" {
		t.Fatalf("transcript changed: %q", got)
	}
}

func TestAppendNormalizesWhitespaceAndMarker(t *testing.T) {
	a := NewAssembler(DefaultMarker)
	a.Append(Segment{Text: "  four score\n\tand [BLANK_AUDIO]  seven   years  "})
	if got := a.Text(); got != "four score and seven years" {
		t.Fatalf("unexpected normalization %q", got)
	}
}

func TestEmptyMarkerKeepsText(t *testing.T) {
	a := NewAssembler("")
	a.Append(Segment{Text: "[BLANK_AUDIO]"})
	if got := a.Text(); got != "[BLANK_AUDIO]" {
		t.Fatalf("expected marker kept, got %q", got)
	}
}

func TestReset(t *testing.T) {
	a := NewAssembler(DefaultMarker)
	a.Append(Segment{Text: "stale"})
	a.Reset()
	if a.Text() != "" || a.Segments() != 0 {
		t.Fatalf("expected empty transcript after reset")
	}
	a.Append(Segment{Text: "fresh"})
	if a.Text() != "fresh" {
		t.Fatalf("expected no leading space after reset, got %q", a.Text())
	}
}
