// Package transcript assembles engine output into the running text of a
// capture session.
package transcript

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultMarker is the token whisper emits for silence.
const DefaultMarker = "[BLANK_AUDIO]"

var whitespace = regexp.MustCompile(`\s+`)

// Segment is the text result of one inference job.
type Segment struct {
	Sequence int64
	Text     string
}

// Assembler keeps the running transcript. Segments must be appended in job
// order; the assembler does not reorder them.
type Assembler struct {
	marker *regexp.Regexp

	mu   sync.RWMutex
	text strings.Builder
	n    int
}

// NewAssembler returns an assembler that strips marker (case-insensitive).
// An empty marker disables stripping.
func NewAssembler(marker string) *Assembler {
	a := &Assembler{}
	if marker != "" {
		a.marker = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(marker))
	}
	return a
}

// Normalize applies the assembler's cleanup to raw engine text.
func (a *Assembler) Normalize(raw string) string {
	if a.marker != nil {
		raw = a.marker.ReplaceAllString(raw, " ")
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(raw, " "))
}

// Append adds seg to the transcript and reports whether anything changed.
// Empty and marker-only segments are ignored.
func (a *Assembler) Append(seg Segment) bool {
	clean := a.Normalize(seg.Text)
	if clean == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.text.Len() > 0 {
		a.text.WriteByte(' ')
	}
	a.text.WriteString(clean)
	a.n++
	return true
}

// Text returns the transcript so far.
func (a *Assembler) Text() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.text.String()
}

// Segments reports how many non-empty segments were appended.
func (a *Assembler) Segments() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.n
}

// Reset clears the transcript.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text.Reset()
	a.n = 0
}
