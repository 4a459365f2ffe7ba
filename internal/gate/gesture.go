package gate

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// TapDetector recognizes the hidden unlock gesture: n taps landing
// inside a rolling window. Taps older than the window are discarded;
// recognition consumes the accumulated taps so holding the gesture does
// not retrigger.
type TapDetector struct {
	n      int
	window time.Duration

	mu   sync.Mutex
	taps []time.Time
}

// NewTapDetector creates a detector for n taps within the window.
func NewTapDetector(n int, window time.Duration) *TapDetector {
	return &TapDetector{n: n, window: window}
}

// Tap records one tap and reports whether the gesture completed.
func (d *TapDetector) Tap() bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-d.window)
	kept := d.taps[:0]

	for _, t := range d.taps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	d.taps = append(kept, now)

	if len(d.taps) >= d.n {
		d.taps = d.taps[:0]
		return true
	}

	return false
}

// Reset discards any accumulated taps.
func (d *TapDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.taps = d.taps[:0]
}

// Combo matches a keyboard chord like "ctrl+shift+g". Matching is
// case-insensitive and ignores modifier order, so "Shift+Ctrl+G" and
// "ctrl+shift+g" are the same chord.
type Combo struct {
	canonical string
}

// NewCombo creates a matcher for the given chord description.
func NewCombo(chord string) Combo {
	return Combo{canonical: canonicalChord(chord)}
}

// Matches reports whether the pressed chord is this combo.
func (c Combo) Matches(pressed string) bool {
	return c.canonical != "" && canonicalChord(pressed) == c.canonical
}

// String returns the canonical chord form.
func (c Combo) String() string {
	return c.canonical
}

// canonicalChord lowercases the chord and sorts its modifiers, keeping
// the terminal key last.
func canonicalChord(chord string) string {
	parts := strings.Split(strings.ToLower(chord), "+")

	keys := parts[:0]

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}

	if len(keys) == 0 {
		return ""
	}

	mods := keys[:len(keys)-1]
	key := keys[len(keys)-1]

	sort.Strings(mods)

	return strings.Join(append(mods, key), "+")
}
