package gate

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTapDetector_TriggersOnNTapsInWindow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := NewTapDetector(3, 1500*time.Millisecond)

		assert.False(t, d.Tap())
		time.Sleep(100 * time.Millisecond)
		assert.False(t, d.Tap())
		time.Sleep(100 * time.Millisecond)
		assert.True(t, d.Tap())
	})
}

func TestTapDetector_ExpiredTapsDoNotCount(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := NewTapDetector(3, 1500*time.Millisecond)

		d.Tap()
		d.Tap()
		time.Sleep(2 * time.Second)

		assert.False(t, d.Tap(), "stale taps fell out of the window")
		assert.False(t, d.Tap())
		assert.True(t, d.Tap())
	})
}

func TestTapDetector_TriggerConsumesTaps(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := NewTapDetector(2, time.Second)

		d.Tap()
		assert.True(t, d.Tap())
		assert.False(t, d.Tap(), "the gesture starts over after triggering")
	})
}

func TestTapDetector_Reset(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := NewTapDetector(2, time.Second)

		d.Tap()
		d.Reset()
		assert.False(t, d.Tap())
	})
}

func TestCombo_MatchesIgnoringCaseAndOrder(t *testing.T) {
	c := NewCombo("ctrl+shift+g")

	assert.True(t, c.Matches("ctrl+shift+g"))
	assert.True(t, c.Matches("Shift+Ctrl+G"))
	assert.True(t, c.Matches(" CTRL + SHIFT + g "))
	assert.False(t, c.Matches("ctrl+g"))
	assert.False(t, c.Matches("ctrl+shift+h"))
	assert.False(t, c.Matches(""))
}

func TestCombo_EmptyChordNeverMatches(t *testing.T) {
	c := NewCombo("")

	assert.False(t, c.Matches(""))
	assert.False(t, c.Matches("g"))
}

func TestCombo_String(t *testing.T) {
	assert.Equal(t, "ctrl+shift+g", NewCombo("Shift+Ctrl+G").String())
}
