package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
	assert.Equal(t, "250.00µs", FormatDuration(250*time.Microsecond))
	assert.Equal(t, "12.50ms", FormatDuration(12500*time.Microsecond))
	assert.Equal(t, "3.00ns", FormatDuration(3))
	assert.Equal(t, "2m5s", FormatDuration(2*time.Minute+5400*time.Millisecond))
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	extra := func() (string, string) { return "learning rate", "0.001" }
	pBar := newProgressBar(&buf, 3, extra)
	pBar.Update(1, Metric{"loss", "1.5"})
	pBar.Update(1, Metric{"loss", "1.4"}) // Ignored.
	pBar.Update(3, Metric{"loss", "0.5"})
	pBar.Done()
	assert.Equal(t, 3, pBar.lastStep)
	assert.Len(t, pBar.stepDurations, 2)
	out := buf.String()
	assert.Contains(t, out, "loss")
	assert.Contains(t, out, "learning rate")
	assert.Contains(t, out, "of 3")
}
