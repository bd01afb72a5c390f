package commandline

import (
	"fmt"
	"time"
)

var durationUnits = []struct {
	unit   time.Duration
	suffix string
}{
	{time.Second, "s"},
	{time.Millisecond, "ms"},
	{time.Microsecond, "µs"},
	{time.Nanosecond, "ns"},
}

// FormatDuration formats step durations with two decimals in the largest unit that fits, e.g. "1.50s"
// or "250.00µs". Durations of a minute or more are rounded to the second, e.g. "2m5s".
func FormatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	for _, u := range durationUnits {
		if d >= u.unit {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(u.unit), u.suffix)
		}
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
