// Package commandline displays the progress of training steps on a terminal.
package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// Metric is a named value reported with an update of the ProgressBar.
type Metric struct {
	Name, Value string
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays a progress bar of the steps, with a table of metrics above it, refreshed asynchronously.
type ProgressBar struct {
	numSteps, lastStep int
	bar                *progressbar.ProgressBar
	out                io.Writer

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	lastUpdate    time.Time
	stepDurations []time.Duration

	extraMetricFns []ExtraMetricFn
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount         int
	step           int
	medianDuration time.Duration
	metrics        []Metric
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// maxDurations kept to compute the median step duration.
const maxDurations = 1000

// NewProgressBar creates a progress bar for numSteps steps, printed to the standard output.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return newProgressBar(os.Stdout, numSteps, extraMetrics...)
}

func newProgressBar(out io.Writer, numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:       numSteps,
		out:            out,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		lastUpdate:     time.Now(),
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// drawUpdates asynchronously draws updates: this is handy if the steps are faster than the terminal.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.step)), humanize.Comma(int64(pBar.numSteps))))
		pBar.statsTable.Row("Median step duration", FormatDuration(update.medianDuration))
		for _, metric := range update.metrics {
			pBar.statsTable.Row(metric.Name, metric.Value)
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := 2 + len(update.metrics) + 2 + len(pBar.extraMetricFns)
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Update reports that the steps up to step (counting from 1) are done, with the current metrics.
// Steps reported out of order are ignored.
func (pBar *ProgressBar) Update(step int, metrics ...Metric) {
	amount := step - pBar.lastStep
	if amount <= 0 {
		return
	}
	now := time.Now()
	perStep := now.Sub(pBar.lastUpdate) / time.Duration(amount)
	pBar.lastUpdate = now
	pBar.lastStep = step
	pBar.stepDurations = append(pBar.stepDurations, perStep)
	if len(pBar.stepDurations) > maxDurations {
		pBar.stepDurations = pBar.stepDurations[1:]
	}
	pBar.updates <- progressBarUpdate{
		amount:         amount,
		step:           step,
		medianDuration: pBar.MedianStepDuration(),
		metrics:        slices.Clone(metrics),
	}
}

// MedianStepDuration of the last updates.
func (pBar *ProgressBar) MedianStepDuration() time.Duration {
	if len(pBar.stepDurations) == 0 {
		return 0
	}
	sorted := slices.Clone(pBar.stepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Done waits for the pending updates to be drawn, and restores the cursor.
func (pBar *ProgressBar) Done() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
}
