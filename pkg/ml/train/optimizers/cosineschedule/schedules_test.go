package cosineschedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchedule(t *testing.T) {
	schedule := New().PeriodInSteps(10).MinLearningRate(0.1).Done()
	assert.InDelta(t, 1.0, schedule(1, 1.0), 1e-9)
	assert.InDelta(t, 0.55, schedule(6, 1.0), 1e-9)
	assert.Less(t, schedule(10, 1.0), 0.15)
	// A new cycle restarts from the maximum.
	assert.InDelta(t, 1.0, schedule(11, 1.0), 1e-9)

	warm := New().PeriodInSteps(10).WarmUpSteps(4).LearningRate(2).Done()
	assert.InDelta(t, 0.5, warm(1, 1.0), 1e-9)
	assert.InDelta(t, 2.0, warm(4, 1.0), 1e-9)
	assert.InDelta(t, 2.0, warm(5, 1.0), 1e-9)

	assert.Panics(t, func() { New().Done() })
}
