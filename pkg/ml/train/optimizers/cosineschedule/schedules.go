// Package cosineschedule implements a cosine annealing learning rate schedule, with an optional warm-up.
package cosineschedule

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/ml/train/optimizers"
)

// Config of a cosine schedule. Create it with New, and finish it with Done.
type Config struct {
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
}

// New creates a cosine schedule configuration. The period must be set with PeriodInSteps.
func New() *Config {
	return &Config{}
}

// PeriodInSteps sets the number of steps of one cosine cycle, from the learning rate to the minimum.
// After a cycle the learning rate restarts from the maximum.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of a cycle. Default is 0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the number of initial steps with a learning rate growing linearly to the maximum.
func (opt *Config) WarmUpSteps(warmUpSteps int) *Config {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate sets the maximum learning rate. If 0, the learning rate configured in the optimizer is used.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// Done returns the schedule, to be given to an optimizer. It panics if the period is not set.
func (opt *Config) Done() optimizers.Schedule {
	if opt.periodNumSteps <= 0 {
		exceptions.Panicf("cosineschedule: period must be > 0, got %d", opt.periodNumSteps)
	}
	config := *opt
	return func(globalStep int64, learningRate float64) float64 {
		if config.learningRate > 0 {
			learningRate = config.learningRate
		}
		step := globalStep - 1 // Since the count starts at 1.
		if step < int64(config.warmUpSteps) {
			return learningRate * float64(step+1) / float64(config.warmUpSteps)
		}
		step -= int64(config.warmUpSteps)

		// A cycle represents the fraction of a half-circle (180 degrees, or pi radians).
		cycle := float64(step) / float64(config.periodNumSteps)
		cycle -= math.Floor(cycle)
		lr := (math.Cos(cycle*math.Pi) + 1) / 2
		return lr*(learningRate-config.minLearningRate) + config.minLearningRate
	}
}
