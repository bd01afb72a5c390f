// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements optimizers that update the parameters of a pipeline with the gradients
// accumulated by the differentiation tape.
//
// The parameters and variables are given aligned, as returned by pipeline.ComputePipeline.Parameters
// and Variables.
package optimizers

import (
	"math"
	"strings"

	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Interface implemented by optimizers.
type Interface interface {
	// Step updates the parameters with the gradients accumulated in their variables, and zeroes the
	// gradients. Parameters whose variable has no gradient are left unchanged.
	Step(params []*tensors.Tensor, variables []*autodiff.Variable) error

	// GlobalStep returns the number of steps taken.
	GlobalStep() int64

	// Clear deletes the state kept by the optimizer, and resets the global step.
	Clear()
}

// Schedule returns the learning rate for the given global step (starting at 1), given the configured one.
type Schedule func(globalStep int64, learningRate float64) float64

// KnownOptimizers maps the names accepted by ByName to their constructors.
var KnownOptimizers = map[string]func(learningRate float64) Interface{
	"sgd": func(learningRate float64) Interface {
		return StochasticGradientDescent().WithLearningRate(learningRate).Done()
	},
	"adam": func(learningRate float64) Interface {
		return Adam().LearningRate(learningRate).Done()
	},
	"adamw": func(learningRate float64) Interface {
		return Adam().LearningRate(learningRate).WeightDecay(0.004).Done()
	},
	"rmsprop": func(learningRate float64) Interface {
		return RMSProp().LearningRate(learningRate).Done()
	},
}

// ByName returns an optimizer given its name (see KnownOptimizers), case-insensitive.
// If learningRate <= 0 the optimizer default is used.
func ByName(name string, learningRate float64) (Interface, error) {
	constructor, found := KnownOptimizers[strings.ToLower(name)]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
	return constructor(learningRate), nil
}

// checkAligned validates the parameters against their variables.
func checkAligned(params []*tensors.Tensor, variables []*autodiff.Variable) error {
	if len(params) != len(variables) {
		return errors.Errorf("optimizer: %d parameters, but %d variables", len(params), len(variables))
	}
	for i, param := range params {
		if variables[i] == nil || variables[i].Value != param.Data {
			return errors.Errorf("optimizer: variable #%d doesn't hold the parameter %s", i, param)
		}
		if grad := variables[i].Grad; grad != nil && grad.Size() != param.Shape().Size() {
			return errors.Errorf("optimizer: gradient %s doesn't match the parameter %s", grad.Shape(), param)
		}
	}
	return nil
}

// SGDConfig holds the configuration of the stochastic gradient descent optimizer.
// It is created with StochasticGradientDescent.
type SGDConfig struct {
	initialLearningRate float64

	// Whether to decay the learning rate with the global step.
	useDecay bool
	schedule Schedule

	globalStep int64
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
//
// By default, it has a learning rate decay given by: `learning_rate = initial_learning_rate / Sqrt(global_step)`
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		initialLearningRate: -1, // -1 means not set.
		useDecay:            true,
	}
}

// WithDecay sets whether to use a learning rate decay with the global step.
//
// It is enabled by default, but tests may want to disable it.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.useDecay = enabled
	return sgd
}

// WithLearningRate sets the initial learning rate. The default value is SGDDefaultLearningRate.
func (sgd *SGDConfig) WithLearningRate(initialLearningRate float64) *SGDConfig {
	sgd.initialLearningRate = initialLearningRate
	return sgd
}

// WithSchedule sets a learning rate schedule. It replaces the decay.
func (sgd *SGDConfig) WithSchedule(schedule Schedule) *SGDConfig {
	sgd.schedule = schedule
	return sgd
}

// Done returns an optimizers.Interface.
// SGDConfig itself implements the Interface, but it keeps it consistent with the builder pattern.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// learningRate for the current global step.
func (sgd *SGDConfig) learningRate() float64 {
	lr := sgd.initialLearningRate
	if lr <= 0 {
		lr = SGDDefaultLearningRate
	}
	switch {
	case sgd.schedule != nil:
		return sgd.schedule(sgd.globalStep, lr)
	case sgd.useDecay:
		return lr / math.Sqrt(float64(sgd.globalStep))
	}
	return lr
}

// Step implements Interface.
func (sgd *SGDConfig) Step(params []*tensors.Tensor, variables []*autodiff.Variable) error {
	if err := checkAligned(params, variables); err != nil {
		return err
	}
	sgd.globalStep++
	lr := float32(sgd.learningRate())
	klog.V(2).Infof("sgd: step %d, learning rate %g", sgd.globalStep, lr)
	for i, param := range params {
		v := variables[i]
		if v.Grad == nil {
			continue
		}
		values, grad := param.Float32s(), v.Grad.Float32s()
		for j := range values {
			values[j] -= lr * grad[j]
		}
		param.SetFloat32s(values)
		v.ZeroGrad()
	}
	return nil
}

// GlobalStep implements Interface.
func (sgd *SGDConfig) GlobalStep() int64 { return sgd.globalStep }

// Clear implements Interface.
func (sgd *SGDConfig) Clear() { sgd.globalStep = 0 }
