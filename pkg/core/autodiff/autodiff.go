// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autodiff is a minimal reverse mode differentiation tape, over opaque differentiable functions.
//
// It plays the role of a host framework's automatic differentiation: it only sees plain float
// buffers, it refuses integer typed differentiable outputs, and it calls each Function's Backward
// once, in the reverse order of the calls to Apply.
package autodiff

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable is a value tracked by a Tape.
type Variable struct {
	Value *tensors.Buffer

	// RequiresGrad marks leaf variables whose gradient is accumulated in Grad, and the outputs
	// computed from them.
	RequiresGrad bool

	// Grad is accumulated by Tape.Backward, for leaf variables.
	Grad *tensors.Buffer

	// producer is the node that computed the variable, nil for leaf variables.
	producer *node
}

// NewVariable creates a leaf variable.
func NewVariable(value *tensors.Buffer, requiresGrad bool) *Variable {
	return &Variable{Value: value, RequiresGrad: requiresGrad}
}

// IsLeaf returns whether the variable was created by the user, as opposed to computed by a Function.
func (v *Variable) IsLeaf() bool { return v.producer == nil }

// ZeroGrad resets the accumulated gradient.
func (v *Variable) ZeroGrad() { v.Grad = nil }

// Function is a differentiable function registered with Tape.Apply.
type Function interface {
	// Forward computes the outputs. The first output is the differentiable one, the others are
	// auxiliary, not differentiable, outputs. Inputs may be nil.
	Forward(inputs []*tensors.Buffer) ([]*tensors.Buffer, error)

	// Backward returns the gradients of the inputs, given the gradient of the first output.
	// It must return one gradient per input, nil for inputs without gradient.
	// It may overwrite outputGrad.
	Backward(outputGrad *tensors.Buffer) ([]*tensors.Buffer, error)
}

type node struct {
	fn      Function
	inputs  []*Variable
	outputs []*Variable
}

// Tape records the calls to differentiable functions.
type Tape struct {
	nodes    []*node
	consumed bool
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Len returns the number of functions recorded.
func (t *Tape) Len() int { return len(t.nodes) }

// Apply calls fn.Forward with the values of inputs, and records it if any input requires a gradient.
// It returns one Variable per output.
func (t *Tape) Apply(fn Function, inputs ...*Variable) ([]*Variable, error) {
	if t.consumed {
		return nil, errors.New("autodiff.Tape.Apply: tape already used for backward, create a new one")
	}
	values := make([]*tensors.Buffer, len(inputs))
	requiresGrad := false
	for i, input := range inputs {
		if input == nil {
			continue
		}
		values[i] = input.Value
		requiresGrad = requiresGrad || input.RequiresGrad
	}
	outputs, err := fn.Forward(values)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 || outputs[0] == nil {
		return nil, errors.New("autodiff.Tape.Apply: function returned no primary output")
	}
	if requiresGrad && !outputs[0].DType().IsFloat() {
		return nil, errors.Errorf("autodiff.Tape.Apply: differentiable output must be a float, got %s", outputs[0].DType())
	}
	n := &node{fn: fn, inputs: inputs}
	vars := make([]*Variable, len(outputs))
	for i, output := range outputs {
		vars[i] = &Variable{Value: output}
	}
	vars[0].RequiresGrad = requiresGrad
	if requiresGrad {
		vars[0].producer = n
		n.outputs = vars
		t.nodes = append(t.nodes, n)
	}
	return vars, nil
}

// Backward propagates grad, the gradient of output, to the leaf variables that require gradients.
// It can be called only once per tape.
func (t *Tape) Backward(output *Variable, grad *tensors.Buffer) error {
	if t.consumed {
		return errors.New("autodiff.Tape.Backward: tape already used for backward")
	}
	t.consumed = true
	if !output.RequiresGrad {
		return errors.New("autodiff.Tape.Backward: output doesn't require gradients")
	}
	if !grad.Shape().Equal(output.Value.Shape()) {
		return errors.Errorf("autodiff.Tape.Backward: gradient shape %s doesn't match output shape %s",
			grad.Shape(), output.Value.Shape())
	}
	grads := map[*Variable]*tensors.Buffer{output: grad.Clone()}
	if output.IsLeaf() {
		accumulate(&output.Grad, grads[output])
		return nil
	}
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		g, found := grads[n.outputs[0]]
		if !found {
			continue
		}
		delete(grads, n.outputs[0])
		inputGrads, err := n.fn.Backward(g)
		if err != nil {
			return err
		}
		if len(inputGrads) != len(n.inputs) {
			return errors.Errorf("autodiff.Tape.Backward: function %T returned %d gradients for %d inputs",
				n.fn, len(inputGrads), len(n.inputs))
		}
		for j, input := range n.inputs {
			inputGrad := inputGrads[j]
			if input == nil || inputGrad == nil || !input.RequiresGrad {
				continue
			}
			if !inputGrad.Shape().Equal(input.Value.Shape()) {
				return errors.Errorf("autodiff.Tape.Backward: function %T returned gradient %s for input #%d of shape %s",
					n.fn, inputGrad.Shape(), j, input.Value.Shape())
			}
			if input.IsLeaf() {
				accumulate(&input.Grad, inputGrad)
			} else {
				sum := grads[input]
				accumulate(&sum, inputGrad)
				grads[input] = sum
			}
		}
	}
	t.nodes = nil
	return nil
}

// accumulate adds g into *sum, allocating it with a copy of g if it is nil.
func accumulate(sum **tensors.Buffer, g *tensors.Buffer) {
	if *sum == nil {
		*sum = g.Clone()
		return
	}
	if !(*sum).Shape().Equal(g.Shape()) {
		exceptions.Panicf("autodiff: can't accumulate gradient %s into %s", g.Shape(), (*sum).Shape())
	}
	values, more := (*sum).Float32s(), g.Float32s()
	for i := range values {
		values[i] += more[i]
	}
	(*sum).SetFloat32s(values)
}
