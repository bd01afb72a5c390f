// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines the operation descriptors a compute pipeline is built from.
//
// An Op transforms the main data tensor (e.g. LayerNorm, Gemm, Bias, Gelu). It is created with
// identity and type information only; the pipeline then, in this order:
//
//  1. Names it (SetName) and sets its Environment.
//  2. Chooses its parallelism among the variants returned by DescribeParallelism.
//  3. Resolves its input and output types (SetTypesInferred).
//  4. Sets its input shape (SetInputShape), after which the op describes the tensors it needs
//     (DescribeParams, DescribeSupplementaryTraining and DescribeSupplementaryInference).
//  5. Allocates those tensors once and binds them (Bind). They are re-used, mutated in place, on every call.
//
// After that the op can be executed with Inference, or trained with the two-phase protocol:
// BeginForward computes the output and returns the Context needed for the backward pass, and
// ResumeBackward, given that Context and the output gradient, computes the input gradient and
// the parameter gradients. The forward computation never runs again on ResumeBackward.
//
// Accessing a property before the step that sets it is a programming error, and it panics.
package ops

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/scaling"
)

// Infer is the type of an input or output not yet resolved: an unresolved input type takes the
// output type of the preceding operation, and an unresolved output type takes the input type.
const Infer = dtypes.InvalidDType

// Op is an operation on the main data tensor of a pipeline.
type Op interface {
	// Kind is the name of the operation class, e.g. "Gemm".
	Kind() string

	// Name is the hierarchical name, assigned when the pipeline is built.
	Name() string
	SetName(name string)

	// SetParentName prefixes the name with parentName + ".".
	SetParentName(parentName string)

	SetEnvironment(env distributed.Environment)
	Environment() distributed.Environment

	// RawInputType and RawOutputType return the types as declared, possibly Infer.
	RawInputType() dtypes.DType
	RawOutputType() dtypes.DType

	// SetRawTypes changes the declared types.
	SetRawTypes(inputType, outputType dtypes.DType)

	// InputType and OutputType panic if the types are not inferred yet.
	InputType() dtypes.DType
	OutputType() dtypes.DType
	SetTypesInferred(inputType, outputType dtypes.DType)

	// DowngradeFP8 replaces every 8-bit float type annotation (including parameter types) with the given type.
	DowngradeFP8(to dtypes.DType)

	// DescribeParallelism enumerates the parallel variants supported. Each ExecutionFlow holds copies
	// of the op with the parallelism set, possibly with communication operations around it.
	DescribeParallelism() []ExecutionFlow

	// Parallelism panics if not set yet.
	Parallelism() Parallelism
	HasParallelism() bool
	SetParallelism(p Parallelism)

	// SetInputShape binds the input shape and precomputes the derived shapes. It returns an error if
	// the shape is not compatible with the op or with its parallelism (e.g. indivisible dimensions).
	SetInputShape(shape shapes.Shape) error

	// InputShape and OutputShape panic if the input shape is not set yet.
	InputShape() shapes.Shape
	OutputShape() shapes.Shape

	// DescribeParams describes the trainable parameters. Each parameter "<name>" has an
	// implicit gradient tensor "<name>_grad" of the same shape.
	DescribeParams() map[string]TensorDescriptor

	// DescribeSupplementaryTraining describes the transient tensors used by BeginForward and ResumeBackward.
	DescribeSupplementaryTraining() map[string]TensorDescriptor

	// DescribeSupplementaryInference describes the transient tensors used by Inference.
	DescribeSupplementaryInference() map[string]TensorDescriptor

	// SetTensors injects the allocated tensors, without validation: use Bind instead.
	SetTensors(tensors map[string]*tensors.Tensor)

	// RequiresGrad returns the parameters, in the order their gradients are returned by ResumeBackward.
	RequiresGrad() []*tensors.Tensor

	// Inference computes the output, keeping no state other than the bound tensors.
	Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error)

	// BeginForward computes the output and returns the state needed by ResumeBackward.
	BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error)

	// ResumeBackward computes the input gradient and the parameter gradients from the output gradient dy.
	// Grads are aligned with RequiresGrad.
	ResumeBackward(rt *Runtime, ctx Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error)

	// Clone returns a copy of the op that shares its bound tensors.
	Clone() Op

	String() string
}

// ExecutionFlow is one parallel variant of an operation: the sequence of operations that replaces it.
type ExecutionFlow []Op

// Grads are the gradients of the parameters of an operation, aligned with Op.RequiresGrad.
type Grads []*tensors.Tensor

// Linker is implemented by operations that refer to other operations of the same list (e.g. the
// two ends of a residual connection). After copying a list of operations, Relink is called with
// a function that maps the original operations to their copies.
type Linker interface {
	Relink(mapping func(Op) Op)
}

// TypeAnchored is implemented by operations whose input type must follow the type of another operation.
// Type inference calls InputTypeAnchor instead of using the preceding operation's output type.
type TypeAnchored interface {
	InputTypeAnchor() dtypes.DType
}

// Runtime holds what operations need to execute.
type Runtime struct {
	Backend backends.Backend

	// Meta provides the scaling metadata of 8-bit float outputs. It can be nil if there are none.
	Meta scaling.Provider

	// Group used by the collective operations.
	Group distributed.Group
}

// PrepareOutput attaches the next scaling metadata to t, if it is an 8-bit float tensor about to be
// written by a kernel.
func (rt *Runtime) PrepareOutput(t *tensors.Tensor) {
	if !t.IsLowPrecision() {
		return
	}
	if rt.Meta == nil {
		exceptions.Panicf("ops.Runtime: no scaling metadata provider to write 8-bit float tensor %s", t)
	}
	rt.Meta.Next(t.DType()).Attach(t)
}

// Context is the state saved by BeginForward for ResumeBackward.
type Context map[string]*tensors.Tensor

// contextSeparator separates the namespace from the key.
const contextSeparator = "/"

// Get returns the tensor saved under key, and panics if there is none.
func (c Context) Get(key string) *tensors.Tensor {
	t, found := c[key]
	if !found {
		exceptions.Panicf("ops.Context: key %q not found, keys saved: %v", key, c.Keys())
	}
	return t
}

// Keys returns the keys in the context, sorted.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Namespaced returns a new context with the keys prefixed by namespace.
func (c Context) Namespaced(namespace string) Context {
	out := make(Context, len(c))
	for key, t := range c {
		out[namespace+contextSeparator+key] = t
	}
	return out
}

// Strip returns a new context with the keys under namespace, without the namespace prefix.
func (c Context) Strip(namespace string) Context {
	prefix := namespace + contextSeparator
	out := make(Context)
	for key, t := range c {
		if rest, found := strings.CutPrefix(key, prefix); found {
			out[rest] = t
		}
	}
	return out
}

// Merge adds the entries of other to c. It panics on duplicate keys.
func (c Context) Merge(other Context) {
	for key, t := range other {
		if _, found := c[key]; found {
			exceptions.Panicf("ops.Context: duplicate key %q while merging contexts", key)
		}
		c[key] = t
	}
}

// Snapshot returns a copy of the context where every tensor has a private copy of its scaling
// metadata, so it can be interpreted after the metadata moves on. The data is shared.
func (c Context) Snapshot() Context {
	out := make(Context, len(c))
	for key, t := range c {
		out[key] = t.Snapshot()
	}
	return out
}
