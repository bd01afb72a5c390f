package ops

import (
	"fmt"
	"maps"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Base holds the state common to all operations, and implements the accessors of Op.
// Concrete operations embed it, and override what they need.
type Base struct {
	kind, name            string
	inputType, outputType dtypes.DType
	typesInferred         bool
	env                   *distributed.Environment
	parallelism           Parallelism
	hasParallelism        bool
	inputShape            shapes.Shape
	tensors               map[string]*tensors.Tensor
}

// NewBase creates the Base of an operation of the given kind.
// The types can be Infer.
func NewBase(kind, name string, inputType, outputType dtypes.DType) Base {
	return Base{kind: kind, name: name, inputType: inputType, outputType: outputType}
}

// clone returns a copy of the Base that shares the bound tensors.
func (b *Base) clone() Base {
	b2 := *b
	b2.inputShape = b.inputShape.Clone()
	if b.tensors != nil {
		b2.tensors = maps.Clone(b.tensors)
	}
	return b2
}

// Kind implements Op.
func (b *Base) Kind() string { return b.kind }

// Name implements Op.
func (b *Base) Name() string { return b.name }

// SetName implements Op.
func (b *Base) SetName(name string) { b.name = name }

// SetParentName implements Op.
func (b *Base) SetParentName(parentName string) { b.name = parentName + "." + b.name }

// SetEnvironment implements Op.
func (b *Base) SetEnvironment(env distributed.Environment) { b.env = &env }

// Environment implements Op. It panics if the environment was not set.
func (b *Base) Environment() distributed.Environment {
	if b.env == nil {
		exceptions.Panicf("%s: environment not set", b.name)
	}
	return *b.env
}

// groupSize is the number of devices the operation is distributed over.
func (b *Base) groupSize() int {
	env := b.Environment()
	if env.Group == nil {
		exceptions.Panicf("%s: operation is not distributed, but distributed group size is requested", b.name)
	}
	return env.Group.Size()
}

// RawInputType implements Op.
func (b *Base) RawInputType() dtypes.DType { return b.inputType }

// RawOutputType implements Op.
func (b *Base) RawOutputType() dtypes.DType { return b.outputType }

// SetRawTypes implements Op.
func (b *Base) SetRawTypes(inputType, outputType dtypes.DType) {
	b.inputType, b.outputType = inputType, outputType
	b.typesInferred = false
}

// InputType implements Op.
func (b *Base) InputType() dtypes.DType {
	if !b.typesInferred {
		exceptions.Panicf("%s: input type not inferred yet", b.name)
	}
	return b.inputType
}

// OutputType implements Op.
func (b *Base) OutputType() dtypes.DType {
	if !b.typesInferred {
		exceptions.Panicf("%s: output type not inferred yet", b.name)
	}
	return b.outputType
}

// SetTypesInferred implements Op.
func (b *Base) SetTypesInferred(inputType, outputType dtypes.DType) {
	if !inputType.IsValid() || !outputType.IsValid() {
		exceptions.Panicf("%s: cannot set inferred types to (%s, %s)", b.name, inputType, outputType)
	}
	b.inputType, b.outputType = inputType, outputType
	b.typesInferred = true
}

// DowngradeFP8 implements Op.
func (b *Base) DowngradeFP8(to dtypes.DType) {
	b.inputType = downgrade(b.inputType, to)
	b.outputType = downgrade(b.outputType, to)
}

func downgrade(dtype, to dtypes.DType) dtypes.DType {
	if dtype.IsFloat8() {
		return to
	}
	return dtype
}

// Parallelism implements Op.
func (b *Base) Parallelism() Parallelism {
	if !b.hasParallelism {
		exceptions.Panicf("%s: parallelism not set", b.name)
	}
	return b.parallelism
}

// HasParallelism implements Op.
func (b *Base) HasParallelism() bool { return b.hasParallelism }

// SetParallelism implements Op.
func (b *Base) SetParallelism(p Parallelism) {
	b.parallelism = p
	b.hasParallelism = true
}

// SetInputShape implements Op: shapes are taken as [rows..., features], so they must have rank >= 2,
// and the dtype must be the input type.
func (b *Base) SetInputShape(shape shapes.Shape) error {
	_ = b.Parallelism()
	if shape.DType != b.InputType() {
		return errors.Errorf("%s: input shape %s doesn't match input type %s", b.name, shape, b.InputType())
	}
	if shape.Rank() < 2 {
		return errors.Errorf("%s: input shape %s must have rank >= 2 ([rows..., features])", b.name, shape)
	}
	b.inputShape = shape.Clone()
	return nil
}

// InputShape implements Op.
func (b *Base) InputShape() shapes.Shape {
	if !b.inputShape.Ok() {
		exceptions.Panicf("%s: input shape not set", b.name)
	}
	return b.inputShape
}

// OutputShape implements Op for operations that preserve the shape.
func (b *Base) OutputShape() shapes.Shape {
	return b.InputShape().WithDType(b.OutputType())
}

// DescribeParams implements Op for operations without parameters.
func (b *Base) DescribeParams() map[string]TensorDescriptor { return nil }

// DescribeSupplementaryTraining implements Op for operations without supplementary tensors.
func (b *Base) DescribeSupplementaryTraining() map[string]TensorDescriptor { return nil }

// DescribeSupplementaryInference implements Op for operations without supplementary tensors.
func (b *Base) DescribeSupplementaryInference() map[string]TensorDescriptor { return nil }

// RequiresGrad implements Op for operations without parameters.
func (b *Base) RequiresGrad() []*tensors.Tensor { return nil }

// SetTensors implements Op.
func (b *Base) SetTensors(tensorsByName map[string]*tensors.Tensor) {
	b.tensors = maps.Clone(tensorsByName)
}

// Tensor returns the bound tensor with the given name. It panics if it was not bound.
func (b *Base) Tensor(name string) *tensors.Tensor {
	t, found := b.tensors[name]
	if !found {
		exceptions.Panicf("%s: tensor %q not bound, use ops.Bind before calling the operation", b.name, name)
	}
	return t
}

// String implements Op.
func (b *Base) String() string {
	return fmt.Sprintf("%s[%s,%s]", b.name, typeName(b.inputType), typeName(b.outputType))
}

func typeName(dtype dtypes.DType) string {
	if dtype == Infer {
		return "?"
	}
	return dtype.String()
}

// wrap adds the operation name and method to the error of a kernel.
func (b *Base) wrap(err error, method string) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(err, "%s.%s", b.name, method)
}

// act returns the bound output tensor "act", after preparing it to be written.
func (b *Base) act(rt *Runtime) *tensors.Tensor {
	act := b.Tensor("act")
	rt.PrepareOutput(act)
	return act
}

// describeAct adds the output tensor "act" to descriptors.
func (b *Base) describeAct(descriptors map[string]TensorDescriptor, shape shapes.Shape) map[string]TensorDescriptor {
	if descriptors == nil {
		descriptors = make(map[string]TensorDescriptor)
	}
	descriptors["act"] = newDescriptor(shape)
	return descriptors
}

// describeGradIfCast adds the input gradient tensor "dx", if the input and output types differ and
// the output gradient can't be re-used.
func (b *Base) describeGradIfCast(descriptors map[string]TensorDescriptor) map[string]TensorDescriptor {
	if b.InputType() == b.OutputType() {
		return descriptors
	}
	if descriptors == nil {
		descriptors = make(map[string]TensorDescriptor)
	}
	descriptors["dx"] = newDescriptor(b.InputShape())
	return descriptors
}

// gradBuffer returns where to write the input gradient of a shape preserving operation: dy itself
// if it has the input type, or else the bound "dx".
func (b *Base) gradBuffer(rt *Runtime, dy *tensors.Tensor) *tensors.Tensor {
	if dy.DType() == b.InputType() {
		return dy
	}
	dx := b.Tensor("dx")
	rt.PrepareOutput(dx)
	return dx
}

// passGradient returns dy as the input gradient, cast to the input type if needed.
func (b *Base) passGradient(rt *Runtime, dy *tensors.Tensor) (*tensors.Tensor, error) {
	dx := b.gradBuffer(rt, dy)
	if dx == dy {
		return dy, nil
	}
	return dx, b.wrap(rt.Backend.Cast(dy, dx), "ResumeBackward")
}
