package ops

import (
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Identity returns its input. It can be used as a placeholder.
type Identity struct {
	Base
}

var _ Op = (*Identity)(nil)

// NewIdentity creates an Identity operation.
func NewIdentity(name string) *Identity {
	return &Identity{Base: NewBase("Identity", name, Infer, Infer)}
}

// Clone implements Op.
func (o *Identity) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Identity) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// SetInputShape implements Op.
func (o *Identity) SetInputShape(shape shapes.Shape) error {
	if o.InputType() != o.OutputType() {
		return errors.Errorf("%s: Identity can't change the type from %s to %s", o.Name(), o.InputType(), o.OutputType())
	}
	return o.Base.SetInputShape(shape)
}

// Inference implements Op.
func (o *Identity) Inference(_ *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) { return x, nil }

// BeginForward implements Op.
func (o *Identity) BeginForward(_ *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	return x, Context{}, nil
}

// ResumeBackward implements Op.
func (o *Identity) ResumeBackward(_ *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	return dy, nil, nil
}

// Transpose swaps rows and features of a 2D input.
type Transpose struct {
	Base
}

var _ Op = (*Transpose)(nil)

// NewTranspose creates a Transpose operation.
func NewTranspose(name string) *Transpose {
	return &Transpose{Base: NewBase("Transpose", name, Infer, Infer)}
}

// Clone implements Op.
func (o *Transpose) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Transpose) DescribeParallelism() []ExecutionFlow { return nonParallelFlows(o) }

// SetInputShape implements Op.
func (o *Transpose) SetInputShape(shape shapes.Shape) error {
	if shape.Rank() != 2 {
		return errors.Errorf("%s: Transpose requires a 2D input, got %s", o.Name(), shape)
	}
	return o.Base.SetInputShape(shape)
}

// OutputShape implements Op.
func (o *Transpose) OutputShape() shapes.Shape {
	return o.InputShape().TransposeLast2().WithDType(o.OutputType())
}

// DescribeSupplementaryTraining implements Op.
func (o *Transpose) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{
		"act": newDescriptor(o.OutputShape()),
		"dx":  newDescriptor(o.InputShape()),
	}
}

// DescribeSupplementaryInference implements Op.
func (o *Transpose) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// Inference implements Op.
func (o *Transpose) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Transpose(x, act), "Inference")
}

// BeginForward implements Op.
func (o *Transpose) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act, err := o.Inference(rt, x)
	if err != nil {
		return nil, nil, err
	}
	return act, Context{}, nil
}

// ResumeBackward implements Op.
func (o *Transpose) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.Tensor("dx")
	rt.PrepareOutput(dx)
	return dx, nil, o.wrap(rt.Backend.Transpose(dy, dx), "ResumeBackward")
}
