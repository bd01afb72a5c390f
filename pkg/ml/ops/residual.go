package ops

import (
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ResidualBegin marks the start of a residual connection: it saves its input, and passes it on unchanged.
// The matching ResidualEnd adds the saved input back.
type ResidualBegin struct {
	Base
	end *ResidualEnd
}

// ResidualEnd closes a residual connection, adding the input saved by its ResidualBegin.
type ResidualEnd struct {
	Base
	begin *ResidualBegin
}

var (
	_ Op           = (*ResidualBegin)(nil)
	_ Op           = (*ResidualEnd)(nil)
	_ Linker       = (*ResidualBegin)(nil)
	_ Linker       = (*ResidualEnd)(nil)
	_ TypeAnchored = (*ResidualEnd)(nil)
)

// NewResidual creates the two linked ends of a residual connection. The operations placed between
// them form the residual block.
func NewResidual(name string) (*ResidualBegin, *ResidualEnd) {
	begin := &ResidualBegin{Base: NewBase("ResidualBegin", name+".begin", Infer, Infer)}
	end := &ResidualEnd{Base: NewBase("ResidualEnd", name+".end", Infer, Infer)}
	begin.end, end.begin = end, begin
	return begin, end
}

// End returns the matching ResidualEnd.
func (o *ResidualBegin) End() *ResidualEnd { return o.end }

// Clone implements Op. The copy is linked to the same ResidualEnd until Relink is called.
func (o *ResidualBegin) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// Relink implements Linker.
func (o *ResidualBegin) Relink(mapping func(Op) Op) {
	o.end = mapping(o.end).(*ResidualEnd)
}

// DescribeParallelism implements Op.
func (o *ResidualBegin) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// SetInputShape implements Op.
func (o *ResidualBegin) SetInputShape(shape shapes.Shape) error {
	if o.InputType() != o.OutputType() {
		return errors.Errorf("%s: residual connection can't change the type from %s to %s", o.Name(), o.InputType(), o.OutputType())
	}
	return o.Base.SetInputShape(shape)
}

// DescribeSupplementaryTraining implements Op.
func (o *ResidualBegin) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{"fwd_residue": newDescriptor(o.InputShape())}
}

// DescribeSupplementaryInference implements Op.
func (o *ResidualBegin) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.DescribeSupplementaryTraining()
}

// Residue returns the input saved by the last call.
func (o *ResidualBegin) Residue() *tensors.Tensor { return o.Tensor("fwd_residue") }

// Inference implements Op.
func (o *ResidualBegin) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	residue := o.Residue()
	rt.PrepareOutput(residue)
	return x, o.wrap(rt.Backend.Copy(x, residue), "Inference")
}

// BeginForward implements Op.
func (o *ResidualBegin) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	residue := o.Residue()
	rt.PrepareOutput(residue)
	if err := rt.Backend.Copy(x, residue); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return x, Context{}, nil
}

// ResumeBackward implements Op: the gradient is the sum of the gradient through the block and the
// gradient saved by the ResidualEnd.
func (o *ResidualBegin) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.gradBuffer(rt, dy)
	return dx, nil, o.wrap(rt.Backend.Add(dy, o.end.Tensor("bwd_residue"), dx), "ResumeBackward")
}

// Begin returns the matching ResidualBegin.
func (o *ResidualEnd) Begin() *ResidualBegin { return o.begin }

// Clone implements Op. The copy is linked to the same ResidualBegin until Relink is called.
func (o *ResidualEnd) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// Relink implements Linker.
func (o *ResidualEnd) Relink(mapping func(Op) Op) {
	o.begin = mapping(o.begin).(*ResidualBegin)
}

// InputTypeAnchor implements TypeAnchored: the input must have the type of the saved residue.
func (o *ResidualEnd) InputTypeAnchor() dtypes.DType { return o.begin.InputType() }

// DescribeParallelism implements Op.
func (o *ResidualEnd) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// SetInputShape implements Op.
func (o *ResidualEnd) SetInputShape(shape shapes.Shape) error {
	if err := o.Base.SetInputShape(shape); err != nil {
		return err
	}
	if beginShape := o.begin.InputShape(); !shape.Equal(beginShape) {
		return errors.Errorf("%s: input shape %s doesn't match the shape %s saved by %s", o.Name(), shape, beginShape, o.begin.Name())
	}
	return nil
}

// DescribeSupplementaryTraining implements Op.
func (o *ResidualEnd) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	descriptors := o.describeGradIfCast(o.describeAct(nil, o.OutputShape()))
	descriptors["bwd_residue"] = newDescriptor(o.OutputShape())
	return descriptors
}

// DescribeSupplementaryInference implements Op.
func (o *ResidualEnd) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// Inference implements Op.
func (o *ResidualEnd) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Add(x, o.begin.Residue(), act), "Inference")
}

// BeginForward implements Op.
func (o *ResidualEnd) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act := o.act(rt)
	if err := rt.Backend.Add(x, o.begin.Residue(), act); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return act, Context{}, nil
}

// ResumeBackward implements Op: the gradient flows unchanged into the block, and a copy is saved
// for the ResidualBegin.
func (o *ResidualEnd) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	residue := o.Tensor("bwd_residue")
	rt.PrepareOutput(residue)
	if err := rt.Backend.Copy(dy, residue); err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	dx, err := o.passGradient(rt, dy)
	if err != nil {
		return nil, nil, err
	}
	return dx, nil, nil
}
