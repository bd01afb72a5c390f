package ops

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/initializer"
	"github.com/pkg/errors"
)

// Bias adds a bias vector to every row.
type Bias struct {
	Base

	Features  int
	ParamType dtypes.DType
	Init      initializer.Initializer

	localFeatures int
}

var _ Op = (*Bias)(nil)

// NewBias creates a Bias with float32 parameters initialized to zero.
func NewBias(name string, features int) *Bias {
	return &Bias{
		Base:      NewBase("Bias", name, Infer, Infer),
		Features:  features,
		ParamType: dtypes.Float32,
		Init:      initializer.Zero,
	}
}

// Clone implements Op.
func (o *Bias) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DowngradeFP8 implements Op.
func (o *Bias) DowngradeFP8(to dtypes.DType) {
	o.Base.DowngradeFP8(to)
	o.ParamType = downgrade(o.ParamType, to)
}

// DescribeParallelism implements Op.
func (o *Bias) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// SetInputShape implements Op.
func (o *Bias) SetInputShape(shape shapes.Shape) error {
	o.localFeatures = o.Features
	if o.Parallelism() == ColumnParallel {
		workers := o.groupSize()
		if o.Features%workers != 0 {
			return errors.Errorf("%s: number of features (%d) must be divisible by the distributed group size (%d)",
				o.Name(), o.Features, workers)
		}
		o.localFeatures /= workers
	}
	if err := o.Base.SetInputShape(shape); err != nil {
		return err
	}
	if shape.Features() != o.localFeatures {
		return errors.Errorf("%s: input shape %s has %d features, Bias expects %d", o.Name(), shape, shape.Features(), o.localFeatures)
	}
	return nil
}

// DescribeParams implements Op.
func (o *Bias) DescribeParams() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{
		"bias": {Shape: shapes.Make(o.ParamType, o.localFeatures), Init: o.Init},
	}
}

// DescribeSupplementaryTraining implements Op.
func (o *Bias) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return o.describeGradIfCast(o.describeAct(nil, o.OutputShape()))
}

// DescribeSupplementaryInference implements Op.
func (o *Bias) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// BiasTensor returns the bound bias parameter.
func (o *Bias) BiasTensor() *tensors.Tensor { return o.Tensor("bias") }

// RequiresGrad implements Op.
func (o *Bias) RequiresGrad() []*tensors.Tensor { return []*tensors.Tensor{o.BiasTensor()} }

// Inference implements Op.
func (o *Bias) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Add(x, o.BiasTensor(), act), "Inference")
}

// BeginForward implements Op.
func (o *Bias) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act := o.act(rt)
	if err := rt.Backend.Add(x, o.BiasTensor(), act); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return act, Context{}, nil
}

// ResumeBackward implements Op.
func (o *Bias) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	biasGrad := o.Tensor("bias" + GradSuffix)
	if err := rt.Backend.SumRows(dy, biasGrad); err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	dx, err := o.passGradient(rt, dy)
	if err != nil {
		return nil, nil, err
	}
	return dx, Grads{biasGrad}, nil
}

// activation is an element-wise activation function. The concrete types implement Clone and
// DescribeParallelism, so copies keep their type.
type activation struct {
	Base
	activationType backends.ActivationType
}

// ActivationType returns the activation function applied.
func (o *activation) ActivationType() backends.ActivationType { return o.activationType }

// DescribeSupplementaryTraining implements Op.
func (o *activation) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return o.describeGradIfCast(o.describeAct(nil, o.OutputShape()))
}

// DescribeSupplementaryInference implements Op.
func (o *activation) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// Inference implements Op.
func (o *activation) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Activation(o.activationType, x, act), "Inference")
}

// BeginForward implements Op.
func (o *activation) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act := o.act(rt)
	if err := rt.Backend.Activation(o.activationType, x, act); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return act, Context{"x": x}, nil
}

// ResumeBackward implements Op.
func (o *activation) ResumeBackward(rt *Runtime, ctx Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.gradBuffer(rt, dy)
	if err := rt.Backend.DActivation(o.activationType, dy, ctx.Get("x"), dx); err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	return dx, nil, nil
}

// Gelu activation, with the tanh approximation.
type Gelu struct{ activation }

// NewGelu creates a Gelu activation.
func NewGelu(name string) *Gelu {
	return &Gelu{activation{Base: NewBase("Gelu", name, Infer, Infer), activationType: backends.ActivationGelu}}
}

// Clone implements Op.
func (o *Gelu) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Gelu) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// Relu activation.
type Relu struct{ activation }

// NewRelu creates a Relu activation.
func NewRelu(name string) *Relu {
	return &Relu{activation{Base: NewBase("Relu", name, Infer, Infer), activationType: backends.ActivationRelu}}
}

// Clone implements Op.
func (o *Relu) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Relu) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// Cast converts the data to another dtype.
type Cast struct {
	Base
}

var _ Op = (*Cast)(nil)

// NewCast creates a Cast to the given dtype. The input type is inferred.
func NewCast(name string, to dtypes.DType) *Cast {
	return &Cast{Base: NewBase("Cast", name, Infer, to)}
}

// Clone implements Op.
func (o *Cast) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Cast) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// DescribeSupplementaryTraining implements Op.
func (o *Cast) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{
		"act": newDescriptor(o.OutputShape()),
		"dx":  newDescriptor(o.InputShape()),
	}
}

// DescribeSupplementaryInference implements Op.
func (o *Cast) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// Inference implements Op.
func (o *Cast) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Cast(x, act), "Inference")
}

// BeginForward implements Op.
func (o *Cast) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act, err := o.Inference(rt, x)
	if err != nil {
		return nil, nil, err
	}
	return act, Context{}, nil
}

// ResumeBackward implements Op.
func (o *Cast) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.Tensor("dx")
	rt.PrepareOutput(dx)
	return dx, nil, o.wrap(rt.Backend.Cast(dy, dx), "ResumeBackward")
}

// Dropout zeroes elements with probability P during training, and scales the others by 1/(1-P).
// At inference it is the identity (a cast, if the types differ).
type Dropout struct {
	Base

	P float32

	// Seed of the first training step. Each BeginForward uses the next seed.
	Seed uint64
	step uint64
}

var _ Op = (*Dropout)(nil)

// NewDropout creates a Dropout with probability p of zeroing an element.
func NewDropout(name string, p float32) *Dropout {
	return &Dropout{Base: NewBase("Dropout", name, Infer, Infer), P: p}
}

// Clone implements Op.
func (o *Dropout) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Dropout) DescribeParallelism() []ExecutionFlow { return pointwiseFlows(o) }

// SetInputShape implements Op.
func (o *Dropout) SetInputShape(shape shapes.Shape) error {
	if o.P < 0 || o.P >= 1 {
		return errors.Errorf("%s: dropout probability %g must be in [0, 1)", o.Name(), o.P)
	}
	return o.Base.SetInputShape(shape)
}

// DescribeSupplementaryTraining implements Op.
func (o *Dropout) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	descriptors := o.describeGradIfCast(o.describeAct(nil, o.OutputShape()))
	descriptors["mask"] = newDescriptor(o.InputShape().WithDType(dtypes.Uint8))
	return descriptors
}

// DescribeSupplementaryInference implements Op.
func (o *Dropout) DescribeSupplementaryInference() map[string]TensorDescriptor {
	if o.InputType() == o.OutputType() {
		return nil
	}
	return o.describeAct(nil, o.OutputShape())
}

// Inference implements Op.
func (o *Dropout) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	if o.InputType() == o.OutputType() {
		return x, nil
	}
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Cast(x, act), "Inference")
}

// BeginForward implements Op.
func (o *Dropout) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act, mask := o.act(rt), o.Tensor("mask")
	seed := o.Seed + o.step
	o.step++
	if err := rt.Backend.Dropout(x, o.P, seed, act, mask); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return act, Context{"mask": mask}, nil
}

// ResumeBackward implements Op.
func (o *Dropout) ResumeBackward(rt *Runtime, ctx Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.gradBuffer(rt, dy)
	if err := rt.Backend.DDropout(dy, ctx.Get("mask"), o.P, dx); err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	return dx, nil, nil
}
