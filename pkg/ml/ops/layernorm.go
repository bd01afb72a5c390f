package ops

import (
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/initializer"
	"github.com/pkg/errors"
)

// LayerNorm normalizes each row over its features, then scales by weight and shifts by bias.
//
// The mean and the inverse standard deviation (rsigma) are always computed and saved in float32,
// whatever the input type.
type LayerNorm struct {
	Base

	Features  int
	Epsilon   float32
	ParamType dtypes.DType
}

var _ Op = (*LayerNorm)(nil)

// NewLayerNorm creates a LayerNorm over the given number of features, with epsilon 1e-5 and
// float32 parameters.
func NewLayerNorm(name string, features int) *LayerNorm {
	return &LayerNorm{
		Base:      NewBase("LayerNorm", name, Infer, Infer),
		Features:  features,
		Epsilon:   1e-5,
		ParamType: dtypes.Float32,
	}
}

// Clone implements Op.
func (o *LayerNorm) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DowngradeFP8 implements Op.
func (o *LayerNorm) DowngradeFP8(to dtypes.DType) {
	o.Base.DowngradeFP8(to)
	o.ParamType = downgrade(o.ParamType, to)
}

// DescribeParallelism implements Op: LayerNorm needs the full rows.
func (o *LayerNorm) DescribeParallelism() []ExecutionFlow { return rowwiseFlows(o) }

// SetInputShape implements Op.
func (o *LayerNorm) SetInputShape(shape shapes.Shape) error {
	if p := o.Parallelism(); p != Normal && p != RowParallel {
		return errors.Errorf("%s: LayerNorm doesn't support parallelism %s", o.Name(), p)
	}
	if err := o.Base.SetInputShape(shape); err != nil {
		return err
	}
	if shape.Features() != o.Features {
		return errors.Errorf("%s: input shape %s has %d features, LayerNorm was configured with %d",
			o.Name(), shape, shape.Features(), o.Features)
	}
	return nil
}

// DescribeParams implements Op.
func (o *LayerNorm) DescribeParams() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{
		"weight": {Shape: shapes.Make(o.ParamType, o.Features), Init: initializer.One},
		"bias":   {Shape: shapes.Make(o.ParamType, o.Features), Init: initializer.Zero},
	}
}

// DescribeSupplementaryTraining implements Op.
func (o *LayerNorm) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	rows := o.InputShape().Rows()
	return map[string]TensorDescriptor{
		"act":    newDescriptor(o.OutputShape()),
		"mu":     newDescriptor(shapes.Make(dtypes.Float32, rows)),
		"rsigma": newDescriptor(shapes.Make(dtypes.Float32, rows)),
		"dx":     newDescriptor(o.InputShape()),
	}
}

// DescribeSupplementaryInference implements Op.
func (o *LayerNorm) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// RequiresGrad implements Op.
func (o *LayerNorm) RequiresGrad() []*tensors.Tensor {
	return []*tensors.Tensor{o.Tensor("weight"), o.Tensor("bias")}
}

// Inference implements Op.
func (o *LayerNorm) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	err := rt.Backend.LayerNormInference(x, o.Tensor("weight"), o.Tensor("bias"), o.Epsilon, act)
	return act, o.wrap(err, "Inference")
}

// BeginForward implements Op.
func (o *LayerNorm) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act, mu, rsigma := o.act(rt), o.Tensor("mu"), o.Tensor("rsigma")
	err := rt.Backend.LayerNorm(x, o.Tensor("weight"), o.Tensor("bias"), o.Epsilon, act, mu, rsigma)
	if err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return act, Context{"x": x, "mu": mu, "rsigma": rsigma}, nil
}

// ResumeBackward implements Op.
func (o *LayerNorm) ResumeBackward(rt *Runtime, ctx Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.Tensor("dx")
	rt.PrepareOutput(dx)
	weightGrad, biasGrad := o.Tensor("weight"+GradSuffix), o.Tensor("bias"+GradSuffix)
	err := rt.Backend.DLayerNorm(dy, ctx.Get("x"), ctx.Get("mu"), ctx.Get("rsigma"), o.Tensor("weight"),
		dx, weightGrad, biasGrad)
	if err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	return dx, Grads{weightGrad, biasGrad}, nil
}
