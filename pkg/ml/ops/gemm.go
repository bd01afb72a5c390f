package ops

import (
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/initializer"
	"github.com/pkg/errors"
)

// Gemm multiplies the input [rows..., InFeatures] by the weight [InFeatures, OutFeatures].
//
// With RowGemm parallelism, the input is column-split and each device holds a block of rows of the
// weight, producing partial sums. With ColumnGemm, the input is replicated and each device holds a
// block of columns of the weight, producing column-split outputs.
type Gemm struct {
	Base

	InFeatures, OutFeatures int
	ParamType               dtypes.DType
	Init                    initializer.Initializer

	// Features of the local shard of the weight.
	localIn, localOut int
}

var _ Op = (*Gemm)(nil)

// NewGemm creates a Gemm with float32 weights, initialized with XavierUniform.
func NewGemm(name string, inFeatures, outFeatures int) *Gemm {
	return &Gemm{
		Base:        NewBase("Gemm", name, Infer, Infer),
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		ParamType:   dtypes.Float32,
		Init:        initializer.XavierUniform(uint64(inFeatures)<<32 | uint64(outFeatures)),
	}
}

// Clone implements Op.
func (o *Gemm) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DowngradeFP8 implements Op.
func (o *Gemm) DowngradeFP8(to dtypes.DType) {
	o.Base.DowngradeFP8(to)
	o.ParamType = downgrade(o.ParamType, to)
}

// DescribeParallelism implements Op. Besides the plain variants, it offers a row parallel Gemm
// followed by a ReduceScatter, and a column parallel Gemm preceded by an AllGather.
func (o *Gemm) DescribeParallelism() []ExecutionFlow {
	return []ExecutionFlow{
		singleParallel(o, Normal),
		singleParallel(o, RowGemm),
		singleParallel(o, ColumnGemm),
		o.rowGemmReduceScatter(),
		o.allGatherColumnGemm(),
	}
}

func (o *Gemm) rowGemmReduceScatter() ExecutionFlow {
	flow := singleParallel(o, RowGemm)
	rs := NewReduceScatter("post-rs")
	rs.SetParentName(o.Name())
	rs.SetRawTypes(o.RawOutputType(), o.RawOutputType())
	rs.SetParallelism(ReduceScatterP)
	return append(flow, rs)
}

func (o *Gemm) allGatherColumnGemm() ExecutionFlow {
	ag := NewAllGather("pre-ag")
	ag.SetParentName(o.Name())
	ag.SetRawTypes(o.RawInputType(), o.RawInputType())
	ag.SetParallelism(AllGatherP)
	return append(ExecutionFlow{ag}, singleParallel(o, ColumnGemm)...)
}

// SetInputShape implements Op. It returns an error if the features split by the parallelism are
// not divisible by the group size.
func (o *Gemm) SetInputShape(shape shapes.Shape) error {
	o.localIn, o.localOut = o.InFeatures, o.OutFeatures
	switch p := o.Parallelism(); p {
	case Normal:
	case RowGemm:
		workers := o.groupSize()
		if o.InFeatures%workers != 0 {
			return errors.Errorf("%s: number of input features (%d) must be divisible by the distributed group size (%d)",
				o.Name(), o.InFeatures, workers)
		}
		o.localIn /= workers
	case ColumnGemm:
		workers := o.groupSize()
		if o.OutFeatures%workers != 0 {
			return errors.Errorf("%s: number of output features (%d) must be divisible by the distributed group size (%d)",
				o.Name(), o.OutFeatures, workers)
		}
		o.localOut /= workers
	default:
		return errors.Errorf("%s: Gemm doesn't support parallelism %s", o.Name(), p)
	}
	if err := o.Base.SetInputShape(shape); err != nil {
		return err
	}
	if shape.Features() != o.localIn {
		return errors.Errorf("%s: input shape %s has %d features, Gemm expects %d", o.Name(), shape, shape.Features(), o.localIn)
	}
	return nil
}

// OutputShape implements Op.
func (o *Gemm) OutputShape() shapes.Shape {
	return o.InputShape().WithLastDim(o.localOut).WithDType(o.OutputType())
}

// DescribeParams implements Op.
func (o *Gemm) DescribeParams() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{
		"weight": {Shape: shapes.Make(o.ParamType, o.localIn, o.localOut), Init: o.Init},
	}
}

// DescribeSupplementaryTraining implements Op.
func (o *Gemm) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	input := o.InputShape()
	return map[string]TensorDescriptor{
		"act":      newDescriptor(o.OutputShape()),
		"weight_t": newDescriptor(shapes.Make(o.ParamType, o.localOut, o.localIn)),
		"x_t":      newDescriptor(shapes.Make(o.InputType(), input.Features(), input.Rows())),
		"dx":       newDescriptor(input),
	}
}

// DescribeSupplementaryInference implements Op.
func (o *Gemm) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// Weight returns the bound weight tensor.
func (o *Gemm) Weight() *tensors.Tensor { return o.Tensor("weight") }

// RequiresGrad implements Op.
func (o *Gemm) RequiresGrad() []*tensors.Tensor {
	return []*tensors.Tensor{o.Weight()}
}

// Inference implements Op.
func (o *Gemm) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(rt.Backend.Gemm(x, o.Weight(), act), "Inference")
}

// BeginForward implements Op.
func (o *Gemm) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act := o.act(rt)
	if err := rt.Backend.Gemm(x, o.Weight(), act); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	weightT, xT := o.Tensor("weight_t"), o.Tensor("x_t")
	rt.PrepareOutput(weightT)
	if err := rt.Backend.Transpose(o.Weight(), weightT); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	rt.PrepareOutput(xT)
	if err := rt.Backend.Transpose(x, xT); err != nil {
		return nil, nil, o.wrap(err, "BeginForward")
	}
	return act, Context{"weight_t": weightT, "x_t": xT}, nil
}

// ResumeBackward implements Op.
func (o *Gemm) ResumeBackward(rt *Runtime, ctx Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	weightGrad := o.Tensor("weight" + GradSuffix)
	dyMatrix := dy.View(dy.Shape().Rows(), dy.Shape().Features())
	if err := rt.Backend.Gemm(ctx.Get("x_t"), dyMatrix, weightGrad); err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	dx := o.Tensor("dx")
	rt.PrepareOutput(dx)
	if err := rt.Backend.Gemm(dy, ctx.Get("weight_t"), dx); err != nil {
		return nil, nil, o.wrap(err, "ResumeBackward")
	}
	return dx, Grads{weightGrad}, nil
}
