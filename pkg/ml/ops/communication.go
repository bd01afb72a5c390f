package ops

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// collectiveKernel is the signature of the methods of backends.CollectiveOps.
type collectiveKernel func(backends.CollectiveOps, distributed.Group, *tensors.Tensor, *tensors.Tensor) error

// collective is an operation that communicates the data across the devices of the group.
// They are inserted by the model parallel transform of a pipeline, and have a fixed parallelism.
type collective struct {
	Base
	forward, backward collectiveKernel

	// outputShape of a shard given the input shape and the size of the group.
	outputShape func(input shapes.Shape, workers int) (shapes.Shape, error)
	output      shapes.Shape
}

func newCollective(kind, name string, p Parallelism, forward, backward collectiveKernel,
	outputShape func(shapes.Shape, int) (shapes.Shape, error)) collective {
	c := collective{
		Base:        NewBase(kind, name, Infer, Infer),
		forward:     forward,
		backward:    backward,
		outputShape: outputShape,
	}
	c.SetParallelism(p)
	return c
}

func sameShape(s shapes.Shape, _ int) (shapes.Shape, error) { return s, nil }

func rowMerge(s shapes.Shape, workers int) (shapes.Shape, error) {
	return shapes.RowMerge(s, workers), nil
}

// SetInputShape implements Op.
func (o *collective) SetInputShape(shape shapes.Shape) error {
	if err := o.Base.SetInputShape(shape); err != nil {
		return err
	}
	output, err := o.outputShape(shape, o.groupSize())
	if err != nil {
		return errors.WithMessagef(err, "%s", o.Name())
	}
	o.output = output.WithDType(o.OutputType())
	return nil
}

// OutputShape implements Op.
func (o *collective) OutputShape() shapes.Shape {
	_ = o.InputShape()
	return o.output
}

// DescribeSupplementaryTraining implements Op.
func (o *collective) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return map[string]TensorDescriptor{
		"act": newDescriptor(o.OutputShape()),
		"dx":  newDescriptor(o.InputShape()),
	}
}

// DescribeSupplementaryInference implements Op.
func (o *collective) DescribeSupplementaryInference() map[string]TensorDescriptor {
	return o.describeAct(nil, o.OutputShape())
}

// Inference implements Op.
func (o *collective) Inference(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	act := o.act(rt)
	return act, o.wrap(o.forward(rt.Backend, rt.Group, x, act), "Inference")
}

// BeginForward implements Op.
func (o *collective) BeginForward(rt *Runtime, x *tensors.Tensor) (*tensors.Tensor, Context, error) {
	act, err := o.Inference(rt, x)
	if err != nil {
		return nil, nil, err
	}
	return act, Context{}, nil
}

// ResumeBackward implements Op.
func (o *collective) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx := o.Tensor("dx")
	rt.PrepareOutput(dx)
	return dx, nil, o.wrap(o.backward(rt.Backend, rt.Group, dy, dx), "ResumeBackward")
}

// Scatter keeps the local row shard of a replicated input. Its gradient is gathered back.
type Scatter struct{ collective }

// NewScatter creates a Scatter operation.
func NewScatter(name string) *Scatter {
	return &Scatter{newCollective("Scatter", name, ScatterP,
		backends.CollectiveOps.Scatter, backends.CollectiveOps.Gather, shapes.RowSplit)}
}

// Clone implements Op.
func (o *Scatter) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *Scatter) DescribeParallelism() []ExecutionFlow { return []ExecutionFlow{{o.Clone()}} }

// ReduceScatter sums the partial inputs of all devices, and keeps the local row shard.
// Its gradient is all-gathered.
type ReduceScatter struct{ collective }

// NewReduceScatter creates a ReduceScatter operation.
func NewReduceScatter(name string) *ReduceScatter {
	return &ReduceScatter{newCollective("ReduceScatter", name, ReduceScatterP,
		backends.CollectiveOps.ReduceScatter, backends.CollectiveOps.AllGather, shapes.RowSplit)}
}

// Clone implements Op.
func (o *ReduceScatter) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *ReduceScatter) DescribeParallelism() []ExecutionFlow { return []ExecutionFlow{{o.Clone()}} }

// AllGather concatenates the row shards of all devices. Its gradient is reduce-scattered.
type AllGather struct{ collective }

// NewAllGather creates an AllGather operation.
func NewAllGather(name string) *AllGather {
	return &AllGather{newCollective("AllGather", name, AllGatherP,
		backends.CollectiveOps.AllGather, backends.CollectiveOps.ReduceScatter, rowMerge)}
}

// Clone implements Op.
func (o *AllGather) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *AllGather) DescribeParallelism() []ExecutionFlow { return []ExecutionFlow{{o.Clone()}} }

// AllReduce sums the partial inputs of all devices. The gradient is replicated, so it passes through.
type AllReduce struct{ collective }

// NewAllReduce creates an AllReduce operation.
func NewAllReduce(name string) *AllReduce {
	return &AllReduce{newCollective("AllReduce", name, AllReduceP, backends.CollectiveOps.AllReduce, nil, sameShape)}
}

// Clone implements Op.
func (o *AllReduce) Clone() Op {
	c := *o
	c.Base = o.Base.clone()
	return &c
}

// DescribeParallelism implements Op.
func (o *AllReduce) DescribeParallelism() []ExecutionFlow { return []ExecutionFlow{{o.Clone()}} }

// DescribeSupplementaryTraining implements Op.
func (o *AllReduce) DescribeSupplementaryTraining() map[string]TensorDescriptor {
	return o.describeGradIfCast(o.describeAct(nil, o.OutputShape()))
}

// ResumeBackward implements Op.
func (o *AllReduce) ResumeBackward(rt *Runtime, _ Context, dy *tensors.Tensor) (*tensors.Tensor, Grads, error) {
	dx, err := o.passGradient(rt, dy)
	if err != nil {
		return nil, nil, err
	}
	return dx, nil, nil
}
