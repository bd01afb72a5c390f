package fusion

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FusedOp executes a run of operations as one. Its members are fixed at creation, and they keep
// owning their parameters and supplementary tensors.
//
// The contexts of the members are namespaced by the member names.
type FusedOp struct {
	ops.Base
	rule    string
	mode    Mode
	members []ops.Op

	// noFusedKernel is set once the backend reported it doesn't have the fused kernel.
	noFusedKernel bool
}

var _ ops.Op = (*FusedOp)(nil)

// NewFusedOp creates a FusedOp of the given members, which must have their types inferred.
func NewFusedOp(rule string, mode Mode, members ...ops.Op) *FusedOp {
	if len(members) == 0 {
		exceptions.Panicf("fusion.NewFusedOp(%q): no members", rule)
	}
	for _, m := range members {
		if _, isFused := m.(*FusedOp); isFused {
			exceptions.Panicf("fusion.NewFusedOp(%q): member %s is already fused", rule, m.Name())
		}
	}
	first, last := members[0], members[len(members)-1]
	o := &FusedOp{
		Base:    ops.NewBase("Fused", names(members), first.InputType(), last.OutputType()),
		rule:    rule,
		mode:    mode,
		members: members,
	}
	o.SetTypesInferred(first.InputType(), last.OutputType())
	return o
}

// Rule returns the name of the rule that created the fused operation.
func (o *FusedOp) Rule() string { return o.rule }

// Mode returns the mode the operation was fused for.
func (o *FusedOp) Mode() Mode { return o.mode }

// Members returns the fused operations, in execution order of the forward pass.
func (o *FusedOp) Members() []ops.Op { return o.members }

func (o *FusedOp) first() ops.Op { return o.members[0] }

func (o *FusedOp) last() ops.Op { return o.members[len(o.members)-1] }

// Clone implements ops.Op. The copy shares the members.
func (o *FusedOp) Clone() ops.Op {
	c := *o
	return &c
}

// Environment implements ops.Op.
func (o *FusedOp) Environment() distributed.Environment { return o.first().Environment() }

// DowngradeFP8 implements ops.Op.
func (o *FusedOp) DowngradeFP8(to dtypes.DType) {
	for _, m := range o.members {
		m.DowngradeFP8(to)
	}
	o.SetTypesInferred(o.first().InputType(), o.last().OutputType())
}

// DescribeParallelism implements ops.Op: operations are fused after their parallelism is chosen.
func (o *FusedOp) DescribeParallelism() []ops.ExecutionFlow {
	return []ops.ExecutionFlow{{o}}
}

// Parallelism implements ops.Op.
func (o *FusedOp) Parallelism() ops.Parallelism {
	return ops.Parallelism{o.first().Parallelism().Input(), o.last().Parallelism().Output()}
}

// HasParallelism implements ops.Op.
func (o *FusedOp) HasParallelism() bool { return true }

// SetParallelism implements ops.Op. It panics, since the members already have their parallelism.
func (o *FusedOp) SetParallelism(p ops.Parallelism) {
	exceptions.Panicf("%s: can't set parallelism %s of a fused operation", o.Name(), p)
}

// SetInputShape implements ops.Op: shapes are set on the members before they are fused.
func (o *FusedOp) SetInputShape(shape shapes.Shape) error {
	if !shape.Equal(o.InputShape()) {
		return errors.Errorf("%s: fused operation has input shape %s, can't change to %s", o.Name(), o.InputShape(), shape)
	}
	return nil
}

// InputShape implements ops.Op.
func (o *FusedOp) InputShape() shapes.Shape { return o.first().InputShape() }

// OutputShape implements ops.Op.
func (o *FusedOp) OutputShape() shapes.Shape { return o.last().OutputShape() }

// RequiresGrad implements ops.Op: the parameters of all members, in member order.
func (o *FusedOp) RequiresGrad() []*tensors.Tensor {
	var params []*tensors.Tensor
	for _, m := range o.members {
		params = append(params, m.RequiresGrad()...)
	}
	return params
}

// Inference implements ops.Op.
func (o *FusedOp) Inference(rt *ops.Runtime, x *tensors.Tensor) (*tensors.Tensor, error) {
	if y, done, err := o.fusedDense(rt, x); done || err != nil {
		return y, err
	}
	var err error
	for _, m := range o.members {
		x, err = m.Inference(rt, x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

// fusedDense runs Gemm+Bias(+activation) with the backend's backends.FusedOps kernel, if available.
// It returns done=false if the members must be executed one by one.
func (o *FusedOp) fusedDense(rt *ops.Runtime, x *tensors.Tensor) (y *tensors.Tensor, done bool, err error) {
	if o.mode != Inference || o.noFusedKernel || len(o.members) < 2 {
		return nil, false, nil
	}
	gemm, ok := o.members[0].(*ops.Gemm)
	if !ok {
		return nil, false, nil
	}
	bias, ok := o.members[1].(*ops.Bias)
	if !ok {
		return nil, false, nil
	}
	// The kernel rounds once to the output dtype: internal junctions narrower than Float32 would
	// be rounded by the members, so they take the decomposed path.
	if gemm.OutputType() != dtypes.Float32 || (len(o.members) > 2 && bias.OutputType() != dtypes.Float32) {
		return nil, false, nil
	}
	activation := backends.ActivationNone
	if len(o.members) > 2 {
		a, ok := o.members[2].(interface {
			ActivationType() backends.ActivationType
		})
		if !ok {
			return nil, false, nil
		}
		activation = a.ActivationType()
	}
	fused, ok := rt.Backend.(backends.FusedOps)
	if !ok {
		o.noFusedKernel = true
		klog.V(1).Infof("%s: backend %q has no fused kernels, executing members", o.Name(), rt.Backend.Name())
		return nil, false, nil
	}
	out := o.last().(interface{ Tensor(string) *tensors.Tensor }).Tensor("act")
	if out.IsLowPrecision() {
		// The scaling metadata are handed out per kernel output, so the decomposed path is always used.
		return nil, false, nil
	}
	err = fused.FusedDense(x, gemm.Weight(), bias.BiasTensor(), activation, out)
	if errors.Is(err, backends.ErrNotImplemented) {
		o.noFusedKernel = true
		klog.Warningf("%s: fused kernel not available, falling back to executing members: %v", o.Name(), err)
		return nil, false, nil
	}
	if err != nil {
		return nil, true, errors.WithMessagef(err, "%s.Inference", o.Name())
	}
	return out, true, nil
}

// BeginForward implements ops.Op.
func (o *FusedOp) BeginForward(rt *ops.Runtime, x *tensors.Tensor) (*tensors.Tensor, ops.Context, error) {
	full := ops.Context{}
	for _, m := range o.members {
		y, ctx, err := m.BeginForward(rt, x)
		if err != nil {
			return nil, nil, err
		}
		full.Merge(ctx.Namespaced(m.Name()))
		x = y
	}
	return x, full, nil
}

// ResumeBackward implements ops.Op. The members run in reverse order, and the gradients are returned
// aligned with RequiresGrad.
func (o *FusedOp) ResumeBackward(rt *ops.Runtime, ctx ops.Context, dy *tensors.Tensor) (*tensors.Tensor, ops.Grads, error) {
	memberGrads := make([]ops.Grads, len(o.members))
	for i := len(o.members) - 1; i >= 0; i-- {
		m := o.members[i]
		dx, grads, err := m.ResumeBackward(rt, ctx.Strip(m.Name()), dy)
		if err != nil {
			return nil, nil, err
		}
		memberGrads[i] = grads
		dy = dx
	}
	var all ops.Grads
	for _, grads := range memberGrads {
		all = append(all, grads...)
	}
	return dy, all, nil
}

// String implements ops.Op.
func (o *FusedOp) String() string {
	return o.rule + "(" + o.Base.String() + ")"
}
