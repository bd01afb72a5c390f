package pipeline

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/fusion"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunInference executes the inference operations on x, and returns the output.
//
// The output is a tensor bound to the last operation: it is overwritten by the next call.
func (p *ComputePipeline) RunInference(x *tensors.Tensor) (*tensors.Tensor, error) {
	if err := p.checkInput(x.Shape()); err != nil {
		return nil, err
	}
	p.inferenceMeta.NextIteration()
	rt := p.runtime(p.inferenceMeta)
	var err error
	for _, op := range p.inference {
		x, err = op.Inference(rt, x)
		if err != nil {
			return nil, errors.WithMessage(err, "pipeline.RunInference")
		}
	}
	if x.IsLowPrecision() {
		exceptions.Panicf("pipeline.RunInference: output %s is low precision", x)
	}
	return x, nil
}

func (p *ComputePipeline) checkInput(shape shapes.Shape) error {
	if !p.allocated {
		return errors.New("pipeline: tensors not allocated, call AllocateTensors first")
	}
	if !shape.Equal(p.input) {
		return errors.Errorf("pipeline: input shape %s doesn't match the pipeline input shape %s", shape, p.input)
	}
	return nil
}

// Relay carries the gradient of the data tensor across the junction of two units, from the backward
// pass of the unit after it to the backward pass of the unit before it.
//
// The gradient may be low precision: its scaling metadata can't travel through the differentiation
// tape, only the Relay keeps the tensor intact.
type Relay struct {
	grad *tensors.Tensor
}

// Put stores the gradient. It fails if the relay wasn't emptied.
func (r *Relay) Put(grad *tensors.Tensor) error {
	if r.grad != nil {
		return errors.New("relay already holds a gradient")
	}
	r.grad = grad
	return nil
}

// Take returns the stored gradient and empties the relay. It fails if the relay is empty.
func (r *Relay) Take() (*tensors.Tensor, error) {
	if r.grad == nil {
		return nil, errors.New("relay is empty, the backward pass of the following unit didn't run")
	}
	grad := r.grad
	r.grad = nil
	return grad, nil
}

// Empty returns whether the relay holds no gradient.
func (r *Relay) Empty() bool { return r.grad == nil }

// Call is the state of one training call of a pipeline: one Relay per junction of two units.
// It is created by Apply, and finishes when the backward pass of the first unit runs.
type Call struct {
	ID       uuid.UUID
	relays   []*Relay
	finished bool
}

func newCall(numUnits int) *Call {
	c := &Call{ID: uuid.New(), relays: make([]*Relay, max(numUnits-1, 0))}
	for i := range c.relays {
		c.relays[i] = &Relay{}
	}
	return c
}

// finish marks the call as finished. It fails if a relay was not consumed.
func (c *Call) finish() error {
	c.finished = true
	for i, r := range c.relays {
		if !r.Empty() {
			return errors.Errorf("call %s: relay #%d not consumed", c.ID, i)
		}
	}
	return nil
}

// Apply executes the pipeline on x.
//
// If training is false, it runs the inference operations, and the output is not tracked by the tape.
// Otherwise, each unit is registered with the tape as one differentiable function: the gradients of
// x (if it requires them) and of the parameters (see Variables) are computed by tape.Backward.
//
// The output value is bound to the pipeline, and overwritten by the next call.
func (p *ComputePipeline) Apply(tape *autodiff.Tape, x *autodiff.Variable, training bool) (*autodiff.Variable, error) {
	if !training {
		y, err := p.RunInference(tensors.FromBuffer(x.Value))
		if err != nil {
			return nil, err
		}
		return autodiff.NewVariable(y.Data, false), nil
	}
	if tape == nil {
		return nil, errors.New("pipeline.Apply: training requires a tape")
	}
	if err := p.checkInput(x.Value.Shape()); err != nil {
		return nil, err
	}
	p.forwardMeta.NextIteration()
	p.backwardMeta.NextIteration()
	call := newCall(len(p.units))
	klog.V(2).Infof("pipeline: call %s, %d units", call.ID, len(p.units))

	var metas []*autodiff.Variable
	for i, unit := range p.units {
		fn := &unitFunction{
			p:         p,
			call:      call,
			index:     i,
			unit:      unit,
			params:    unit.RequiresGrad(),
			inputType: unit.Forward[0].InputType(),
		}
		inputs := make([]*autodiff.Variable, 0, 1+len(fn.params)+len(metas))
		inputs = append(inputs, x)
		for _, param := range fn.params {
			v := p.variables[param]
			if v == nil {
				return nil, errors.Errorf("pipeline.Apply: parameter of unit #%d is not allocated by the pipeline", i)
			}
			inputs = append(inputs, v)
		}
		inputs = append(inputs, metas...)
		outputs, err := tape.Apply(fn, inputs...)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline.Apply: unit #%d", i)
		}
		x, metas = outputs[0], outputs[1:]
	}
	return x, nil
}

// unitFunction is the differentiable function of one unit, in one call.
//
// Forward inputs are the exposed data tensor x, the parameters of the unit, and, for low precision x,
// its scaling metadata (amax, scale, scale_inv). The outputs are the exposed data tensor y and,
// for low precision y, its scaling metadata.
//
// Low precision data tensors are stored with dtypes.Int8, which a differentiation tape rejects: they are
// exposed squished (see tensors.Squish) as float tensors.
type unitFunction struct {
	p      *ComputePipeline
	call   *Call
	index  int
	unit   Unit
	params []*tensors.Tensor

	inputType            dtypes.DType
	xSquished, ySquished bool

	ctx                       ops.Context
	forwardDone, backwardDone bool
}

var _ autodiff.Function = (*unitFunction)(nil)

func (f *unitFunction) isLast() bool { return f.index == len(f.p.units)-1 }

// Forward implements autodiff.Function.
func (f *unitFunction) Forward(inputs []*tensors.Buffer) ([]*tensors.Buffer, error) {
	if f.forwardDone {
		return nil, errors.Errorf("pipeline: unit #%d forward called twice in call %s", f.index, f.call.ID)
	}
	f.forwardDone = true
	x, err := f.unpackInput(inputs)
	if err != nil {
		return nil, err
	}
	rt := f.p.runtime(f.p.forwardMeta)
	ctx := ops.Context{}
	for _, item := range f.unit.Forward {
		y, itemCtx, err := item.BeginForward(rt, x)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline: unit #%d forward", f.index)
		}
		if _, fused := item.(*fusion.FusedOp); fused {
			ctx.Merge(itemCtx)
		} else {
			ctx.Merge(itemCtx.Namespaced(item.Name()))
		}
		x = y
	}
	f.ctx = ctx.Snapshot()
	if !x.IsLowPrecision() {
		return []*tensors.Buffer{x.Data}, nil
	}
	if f.isLast() {
		exceptions.Panicf("pipeline: output %s of the last unit is low precision", x)
	}
	f.ySquished = true
	klog.V(2).Infof("pipeline: call %s, unit #%d squishes its output %s", f.call.ID, f.index, x)
	return []*tensors.Buffer{tensors.Squish(x.Data), x.Amax, x.Scale, x.ScaleInv}, nil
}

// unpackInput reconstructs the data tensor from the forward inputs.
func (f *unitFunction) unpackInput(inputs []*tensors.Buffer) (*tensors.Tensor, error) {
	exposed := inputs[0]
	if !f.inputType.IsFloat8() {
		if exposed.DType() != f.inputType {
			return nil, errors.Errorf("pipeline: unit #%d expects input of dtype %s, got %s", f.index, f.inputType, exposed.Shape())
		}
		return tensors.FromBuffer(exposed), nil
	}
	metas := inputs[1+len(f.params):]
	if len(metas) != 3 {
		return nil, errors.Errorf("pipeline: unit #%d takes a low precision input, but got %d scaling metadata inputs", f.index, len(metas))
	}
	f.xSquished = true
	data := tensors.Unsquish(exposed, f.inputType.StorageDType())
	return tensors.Wrap(f.inputType, data, metas[0], metas[1], metas[2]), nil
}

// Backward implements autodiff.Function.
func (f *unitFunction) Backward(outputGrad *tensors.Buffer) ([]*tensors.Buffer, error) {
	if f.call.finished {
		return nil, errors.Errorf("pipeline: call %s already finished its backward pass, unit #%d", f.call.ID, f.index)
	}
	if !f.forwardDone || f.backwardDone {
		return nil, errors.Errorf("pipeline: unit #%d backward called without matching forward in call %s", f.index, f.call.ID)
	}
	f.backwardDone = true
	var dy *tensors.Tensor
	if f.isLast() {
		dy = tensors.FromBuffer(outputGrad)
	} else {
		var err error
		dy, err = f.call.relays[f.index].Take()
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline: call %s, unit #%d", f.call.ID, f.index)
		}
	}

	rt := f.p.runtime(f.p.backwardMeta)
	gradByParam := make(map[*tensors.Tensor]*tensors.Buffer, len(f.params))
	for i := len(f.unit.Backward) - 1; i >= 0; i-- {
		item := f.unit.Backward[i]
		ctx := f.ctx
		if _, fused := item.(*fusion.FusedOp); !fused {
			ctx = f.ctx.Strip(item.Name())
		}
		dx, grads, err := item.ResumeBackward(rt, ctx, dy)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline: unit #%d backward", f.index)
		}
		params := item.RequiresGrad()
		if len(grads) != len(params) {
			return nil, errors.Errorf("pipeline: %s returned %d gradients for %d parameters", item, len(grads), len(params))
		}
		for j, param := range params {
			if grads[j].IsLowPrecision() {
				exceptions.Panicf("pipeline: gradient of a parameter of %s is low precision (%s), not supported", item, grads[j])
			}
			gradByParam[param] = grads[j].Data
		}
		dy = dx
	}
	dx := dy
	f.ctx = nil

	if f.index == 0 {
		if dx.IsLowPrecision() {
			exceptions.Panicf("pipeline: input gradient %s is low precision", dx)
		}
		if err := f.call.finish(); err != nil {
			return nil, err
		}
	} else {
		if err := f.call.relays[f.index-1].Put(dx); err != nil {
			return nil, errors.WithMessagef(err, "pipeline: call %s, unit #%d", f.call.ID, f.index)
		}
		klog.V(2).Infof("pipeline: call %s, unit #%d hands gradient %s to relay #%d", f.call.ID, f.index, dx, f.index-1)
	}

	grads := make([]*tensors.Buffer, 1+len(f.params))
	var err error
	grads[0], err = exposeGrad(dx, f.inputType, f.xSquished)
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline: call %s, unit #%d", f.call.ID, f.index)
	}
	for i, param := range f.params {
		grads[1+i] = gradByParam[param]
	}
	if f.xSquished {
		// The scaling metadata inputs have no gradient.
		grads = append(grads, nil, nil, nil)
	}
	return grads, nil
}

// exposeGrad returns the gradient of the exposed input: if the input was squished, its gradient must have the
// storage dtype of the input, and it is squished the same way.
func exposeGrad(dx *tensors.Tensor, inputType dtypes.DType, squished bool) (*tensors.Buffer, error) {
	if !squished {
		return dx.Data, nil
	}
	if want := inputType.StorageDType(); dx.Data.DType() != want {
		return nil, errors.Errorf("gradient %s of a squished %s input must be stored as %s", dx, inputType, want)
	}
	return tensors.Squish(dx.Data), nil
}
