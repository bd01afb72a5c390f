package pipeline

import (
	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/gomlx/sequential/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AllocateTensors allocates the tensors declared by every operation: parameters, their gradients,
// and the union of the training and inference supplementary tensors. They are allocated once,
// bound to the operations, and re-used by every call.
//
// If initialize is true the tensors with an initializer are initialized, otherwise they are zero.
// Any tensors bound before are replaced.
func (p *ComputePipeline) AllocateTensors(initialize bool) error {
	return p.AllocateTensorsFrom(initialize, nil)
}

// ExternalTensors returns storage owned by the caller for the tensor name declared by op, or nil if
// the pipeline should allocate it. A returned tensor must have the declared shape.
type ExternalTensors func(op ops.Op, name string, d ops.TensorDescriptor) *tensors.Tensor

// AllocateTensorsFrom is like AllocateTensors, but tensors given by external are bound as they are:
// they are neither initialized nor counted in Memory. Updates of the parameters by an optimizer are
// seen by every holder of the tensors.
func (p *ComputePipeline) AllocateTensorsFrom(initialize bool, external ExternalTensors) error {
	p.params = nil
	p.variables = make(map[*tensors.Tensor]*autodiff.Variable)
	p.memory = 0
	var numExternal int
	for _, op := range p.ops {
		descriptors, err := ops.DescribeAll(op)
		if err != nil {
			return errors.WithMessage(err, "pipeline.AllocateTensors")
		}
		allocated := make(map[string]*tensors.Tensor, len(descriptors))
		for _, name := range xslices.SortedKeys(descriptors) {
			d := descriptors[name]
			if external != nil {
				if t := external(op, name, d); t != nil {
					allocated[name] = t
					numExternal++
					continue
				}
			}
			t := tensors.New(d.Shape)
			if initialize && d.Init != nil {
				d.Init(t)
			}
			allocated[name] = t
			p.memory += d.Shape.Memory()
		}
		if err := ops.Bind(op, allocated); err != nil {
			return errors.WithMessage(err, "pipeline.AllocateTensors")
		}
		for _, param := range op.RequiresGrad() {
			p.params = append(p.params, param)
			p.variables[param] = autodiff.NewVariable(param.Data, true)
		}
	}
	p.allocated = true
	klog.V(1).Infof("pipeline: allocated %d bytes of tensors, %d external tensors, %d parameters",
		p.memory, numExternal, len(p.params))
	return nil
}

// Parameters returns the trainable parameters of all operations, in the order of the operations.
// It is empty before AllocateTensors.
func (p *ComputePipeline) Parameters() []*tensors.Tensor { return p.params }

// Variables returns the variables used to track the gradients of the parameters, aligned with Parameters.
// Their Grad is accumulated by autodiff.Tape.Backward.
func (p *ComputePipeline) Variables() []*autodiff.Variable {
	return xslices.Map(p.params, func(param *tensors.Tensor) *autodiff.Variable { return p.variables[param] })
}

// Variable returns the variable of the given parameter, or nil if it is not a parameter of the pipeline.
func (p *ComputePipeline) Variable(param *tensors.Tensor) *autodiff.Variable {
	return p.variables[param]
}

// Memory returns the number of bytes allocated by AllocateTensors.
func (p *ComputePipeline) Memory() int { return p.memory }

// NumParameters returns the total number of elements of the parameters.
func (p *ComputePipeline) NumParameters() int {
	var n int
	for _, param := range p.params {
		n += param.Shape().Size()
	}
	return n
}
