// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline builds and executes compute pipelines: a list of operations (see package ops)
// typed, shaped, fused and partitioned into self-contained units.
//
// A ComputePipeline is built once with New, which:
//
//  1. Copies the operations (CopyOps) and names them (NameOps).
//  2. Downgrades the 8-bit float types to BFloat16, if they are disabled in the Environment.
//  3. Applies the ModelParallelTransform, if the world size is > 1, and sets the remaining
//     operations to Normal parallelism.
//  4. Infers the types (InferTypes), inserting casts where needed, and the shapes (SetShapes).
//  5. Fuses the list for inference, forward and backward (see package fusion), and partitions
//     the forward and backward lists into Unit (Partition).
//
// Then AllocateTensors allocates and binds the tensors of all operations, after which the
// pipeline can run inference (RunInference) or training (Apply).
package pipeline

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/fusion"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/gomlx/sequential/pkg/ml/scaling"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ComputePipeline executes a list of operations for inference or training.
//
// It is immutable after New, except for the scaling metadata providers and the bound tensors,
// which are mutated in place by every call: a pipeline must not be used concurrently.
type ComputePipeline struct {
	backend backends.Backend
	env     distributed.Environment

	input, output shapes.Shape

	// ops are the elementary operations, after all build transforms.
	ops []ops.Op

	inference, forward, backward []ops.Op
	units                        []Unit

	allocated bool
	params    []*tensors.Tensor
	variables map[*tensors.Tensor]*autodiff.Variable
	memory    int

	recipe                                   scaling.Recipe
	inferenceMeta, forwardMeta, backwardMeta *scaling.Persistent
}

// New builds a pipeline for the given environment and input shape (including its dtype) from
// the list of operations. The operations are copied: the ones given can be used to build other pipelines.
//
// Configuration errors, like indivisible dimensions of the parallel variants, are returned here,
// before any tensor is allocated.
func New(backend backends.Backend, env distributed.Environment, input shapes.Shape, list ...ops.Op) (*ComputePipeline, error) {
	if backend == nil {
		return nil, errors.New("pipeline.New: nil backend")
	}
	if err := env.Validate(); err != nil {
		return nil, errors.WithMessage(err, "pipeline.New")
	}
	if len(list) == 0 {
		return nil, errors.New("pipeline.New: no operations given")
	}
	p := &ComputePipeline{
		backend: backend,
		env:     env,
		input:   input.Clone(),
		recipe:  scaling.DefaultRecipe(),
	}
	var buildErr error
	err := exceptions.TryCatch[error](func() { buildErr = p.build(list) })
	if err == nil {
		err = buildErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline.New(input=%s)", input)
	}
	p.inferenceMeta = scaling.NewPersistent("inference", p.recipe)
	p.forwardMeta = scaling.NewPersistent("forward", p.recipe)
	p.backwardMeta = scaling.NewPersistent("backward", p.recipe)
	return p, nil
}

func (p *ComputePipeline) build(list []ops.Op) error {
	list = CopyOps(list)
	NameOps(list)
	if !p.env.FP8Enabled {
		fusion.DowngradeFP8(list, dtypes.BFloat16)
	}
	SetEnvironment(list, p.env)
	if p.env.WorldSize > 1 {
		var err error
		list, err = ModelParallelTransform(list)
		if err != nil {
			return err
		}
		SetEnvironment(list, p.env)
	}
	SetNormalParallelism(list)
	list, err := InferTypes(list, p.input.DType)
	if err != nil {
		return err
	}
	p.output, err = SetShapes(list, p.input)
	if err != nil {
		return err
	}
	p.ops = list
	p.inference = fusion.FuseList(list, fusion.Inference)
	p.forward = fusion.FuseList(list, fusion.Forward)
	p.backward = fusion.FuseList(list, fusion.Backward)
	p.units = Partition(p.forward, p.backward)
	if err := ValidateUnits(p.units, p.forward, p.backward); err != nil {
		return err
	}
	if last := p.units[len(p.units)-1]; last.Forward[len(last.Forward)-1].OutputType().IsFloat8() {
		exceptions.Panicf("pipeline: output of the last unit is low precision (%s)", p.output)
	}
	klog.V(1).Infof("pipeline: %d operations, %d inference / %d forward / %d backward fused items, %d units",
		len(p.ops), len(p.inference), len(p.forward), len(p.backward), len(p.units))
	return nil
}

// Environment the pipeline was built for.
func (p *ComputePipeline) Environment() distributed.Environment { return p.env }

// Backend used to execute the operations.
func (p *ComputePipeline) Backend() backends.Backend { return p.backend }

// InputShape returns the shape of the input, including the dtype.
func (p *ComputePipeline) InputShape() shapes.Shape { return p.input }

// OutputShape returns the shape of the output, including the dtype.
func (p *ComputePipeline) OutputShape() shapes.Shape { return p.output }

// Ops returns the elementary operations, after all build transforms.
func (p *ComputePipeline) Ops() []ops.Op { return p.ops }

// InferenceOps returns the operations fused for inference.
func (p *ComputePipeline) InferenceOps() []ops.Op { return p.inference }

// Units returns the self-contained units used for training.
func (p *ComputePipeline) Units() []Unit { return p.units }

// SetRecipe changes the scaling recipe of the 8-bit float tensors. It resets the scaling metadata.
func (p *ComputePipeline) SetRecipe(recipe scaling.Recipe) {
	p.recipe = recipe
	p.inferenceMeta = scaling.NewPersistent("inference", recipe)
	p.forwardMeta = scaling.NewPersistent("forward", recipe)
	p.backwardMeta = scaling.NewPersistent("backward", recipe)
}

// runtime returns the runtime for a pass using the given scaling metadata provider.
func (p *ComputePipeline) runtime(meta *scaling.Persistent) *ops.Runtime {
	return &ops.Runtime{Backend: p.backend, Meta: meta, Group: p.env.Group}
}

// String implements fmt.Stringer: it lists the inference items and the units.
func (p *ComputePipeline) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ComputePipeline(%s -> %s):\n", p.input, p.output)
	_, _ = fmt.Fprintf(&sb, "  inference: %s\n", opNames(p.inference))
	for i, unit := range p.units {
		_, _ = fmt.Fprintf(&sb, "  unit #%d:\n    forward:  %s\n    backward: %s\n", i, opNames(unit.Forward), opNames(unit.Backward))
	}
	return sb.String()
}
