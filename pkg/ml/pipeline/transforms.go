package pipeline

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CopyOps clones the operations, so the pipeline owns its descriptors. The bound tensors, if any,
// are shared with the originals. Operations that refer to others in the list (ops.Linker) are
// re-linked to the copies.
func CopyOps(list []ops.Op) []ops.Op {
	copies := make([]ops.Op, len(list))
	mapping := make(map[ops.Op]ops.Op, len(list))
	for i, op := range list {
		if _, found := mapping[op]; found {
			exceptions.Panicf("pipeline.CopyOps: operation %s appears twice in the list", op)
		}
		copies[i] = op.Clone()
		mapping[op] = copies[i]
	}
	relink(copies, mapping)
	return copies
}

// relink calls Relink on every ops.Linker of list with the given mapping. It panics if an operation
// refers to one not in the mapping.
func relink(list []ops.Op, mapping map[ops.Op]ops.Op) {
	for _, op := range list {
		linker, ok := op.(ops.Linker)
		if !ok {
			continue
		}
		linker.Relink(func(other ops.Op) ops.Op {
			mapped, found := mapping[other]
			if !found {
				exceptions.Panicf("pipeline: %s refers to %s, which is not part of the list of operations", op, other)
			}
			return mapped
		})
	}
}

// NameOps names the operations by their position: "<i>(<name>)", where name is the name given at
// construction, or the kind of the operation if it has none.
func NameOps(list []ops.Op) {
	for i, op := range list {
		label := op.Name()
		if label == "" {
			label = op.Kind()
		}
		op.SetName(fmt.Sprintf("%d(%s)", i, label))
	}
}

// SetEnvironment sets env on all operations.
func SetEnvironment(list []ops.Op, env distributed.Environment) {
	for _, op := range list {
		op.SetEnvironment(env)
	}
}

// distributionRank orders the output distributions the model parallel transform prefers:
// sharded activations first, then replicated, and partial sums last.
var distributionRank = map[ops.PType]int{
	ops.NRS: 2,
	ops.NCS: 2,
	ops.NA:  1,
	ops.PA:  0,
}

// ModelParallelTransform chooses one parallel variant for each operation, following the
// distribution of the activations through the list (sequence parallelism):
//
//   - The input is scattered by rows, and the output gathered back.
//   - Each operation takes the variant that accepts the current distribution, preferring the
//     variants whose output is sharded: a Gemm on row-split activations becomes AllGather plus a
//     column parallel Gemm, and a Gemm on column-split activations becomes a row parallel Gemm
//     plus ReduceScatter.
//   - If no variant accepts the current distribution, the activations are first made replicated
//     with an AllGather (row-split) or an AllReduce (partial sums).
//
// The operations must be named, and without a parallelism. It returns an error if column-split
// activations reach an operation that can't take them.
func ModelParallelTransform(list []ops.Op) ([]ops.Op, error) {
	var out []ops.Op
	mapping := make(map[ops.Op]ops.Op, len(list))
	scatter := ops.NewScatter("input.scatter")
	out = append(out, scatter)
	dist := scatter.Parallelism().Output()
	for _, op := range list {
		flow := chooseFlow(op.DescribeParallelism(), dist)
		if flow == nil {
			var conversion ops.Op
			switch dist {
			case ops.NRS:
				conversion = ops.NewAllGather(op.Name() + ".pre-ag")
			case ops.PA:
				conversion = ops.NewAllReduce(op.Name() + ".pre-ar")
			default:
				return nil, errors.Errorf("pipeline: no parallel variant of %s accepts %s activations", op, dist)
			}
			out = append(out, conversion)
			dist = conversion.Parallelism().Output()
			flow = chooseFlow(op.DescribeParallelism(), dist)
			if flow == nil {
				return nil, errors.Errorf("pipeline: no parallel variant of %s accepts %s activations", op, dist)
			}
		}
		for _, flowOp := range flow {
			if flowOp.Kind() == op.Kind() {
				mapping[op] = flowOp
			}
		}
		if _, found := mapping[op]; !found {
			exceptions.Panicf("pipeline: parallel variant of %s doesn't include the operation itself", op)
		}
		klog.V(2).Infof("pipeline: %s on %s activations -> %d operation(s), output %s",
			op.Name(), dist, len(flow), flow[len(flow)-1].Parallelism().Output())
		out = append(out, flow...)
		dist = flow[len(flow)-1].Parallelism().Output()
	}
	switch dist {
	case ops.NA:
	case ops.NRS:
		out = append(out, ops.NewAllGather("output.gather"))
	case ops.PA:
		out = append(out, ops.NewAllReduce("output.all-reduce"))
	default:
		return nil, errors.Errorf("pipeline: output of the model parallel operations is %s, it can't be gathered", dist)
	}
	relink(out, mapping)
	return out, nil
}

// chooseFlow returns the flow accepting the given input distribution with the best ranked output, or nil.
func chooseFlow(flows []ops.ExecutionFlow, dist ops.PType) ops.ExecutionFlow {
	var best ops.ExecutionFlow
	for _, flow := range flows {
		if len(flow) == 0 || flow[0].Parallelism().Input() != dist {
			continue
		}
		output := flow[len(flow)-1].Parallelism().Output()
		if best == nil || distributionRank[output] > distributionRank[best[len(best)-1].Parallelism().Output()] {
			best = flow
		}
	}
	return best
}

// SetNormalParallelism sets ops.Normal on the operations that have no parallelism yet.
func SetNormalParallelism(list []ops.Op) {
	for _, op := range list {
		if !op.HasParallelism() {
			op.SetParallelism(ops.Normal)
		}
	}
}

// InferTypes resolves the input and output types of the operations, in a forward sweep starting
// from inputType:
//
//   - An unresolved input type (ops.Infer) takes the output type of the preceding operation,
//     or the anchor type of ops.TypeAnchored operations.
//   - An unresolved output type takes the input type.
//   - If the input type differs from the output type of the preceding operation, a Cast named
//     "<op>.pre-cast" is inserted.
//   - If the last output type is an 8-bit float, a Cast to BFloat16 named "output-cast" is
//     appended: the output of a pipeline is never low precision.
//
// The new casts get the environment and the input distribution of the operation they precede.
func InferTypes(list []ops.Op, inputType dtypes.DType) ([]ops.Op, error) {
	if inputType.IsFloat8() {
		return nil, errors.Errorf("pipeline: input type %s not supported, 8-bit float inputs need scaling metadata", inputType)
	}
	out := make([]ops.Op, 0, len(list))
	prev := inputType
	for _, op := range list {
		in := op.RawInputType()
		if anchored, ok := op.(ops.TypeAnchored); ok {
			anchor := anchored.InputTypeAnchor()
			if in != ops.Infer && in != anchor {
				return nil, errors.Errorf("pipeline: %s declares input type %s, but it must be %s", op, in, anchor)
			}
			in = anchor
		}
		if in == ops.Infer {
			in = prev
		}
		if in != prev {
			cast := ops.NewCast(op.Name()+".pre-cast", in)
			cast.SetEnvironment(op.Environment())
			p := op.Parallelism().Input()
			cast.SetParallelism(ops.Parallelism{p, p})
			cast.SetTypesInferred(prev, in)
			out = append(out, cast)
			klog.V(1).Infof("pipeline: inserted %s", cast)
		}
		outType := op.RawOutputType()
		if outType == ops.Infer {
			outType = in
		}
		op.SetTypesInferred(in, outType)
		out = append(out, op)
		prev = outType
	}
	if prev.IsFloat8() {
		cast := ops.NewCast("output-cast", dtypes.BFloat16)
		cast.SetEnvironment(list[len(list)-1].Environment())
		cast.SetParallelism(ops.Normal)
		cast.SetTypesInferred(prev, dtypes.BFloat16)
		out = append(out, cast)
	}
	return out, nil
}

// SetShapes sets the input shape of each operation to the output shape of the preceding one, and
// returns the output shape of the last.
func SetShapes(list []ops.Op, input shapes.Shape) (shapes.Shape, error) {
	shape := input
	for _, op := range list {
		if err := op.SetInputShape(shape); err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "pipeline: while setting input shape %s", shape)
		}
		shape = op.OutputShape()
	}
	return shape, nil
}
