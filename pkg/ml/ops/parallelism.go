package ops

import "fmt"

// PType describes how a tensor is distributed across the devices of a group.
type PType int

const (
	// NA means not applicable: the tensor is replicated (or there is a single device).
	NA PType = iota

	// NRS means normal row-split: each device holds a contiguous block of rows.
	NRS

	// NCS means normal column-split: each device holds a contiguous block of features.
	NCS

	// PA means partial: each device holds a partial sum, the tensor is the sum over the devices.
	PA
)

// String implements fmt.Stringer.
func (p PType) String() string {
	switch p {
	case NA:
		return "NA"
	case NRS:
		return "NRS"
	case NCS:
		return "NCS"
	case PA:
		return "PA"
	default:
		return fmt.Sprintf("PType(%d)", int(p))
	}
}

// Parallelism describes the distribution of the input and of the output of an operation.
type Parallelism [2]PType

// Input distribution.
func (p Parallelism) Input() PType { return p[0] }

// Output distribution.
func (p Parallelism) Output() PType { return p[1] }

// IsDistributed returns whether the input or the output are split across devices.
func (p Parallelism) IsDistributed() bool { return p != Normal }

// String implements fmt.Stringer.
func (p Parallelism) String() string {
	if name, found := parallelismNames[p]; found {
		return name
	}
	return fmt.Sprintf("(%s,%s)", p[0], p[1])
}

// Parallelism classes.
var (
	Normal         = Parallelism{NA, NA}
	RowParallel    = Parallelism{NRS, NRS}
	ColumnParallel = Parallelism{NCS, NCS}
	ColumnGemm     = Parallelism{NA, NCS}
	RowGemm        = Parallelism{NCS, PA}
	ScatterP       = Parallelism{NA, NRS}
	ReduceScatterP = Parallelism{PA, NRS}
	AllGatherP     = Parallelism{NRS, NA}
	AllReduceP     = Parallelism{PA, NA}
)

var parallelismNames = map[Parallelism]string{
	Normal:         "Normal",
	RowParallel:    "RowParallel",
	ColumnParallel: "ColumnParallel",
	ColumnGemm:     "ColumnGemm",
	RowGemm:        "RowGemm",
	ScatterP:       "Scatter",
	ReduceScatterP: "ReduceScatter",
	AllGatherP:     "AllGather",
	AllReduceP:     "AllReduce",
}

// singleParallel returns the flow made of a copy of op with the given parallelism.
func singleParallel(op Op, p Parallelism) ExecutionFlow {
	c := op.Clone()
	c.SetParallelism(p)
	return ExecutionFlow{c}
}

// pointwiseFlows are the variants of operations that work element by element.
func pointwiseFlows(op Op) []ExecutionFlow {
	return []ExecutionFlow{singleParallel(op, Normal), singleParallel(op, RowParallel), singleParallel(op, ColumnParallel)}
}

// rowwiseFlows are the variants of operations that need the full rows.
func rowwiseFlows(op Op) []ExecutionFlow {
	return []ExecutionFlow{singleParallel(op, Normal), singleParallel(op, RowParallel)}
}

func nonParallelFlows(op Op) []ExecutionFlow {
	return []ExecutionFlow{singleParallel(op, Normal)}
}
