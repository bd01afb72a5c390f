// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion merges runs of adjacent operations into FusedOp, using rules that depend on the
// execution mode: what can be fused for inference, for the forward pass and for the backward pass differ.
//
// Rules only look at the kinds of adjacent operations and never reorder them. A fused operation
// consumes the same input, produces the same output and gradient, and reads and writes the same
// bound tensors as the run it replaces.
package fusion

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"k8s.io/klog/v2"
)

// Mode of execution the operations are fused for.
type Mode int

const (
	Inference Mode = iota
	Forward
	Backward
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Inference:
		return "inference"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Rule matches a run of operations: the i-th operation's Kind must be one of Kinds[i].
type Rule struct {
	Name  string
	Kinds [][]string
}

var activations = []string{"Gelu", "Relu"}

// Rules per mode, tried in order at each position: longer rules come first.
var Rules = map[Mode][]Rule{
	Inference: {
		{Name: "DenseActivation", Kinds: [][]string{{"Gemm"}, {"Bias"}, activations}},
		{Name: "Dense", Kinds: [][]string{{"Gemm"}, {"Bias"}}},
		{Name: "LayerNormCast", Kinds: [][]string{{"LayerNorm"}, {"Cast"}}},
		{Name: "BiasActivation", Kinds: [][]string{{"Bias"}, activations}},
	},
	Forward: {
		{Name: "DenseActivation", Kinds: [][]string{{"Gemm"}, {"Bias"}, activations}},
		{Name: "LayerNormGemm", Kinds: [][]string{{"LayerNorm"}, {"Gemm"}}},
		{Name: "Dense", Kinds: [][]string{{"Gemm"}, {"Bias"}}},
		{Name: "LayerNormCast", Kinds: [][]string{{"LayerNorm"}, {"Cast"}}},
	},
	Backward: {
		{Name: "LayerNormGemm", Kinds: [][]string{{"LayerNorm"}, {"Gemm"}}},
		{Name: "BiasActivation", Kinds: [][]string{{"Bias"}, activations}},
		{Name: "CastGemm", Kinds: [][]string{{"Cast"}, {"Gemm"}}},
	},
}

// match returns whether rule matches the start of list.
func (r Rule) match(list []ops.Op) bool {
	if len(list) < len(r.Kinds) {
		return false
	}
	for i, kinds := range r.Kinds {
		if !slices.Contains(kinds, list[i].Kind()) {
			return false
		}
		if i > 0 && list[i-1].OutputType() != list[i].InputType() {
			return false
		}
	}
	return true
}

// FuseList returns the list with the runs matching the rules of mode replaced by FusedOp.
// The operations must have their types inferred.
//
// FuseList is idempotent: fused operations are never fused again.
func FuseList(list []ops.Op, mode Mode) []ops.Op {
	fused := make([]ops.Op, 0, len(list))
	for i := 0; i < len(list); {
		matched := false
		for _, rule := range Rules[mode] {
			if rule.match(list[i:]) {
				n := len(rule.Kinds)
				fused = append(fused, NewFusedOp(rule.Name, mode, list[i:i+n]...))
				klog.V(2).Infof("fusion(%s): %s fuses %s", mode, rule.Name, names(list[i:i+n]))
				i += n
				matched = true
				break
			}
		}
		if !matched {
			fused = append(fused, list[i])
			i++
		}
	}
	return fused
}

// Members returns the elementary operations of op: its members if it is a FusedOp, or op itself.
func Members(op ops.Op) []ops.Op {
	if f, ok := op.(*FusedOp); ok {
		return f.Members()
	}
	return []ops.Op{op}
}

// Flatten returns the elementary operations of list, in order.
func Flatten(list []ops.Op) []ops.Op {
	var flat []ops.Op
	for _, op := range list {
		flat = append(flat, Members(op)...)
	}
	return flat
}

// DowngradeFP8 replaces the 8-bit float type annotations of all operations with the given type.
// It is used when 8-bit floats are disabled, before fusion, so all rules see consistent types.
func DowngradeFP8(list []ops.Op, to dtypes.DType) {
	for _, op := range list {
		op.DowngradeFP8(to)
	}
}

func names(list []ops.Op) string {
	parts := make([]string, len(list))
	for i, op := range list {
		parts[i] = op.Name()
	}
	return strings.Join(parts, "+")
}
