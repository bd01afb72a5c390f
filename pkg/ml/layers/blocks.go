// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers builds the lists of operations of common transformer blocks, to be given to pipeline.New.
package layers

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/ml/ops"
)

// Residual surrounds the operations with a residual connection: the output of the block is the
// input of the first operation plus the output of the last.
func Residual(name string, list ...ops.Op) []ops.Op {
	begin, end := ops.NewResidual(name)
	out := make([]ops.Op, 0, len(list)+2)
	out = append(out, begin)
	out = append(out, list...)
	return append(out, end)
}

// Linear returns a Gemm followed, if bias is true, by a Bias.
func Linear(name string, inFeatures, outFeatures int, bias bool) []ops.Op {
	out := []ops.Op{ops.NewGemm(name+".gemm", inFeatures, outFeatures)}
	if bias {
		out = append(out, ops.NewBias(name+".bias", outFeatures))
	}
	return out
}

// MLPBuilder configures a LayerNormMLP block. Create it with LayerNormMLP, set the desired
// parameters, and call Done to get the operations.
type MLPBuilder struct {
	name             string
	features, hidden int
	epsilon          float32
	bias             bool
	activation       backends.ActivationType
	dropout          float32
	dropoutSeed      uint64
	fp8              bool
	residual         bool
}

// LayerNormMLP configures the feed-forward block of a transformer layer: a layer normalization followed
// by two Linear layers, with an activation between them:
//
//	LayerNorm(features) -> Linear(features, hidden) -> Gelu -> Linear(hidden, features)
//
// The defaults are epsilon 1e-5, biases, Gelu activation and no dropout.
func LayerNormMLP(name string, features, hidden int) *MLPBuilder {
	return &MLPBuilder{
		name:       name,
		features:   features,
		hidden:     hidden,
		epsilon:    1e-5,
		bias:       true,
		activation: backends.ActivationGelu,
	}
}

// Epsilon of the layer normalization.
func (b *MLPBuilder) Epsilon(epsilon float32) *MLPBuilder {
	b.epsilon = epsilon
	return b
}

// Bias sets whether the Linear layers have a bias.
func (b *MLPBuilder) Bias(bias bool) *MLPBuilder {
	b.bias = bias
	return b
}

// Relu uses a Relu activation instead of Gelu.
func (b *MLPBuilder) Relu() *MLPBuilder {
	b.activation = backends.ActivationRelu
	return b
}

// Dropout appends a Dropout with probability p to the block, using the given seed. 0 disables it.
func (b *MLPBuilder) Dropout(p float32, seed uint64) *MLPBuilder {
	b.dropout, b.dropoutSeed = p, seed
	return b
}

// FP8 makes the Gemm operations take 8-bit float (Float8E4M3FN) inputs, and produce BFloat16
// outputs. The pipeline inserts the casts. If 8-bit floats are disabled in the environment,
// they are downgraded to BFloat16.
func (b *MLPBuilder) FP8() *MLPBuilder {
	b.fp8 = true
	return b
}

// Residual surrounds the block with a residual connection.
func (b *MLPBuilder) Residual() *MLPBuilder {
	b.residual = true
	return b
}

// Done returns the operations of the block.
func (b *MLPBuilder) Done() []ops.Op {
	ln := ops.NewLayerNorm(b.name+".ln", b.features)
	ln.Epsilon = b.epsilon
	list := []ops.Op{ln}
	fc1 := Linear(b.name+".fc1", b.features, b.hidden, b.bias)
	fc2 := Linear(b.name+".fc2", b.hidden, b.features, b.bias)
	if b.fp8 {
		for _, gemm := range []ops.Op{fc1[0], fc2[0]} {
			gemm.SetRawTypes(dtypes.F8E4M3FN, dtypes.BFloat16)
		}
	}
	list = append(list, fc1...)
	if b.activation == backends.ActivationRelu {
		list = append(list, ops.NewRelu(b.name+".relu"))
	} else {
		list = append(list, ops.NewGelu(b.name+".gelu"))
	}
	list = append(list, fc2...)
	if b.dropout > 0 {
		dropout := ops.NewDropout(b.name+".dropout", b.dropout)
		dropout.Seed = b.dropoutSeed
		list = append(list, dropout)
	}
	if b.residual {
		return Residual(b.name+".residual", list...)
	}
	return list
}
