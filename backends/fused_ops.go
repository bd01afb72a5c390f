// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrNotImplemented indicates a kernel is not implemented for the given
// configuration (e.g. unsupported dtype or backend). Backends should wrap this
// error so callers can distinguish "not supported" from genuine
// bugs and fall back to the decomposed implementation.
var ErrNotImplemented = errors.New("kernel not implemented")

// ActivationType specifies the activation function for activation kernels and fused operations.
type ActivationType int

const (
	ActivationNone ActivationType = iota
	ActivationGelu
	ActivationRelu
	ActivationSilu
	ActivationTanh
)

// String returns the name of the activation type.
func (a ActivationType) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationGelu:
		return "gelu"
	case ActivationRelu:
		return "relu"
	case ActivationSilu:
		return "silu"
	case ActivationTanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// FusedOps defines optional fused kernels. Backends may implement these for
// better performance; the pipeline falls back to the member kernels when
// unavailable, or when they return ErrNotImplemented.
type FusedOps interface {
	// FusedDense performs fused matmul + optional bias + optional activation.
	//
	// It does out = activation(x @ weight + bias). Where @ is a standard matmul,
	// it contracts x's last axis with weight's first axis.
	//
	//   - x: [rows..., in_features], weight: [in_features, out_features],
	//   - bias: [out_features] (nil-able).
	//   - activation: applied after the matmul+bias; set to ActivationNone for no activation.
	FusedDense(x, weight, bias *tensors.Tensor, activation ActivationType, out *tensors.Tensor) error
}
