// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Backend that returns a "Not implemented"
// error for all kernels.
//
// It can be embedded to create mock backends, or to bootstrap a backend implementation.
package notimplemented

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to with with errors.Wrapf(ErrNotImplemented, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// Backend is a dummy backend that can be embedded to create mock backends.
//
// If ErrFn is set, it is called to generate the error returned by each kernel.
type Backend struct {
	ErrFn func(kernel string) error
}

var _ backends.Backend = &Backend{}

func (b *Backend) errFor(kernel string) error {
	if b.ErrFn != nil {
		return b.ErrFn(kernel)
	}
	return errors.Wrapf(NotImplementedError, "in %s()", kernel)
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (b *Backend) String() string {
	return b.Name()
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return "Not Implemented Backend (mock backend for testing)"
}

func (b *Backend) Gemm(x, w, out *tensors.Tensor) error { return b.errFor("Gemm") }

func (b *Backend) Transpose(x, out *tensors.Tensor) error { return b.errFor("Transpose") }

func (b *Backend) LayerNorm(x, weight, bias *tensors.Tensor, epsilon float32, out, mu, rsigma *tensors.Tensor) error {
	return b.errFor("LayerNorm")
}

func (b *Backend) LayerNormInference(x, weight, bias *tensors.Tensor, epsilon float32, out *tensors.Tensor) error {
	return b.errFor("LayerNormInference")
}

func (b *Backend) DLayerNorm(dy, x, mu, rsigma, weight *tensors.Tensor, dx, dWeight, dBias *tensors.Tensor) error {
	return b.errFor("DLayerNorm")
}

func (b *Backend) Activation(activation backends.ActivationType, x, out *tensors.Tensor) error {
	return b.errFor("Activation")
}

func (b *Backend) DActivation(activation backends.ActivationType, dy, x, dx *tensors.Tensor) error {
	return b.errFor("DActivation")
}

func (b *Backend) Add(x, y, out *tensors.Tensor) error { return b.errFor("Add") }

func (b *Backend) Copy(src, dst *tensors.Tensor) error { return b.errFor("Copy") }

func (b *Backend) Cast(x, out *tensors.Tensor) error { return b.errFor("Cast") }

func (b *Backend) Dropout(x *tensors.Tensor, p float32, seed uint64, out, mask *tensors.Tensor) error {
	return b.errFor("Dropout")
}

func (b *Backend) DDropout(dy, mask *tensors.Tensor, p float32, dx *tensors.Tensor) error {
	return b.errFor("DDropout")
}

func (b *Backend) SumRows(x, out *tensors.Tensor) error { return b.errFor("SumRows") }

func (b *Backend) AllGather(group distributed.Group, x, out *tensors.Tensor) error {
	return b.errFor("AllGather")
}

func (b *Backend) ReduceScatter(group distributed.Group, x, out *tensors.Tensor) error {
	return b.errFor("ReduceScatter")
}

func (b *Backend) AllReduce(group distributed.Group, x, out *tensors.Tensor) error {
	return b.errFor("AllReduce")
}

func (b *Backend) Scatter(group distributed.Group, x, out *tensors.Tensor) error {
	return b.errFor("Scatter")
}

func (b *Backend) Gather(group distributed.Group, x, out *tensors.Tensor) error {
	return b.errFor("Gather")
}
