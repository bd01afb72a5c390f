package simplego

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// collective runs a collective kernel: on a group of one device every collective is a copy.
func (b *Backend) collective(kernel string, group distributed.Group, x, out *tensors.Tensor) error {
	if group == nil {
		return errors.Errorf("simplego.%s: nil group", kernel)
	}
	if group.Size() != 1 {
		return errors.Wrapf(backends.ErrNotImplemented, "simplego.%s: group %s has %d devices, only single device groups are supported",
			kernel, group.Name(), group.Size())
	}
	return b.Copy(x, out)
}

// AllGather implements backends.CollectiveOps.
func (b *Backend) AllGather(group distributed.Group, x, out *tensors.Tensor) error {
	return b.collective("AllGather", group, x, out)
}

// ReduceScatter implements backends.CollectiveOps.
func (b *Backend) ReduceScatter(group distributed.Group, x, out *tensors.Tensor) error {
	return b.collective("ReduceScatter", group, x, out)
}

// AllReduce implements backends.CollectiveOps.
func (b *Backend) AllReduce(group distributed.Group, x, out *tensors.Tensor) error {
	return b.collective("AllReduce", group, x, out)
}

// Scatter implements backends.CollectiveOps.
func (b *Backend) Scatter(group distributed.Group, x, out *tensors.Tensor) error {
	return b.collective("Scatter", group, x, out)
}

// Gather implements backends.CollectiveOps.
func (b *Backend) Gather(group distributed.Group, x, out *tensors.Tensor) error {
	return b.collective("Gather", group, x, out)
}
