// Package simplego implements a simple, and not very fast, but very portable backend.
//
// All kernels decode their inputs to float32, compute in float32 and encode the results to the
// output dtype: this makes every dtype (including the 8-bit float ones) work the same way, at the
// cost of speed. The larger kernels are parallelized over rows.
//
// Collective operations are only supported on groups of one device, where they are copies.
package simplego

import (
	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/internal/workerspool"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// BackendName to be used in GOMLX_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
// There are no configurations, the string is simply ignored.
func New(_ string) backends.Backend {
	return newBackend()
}

func newBackend() *Backend {
	return &Backend{workers: workerspool.New()}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	workers *workerspool.Pool
}

// Compile-time check that simplego.Backend implements backends.Backend and backends.FusedOps.
var (
	_ backends.Backend  = &Backend{}
	_ backends.FusedOps = &Backend{}
)

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "SimpleGo (go)"
}

// String implement backends.Backend.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Backend"
}

// SetMaxParallelism of the kernels. 0 disables parallelism, -1 makes it unlimited.
func (b *Backend) SetMaxParallelism(maxParallelism int) {
	b.workers.SetMaxParallelism(maxParallelism)
}

// minParallelizeChunk is the minimum number of elements to parallelize over.
const minParallelizeChunk = 4096

// checkSameSize returns an error if the tensors don't have the same number of elements.
func checkSameSize(kernel string, x *tensors.Tensor, others ...*tensors.Tensor) error {
	for _, o := range others {
		if o.Shape().Size() != x.Shape().Size() {
			return errors.Errorf("simplego.%s: tensor %s and %s have different sizes", kernel, x, o)
		}
	}
	return nil
}
