// Package backends defines the numeric kernels a compute pipeline needs from a backend.
//
// Kernels operate on pre-allocated tensors: the caller owns every input and output, and the
// kernel writes its results in place. Inputs with 8-bit float dtypes are interpreted with their
// scale_inv, and 8-bit float outputs are quantized with their scale, updating their amax.
//
// A backend that doesn't implement some kernel returns an error wrapping ErrNotImplemented, and
// it can still be used with pipelines that don't require it. Embedding notimplemented.Backend is
// an easy way to do that.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/tensors"
)

// Backend is the API that needs to be implemented by a numeric backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Primitives are the local kernels.
	Primitives

	// CollectiveOps are the kernels that communicate across the devices of a group.
	CollectiveOps
}

// Primitives are the numeric kernels used by the operations of a pipeline.
//
// Tensors of rank > 2 are taken as matrices [rows, features], where rows is the product of all
// leading axes.
type Primitives interface {
	// Gemm computes out = x @ w, contracting the last axis of x with the first axis of the 2D w.
	Gemm(x, w, out *tensors.Tensor) error

	// Transpose writes the transposed [features, rows] matrix of x into out.
	Transpose(x, out *tensors.Tensor) error

	// LayerNorm normalizes each row of x over its features, scaling by weight and shifting by bias.
	// It saves the float32 mean and the inverse standard deviation (rsigma) of each row, used by DLayerNorm.
	LayerNorm(x, weight, bias *tensors.Tensor, epsilon float32, out, mu, rsigma *tensors.Tensor) error

	// LayerNormInference is LayerNorm without saving statistics.
	LayerNormInference(x, weight, bias *tensors.Tensor, epsilon float32, out *tensors.Tensor) error

	// DLayerNorm computes the gradients of LayerNorm with respect to x, weight and bias.
	DLayerNorm(dy, x, mu, rsigma, weight *tensors.Tensor, dx, dWeight, dBias *tensors.Tensor) error

	// Activation writes activation(x) into out. x and out may be the same tensor.
	Activation(activation ActivationType, x, out *tensors.Tensor) error

	// DActivation writes dy * activation'(x) into dx.
	DActivation(activation ActivationType, dy, x, dx *tensors.Tensor) error

	// Add writes x + y into out. y either has the shape of x or is a vector broadcast over rows.
	Add(x, y, out *tensors.Tensor) error

	// Copy the values of src into dst, which must have the same number of elements.
	Copy(src, dst *tensors.Tensor) error

	// Cast converts the values of x into out's dtype (same number of elements).
	Cast(x, out *tensors.Tensor) error

	// Dropout zeroes elements of x with probability p, scaling the others by 1/(1-p), into out.
	// The kept elements are marked with 1 in mask (Uint8). The same seed yields the same mask.
	Dropout(x *tensors.Tensor, p float32, seed uint64, out, mask *tensors.Tensor) error

	// DDropout applies the saved mask (and scaling) to dy.
	DDropout(dy, mask *tensors.Tensor, p float32, dx *tensors.Tensor) error

	// SumRows sums x over its rows into the vector out.
	SumRows(x, out *tensors.Tensor) error
}

// CollectiveOps are the kernels executed across all the devices of a distributed.Group.
// They block until every device of the group takes part.
type CollectiveOps interface {
	// AllGather concatenates the row shards x of every device into out, in rank order.
	AllGather(group distributed.Group, x, out *tensors.Tensor) error

	// ReduceScatter sums x over the devices and keeps the rank's row shard in out.
	ReduceScatter(group distributed.Group, x, out *tensors.Tensor) error

	// AllReduce sums x over the devices into out.
	AllReduce(group distributed.Group, x, out *tensors.Tensor) error

	// Scatter keeps the rank's row shard of the replicated x in out.
	Scatter(group distributed.Group, x, out *tensors.Tensor) error

	// Gather is the reverse of Scatter, the same as AllGather.
	Gather(group distributed.Group, x, out *tensors.Tensor) error
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOMLX_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const GOMLX_BACKEND = "GOMLX_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GOMLX_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if not backend was registered.
func New() Backend {
	config, found := os.LookupEnv(GOMLX_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
// If there is no ":", the whole string is taken as the backend name.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the pure Go one with import _ "github.com/gomlx/sequential/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

// List the names of the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}
