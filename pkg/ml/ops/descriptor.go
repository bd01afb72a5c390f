package ops

import (
	"fmt"

	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/initializer"
	"github.com/gomlx/sequential/pkg/support/xslices"
	"github.com/pkg/errors"
)

// GradSuffix is appended to a parameter name to name its gradient tensor.
const GradSuffix = "_grad"

// TensorDescriptor declares a tensor needed by an operation.
type TensorDescriptor struct {
	// Shape, including the dtype.
	Shape shapes.Shape

	// Init sets the initial value. If nil the tensor has no default: it is written before it is read.
	Init initializer.Initializer
}

// String implements fmt.Stringer.
func (d TensorDescriptor) String() string {
	if d.Init == nil {
		return fmt.Sprintf("%s (write-only)", d.Shape)
	}
	return d.Shape.String()
}

func newDescriptor(shape shapes.Shape) TensorDescriptor {
	return TensorDescriptor{Shape: shape}
}

// DescribeAll returns the union of all tensors declared by op: parameters, their gradients,
// and the training and inference supplementary tensors.
//
// A name declared by both supplementary sets must have the same shape in both.
func DescribeAll(op Op) (map[string]TensorDescriptor, error) {
	all := make(map[string]TensorDescriptor)
	add := func(name string, d TensorDescriptor) error {
		if prev, found := all[name]; found {
			if !prev.Shape.Equal(d.Shape) {
				return errors.Errorf("%s: tensor %q declared with shapes %s and %s", op.Name(), name, prev.Shape, d.Shape)
			}
			if prev.Init != nil {
				return nil
			}
		}
		all[name] = d
		return nil
	}
	params := op.DescribeParams()
	for _, name := range xslices.SortedKeys(params) {
		d := params[name]
		if err := add(name, d); err != nil {
			return nil, err
		}
		if err := add(name+GradSuffix, newDescriptor(d.Shape)); err != nil {
			return nil, err
		}
	}
	for _, descriptors := range []map[string]TensorDescriptor{op.DescribeSupplementaryTraining(), op.DescribeSupplementaryInference()} {
		for _, name := range xslices.SortedKeys(descriptors) {
			if err := add(name, descriptors[name]); err != nil {
				return nil, err
			}
		}
	}
	return all, nil
}

// Bind validates the tensors against those declared by op, and injects them.
// Every declared tensor must be given, with the declared shape and dtype.
func Bind(op Op, tensorsByName map[string]*tensors.Tensor) error {
	declared, err := DescribeAll(op)
	if err != nil {
		return err
	}
	for _, name := range xslices.SortedKeys(tensorsByName) {
		d, found := declared[name]
		if !found {
			return errors.Errorf("%s: tensor %q is not declared by the operation", op.Name(), name)
		}
		t := tensorsByName[name]
		if t == nil {
			return errors.Errorf("%s: tensor %q is nil", op.Name(), name)
		}
		if !t.Shape().Equal(d.Shape) {
			return errors.Errorf("%s: tensor %q has shape %s, but %s was declared", op.Name(), name, t.Shape(), d.Shape)
		}
	}
	for _, name := range xslices.SortedKeys(declared) {
		if _, found := tensorsByName[name]; !found {
			return errors.Errorf("%s: tensor %q (%s) is missing", op.Name(), name, declared[name])
		}
	}
	op.SetTensors(tensorsByName)
	return nil
}
