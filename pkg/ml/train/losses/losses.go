// Package losses computes losses on the host, along with their gradient with respect to the predictions,
// to be given to autodiff.Tape.Backward.
package losses

import (
	"math"

	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Fn is the signature of the losses: it returns the scalar loss and its gradient with respect to
// the predictions, with the shape and dtype of the predictions.
type Fn func(labels, predictions *tensors.Buffer) (loss float32, grad *tensors.Buffer, err error)

func checkShapes(labels, predictions *tensors.Buffer) error {
	if !labels.Shape().EqualDimensions(predictions.Shape()) {
		return errors.Errorf("labels (%s) and predictions (%s) must have same dimensions", labels.Shape(), predictions.Shape())
	}
	return nil
}

// MeanSquaredError returns the mean of the squared differences between labels and predictions.
func MeanSquaredError(labels, predictions *tensors.Buffer) (float32, *tensors.Buffer, error) {
	if err := checkShapes(labels, predictions); err != nil {
		return 0, nil, err
	}
	y, want := predictions.Float32s(), labels.Float32s()
	n := float32(len(y))
	grad := make([]float32, len(y))
	var loss float64
	for i, v := range y {
		diff := v - want[i]
		loss += float64(diff * diff)
		grad[i] = 2 * diff / n
	}
	shape := predictions.Shape()
	return float32(loss / float64(n)), tensors.FromFloat32s(shape.DType, grad, shape.Dimensions...), nil
}

// MeanAbsoluteError returns the mean of the absolute differences between labels and predictions.
// The gradient is 0 where they are equal.
func MeanAbsoluteError(labels, predictions *tensors.Buffer) (float32, *tensors.Buffer, error) {
	if err := checkShapes(labels, predictions); err != nil {
		return 0, nil, err
	}
	y, want := predictions.Float32s(), labels.Float32s()
	n := float32(len(y))
	grad := make([]float32, len(y))
	var loss float64
	for i, v := range y {
		diff := v - want[i]
		loss += math.Abs(float64(diff))
		switch {
		case diff > 0:
			grad[i] = 1 / n
		case diff < 0:
			grad[i] = -1 / n
		}
	}
	shape := predictions.Shape()
	return float32(loss / float64(n)), tensors.FromFloat32s(shape.DType, grad, shape.Dimensions...), nil
}
