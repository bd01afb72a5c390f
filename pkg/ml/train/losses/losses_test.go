package losses

import (
	"testing"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanSquaredError(t *testing.T) {
	labels := tensors.FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4}, 2, 2)
	predictions := tensors.FromFloat32s(dtypes.Float32, []float32{1, 3, 1, 4}, 2, 2)
	loss, grad, err := MeanSquaredError(labels, predictions)
	require.NoError(t, err)
	assert.InDelta(t, 5.0/4, loss, 1e-6)
	assert.Equal(t, []float32{0, 0.5, -1, 0}, grad.Float32s())
	assert.Equal(t, []int{2, 2}, grad.Shape().Dimensions)

	_, _, err = MeanSquaredError(labels, tensors.FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4}, 4))
	require.Error(t, err)
}

func TestMeanAbsoluteError(t *testing.T) {
	labels := tensors.FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4}, 4)
	predictions := tensors.FromFloat32s(dtypes.Float32, []float32{1, 3, 1, 4}, 4)
	loss, grad, err := MeanAbsoluteError(labels, predictions)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/4, loss, 1e-6)
	assert.Equal(t, []float32{0, 0.25, -0.25, 0}, grad.Float32s())
}
