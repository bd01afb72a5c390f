package autodiff

import (
	"testing"

	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scale multiplies its first input by its second (a scalar), and records the input for backward.
type scale struct {
	x, factor []float32
	dims      []int
}

func (f *scale) Forward(inputs []*tensors.Buffer) ([]*tensors.Buffer, error) {
	f.x, f.factor = inputs[0].Float32s(), inputs[1].Float32s()
	f.dims = inputs[0].Shape().Dimensions
	y := make([]float32, len(f.x))
	for i, v := range f.x {
		y[i] = v * f.factor[0]
	}
	return []*tensors.Buffer{tensors.FromFloat32s(dtypes.Float32, y, f.dims...), tensors.Scalar(f.factor[0])}, nil
}

func (f *scale) Backward(outputGrad *tensors.Buffer) ([]*tensors.Buffer, error) {
	g := outputGrad.Float32s()
	dx := make([]float32, len(g))
	var dFactor float32
	for i, v := range g {
		dx[i] = v * f.factor[0]
		dFactor += v * f.x[i]
	}
	return []*tensors.Buffer{tensors.FromFloat32s(dtypes.Float32, dx, f.dims...), tensors.Scalar(dFactor)}, nil
}

// toInt returns an integer typed output.
type toInt struct{}

func (toInt) Forward(inputs []*tensors.Buffer) ([]*tensors.Buffer, error) {
	return []*tensors.Buffer{tensors.NewBuffer(inputs[0].Shape().WithDType(dtypes.Int8))}, nil
}

func (toInt) Backward(outputGrad *tensors.Buffer) ([]*tensors.Buffer, error) { return nil, nil }

func TestTapeChain(t *testing.T) {
	tape := NewTape()
	x := NewVariable(tensors.FromFloat32s(dtypes.Float32, []float32{1, 2}, 2), true)
	a := NewVariable(tensors.Scalar(3), true)
	b := NewVariable(tensors.Scalar(5), false)

	outputs := must.M1(tape.Apply(&scale{}, x, a))
	require.Len(t, outputs, 2)
	assert.True(t, outputs[0].RequiresGrad)
	assert.False(t, outputs[1].RequiresGrad)
	assert.False(t, outputs[0].IsLeaf())
	y := must.M1(tape.Apply(&scale{}, outputs[0], b))[0]
	assert.Equal(t, []float32{15, 30}, y.Value.Float32s())
	assert.Equal(t, 2, tape.Len())

	require.NoError(t, tape.Backward(y, tensors.FromFloat32s(dtypes.Float32, []float32{1, 1}, 2)))
	assert.Equal(t, []float32{15, 15}, x.Grad.Float32s())
	assert.Equal(t, []float32{5 * (1 + 2)}, a.Grad.Float32s())
	assert.Nil(t, b.Grad)

	// A tape is used once.
	require.Error(t, tape.Backward(y, tensors.FromFloat32s(dtypes.Float32, []float32{1, 1}, 2)))
	_, err := tape.Apply(&scale{}, x, a)
	require.Error(t, err)
}

func TestTapeAccumulates(t *testing.T) {
	tape := NewTape()
	x := NewVariable(tensors.FromFloat32s(dtypes.Float32, []float32{1, 2}, 2), true)
	two := NewVariable(tensors.Scalar(2), false)
	y := must.M1(tape.Apply(&scale{}, x, two))[0]
	z := must.M1(tape.Apply(&scale{}, x, NewVariable(tensors.Scalar(1), false)))
	_ = z
	require.NoError(t, tape.Backward(y, tensors.FromFloat32s(dtypes.Float32, []float32{1, 1}, 2)))
	assert.Equal(t, []float32{2, 2}, x.Grad.Float32s())

	// Gradients accumulate across tapes until ZeroGrad.
	tape = NewTape()
	y = must.M1(tape.Apply(&scale{}, x, two))[0]
	require.NoError(t, tape.Backward(y, tensors.FromFloat32s(dtypes.Float32, []float32{1, 1}, 2)))
	assert.Equal(t, []float32{4, 4}, x.Grad.Float32s())
	x.ZeroGrad()
	assert.Nil(t, x.Grad)
}

func TestTapeErrors(t *testing.T) {
	tape := NewTape()
	x := NewVariable(tensors.FromFloat32s(dtypes.Float32, []float32{1, 2}, 2), true)
	_, err := tape.Apply(toInt{}, x)
	require.Error(t, err, "integer outputs can't be differentiated")

	// Without gradients the integer output is accepted, and nothing is recorded.
	constant := NewVariable(x.Value, false)
	outputs, err := tape.Apply(toInt{}, constant)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int8, outputs[0].Value.DType())
	assert.Equal(t, 0, tape.Len())

	y := must.M1(tape.Apply(&scale{}, x, NewVariable(tensors.Scalar(2), false)))[0]
	require.Error(t, tape.Backward(y, tensors.FromFloat32s(dtypes.Float32, []float32{1, 1, 1}, 3)))
}
