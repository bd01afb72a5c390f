package optimizers

import (
	"testing"

	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic creates a parameter with the given values, and returns a function that sets the gradient
// of the loss sum((param - target)^2).
func quadratic(values, target []float32) (*tensors.Tensor, *autodiff.Variable, func()) {
	param := tensors.New(shapes.Make(dtypes.Float32, len(values)))
	param.SetFloat32s(values)
	v := autodiff.NewVariable(param.Data, true)
	setGrad := func() {
		current := param.Float32s()
		grad := make([]float32, len(current))
		for i := range current {
			grad[i] = 2 * (current[i] - target[i])
		}
		v.Grad = tensors.FromFloat32s(dtypes.Float32, grad, len(grad))
	}
	return param, v, setGrad
}

func TestSGD(t *testing.T) {
	param, v, setGrad := quadratic([]float32{1, -2}, []float32{0, 0})
	opt := StochasticGradientDescent().WithLearningRate(0.25).WithDecay(false).Done()
	setGrad()
	require.NoError(t, opt.Step([]*tensors.Tensor{param}, []*autodiff.Variable{v}))
	assert.Equal(t, []float32{0.5, -1}, param.Float32s())
	assert.Nil(t, v.Grad)
	assert.Equal(t, int64(1), opt.GlobalStep())

	// Without gradient nothing changes.
	require.NoError(t, opt.Step([]*tensors.Tensor{param}, []*autodiff.Variable{v}))
	assert.Equal(t, []float32{0.5, -1}, param.Float32s())
	opt.Clear()
	assert.Equal(t, int64(0), opt.GlobalStep())

	// Misaligned inputs.
	other := autodiff.NewVariable(tensors.NewBuffer(param.Shape()), true)
	require.Error(t, opt.Step([]*tensors.Tensor{param}, []*autodiff.Variable{other}))
	require.Error(t, opt.Step([]*tensors.Tensor{param}, nil))
}

func TestSGDDecay(t *testing.T) {
	sgd := StochasticGradientDescent().WithLearningRate(1)
	sgd.globalStep = 4
	assert.InDelta(t, 0.5, sgd.learningRate(), 1e-9)
	sgd.WithSchedule(func(step int64, lr float64) float64 { return lr * float64(step) })
	assert.InDelta(t, 4.0, sgd.learningRate(), 1e-9)
}

func TestAdamConverges(t *testing.T) {
	for name, opt := range map[string]Interface{
		"adam":    Adam().LearningRate(0.1).Done(),
		"adamw":   Adam().LearningRate(0.1).WeightDecay(0.001).Done(),
		"amsgrad": Adam().LearningRate(0.1).AMSGrad(true).Done(),
		"adamax":  Adam().LearningRate(0.1).Adamax().Done(),
		"rmsprop": RMSProp().LearningRate(0.05).Done(),
	} {
		t.Run(name, func(t *testing.T) {
			param, v, setGrad := quadratic([]float32{1, -2, 3}, []float32{0.5, 0.5, 0.5})
			for range 300 {
				setGrad()
				require.NoError(t, opt.Step([]*tensors.Tensor{param}, []*autodiff.Variable{v}))
			}
			assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5}, param.Float32s(), 0.1)
		})
	}
}

func TestAdamBackoff(t *testing.T) {
	param, v, setGrad := quadratic([]float32{1}, []float32{0})
	opt := Adam().WithBackoffSteps(2).Done()
	for range 2 {
		setGrad()
		require.NoError(t, opt.Step([]*tensors.Tensor{param}, []*autodiff.Variable{v}))
	}
	assert.Equal(t, []float32{1}, param.Float32s())
	setGrad()
	require.NoError(t, opt.Step([]*tensors.Tensor{param}, []*autodiff.Variable{v}))
	assert.Less(t, param.Float32s()[0], float32(1))
}

func TestByName(t *testing.T) {
	opt := must.M1(ByName("Adam", 0.01))
	assert.Equal(t, 0.01, opt.(*adam).config.learningRate)
	_ = must.M1(ByName("sgd", 0))
	_, err := ByName("nope", 0)
	require.Error(t, err)
}
