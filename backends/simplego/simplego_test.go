package simplego

import (
	"math"
	"testing"

	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fromValues creates a Float32 tensor with the given values and dimensions.
func fromValues(values []float32, dims ...int) *tensors.Tensor {
	return tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, values, dims...))
}

func zeros(dtype dtypes.DType, dims ...int) *tensors.Tensor {
	return tensors.New(shapes.Make(dtype, dims...))
}

func TestRegistered(t *testing.T) {
	t.Setenv(backends.GOMLX_BACKEND, "go")
	b := backends.New()
	assert.Equal(t, "SimpleGo (go)", b.Name())
}

func TestGemmAndTranspose(t *testing.T) {
	b := newBackend()
	for _, parallelism := range []int{0, 4} {
		b.SetMaxParallelism(parallelism)
		x := fromValues([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
		w := fromValues([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
		out := zeros(dtypes.Float32, 1, 2, 2)
		require.NoError(t, b.Gemm(x, w, out))
		assert.Equal(t, []float32{4, 5, 10, 11}, out.Float32s())

		xt := zeros(dtypes.Float32, 3, 2)
		require.NoError(t, b.Transpose(x, xt))
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, xt.Float32s())
	}
	require.Error(t, b.Gemm(zeros(dtypes.Float32, 2, 3), zeros(dtypes.Float32, 2, 2), zeros(dtypes.Float32, 2, 2)))
}

func TestLayerNorm(t *testing.T) {
	b := newBackend()
	x := fromValues([]float32{1, 2, 3, 4, 2, 2, 2, 2}, 2, 4)
	weight := fromValues([]float32{1, 1, 1, 1}, 4)
	bias := fromValues([]float32{0, 0, 0, 1}, 4)
	out := zeros(dtypes.Float32, 2, 4)
	mu, rsigma := zeros(dtypes.Float32, 2), zeros(dtypes.Float32, 2)
	require.NoError(t, b.LayerNorm(x, weight, bias, 1e-5, out, mu, rsigma))
	assert.InDeltaSlice(t, []float32{2.5, 2}, mu.Float32s(), 1e-6)
	values := out.Float32s()
	assert.InDelta(t, -1.3416, values[0], 1e-3)
	assert.InDelta(t, 1.3416+1, values[3], 1e-3)
	// Constant rows normalize to 0 (plus bias).
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1}, values[4:], 1e-3)

	inference := zeros(dtypes.Float32, 2, 4)
	require.NoError(t, b.LayerNormInference(x, weight, bias, 1e-5, inference))
	assert.Equal(t, values, inference.Float32s())
}

// TestDLayerNorm compares the analytical gradient with finite differences of sum(LayerNorm(x) * dy).
func TestDLayerNorm(t *testing.T) {
	b := newBackend()
	xValues := []float32{0.5, -1, 2, 0.25, 1, 3}
	dyValues := []float32{1, -2, 0.5, 0.3, 0.7, -1}
	weight := fromValues([]float32{1.5, -0.5, 2}, 3)
	bias := fromValues([]float32{0.1, 0.2, 0.3}, 3)
	loss := func(xs []float32) float64 {
		out := zeros(dtypes.Float32, 2, 3)
		must.M(b.LayerNormInference(fromValues(xs, 2, 3), weight, bias, 1e-5, out))
		var sum float64
		for i, v := range out.Float32s() {
			sum += float64(v * dyValues[i])
		}
		return sum
	}

	x := fromValues(xValues, 2, 3)
	mu, rsigma := zeros(dtypes.Float32, 2), zeros(dtypes.Float32, 2)
	require.NoError(t, b.LayerNorm(x, weight, bias, 1e-5, zeros(dtypes.Float32, 2, 3), mu, rsigma))
	dx, dw, db := zeros(dtypes.Float32, 2, 3), zeros(dtypes.Float32, 3), zeros(dtypes.Float32, 3)
	require.NoError(t, b.DLayerNorm(fromValues(dyValues, 2, 3), x, mu, rsigma, weight, dx, dw, db))

	const eps = 1e-2
	for i := range xValues {
		plus, minus := append([]float32(nil), xValues...), append([]float32(nil), xValues...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (loss(plus) - loss(minus)) / (2 * eps)
		assert.InDeltaf(t, numeric, dx.Float32s()[i], 2e-2, "dx[%d]", i)
	}
	assert.InDeltaSlice(t, []float32{1.3, -1.3, -0.5}, db.Float32s(), 1e-6)
}

func TestActivations(t *testing.T) {
	b := newBackend()
	x := fromValues([]float32{-1, 0, 2}, 3)
	out := zeros(dtypes.Float32, 3)
	require.NoError(t, b.Activation(backends.ActivationRelu, x, out))
	assert.Equal(t, []float32{0, 0, 2}, out.Float32s())

	require.NoError(t, b.Activation(backends.ActivationGelu, x, out))
	assert.InDeltaSlice(t, []float32{-0.158655, 0, 1.954500}, out.Float32s(), 1e-5)

	for _, activation := range []backends.ActivationType{backends.ActivationGelu, backends.ActivationRelu,
		backends.ActivationSilu, backends.ActivationTanh} {
		t.Run(activation.String(), func(t *testing.T) {
			x := fromValues([]float32{-1.5, -0.3, 0.7, 2}, 4)
			dx := zeros(dtypes.Float32, 4)
			require.NoError(t, b.DActivation(activation, fromValues([]float32{1, 1, 1, 1}, 4), x, dx))
			const eps = 1e-3
			for i, v := range x.Float32s() {
				plus, minus := zeros(dtypes.Float32, 1), zeros(dtypes.Float32, 1)
				must.M(b.Activation(activation, fromValues([]float32{v + eps}, 1), plus))
				must.M(b.Activation(activation, fromValues([]float32{v - eps}, 1), minus))
				numeric := (plus.Float32s()[0] - minus.Float32s()[0]) / (2 * eps)
				assert.InDelta(t, numeric, dx.Float32s()[i], 1e-2)
			}
		})
	}

	err := b.Activation(backends.ActivationType(42), x, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backends.ErrNotImplemented))
}

func TestAddSumCastCopy(t *testing.T) {
	b := newBackend()
	x := fromValues([]float32{1, 2, 3, 4}, 2, 2)
	out := zeros(dtypes.Float32, 2, 2)
	require.NoError(t, b.Add(x, fromValues([]float32{10, 20}, 2), out))
	assert.Equal(t, []float32{11, 22, 13, 24}, out.Float32s())
	require.NoError(t, b.Add(x, x, x))
	assert.Equal(t, []float32{2, 4, 6, 8}, x.Float32s())
	require.Error(t, b.Add(x, fromValues([]float32{1, 2, 3}, 3), out))

	sums := zeros(dtypes.Float32, 2)
	require.NoError(t, b.SumRows(x, sums))
	assert.Equal(t, []float32{8, 12}, sums.Float32s())

	bf16 := zeros(dtypes.BFloat16, 2, 2)
	require.NoError(t, b.Cast(x, bf16))
	assert.Equal(t, []float32{2, 4, 6, 8}, bf16.Float32s())

	fp8 := zeros(dtypes.F8E4M3FN, 2, 2)
	require.NoError(t, b.Cast(x, fp8))
	assert.Equal(t, []float32{8}, fp8.Amax.Float32s())
	assert.Equal(t, []float32{2, 4, 6, 8}, fp8.Float32s())

	dst := zeros(dtypes.Float32, 4)
	require.NoError(t, b.Copy(x, dst))
	assert.Equal(t, []float32{2, 4, 6, 8}, dst.Float32s())
	require.Error(t, b.Copy(x, zeros(dtypes.Float32, 3)))
}

func TestDropout(t *testing.T) {
	b := newBackend()
	n := 1000
	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}
	x := fromValues(ones, n)
	out, mask := zeros(dtypes.Float32, n), zeros(dtypes.Uint8, n)
	require.NoError(t, b.Dropout(x, 0.25, 7, out, mask))
	var kept int
	for i, v := range out.Float32s() {
		if mask.Data.Bytes()[i] == 1 {
			kept++
			assert.InDelta(t, 1/0.75, v, 1e-6)
		} else {
			assert.Equal(t, float32(0), v)
		}
	}
	assert.InDelta(t, 750, kept, 60)

	// Same seed, same mask.
	mask2 := zeros(dtypes.Uint8, n)
	require.NoError(t, b.Dropout(x, 0.25, 7, zeros(dtypes.Float32, n), mask2))
	assert.Equal(t, mask.Data.Bytes(), mask2.Data.Bytes())

	dx := zeros(dtypes.Float32, n)
	require.NoError(t, b.DDropout(x, mask, 0.25, dx))
	assert.Equal(t, out.Float32s(), dx.Float32s())
	require.Error(t, b.Dropout(x, 1, 7, out, mask))
	require.Error(t, b.Dropout(x, 0.5, 7, out, zeros(dtypes.Float32, n)))
}

func TestCollectives(t *testing.T) {
	b := newBackend()
	x := fromValues([]float32{1, 2}, 1, 2)
	out := zeros(dtypes.Float32, 1, 2)
	require.NoError(t, b.AllGather(distributed.SingleDevice(), x, out))
	assert.Equal(t, []float32{1, 2}, out.Float32s())

	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"tp"}))
	group := must.M1(distributed.NewMeshGroup(mesh, 0, "tp"))
	err := b.ReduceScatter(group, x, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backends.ErrNotImplemented))
}

func TestFusedDense(t *testing.T) {
	b := newBackend()
	x := fromValues([]float32{1, -2}, 1, 2)
	w := fromValues([]float32{1, 2, 3, 4}, 2, 2)
	bias := fromValues([]float32{1, 1}, 2)
	out := zeros(dtypes.Float32, 1, 2)
	require.NoError(t, b.FusedDense(x, w, bias, backends.ActivationRelu, out))
	// x@w = [1-6, 2-8] = [-5, -6]; + bias = [-4, -5]; relu = [0, 0].
	assert.Equal(t, []float32{0, 0}, out.Float32s())
	require.NoError(t, b.FusedDense(x, w, nil, backends.ActivationNone, out))
	assert.Equal(t, []float32{-5, -6}, out.Float32s())
	assert.False(t, math.IsNaN(float64(out.Float32s()[0])))
}
