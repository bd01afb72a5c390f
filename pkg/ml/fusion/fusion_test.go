package fusion

import (
	"testing"

	"github.com/gomlx/sequential/backends"
	"github.com/gomlx/sequential/backends/simplego"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prepare takes the list through the single device build steps, with float32 types, and binds
// freshly allocated tensors.
func prepare(t *testing.T, list []ops.Op, shape shapes.Shape) {
	types := make([]dtypes.DType, len(list)+1)
	for i := range types {
		types[i] = dtypes.Float32
	}
	prepareWithTypes(t, list, shape, types...)
}

// prepareWithTypes is like prepare, with types[i] and types[i+1] the input and output types of list[i].
func prepareWithTypes(t *testing.T, list []ops.Op, shape shapes.Shape, types ...dtypes.DType) {
	require.Len(t, types, len(list)+1)
	for i, op := range list {
		op.SetName(op.Kind() + string(rune('a'+i)))
		op.SetEnvironment(distributed.SingleDeviceEnvironment(false))
		op.SetParallelism(ops.Normal)
		op.SetTypesInferred(types[i], types[i+1])
		require.NoError(t, op.SetInputShape(shape))
		shape = op.OutputShape()
		allocated := make(map[string]*tensors.Tensor)
		for name, d := range must.M1(ops.DescribeAll(op)) {
			allocated[name] = tensors.New(d.Shape)
			if d.Init != nil {
				d.Init(allocated[name])
			}
		}
		require.NoError(t, ops.Bind(op, allocated))
	}
}

func mlp() []ops.Op {
	return []ops.Op{
		ops.NewLayerNorm("", 4), ops.NewGemm("", 4, 6), ops.NewBias("", 6), ops.NewGelu(""),
		ops.NewGemm("", 6, 4), ops.NewBias("", 4),
	}
}

func kinds(list []ops.Op) []string {
	out := make([]string, len(list))
	for i, op := range list {
		if f, ok := op.(*FusedOp); ok {
			out[i] = f.Rule()
		} else {
			out[i] = op.Kind()
		}
	}
	return out
}

func TestFuseList(t *testing.T) {
	list := mlp()
	prepare(t, list, shapes.Make(dtypes.Float32, 3, 4))
	testCases := []struct {
		mode Mode
		want []string
	}{
		{Inference, []string{"LayerNorm", "DenseActivation", "Dense"}},
		{Forward, []string{"LayerNormGemm", "Bias", "Gelu", "Dense"}},
		{Backward, []string{"LayerNormGemm", "BiasActivation", "Gemm", "Bias"}},
	}
	for _, tc := range testCases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			fused := FuseList(list, tc.mode)
			assert.Equal(t, tc.want, kinds(fused))
			assert.Equal(t, list, Flatten(fused), "fusion must not reorder or drop operations")

			// Idempotent.
			again := FuseList(fused, tc.mode)
			require.Len(t, again, len(fused))
			for i := range fused {
				assert.Same(t, fused[i], again[i])
			}
		})
	}
}

func TestFuseTypeJunction(t *testing.T) {
	gemm, bias := ops.NewGemm("gemm", 2, 2), ops.NewBias("bias", 2)
	gemm.SetTypesInferred(dtypes.Float32, dtypes.BFloat16)
	bias.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	fused := FuseList([]ops.Op{gemm, bias}, Inference)
	assert.Equal(t, []string{"Gemm", "Bias"}, kinds(fused))
}

func TestFusedTraining(t *testing.T) {
	rt := &ops.Runtime{Backend: simplego.New(""), Group: distributed.SingleDevice()}
	list := []ops.Op{ops.NewGemm("", 3, 2), ops.NewBias("", 2), ops.NewRelu("")}
	prepare(t, list, shapes.Make(dtypes.Float32, 2, 3))
	list[0].(*ops.Gemm).Weight().SetFloat32s([]float32{1, 0, 0, 1, 1, 1})
	list[1].(*ops.Bias).BiasTensor().SetFloat32s([]float32{-5, 0})
	x := tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3))

	// Decomposed.
	y := x
	var ctxs []ops.Context
	for _, op := range list {
		var ctx ops.Context
		y, ctx = must.M2(op.BeginForward(rt, y))
		ctxs = append(ctxs, ctx)
	}
	wantY := y.Float32s()
	dy := tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, []float32{1, 1, 1, 1}, 2, 2))
	var wantGrads [][]float32
	for i := len(list) - 1; i >= 0; i-- {
		var grads ops.Grads
		dy, grads = must.M2(list[i].ResumeBackward(rt, ctxs[i], dy))
		for _, g := range grads {
			wantGrads = append([][]float32{g.Float32s()}, wantGrads...)
		}
	}
	wantDx := dy.Float32s()

	// Fused.
	fused := NewFusedOp("DenseActivation", Forward, list...)
	assert.Equal(t, "Gemma+Biasb+Reluc", fused.Name())
	assert.Equal(t, list[0].InputShape(), fused.InputShape())
	assert.Equal(t, list[2].OutputShape(), fused.OutputShape())
	y, ctx, err := fused.BeginForward(rt, x)
	require.NoError(t, err)
	assert.Equal(t, wantY, y.Float32s())
	assert.Equal(t, []float32{0, 5, 5, 11}, y.Float32s())
	assert.Contains(t, ctx, "Reluc/x")

	dy = tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, []float32{1, 1, 1, 1}, 2, 2))
	dx, grads, err := fused.ResumeBackward(rt, ctx, dy)
	require.NoError(t, err)
	assert.Equal(t, wantDx, dx.Float32s())
	require.Len(t, grads, 2)
	assert.Same(t, list[0].RequiresGrad()[0], fused.RequiresGrad()[0])
	for i, g := range grads {
		assert.Equal(t, wantGrads[i], g.Float32s())
	}
}

// withoutFusedOps hides the fused kernels of the backend it embeds.
type withoutFusedOps struct{ backends.Backend }

// failingFusedOps reports the fused kernel as not implemented.
type failingFusedOps struct{ backends.Backend }

func (failingFusedOps) FusedDense(_, _, _ *tensors.Tensor, _ backends.ActivationType, _ *tensors.Tensor) error {
	return errors.Wrap(backends.ErrNotImplemented, "FusedDense")
}

func TestFusedInference(t *testing.T) {
	for _, backend := range []backends.Backend{
		simplego.New(""),
		withoutFusedOps{simplego.New("")},
		failingFusedOps{simplego.New("")},
	} {
		rt := &ops.Runtime{Backend: backend, Group: distributed.SingleDevice()}
		list := []ops.Op{ops.NewGemm("", 3, 2), ops.NewBias("", 2), ops.NewGelu("")}
		prepare(t, list, shapes.Make(dtypes.Float32, 2, 3))
		list[0].(*ops.Gemm).Weight().SetFloat32s([]float32{1, 0, 0, 1, 1, 1})
		list[1].(*ops.Bias).BiasTensor().SetFloat32s([]float32{-5, 0})
		x := tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3))

		fused := FuseList(list, Inference)
		require.Len(t, fused, 1)
		for range 2 {
			y, err := fused[0].Inference(rt, x)
			require.NoError(t, err)
			assert.InDeltaSlice(t, []float32{-0.1587, 5, 5, 11}, y.Float32s(), 1e-3)
			assert.Same(t, list[2].(*ops.Gelu).Tensor("act"), y)
		}
		if _, isFailing := backend.(failingFusedOps); isFailing {
			assert.True(t, fused[0].(*FusedOp).noFusedKernel)
		}
	}
}

// countingFusedOps counts the calls to the fused kernel of the backend it embeds.
type countingFusedOps struct {
	*simplego.Backend
	calls int
}

func (b *countingFusedOps) FusedDense(x, weight, bias *tensors.Tensor, activation backends.ActivationType, out *tensors.Tensor) error {
	b.calls++
	return b.Backend.FusedDense(x, weight, bias, activation, out)
}

func TestFusedInferenceNarrowJunction(t *testing.T) {
	backend := &countingFusedOps{Backend: simplego.New("").(*simplego.Backend)}
	rt := &ops.Runtime{Backend: backend, Group: distributed.SingleDevice()}
	list := []ops.Op{ops.NewGemm("", 3, 2), ops.NewBias("", 2), ops.NewGelu("")}
	prepareWithTypes(t, list, shapes.Make(dtypes.Float32, 2, 3),
		dtypes.Float32, dtypes.BFloat16, dtypes.BFloat16, dtypes.Float32)
	list[0].(*ops.Gemm).Weight().SetFloat32s([]float32{0.3, 0.7, 1.1, -0.9, 0.13, 0.27})
	list[1].(*ops.Bias).BiasTensor().SetFloat32s([]float32{-0.31, 0.05})
	x := tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, []float32{1.01, 2.03, 2.97, 4.11, 5.3, 6.7}, 2, 3))

	want := x
	for _, op := range list {
		want = must.M1(op.Inference(rt, want))
	}
	wantValues := want.Float32s()

	fused := FuseList(list, Inference)
	require.Len(t, fused, 1)
	y := must.M1(fused[0].Inference(rt, x))
	assert.Equal(t, wantValues, y.Float32s())
	assert.Zero(t, backend.calls, "fused kernel must not round BFloat16 junctions differently")

	// With Float32 junctions the fused kernel is used.
	prepare(t, list, shapes.Make(dtypes.Float32, 2, 3))
	list[0].(*ops.Gemm).Weight().SetFloat32s([]float32{0.3, 0.7, 1.1, -0.9, 0.13, 0.27})
	fused = FuseList(list, Inference)
	_ = must.M1(fused[0].Inference(rt, x))
	assert.Equal(t, 1, backend.calls)
}

func TestDowngradeFP8(t *testing.T) {
	list := []ops.Op{ops.NewCast("", dtypes.F8E4M3FN), ops.NewGemm("", 2, 2)}
	list[1].SetRawTypes(dtypes.F8E4M3FN, dtypes.BFloat16)
	DowngradeFP8(list, dtypes.BFloat16)
	for _, op := range list {
		assert.False(t, op.RawOutputType().IsFloat8(), op.String())
		assert.NotEqual(t, dtypes.F8E4M3FN, op.RawInputType(), op.String())
	}
}

func TestMembers(t *testing.T) {
	a, b := ops.NewIdentity("a"), ops.NewIdentity("b")
	assert.Equal(t, []ops.Op{a}, Members(a))
	a.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	b.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	fused := NewFusedOp("test", Forward, a, b)
	assert.Equal(t, []ops.Op{a, b}, Members(fused))
	assert.Panics(t, func() { NewFusedOp("nested", Forward, fused, a) })
}
