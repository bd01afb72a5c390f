package ops

import (
	"testing"

	"github.com/gomlx/sequential/backends/simplego"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime() *Runtime {
	return &Runtime{Backend: simplego.New(""), Group: distributed.SingleDevice()}
}

func fromValues(values []float32, dims ...int) *tensors.Tensor {
	return tensors.FromBuffer(tensors.FromFloat32s(dtypes.Float32, values, dims...))
}

// prepare takes op through the build steps for a single device, and binds freshly allocated tensors.
func prepare(t *testing.T, op Op, shape shapes.Shape) map[string]*tensors.Tensor {
	op.SetEnvironment(distributed.SingleDeviceEnvironment(false))
	if !op.HasParallelism() {
		op.SetParallelism(Normal)
	}
	outputType := op.RawOutputType()
	if outputType == Infer {
		outputType = shape.DType
	}
	op.SetTypesInferred(shape.DType, outputType)
	require.NoError(t, op.SetInputShape(shape))
	allocated := make(map[string]*tensors.Tensor)
	for name, d := range must.M1(DescribeAll(op)) {
		allocated[name] = tensors.New(d.Shape)
		if d.Init != nil {
			d.Init(allocated[name])
		}
	}
	require.NoError(t, Bind(op, allocated))
	return allocated
}

func TestUnsetProperties(t *testing.T) {
	op := NewGemm("gemm", 4, 2)
	assert.Panics(t, func() { _ = op.InputType() })
	assert.Panics(t, func() { _ = op.Parallelism() })
	assert.Panics(t, func() { _ = op.InputShape() })
	assert.Panics(t, func() { _ = op.Environment() })
	assert.Panics(t, func() { _ = op.Weight() })
	assert.Equal(t, Infer, op.RawInputType())
	assert.Equal(t, "gemm[?,?]", op.String())
}

func TestBind(t *testing.T) {
	op := NewBias("bias", 3)
	prepare(t, op, shapes.Make(dtypes.Float32, 2, 3))
	good := map[string]*tensors.Tensor{
		"bias":      tensors.New(shapes.Make(dtypes.Float32, 3)),
		"bias_grad": tensors.New(shapes.Make(dtypes.Float32, 3)),
		"act":       tensors.New(shapes.Make(dtypes.Float32, 2, 3)),
	}
	require.NoError(t, Bind(op, good))

	missing := map[string]*tensors.Tensor{"bias": good["bias"], "act": good["act"]}
	err := Bind(op, missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bias_grad")

	wrongShape := map[string]*tensors.Tensor{
		"bias":      tensors.New(shapes.Make(dtypes.Float32, 4)),
		"bias_grad": good["bias_grad"],
		"act":       good["act"],
	}
	require.Error(t, Bind(op, wrongShape))

	wrongDType := map[string]*tensors.Tensor{
		"bias":      tensors.New(shapes.Make(dtypes.BFloat16, 3)),
		"bias_grad": good["bias_grad"],
		"act":       good["act"],
	}
	require.Error(t, Bind(op, wrongDType))

	undeclared := map[string]*tensors.Tensor{
		"bias":      good["bias"],
		"bias_grad": good["bias_grad"],
		"act":       good["act"],
		"mask":      good["act"],
	}
	require.Error(t, Bind(op, undeclared))
}

func TestContext(t *testing.T) {
	a, b := fromValues([]float32{1}, 1, 1), fromValues([]float32{2}, 1, 1)
	ctx := Context{"x": a}.Namespaced("0(LayerNorm)")
	ctx.Merge(Context{"x": b}.Namespaced("1(Gelu)"))
	assert.Equal(t, []string{"0(LayerNorm)/x", "1(Gelu)/x"}, ctx.Keys())
	assert.Same(t, b, ctx.Strip("1(Gelu)").Get("x"))
	assert.Panics(t, func() { ctx.Get("x") })
	assert.Panics(t, func() { ctx.Merge(Context{"1(Gelu)/x": a}) })
}

func TestGemm(t *testing.T) {
	rt := newRuntime()
	op := NewGemm("gemm", 3, 2)
	prepare(t, op, shapes.Make(dtypes.Float32, 1, 2, 3))
	assert.True(t, op.OutputShape().Equal(shapes.Make(dtypes.Float32, 1, 2, 2)))
	op.Weight().SetFloat32s([]float32{1, 0, 0, 1, 1, 1})

	x := fromValues([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	y, err := op.Inference(rt, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 10, 11}, y.Float32s())

	y, ctx, err := op.BeginForward(rt, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 10, 11}, y.Float32s())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, x.Float32s(), "input must not be modified")

	dx, grads, err := op.ResumeBackward(rt, ctx, fromValues([]float32{1, 1, 1, 1}, 1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 2, 1, 1, 2}, dx.Float32s())
	require.Len(t, grads, 1)
	assert.Equal(t, []float32{5, 5, 7, 7, 9, 9}, grads[0].Float32s())
}

func TestGemmParallelism(t *testing.T) {
	op := NewGemm("gemm", 3, 4)
	flows := op.DescribeParallelism()
	require.Len(t, flows, 5)
	assert.Equal(t, RowGemm, flows[3][0].Parallelism())
	assert.Equal(t, "gemm.post-rs", flows[3][1].Name())
	assert.Equal(t, ReduceScatterP, flows[3][1].Parallelism())
	assert.Equal(t, "gemm.pre-ag", flows[4][0].Name())
	assert.Equal(t, ColumnGemm, flows[4][1].Parallelism())
	assert.False(t, op.HasParallelism(), "flows must hold copies")

	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"tp"}))
	group := must.M1(distributed.NewMeshGroup(mesh, 0, "tp"))
	env := distributed.Environment{WorldSize: 2, Group: group}

	// 3 input features can't be split over 2 devices.
	rowGemm := flows[1][0]
	rowGemm.SetEnvironment(env)
	rowGemm.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	err := rowGemm.SetInputShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be divisible by the distributed group size")

	// 4 output features can.
	columnGemm := flows[2][0]
	columnGemm.SetEnvironment(env)
	columnGemm.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	require.NoError(t, columnGemm.SetInputShape(shapes.Make(dtypes.Float32, 2, 3)))
	assert.Equal(t, []int{2, 2}, columnGemm.OutputShape().Dimensions)
	assert.Equal(t, []int{3, 2}, columnGemm.DescribeParams()["weight"].Shape.Dimensions)
}

func TestLayerNorm(t *testing.T) {
	rt := newRuntime()
	op := NewLayerNorm("ln", 4)
	prepare(t, op, shapes.Make(dtypes.Float32, 2, 4))
	x := fromValues([]float32{1, 2, 3, 4, 2, 2, 2, 2}, 2, 4)
	yInference, err := op.Inference(rt, x)
	require.NoError(t, err)
	inference := yInference.Float32s()

	y, ctx, err := op.BeginForward(rt, x)
	require.NoError(t, err)
	assert.Equal(t, inference, y.Float32s())
	assert.Equal(t, []float32{0, 0, 0, 0}, inference[4:])
	assert.Equal(t, []string{"mu", "rsigma", "x"}, ctx.Keys())

	dx, grads, err := op.ResumeBackward(rt, ctx, fromValues([]float32{1, 1, 1, 1, 1, 1, 1, 1}, 2, 4))
	require.NoError(t, err)
	assert.InDeltaSlice(t, make([]float32, 8), dx.Float32s(), 1e-4)
	require.Len(t, grads, 2)
	assert.Equal(t, []float32{2, 2, 2, 2}, grads[1].Float32s())
}

func TestLayerNormWrongFeatures(t *testing.T) {
	op := NewLayerNorm("ln", 4)
	op.SetEnvironment(distributed.SingleDeviceEnvironment(false))
	op.SetParallelism(Normal)
	op.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	require.Error(t, op.SetInputShape(shapes.Make(dtypes.Float32, 2, 3)))
	require.Error(t, op.SetInputShape(shapes.Make(dtypes.Float32, 4)))
	require.Error(t, op.SetInputShape(shapes.Make(dtypes.BFloat16, 2, 4)))
}

func TestBiasAndActivation(t *testing.T) {
	rt := newRuntime()
	bias := NewBias("bias", 2)
	prepare(t, bias, shapes.Make(dtypes.Float32, 2, 2))
	bias.BiasTensor().SetFloat32s([]float32{1, -1})
	relu := NewRelu("relu")
	prepare(t, relu, shapes.Make(dtypes.Float32, 2, 2))

	x := fromValues([]float32{1, 2, -3, 4}, 2, 2)
	y, biasCtx, err := bias.BeginForward(rt, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1, -2, 3}, y.Float32s())
	z, reluCtx, err := relu.BeginForward(rt, y)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1, 0, 3}, z.Float32s())

	dz := fromValues([]float32{1, 2, 3, 4}, 2, 2)
	dy, grads, err := relu.ResumeBackward(rt, reluCtx, dz)
	require.NoError(t, err)
	assert.Empty(t, grads)
	assert.Equal(t, []float32{1, 2, 0, 4}, dy.Float32s())
	dx, grads, err := bias.ResumeBackward(rt, biasCtx, dy)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 0, 4}, dx.Float32s())
	require.Len(t, grads, 1)
	assert.Equal(t, []float32{1, 6}, grads[0].Float32s())
}

func TestCast(t *testing.T) {
	rt := newRuntime()
	op := NewCast("cast", dtypes.BFloat16)
	prepare(t, op, shapes.Make(dtypes.Float32, 2, 2))
	assert.Equal(t, dtypes.BFloat16, op.OutputType())
	y, ctx, err := op.BeginForward(rt, fromValues([]float32{1, 2, 0.5, -4}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, y.DType())
	assert.Equal(t, []float32{1, 2, 0.5, -4}, y.Float32s())

	dy := tensors.New(shapes.Make(dtypes.BFloat16, 2, 2))
	dy.SetFloat32s([]float32{1, 1, 1, 1})
	dx, _, err := op.ResumeBackward(rt, ctx, dy)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dx.DType())
	assert.Equal(t, []float32{1, 1, 1, 1}, dx.Float32s())
}

func TestDropout(t *testing.T) {
	rt := newRuntime()
	op := NewDropout("dropout", 0.5)
	prepare(t, op, shapes.Make(dtypes.Float32, 10, 10))
	x := tensors.New(shapes.Make(dtypes.Float32, 10, 10))
	x.Data.Fill(1)

	y, err := op.Inference(rt, x)
	require.NoError(t, err)
	assert.Same(t, x, y)

	y, ctx, err := op.BeginForward(rt, x)
	require.NoError(t, err)
	dy := tensors.New(shapes.Make(dtypes.Float32, 10, 10))
	dy.Data.Fill(1)
	dx, _, err := op.ResumeBackward(rt, ctx, dy)
	require.NoError(t, err)
	// With all ones, the gradient equals the output: 2 where kept, 0 where dropped.
	assert.Equal(t, y.Float32s(), dx.Float32s())

	bad := NewDropout("dropout", 1)
	bad.SetEnvironment(distributed.SingleDeviceEnvironment(false))
	bad.SetParallelism(Normal)
	bad.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	require.Error(t, bad.SetInputShape(shapes.Make(dtypes.Float32, 2, 2)))
}

func TestTranspose(t *testing.T) {
	rt := newRuntime()
	op := NewTranspose("t")
	prepare(t, op, shapes.Make(dtypes.Float32, 2, 3))
	y, ctx, err := op.BeginForward(rt, fromValues([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, y.Shape().Dimensions)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y.Float32s())
	dx, _, err := op.ResumeBackward(rt, ctx, y)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, dx.Float32s())
}

func TestResidual(t *testing.T) {
	rt := newRuntime()
	begin, end := NewResidual("res")
	shape := shapes.Make(dtypes.Float32, 2, 2)
	prepare(t, begin, shape)
	prepare(t, end, shape)
	assert.Equal(t, dtypes.Float32, end.InputTypeAnchor())

	// Inference: end adds the input saved by begin.
	x := fromValues([]float32{1, 2, 3, 4}, 2, 2)
	y, err := begin.Inference(rt, x)
	require.NoError(t, err)
	assert.Same(t, x, y)
	y, err = end.Inference(rt, fromValues([]float32{10, 10, 10, 10}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 12, 13, 14}, y.Float32s())

	// Training.
	_, beginCtx, err := begin.BeginForward(rt, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, begin.Residue().Float32s())
	_, endCtx, err := end.BeginForward(rt, fromValues([]float32{1, 1, 1, 1}, 2, 2))
	require.NoError(t, err)

	dy := fromValues([]float32{1, 2, 3, 4}, 2, 2)
	dBlock, _, err := end.ResumeBackward(rt, endCtx, dy)
	require.NoError(t, err)
	assert.Same(t, dy, dBlock, "gradient flows unchanged into the block")
	assert.Equal(t, []float32{1, 2, 3, 4}, end.Tensor("bwd_residue").Float32s())
	dx, _, err := begin.ResumeBackward(rt, beginCtx, fromValues([]float32{10, 20, 30, 40}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, dx.Float32s())
}

func TestResidualRelink(t *testing.T) {
	begin, end := NewResidual("res")
	begin2, end2 := begin.Clone().(*ResidualBegin), end.Clone().(*ResidualEnd)
	assert.Same(t, end, begin2.End())
	mapping := func(op Op) Op {
		switch op {
		case Op(begin):
			return begin2
		case Op(end):
			return end2
		}
		return op
	}
	begin2.Relink(mapping)
	end2.Relink(mapping)
	assert.Same(t, end2, begin2.End())
	assert.Same(t, begin2, end2.Begin())
	assert.Equal(t, "res.begin", begin2.Name())
}

func TestCollectivesSingleDevice(t *testing.T) {
	rt := newRuntime()
	for _, op := range []Op{NewScatter("s"), NewReduceScatter("rs"), NewAllGather("ag"), NewAllReduce("ar")} {
		prepare(t, op, shapes.Make(dtypes.Float32, 2, 2))
		assert.True(t, op.Parallelism().IsDistributed())
		y, ctx, err := op.BeginForward(rt, fromValues([]float32{1, 2, 3, 4}, 2, 2))
		require.NoError(t, err, op.Name())
		assert.Equal(t, []float32{1, 2, 3, 4}, y.Float32s())
		dx, _, err := op.ResumeBackward(rt, ctx, fromValues([]float32{4, 3, 2, 1}, 2, 2))
		require.NoError(t, err, op.Name())
		assert.Equal(t, []float32{4, 3, 2, 1}, dx.Float32s())
	}
}

func TestCollectiveShapes(t *testing.T) {
	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"tp"}))
	group := must.M1(distributed.NewMeshGroup(mesh, 1, "tp"))
	env := distributed.Environment{WorldSize: 2, Group: group}
	for _, tc := range []struct {
		op   Op
		want []int
	}{
		{NewScatter("s"), []int{2, 3}},
		{NewReduceScatter("rs"), []int{2, 3}},
		{NewAllGather("ag"), []int{8, 3}},
		{NewAllReduce("ar"), []int{4, 3}},
	} {
		tc.op.SetEnvironment(env)
		tc.op.SetTypesInferred(dtypes.Float32, dtypes.Float32)
		require.NoError(t, tc.op.SetInputShape(shapes.Make(dtypes.Float32, 4, 3)))
		assert.Equal(t, tc.want, tc.op.OutputShape().Dimensions, tc.op.Name())
	}

	scatter := NewScatter("s")
	scatter.SetEnvironment(env)
	scatter.SetTypesInferred(dtypes.Float32, dtypes.Float32)
	require.Error(t, scatter.SetInputShape(shapes.Make(dtypes.Float32, 3, 3)))
}

func TestDowngradeFP8(t *testing.T) {
	op := NewGemm("gemm", 2, 2)
	op.SetRawTypes(dtypes.F8E4M3FN, dtypes.F8E4M3FN)
	op.ParamType = dtypes.F8E4M3FN
	op.DowngradeFP8(dtypes.BFloat16)
	assert.Equal(t, dtypes.BFloat16, op.RawInputType())
	assert.Equal(t, dtypes.BFloat16, op.RawOutputType())
	assert.Equal(t, dtypes.BFloat16, op.ParamType)
}
