package main

import (
	"testing"

	"github.com/gomlx/sequential/backends/simplego"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/pipeline"
	"github.com/gomlx/sequential/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFlags(t *testing.T, features, ffn, rows, blocks int) {
	prev := []int{*flagFeatures, *flagFFN, *flagRows, *flagBlocks}
	*flagFeatures, *flagFFN, *flagRows, *flagBlocks = features, ffn, rows, blocks
	t.Cleanup(func() {
		*flagFeatures, *flagFFN, *flagRows, *flagBlocks = prev[0], prev[1], prev[2], prev[3]
	})
}

func TestReport(t *testing.T) {
	setFlags(t, 8, 16, 4, 2)
	list := blocks()
	require.Len(t, list, 2*8)
	p := must.M1(pipeline.New(simplego.New(""), distributed.SingleDeviceEnvironment(false),
		shapes.Make(dtypes.Float32, 4, 8), list...))
	require.NoError(t, p.AllocateTensors(true))

	assert.Contains(t, summaryTable(p).Render(), "# units")
	assert.Contains(t, opsTable(p).Render(), "block_1.fc2.gemm")
	assert.Contains(t, unitsTable(p).Render(), "LayerNormGemm[")
	assert.Contains(t, tensorsTable(p).Render(), "weight")
}

func TestTrainStep(t *testing.T) {
	setFlags(t, 4, 8, 3, 1)
	input := shapes.Make(dtypes.Float32, 3, 4)
	p := must.M1(pipeline.New(simplego.New(""), distributed.SingleDeviceEnvironment(false), input, blocks()...))
	require.NoError(t, p.AllocateTensors(true))
	x := tensors.FromFloat32s(dtypes.Float32, []float32{1, -1, 0.5, 2, 0, 1, -2, 0.25, 3, -0.5, 1, 1}, 3, 4)
	target := tensors.NewBuffer(input)
	opt := optimizers.StochasticGradientDescent().WithLearningRate(1e-2).WithDecay(false).Done()

	first := must.M1(trainStep(p, opt, x, target))
	var last float32
	for range 20 {
		last = must.M1(trainStep(p, opt, x, target))
	}
	assert.Equal(t, int64(21), opt.GlobalStep())
	assert.Less(t, last, first)
	for _, v := range p.Variables() {
		assert.Nil(t, v.Grad)
	}
}

func TestNewOptimizer(t *testing.T) {
	prevOpt, prevCosine := *flagOptimizer, *flagCosine
	t.Cleanup(func() { *flagOptimizer, *flagCosine = prevOpt, prevCosine })
	*flagOptimizer, *flagCosine = "sgd", 0
	_, err := newOptimizer()
	require.NoError(t, err)
	*flagOptimizer, *flagCosine = "adam", 100
	_, err = newOptimizer()
	require.NoError(t, err)
	*flagOptimizer = "rmsprop"
	_, err = newOptimizer()
	require.Error(t, err)
}
