package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/pipeline"
	"github.com/gomlx/sequential/pkg/ml/train/losses"
	"github.com/gomlx/sequential/pkg/ml/train/optimizers"
	"github.com/gomlx/sequential/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// train runs steps of the optimizer on a random regression target, with the mean squared error as loss.
func train(p *pipeline.ComputePipeline, opt optimizers.Interface, steps int) error {
	rng := rand.New(rand.NewPCG(42, 0))
	inputShape, outputShape := p.InputShape(), p.OutputShape()
	xValues := make([]float32, inputShape.Size())
	for i := range xValues {
		xValues[i] = float32(rng.NormFloat64())
	}
	targetValues := make([]float32, outputShape.Size())
	for i := range targetValues {
		targetValues[i] = float32(rng.NormFloat64())
	}
	x := tensors.FromFloat32s(inputShape.DType, xValues, inputShape.Dimensions...)
	target := tensors.FromFloat32s(outputShape.DType, targetValues, outputShape.Dimensions...)

	start := time.Now()
	pBar := commandline.NewProgressBar(steps)
	var firstLoss, loss float32
	for step := range steps {
		var err error
		loss, err = trainStep(p, opt, x, target)
		if err != nil {
			pBar.Done()
			return errors.WithMessagef(err, "training step %d", step)
		}
		if step == 0 {
			firstLoss = loss
		}
		pBar.Update(step+1, commandline.Metric{Name: "loss (mse)", Value: fmt.Sprintf("%.4g", loss)})
	}
	pBar.Done()
	out := termenv.NewOutput(os.Stdout)
	msg := fmt.Sprintf("loss %.4g -> %.4g in %s steps (%s)", firstLoss, loss, humanize.Comma(opt.GlobalStep()),
		commandline.FormatDuration(time.Since(start)))
	fmt.Println(out.String(msg).Foreground(out.Color("#5A56E0")).Bold())
	return nil
}

// trainStep runs one forward and backward pass, and updates the parameters. It returns the loss.
func trainStep(p *pipeline.ComputePipeline, opt optimizers.Interface, x, target *tensors.Buffer) (float32, error) {
	tape := autodiff.NewTape()
	y, err := p.Apply(tape, autodiff.NewVariable(x, false), true)
	if err != nil {
		return 0, err
	}
	loss, grad, err := losses.MeanSquaredError(target, y.Value)
	if err != nil {
		return 0, err
	}
	if err := tape.Backward(y, grad); err != nil {
		return 0, err
	}
	for i, v := range p.Variables() {
		if v.Grad == nil {
			klog.Warningf("parameter #%d got no gradient", i)
		}
	}
	return loss, opt.Step(p.Parameters(), p.Variables())
}
