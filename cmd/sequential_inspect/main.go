// sequential_inspect builds a compute pipeline of stacked transformer feed-forward blocks, and reports
// its operations, fusion, units and tensor memory. Optionally, it runs a few training steps on random data.
//
// The distributed environment is read from $GOMLX_FP8, $GOMLX_WORLD_SIZE and $GOMLX_RANK, and can be
// overridden with the flags.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/sequential/backends"
	_ "github.com/gomlx/sequential/backends/simplego"
	"github.com/gomlx/sequential/pkg/core/distributed"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/shapes"
	"github.com/gomlx/sequential/pkg/ml/layers"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/gomlx/sequential/pkg/ml/pipeline"
	"github.com/gomlx/sequential/pkg/ml/train/optimizers"
	"github.com/gomlx/sequential/pkg/ml/train/optimizers/cosineschedule"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagFeatures = flag.Int("features", 64, "Number of features of the activations.")
	flagFFN      = flag.Int("ffn", 256, "Number of hidden features of the feed-forward blocks.")
	flagRows     = flag.Int("rows", 32, "Number of rows (tokens) of the input.")
	flagBlocks   = flag.Int("blocks", 2, "Number of residual feed-forward blocks.")
	flagFP8      = flag.Bool("fp8", false, "Use 8-bit float inputs for the Gemm operations. "+
		"It also enables FP8 in the environment, otherwise it is read from $"+distributed.FP8EnvVar+".")
	flagWorld = flag.Int("world", 0, "World size for model parallelism. "+
		"If 0 it is read from $"+distributed.WorldSizeEnvVar+". Only the pipeline build is reported for world size > 1.")
	flagSteps     = flag.Int("steps", 0, "Number of training steps to run on random data.")
	flagOptimizer = flag.String("optimizer", "adam", "Optimizer of the training steps, one of sgd, adam, adamw or rmsprop.")
	flagLR        = flag.Float64("lr", 1e-3, "Learning rate of the training steps.")
	flagCosine    = flag.Int("cosine", 0, "If > 0, period in steps of a cosine learning rate schedule.")
	flagDropout   = flag.Float64("dropout", 0, "Dropout probability at the end of each block.")
	flagUnits     = flag.Bool("units", true, "Lists the units used for training.")
	flagTensors   = flag.Bool("tensors", false, "Lists the tensors allocated by each operation.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'sequential_inspect -help'.", flag.Args())
		os.Exit(1)
	}

	env, err := environment()
	if err != nil {
		klog.Fatalf("Failed to configure the distributed environment: %+v", err)
	}
	backend := backends.New()
	input := shapes.Make(dtypes.Float32, *flagRows, *flagFeatures)
	p, err := pipeline.New(backend, env, input, blocks()...)
	if err != nil {
		klog.Fatalf("Failed to build the pipeline: %+v", err)
	}
	must.M(p.AllocateTensors(true))

	fmt.Println(titleStyle.Render("Summary"))
	fmt.Println(summaryTable(p).Render())
	fmt.Println(titleStyle.Render("Operations"))
	fmt.Println(opsTable(p).Render())
	if *flagUnits {
		fmt.Println(titleStyle.Render("Units"))
		fmt.Println(unitsTable(p).Render())
	}
	if *flagTensors {
		fmt.Println(titleStyle.Render("Tensors"))
		fmt.Println(tensorsTable(p).Render())
	}

	if *flagSteps > 0 {
		if env.WorldSize > 1 {
			klog.Warningf("Training steps skipped: the %q backend executes single device groups only", backend.Name())
			return
		}
		opt, err := newOptimizer()
		if err != nil {
			klog.Fatalf("Failed to create the optimizer: %+v", err)
		}
		if err := train(p, opt, *flagSteps); err != nil {
			klog.Fatalf("Training failed: %+v", err)
		}
	}
}

// environment reads the distributed environment from the environment variables, and applies the flags.
func environment() (distributed.Environment, error) {
	env, err := distributed.EnvironmentFromEnv()
	if err != nil {
		return env, err
	}
	if *flagFP8 {
		env.FP8Enabled = true
	}
	if *flagWorld > 0 && *flagWorld != env.WorldSize {
		mesh, err := distributed.NewDeviceMesh([]int{*flagWorld}, []string{"tp"})
		if err != nil {
			return env, err
		}
		env.WorldSize = *flagWorld
		env.Group, err = distributed.NewMeshGroup(mesh, 0, "tp")
		if err != nil {
			return env, err
		}
	}
	return env, env.Validate()
}

// newOptimizer creates the optimizer configured by the flags.
func newOptimizer() (optimizers.Interface, error) {
	if *flagCosine <= 0 {
		return optimizers.ByName(*flagOptimizer, *flagLR)
	}
	schedule := cosineschedule.New().PeriodInSteps(*flagCosine).Done()
	switch *flagOptimizer {
	case "sgd":
		return optimizers.StochasticGradientDescent().WithLearningRate(*flagLR).WithSchedule(schedule).Done(), nil
	case "adam":
		return optimizers.Adam().LearningRate(*flagLR).WithSchedule(schedule).Done(), nil
	}
	return nil, errors.Errorf("-cosine is supported with -optimizer=sgd or adam, got %q", *flagOptimizer)
}

// blocks returns the operations of the model: *flagBlocks residual LayerNormMLP blocks.
func blocks() []ops.Op {
	var list []ops.Op
	for i := range *flagBlocks {
		b := layers.LayerNormMLP(fmt.Sprintf("block_%d", i), *flagFeatures, *flagFFN).Residual()
		if *flagDropout > 0 {
			b.Dropout(float32(*flagDropout), uint64(i))
		}
		if *flagFP8 {
			b.FP8()
		}
		list = append(list, b.Done()...)
	}
	return list
}
