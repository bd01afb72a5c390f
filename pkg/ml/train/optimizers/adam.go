package optimizers

import (
	"math"

	"github.com/gomlx/sequential/pkg/core/autodiff"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
//
// The moments are kept in float32 for every parameter, whatever the dtype of the parameter.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it: it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	amsGrad      bool
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
	backoffSteps int
	schedule     Schedule
}

// LearningRate sets the base learning rate. The default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999, respectively).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use an L-infinity norm (== max) for the second moment.
// See [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given weight decay applied to
// every parameter.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any parameter update for the first numSteps steps, while the moments are
// estimated. If set to <= 0, no backoff is configured.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// AMSGrad uses the maximum of the past second moments, see "On the Convergence of Adam and Beyond",
// https://openreview.net/forum?id=ryQu7f-RZ.
func (c *AdamConfig) AMSGrad(amsGrad bool) *AdamConfig {
	c.amsGrad = amsGrad
	return c
}

// WithSchedule sets a learning rate schedule.
func (c *AdamConfig) WithSchedule(schedule Schedule) *AdamConfig {
	c.schedule = schedule
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() Interface {
	config := *c
	if config.learningRate <= 0 {
		config.learningRate = AdamDefaultLearningRate
	}
	return &adam{config: config, moments: make(map[*tensors.Tensor]*adamMoments)}
}

type adamMoments struct {
	first, second, secondMax []float32
}

// adam implements Interface.
type adam struct {
	config     AdamConfig
	moments    map[*tensors.Tensor]*adamMoments
	globalStep int64
}

// GlobalStep implements Interface.
func (o *adam) GlobalStep() int64 { return o.globalStep }

// Clear implements Interface.
func (o *adam) Clear() {
	o.moments = make(map[*tensors.Tensor]*adamMoments)
	o.globalStep = 0
}

// Step implements Interface.
func (o *adam) Step(params []*tensors.Tensor, variables []*autodiff.Variable) error {
	if err := checkAligned(params, variables); err != nil {
		return err
	}
	o.globalStep++
	c := &o.config
	lr := c.learningRate
	if c.schedule != nil {
		lr = c.schedule(o.globalStep, lr)
	}
	debias1 := 1 / (1 - math.Pow(c.beta1, float64(o.globalStep)))
	debias2 := 1 / (1 - math.Pow(c.beta2, float64(o.globalStep)))
	update := o.globalStep > int64(c.backoffSteps)
	klog.V(2).Infof("adam: step %d, learning rate %g, update=%v", o.globalStep, lr, update)

	for i, param := range params {
		v := variables[i]
		if v.Grad == nil {
			continue
		}
		m := o.moments[param]
		if m == nil {
			size := param.Shape().Size()
			m = &adamMoments{first: make([]float32, size), second: make([]float32, size)}
			if c.amsGrad {
				m.secondMax = make([]float32, size)
			}
			o.moments[param] = m
		}
		values, grad := param.Float32s(), v.Grad.Float32s()
		for j, g := range grad {
			if !c.rmsProp {
				m.first[j] = float32(c.beta1)*m.first[j] + float32(1-c.beta1)*g
			}
			if c.adamax {
				m.second[j] = max(float32(c.beta2)*m.second[j], float32(math.Abs(float64(g))))
			} else {
				m.second[j] = float32(c.beta2)*m.second[j] + float32(1-c.beta2)*g*g
			}
			if !update {
				continue
			}
			numerator := float64(g)
			if !c.rmsProp {
				numerator = float64(m.first[j]) * debias1
			}
			var denominator float64
			if c.adamax {
				denominator = float64(m.second[j]) + c.epsilon
			} else {
				second := m.second[j]
				if c.amsGrad {
					m.secondMax[j] = max(m.secondMax[j], second)
					second = m.secondMax[j]
				}
				denominator = math.Sqrt(float64(second)*debias2) + c.epsilon
			}
			step := numerator / denominator
			if c.weightDecay > 0 {
				step += c.weightDecay * float64(values[j])
			}
			values[j] -= float32(lr * step)
		}
		if update {
			param.SetFloat32s(values)
		}
		v.ZeroGrad()
	}
	return nil
}
