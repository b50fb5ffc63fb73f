// Package optim implements the parameter update rules used by the
// trainers. Only Adam is provided; both trainers construct it over the
// trainable parameters of their policy.
package optim

import (
	"math"

	"github.com/metric-space/trl/internal/tensor"
)

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias-corrected first and
// second moment estimates, and optional decoupled weight decay.
type Adam struct {
	cfg    AdamConfig
	params []*tensor.Tensor

	m [][]float64 // first moment per parameter
	v [][]float64 // second moment per parameter
	t int         // update count
}

// NewAdam creates an optimizer over the given trainable parameters.
func NewAdam(params []*tensor.Tensor, cfg AdamConfig) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Numel())
		v[i] = make([]float64, p.Numel())
	}
	return &Adam{cfg: cfg, params: params, m: m, v: v}
}

// Step applies one Adam update in place. Parameters without an
// accumulated gradient are skipped. Updates happen outside the autograd
// graph: the optimizer never records history.
func (o *Adam) Step() {
	o.t++
	bc1 := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.cfg.Beta2, float64(o.t))

	for i, p := range o.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		data := p.DataPtr()
		m, v := o.m[i], o.v[i]
		for j, g := range grad {
			if o.cfg.WeightDecay != 0 {
				g += o.cfg.WeightDecay * data[j]
			}
			m[j] = o.cfg.Beta1*m[j] + (1-o.cfg.Beta1)*g
			v[j] = o.cfg.Beta2*v[j] + (1-o.cfg.Beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2
			data[j] -= o.cfg.LearningRate * mHat / (math.Sqrt(vHat) + o.cfg.Epsilon)
		}
	}
}

// ZeroGrad clears the gradients of every managed parameter.
func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}
