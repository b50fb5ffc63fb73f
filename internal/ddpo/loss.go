// Package ddpo implements denoising diffusion policy optimization: a
// clipped policy-gradient trainer over denoising trajectories, with
// per-prompt reward normalization and importance-sampled reuse of
// sampled trajectories across inner epochs.
package ddpo

import (
	"math"

	"github.com/metric-space/trl/internal/tensor"
)

// Loss computes the clipped surrogate objective over a batch of
// importance ratios:
//
//	mean(max(-A * ratio, -A * clamp(ratio, 1-clip, 1+clip)))
//
// Advantages enter as constants; only the ratios carry gradients.
func Loss(advantages *tensor.Tensor, clipRange float64, ratio *tensor.Tensor) *tensor.Tensor {
	negAdv := tensor.Neg(advantages.Detach())
	unclipped := tensor.Mul(negAdv, ratio)
	clipped := tensor.Mul(negAdv, tensor.Clamp(ratio, 1-clipRange, 1+clipRange))
	return tensor.Mean(tensor.Maximum(unclipped, clipped))
}

// CalculateLoss recomputes the importance ratio from new and old log
// probabilities and returns the surrogate loss along with its two
// diagnostics: the approximate KL divergence between the sampling and
// current policies, and the fraction of ratios that hit the clip.
func CalculateLoss(advantages *tensor.Tensor, clipRange float64, newLogProbs, oldLogProbs *tensor.Tensor) (*tensor.Tensor, float64, float64) {
	ratio := tensor.Exp(tensor.Sub(newLogProbs, oldLogProbs.Detach()))
	loss := Loss(advantages, clipRange, ratio)

	newData := newLogProbs.Data()
	oldData := oldLogProbs.Data()
	approxKL := 0.0
	for i := range newData {
		d := newData[i] - oldData[i]
		approxKL += d * d
	}
	approxKL = 0.5 * approxKL / float64(len(newData))

	clipped := 0.0
	for _, r := range ratio.Data() {
		if math.Abs(r-1) > clipRange {
			clipped++
		}
	}
	clipFrac := clipped / float64(len(newData))

	return loss, approxKL, clipFrac
}
