package ddpo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metric-space/trl/internal/tensor"
)

func TestLossAtUnitRatioEqualsNegativeAdvantage(t *testing.T) {
	// With advantage -1 and ratio exactly 1 both branches of the
	// surrogate agree and the loss is exactly 1.0.
	advantages := tensor.FromSlice([]float64{-1}, tensor.NewShape(1))
	logProbs := tensor.FromSlice([]float64{0}, tensor.NewShape(1))

	loss, approxKL, clipFrac := CalculateLoss(advantages, 1e-4, logProbs, logProbs)

	require.Equal(t, 1.0, loss.Item())
	assert.Zero(t, approxKL)
	assert.Zero(t, clipFrac)
}

func TestLossClipsLargeRatios(t *testing.T) {
	advantages := tensor.FromSlice([]float64{1}, tensor.NewShape(1))
	oldLogProbs := tensor.FromSlice([]float64{0}, tensor.NewShape(1))
	newLogProbs := tensor.FromSlice([]float64{math.Log(2)}, tensor.NewShape(1))

	loss, approxKL, clipFrac := CalculateLoss(advantages, 0.1, newLogProbs, oldLogProbs)

	// ratio 2: unclipped -2, clipped -1.1; the pessimistic branch wins.
	assert.InDelta(t, -1.1, loss.Item(), 1e-12)
	assert.InDelta(t, 0.5*math.Log(2)*math.Log(2), approxKL, 1e-12)
	assert.Equal(t, 1.0, clipFrac)
}

func TestLossGradientPushesRatioTowardAdvantage(t *testing.T) {
	logProb := tensor.Param([]float64{0}, tensor.NewShape(1))
	ratio := tensor.Exp(logProb) // ratio 1, inside the clip

	advantages := tensor.FromSlice([]float64{1}, tensor.NewShape(1))
	Loss(advantages, 0.5, ratio).Backward()

	// Positive advantage: the loss decreases as the ratio grows.
	grad := logProb.Grad()
	require.Len(t, grad, 1)
	assert.Negative(t, grad[0])
}

func TestLossIsMeanOverBatch(t *testing.T) {
	advantages := tensor.FromSlice([]float64{-1, -3}, tensor.NewShape(2))
	ratio := tensor.FromSlice([]float64{1, 1}, tensor.NewShape(2))

	loss := Loss(advantages, 1e-4, ratio)
	assert.InDelta(t, 2.0, loss.Item(), 1e-12)
}
