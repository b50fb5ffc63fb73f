package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/metric-space/trl/pkg/errors"
)

func TestMaskAndReduceSumOverTimesteps(t *testing.T) {
	seq := FromSlice([]float64{
		1, 2, 3,
		4, 5, 6,
	}, NewShape(2, 3))

	// Row 0 keeps two positions, row 1 keeps all three.
	got := MaskAndReduce(seq, []int{2, 3}, DefaultReduce)
	assert.InDelta(t, ((1+2)+(4+5+6))/2.0, got.Item(), 1e-12)
}

func TestMaskAndReduceZeroLengthRowContributesZero(t *testing.T) {
	seq := FromSlice([]float64{
		1, 2, 3,
		4, 5, 6,
	}, NewShape(2, 3))

	got := MaskAndReduce(seq, []int{2, 0}, DefaultReduce)
	assert.InDelta(t, 1.5, got.Item(), 1e-12)

	// Average mode divides by max(length, 1): no division by zero.
	avg := MaskAndReduce(seq, []int{2, 0}, ReduceOptions{AverageAcrossTimesteps: true})
	assert.InDelta(t, 0.75, avg.Item(), 1e-12)
}

func TestMaskAndReduceBackwardMasksInvalidPositions(t *testing.T) {
	seq := Param([]float64{1, 2, 3, 4}, NewShape(2, 2))

	MaskAndReduce(seq, []int{1, 2}, DefaultReduce).Backward()

	// Row 0 position 1 is masked out and receives no gradient.
	assert.Equal(t, []float64{0.5, 0, 0.5, 0.5}, seq.Grad())
}

func TestMaskedReverseCumsumAllOnes(t *testing.T) {
	seq := FromSlice([]float64{1, 1, 1, 1}, NewShape(1, 4))

	got := MaskedReverseCumsum(seq, []int{4})
	assert.Equal(t, []float64{4, 3, 2, 1}, got.Data())
}

func TestMaskedReverseCumsumRespectsLengths(t *testing.T) {
	seq := FromSlice([]float64{1, 2, 3, 4}, NewShape(1, 4))

	got := MaskedReverseCumsum(seq, []int{2})
	assert.Equal(t, []float64{3, 2, 0, 0}, got.Data())
}

func TestMaskedReverseCumsumBackward(t *testing.T) {
	seq := Param([]float64{1, 1, 1}, NewShape(1, 3))

	Sum(MaskedReverseCumsum(seq, []int{3})).Backward()

	// in[s] contributes to out[t] for every t <= s.
	assert.Equal(t, []float64{1, 2, 3}, seq.Grad())
}

func TestMaskedMeanMinMax(t *testing.T) {
	seq := FromSlice([]float64{
		1, 5, 9,
		2, 4, 6,
	}, NewShape(2, 3))

	mean, min, max := MaskedMeanMinMax(seq, []int{2, 3})
	assert.InDelta(t, ((1+5)/2.0+(2+4+6)/3.0)/2.0, mean, 1e-12)
	assert.InDelta(t, 1.5, min, 1e-12) // mean of row minima 1 and 2
	assert.InDelta(t, 5.5, max, 1e-12) // mean of row maxima 5 and 6

	// Zero-length rows are skipped for min/max.
	_, min0, max0 := MaskedMeanMinMax(seq, []int{0, 0})
	assert.Zero(t, min0)
	assert.Zero(t, max0)
}

func TestNestedDetachAndClone(t *testing.T) {
	leaf := Param([]float64{1, 2}, NewShape(2))
	nested := map[string]interface{}{
		"a": leaf,
		"b": []interface{}{Scalar(3), "text", 7, true, nil},
	}

	cloned, err := NestedDetachAndClone(nested)
	require.NoError(t, err)

	out := cloned.(map[string]interface{})
	ct := out["a"].(*Tensor)
	require.False(t, ct.RequiresGrad())

	// Mutating the clone leaves the original untouched.
	ct.DataPtr()[0] = 99
	assert.Equal(t, []float64{1, 2}, leaf.Data())

	inner := out["b"].([]interface{})
	assert.Equal(t, 3.0, inner[0].(*Tensor).Item())
	assert.Equal(t, "text", inner[1])
}

func TestNestedTensorOperationRejectsUnknownKinds(t *testing.T) {
	_, err := NestedDetachAndClone(map[string]interface{}{"bad": float32(1)})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValUnsupportedNode.Code))
}
