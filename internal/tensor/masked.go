package tensor

import (
	"fmt"
	"math"
)

// ReduceOptions selects the time-axis reduction for MaskAndReduce.
// Exactly one of the two flags is meaningful per call site; the zero
// value is not a valid configuration, use DefaultReduce for the loss
// reduction (sum over time, mean over batch).
type ReduceOptions struct {
	// AverageAcrossTimesteps divides each row's masked sum by
	// max(length, 1) before the batch mean.
	AverageAcrossTimesteps bool

	// SumOverTimesteps keeps each row's masked sum as-is.
	SumOverTimesteps bool
}

// DefaultReduce is the reduction applied to per-position losses:
// sum over valid timesteps, then mean over the batch.
var DefaultReduce = ReduceOptions{SumOverTimesteps: true}

// MaskAndReduce masks a [B, T] sequence by per-row lengths and reduces
// it to a scalar. Positions t >= lengths[i] are zeroed before any
// reduction, so a row with length 0 contributes exactly 0 to the batch
// mean; average mode divides by max(length, 1), never by zero.
func MaskAndReduce(seq *Tensor, lengths []int, opts ReduceOptions) *Tensor {
	if seq.shape.NDim() != 2 {
		panic(fmt.Sprintf("MaskAndReduce requires rank-2 input, got %v", seq.shape))
	}
	batch, steps := seq.shape.At(0), seq.shape.At(1)
	if len(lengths) != batch {
		panic(fmt.Sprintf("lengths size %d != batch %d", len(lengths), batch))
	}
	if !opts.SumOverTimesteps && !opts.AverageAcrossTimesteps {
		panic("MaskAndReduce requires sum or average over timesteps")
	}

	// Per-row divisor: 1 in sum mode, max(length, 1) in average mode.
	divisors := make([]float64, batch)
	for i, n := range lengths {
		divisors[i] = 1
		if opts.AverageAcrossTimesteps {
			divisors[i] = math.Max(float64(n), 1)
		}
	}

	total := 0.0
	for i := 0; i < batch; i++ {
		rowSum := 0.0
		for t := 0; t < steps && t < lengths[i]; t++ {
			rowSum += seq.data[i*steps+t]
		}
		total += rowSum / divisors[i]
	}
	total /= float64(batch)

	return newNode([]float64{total}, NewShape(1), []*Tensor{seq}, func(out *Tensor) {
		g := make([]float64, len(seq.data))
		for i := 0; i < batch; i++ {
			w := out.grad[0] / (float64(batch) * divisors[i])
			for t := 0; t < steps && t < lengths[i]; t++ {
				g[i*steps+t] = w
			}
		}
		seq.accumulate(g)
	})
}

// MaskedReverseCumsum computes, for each valid position t of a [B, T]
// sequence, the sum over [t, lengths[i]): the cumulative sum from t to
// the end of the valid region. Positions at or beyond the row's length
// are zero. Implemented as a backward accumulation over masked values so
// invalid trailing entries never leak into the result.
func MaskedReverseCumsum(seq *Tensor, lengths []int) *Tensor {
	if seq.shape.NDim() != 2 {
		panic(fmt.Sprintf("MaskedReverseCumsum requires rank-2 input, got %v", seq.shape))
	}
	batch, steps := seq.shape.At(0), seq.shape.At(1)
	if len(lengths) != batch {
		panic(fmt.Sprintf("lengths size %d != batch %d", len(lengths), batch))
	}

	data := make([]float64, batch*steps)
	for i := 0; i < batch; i++ {
		acc := 0.0
		for t := steps - 1; t >= 0; t-- {
			if t < lengths[i] {
				acc += seq.data[i*steps+t]
				data[i*steps+t] = acc
			}
		}
	}

	return newNode(data, seq.shape, []*Tensor{seq}, func(out *Tensor) {
		// d out[t] / d in[s] = 1 for t <= s < length, so the input
		// gradient is the forward cumsum of the upstream gradient.
		g := make([]float64, len(seq.data))
		for i := 0; i < batch; i++ {
			acc := 0.0
			for t := 0; t < steps; t++ {
				if t < lengths[i] {
					acc += out.grad[i*steps+t]
					g[i*steps+t] = acc
				}
			}
		}
		seq.accumulate(g)
	})
}

// MaskedMeanMinMax returns diagnostics over the valid region of a
// [B, T] sequence: the masked mean (average mode of MaskAndReduce) and
// the batch means of each row's min and max over its valid positions.
// Zero-length rows are skipped for min/max.
func MaskedMeanMinMax(seq *Tensor, lengths []int) (mean, min, max float64) {
	batch, steps := seq.shape.At(0), seq.shape.At(1)

	mean = MaskAndReduce(seq.Detach(), lengths, ReduceOptions{AverageAcrossTimesteps: true}).Item()

	minSum, maxSum, counted := 0.0, 0.0, 0
	for i := 0; i < batch; i++ {
		if lengths[i] <= 0 {
			continue
		}
		rowMin, rowMax := math.Inf(1), math.Inf(-1)
		for t := 0; t < steps && t < lengths[i]; t++ {
			v := seq.data[i*steps+t]
			rowMin = math.Min(rowMin, v)
			rowMax = math.Max(rowMax, v)
		}
		minSum += rowMin
		maxSum += rowMax
		counted++
	}
	if counted == 0 {
		return mean, 0, 0
	}
	return mean, minSum / float64(counted), maxSum / float64(counted)
}
