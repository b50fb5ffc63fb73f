package tensor

import (
	"fmt"
	"math"
)

// LogSumExp reduces the last dimension with the numerically stable
// log-sum-exp, the soft value function over action logits:
//
//	V = max + log(sum_j exp(x_j - max))
//
// For logits of shape [B, T, V] the result has shape [B, T]. The
// backward pass distributes the upstream gradient by softmax weights.
func LogSumExp(t *Tensor) *Tensor {
	if t.shape.NDim() < 1 {
		panic("LogSumExp requires at least 1 dimension")
	}
	lastDim := t.shape.At(-1)
	rows := t.shape.Numel() / lastDim

	data := make([]float64, rows)
	for r := 0; r < rows; r++ {
		off := r * lastDim
		maxVal := t.data[off]
		for i := 1; i < lastDim; i++ {
			if t.data[off+i] > maxVal {
				maxVal = t.data[off+i]
			}
		}
		sum := 0.0
		for i := 0; i < lastDim; i++ {
			sum += math.Exp(t.data[off+i] - maxVal)
		}
		data[r] = maxVal + math.Log(sum)
	}

	dims := t.shape.Dims()
	outShape := NewShape(dims[:len(dims)-1]...)
	return newNode(data, outShape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(t.data))
		for r := 0; r < rows; r++ {
			off := r * lastDim
			for i := 0; i < lastDim; i++ {
				// d lse/d x_i = exp(x_i - lse) = softmax_i
				g[off+i] = out.grad[r] * math.Exp(t.data[off+i]-out.data[r])
			}
		}
		t.accumulate(g)
	})
}

// Gather2DOnLastDim picks, for every (batch, time) position, the logit of
// the taken action: Q[i,t] = logits[i, t, actions[i][t]]. logits must be
// [B, T, V] and actions [B][T].
func Gather2DOnLastDim(logits *Tensor, actions [][]int) *Tensor {
	if logits.shape.NDim() != 3 {
		panic(fmt.Sprintf("Gather2DOnLastDim requires rank-3 logits, got %v", logits.shape))
	}
	batch, steps, vocab := logits.shape.At(0), logits.shape.At(1), logits.shape.At(2)
	if len(actions) != batch {
		panic(fmt.Sprintf("actions batch %d != logits batch %d", len(actions), batch))
	}

	data := make([]float64, batch*steps)
	for i := 0; i < batch; i++ {
		if len(actions[i]) != steps {
			panic(fmt.Sprintf("actions row %d has %d steps, logits have %d", i, len(actions[i]), steps))
		}
		for t := 0; t < steps; t++ {
			a := actions[i][t]
			if a < 0 || a >= vocab {
				panic(fmt.Sprintf("action %d out of vocab range %d", a, vocab))
			}
			data[i*steps+t] = logits.data[(i*steps+t)*vocab+a]
		}
	}

	return newNode(data, NewShape(batch, steps), []*Tensor{logits}, func(out *Tensor) {
		g := make([]float64, len(logits.data))
		for i := 0; i < batch; i++ {
			for t := 0; t < steps; t++ {
				g[(i*steps+t)*vocab+actions[i][t]] += out.grad[i*steps+t]
			}
		}
		logits.accumulate(g)
	})
}

// MaxLastDim reduces the last dimension by max, routing the gradient to
// the (first) argmax per row. Used by the large-margin loss.
func MaxLastDim(t *Tensor) *Tensor {
	if t.shape.NDim() < 1 {
		panic("MaxLastDim requires at least 1 dimension")
	}
	lastDim := t.shape.At(-1)
	rows := t.shape.Numel() / lastDim

	data := make([]float64, rows)
	argmax := make([]int, rows)
	for r := 0; r < rows; r++ {
		off := r * lastDim
		best, bestIdx := t.data[off], 0
		for i := 1; i < lastDim; i++ {
			if t.data[off+i] > best {
				best, bestIdx = t.data[off+i], i
			}
		}
		data[r], argmax[r] = best, bestIdx
	}

	dims := t.shape.Dims()
	outShape := NewShape(dims[:len(dims)-1]...)
	return newNode(data, outShape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(t.data))
		for r := 0; r < rows; r++ {
			g[r*lastDim+argmax[r]] = out.grad[r]
		}
		t.accumulate(g)
	})
}

// ShiftLeft moves every row of a [B, T] tensor one step toward the
// beginning: out[i, t] = v[i, t+1], with the last column zero. This is
// the one-step bootstrap used to align V(s_{t+1}) with position t.
func ShiftLeft(v *Tensor) *Tensor {
	if v.shape.NDim() != 2 {
		panic(fmt.Sprintf("ShiftLeft requires rank-2 input, got %v", v.shape))
	}
	batch, steps := v.shape.At(0), v.shape.At(1)

	data := make([]float64, batch*steps)
	for i := 0; i < batch; i++ {
		for t := 0; t < steps-1; t++ {
			data[i*steps+t] = v.data[i*steps+t+1]
		}
	}

	return newNode(data, v.shape, []*Tensor{v}, func(out *Tensor) {
		g := make([]float64, len(v.data))
		for i := 0; i < batch; i++ {
			for t := 0; t < steps-1; t++ {
				g[i*steps+t+1] += out.grad[i*steps+t]
			}
		}
		v.accumulate(g)
	})
}

// ZeroLastColumn copies a [B, T] tensor with its final column zeroed,
// the counterpart of ShiftLeft for forming one-step differences.
func ZeroLastColumn(v *Tensor) *Tensor {
	if v.shape.NDim() != 2 {
		panic(fmt.Sprintf("ZeroLastColumn requires rank-2 input, got %v", v.shape))
	}
	batch, steps := v.shape.At(0), v.shape.At(1)

	data := make([]float64, batch*steps)
	for i := 0; i < batch; i++ {
		for t := 0; t < steps-1; t++ {
			data[i*steps+t] = v.data[i*steps+t]
		}
	}

	return newNode(data, v.shape, []*Tensor{v}, func(out *Tensor) {
		g := make([]float64, len(v.data))
		for i := 0; i < batch; i++ {
			for t := 0; t < steps-1; t++ {
				g[i*steps+t] = out.grad[i*steps+t]
			}
		}
		v.accumulate(g)
	})
}

// RowBroadcast expands a per-row vector [B] into a constant [B, T]
// tensor by repeating each value across the time axis. The result is a
// constant: rewards never carry gradients.
func RowBroadcast(values []float64, steps int) *Tensor {
	data := make([]float64, len(values)*steps)
	for i, v := range values {
		for t := 0; t < steps; t++ {
			data[i*steps+t] = v
		}
	}
	return FromSlice(data, NewShape(len(values), steps))
}

// SequenceMask builds the constant [B, T] boolean mask (as 0/1 floats)
// where position t of row i is valid iff t < lengths[i].
func SequenceMask(lengths []int, maxLen int) *Tensor {
	data := make([]float64, len(lengths)*maxLen)
	for i, n := range lengths {
		for t := 0; t < maxLen && t < n; t++ {
			data[i*maxLen+t] = 1
		}
	}
	return FromSlice(data, NewShape(len(lengths), maxLen))
}

// TerminalMask builds the constant [B, T] mask with a single 1 at each
// row's terminal position lengths[i]-1. Rows with length 0 have no
// terminal position and stay all-zero.
func TerminalMask(lengths []int, maxLen int) *Tensor {
	data := make([]float64, len(lengths)*maxLen)
	for i, n := range lengths {
		if n > 0 && n <= maxLen {
			data[i*maxLen+n-1] = 1
		}
	}
	return FromSlice(data, NewShape(len(lengths), maxLen))
}

// SumLastDim reduces the last dimension by summation: [B, D] becomes
// [B]. The backward pass broadcasts the upstream gradient over the
// reduced dimension.
func SumLastDim(t *Tensor) *Tensor {
	if t.shape.NDim() < 1 {
		panic("SumLastDim requires at least 1 dimension")
	}
	lastDim := t.shape.At(-1)
	rows := t.shape.Numel() / lastDim

	data := make([]float64, rows)
	for r := 0; r < rows; r++ {
		off := r * lastDim
		for i := 0; i < lastDim; i++ {
			data[r] += t.data[off+i]
		}
	}

	dims := t.shape.Dims()
	outShape := NewShape(dims[:len(dims)-1]...)
	return newNode(data, outShape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(t.data))
		for r := 0; r < rows; r++ {
			for i := 0; i < lastDim; i++ {
				g[r*lastDim+i] = out.grad[r]
			}
		}
		t.accumulate(g)
	})
}

// GatherRows selects rows of a [N, D] table by index, producing
// [len(indices), D]. Repeated indices scatter-add their gradients back
// into the same row.
func GatherRows(table *Tensor, indices []int) *Tensor {
	if table.shape.NDim() != 2 {
		panic(fmt.Sprintf("GatherRows requires rank-2 table, got %v", table.shape))
	}
	rows, width := table.shape.At(0), table.shape.At(1)

	data := make([]float64, len(indices)*width)
	for i, idx := range indices {
		if idx < 0 || idx >= rows {
			panic(fmt.Sprintf("row index %d out of range %d", idx, rows))
		}
		copy(data[i*width:(i+1)*width], table.data[idx*width:(idx+1)*width])
	}

	return newNode(data, NewShape(len(indices), width), []*Tensor{table}, func(out *Tensor) {
		g := make([]float64, len(table.data))
		for i, idx := range indices {
			for j := 0; j < width; j++ {
				g[idx*width+j] += out.grad[i*width+j]
			}
		}
		table.accumulate(g)
	})
}

// Tile0 repeats a tensor along a new leading batch dimension:
// a [T, V] table becomes [batch, T, V]. The backward pass sums the
// upstream gradient over the batch copies.
func Tile0(t *Tensor, batch int) *Tensor {
	n := len(t.data)
	data := make([]float64, batch*n)
	for b := 0; b < batch; b++ {
		copy(data[b*n:(b+1)*n], t.data)
	}

	outShape := NewShape(append([]int{batch}, t.shape.Dims()...)...)
	return newNode(data, outShape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, n)
		for b := 0; b < batch; b++ {
			for i := 0; i < n; i++ {
				g[i] += out.grad[b*n+i]
			}
		}
		t.accumulate(g)
	})
}

// OneMinus returns 1 - t element-wise.
func OneMinus(t *Tensor) *Tensor {
	return AddScalar(Neg(t), 1)
}

// Softmax computes the row-wise softmax along the last dimension,
// outside the graph. Used only for diagnostics.
func Softmax(t *Tensor) *Tensor {
	lastDim := t.shape.At(-1)
	rows := t.shape.Numel() / lastDim

	data := make([]float64, len(t.data))
	for r := 0; r < rows; r++ {
		off := r * lastDim
		maxVal := t.data[off]
		for i := 1; i < lastDim; i++ {
			if t.data[off+i] > maxVal {
				maxVal = t.data[off+i]
			}
		}
		sum := 0.0
		for i := 0; i < lastDim; i++ {
			e := math.Exp(t.data[off+i] - maxVal)
			data[off+i] = e
			sum += e
		}
		for i := 0; i < lastDim; i++ {
			data[off+i] /= sum
		}
	}
	return FromSlice(data, t.shape)
}

// EntropyFromLogits computes the per-position entropy of the implied
// categorical distribution: H = logsumexp(x) - sum_i p_i * x_i.
// Diagnostic only; the result is detached.
func EntropyFromLogits(logits *Tensor) *Tensor {
	lastDim := logits.shape.At(-1)
	rows := logits.shape.Numel() / lastDim

	pd := Softmax(logits)
	lse := LogSumExp(logits.Detach())

	data := make([]float64, rows)
	for r := 0; r < rows; r++ {
		off := r * lastDim
		dot := 0.0
		for i := 0; i < lastDim; i++ {
			dot += pd.data[off+i] * logits.data[off+i]
		}
		data[r] = lse.data[r] - dot
	}

	dims := logits.shape.Dims()
	return FromSlice(data, NewShape(dims[:len(dims)-1]...))
}
