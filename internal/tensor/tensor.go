// Package tensor implements the small numeric layer the trainers compute
// their objectives on: flat float64 tensors in row-major order with a
// reverse-mode differentiation tape.
//
// The graph is built implicitly: every operation whose inputs require
// gradients records a backward closure on the output. Backward() on a
// scalar walks the recorded graph in reverse topological order and
// accumulates gradients into the leaves. Detach() cuts a value out of the
// graph, which is how the loss functions freeze bootstrapped targets.
//
// Shape mismatches and out-of-range indices panic: they are programming
// errors, not runtime conditions. Caller-facing validation (loss variant
// dispatch, reward tensor checks) happens before tensors are built.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Shape represents the dimensions of a tensor. Stored privately to
// prevent external mutation.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the total number of elements.
func (s Shape) Numel() int {
	n := 1
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// At returns the size of dimension dim. Negative indices count from the
// end, so At(-1) is the last dimension.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		return 0
	}
	return s.dims[dim]
}

// Equal returns true if two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Tensor stores multi-dimensional float64 data in a contiguous flat
// slice, row-major (last dimension varies fastest), plus the autograd
// bookkeeping recorded when the value was produced.
type Tensor struct {
	data  []float64
	shape Shape

	grad         []float64
	requiresGrad bool
	parents      []*Tensor
	backFn       func()
}

// New allocates a zero-filled tensor of the given shape.
func New(shape Shape) *Tensor {
	return &Tensor{data: make([]float64, shape.Numel()), shape: shape}
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape Shape) *Tensor { return New(shape) }

// Ones allocates a tensor filled with 1.0.
func Ones(shape Shape) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// Full allocates a tensor filled with value.
func Full(shape Shape, value float64) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// FromSlice creates a tensor by copying the provided data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float64, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float64, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape}
}

// Scalar creates a rank-0-like single-element tensor.
func Scalar(v float64) *Tensor {
	return FromSlice([]float64{v}, NewShape(1))
}

// Randn allocates a tensor filled with standard normal values drawn
// from rng (or the global source if rng is nil).
func Randn(shape Shape, rng *rand.Rand) *Tensor {
	t := New(shape)
	for i := range t.data {
		if rng != nil {
			t.data[i] = rng.NormFloat64()
		} else {
			t.data[i] = rand.NormFloat64()
		}
	}
	return t
}

// Param marks a leaf tensor as trainable so gradients accumulate into it.
func Param(data []float64, shape Shape) *Tensor {
	t := FromSlice(data, shape)
	t.requiresGrad = true
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return t.shape.Numel() }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float64 {
	d := make([]float64, len(t.data))
	copy(d, t.data)
	return d
}

// DataPtr returns the underlying storage directly. In-place mutation is
// only safe on leaves outside the autograd graph (parameter updates).
func (t *Tensor) DataPtr() []float64 { return t.data }

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Grad returns a copy of the accumulated gradient, or nil if none.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		return nil
	}
	g := make([]float64, len(t.grad))
	copy(g, t.grad)
	return g
}

// ZeroGrad clears the accumulated gradient in place.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("Item on tensor with %d elements", len(t.data)))
	}
	return t.data[0]
}

// flatIndex converts multi-dimensional indices to a flat offset.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		index := indices[i]
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * stride
		stride *= t.shape.At(i)
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float64 { return t.data[t.flatIndex(indices)] }

// Set writes a single element. Only valid on leaves that are not yet part
// of a graph.
func (t *Tensor) Set(value float64, indices ...int) {
	if t.backFn != nil {
		panic("Set on a non-leaf tensor")
	}
	t.data[t.flatIndex(indices)] = value
}

// Clone returns a copy of the data outside the graph. Identical to
// Detach for this tape; kept as a separate name for call-site clarity.
func (t *Tensor) Clone() *Tensor { return FromSlice(t.data, t.shape) }

// Detach returns a copy that does not require gradients and carries no
// history, cutting the value out of the differentiation graph.
func (t *Tensor) Detach() *Tensor { return FromSlice(t.data, t.shape) }

// accumulate adds g element-wise into the gradient, allocating lazily.
func (t *Tensor) accumulate(g []float64) {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	for i, v := range g {
		t.grad[i] += v
	}
}

// newNode builds an output tensor wired into the graph when any parent
// requires gradients. backFn must read out.grad and accumulate into the
// parents; it is installed only when gradients are actually needed.
func newNode(data []float64, shape Shape, parents []*Tensor, backFn func(out *Tensor)) *Tensor {
	out := &Tensor{data: data, shape: shape}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.parents = parents
		out.backFn = func() { backFn(out) }
	}
	return out
}

// Backward runs reverse-mode differentiation from a single-element
// tensor, accumulating gradients into every reachable leaf that requires
// them. Calling it twice accumulates twice; zero parameter gradients
// between steps.
func (t *Tensor) Backward() {
	if len(t.data) != 1 {
		panic("Backward requires a single-element tensor")
	}
	if !t.requiresGrad {
		return
	}

	// Topological order via iterative DFS: an explicit stack keeps deep
	// tapes from long inner loops off the call stack. Each frame tracks
	// how many parents it has already descended into; a node is emitted
	// once all its parents are.
	type frame struct {
		node *Tensor
		next int
	}
	var topo []*Tensor
	visited := make(map[*Tensor]bool)
	stack := []frame{{node: t}}
	visited[t] = true
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next < len(f.node.parents) {
			p := f.node.parents[f.next]
			f.next++
			if p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{node: p})
			}
			continue
		}
		topo = append(topo, f.node)
		stack = stack[:len(stack)-1]
	}

	t.accumulate([]float64{1})
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if n.backFn != nil && n.grad != nil {
			n.backFn()
		}
	}
}

// assertSameShape panics unless both tensors share a shape.
func assertSameShape(a, b *Tensor) {
	if !a.shape.Equal(b.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", a.shape, b.shape))
	}
}

// ============================================================================
// Element-wise arithmetic
// ============================================================================

// Add returns element-wise a + b.
func Add(a, b *Tensor) *Tensor {
	assertSameShape(a, b)
	data := make([]float64, len(a.data))
	for i := range data {
		data[i] = a.data[i] + b.data[i]
	}
	return newNode(data, a.shape, []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			a.accumulate(out.grad)
		}
		if b.requiresGrad {
			b.accumulate(out.grad)
		}
	})
}

// Sub returns element-wise a - b.
func Sub(a, b *Tensor) *Tensor {
	assertSameShape(a, b)
	data := make([]float64, len(a.data))
	for i := range data {
		data[i] = a.data[i] - b.data[i]
	}
	return newNode(data, a.shape, []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			a.accumulate(out.grad)
		}
		if b.requiresGrad {
			g := make([]float64, len(out.grad))
			for i, v := range out.grad {
				g[i] = -v
			}
			b.accumulate(g)
		}
	})
}

// Mul returns the element-wise product a * b.
func Mul(a, b *Tensor) *Tensor {
	assertSameShape(a, b)
	data := make([]float64, len(a.data))
	for i := range data {
		data[i] = a.data[i] * b.data[i]
	}
	return newNode(data, a.shape, []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			g := make([]float64, len(out.grad))
			for i, v := range out.grad {
				g[i] = v * b.data[i]
			}
			a.accumulate(g)
		}
		if b.requiresGrad {
			g := make([]float64, len(out.grad))
			for i, v := range out.grad {
				g[i] = v * a.data[i]
			}
			b.accumulate(g)
		}
	})
}

// Scale returns t * s.
func Scale(t *Tensor, s float64) *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] * s
	}
	return newNode(data, t.shape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(out.grad))
		for i, v := range out.grad {
			g[i] = v * s
		}
		t.accumulate(g)
	})
}

// AddScalar returns t + s.
func AddScalar(t *Tensor, s float64) *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] + s
	}
	return newNode(data, t.shape, []*Tensor{t}, func(out *Tensor) {
		t.accumulate(out.grad)
	})
}

// Neg returns -t.
func Neg(t *Tensor) *Tensor { return Scale(t, -1) }

// Square returns t^2 element-wise.
func Square(t *Tensor) *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = t.data[i] * t.data[i]
	}
	return newNode(data, t.shape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(out.grad))
		for i, v := range out.grad {
			g[i] = v * 2 * t.data[i]
		}
		t.accumulate(g)
	})
}

// Exp returns e^t element-wise.
func Exp(t *Tensor) *Tensor {
	data := make([]float64, len(t.data))
	for i := range data {
		data[i] = math.Exp(t.data[i])
	}
	return newNode(data, t.shape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(out.grad))
		for i, v := range out.grad {
			g[i] = v * out.data[i]
		}
		t.accumulate(g)
	})
}

// Clamp limits every element to [lo, hi]. The gradient is passed through
// inside the interval and zeroed outside, matching the convention the
// clipped surrogate objective relies on.
func Clamp(t *Tensor, lo, hi float64) *Tensor {
	data := make([]float64, len(t.data))
	for i, v := range t.data {
		data[i] = math.Min(math.Max(v, lo), hi)
	}
	return newNode(data, t.shape, []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(out.grad))
		for i, v := range out.grad {
			if t.data[i] >= lo && t.data[i] <= hi {
				g[i] = v
			}
		}
		t.accumulate(g)
	})
}

// Maximum returns the element-wise maximum of a and b. On ties the
// gradient routes to a.
func Maximum(a, b *Tensor) *Tensor {
	assertSameShape(a, b)
	data := make([]float64, len(a.data))
	for i := range data {
		data[i] = math.Max(a.data[i], b.data[i])
	}
	return newNode(data, a.shape, []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			g := make([]float64, len(out.grad))
			for i, v := range out.grad {
				if a.data[i] >= b.data[i] {
					g[i] = v
				}
			}
			a.accumulate(g)
		}
		if b.requiresGrad {
			g := make([]float64, len(out.grad))
			for i, v := range out.grad {
				if a.data[i] < b.data[i] {
					g[i] = v
				}
			}
			b.accumulate(g)
		}
	})
}

// SquaredDifference returns (a - b)^2 element-wise, the "none"-reduction
// MSE the loss variants build their raw per-position losses from.
func SquaredDifference(a, b *Tensor) *Tensor {
	return Square(Sub(a, b))
}

// ============================================================================
// Reductions
// ============================================================================

// Sum reduces all elements to a single-element tensor.
func Sum(t *Tensor) *Tensor {
	s := 0.0
	for _, v := range t.data {
		s += v
	}
	return newNode([]float64{s}, NewShape(1), []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(t.data))
		for i := range g {
			g[i] = out.grad[0]
		}
		t.accumulate(g)
	})
}

// Mean reduces all elements to their arithmetic mean.
func Mean(t *Tensor) *Tensor {
	n := float64(len(t.data))
	s := 0.0
	for _, v := range t.data {
		s += v
	}
	return newNode([]float64{s / n}, NewShape(1), []*Tensor{t}, func(out *Tensor) {
		g := make([]float64, len(t.data))
		for i := range g {
			g[i] = out.grad[0] / n
		}
		t.accumulate(g)
	})
}

// MeanOf averages several single-element tensors into one scalar.
func MeanOf(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("MeanOf requires at least one tensor")
	}
	acc := ts[0]
	for _, t := range ts[1:] {
		acc = Add(acc, t)
	}
	return Scale(acc, 1/float64(len(ts)))
}
