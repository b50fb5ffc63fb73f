package softq

import (
	"math/rand"
	"sort"

	"github.com/metric-space/trl/internal/tensor"
)

// Policy is the sequence model the trainer optimizes. Logits runs a
// teacher-forced forward pass and returns [batch, steps, vocab] action
// logits for the given source/action pairs.
type Policy interface {
	Logits(sources [][]int, actions [][]int) *tensor.Tensor
	Parameters() []*tensor.Tensor
	Clone() Policy
}

// Generator is the optional on-policy surface: policies that can sample
// their own action sequences support the SQL_ON forward mode.
type Generator interface {
	Generate(sources [][]int) *Generation
}

// Generation holds the outcome of sampling: the action sequences, their
// lengths, and the logits the actions were drawn from (still on the
// tape, so the loss can differentiate through them).
type Generation struct {
	Actions [][]int
	Lengths []int
	Logits  *tensor.Tensor
}

// PadToken terminates a sampled sequence. Sampling it at position t
// gives the row length t+1, inclusive of the terminator.
const PadToken = 0

// TabularPolicy is a minimal trainable policy: one logit table per
// position, shared across the batch. It conditions on nothing, which
// makes it useless as a language model and ideal for exercising the
// training loop end to end.
type TabularPolicy struct {
	steps int
	vocab int
	table *tensor.Tensor // [steps, vocab]

	// TopK and TopP restrict sampling when set; zero values disable
	// the corresponding filter.
	TopK int
	TopP float64

	rng *rand.Rand
}

// NewTabularPolicy creates a position-conditioned logit table with small
// random initial values.
func NewTabularPolicy(steps, vocab int, seed int64) *TabularPolicy {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, steps*vocab)
	for i := range data {
		data[i] = rng.NormFloat64() * 0.1
	}
	return &TabularPolicy{
		steps: steps,
		vocab: vocab,
		table: tensor.Param(data, tensor.NewShape(steps, vocab)),
		rng:   rng,
	}
}

// Logits tiles the table across the batch. Sources and actions only
// determine the batch size; a tabular policy conditions on neither.
func (p *TabularPolicy) Logits(sources [][]int, actions [][]int) *tensor.Tensor {
	batch := len(actions)
	if batch == 0 {
		batch = len(sources)
	}
	return tensor.Tile0(p.table, batch)
}

// Parameters returns the trainable logit table.
func (p *TabularPolicy) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{p.table}
}

// Clone returns a structural copy whose table does not require
// gradients. Clones serve as target networks, which are updated in
// place and must stay off the tape.
func (p *TabularPolicy) Clone() Policy {
	return &TabularPolicy{
		steps: p.steps,
		vocab: p.vocab,
		table: p.table.Detach(),
		TopK:  p.TopK,
		TopP:  p.TopP,
		rng:   rand.New(rand.NewSource(p.rng.Int63())),
	}
}

// Generate samples one action sequence per source row from the policy's
// own distribution, stopping a row at the first PadToken. The returned
// logits are the same tiled table a teacher-forced pass would produce,
// so gradients flow into the sampled positions.
func (p *TabularPolicy) Generate(sources [][]int) *Generation {
	batch := len(sources)
	actions := make([][]int, batch)
	lengths := make([]int, batch)

	probs := tensor.Softmax(p.table.Detach())
	for i := 0; i < batch; i++ {
		actions[i] = make([]int, p.steps)
		lengths[i] = p.steps
		for t := 0; t < p.steps; t++ {
			row := probs.DataPtr()[t*p.vocab : (t+1)*p.vocab]
			a := sampleCategorical(row, p.TopK, p.TopP, p.rng)
			actions[i][t] = a
			if a == PadToken {
				lengths[i] = t + 1
				break
			}
		}
	}

	return &Generation{
		Actions: actions,
		Lengths: lengths,
		Logits:  tensor.Tile0(p.table, batch),
	}
}

// sampleCategorical draws one index from a probability row, optionally
// truncated to the top-k most likely entries and to the smallest
// nucleus whose cumulative mass reaches top-p.
func sampleCategorical(probs []float64, topK int, topP float64, rng *rand.Rand) int {
	type entry struct {
		idx int
		p   float64
	}
	entries := make([]entry, len(probs))
	for i, p := range probs {
		entries[i] = entry{idx: i, p: p}
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].p > entries[b].p })

	keep := len(entries)
	if topK > 0 && topK < keep {
		keep = topK
	}
	if topP > 0 && topP < 1 {
		cum := 0.0
		for i := 0; i < keep; i++ {
			cum += entries[i].p
			if cum >= topP {
				keep = i + 1
				break
			}
		}
	}

	total := 0.0
	for i := 0; i < keep; i++ {
		total += entries[i].p
	}
	r := rng.Float64() * total
	for i := 0; i < keep; i++ {
		r -= entries[i].p
		if r <= 0 {
			return entries[i].idx
		}
	}
	return entries[keep-1].idx
}
