// Package softq implements soft Q-learning for sequence policies: the
// family of sparse-reward temporal-consistency losses, the target
// network synchronization schemes, and the trainer that drives them.
//
// All losses share one convention: a scalar reward is observed only at
// each sequence's terminal position, every earlier position has reward
// zero, and the per-position losses are masked by sequence length and
// reduced by summing over time and averaging over the batch.
package softq

import (
	"fmt"

	"github.com/metric-space/trl/internal/tensor"
	"github.com/metric-space/trl/pkg/errors"
)

// LossInputs carries the tensors every loss variant consumes. Logits and
// TargetLogits are [batch, steps, vocab]; Actions is [batch][steps];
// Rewards holds one terminal reward per sequence; SequenceLengths gives
// the number of valid positions per row.
type LossInputs struct {
	Logits          *tensor.Tensor
	TargetLogits    *tensor.Tensor
	Actions         [][]int
	Rewards         []float64
	SequenceLengths []int
}

// LossOptions carries the variant-specific knobs. Nil pointers mean the
// corresponding term is disabled, mirroring the optional hyperparameters
// of the combined variants.
type LossOptions struct {
	// Coefficient interpolates the forward and reversed losses of the
	// symmetric variants: coefficient*forward + (1-coefficient)*reversed.
	// Nil computes the forward direction only.
	Coefficient *float64

	// MarginConstant and MarginCoefficient enable the large-margin
	// classification term. Both must be set together; the term only
	// applies under teacher forcing.
	MarginConstant    *float64
	MarginCoefficient *float64

	// FreezeFutureSteps stops gradients from flowing through the
	// accumulated future advantages of the multi-step variant, keeping
	// only the current position's advantage on the tape.
	FreezeFutureSteps bool
}

// variantFunc computes per-position raw losses [batch, steps] plus the
// intermediate quantities worth logging.
type variantFunc func(in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor)

var lossVariants = map[string]variantFunc{
	"v0":            lossV0,
	"v1":            lossV1,
	"v2":            lossV2,
	"v3":            lossV3,
	"v2_v2r":        lossV2V2r,
	"v3_v3r":        lossV3V3r,
	"v2_v2r_v3_v3r": lossV2V2rV3V3r,
}

// KnownVariant reports whether impl names a registered loss variant.
func KnownVariant(impl string) bool {
	_, ok := lossVariants[impl]
	return ok
}

// Loss dispatches to the named variant and reduces its per-position
// losses to the training scalar. The variant id and the input tensors
// are validated before any computation runs, so a misconfigured id or a
// malformed batch fails fast with a structured error.
func Loss(impl string, in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor, error) {
	fn, ok := lossVariants[impl]
	if !ok {
		return nil, nil, errors.NewFromCodef(errors.ErrCfgUnknownLossVariant, "%q", impl)
	}
	if err := validateInputs(in); err != nil {
		return nil, nil, err
	}

	raw, quantities := fn(in, opts)

	loss := tensor.MaskAndReduce(raw, in.SequenceLengths, tensor.DefaultReduce)

	lengthSum := 0.0
	for _, n := range in.SequenceLengths {
		lengthSum += float64(n)
	}
	log := union(quantities, map[string]*tensor.Tensor{
		"loss":            loss,
		"sequence_length": tensor.Scalar(lengthSum / float64(len(in.SequenceLengths))),
		"loss-normalized": tensor.MaskAndReduce(raw.Detach(), in.SequenceLengths,
			tensor.ReduceOptions{AverageAcrossTimesteps: true}),
	})
	return loss, log, nil
}

// validateInputs checks shapes and batch alignment before any loss math.
func validateInputs(in LossInputs) error {
	if in.Logits == nil || in.TargetLogits == nil {
		return errors.NewFromCodef(errors.ErrValShapeMismatch, "nil logits")
	}
	if in.Logits.Shape().NDim() != 3 {
		return errors.NewFromCodef(errors.ErrValShapeMismatch,
			"logits must be rank 3 [batch, steps, vocab], got %v", in.Logits.Shape())
	}
	if !in.Logits.Shape().Equal(in.TargetLogits.Shape()) {
		return errors.NewFromCodef(errors.ErrValShapeMismatch,
			"logits %v vs target logits %v", in.Logits.Shape(), in.TargetLogits.Shape())
	}

	batch, steps := in.Logits.Shape().At(0), in.Logits.Shape().At(1)
	if len(in.Rewards) != batch {
		return errors.NewFromCodef(errors.ErrValBadRewardTensor,
			"got %d rewards for batch %d", len(in.Rewards), batch)
	}
	if len(in.SequenceLengths) != batch {
		return errors.NewFromCodef(errors.ErrValBadSequenceLength,
			"got %d lengths for batch %d", len(in.SequenceLengths), batch)
	}
	for i, n := range in.SequenceLengths {
		if n < 0 || n > steps {
			return errors.NewFromCodef(errors.ErrValBadSequenceLength,
				"row %d has length %d outside [0, %d]", i, n, steps)
		}
	}
	if len(in.Actions) != batch {
		return errors.NewFromCodef(errors.ErrValShapeMismatch,
			"got %d action rows for batch %d", len(in.Actions), batch)
	}
	for i, row := range in.Actions {
		if len(row) != steps {
			return errors.NewFromCodef(errors.ErrValShapeMismatch,
				"action row %d has %d steps, logits have %d", i, len(row), steps)
		}
	}
	return nil
}

// ============================================================================
// Loss variants
// ============================================================================

// lossV0 regresses the soft state value against the target network's:
// MSE(V, V_) per position. The simplest consistency objective; it never
// touches the rewards.
func lossV0(in LossInputs, _ LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	v := tensor.LogSumExp(in.Logits)
	vTarget := tensor.LogSumExp(in.TargetLogits)

	raw := tensor.SquaredDifference(v, vTarget)
	return raw, map[string]*tensor.Tensor{
		"V":  v.Detach(),
		"V_": vTarget.Detach(),
	}
}

// bootstrapTargets builds the one-step bootstrapped targets from the
// target network's values. For non-terminal positions the Q target is
// V_(s_{t+1}) and the advantage target is V_(s_{t+1}) - V_(s_t); at each
// row's terminal position they become reward and reward - V_(terminal).
// Positions past the sequence length carry junk that masking discards.
func bootstrapTargets(vTarget *tensor.Tensor, rewards []float64, lengths []int) (qTarget, aTarget *tensor.Tensor) {
	steps := vTarget.Shape().At(1)
	terminal := tensor.TerminalMask(lengths, steps)
	interior := tensor.OneMinus(terminal)
	rewardRows := tensor.RowBroadcast(rewards, steps)

	shifted := tensor.ShiftLeft(vTarget)
	qTarget = tensor.Add(
		tensor.Mul(shifted, interior),
		tensor.Mul(rewardRows, terminal),
	)
	aTarget = tensor.Add(
		tensor.Mul(tensor.Sub(shifted, tensor.ZeroLastColumn(vTarget)), interior),
		tensor.Mul(tensor.Sub(rewardRows, vTarget), terminal),
	)
	return qTarget, aTarget
}

// lossV1 regresses the taken action's Q-value against the bootstrapped
// target: MSE(Q, Q_) with Q_[t] = V_(s_{t+1}) and Q_[terminal] = reward.
func lossV1(in LossInputs, _ LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	q := tensor.Gather2DOnLastDim(in.Logits, in.Actions)
	v := tensor.LogSumExp(in.Logits)
	vTarget := tensor.LogSumExp(in.TargetLogits)
	qTarget, _ := bootstrapTargets(vTarget, in.Rewards, in.SequenceLengths)

	raw := tensor.SquaredDifference(q, qTarget)
	return raw, map[string]*tensor.Tensor{
		"Q":  q.Detach(),
		"V":  v.Detach(),
		"Q_": qTarget.Detach(),
		"V_": vTarget.Detach(),
	}
}

// lossV2 moves the regression into advantage space: MSE(A, A_) with
// A = Q - V and A_ the bootstrapped advantage target. Working with
// advantages keeps the objective invariant to a per-state value shift.
func lossV2(in LossInputs, _ LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	q := tensor.Gather2DOnLastDim(in.Logits, in.Actions)
	v := tensor.LogSumExp(in.Logits)
	a := tensor.Sub(q, v)

	vTarget := tensor.LogSumExp(in.TargetLogits)
	qTarget, aTarget := bootstrapTargets(vTarget, in.Rewards, in.SequenceLengths)

	raw := tensor.SquaredDifference(a, aTarget)
	return raw, map[string]*tensor.Tensor{
		"Q":  q.Detach(),
		"V":  v.Detach(),
		"A":  a.Detach(),
		"Q_": qTarget.Detach(),
		"V_": vTarget.Detach(),
		"A_": aTarget.Detach(),
		"H":  tensor.EntropyFromLogits(in.Logits),
		"H_": tensor.EntropyFromLogits(in.TargetLogits),
	}
}

// lossV3 is the multi-step variant: the reverse cumulative sum of the
// advantages over the remaining steps is regressed against the terminal
// reward minus the target value, broadcast over every valid position.
// With FreezeFutureSteps the accumulated future advantages are detached
// so only the current position's advantage receives gradient.
func lossV3(in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	q := tensor.Gather2DOnLastDim(in.Logits, in.Actions)
	v := tensor.LogSumExp(in.Logits)
	a := tensor.Sub(q, v)

	a2 := tensor.MaskedReverseCumsum(a, in.SequenceLengths)
	if opts.FreezeFutureSteps {
		a2 = tensor.Add(tensor.Sub(a2, a).Detach(), a)
	}

	vTarget := tensor.LogSumExp(in.TargetLogits)
	steps := vTarget.Shape().At(1)
	target := tensor.Sub(tensor.RowBroadcast(in.Rewards, steps), vTarget)

	raw := tensor.SquaredDifference(a2, target)
	return raw, map[string]*tensor.Tensor{
		"Q":  q.Detach(),
		"V":  v.Detach(),
		"A":  a.Detach(),
		"V_": vTarget.Detach(),
	}
}

// ============================================================================
// Symmetric (forward + reversed) variants
// ============================================================================

// symmetrize interpolates a variant with its reversed twin, in which the
// online and target networks swap roles. With a nil coefficient only the
// forward direction is computed.
func symmetrize(fn variantFunc, in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	rawFwd, logFwd := fn(in, opts)
	quantities := withPrefix(logFwd, "0/")
	if opts.Coefficient == nil {
		return rawFwd, quantities
	}

	reversed := in
	reversed.Logits, reversed.TargetLogits = in.TargetLogits, in.Logits
	rawRev, logRev := fn(reversed, opts)

	c := *opts.Coefficient
	raw := tensor.Add(tensor.Scale(rawFwd, c), tensor.Scale(rawRev, 1-c))
	return raw, union(quantities, withPrefix(logRev, "1/"))
}

// lossV2V2r is the symmetric advantage loss, optionally augmented with
// the large-margin classification term on the online logits.
func lossV2V2r(in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	raw, quantities := symmetrize(lossV2, in, opts)

	if opts.MarginConstant != nil && opts.MarginCoefficient != nil {
		rawMargin, logMargin := largeMarginLoss(in.Logits, in.Actions, *opts.MarginConstant)
		raw = tensor.Add(raw, tensor.Scale(rawMargin, *opts.MarginCoefficient))
		quantities = union(quantities, withPrefix(logMargin, "margin/"))
	}
	return raw, quantities
}

// lossV3V3r is the symmetric multi-step loss.
func lossV3V3r(in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	return symmetrize(lossV3, in, opts)
}

// lossV2V2rV3V3r averages the two symmetric variants. The margin term
// belongs to the standalone v2_v2r variant only, so the v2 part here is
// built from the coefficient alone.
func lossV2V2rV3V3r(in LossInputs, opts LossOptions) (*tensor.Tensor, map[string]*tensor.Tensor) {
	noMargin := opts
	noMargin.MarginConstant, noMargin.MarginCoefficient = nil, nil
	raw2, log2 := lossV2V2r(in, noMargin)
	raw3, log3 := lossV3V3r(in, opts)

	raw := tensor.Scale(tensor.Add(raw2, raw3), 0.5)
	return raw, union(withPrefix(log2, "v2/"), withPrefix(log3, "v3/"))
}

// largeMarginLoss is the max-margin classification term: every position
// pays the gap between the best margin-augmented logit and the expert
// action's logit. Zero exactly when the expert logit beats every other
// logit by at least the margin constant.
func largeMarginLoss(logits *tensor.Tensor, actions [][]int, margin float64) (*tensor.Tensor, map[string]*tensor.Tensor) {
	batch, steps, vocab := logits.Shape().At(0), logits.Shape().At(1), logits.Shape().At(2)

	marginData := make([]float64, batch*steps*vocab)
	for i := range marginData {
		marginData[i] = margin
	}
	for i := 0; i < batch; i++ {
		for t := 0; t < steps; t++ {
			a := actions[i][t]
			if a < 0 || a >= vocab {
				panic(fmt.Sprintf("action %d out of vocab range %d", a, vocab))
			}
			marginData[(i*steps+t)*vocab+a] = 0
		}
	}
	marginMatrix := tensor.FromSlice(marginData, logits.Shape())

	augmentedMax := tensor.MaxLastDim(tensor.Add(logits, marginMatrix))
	expert := tensor.Gather2DOnLastDim(logits, actions)

	raw := tensor.Sub(augmentedMax, expert)
	return raw, map[string]*tensor.Tensor{"loss": raw.Detach()}
}
