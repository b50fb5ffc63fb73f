package softq

import (
	"context"

	"github.com/metric-space/trl/internal/observability/logging"
	"github.com/metric-space/trl/internal/observability/metrics"
	"github.com/metric-space/trl/internal/optim"
	"github.com/metric-space/trl/internal/tensor"
	"github.com/metric-space/trl/internal/trainer"
	"github.com/metric-space/trl/pkg/errors"
)

// ForwardMode selects how a training batch produces action sequences.
type ForwardMode string

const (
	// ModeSQLOff scores the provided target sequences (teacher forcing).
	ModeSQLOff ForwardMode = "SQL_OFF"

	// ModeSQLOn samples sequences from the policy itself (on-policy).
	ModeSQLOn ForwardMode = "SQL_ON"
)

// Mix strategies over the two forward modes.
const (
	MixStrategyAlternate = "alternate"
	MixStrategyMix       = "mix"
)

// RewardFunc scores a batch. It receives the source sequences, the
// reference target sequences, and the sequences actually scored (the
// targets under teacher forcing, the policy's own samples on-policy) and
// returns one scalar reward per row.
type RewardFunc func(sources, targets, predictions [][]int) ([]float64, error)

// RewardShaping linearly rescales raw rewards from the source range to
// the training range before they enter the loss.
type RewardShaping struct {
	OldMin, OldMax float64
	NewMin, NewMax float64
}

// Apply maps every reward through the linear rescaling.
func (r RewardShaping) Apply(raw []float64) []float64 {
	scale := (r.NewMax - r.NewMin) / (r.OldMax - r.OldMin)
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = (v-r.OldMin)*scale + r.NewMin
	}
	return out
}

// TrainerConfig collects the soft Q-learning hyperparameters.
type TrainerConfig struct {
	// LossImpl names the loss variant; see the variant registry.
	LossImpl string

	// MixStrategy decides how SQL_OFF and SQL_ON batches interleave:
	// "alternate" switches mode every step, "mix" trains both per step.
	MixStrategy string

	// Target network schedule.
	TargetUpdateMethod string
	TargetLearningRate float64
	TargetSyncSteps    int

	// Online network optimizer.
	LearningRate float64

	// Optional loss knobs, forwarded to the variant.
	Coefficient       *float64
	MarginConstant    *float64
	MarginCoefficient *float64
	FreezeFutureSteps bool

	// Optional reward rescaling.
	RewardShaping *RewardShaping
}

// Batch is one soft-Q training batch: token-id source sequences, the
// reference target sequences, and the targets' valid lengths.
type Batch struct {
	Sources       [][]int
	Targets       [][]int
	TargetLengths []int
}

// Trainer runs soft Q-learning over a sequence policy: it keeps a
// target network in sync, drives the configured forward modes, scores
// them with the reward function, and optimizes the variant loss.
type Trainer struct {
	trainer.Base

	cfg      TrainerConfig
	model    Policy
	target   Policy
	sync     *Synchronizer
	rewardFn RewardFunc
	opt      *optim.Adam

	logger logging.Logger
	sink   metrics.Sink

	step int
}

// NewTrainer validates the configuration and builds the trainer. The
// target network starts as a copy of the online network. Configuration
// mistakes (unknown loss variant, sync method, or mix strategy) surface
// here, before any batch is processed.
func NewTrainer(cfg TrainerConfig, model Policy, rewardFn RewardFunc, logger logging.Logger, sink metrics.Sink) (*Trainer, error) {
	if !KnownVariant(cfg.LossImpl) {
		return nil, errors.NewFromCodef(errors.ErrCfgUnknownLossVariant, "%q", cfg.LossImpl)
	}
	switch cfg.MixStrategy {
	case MixStrategyAlternate, MixStrategyMix:
	default:
		return nil, errors.NewFromCodef(errors.ErrCfgUnknownMixStrategy, "%q", cfg.MixStrategy)
	}
	sync, err := NewSynchronizer(cfg.TargetUpdateMethod, cfg.TargetLearningRate, cfg.TargetSyncSteps)
	if err != nil {
		return nil, err
	}
	if _, ok := model.(Generator); !ok {
		return nil, errors.NewFromCodef(errors.ErrCfgInvalidOption,
			"mix strategy %q requires a policy that can generate", cfg.MixStrategy)
	}
	if rewardFn == nil {
		return nil, errors.NewFromCodef(errors.ErrCfgInvalidOption, "reward function is required")
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}

	return &Trainer{
		Base:     trainer.NewBase("SoftQLearningTrainer"),
		cfg:      cfg,
		model:    model,
		target:   model.Clone(),
		sync:     sync,
		rewardFn: rewardFn,
		opt:      optim.NewAdam(model.Parameters(), optim.DefaultAdamConfig(cfg.LearningRate)),
		logger:   logger,
		sink:     sink,
	}, nil
}

// Model returns the online policy.
func (t *Trainer) Model() Policy { return t.model }

// Target returns the target policy.
func (t *Trainer) Target() Policy { return t.target }

// StepCount returns the number of completed optimization steps.
func (t *Trainer) StepCount() int { return t.step }

// modesForStep returns the forward modes this step trains on. Alternate
// starts with teacher forcing on the first step.
func (t *Trainer) modesForStep() []ForwardMode {
	candidates := []ForwardMode{ModeSQLOff, ModeSQLOn}
	if t.cfg.MixStrategy == MixStrategyAlternate {
		return candidates[(t.step-1)%2 : (t.step-1)%2+1]
	}
	return candidates
}

// Step runs one optimization step: sync the target network per its
// schedule, compute the variant loss for each active forward mode,
// average, backprop, and apply Adam. It returns the flattened scalar
// log for the step.
func (t *Trainer) Step(ctx context.Context, batch Batch) (map[string]float64, error) {
	select {
	case <-ctx.Done():
		return nil, errors.TimeoutError("softq.Step").WithCause(ctx.Err())
	default:
	}

	t.step++
	synced := t.sync.Apply(t.step, t.model, t.target)
	if synced {
		t.sink.Count("target_syncs_total", map[string]string{"method": t.cfg.TargetUpdateMethod})
	}

	scalars := make(map[string]float64)
	var losses []*tensor.Tensor
	for _, mode := range t.modesForStep() {
		loss, modeLog, err := t.forward(mode, batch)
		if err != nil {
			return nil, err
		}
		losses = append(losses, loss)
		for k, v := range modeLog {
			scalars[k] = v
		}
	}

	total := tensor.MeanOf(losses...)
	t.opt.ZeroGrad()
	total.Backward()
	t.opt.Step()
	t.sink.Count("steps_total", nil)

	scalars["loss"] = total.Item()
	scalars["target_synced"] = 0
	if synced {
		scalars["target_synced"] = 1
	}
	t.sink.Log(t.step, scalars)
	t.logger.Debug("soft-q step",
		logging.Int("step", t.step),
		logging.Float64("loss", total.Item()),
		logging.Bool("target_synced", synced))

	return scalars, nil
}

// forward runs one mode: produce sequences, score them, compute the
// variant loss, and flatten its log under the mode prefix.
func (t *Trainer) forward(mode ForwardMode, batch Batch) (*tensor.Tensor, map[string]float64, error) {
	var in LossInputs
	switch mode {
	case ModeSQLOff:
		in.Actions = batch.Targets
		in.SequenceLengths = batch.TargetLengths
		in.Logits = t.model.Logits(batch.Sources, batch.Targets)
		in.TargetLogits = t.target.Logits(batch.Sources, batch.Targets)
	case ModeSQLOn:
		gen := t.model.(Generator).Generate(batch.Sources)
		in.Actions = gen.Actions
		in.SequenceLengths = gen.Lengths
		in.Logits = gen.Logits
		in.TargetLogits = t.target.Logits(batch.Sources, gen.Actions)
	default:
		return nil, nil, errors.NewFromCodef(errors.ErrCfgUnknownMixStrategy, "forward mode %q", mode)
	}

	t.sink.Count("reward_requests_total", map[string]string{"mode": string(mode)})
	raw, err := t.rewardFn(batch.Sources, batch.Targets, in.Actions)
	if err != nil {
		return nil, nil, errors.Wrap(err, "INTERNAL_ERROR", "reward function failed")
	}
	shaped := raw
	if t.cfg.RewardShaping != nil {
		shaped = t.cfg.RewardShaping.Apply(raw)
	}
	in.Rewards = shaped

	opts := LossOptions{
		Coefficient:       t.cfg.Coefficient,
		FreezeFutureSteps: t.cfg.FreezeFutureSteps,
	}
	// The margin term only makes sense against expert sequences.
	if mode == ModeSQLOff {
		opts.MarginConstant = t.cfg.MarginConstant
		opts.MarginCoefficient = t.cfg.MarginCoefficient
	}

	loss, lossLog, err := Loss(t.cfg.LossImpl, in, opts)
	if err != nil {
		return nil, nil, err
	}

	scalars, err := flattenLog(string(mode)+"/", lossLog, in.SequenceLengths)
	if err != nil {
		return nil, nil, err
	}
	scalars[string(mode)+"/rewards/raw"] = meanOf(raw)
	scalars[string(mode)+"/rewards/shaped"] = meanOf(shaped)

	return loss, scalars, nil
}

// flattenLog detaches and copies every logged tensor, then reduces each
// to a scalar: single-element tensors by value, per-position tensors by
// their masked mean.
func flattenLog(prefix string, log map[string]*tensor.Tensor, lengths []int) (map[string]float64, error) {
	nested := make(map[string]interface{}, len(log))
	for k, v := range log {
		nested[k] = v
	}
	detachedAny, err := tensor.NestedDetachAndClone(nested)
	if err != nil {
		return nil, err
	}
	detached := detachedAny.(map[string]interface{})

	out := make(map[string]float64, len(detached))
	for k, v := range detached {
		tv := v.(*tensor.Tensor)
		if tv.Numel() == 1 {
			out[prefix+k] = tv.Item()
			continue
		}
		mean, _, _ := tensor.MaskedMeanMinMax(tv, lengths)
		out[prefix+k] = mean
	}
	return out, nil
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}
