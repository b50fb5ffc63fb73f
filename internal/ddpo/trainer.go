package ddpo

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/metric-space/trl/internal/observability/logging"
	"github.com/metric-space/trl/internal/observability/metrics"
	"github.com/metric-space/trl/internal/optim"
	"github.com/metric-space/trl/internal/stats"
	"github.com/metric-space/trl/internal/tensor"
	"github.com/metric-space/trl/internal/trainer"
	"github.com/metric-space/trl/pkg/errors"
)

// Config collects the DDPO hyperparameters. Sample_* fields control the
// trajectory generation phase of each epoch, Train_* fields the
// optimization phase that reuses those trajectories.
type Config struct {
	// RunName tags the run in logs. Empty picks a random short id.
	RunName string

	// Seed initializes the trainer's sampling and shuffling RNG.
	Seed int64

	// NumEpochs is the number of outer epochs Train runs.
	NumEpochs int

	// SaveFreq invokes the checkpoint hook every SaveFreq epochs.
	// Zero disables checkpointing.
	SaveFreq int

	SampleNumSteps           int
	SampleBatchSize          int
	SampleNumBatchesPerEpoch int

	TrainBatchSize                 int
	TrainLearningRate              float64
	TrainNumInnerEpochs            int
	TrainGradientAccumulationSteps int

	// TrainAdvClipMax clamps advantages to [-max, max] before the loss.
	TrainAdvClipMax float64

	// TrainClipRange is the importance-ratio clip of the surrogate
	// objective.
	TrainClipRange float64

	// TrainTimestepFraction selects the earliest fraction of each
	// trajectory's timesteps for training.
	TrainTimestepFraction float64

	PerPromptStatTracking           bool
	PerPromptStatTrackingBufferSize int
	PerPromptStatTrackingMinCount   int

	// AsyncRewardComputation scores sampled batches concurrently.
	AsyncRewardComputation bool
}

// DefaultConfig returns the standard DDPO hyperparameters.
func DefaultConfig() Config {
	return Config{
		Seed:                            0,
		NumEpochs:                       100,
		SampleNumSteps:                  50,
		SampleBatchSize:                 1,
		SampleNumBatchesPerEpoch:        2,
		TrainBatchSize:                  1,
		TrainLearningRate:               3e-4,
		TrainNumInnerEpochs:             1,
		TrainGradientAccumulationSteps:  1,
		TrainAdvClipMax:                 5,
		TrainClipRange:                  1e-4,
		TrainTimestepFraction:           1.0,
		PerPromptStatTracking:           false,
		PerPromptStatTrackingBufferSize: 16,
		PerPromptStatTrackingMinCount:   16,
	}
}

// validate checks the option ranges that would otherwise corrupt a run
// silently.
func (c Config) validate() error {
	if c.SampleNumSteps < 1 || c.SampleBatchSize < 1 || c.SampleNumBatchesPerEpoch < 1 {
		return errors.NewFromCodef(errors.ErrCfgInvalidOption,
			"sample_num_steps, sample_batch_size and sample_num_batches_per_epoch must be >= 1")
	}
	if c.TrainBatchSize < 1 || c.TrainNumInnerEpochs < 1 || c.TrainGradientAccumulationSteps < 1 {
		return errors.NewFromCodef(errors.ErrCfgInvalidOption,
			"train_batch_size, train_num_inner_epochs and train_gradient_accumulation_steps must be >= 1")
	}
	if c.TrainClipRange <= 0 {
		return errors.NewFromCodef(errors.ErrCfgInvalidOption,
			"train_clip_range must be > 0, got %g", c.TrainClipRange)
	}
	if c.TrainTimestepFraction <= 0 || c.TrainTimestepFraction > 1 {
		return errors.NewFromCodef(errors.ErrCfgInvalidOption,
			"train_timestep_fraction must be in (0, 1], got %g", c.TrainTimestepFraction)
	}
	return nil
}

// Trainer drives the DDPO loop: sample trajectories, score them,
// normalize rewards into advantages, then optimize the clipped
// surrogate objective over the stored trajectories for several inner
// epochs before sampling again.
type Trainer struct {
	trainer.Base

	cfg      Config
	pipeline Pipeline
	rewardFn RewardFunc
	promptFn PromptFunc
	tracker  *stats.PerPromptTracker
	opt      *optim.Adam

	logger logging.Logger
	sink   metrics.Sink
	rng    *rand.Rand

	// ImageHook, when set, receives the first sampled batch of every
	// epoch after scoring, for image logging.
	ImageHook func(epoch int, samples []*Sample)

	// CheckpointHook, when set, is invoked every SaveFreq epochs.
	CheckpointHook func(epoch int) error

	epoch       int
	globalStep  int
	accumulated int
}

// NewTrainer validates the configuration and builds the trainer.
func NewTrainer(cfg Config, pipeline Pipeline, rewardFn RewardFunc, promptFn PromptFunc, logger logging.Logger, sink metrics.Sink) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if pipeline == nil || rewardFn == nil || promptFn == nil {
		return nil, errors.NewFromCodef(errors.ErrCfgInvalidOption,
			"pipeline, reward function and prompt function are required")
	}
	if cfg.RunName == "" {
		cfg.RunName = uuid.NewString()[:8]
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}

	t := &Trainer{
		Base:     trainer.NewBase("DDPOTrainer"),
		cfg:      cfg,
		pipeline: pipeline,
		rewardFn: rewardFn,
		promptFn: promptFn,
		opt:      optim.NewAdam(pipeline.Parameters(), optim.DefaultAdamConfig(cfg.TrainLearningRate)),
		logger:   logger.With(logging.String("run", cfg.RunName)),
		sink:     sink,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.PerPromptStatTracking {
		t.tracker = stats.NewPerPromptTracker(
			cfg.PerPromptStatTrackingBufferSize,
			cfg.PerPromptStatTrackingMinCount,
		)
	}
	return t, nil
}

// EpochCount returns the number of completed epochs.
func (t *Trainer) EpochCount() int { return t.epoch }

// GlobalStep returns the number of completed optimizer steps.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Train runs the configured number of epochs, invoking the checkpoint
// hook on schedule.
func (t *Trainer) Train(ctx context.Context) error {
	for i := 0; i < t.cfg.NumEpochs; i++ {
		if _, err := t.Epoch(ctx); err != nil {
			return err
		}
		if t.cfg.SaveFreq > 0 && t.epoch%t.cfg.SaveFreq == 0 && t.CheckpointHook != nil {
			if err := t.CheckpointHook(t.epoch); err != nil {
				return errors.Wrap(err, "INTERNAL_ERROR", "checkpoint hook failed")
			}
		}
	}
	return nil
}

// Epoch runs one full sample / score / train cycle and returns the
// epoch's scalar log.
func (t *Trainer) Epoch(ctx context.Context) (map[string]float64, error) {
	start := time.Now()

	batches, err := t.generateSamples(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.computeRewards(ctx, batches); err != nil {
		return nil, err
	}

	samples := flattenBatches(batches)
	if t.ImageHook != nil && len(batches) > 0 {
		t.ImageHook(t.epoch+1, batches[0])
	}

	rewardMean, rewardStd := t.assignAdvantages(samples)

	trainLog, err := t.trainInnerEpochs(ctx, samples)
	if err != nil {
		return nil, err
	}

	t.epoch++
	scalars := map[string]float64{
		"epoch":       float64(t.epoch),
		"reward_mean": rewardMean,
		"reward_std":  rewardStd,
		"num_samples": float64(len(samples)),
	}
	for k, v := range trainLog {
		scalars[k] = v
	}
	t.sink.Log(t.epoch, scalars)
	t.sink.Count("epochs_total", nil)
	t.sink.Observe("epoch_duration_seconds", time.Since(start).Seconds(), nil)
	t.logger.Info("epoch complete",
		logging.Int("epoch", t.epoch),
		logging.Float64("reward_mean", rewardMean),
		logging.Float64("loss", scalars["loss"]),
		logging.Duration("elapsed", time.Since(start)))

	return scalars, nil
}

// generateSamples draws the epoch's trajectory batches under the
// current parameters.
func (t *Trainer) generateSamples(ctx context.Context) ([][]*Sample, error) {
	batches := make([][]*Sample, t.cfg.SampleNumBatchesPerEpoch)
	for b := range batches {
		prompts := make([]string, t.cfg.SampleBatchSize)
		for i := range prompts {
			prompts[i] = t.promptFn(t.rng)
		}
		samples, err := t.pipeline.Sample(ctx, prompts, t.cfg.SampleNumSteps)
		if err != nil {
			return nil, errors.Wrap(err, "INTERNAL_ERROR", "trajectory sampling failed")
		}
		batches[b] = samples
	}
	return batches, nil
}

// computeRewards scores every batch, concurrently when async reward
// computation is enabled.
func (t *Trainer) computeRewards(ctx context.Context, batches [][]*Sample) error {
	mode := "sync"
	if t.cfg.AsyncRewardComputation {
		mode = "async"
	}
	score := func(ctx context.Context, batch []*Sample) error {
		images := make([][]float64, len(batch))
		prompts := make([]string, len(batch))
		for i, s := range batch {
			images[i] = s.Image
			prompts[i] = s.Prompt
		}
		t.sink.Count("reward_requests_total", map[string]string{"mode": mode})
		rewards, err := t.rewardFn(ctx, images, prompts)
		if err != nil {
			return errors.Wrap(err, "INTERNAL_ERROR", "reward function failed")
		}
		if len(rewards) != len(batch) {
			return errors.NewFromCodef(errors.ErrValBadRewardTensor,
				"got %d rewards for batch %d", len(rewards), len(batch))
		}
		for i, r := range rewards {
			batch[i].Reward = r
		}
		return nil
	}

	if !t.cfg.AsyncRewardComputation {
		for _, batch := range batches {
			if err := score(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error { return score(gctx, batch) })
	}
	return g.Wait()
}

// assignAdvantages normalizes rewards into advantages, per prompt when
// stat tracking is enabled and batch-global otherwise, then clamps them
// to the configured range.
func (t *Trainer) assignAdvantages(samples []*Sample) (rewardMean, rewardStd float64) {
	rewards := make([]float64, len(samples))
	prompts := make([]string, len(samples))
	for i, s := range samples {
		rewards[i] = s.Reward
		prompts[i] = s.Prompt
	}

	rewardMean, rewardStd = meanStd(rewards)

	var advantages []float64
	if t.tracker != nil {
		advantages = t.tracker.Update(prompts, rewards)
	} else {
		advantages = make([]float64, len(rewards))
		for i, r := range rewards {
			advantages[i] = (r - rewardMean) / (rewardStd + 1e-8)
		}
	}

	clip := t.cfg.TrainAdvClipMax
	for i, s := range samples {
		a := advantages[i]
		if clip > 0 {
			a = math.Min(math.Max(a, -clip), clip)
		}
		s.Advantage = a
	}
	return rewardMean, rewardStd
}

// trainInnerEpochs reuses the epoch's trajectories for several passes
// of clipped policy-gradient updates, shuffling sample order each pass.
// Only the earliest train_timestep_fraction of each trajectory's
// timesteps is trained on, which keeps the per-epoch work deterministic
// for a fixed configuration.
func (t *Trainer) trainInnerEpochs(ctx context.Context, samples []*Sample) (map[string]float64, error) {
	numTimesteps := int(float64(t.cfg.SampleNumSteps) * t.cfg.TrainTimestepFraction)
	if numTimesteps < 1 {
		numTimesteps = 1
	}
	if len(samples) > 0 && numTimesteps > len(samples[0].Timesteps) {
		numTimesteps = len(samples[0].Timesteps)
	}

	lossSum, klSum, clipSum := 0.0, 0.0, 0.0
	updates := 0

	for inner := 0; inner < t.cfg.TrainNumInnerEpochs; inner++ {
		perm := t.rng.Perm(len(samples))
		for lo := 0; lo < len(perm); lo += t.cfg.TrainBatchSize {
			select {
			case <-ctx.Done():
				return nil, errors.TimeoutError("ddpo.trainInnerEpochs").WithCause(ctx.Err())
			default:
			}

			hi := lo + t.cfg.TrainBatchSize
			if hi > len(perm) {
				hi = len(perm)
			}
			batch := make([]*Sample, hi-lo)
			for i, idx := range perm[lo:hi] {
				batch[i] = samples[idx]
			}

			for ts := 0; ts < numTimesteps; ts++ {
				loss, approxKL, clipFrac := t.trainTimestep(batch, ts)
				lossSum += loss
				klSum += approxKL
				clipSum += clipFrac
				updates++
			}
		}
	}

	// Flush a partial accumulation window at the epoch boundary.
	if t.accumulated > 0 {
		t.opt.Step()
		t.opt.ZeroGrad()
		t.accumulated = 0
		t.globalStep++
		t.sink.Count("steps_total", nil)
	}

	n := math.Max(float64(updates), 1)
	return map[string]float64{
		"loss":          lossSum / n,
		"approx_kl":     klSum / n,
		"clip_fraction": clipSum / n,
		"global_step":   float64(t.globalStep),
	}, nil
}

// trainTimestep runs one clipped surrogate update over a batch at a
// single timestep, stepping the optimizer once the accumulation window
// fills.
func (t *Trainer) trainTimestep(batch []*Sample, ts int) (loss, approxKL, clipFrac float64) {
	current := make([][]float64, len(batch))
	next := make([][]float64, len(batch))
	timesteps := make([]int, len(batch))
	oldLogProbs := make([]float64, len(batch))
	advantages := make([]float64, len(batch))
	for i, s := range batch {
		current[i] = s.Latents[ts]
		next[i] = s.NextLatents[ts]
		timesteps[i] = s.Timesteps[ts]
		oldLogProbs[i] = s.LogProbs[ts]
		advantages[i] = s.Advantage
	}

	newLogProbs := t.pipeline.LogProb(current, next, timesteps)
	lossT, approxKL, clipFrac := CalculateLoss(
		tensor.FromSlice(advantages, tensor.NewShape(len(batch))),
		t.cfg.TrainClipRange,
		newLogProbs,
		tensor.FromSlice(oldLogProbs, tensor.NewShape(len(batch))),
	)

	tensor.Scale(lossT, 1/float64(t.cfg.TrainGradientAccumulationSteps)).Backward()
	t.accumulated++
	if t.accumulated >= t.cfg.TrainGradientAccumulationSteps {
		t.opt.Step()
		t.opt.ZeroGrad()
		t.accumulated = 0
		t.globalStep++
		t.sink.Count("steps_total", nil)
	}

	return lossT.Item(), approxKL, clipFrac
}

func flattenBatches(batches [][]*Sample) []*Sample {
	var out []*Sample
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
