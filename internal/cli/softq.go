package cli

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metric-space/trl/internal/observability/logging"
	"github.com/metric-space/trl/internal/softq"
	"github.com/metric-space/trl/pkg/config"
)

func newSoftQCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "softq",
		Short: "Run the soft Q-learning loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			return runSoftQ(cmd.Context(), rt)
		},
	}
}

func runSoftQ(parent context.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := rt.cfg.SoftQ
	cfg := softQTrainerConfig(sc)

	policy := softq.NewTabularPolicy(sc.MaxSteps, sc.VocabSize, sc.Seed)
	policy.TopK = sc.TopK
	policy.TopP = sc.TopP

	trainer, err := softq.NewTrainer(cfg, policy, tokenOverlapReward, rt.logger, rt.sink)
	if err != nil {
		return err
	}

	rt.logger.Info("starting soft-q training",
		logging.String("loss_impl", cfg.LossImpl),
		logging.String("mix_strategy", cfg.MixStrategy),
		logging.String("target_update_method", cfg.TargetUpdateMethod),
		logging.Int("num_steps", sc.NumSteps))

	rng := rand.New(rand.NewSource(sc.Seed))
	for step := 0; step < sc.NumSteps; step++ {
		select {
		case <-ctx.Done():
			rt.logger.Warn("training interrupted", logging.Int("step", step))
			return nil
		default:
		}
		if _, err := trainer.Step(ctx, demoBatch(rng, sc.MaxSteps, sc.VocabSize)); err != nil {
			return err
		}
	}
	return nil
}

// softQTrainerConfig maps the file configuration onto the trainer's.
func softQTrainerConfig(c config.SoftQConfig) softq.TrainerConfig {
	cfg := softq.TrainerConfig{
		LossImpl:           c.SQLLossImpl,
		MixStrategy:        c.MixStrategy,
		TargetUpdateMethod: c.TargetUpdateMethod,
		TargetLearningRate: c.TargetLearningRate,
		TargetSyncSteps:    c.TargetSyncSteps,
		LearningRate:       c.LearningRate,
		Coefficient:        c.Coefficient,
		MarginConstant:     c.MarginConstant,
		MarginCoefficient:  c.MarginCoefficient,
		FreezeFutureSteps:  c.FreezeFutureSteps,
	}
	if c.RewardShaping {
		cfg.RewardShaping = &softq.RewardShaping{
			OldMin: c.RewardShapingOldMin,
			OldMax: c.RewardShapingOldMax,
			NewMin: c.RewardShapingNewMin,
			NewMax: c.RewardShapingNewMax,
		}
	}
	return cfg
}

// demoBatch builds a synthetic copy-task batch: the target repeats the
// source's first token until the terminator.
func demoBatch(rng *rand.Rand, steps, vocab int) softq.Batch {
	const batchSize = 4

	batch := softq.Batch{
		Sources:       make([][]int, batchSize),
		Targets:       make([][]int, batchSize),
		TargetLengths: make([]int, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		token := 1 + rng.Intn(vocab-1)
		length := 1 + rng.Intn(steps)

		batch.Sources[i] = []int{token}
		target := make([]int, steps)
		for t := 0; t < length-1; t++ {
			target[t] = token
		}
		target[length-1] = softq.PadToken
		batch.Targets[i] = target
		batch.TargetLengths[i] = length
	}
	return batch
}

// tokenOverlapReward scores predictions by their token overlap with the
// reference targets, in [0, 1].
func tokenOverlapReward(_, targets, predictions [][]int) ([]float64, error) {
	rewards := make([]float64, len(predictions))
	for i, pred := range predictions {
		target := targets[i]
		n := len(pred)
		if len(target) < n {
			n = len(target)
		}
		if n == 0 {
			continue
		}
		matches := 0
		for t := 0; t < n; t++ {
			if pred[t] == target[t] {
				matches++
			}
		}
		rewards[i] = float64(matches) / float64(n)
	}
	return rewards, nil
}
