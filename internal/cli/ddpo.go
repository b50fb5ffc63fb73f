package cli

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metric-space/trl/internal/ddpo"
	"github.com/metric-space/trl/internal/observability/logging"
	"github.com/metric-space/trl/pkg/config"
)

// samplePrompts is the demo prompt pool the bundled pipeline draws
// from. Any prompt function can replace it when embedding the trainer.
var samplePrompts = []string{
	"cat", "dog", "horse", "monkey", "rabbit", "zebra", "spider",
	"bird", "sheep", "deer", "cow", "goat", "lion", "frog",
	"chicken", "duck", "goose", "bee", "pig", "turkey", "llama",
	"camel", "bat", "gorilla", "hedgehog", "kangaroo",
}

func newDDPOCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ddpo",
		Short: "Run the denoising diffusion policy optimization loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			return runDDPO(cmd.Context(), rt)
		},
	}
}

func runDDPO(parent context.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := ddpoTrainerConfig(rt.cfg.DDPO)
	pipeline := ddpo.NewDefaultPipeline(cfg.SampleNumSteps, rt.cfg.DDPO.LatentDim, cfg.Seed)

	trainer, err := ddpo.NewTrainer(cfg, pipeline, latentReward, promptFromPool, rt.logger, rt.sink)
	if err != nil {
		return err
	}

	rt.logger.Info("starting ddpo training",
		logging.Int("num_epochs", cfg.NumEpochs),
		logging.Int("sample_num_steps", cfg.SampleNumSteps),
		logging.Bool("per_prompt_stat_tracking", cfg.PerPromptStatTracking))

	return trainer.Train(ctx)
}

// ddpoTrainerConfig maps the file configuration onto the trainer's.
func ddpoTrainerConfig(c config.DDPOConfig) ddpo.Config {
	return ddpo.Config{
		RunName:                         c.RunName,
		Seed:                            c.Seed,
		NumEpochs:                       c.NumEpochs,
		SaveFreq:                        c.SaveFreq,
		SampleNumSteps:                  c.SampleNumSteps,
		SampleBatchSize:                 c.SampleBatchSize,
		SampleNumBatchesPerEpoch:        c.SampleNumBatchesPerEpoch,
		TrainBatchSize:                  c.TrainBatchSize,
		TrainLearningRate:               c.TrainLearningRate,
		TrainNumInnerEpochs:             c.TrainNumInnerEpochs,
		TrainGradientAccumulationSteps:  c.TrainGradientAccumulationSteps,
		TrainAdvClipMax:                 c.TrainAdvClipMax,
		TrainClipRange:                  c.TrainClipRange,
		TrainTimestepFraction:           c.TrainTimestepFraction,
		PerPromptStatTracking:           c.PerPromptStatTracking,
		PerPromptStatTrackingBufferSize: c.PerPromptStatTrackingBufferSize,
		PerPromptStatTrackingMinCount:   c.PerPromptStatTrackingMinCount,
		AsyncRewardComputation:          c.AsyncRewardComputation,
	}
}

// promptFromPool draws a uniform prompt from the demo pool.
func promptFromPool(rng *rand.Rand) string {
	return samplePrompts[rng.Intn(len(samplePrompts))]
}

// latentReward is the demo scorer for the Gaussian pipeline: higher is
// better as the final latent's coordinates approach 1. A real
// deployment replaces it with a learned scorer over decoded images.
func latentReward(_ context.Context, images [][]float64, _ []string) ([]float64, error) {
	rewards := make([]float64, len(images))
	for i, img := range images {
		sum := 0.0
		for _, v := range img {
			d := v - 1
			sum -= d * d
		}
		rewards[i] = sum / float64(len(img))
	}
	return rewards, nil
}
