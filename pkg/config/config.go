// Package config defines the file- and environment-driven configuration
// for the trainers and loads it through viper with validation.
package config

import (
	"github.com/metric-space/trl/internal/observability/logging"
)

// Config is the root configuration document.
type Config struct {
	Logging logging.LogConfig `mapstructure:"logging"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	DDPO    DDPOConfig        `mapstructure:"ddpo"`
	SoftQ   SoftQConfig       `mapstructure:"softq"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	// Enabled starts the /metrics HTTP listener.
	Enabled bool `mapstructure:"enabled"`

	// Addr is the listen address, e.g. ":9090".
	Addr string `mapstructure:"addr"`

	// Namespace prefixes every exported metric.
	Namespace string `mapstructure:"namespace"`
}

// DDPOConfig mirrors the DDPO trainer hyperparameters.
type DDPOConfig struct {
	RunName  string `mapstructure:"run_name"`
	Seed     int64  `mapstructure:"seed"`
	NumEpochs int   `mapstructure:"num_epochs" validate:"gte=1"`
	SaveFreq  int   `mapstructure:"save_freq" validate:"gte=0"`

	SampleNumSteps           int `mapstructure:"sample_num_steps" validate:"gte=1"`
	SampleBatchSize          int `mapstructure:"sample_batch_size" validate:"gte=1"`
	SampleNumBatchesPerEpoch int `mapstructure:"sample_num_batches_per_epoch" validate:"gte=1"`

	TrainBatchSize                 int     `mapstructure:"train_batch_size" validate:"gte=1"`
	TrainLearningRate              float64 `mapstructure:"train_learning_rate" validate:"gt=0"`
	TrainNumInnerEpochs            int     `mapstructure:"train_num_inner_epochs" validate:"gte=1"`
	TrainGradientAccumulationSteps int     `mapstructure:"train_gradient_accumulation_steps" validate:"gte=1"`
	TrainAdvClipMax                float64 `mapstructure:"train_adv_clip_max" validate:"gte=0"`
	TrainClipRange                 float64 `mapstructure:"train_clip_range" validate:"gt=0"`
	TrainTimestepFraction          float64 `mapstructure:"train_timestep_fraction" validate:"gt=0,lte=1"`

	PerPromptStatTracking           bool `mapstructure:"per_prompt_stat_tracking"`
	PerPromptStatTrackingBufferSize int  `mapstructure:"per_prompt_stat_tracking_buffer_size" validate:"gte=1"`
	PerPromptStatTrackingMinCount   int  `mapstructure:"per_prompt_stat_tracking_min_count" validate:"gte=1"`

	AsyncRewardComputation bool `mapstructure:"async_reward_computation"`

	// Toy pipeline dimensions for the bundled Gaussian pipeline.
	LatentDim int `mapstructure:"latent_dim" validate:"gte=1"`
}

// SoftQConfig mirrors the soft Q-learning trainer hyperparameters.
type SoftQConfig struct {
	RunName string `mapstructure:"run_name"`
	Seed    int64  `mapstructure:"seed"`
	NumSteps int   `mapstructure:"num_steps" validate:"gte=1"`

	SQLLossImpl string `mapstructure:"sql_loss_impl" validate:"oneof=v0 v1 v2 v3 v2_v2r v3_v3r v2_v2r_v3_v3r"`
	MixStrategy string `mapstructure:"mix_strategy" validate:"oneof=alternate mix"`

	TargetUpdateMethod string  `mapstructure:"target_update_method" validate:"oneof=copy polyak"`
	TargetLearningRate float64 `mapstructure:"target_learning_rate" validate:"gte=0,lte=1"`
	TargetSyncSteps    int     `mapstructure:"target_sync_steps" validate:"gte=0"`

	LearningRate float64 `mapstructure:"learning_rate" validate:"gt=0"`

	// Optional loss knobs; absent keys stay nil.
	Coefficient       *float64 `mapstructure:"coefficient"`
	MarginConstant    *float64 `mapstructure:"margin_constant"`
	MarginCoefficient *float64 `mapstructure:"margin_coefficient"`
	FreezeFutureSteps bool     `mapstructure:"freeze_future_steps"`

	RewardShaping       bool    `mapstructure:"reward_shaping"`
	RewardShapingOldMin float64 `mapstructure:"reward_shaping_old_min"`
	RewardShapingOldMax float64 `mapstructure:"reward_shaping_old_max"`
	RewardShapingNewMin float64 `mapstructure:"reward_shaping_new_min"`
	RewardShapingNewMax float64 `mapstructure:"reward_shaping_new_max"`

	// Generation truncation for the on-policy mode.
	TopK int     `mapstructure:"top_k" validate:"gte=0"`
	TopP float64 `mapstructure:"top_p" validate:"gte=0,lte=1"`

	// Toy policy dimensions for the bundled tabular policy.
	MaxSteps  int `mapstructure:"max_steps" validate:"gte=1"`
	VocabSize int `mapstructure:"vocab_size" validate:"gte=2"`
}
