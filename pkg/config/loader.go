package config

import (
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/metric-space/trl/pkg/errors"
)

// Loader reads, validates, and optionally watches the configuration
// file. Environment variables with the TRL_ prefix override file keys:
// TRL_SOFTQ_SQL_LOSS_IMPL overrides softq.sql_loss_impl.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate

	mu      sync.RWMutex
	current *Config
}

// NewLoader creates a loader bound to the given config file path. An
// empty path loads defaults and environment overrides only.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("TRL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{v: v, validate: validator.New()}
}

// Load reads the file (if configured), applies environment overrides,
// and validates the result.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "CONFIGURATION_ERROR", "failed to read config file")
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "CONFIGURATION_ERROR", "failed to unmarshal config")
	}
	if err := l.validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "CONFIGURATION_ERROR", "config validation failed")
	}

	l.mu.Lock()
	l.current = &cfg
	l.mu.Unlock()
	return &cfg, nil
}

// Current returns the last successfully loaded configuration, or nil.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch re-loads the file on change and invokes onChange with the new
// configuration. Invalid edits are dropped and the previous
// configuration stays current.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// setDefaults registers the default values for every key so a minimal
// config file is enough to run.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "trl")

	v.SetDefault("ddpo.num_epochs", 100)
	v.SetDefault("ddpo.save_freq", 0)
	v.SetDefault("ddpo.sample_num_steps", 50)
	v.SetDefault("ddpo.sample_batch_size", 1)
	v.SetDefault("ddpo.sample_num_batches_per_epoch", 2)
	v.SetDefault("ddpo.train_batch_size", 1)
	v.SetDefault("ddpo.train_learning_rate", 3e-4)
	v.SetDefault("ddpo.train_num_inner_epochs", 1)
	v.SetDefault("ddpo.train_gradient_accumulation_steps", 1)
	v.SetDefault("ddpo.train_adv_clip_max", 5.0)
	v.SetDefault("ddpo.train_clip_range", 1e-4)
	v.SetDefault("ddpo.train_timestep_fraction", 1.0)
	v.SetDefault("ddpo.per_prompt_stat_tracking", false)
	v.SetDefault("ddpo.per_prompt_stat_tracking_buffer_size", 16)
	v.SetDefault("ddpo.per_prompt_stat_tracking_min_count", 16)
	v.SetDefault("ddpo.async_reward_computation", false)
	v.SetDefault("ddpo.latent_dim", 4)

	v.SetDefault("softq.num_steps", 1000)
	v.SetDefault("softq.sql_loss_impl", "v2_v2r_v3_v3r")
	v.SetDefault("softq.mix_strategy", "alternate")
	v.SetDefault("softq.target_update_method", "polyak")
	v.SetDefault("softq.target_learning_rate", 0.001)
	v.SetDefault("softq.target_sync_steps", 10)
	v.SetDefault("softq.learning_rate", 1e-3)
	v.SetDefault("softq.freeze_future_steps", false)
	v.SetDefault("softq.reward_shaping", false)
	v.SetDefault("softq.reward_shaping_old_min", 0)
	v.SetDefault("softq.reward_shaping_old_max", 1)
	v.SetDefault("softq.reward_shaping_new_min", -10)
	v.SetDefault("softq.reward_shaping_new_max", 10)
	v.SetDefault("softq.top_k", 0)
	v.SetDefault("softq.top_p", 1.0)
	v.SetDefault("softq.max_steps", 8)
	v.SetDefault("softq.vocab_size", 16)
}
