package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.DDPO.SampleNumSteps)
	assert.Equal(t, 1e-4, cfg.DDPO.TrainClipRange)
	assert.Equal(t, "v2_v2r_v3_v3r", cfg.SoftQ.SQLLossImpl)
	assert.Equal(t, "polyak", cfg.SoftQ.TargetUpdateMethod)
	assert.Nil(t, cfg.SoftQ.Coefficient)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
softq:
  sql_loss_impl: v2
  mix_strategy: mix
  coefficient: 0.7
ddpo:
  sample_num_steps: 10
  per_prompt_stat_tracking: true
`), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "v2", cfg.SoftQ.SQLLossImpl)
	assert.Equal(t, "mix", cfg.SoftQ.MixStrategy)
	require.NotNil(t, cfg.SoftQ.Coefficient)
	assert.Equal(t, 0.7, *cfg.SoftQ.Coefficient)
	assert.Equal(t, 10, cfg.DDPO.SampleNumSteps)
	assert.True(t, cfg.DDPO.PerPromptStatTracking)
}

func TestLoadRejectsInvalidEnums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
softq:
  sql_loss_impl: v99
`), 0o644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ddpo:
  train_timestep_fraction: 1.5
`), 0o644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRL_SOFTQ_MIX_STRATEGY", "mix")
	t.Setenv("TRL_DDPO_NUM_EPOCHS", "7")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "mix", cfg.SoftQ.MixStrategy)
	assert.Equal(t, 7, cfg.DDPO.NumEpochs)
}

func TestCurrentTracksLastLoad(t *testing.T) {
	l := NewLoader("")
	assert.Nil(t, l.Current())

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, l.Current())
}
