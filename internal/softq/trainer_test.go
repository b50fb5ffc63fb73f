package softq

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/metric-space/trl/pkg/errors"
)

// eventSink records counter and duration events for assertions.
type eventSink struct {
	mu       sync.Mutex
	counts   map[string]int
	labels   map[string]map[string]string
	observed map[string]int
}

func newEventSink() *eventSink {
	return &eventSink{
		counts:   make(map[string]int),
		labels:   make(map[string]map[string]string),
		observed: make(map[string]int),
	}
}

func (s *eventSink) Log(step int, scalars map[string]float64) {}

func (s *eventSink) Count(name string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
	s.labels[name] = labels
}

func (s *eventSink) Observe(name string, seconds float64, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[name]++
}

func overlapReward(_, targets, predictions [][]int) ([]float64, error) {
	rewards := make([]float64, len(predictions))
	for i, pred := range predictions {
		n := len(pred)
		if len(targets[i]) < n {
			n = len(targets[i])
		}
		matches := 0
		for t := 0; t < n; t++ {
			if pred[t] == targets[i][t] {
				matches++
			}
		}
		if n > 0 {
			rewards[i] = float64(matches) / float64(n)
		}
	}
	return rewards, nil
}

func testTrainerConfig() TrainerConfig {
	return TrainerConfig{
		LossImpl:           "v2_v2r",
		MixStrategy:        MixStrategyAlternate,
		TargetUpdateMethod: SyncMethodPolyak,
		TargetLearningRate: 0.05,
		LearningRate:       0.01,
	}
}

func testBatch(rng *rand.Rand, steps, vocab int) Batch {
	batch := Batch{
		Sources:       make([][]int, 3),
		Targets:       make([][]int, 3),
		TargetLengths: make([]int, 3),
	}
	for i := range batch.Targets {
		token := 1 + rng.Intn(vocab-1)
		length := 1 + rng.Intn(steps)

		batch.Sources[i] = []int{token}
		target := make([]int, steps)
		for t := 0; t < length-1; t++ {
			target[t] = token
		}
		batch.Targets[i] = target
		batch.TargetLengths[i] = length
	}
	return batch
}

func TestNewTrainerValidatesConfiguration(t *testing.T) {
	policy := NewTabularPolicy(4, 6, 1)

	t.Run("unknown loss variant", func(t *testing.T) {
		cfg := testTrainerConfig()
		cfg.LossImpl = "v99"
		_, err := NewTrainer(cfg, policy, overlapReward, nil, nil)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCfgUnknownLossVariant.Code))
	})

	t.Run("unknown mix strategy", func(t *testing.T) {
		cfg := testTrainerConfig()
		cfg.MixStrategy = "roundrobin"
		_, err := NewTrainer(cfg, policy, overlapReward, nil, nil)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCfgUnknownMixStrategy.Code))
	})

	t.Run("unknown sync method", func(t *testing.T) {
		cfg := testTrainerConfig()
		cfg.TargetUpdateMethod = "momentum"
		_, err := NewTrainer(cfg, policy, overlapReward, nil, nil)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCfgUnknownSyncMethod.Code))
	})

	t.Run("missing reward function", func(t *testing.T) {
		_, err := NewTrainer(testTrainerConfig(), policy, nil, nil, nil)
		require.Error(t, err)
	})
}

func TestAlternateStrategySwitchesModes(t *testing.T) {
	policy := NewTabularPolicy(4, 6, 1)
	tr, err := NewTrainer(testTrainerConfig(), policy, overlapReward, nil, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))

	first, err := tr.Step(context.Background(), testBatch(rng, 4, 6))
	require.NoError(t, err)
	assert.Contains(t, first, "SQL_OFF/loss")
	assert.NotContains(t, first, "SQL_ON/loss")

	second, err := tr.Step(context.Background(), testBatch(rng, 4, 6))
	require.NoError(t, err)
	assert.Contains(t, second, "SQL_ON/loss")
	assert.NotContains(t, second, "SQL_OFF/loss")
}

func TestMixStrategyTrainsBothModesPerStep(t *testing.T) {
	policy := NewTabularPolicy(4, 6, 1)
	cfg := testTrainerConfig()
	cfg.MixStrategy = MixStrategyMix

	tr, err := NewTrainer(cfg, policy, overlapReward, nil, nil)
	require.NoError(t, err)

	scalars, err := tr.Step(context.Background(), testBatch(rand.New(rand.NewSource(3)), 4, 6))
	require.NoError(t, err)

	assert.Contains(t, scalars, "SQL_OFF/loss")
	assert.Contains(t, scalars, "SQL_ON/loss")
	assert.Contains(t, scalars, "SQL_OFF/rewards/raw")
	assert.Contains(t, scalars, "SQL_ON/rewards/shaped")
	assert.False(t, math.IsNaN(scalars["loss"]))
	assert.Equal(t, 1.0, scalars["target_synced"]) // polyak syncs every step
}

func TestCopySyncScheduleIsReportedInStepLog(t *testing.T) {
	cfg := testTrainerConfig()
	cfg.TargetUpdateMethod = SyncMethodCopy
	cfg.TargetSyncSteps = 2

	tr, err := NewTrainer(cfg, NewTabularPolicy(4, 6, 1), overlapReward, nil, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(4))
	first, err := tr.Step(context.Background(), testBatch(rng, 4, 6))
	require.NoError(t, err)
	assert.Equal(t, 0.0, first["target_synced"])

	second, err := tr.Step(context.Background(), testBatch(rng, 4, 6))
	require.NoError(t, err)
	assert.Equal(t, 1.0, second["target_synced"])
}

func TestRewardShapingRescalesRewards(t *testing.T) {
	shaping := RewardShaping{OldMin: 0, OldMax: 1, NewMin: -10, NewMax: 10}
	shaped := shaping.Apply([]float64{0, 0.5, 1})
	assert.InDelta(t, -10, shaped[0], 1e-12)
	assert.InDelta(t, 0, shaped[1], 1e-12)
	assert.InDelta(t, 10, shaped[2], 1e-12)
}

func TestStepUpdatesOnlineParameters(t *testing.T) {
	policy := NewTabularPolicy(4, 6, 1)
	before := policy.Parameters()[0].Data()

	tr, err := NewTrainer(testTrainerConfig(), policy, overlapReward, nil, nil)
	require.NoError(t, err)

	_, err = tr.Step(context.Background(), testBatch(rand.New(rand.NewSource(5)), 4, 6))
	require.NoError(t, err)

	assert.NotEqual(t, before, policy.Parameters()[0].Data())
	assert.Equal(t, 1, tr.StepCount())
}

func TestStepReportsCounterEvents(t *testing.T) {
	cfg := testTrainerConfig()
	cfg.MixStrategy = MixStrategyMix

	sink := newEventSink()
	tr, err := NewTrainer(cfg, NewTabularPolicy(4, 6, 1), overlapReward, nil, sink)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2; i++ {
		_, err := tr.Step(context.Background(), testBatch(rng, 4, 6))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, sink.counts["steps_total"])
	assert.Equal(t, 2, sink.counts["target_syncs_total"]) // polyak syncs every step
	assert.Equal(t, map[string]string{"method": SyncMethodPolyak}, sink.labels["target_syncs_total"])
	assert.Equal(t, 4, sink.counts["reward_requests_total"]) // two modes per step
}

func TestStepHonorsContextCancellation(t *testing.T) {
	tr, err := NewTrainer(testTrainerConfig(), NewTabularPolicy(4, 6, 1), overlapReward, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Step(ctx, testBatch(rand.New(rand.NewSource(6)), 4, 6))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
}

func TestAbstractEntryPointsAreNotImplemented(t *testing.T) {
	tr, err := NewTrainer(testTrainerConfig(), NewTabularPolicy(4, 6, 1), overlapReward, nil, nil)
	require.NoError(t, err)

	_, err = tr.Loss()
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotImplemented))

	err = tr.SavePretrained(t.TempDir())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotImplemented))
}

func TestGenerateTerminatesAtPadToken(t *testing.T) {
	policy := NewTabularPolicy(6, 4, 7)
	gen := policy.Generate([][]int{{1}, {2}, {3}})

	require.Len(t, gen.Actions, 3)
	for i, row := range gen.Actions {
		length := gen.Lengths[i]
		require.GreaterOrEqual(t, length, 1)
		require.LessOrEqual(t, length, 6)
		for t2 := 0; t2 < length-1; t2++ {
			assert.NotEqual(t, PadToken, row[t2])
		}
		if length < 6 {
			assert.Equal(t, PadToken, row[length-1])
		}
	}
	dims := gen.Logits.Shape().Dims()
	assert.Equal(t, []int{3, 6, 4}, dims)
}
