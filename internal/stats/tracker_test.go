package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateIncludesNewRewardInStatistics(t *testing.T) {
	tracker := NewPerPromptTracker(8, 2)
	tracker.UpdateOne("p", 1)
	tracker.UpdateOne("p", 2)
	tracker.UpdateOne("p", 3)

	adv := tracker.UpdateOne("p", 4)

	// The new reward joins the buffer before the stats are taken:
	// normalization is against [1, 2, 3, 4].
	mean, std := meanStd([]float64{1, 2, 3, 4})
	assert.InDelta(t, (4-mean)/(std+epsilon), adv, 1e-12)
	assert.Equal(t, 4, tracker.Len("p"))
}

func TestBatchGlobalFallbackBelowMinCount(t *testing.T) {
	tracker := NewPerPromptTracker(32, 10)

	prompts := []string{"a", "a", "b", "b"}
	rewards := []float64{1, 2, 3, 4}
	advs := tracker.Update(prompts, rewards)

	// Neither group has 10 samples yet, so every reward normalizes
	// against the whole batch.
	mean, std := meanStd(rewards)
	for i, r := range rewards {
		assert.InDelta(t, (r-mean)/(std+epsilon), advs[i], 1e-12)
	}
}

func TestPerPromptStatsOnceMinCountReached(t *testing.T) {
	tracker := NewPerPromptTracker(32, 2)

	tracker.Update([]string{"a", "b"}, []float64{0, 100})
	advs := tracker.Update([]string{"a", "b"}, []float64{2, 98})

	// Each group normalizes against its own buffer, not the batch.
	meanA, stdA := meanStd([]float64{0, 2})
	meanB, stdB := meanStd([]float64{100, 98})
	assert.InDelta(t, (2-meanA)/(stdA+epsilon), advs[0], 1e-12)
	assert.InDelta(t, (98-meanB)/(stdB+epsilon), advs[1], 1e-12)
}

func TestBufferEvictsOldestBeyondCapacity(t *testing.T) {
	tracker := NewPerPromptTracker(3, 1)
	for _, r := range []float64{10, 1, 2, 3} {
		tracker.UpdateOne("p", r)
	}

	require.Equal(t, 3, tracker.Len("p"))
	snap := tracker.Snapshot()["p"]
	assert.InDelta(t, 2, snap[0], 1e-12) // mean of [1, 2, 3]; 10 evicted
	assert.Equal(t, 3.0, snap[2])
}

func TestResetClearsHistory(t *testing.T) {
	tracker := NewPerPromptTracker(8, 1)
	tracker.UpdateOne("p", 1)
	tracker.Reset()
	assert.Equal(t, 0, tracker.Len("p"))
}

func TestMeanStdIsPopulation(t *testing.T) {
	mean, std := meanStd([]float64{1, 3})
	assert.Equal(t, 2.0, mean)
	assert.InDelta(t, 1.0, std, 1e-12) // population, not sample, std

	mean0, std0 := meanStd(nil)
	assert.True(t, mean0 == 0 && std0 == 0)
}
