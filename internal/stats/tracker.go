// Package stats maintains the running reward statistics used to shape
// raw rewards into advantages, grouped by prompt.
package stats

import (
	"math"
	"sync"
)

const epsilon = 1e-6

// PerPromptTracker keeps a bounded FIFO history of raw rewards per
// prompt and normalizes new rewards against the group's running mean and
// standard deviation. The just-observed reward is inserted into the
// history before the statistics are computed, so it is included in its
// own normalization denominator. Groups are created lazily and live
// until Reset.
//
// A single training loop is the expected caller; the mutex only guards
// against accidental concurrent use.
type PerPromptTracker struct {
	bufferSize int
	minCount   int

	mu    sync.Mutex
	stats map[string][]float64
}

// NewPerPromptTracker creates a tracker with the given history capacity
// per prompt and the minimum sample count below which normalization
// falls back to batch-global statistics.
func NewPerPromptTracker(bufferSize, minCount int) *PerPromptTracker {
	return &PerPromptTracker{
		bufferSize: bufferSize,
		minCount:   minCount,
		stats:      make(map[string][]float64),
	}
}

// Update routes a batch of rewards through the tracker and returns one
// normalized advantage per input, aligned by index. Each prompt's
// rewards are appended to its history (evicting the oldest entries past
// the buffer capacity) before the group statistics are taken. Groups
// whose history is still shorter than min_count are normalized against
// the mean and std of the whole incoming batch instead, to avoid
// unstable low-sample statistics.
func (pt *PerPromptTracker) Update(prompts []string, rewards []float64) []float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	batchMean, batchStd := meanStd(rewards)
	advantages := make([]float64, len(rewards))

	for _, prompt := range uniqueInOrder(prompts) {
		var groupRewards []float64
		var indices []int
		for i, p := range prompts {
			if p == prompt {
				groupRewards = append(groupRewards, rewards[i])
				indices = append(indices, i)
			}
		}

		buf := append(pt.stats[prompt], groupRewards...)
		if overflow := len(buf) - pt.bufferSize; overflow > 0 {
			buf = buf[overflow:]
		}
		pt.stats[prompt] = buf

		mean, std := batchMean, batchStd
		if len(buf) >= pt.minCount {
			mean, std = meanStd(buf)
		}

		for k, i := range indices {
			advantages[i] = (groupRewards[k] - mean) / (std + epsilon)
		}
	}

	return advantages
}

// UpdateOne routes a single reward for one group key and returns its
// normalized advantage.
func (pt *PerPromptTracker) UpdateOne(key string, reward float64) float64 {
	return pt.Update([]string{key}, []float64{reward})[0]
}

// Len returns the current history length for a prompt.
func (pt *PerPromptTracker) Len(prompt string) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.stats[prompt])
}

// Snapshot returns the mean, std, and count per tracked prompt, for the
// metrics log.
func (pt *PerPromptTracker) Snapshot() map[string][3]float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make(map[string][3]float64, len(pt.stats))
	for prompt, buf := range pt.stats {
		mean, std := meanStd(buf)
		out[prompt] = [3]float64{mean, std, float64(len(buf))}
	}
	return out
}

// Reset clears every group's history.
func (pt *PerPromptTracker) Reset() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.stats = make(map[string][]float64)
}

// meanStd returns the mean and population standard deviation.
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

func uniqueInOrder(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	var out []string
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
