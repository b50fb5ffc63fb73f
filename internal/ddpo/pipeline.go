package ddpo

import (
	"context"
	"math/rand"

	"github.com/metric-space/trl/internal/tensor"
)

// Sample is one denoising trajectory: the latent at each timestep, the
// latent the policy produced from it, the scheduler timestep indices,
// and the log-probability of each transition at sampling time. Reward
// and Advantage are filled in after scoring.
type Sample struct {
	Prompt      string
	Latents     [][]float64 // [steps][dim] input latent per step
	NextLatents [][]float64 // [steps][dim] produced latent per step
	Timesteps   []int       // [steps]
	LogProbs    []float64   // [steps] log prob under the sampling policy
	Image       []float64   // final latent, handed to the reward function

	Reward    float64
	Advantage float64
}

// Pipeline is the generative model surface the trainer drives: sampling
// trajectories under the current parameters and re-scoring stored
// transitions on the tape.
type Pipeline interface {
	// Sample draws one trajectory per prompt with numSteps denoising
	// steps under the current parameters. The recorded log probs are
	// plain values, not tape nodes.
	Sample(ctx context.Context, prompts []string, numSteps int) ([]*Sample, error)

	// LogProb recomputes, on the tape, the log-probability of producing
	// next from current at the given timestep for every row. Shapes:
	// current and next are [batch][dim], the result is [batch].
	LogProb(current, next [][]float64, timesteps []int) *tensor.Tensor

	// Parameters returns the trainable parameters.
	Parameters() []*tensor.Tensor
}

// PromptFunc produces one prompt per sampled trajectory.
type PromptFunc func(rng *rand.Rand) string

// RewardFunc scores a batch of final images against their prompts.
type RewardFunc func(ctx context.Context, images [][]float64, prompts []string) ([]float64, error)

// DefaultPipeline is a Gaussian toy diffusion model: each denoising
// step t produces the next latent from N(mean[t], I) with a trainable
// per-timestep mean table. It conditions on nothing, exists to exercise
// the trainer end to end, and has a closed-form log-probability:
//
//	log p(next | t) = -0.5 * ||next - mean[t]||^2 - (dim/2) * log(2*pi)
type DefaultPipeline struct {
	numSteps int
	dim      int
	mean     *tensor.Tensor // [numSteps, dim]
	rng      *rand.Rand
}

// NewDefaultPipeline creates the toy pipeline with zero-initialized
// means.
func NewDefaultPipeline(numSteps, dim int, seed int64) *DefaultPipeline {
	return &DefaultPipeline{
		numSteps: numSteps,
		dim:      dim,
		mean:     tensor.Param(make([]float64, numSteps*dim), tensor.NewShape(numSteps, dim)),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

const logTwoPi = 1.8378770664093453

// Sample draws trajectories by ancestral sampling from the per-step
// Gaussians. The initial latent is standard normal noise.
func (p *DefaultPipeline) Sample(ctx context.Context, prompts []string, numSteps int) ([]*Sample, error) {
	if numSteps > p.numSteps {
		numSteps = p.numSteps
	}
	mean := p.mean.Data()

	samples := make([]*Sample, len(prompts))
	for i, prompt := range prompts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		s := &Sample{
			Prompt:      prompt,
			Latents:     make([][]float64, numSteps),
			NextLatents: make([][]float64, numSteps),
			Timesteps:   make([]int, numSteps),
			LogProbs:    make([]float64, numSteps),
		}

		current := make([]float64, p.dim)
		for d := range current {
			current[d] = p.rng.NormFloat64()
		}
		for t := 0; t < numSteps; t++ {
			next := make([]float64, p.dim)
			logp := -0.5 * float64(p.dim) * logTwoPi
			for d := 0; d < p.dim; d++ {
				m := mean[t*p.dim+d]
				next[d] = m + p.rng.NormFloat64()
				diff := next[d] - m
				logp -= 0.5 * diff * diff
			}

			s.Latents[t] = current
			s.NextLatents[t] = next
			s.Timesteps[t] = t
			s.LogProbs[t] = logp
			current = next
		}
		s.Image = current
		samples[i] = s
	}
	return samples, nil
}

// LogProb scores stored transitions under the current means, on the
// tape: gradients flow into the mean table.
func (p *DefaultPipeline) LogProb(current, next [][]float64, timesteps []int) *tensor.Tensor {
	batch := len(next)
	flat := make([]float64, batch*p.dim)
	for i, row := range next {
		copy(flat[i*p.dim:(i+1)*p.dim], row)
	}
	nextT := tensor.FromSlice(flat, tensor.NewShape(batch, p.dim))

	means := tensor.GatherRows(p.mean, timesteps)
	sq := tensor.SumLastDim(tensor.Square(tensor.Sub(nextT, means)))
	return tensor.AddScalar(tensor.Scale(sq, -0.5), -0.5*float64(p.dim)*logTwoPi)
}

// Parameters returns the trainable mean table.
func (p *DefaultPipeline) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{p.mean}
}
