package softq

import (
	"github.com/metric-space/trl/pkg/errors"
)

// Target network synchronization methods.
const (
	SyncMethodCopy   = "copy"
	SyncMethodPolyak = "polyak"
)

// Synchronizer keeps a target network trailing the online network.
// Copy overwrites the target with the online parameters every
// syncSteps steps; polyak blends a fraction of the online parameters in
// on every step:
//
//	target = (1 - lr) * target + lr * online
//
// Updates are in place on the target's storage, outside the autograd
// graph: the target never accumulates gradients.
type Synchronizer struct {
	method    string
	lr        float64
	syncSteps int
}

// NewSynchronizer validates the method and its hyperparameters.
func NewSynchronizer(method string, targetLR float64, syncSteps int) (*Synchronizer, error) {
	switch method {
	case SyncMethodCopy:
		if syncSteps < 1 {
			return nil, errors.NewFromCodef(errors.ErrCfgInvalidOption,
				"target_sync_steps must be >= 1 for copy sync, got %d", syncSteps)
		}
	case SyncMethodPolyak:
		if targetLR <= 0 || targetLR > 1 {
			return nil, errors.NewFromCodef(errors.ErrCfgInvalidOption,
				"target_learning_rate must be in (0, 1] for polyak sync, got %g", targetLR)
		}
	default:
		return nil, errors.NewFromCodef(errors.ErrCfgUnknownSyncMethod, "%q", method)
	}
	return &Synchronizer{method: method, lr: targetLR, syncSteps: syncSteps}, nil
}

// Apply advances the target toward the online network according to the
// configured schedule and reports whether an update happened at this
// step. Steps are 1-based.
func (s *Synchronizer) Apply(step int, online, target Policy) bool {
	switch s.method {
	case SyncMethodPolyak:
		s.blend(online, target, s.lr)
		return true
	case SyncMethodCopy:
		if step%s.syncSteps == 0 {
			s.blend(online, target, 1)
			return true
		}
	}
	return false
}

// blend writes (1-alpha)*target + alpha*online into the target's
// parameters. alpha of 1 is a hard copy.
func (s *Synchronizer) blend(online, target Policy, alpha float64) {
	src := online.Parameters()
	dst := target.Parameters()
	if len(src) != len(dst) {
		panic("online and target networks have different parameter counts")
	}
	for i := range src {
		if !src[i].Shape().Equal(dst[i].Shape()) {
			panic("online and target parameter shapes differ")
		}
		from := src[i].DataPtr()
		to := dst[i].DataPtr()
		for j := range to {
			to[j] = (1-alpha)*to[j] + alpha*from[j]
		}
	}
}
