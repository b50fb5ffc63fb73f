package softq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/metric-space/trl/pkg/errors"
)

func TestSynchronizerRejectsUnknownMethod(t *testing.T) {
	_, err := NewSynchronizer("momentum", 0.1, 1)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCfgUnknownSyncMethod.Code))
}

func TestSynchronizerValidatesHyperparameters(t *testing.T) {
	_, err := NewSynchronizer(SyncMethodCopy, 0, 0)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCfgInvalidOption.Code))

	_, err = NewSynchronizer(SyncMethodPolyak, 0, 1)
	require.Error(t, err)

	_, err = NewSynchronizer(SyncMethodPolyak, 1.5, 1)
	require.Error(t, err)
}

func TestCopySyncFollowsSchedule(t *testing.T) {
	online := NewTabularPolicy(2, 3, 1)
	target := online.Clone()

	// Drift the online network away from the target.
	for i, v := range online.Parameters()[0].DataPtr() {
		online.Parameters()[0].DataPtr()[i] = v + 1
	}

	sync, err := NewSynchronizer(SyncMethodCopy, 0, 2)
	require.NoError(t, err)

	assert.False(t, sync.Apply(1, online, target))
	assert.NotEqual(t, online.Parameters()[0].Data(), target.Parameters()[0].Data())

	assert.True(t, sync.Apply(2, online, target))
	assert.Equal(t, online.Parameters()[0].Data(), target.Parameters()[0].Data())
}

func TestPolyakSyncBlendsEveryStep(t *testing.T) {
	online := NewTabularPolicy(1, 2, 1)
	target := online.Clone()

	op := online.Parameters()[0].DataPtr()
	tp := target.Parameters()[0].DataPtr()
	op[0], op[1] = 1, 1
	tp[0], tp[1] = 0, 0

	sync, err := NewSynchronizer(SyncMethodPolyak, 0.5, 0)
	require.NoError(t, err)

	require.True(t, sync.Apply(1, online, target))
	assert.InDelta(t, 0.5, tp[0], 1e-12)

	require.True(t, sync.Apply(2, online, target))
	assert.InDelta(t, 0.75, tp[0], 1e-12)
}

func TestTargetCloneStaysOffTheTape(t *testing.T) {
	online := NewTabularPolicy(2, 3, 1)
	target := online.Clone()

	require.True(t, online.Parameters()[0].RequiresGrad())
	assert.False(t, target.Parameters()[0].RequiresGrad())

	// The clone owns its storage: mutating it leaves the online
	// network untouched.
	target.Parameters()[0].DataPtr()[0] = 42
	assert.NotEqual(t, 42.0, online.Parameters()[0].Data()[0])
}
