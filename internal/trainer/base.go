// Package trainer defines the surface shared by the concrete trainers
// and the default implementations they embed.
package trainer

import (
	"github.com/metric-space/trl/pkg/errors"
)

// Base provides the abstract entry points every trainer embeds. Methods
// that only make sense on a concrete trainer fail with a structured
// NOT_IMPLEMENTED error until the embedding type overrides them.
type Base struct {
	name string
}

// NewBase tags the base with the concrete trainer's name so the error
// messages identify which trainer was reached abstractly.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name returns the trainer name.
func (b Base) Name() string { return b.name }

// Loss is abstract: each trainer defines its own objective.
func (b Base) Loss() (float64, error) {
	return 0, errors.NotImplementedError(b.name + ".Loss")
}

// SavePretrained is abstract: checkpoint formats are model-specific and
// none of the bundled policies define one.
func (b Base) SavePretrained(dir string) error {
	return errors.NotImplementedError(b.name + ".SavePretrained")
}
