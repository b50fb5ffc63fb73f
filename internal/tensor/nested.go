package tensor

import (
	"github.com/metric-space/trl/pkg/errors"
)

// TensorOp transforms a tensor leaf during a nested traversal.
type TensorOp func(*Tensor) *Tensor

// NestedTensorOperation applies op to every *Tensor leaf inside a nested
// structure built from a closed set of node kinds: []interface{},
// map[string]interface{}, *Tensor, nil, bool, int, float64, and string.
// Containers are rebuilt, never mutated in place, so the result shares no
// structure with the input. Unrecognized node kinds fail fast.
func NestedTensorOperation(obj interface{}, op TensorOp) (interface{}, error) {
	switch v := obj.(type) {
	case nil:
		return nil, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := NestedTensorOperation(item, op)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			r, err := NestedTensorOperation(val, op)
			if err != nil {
				return nil, err
			}
			out[key] = r
		}
		return out, nil

	case *Tensor:
		return op(v), nil

	case bool, int, float64, string:
		return v, nil

	default:
		return nil, errors.NewFromCodef(errors.ErrValUnsupportedNode, "%T", obj)
	}
}

// NestedDetachAndClone detaches and copies every tensor inside a nested
// structure. The result carries no gradient history and shares no mutable
// storage with the source: mutating the clone cannot affect the original.
func NestedDetachAndClone(obj interface{}) (interface{}, error) {
	return NestedTensorOperation(obj, func(t *Tensor) *Tensor {
		return t.Detach()
	})
}
