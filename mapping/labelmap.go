// Package mapping relates a frozen classifier's native classes to the
// classes of a downstream task.
package mapping

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vp/tensor"
)

// LabelMapping selects one native logit column per task class:
// task[:, i] = native[:, seq[i]].
type LabelMapping struct {
	seq       []int
	numNative int
}

// NewLabelMapping validates that seq holds distinct indices in
// [0, numNative).
func NewLabelMapping(seq []int, numNative int) (*LabelMapping, error) {
	if err := ValidateSequence(seq, numNative); err != nil {
		return nil, err
	}
	s := make([]int, len(seq))
	copy(s, seq)
	return &LabelMapping{seq: s, numNative: numNative}, nil
}

// ValidateSequence checks the invariants of a mapping sequence.
func ValidateSequence(seq []int, numNative int) error {
	if len(seq) == 0 {
		return fmt.Errorf("mapping sequence cannot be empty")
	}
	if len(seq) > numNative {
		return fmt.Errorf("mapping sequence length %d exceeds %d native classes", len(seq), numNative)
	}
	seen := make(map[int]int, len(seq))
	for i, idx := range seq {
		if idx < 0 || idx >= numNative {
			return fmt.Errorf("mapping index %d at position %d outside [0, %d)", idx, i, numNative)
		}
		if prev, dup := seen[idx]; dup {
			return fmt.Errorf("mapping index %d repeated at positions %d and %d", idx, prev, i)
		}
		seen[idx] = i
	}
	return nil
}

// Map reindexes native logits [N, C_native] into task logits [N, C_task].
// Gradients flow back to the selected native columns.
func (lm *LabelMapping) Map(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 || logits.Shape[1] != lm.numNative {
		return nil, fmt.Errorf("expected native logits [N %d], got %v", lm.numNative, logits.Shape)
	}
	return tensor.IndexSelectColumns(logits, lm.seq)
}

// Sequence returns a copy of the mapping sequence.
func (lm *LabelMapping) Sequence() []int {
	s := make([]int, len(lm.seq))
	copy(s, lm.seq)
	return s
}

func (lm *LabelMapping) NumTask() int   { return len(lm.seq) }
func (lm *LabelMapping) NumNative() int { return lm.numNative }

// RandomSequence returns the first numTask entries of a random permutation
// of [0, numNative).
func RandomSequence(rng *rand.Rand, numNative, numTask int) ([]int, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	if numTask <= 0 || numTask > numNative {
		return nil, fmt.Errorf("cannot draw %d task classes from %d native classes", numTask, numNative)
	}
	return rng.Perm(numNative)[:numTask], nil
}
