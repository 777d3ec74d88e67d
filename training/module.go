package training

import (
	"math/rand"

	"github.com/tsawler/go-vp/tensor"
)

// Module interface defines methods that all trainable components must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Random streams of one run. Each consumer draws from its own source so
// that, for example, changing the shuffle order leaves the mapping alone.
const (
	StreamPrompt = iota + 1
	StreamMapping
	StreamShuffle
)

// NewRNG returns the deterministic source for stream under seed.
func NewRNG(seed int64, stream int) *rand.Rand {
	return rand.New(rand.NewSource(seed*1000003 + int64(stream)))
}
