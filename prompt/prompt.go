// Package prompt implements the expansive visual prompt: a trainable
// frame drawn around a down-sized input image before it reaches a frozen
// classifier.
package prompt

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vp/tensor"
)

// ErrInputShape is returned when an image batch does not match the prompt's
// input resolution.
var ErrInputShape = errors.New("input batch shape does not match prompt")

// Channels is fixed to RGB.
const Channels = 3

type Init int

const (
	InitZero Init = iota
	InitRandN
)

func (i Init) String() string {
	switch i {
	case InitZero:
		return "zero"
	case InitRandN:
		return "randn"
	default:
		return "unknown"
	}
}

func ParseInit(s string) (Init, error) {
	switch s {
	case "", "zero":
		return InitZero, nil
	case "randn":
		return InitRandN, nil
	default:
		return 0, fmt.Errorf("unsupported prompt init %q", s)
	}
}

// Normalize holds per-channel statistics applied after the prompt.
type Normalize struct {
	Mean [Channels]float32
	Std  [Channels]float32
}

// ImageNetNormalize is the normalization of ImageNet-pretrained backbones.
var ImageNetNormalize = Normalize{
	Mean: [Channels]float32{0.485, 0.456, 0.406},
	Std:  [Channels]float32{0.229, 0.224, 0.225},
}

// ExpansiveVisualPrompt zero-pads an in×in image to out×out and adds
// sigmoid(program) wherever the padded mask is one.
type ExpansiveVisualPrompt struct {
	program    *tensor.Tensor
	maskPadded *tensor.Tensor
	normalize  *Normalize

	inSize, outSize int
	lPad, rPad      int
	training        bool
}

// New builds a prompt for out×out outputs. mask is an in×in grid whose
// entries are one where the prompt may overwrite the image; the region
// added by padding is always writable. rng is used only for InitRandN.
func New(outSize int, mask [][]float32, normalize *Normalize, init Init, rng *rand.Rand) (*ExpansiveVisualPrompt, error) {
	inSize := len(mask)
	if inSize == 0 {
		return nil, fmt.Errorf("mask cannot be empty")
	}
	if outSize < inSize {
		return nil, fmt.Errorf("output size %d smaller than input size %d", outSize, inSize)
	}
	flat := make([]float32, 0, inSize*inSize)
	for i, row := range mask {
		if len(row) != inSize {
			return nil, fmt.Errorf("mask must be square: row %d has %d entries, expected %d", i, len(row), inSize)
		}
		flat = append(flat, row...)
	}

	lPad := (outSize - inSize + 1) / 2
	rPad := (outSize - inSize) / 2

	maskT, err := tensor.NewTensor([]int{1, inSize, inSize}, tensor.Float32, flat)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask tensor: %v", err)
	}
	padded, err := tensor.Pad2D(maskT, lPad, rPad, lPad, rPad, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to pad mask: %v", err)
	}
	// Broadcast the single-plane mask to every channel.
	channels := make([]float32, 0, Channels*outSize*outSize)
	for c := 0; c < Channels; c++ {
		channels = append(channels, padded.Data.([]float32)...)
	}
	maskPadded, err := tensor.NewTensor([]int{Channels, outSize, outSize}, tensor.Float32, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create padded mask: %v", err)
	}

	var program *tensor.Tensor
	switch init {
	case InitZero:
		program, err = tensor.Zeros([]int{Channels, outSize, outSize}, tensor.Float32)
	case InitRandN:
		program, err = tensor.RandN([]int{Channels, outSize, outSize}, rng)
	default:
		err = fmt.Errorf("unsupported prompt init %d", init)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %v", err)
	}
	program.SetRequiresGrad(true)

	return &ExpansiveVisualPrompt{
		program:    program,
		maskPadded: maskPadded,
		normalize:  normalize,
		inSize:     inSize,
		outSize:    outSize,
		lPad:       lPad,
		rPad:       rPad,
		training:   true,
	}, nil
}

func (p *ExpansiveVisualPrompt) InputSize() int  { return p.inSize }
func (p *ExpansiveVisualPrompt) OutputSize() int { return p.outSize }

// Apply maps x [N, 3, in, in] in [0, 1] to [N, 3, out, out].
func (p *ExpansiveVisualPrompt) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != Channels || x.Shape[2] != p.inSize || x.Shape[3] != p.inSize {
		return nil, fmt.Errorf("%w: expected [N %d %d %d], got %v", ErrInputShape, Channels, p.inSize, p.inSize, x.Shape)
	}
	if x.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: expected Float32 images, got %s", ErrInputShape, x.DType)
	}

	padded, err := tensor.Pad2D(x, p.lPad, p.rPad, p.lPad, p.rPad, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to pad input: %v", err)
	}
	frame, err := tensor.Sigmoid(p.program)
	if err != nil {
		return nil, fmt.Errorf("failed to activate program: %v", err)
	}
	frame, err = tensor.Mul(frame, p.maskPadded)
	if err != nil {
		return nil, fmt.Errorf("failed to mask program: %v", err)
	}
	out, err := tensor.Add(padded, frame)
	if err != nil {
		return nil, fmt.Errorf("failed to add program: %v", err)
	}
	if p.normalize != nil {
		out, err = tensor.ChannelNormalize(out, p.normalize.Mean[:], p.normalize.Std[:])
		if err != nil {
			return nil, fmt.Errorf("failed to normalize: %v", err)
		}
	}
	return out, nil
}

// Forward is Apply under the module contract.
func (p *ExpansiveVisualPrompt) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return p.Apply(x)
}

func (p *ExpansiveVisualPrompt) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{p.program}
}

func (p *ExpansiveVisualPrompt) Train()           { p.training = true }
func (p *ExpansiveVisualPrompt) Eval()            { p.training = false }
func (p *ExpansiveVisualPrompt) IsTraining() bool { return p.training }

// Program returns the trainable tensor.
func (p *ExpansiveVisualPrompt) Program() *tensor.Tensor { return p.program }
