package dataset

import (
	"fmt"
	"sort"
)

// Configs describes a downstream task: its class names in label order and
// the in×in mask laid over the image area of the prompt (all zeros, so the
// prompt only lives in the padding).
type Configs struct {
	ClassNames []string
	ImageSize  int
	Mask       [][]float32
}

// Input resolution per supported dataset. Small natural-image benchmarks
// keep their native 32px, the rest are resized to 128px.
var imageSizes = map[string]int{
	"cifar10":      32,
	"cifar100":     32,
	"svhn":         32,
	"gtsrb":        32,
	"abide":        128,
	"dtd":          128,
	"flowers102":   128,
	"ucf101":       128,
	"food101":      128,
	"eurosat":      128,
	"oxfordpets":   128,
	"stanfordcars": 128,
	"sun397":       128,
}

// Names lists the supported dataset identifiers.
func Names() []string {
	names := make([]string, 0, len(imageSizes))
	for name := range imageSizes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImageSize returns the input resolution of a supported dataset.
func ImageSize(name string) (int, error) {
	size, ok := imageSizes[name]
	if !ok {
		return 0, fmt.Errorf("unsupported dataset %q", name)
	}
	return size, nil
}

// NewConfigs builds the task description for classNames at imageSize.
func NewConfigs(classNames []string, imageSize int) (*Configs, error) {
	if len(classNames) == 0 {
		return nil, fmt.Errorf("dataset has no classes")
	}
	if imageSize <= 0 {
		return nil, fmt.Errorf("invalid image size %d", imageSize)
	}
	mask := make([][]float32, imageSize)
	for i := range mask {
		mask[i] = make([]float32, imageSize)
	}
	return &Configs{
		ClassNames: append([]string(nil), classNames...),
		ImageSize:  imageSize,
		Mask:       mask,
	}, nil
}
