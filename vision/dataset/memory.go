package dataset

import (
	"fmt"
	"math/rand"
)

// InMemoryDataset holds decoded CHW images. It is used for synthetic runs
// and tests where no image files exist.
type InMemoryDataset struct {
	images     [][]float32
	labels     []int
	classNames []string
	imageSize  int
}

// NewInMemoryDataset validates that every image has 3*size*size values and
// every label indexes classNames.
func NewInMemoryDataset(images [][]float32, labels []int, classNames []string, imageSize int) (*InMemoryDataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("%d images but %d labels", len(images), len(labels))
	}
	want := 3 * imageSize * imageSize
	for i, img := range images {
		if len(img) != want {
			return nil, fmt.Errorf("image %d has %d values, expected %d", i, len(img), want)
		}
		if labels[i] < 0 || labels[i] >= len(classNames) {
			return nil, fmt.Errorf("image %d has label %d outside [0, %d)", i, labels[i], len(classNames))
		}
	}
	return &InMemoryDataset{images: images, labels: labels, classNames: classNames, imageSize: imageSize}, nil
}

// Synthetic draws perClass images per class. Each class gets a distinct
// mean colour so the classes are separable.
func Synthetic(classNames []string, perClass, imageSize int, rng *rand.Rand) (*InMemoryDataset, error) {
	plane := imageSize * imageSize
	var images [][]float32
	var labels []int
	for c := range classNames {
		base := make([]float32, 3)
		for ch := range base {
			base[ch] = float32(rng.Float64())
		}
		for n := 0; n < perClass; n++ {
			img := make([]float32, 3*plane)
			for ch := 0; ch < 3; ch++ {
				for i := 0; i < plane; i++ {
					v := base[ch] + float32(rng.NormFloat64()*0.05)
					img[ch*plane+i] = clamp01(v)
				}
			}
			images = append(images, img)
			labels = append(labels, c)
		}
	}
	return NewInMemoryDataset(images, labels, classNames, imageSize)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (d *InMemoryDataset) Len() int { return len(d.images) }

// GetItem returns a cache key in place of a file path.
func (d *InMemoryDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.images) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return fmt.Sprintf("memory:%d", index), d.labels[index], nil
}

// Pixels returns the stored image without copying.
func (d *InMemoryDataset) Pixels(index int) ([]float32, error) {
	if index < 0 || index >= len(d.images) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return d.images[index], nil
}

func (d *InMemoryDataset) NumClasses() int      { return len(d.classNames) }
func (d *InMemoryDataset) ClassNames() []string { return d.classNames }
func (d *InMemoryDataset) ImageSize() int       { return d.imageSize }
