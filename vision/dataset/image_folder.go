package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Classes are indexed in
// lexical order of their directory names.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// DefaultExtensions are the image files picked up by NewImageFolderDataset.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	accept := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		accept[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		className := entry.Name()
		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", className, err)
		}
		for _, f := range files {
			if f.IsDir() || !accept[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(root, className, f.Name()))
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

// LoadSplits opens <root>/<name>/train and <root>/<name>/test. Both splits
// must list the same classes.
func LoadSplits(root, name string) (train, test *ImageFolderDataset, err error) {
	train, err = NewImageFolderDataset(filepath.Join(root, name, "train"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	test, err = NewImageFolderDataset(filepath.Join(root, name, "test"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("test split: %w", err)
	}
	if !equalNames(train.classNames, test.classNames) {
		return nil, nil, fmt.Errorf("train classes %v differ from test classes %v", train.classNames, test.classNames)
	}
	return train, test, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// Limit keeps at most n samples per class, in directory order. n <= 0
// returns the dataset unchanged.
func (d *ImageFolderDataset) Limit(n int) *ImageFolderDataset {
	if n <= 0 {
		return d
	}
	seen := make(map[int]int)
	var keep []int
	for i, label := range d.labels {
		if seen[label] < n {
			seen[label]++
			keep = append(keep, i)
		}
	}
	return d.Subset(keep)
}

func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	names := append([]string(nil), d.classNames...)
	sort.Strings(names)
	for _, className := range names {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, dist[className])
	}
	return sb.String()
}
