package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-vp/tensor"
	"github.com/tsawler/go-vp/vision/preprocessing"
)

// Dataset interface defines the contract for datasets. The key is a file
// path for on-disk datasets and doubles as the cache key.
type Dataset interface {
	Len() int
	GetItem(index int) (key string, label int, err error)
}

// Preloaded datasets hand out decoded CHW pixels directly and bypass the
// decoder and the cache.
type Preloaded interface {
	Dataset
	Pixels(index int) ([]float32, error)
}

// Batch is one step of input: images [N, 3, H, W] in [0, 1] and their
// task labels.
type Batch struct {
	Images *tensor.Tensor
	Labels []int32
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Seed         int64 // shuffle order
	MaxCacheSize int   // Maximum number of images to cache
	ImageSize    int
	NumWorkers   int           // Number of parallel decoders
	CacheManager *CacheManager // Optional shared cache manager
}

// DataLoader yields batches in order. Images of one batch are decoded in
// parallel, batches themselves are produced one at a time.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	indices    []int
	position   int
	numWorkers int
	rng        *rand.Rand
	mu         sync.Mutex

	cacheManager *CacheManager
	ownedCache   bool

	processor *preprocessing.ImageProcessor
	imageSize int
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, preprocessing.Channels*config.ImageSize*config.ImageSize)
		ownedCache = true
	}

	dl := &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		indices:      indices,
		numWorkers:   config.NumWorkers,
		rng:          rand.New(rand.NewSource(config.Seed)),
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
		processor:    preprocessing.NewImageProcessor(config.ImageSize),
		imageSize:    config.ImageSize,
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of samples.
func (dl *DataLoader) Len() int { return len(dl.indices) }

// NumBatches returns the number of batches per pass, the last one may be short.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds to the first batch and reshuffles when shuffling is on.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next loads the next batch. It returns io.EOF once the pass is exhausted.
// Any unreadable sample fails the batch.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, io.EOF
	}
	n := dl.batchSize
	if remaining < n {
		n = remaining
	}
	batchIndices := dl.indices[dl.position : dl.position+n]

	pixels := preprocessing.Channels * dl.imageSize * dl.imageSize
	images := make([]float32, n*pixels)
	labels := make([]int32, n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	for slot, idx := range batchIndices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, label, err := dl.load(idx)
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			if len(data) != pixels {
				return fmt.Errorf("sample %d has %d values, expected %d", idx, len(data), pixels)
			}
			copy(images[slot*pixels:(slot+1)*pixels], data)
			labels[slot] = int32(label)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t, err := tensor.NewTensor([]int{n, preprocessing.Channels, dl.imageSize, dl.imageSize}, tensor.Float32, images)
	if err != nil {
		return nil, err
	}
	dl.position += n
	return &Batch{Images: t, Labels: labels}, nil
}

func (dl *DataLoader) load(idx int) ([]float32, int, error) {
	key, label, err := dl.dataset.GetItem(idx)
	if err != nil {
		return nil, 0, err
	}
	if pre, ok := dl.dataset.(Preloaded); ok {
		data, err := pre.Pixels(idx)
		return data, label, err
	}

	if cached, ok := dl.cacheManager.Get(key); ok {
		return cached, label, nil
	}
	img, err := dl.processor.LoadFile(key)
	if err != nil {
		return nil, 0, err
	}
	dl.cacheManager.Put(key, img.Data)
	return img.Data, label, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current position in the pass.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache clears the image cache unless it is shared.
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
