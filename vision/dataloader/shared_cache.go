package dataloader

import (
	"fmt"

	"github.com/tsawler/go-vp/vision/preprocessing"
)

// CreateSharedDataLoaders creates train and test loaders over one cache.
// The train loader shuffles, the test loader keeps dataset order.
func CreateSharedDataLoaders(trainDataset, testDataset Dataset, config Config) (train, test *DataLoader, err error) {
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + testDataset.Len()
	}
	shared := NewCacheManager(cacheSize, preprocessing.Channels*config.ImageSize*config.ImageSize)

	trainConfig := config
	trainConfig.CacheManager = shared
	trainConfig.Shuffle = true
	train, err = NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}

	testConfig := config
	testConfig.CacheManager = shared
	testConfig.Shuffle = false
	test, err = NewDataLoader(testDataset, testConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("test loader: %w", err)
	}
	return train, test, nil
}
