package dataloader

import (
	"fmt"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

// NewTrainValLoaders creates a training and a validation loader that share one
// image cache. The validation loader reads in order, never pads its last
// batch and only center crops when the augmenter changes the image size.
func NewTrainValLoaders(train, val Dataset, config Config) (*DataLoader, *DataLoader, error) {
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = train.Len() + val.Len()
	}
	shared := config.CacheManager
	if shared == nil {
		shared = NewCacheManager(cacheSize, 3*config.ImageSize*config.ImageSize)
	}

	trainConfig := config
	trainConfig.CacheManager = shared
	trainLoader, err := NewDataLoader(train, trainConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}

	valConfig := config
	valConfig.CacheManager = shared
	valConfig.Shuffle = false
	valConfig.RoundBatch = false
	valConfig.Augmenter = preprocessing.Augmenter{Size: config.Augmenter.Size}
	if valConfig.Augmenter.Size == config.ImageSize {
		valConfig.Augmenter.Size = 0
	}
	valLoader, err := NewDataLoader(val, valConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("val loader: %w", err)
	}
	return trainLoader, valLoader, nil
}
