package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	// GetItem returns the item's path (or another unique cache key) and label
	GetItem(index int) (imagePath string, label int, err error)
}

// InMemoryDataset is implemented by datasets that hold their images
// themselves. The loader calls Image instead of opening the item path.
type InMemoryDataset interface {
	Dataset
	Image(index int, processor *preprocessing.ImageProcessor) (*preprocessing.ProcessedImage, error)
}

// Batch is one batch of normalized images and their labels
type Batch struct {
	Data   []float32 // NCHW
	Labels []int
	Shape  []int // [N, C, H, W]
	Index  []int // dataset index of every sample
	Pad    int   // trailing samples repeated from the start of the partition
}

// Valid returns the number of samples that are not padding
func (b *Batch) Valid() int {
	return len(b.Labels) - b.Pad
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	ImageSize int // square size images are decoded to

	// NumParts splits the dataset into contiguous parts; the loader only
	// reads part PartIndex. Distributed workers pass their count and rank.
	NumParts  int
	PartIndex int

	Shuffle bool
	Seed    int64

	Augmenter preprocessing.Augmenter // Size 0 means no crop
	Mean      [3]float32
	Std       [3]float32

	// RoundBatch fills the last batch by wrapping around to the start of the
	// partition and reports the filler in Batch.Pad. Without it the last
	// batch is short.
	RoundBatch bool

	MaxCacheSize int // decoded images to keep, default 1000
	NumWorkers   int // parallel preprocessing workers

	CacheManager *CacheManager // Optional shared cache manager
}

// DataLoader iterates over one partition of a dataset in batches
type DataLoader struct {
	dataset Dataset
	config  Config
	indices []int
	order   []int
	epoch   int

	mu       sync.Mutex
	position int

	// Cache manager - can be shared between DataLoaders
	cacheManager *CacheManager
	ownedCache   bool

	processor *preprocessing.ImageProcessor
	outSize   int
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.NumParts <= 0 {
		config.NumParts = 1
	}
	if config.PartIndex < 0 || config.PartIndex >= config.NumParts {
		return nil, fmt.Errorf("part index %d out of range for %d parts", config.PartIndex, config.NumParts)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	indices := Partition(dataset.Len(), config.NumParts, config.PartIndex)
	if len(indices) == 0 {
		return nil, fmt.Errorf("part %d of %d is empty for %d samples", config.PartIndex, config.NumParts, dataset.Len())
	}

	outSize := config.ImageSize
	if config.Augmenter.Size > 0 {
		outSize = config.Augmenter.Size
	}

	cacheManager, ownedCache := config.CacheManager, false
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, 3*config.ImageSize*config.ImageSize)
		ownedCache = true
	}

	dl := &DataLoader{
		dataset:      dataset,
		config:       config,
		indices:      indices,
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
		processor:    preprocessing.NewImageProcessor(config.ImageSize),
		outSize:      outSize,
	}
	dl.shuffle()
	return dl, nil
}

// Partition returns the contiguous index range of part among numParts
func Partition(n, numParts, part int) []int {
	begin := n * part / numParts
	end := n * (part + 1) / numParts
	indices := make([]int, end-begin)
	for i := range indices {
		indices[i] = begin + i
	}
	return indices
}

func (dl *DataLoader) shuffle() {
	dl.order = append(dl.order[:0], dl.indices...)
	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + int64(dl.epoch)))
		rng.Shuffle(len(dl.order), func(i, j int) {
			dl.order[i], dl.order[j] = dl.order[j], dl.order[i]
		})
	}
}

// Reset rewinds to the start of the partition. A shuffling loader draws a new
// order for every epoch.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.position > 0 {
		dl.epoch++
	}
	dl.position = 0
	dl.shuffle()
}

// Next loads the next batch. It returns io.EOF when the partition is done.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dl.mu.Lock()
	remaining := len(dl.order) - dl.position
	if remaining <= 0 {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	size := dl.config.BatchSize
	pad := 0
	if remaining < size {
		if dl.config.RoundBatch {
			pad = size - remaining
		} else {
			size = remaining
		}
	}
	indices := make([]int, size)
	for i := range indices {
		indices[i] = dl.order[(dl.position+i)%len(dl.order)]
	}
	dl.position += size - pad
	epoch := dl.epoch
	dl.mu.Unlock()

	return dl.load(ctx, indices, pad, epoch)
}

func (dl *DataLoader) load(ctx context.Context, indices []int, pad, epoch int) (*Batch, error) {
	plane := 3 * dl.outSize * dl.outSize
	batch := &Batch{
		Data:   make([]float32, len(indices)*plane),
		Labels: make([]int, len(indices)),
		Shape:  []int{len(indices), 3, dl.outSize, dl.outSize},
		Index:  indices,
		Pad:    pad,
	}

	err := preprocessing.PreprocessBatch(len(indices), dl.config.NumWorkers, func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, label, err := dl.dataset.GetItem(indices[i])
		if err != nil {
			return err
		}
		img, err := dl.loadImageWithCache(key, indices[i])
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", key, err)
		}

		data := img.Data
		if dl.config.Augmenter.Size > 0 {
			var rng *rand.Rand
			if dl.config.Augmenter.Random() {
				rng = rand.New(rand.NewSource(sampleSeed(dl.config.Seed, epoch, indices[i])))
			}
			data, err = dl.config.Augmenter.Apply(img.Data, img.Channels, img.Height, img.Width, rng)
			if err != nil {
				return err
			}
		} else {
			data = append([]float32(nil), data...)
		}
		if len(data) != plane {
			return fmt.Errorf("%s has %d values after preprocessing, batch expects %d", key, len(data), plane)
		}
		if err := preprocessing.Normalize(data, 3, dl.config.Mean, dl.config.Std); err != nil {
			return err
		}

		copy(batch.Data[i*plane:(i+1)*plane], data)
		batch.Labels[i] = label
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// sampleSeed makes augmentation depend on the sample and epoch only, not on
// which worker processes it
func sampleSeed(seed int64, epoch, index int) int64 {
	return seed*1000003 + int64(epoch)*7919 + int64(index)
}

// loadImageWithCache returns the decoded, unaugmented image of an item
func (dl *DataLoader) loadImageWithCache(key string, index int) (*preprocessing.ProcessedImage, error) {
	if cached, exists := dl.cacheManager.Get(key); exists {
		return cached, nil
	}

	var (
		img *preprocessing.ProcessedImage
		err error
	)
	if mem, ok := dl.dataset.(InMemoryDataset); ok {
		img, err = mem.Image(index, dl.processor)
	} else {
		img, err = dl.decodeFile(key)
	}
	if err != nil {
		return nil, err
	}

	dl.cacheManager.Put(key, img)
	return img, nil
}

func (dl *DataLoader) decodeFile(path string) (*preprocessing.ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return dl.processor.DecodeAndPreprocess(file)
}

// Len returns the number of samples in this loader's partition
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// BatchesPerEpoch returns the number of Next calls before io.EOF
func (dl *DataLoader) BatchesPerEpoch() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the partition
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.order)
}

// ClearCache clears the image cache unless it is shared
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
