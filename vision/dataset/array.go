package dataset

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

// ArrayDataset holds decoded CHW images in memory
type ArrayDataset struct {
	images   [][]float32
	labels   []int
	channels int
	height   int
	width    int
}

// NewArrayDataset wraps images laid out channels×height×width
func NewArrayDataset(images [][]float32, labels []int, channels, height, width int) (*ArrayDataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("%d images but %d labels", len(images), len(labels))
	}
	size := channels * height * width
	for i, img := range images {
		if len(img) != size {
			return nil, fmt.Errorf("image %d holds %d values, expected %d", i, len(img), size)
		}
	}
	return &ArrayDataset{images: images, labels: labels, channels: channels, height: height, width: width}, nil
}

func (d *ArrayDataset) Len() int {
	return len(d.images)
}

// GetItem returns a synthetic key and the label. Keys are unique within the
// dataset so they can be used as cache keys.
func (d *ArrayDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.images) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return fmt.Sprintf("array:%p#%d", d, index), d.labels[index], nil
}

// Image returns a copy of the stored image. The processor is not used; the
// images must already have the loader's size.
func (d *ArrayDataset) Image(index int, processor *preprocessing.ImageProcessor) (*preprocessing.ProcessedImage, error) {
	if index < 0 || index >= len(d.images) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	data := make([]float32, len(d.images[index]))
	copy(data, d.images[index])
	return &preprocessing.ProcessedImage{Data: data, Width: d.width, Height: d.height, Channels: d.channels}, nil
}

// CIFAR binary layout
const (
	cifarSide   = 32
	cifarPixels = 3 * cifarSide * cifarSide
)

// LoadCIFARBinary reads the CIFAR binary format: per record labelBytes label
// bytes (1 for CIFAR-10, 2 for CIFAR-100 coarse+fine) followed by 3072 pixel
// bytes in CHW order. The last label byte is used.
func LoadCIFARBinary(r io.Reader, labelBytes int) (*ArrayDataset, error) {
	if labelBytes < 1 {
		return nil, fmt.Errorf("label bytes must be at least 1, got %d", labelBytes)
	}
	br := bufio.NewReader(r)
	record := make([]byte, labelBytes+cifarPixels)

	var images [][]float32
	var labels []int
	for {
		_, err := io.ReadFull(br, record)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CIFAR record %d: %w", len(images), err)
		}
		img := make([]float32, cifarPixels)
		for i, b := range record[labelBytes:] {
			img[i] = float32(b)
		}
		images = append(images, img)
		labels = append(labels, int(record[labelBytes-1]))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no CIFAR records found")
	}
	return NewArrayDataset(images, labels, 3, cifarSide, cifarSide)
}
