package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"
)

// ProcessedImage is a decoded image in CHW layout with raw [0, 255] values
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// ImageProcessor decodes images and resizes them to a square target size
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the square size images are resized to
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// DecodeAndPreprocess decodes a JPEG or PNG image and resizes it with nearest
// sampling. Returns data in CHW format (channels, height, width) in [0, 255].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img), nil
}

// DecodeBytes is DecodeAndPreprocess over an in-memory encoded image
func (p *ImageProcessor) DecodeBytes(encoded []byte) (*ProcessedImage, error) {
	return p.DecodeAndPreprocess(bytes.NewReader(encoded))
}

// Preprocess resizes an already decoded image
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	size := p.targetSize
	plane := size * size

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.processBuffer) < 3*plane {
		p.processBuffer = make([]float32, 3*plane)
	}
	data := p.processBuffer[:3*plane]

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)
	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*size + x
			data[idx] = float32(r >> 8)
			data[plane+idx] = float32(g >> 8)
			data[2*plane+idx] = float32(b >> 8)
		}
	}

	// the buffer is reused, hand out a copy
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: 3,
	}
}

// PreprocessBatch runs fn for every index in [0, n) on at most maxWorkers
// goroutines and returns the error of the lowest failing index
func PreprocessBatch(n int, maxWorkers int, fn func(i int) error) error {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	errors := make([]error, n)
	jobs := make(chan int, n)
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				errors[i] = fn(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errors {
		if err != nil {
			return fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return nil
}
