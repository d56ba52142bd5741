package preprocessing

import (
	"fmt"
	"math"
	"math/rand"
)

// Augmentation presets selected by the aug type option
const (
	AugNone        = 0 // resize only
	AugPadCropFlip = 1 // pad 4, random crop, random mirror
	AugCropFlip    = 2 // random crop, random mirror
)

// Augmenter crops a CHW image to Size×Size, optionally after zero-centered
// padding and with a random horizontal flip. Padding is filled per channel
// with Fill.
type Augmenter struct {
	Size       int
	Pad        int
	RandCrop   bool
	RandMirror bool
	Fill       [3]float32
}

// NewAugmenter returns the preset for augType. Padding is filled with the
// dataset mean rounded to whole pixel values, so it normalizes to about zero.
func NewAugmenter(augType, size int, mean [3]float32) (Augmenter, error) {
	if size <= 0 {
		return Augmenter{}, fmt.Errorf("crop size must be positive, got %d", size)
	}
	a := Augmenter{Size: size}
	switch augType {
	case AugNone:
	case AugPadCropFlip:
		a.Pad = 4
		a.RandCrop = true
		a.RandMirror = true
		for c := range mean {
			a.Fill[c] = float32(math.Round(float64(mean[c])))
		}
	case AugCropFlip:
		a.RandCrop = true
		a.RandMirror = true
	default:
		return Augmenter{}, fmt.Errorf("unknown aug type %d", augType)
	}
	return a, nil
}

// Random reports whether Apply draws from its rng
func (a Augmenter) Random() bool {
	return a.RandCrop || a.RandMirror
}

// Apply returns the augmented Size×Size copy of src. rng may be nil when the
// augmenter is not random; the crop is then centered.
func (a Augmenter) Apply(src []float32, channels, height, width int, rng *rand.Rand) ([]float32, error) {
	if len(src) != channels*height*width {
		return nil, fmt.Errorf("image holds %d values, expected %dx%dx%d", len(src), channels, height, width)
	}
	ph, pw := height+2*a.Pad, width+2*a.Pad
	if ph < a.Size || pw < a.Size {
		return nil, fmt.Errorf("cannot crop %dx%d from padded %dx%d image", a.Size, a.Size, ph, pw)
	}
	if a.Random() && rng == nil {
		return nil, fmt.Errorf("random augmentation needs a random source")
	}

	y0, x0 := (ph-a.Size)/2, (pw-a.Size)/2
	if a.RandCrop {
		y0 = rng.Intn(ph - a.Size + 1)
		x0 = rng.Intn(pw - a.Size + 1)
	}
	mirror := a.RandMirror && rng.Intn(2) == 1

	size := a.Size
	out := make([]float32, channels*size*size)
	for c := 0; c < channels; c++ {
		var fill float32
		if c < len(a.Fill) {
			fill = a.Fill[c]
		}
		for y := 0; y < size; y++ {
			sy := y0 + y - a.Pad
			for x := 0; x < size; x++ {
				cx := x
				if mirror {
					cx = size - 1 - x
				}
				sx := x0 + cx - a.Pad
				v := fill
				if sy >= 0 && sy < height && sx >= 0 && sx < width {
					v = src[(c*height+sy)*width+sx]
				}
				out[(c*size+y)*size+x] = v
			}
		}
	}
	return out, nil
}

// Normalize subtracts mean and divides by std per channel, in place. A zero
// std leaves the channel unscaled.
func Normalize(data []float32, channels int, mean, std [3]float32) error {
	if channels <= 0 || len(data)%channels != 0 {
		return fmt.Errorf("cannot split %d values into %d channels", len(data), channels)
	}
	plane := len(data) / channels
	for c := 0; c < channels; c++ {
		var m float32
		s := float32(1)
		if c < 3 {
			m = mean[c]
			if std[c] != 0 {
				s = std[c]
			}
		}
		for i := c * plane; i < (c+1)*plane; i++ {
			data[i] = (data[i] - m) / s
		}
	}
	return nil
}
