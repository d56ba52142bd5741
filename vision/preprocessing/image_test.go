package preprocessing

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"sync/atomic"
	"testing"
)

// createPNG encodes a width×height image whose pixel (x, y) is (x, y, 7)
func createPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 7, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeAndPreprocess(t *testing.T) {
	processor := NewImageProcessor(4)
	out, err := processor.DecodeBytes(createPNG(t, 8, 8))
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	if out.Width != 4 || out.Height != 4 || out.Channels != 3 || len(out.Data) != 48 {
		t.Fatalf("unexpected output %dx%dx%d with %d values", out.Channels, out.Height, out.Width, len(out.Data))
	}
	// nearest sampling picks every second source pixel
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			idx := y*4 + x
			if out.Data[idx] != float32(2*x) || out.Data[16+idx] != float32(2*y) || out.Data[32+idx] != 7 {
				t.Fatalf("pixel (%d,%d) = %v %v %v", x, y, out.Data[idx], out.Data[16+idx], out.Data[32+idx])
			}
		}
	}

	// results must not alias the reused buffer
	again, _ := processor.DecodeBytes(createPNG(t, 4, 4))
	if out.Data[1] != 2 || again.Data[1] != 1 {
		t.Errorf("outputs share storage: %v %v", out.Data[1], again.Data[1])
	}
}

func TestDecodeJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	out, err := NewImageProcessor(5).DecodeAndPreprocess(&buf)
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}
	if len(out.Data) != 75 {
		t.Errorf("got %d values, want 75", len(out.Data))
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := NewImageProcessor(4).DecodeBytes([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestPreprocessBatch(t *testing.T) {
	var calls int32
	out := make([]int, 100)
	err := PreprocessBatch(len(out), 8, func(i int) error {
		atomic.AddInt32(&calls, 1)
		out[i] = i * i
		return nil
	})
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	if calls != 100 {
		t.Errorf("fn called %d times, want 100", calls)
	}
	for i, v := range out {
		if v != i*i {
			t.Fatalf("out[%d] = %d", i, v)
		}
	}

	boom := errors.New("boom")
	err = PreprocessBatch(10, 3, func(i int) error {
		if i == 4 || i == 7 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestNewAugmenter(t *testing.T) {
	mean := [3]float32{125.3, 122.96, 113.86}
	tests := []struct {
		augType  int
		expected Augmenter
	}{
		{AugNone, Augmenter{Size: 32}},
		{AugPadCropFlip, Augmenter{Size: 32, Pad: 4, RandCrop: true, RandMirror: true, Fill: [3]float32{125, 123, 114}}},
		{AugCropFlip, Augmenter{Size: 32, RandCrop: true, RandMirror: true}},
	}
	for _, tt := range tests {
		got, err := NewAugmenter(tt.augType, 32, mean)
		if err != nil {
			t.Fatalf("NewAugmenter(%d) failed: %v", tt.augType, err)
		}
		if got != tt.expected {
			t.Errorf("NewAugmenter(%d) = %+v, want %+v", tt.augType, got, tt.expected)
		}
	}
	if _, err := NewAugmenter(3, 32, mean); err == nil {
		t.Error("expected error for unknown aug type")
	}
}

func sequence(channels, h, w int) []float32 {
	data := make([]float32, channels*h*w)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

func TestAugmenterCenterCrop(t *testing.T) {
	a := Augmenter{Size: 2}
	out, err := a.Apply(sequence(1, 4, 4), 1, 4, 4, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	expected := []float32{5, 6, 9, 10}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("center crop = %v, want %v", out, expected)
		}
	}
}

func TestAugmenterPaddingUsesFill(t *testing.T) {
	a := Augmenter{Size: 4, Pad: 1, Fill: [3]float32{9, 8, 7}}
	// padded 4x4 from a 2x2 image: centered crop covers the whole padded image
	out, err := a.Apply(sequence(3, 2, 2), 3, 2, 2, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for c := 0; c < 3; c++ {
		plane := out[c*16 : (c+1)*16]
		if plane[0] != a.Fill[c] || plane[15] != a.Fill[c] {
			t.Errorf("channel %d border = %v, want fill %v", c, plane, a.Fill[c])
		}
		if plane[5] != float32(c*4) || plane[10] != float32(c*4+3) {
			t.Errorf("channel %d interior = %v", c, plane)
		}
	}
}

func TestAugmenterRandomDeterministic(t *testing.T) {
	a, _ := NewAugmenter(AugPadCropFlip, 8, [3]float32{1, 2, 3})
	src := sequence(3, 8, 8)

	first, err := a.Apply(src, 3, 8, 8, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	second, _ := a.Apply(src, 3, 8, 8, rand.New(rand.NewSource(11)))
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("same seed produced different crops")
		}
	}

	mirrored := false
	for seed := int64(0); seed < 20 && !mirrored; seed++ {
		out, _ := (Augmenter{Size: 8, RandMirror: true}).Apply(src, 3, 8, 8, rand.New(rand.NewSource(seed)))
		mirrored = out[0] == 7 && out[7] == 0
	}
	if !mirrored {
		t.Error("no seed in 0..19 produced a mirrored image")
	}

	if _, err := a.Apply(src, 3, 8, 8, nil); err == nil {
		t.Error("expected error for random augmentation without rng")
	}
	if _, err := (Augmenter{Size: 10}).Apply(src, 3, 8, 8, nil); err == nil {
		t.Error("expected error cropping beyond the image")
	}
}

func TestNormalize(t *testing.T) {
	data := []float32{10, 20, 30, 40, 50, 60}
	if err := Normalize(data, 3, [3]float32{10, 30, 0}, [3]float32{10, 5, 0}); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	expected := []float32{0, 1, 0, 2, 50, 60}
	for i := range expected {
		if data[i] != expected[i] {
			t.Fatalf("Normalize = %v, want %v", data, expected)
		}
	}
	if err := Normalize(make([]float32, 5), 3, [3]float32{}, [3]float32{}); err == nil {
		t.Error("expected error for uneven channels")
	}
}
