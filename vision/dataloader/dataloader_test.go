package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

// fakeDataset holds n 3x side x side images; pixel p of image i is i*1000+p
type fakeDataset struct {
	n      int
	side   int
	loads  int64
	failAt int
}

func newFakeDataset(n, side int) *fakeDataset {
	return &fakeDataset{n: n, side: side, failAt: -1}
}

func (d *fakeDataset) Len() int { return d.n }

func (d *fakeDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= d.n {
		return "", 0, fmt.Errorf("index %d out of range", index)
	}
	return fmt.Sprintf("fake:%p#%d", d, index), index % 3, nil
}

func (d *fakeDataset) Image(index int, _ *preprocessing.ImageProcessor) (*preprocessing.ProcessedImage, error) {
	if index == d.failAt {
		return nil, errors.New("corrupt image")
	}
	atomic.AddInt64(&d.loads, 1)
	data := make([]float32, 3*d.side*d.side)
	for p := range data {
		data[p] = float32(index*1000 + p)
	}
	return &preprocessing.ProcessedImage{Data: data, Width: d.side, Height: d.side, Channels: 3}, nil
}

func drain(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, err := dl.Next(context.Background())
		if err == io.EOF {
			return batches
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		batches = append(batches, b)
	}
}

func order(batches []*Batch) []int {
	var idx []int
	for _, b := range batches {
		idx = append(idx, b.Index[:b.Valid()]...)
	}
	return idx
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, parts, part int
		want           []int
	}{
		{10, 1, 0, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{10, 3, 0, []int{0, 1, 2}},
		{10, 3, 1, []int{3, 4, 5}},
		{10, 3, 2, []int{6, 7, 8, 9}},
		{2, 4, 0, []int{}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d_%d", tt.n, tt.parts, tt.part), func(t *testing.T) {
			got := Partition(tt.n, tt.parts, tt.part)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Partition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDataLoaderValidates(t *testing.T) {
	ds := newFakeDataset(4, 2)
	tests := []struct {
		name   string
		config Config
	}{
		{"zero batch", Config{ImageSize: 2}},
		{"zero image size", Config{BatchSize: 2}},
		{"part out of range", Config{BatchSize: 2, ImageSize: 2, NumParts: 2, PartIndex: 2}},
		{"empty part", Config{BatchSize: 2, ImageSize: 2, NumParts: 8, PartIndex: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDataLoader(ds, tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDataLoaderBatches(t *testing.T) {
	ds := newFakeDataset(5, 2)
	dl, err := NewDataLoader(ds, Config{BatchSize: 2, ImageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if dl.Len() != 5 || dl.BatchesPerEpoch() != 3 {
		t.Errorf("Len %d, BatchesPerEpoch %d", dl.Len(), dl.BatchesPerEpoch())
	}

	batches := drain(t, dl)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	last := batches[2]
	if len(last.Labels) != 1 || last.Pad != 0 {
		t.Errorf("short last batch has %d labels and pad %d", len(last.Labels), last.Pad)
	}
	if !reflect.DeepEqual(last.Shape, []int{1, 3, 2, 2}) {
		t.Errorf("Shape = %v", last.Shape)
	}
	if !reflect.DeepEqual(order(batches), []int{0, 1, 2, 3, 4}) {
		t.Errorf("order = %v", order(batches))
	}
	if batches[1].Labels[1] != 0 { // index 3
		t.Errorf("label = %d, want 0", batches[1].Labels[1])
	}
	if cur, total := dl.Progress(); cur != 5 || total != 5 {
		t.Errorf("Progress = %d/%d", cur, total)
	}
	if _, err := dl.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF after the epoch, got %v", err)
	}
}

func TestDataLoaderRoundBatch(t *testing.T) {
	dl, err := NewDataLoader(newFakeDataset(5, 2), Config{BatchSize: 2, ImageSize: 2, RoundBatch: true})
	if err != nil {
		t.Fatal(err)
	}
	batches := drain(t, dl)
	last := batches[len(batches)-1]
	if last.Pad != 1 || last.Valid() != 1 {
		t.Fatalf("last batch pad %d valid %d", last.Pad, last.Valid())
	}
	if !reflect.DeepEqual(last.Index, []int{4, 0}) {
		t.Errorf("padded indices = %v, want [4 0]", last.Index)
	}
}

func TestDataLoaderNormalizes(t *testing.T) {
	dl, err := NewDataLoader(newFakeDataset(2, 2), Config{
		BatchSize: 2,
		ImageSize: 2,
		Mean:      [3]float32{500, 500, 500},
		Std:       [3]float32{2, 2, 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := dl.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	plane := 12
	if got := b.Data[plane]; got != 250 { // (1000-500)/2
		t.Errorf("first value of sample 1 = %f, want 250", got)
	}
	if got := b.Data[plane+4]; got != 252 { // channel 1: (1004-500)/2
		t.Errorf("channel 1 value = %f, want 252", got)
	}
}

func TestDataLoaderPartition(t *testing.T) {
	ds := newFakeDataset(10, 2)
	seen := map[int]bool{}
	for part := 0; part < 3; part++ {
		dl, err := NewDataLoader(ds, Config{BatchSize: 4, ImageSize: 2, NumParts: 3, PartIndex: part, Shuffle: true, Seed: 1})
		if err != nil {
			t.Fatal(err)
		}
		for _, idx := range order(drain(t, dl)) {
			if seen[idx] {
				t.Errorf("index %d read by two parts", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("parts covered %d samples, want 10", len(seen))
	}
}

func TestDataLoaderShuffleDeterministic(t *testing.T) {
	cfg := Config{BatchSize: 8, ImageSize: 2, Shuffle: true, Seed: 42}
	a, _ := NewDataLoader(newFakeDataset(40, 2), cfg)
	b, _ := NewDataLoader(newFakeDataset(40, 2), cfg)

	first := order(drain(t, a))
	if !reflect.DeepEqual(first, order(drain(t, b))) {
		t.Fatal("same seed produced different orders")
	}
	sorted := append([]int(nil), first...)
	sort.Ints(sorted)
	for i, v := range sorted {
		if v != i {
			t.Fatalf("shuffled epoch is not a permutation: %v", first)
		}
	}

	a.Reset()
	second := order(drain(t, a))
	if reflect.DeepEqual(first, second) {
		t.Error("a new epoch should draw a new order")
	}

	// Reset without reading stays in the same epoch
	a.Reset()
	a.Reset()
	b.Reset()
	drain(t, b)
	b.Reset()
	if !reflect.DeepEqual(order(drain(t, a)), order(drain(t, b))) {
		t.Error("idle Reset must not advance the epoch")
	}
}

func TestDataLoaderAugmentDeterministic(t *testing.T) {
	aug, err := preprocessing.NewAugmenter(preprocessing.AugPadCropFlip, 4, [3]float32{})
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{BatchSize: 3, ImageSize: 4, Augmenter: aug, Seed: 7, NumWorkers: 3}
	a, _ := NewDataLoader(newFakeDataset(3, 4), cfg)
	cfg.NumWorkers = 1
	b, _ := NewDataLoader(newFakeDataset(3, 4), cfg)

	ba, err := a.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	bb, err := b.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ba.Data, bb.Data) {
		t.Error("augmentation depends on the worker count")
	}
	if len(ba.Data) != 3*48 {
		t.Errorf("batch holds %d values, want %d", len(ba.Data), 3*48)
	}
}

func TestDataLoaderCenterCrop(t *testing.T) {
	dl, err := NewDataLoader(newFakeDataset(1, 4), Config{
		BatchSize: 1,
		ImageSize: 4,
		Augmenter: preprocessing.Augmenter{Size: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := dl.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.Shape, []int{1, 3, 2, 2}) {
		t.Fatalf("Shape = %v", b.Shape)
	}
	// rows 1-2, columns 1-2 of channel 0
	if want := []float32{5, 6, 9, 10}; !reflect.DeepEqual(b.Data[:4], want) {
		t.Errorf("center crop = %v, want %v", b.Data[:4], want)
	}
}

func TestDataLoaderCache(t *testing.T) {
	ds := newFakeDataset(6, 2)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 4, ImageSize: 2})
	drain(t, dl)
	dl.Reset()
	drain(t, dl)

	if loads := atomic.LoadInt64(&ds.loads); loads != 6 {
		t.Errorf("dataset loaded %d images, want 6", loads)
	}
	if s := dl.GetCacheManager().Stats(); s.Hits != 6 || s.Misses != 6 {
		t.Errorf("cache stats %+v", s)
	}
	if dl.Stats() == "" {
		t.Error("Stats should describe the cache")
	}

	dl.ClearCache()
	if dl.GetCacheManager().Len() != 0 {
		t.Error("ClearCache left entries in an owned cache")
	}
}

func TestDataLoaderCachedImageNotMutated(t *testing.T) {
	ds := newFakeDataset(1, 2)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 1, ImageSize: 2, Mean: [3]float32{1, 1, 1}})
	first, _ := dl.Next(context.Background())
	dl.Reset()
	second, _ := dl.Next(context.Background())
	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Error("normalization modified the cached image")
	}
}

func TestDataLoaderErrors(t *testing.T) {
	ds := newFakeDataset(4, 2)
	ds.failAt = 2
	dl, _ := NewDataLoader(ds, Config{BatchSize: 4, ImageSize: 2, NumWorkers: 2})
	if _, err := dl.Next(context.Background()); err == nil {
		t.Error("expected the image error to surface")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dl.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
