package dataset

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

func TestRecordRoundTrip(t *testing.T) {
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], recordMagic)

	records := [][]byte{
		[]byte("abc"),
		{},
		append(append([]byte("abcd"), magic[:]...), []byte("efgh")...),                    // split once
		append(append(append([]byte{}, magic[:]...), magic[:]...), []byte("tail-bytes")...), // split twice at the start
		append([]byte("xy"), magic[:]...), // unaligned, not split
	}

	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if buf.Len()%4 != 0 {
		t.Errorf("stream length %d is not 4-byte aligned", buf.Len())
	}

	r := NewRecordReader(&buf)
	for i, want := range records {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next(%d) failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d = %q, want %q", i, got, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestRecordReaderErrors(t *testing.T) {
	if _, err := NewRecordReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})).Next(); err == nil {
		t.Error("expected bad magic error")
	}

	var buf bytes.Buffer
	if err := NewRecordWriter(&buf).Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]
	if _, err := NewRecordReader(bytes.NewReader(truncated)).Next(); err == nil {
		t.Error("expected truncated payload error")
	}
}

func TestImageHeader(t *testing.T) {
	h := ImageHeader{Label: 7, ID: 42, ID2: 3}
	got, body, err := UnpackImage(PackImage(h, []byte("jpeg")))
	if err != nil {
		t.Fatalf("UnpackImage failed: %v", err)
	}
	if got != h || string(body) != "jpeg" {
		t.Errorf("UnpackImage = %+v %q", got, body)
	}

	// multi-label record: flag 2, two extra labels, first one wins
	rec := make([]byte, imageHdrSize+8)
	binary.LittleEndian.PutUint32(rec[0:], 2)
	binary.LittleEndian.PutUint32(rec[imageHdrSize:], 0x40400000) // 3.0
	rec = append(rec, []byte("img")...)
	got, body, err = UnpackImage(rec)
	if err != nil {
		t.Fatalf("UnpackImage failed: %v", err)
	}
	if got.Label != 3 || string(body) != "img" {
		t.Errorf("multi-label header = %+v %q", got, body)
	}

	if _, _, err := UnpackImage([]byte("short")); err == nil {
		t.Error("expected short record error")
	}
}

func encodePNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{shade, shade, shade, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRecordIODataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.rec")
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	for i := 0; i < 3; i++ {
		rec := PackImage(ImageHeader{Label: float32(i), ID: uint64(i)}, encodePNG(t, uint8(10*i)))
		if err := w.Write(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := OpenRecordIO(path)
	if err != nil {
		t.Fatalf("OpenRecordIO failed: %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ds.Len())
	}
	key0, label, err := ds.GetItem(2)
	if err != nil || label != 2 {
		t.Errorf("GetItem(2) = %s %d %v", key0, label, err)
	}
	key1, _, _ := ds.GetItem(1)
	if key0 == key1 {
		t.Error("item keys must be unique")
	}
	if ds.Header(2).ID != 2 {
		t.Errorf("Header(2) = %+v", ds.Header(2))
	}

	img, err := ds.Image(2, preprocessing.NewImageProcessor(2))
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	if len(img.Data) != 12 || img.Data[0] != 20 {
		t.Errorf("decoded image = %v", img.Data)
	}

	if _, err := ReadRecordIO(bytes.NewReader(nil)); err == nil {
		t.Error("expected error for an empty stream")
	}
}

func TestLoadCIFARBinary(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 2; i++ {
		buf.WriteByte(5)         // coarse label
		buf.WriteByte(byte(i+1)) // fine label
		px := make([]byte, cifarPixels)
		px[0] = byte(100 + i)
		buf.Write(px)
	}

	ds, err := LoadCIFARBinary(&buf, 2)
	if err != nil {
		t.Fatalf("LoadCIFARBinary failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len = %d, want 2", ds.Len())
	}
	_, label, _ := ds.GetItem(1)
	if label != 2 {
		t.Errorf("label = %d, want the fine label 2", label)
	}
	img, err := ds.Image(1, nil)
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	if img.Data[0] != 101 || img.Width != 32 || img.Channels != 3 {
		t.Errorf("image = %v... %dx%d", img.Data[:2], img.Width, img.Channels)
	}
	img.Data[0] = 0
	again, _ := ds.Image(1, nil)
	if again.Data[0] != 101 {
		t.Error("Image must return a copy")
	}

	if _, err := LoadCIFARBinary(bytes.NewReader(make([]byte, 10)), 1); err == nil {
		t.Error("expected error for a truncated record")
	}
}

func TestNewArrayDatasetValidates(t *testing.T) {
	if _, err := NewArrayDataset([][]float32{make([]float32, 3)}, []int{0, 1}, 1, 1, 3); err == nil {
		t.Error("expected label count error")
	}
	if _, err := NewArrayDataset([][]float32{make([]float32, 2)}, []int{0}, 1, 1, 3); err == nil {
		t.Error("expected image size error")
	}
}
