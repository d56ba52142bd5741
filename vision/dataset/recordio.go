package dataset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

// RecordIO framing: every part starts with the magic word and a length word
// whose top 3 bits carry the continuation flag. Payloads are padded to 4
// bytes. A payload containing the magic word at an aligned offset is split
// there and the magic word dropped; readers put it back.
const (
	recordMagic  uint32 = 0xced7230a
	lengthMask          = (1 << 29) - 1
	flagFull            = 0
	flagStart           = 1
	flagMiddle          = 2
	flagEnd             = 3
	imageHdrSize        = 24
)

// ImageHeader precedes the encoded image inside an image record
type ImageHeader struct {
	Flag  uint32 // number of extra float32 labels following the header
	Label float32
	ID    uint64
	ID2   uint64
}

// RecordReader reads records from a RecordIO stream
type RecordReader struct {
	r *bufio.Reader
}

func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next complete record, or io.EOF
func (rr *RecordReader) Next() ([]byte, error) {
	var out []byte
	first := true
	for {
		var head [8]byte
		if _, err := io.ReadFull(rr.r, head[:]); err != nil {
			if err == io.EOF && first {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("truncated record header: %w", err)
		}
		if binary.LittleEndian.Uint32(head[:4]) != recordMagic {
			return nil, fmt.Errorf("invalid record magic %#x", binary.LittleEndian.Uint32(head[:4]))
		}
		lrec := binary.LittleEndian.Uint32(head[4:])
		cflag := lrec >> 29
		length := int(lrec & lengthMask)

		padded := (length + 3) &^ 3
		part := make([]byte, padded)
		if _, err := io.ReadFull(rr.r, part); err != nil {
			return nil, fmt.Errorf("truncated record payload: %w", err)
		}

		if !first {
			var magic [4]byte
			binary.LittleEndian.PutUint32(magic[:], recordMagic)
			out = append(out, magic[:]...)
		}
		out = append(out, part[:length]...)

		switch cflag {
		case flagFull, flagEnd:
			return out, nil
		case flagStart, flagMiddle:
			if first != (cflag == flagStart) {
				return nil, fmt.Errorf("unexpected continuation flag %d", cflag)
			}
			first = false
		default:
			return nil, fmt.Errorf("invalid continuation flag %d", cflag)
		}
	}
}

// RecordWriter writes records in RecordIO framing
type RecordWriter struct {
	w io.Writer
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// Write frames one record
func (rw *RecordWriter) Write(data []byte) error {
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], recordMagic)

	start := 0
	split := false
	for i := 0; i+4 <= len(data); i += 4 {
		if bytes.Equal(data[i:i+4], magic[:]) {
			flag := uint32(flagMiddle)
			if !split {
				flag = flagStart
			}
			if err := rw.writePart(flag, data[start:i]); err != nil {
				return err
			}
			start = i + 4
			split = true
		}
	}
	flag := uint32(flagFull)
	if split {
		flag = flagEnd
	}
	return rw.writePart(flag, data[start:])
}

func (rw *RecordWriter) writePart(flag uint32, part []byte) error {
	if len(part) > lengthMask {
		return fmt.Errorf("record part of %d bytes is too large", len(part))
	}
	var head [8]byte
	binary.LittleEndian.PutUint32(head[:4], recordMagic)
	binary.LittleEndian.PutUint32(head[4:], flag<<29|uint32(len(part)))
	if _, err := rw.w.Write(head[:]); err != nil {
		return err
	}
	if _, err := rw.w.Write(part); err != nil {
		return err
	}
	if pad := (4 - len(part)%4) % 4; pad > 0 {
		if _, err := rw.w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

// PackImage builds an image record from a header and encoded image bytes
func PackImage(h ImageHeader, encoded []byte) []byte {
	buf := make([]byte, imageHdrSize, imageHdrSize+len(encoded))
	binary.LittleEndian.PutUint32(buf[0:], 0)
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(h.Label))
	binary.LittleEndian.PutUint64(buf[8:], h.ID)
	binary.LittleEndian.PutUint64(buf[16:], h.ID2)
	return append(buf, encoded...)
}

// UnpackImage splits an image record into its header and encoded image. With
// extra labels the first one is reported as Label.
func UnpackImage(record []byte) (ImageHeader, []byte, error) {
	if len(record) < imageHdrSize {
		return ImageHeader{}, nil, fmt.Errorf("image record of %d bytes is shorter than its header", len(record))
	}
	h := ImageHeader{
		Flag:  binary.LittleEndian.Uint32(record[0:]),
		Label: math.Float32frombits(binary.LittleEndian.Uint32(record[4:])),
		ID:    binary.LittleEndian.Uint64(record[8:]),
		ID2:   binary.LittleEndian.Uint64(record[16:]),
	}
	body := record[imageHdrSize:]
	if h.Flag > 0 {
		extra := int(h.Flag) * 4
		if len(body) < extra {
			return ImageHeader{}, nil, fmt.Errorf("image record declares %d labels but is too short", h.Flag)
		}
		h.Label = math.Float32frombits(binary.LittleEndian.Uint32(body))
		body = body[extra:]
	}
	return h, body, nil
}

// RecordIODataset holds the encoded images of a .rec file in memory and
// decodes them on demand
type RecordIODataset struct {
	path    string
	headers []ImageHeader
	images  [][]byte
}

// OpenRecordIO reads every image record of a .rec file
func OpenRecordIO(path string) (*RecordIODataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	ds, err := ReadRecordIO(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ds.path = path
	return ds, nil
}

// ReadRecordIO reads every image record from r
func ReadRecordIO(r io.Reader) (*RecordIODataset, error) {
	ds := &RecordIODataset{}
	rr := NewRecordReader(r)
	for {
		record, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(ds.images), err)
		}
		h, body, err := UnpackImage(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(ds.images), err)
		}
		ds.headers = append(ds.headers, h)
		ds.images = append(ds.images, body)
	}
	if len(ds.images) == 0 {
		return nil, fmt.Errorf("no image records found")
	}
	return ds, nil
}

func (d *RecordIODataset) Len() int {
	return len(d.images)
}

// GetItem returns a key unique to this dataset and record, and the rounded
// label
func (d *RecordIODataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.images) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return fmt.Sprintf("rec:%s:%p#%d", d.path, d, index), int(math.Round(float64(d.headers[index].Label))), nil
}

// Header returns the image header of record index
func (d *RecordIODataset) Header(index int) ImageHeader {
	return d.headers[index]
}

// Image decodes the record's image with processor
func (d *RecordIODataset) Image(index int, processor *preprocessing.ImageProcessor) (*preprocessing.ProcessedImage, error) {
	if index < 0 || index >= len(d.images) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return processor.DecodeBytes(d.images[index])
}
