package streams

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// Compression names used in detector headers.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
)

// Decompressor expands a compressed sample buffer to exactly size bytes.
type Decompressor func(src []byte, size int) ([]byte, error)

var (
	decompressorsMu sync.RWMutex
	decompressors   = map[string]Decompressor{
		"":              decompressNone,
		CompressionNone: decompressNone,
		CompressionLZ4:  decompressLZ4,
	}
)

// RegisterDecompressor installs a codec for the given compression name,
// replacing any previous one.
func RegisterDecompressor(name string, fn Decompressor) {
	decompressorsMu.Lock()
	defer decompressorsMu.Unlock()
	decompressors[name] = fn
}

func lookupDecompressor(name string) (Decompressor, bool) {
	decompressorsMu.RLock()
	defer decompressorsMu.RUnlock()
	fn, ok := decompressors[name]
	return fn, ok
}

func decompressNone(src []byte, size int) ([]byte, error) {
	if len(src) != size {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrShapeMismatch, len(src), size)
	}
	return src, nil
}

// lz4 blocks expand by at most about 255x.
const lz4MaxRatio = 255

func decompressLZ4(src []byte, size int) ([]byte, error) {
	if size > lz4MaxRatio*len(src)+16 {
		return nil, fmt.Errorf("%w: %d compressed bytes cannot hold %d", ErrShapeMismatch, len(src), size)
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrShapeMismatch, n, size)
	}
	return dst, nil
}

// CompressLZ4 produces an lz4 block for an uncompressed sample buffer.
func CompressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("lz4: incompressible input of %d bytes", len(src))
	}
	return dst[:n], nil
}

// Image is a decoded sample buffer, row-major.
type Image struct {
	Shape  []int
	Pixels []float64
}

// Rows returns the size of the first dimension.
func (img Image) Rows() int {
	if len(img.Shape) == 0 {
		return 0
	}
	return img.Shape[0]
}

// Cols returns the product of all dimensions after the first, or 0 when
// that product is not a valid element count.
func (img Image) Cols() int {
	if len(img.Shape) == 0 {
		return 0
	}
	n, ok := product(img.Shape[1:])
	if !ok {
		return 0
	}
	return n
}

// Row returns row i of the image without copying.
func (img Image) Row(i int) ([]float64, error) {
	if i < 0 || i >= img.Rows() {
		return nil, fmt.Errorf("%w: %d of %d", ErrChannelOutOfRange, i, img.Rows())
	}
	cols := img.Cols()
	if cols == 0 || len(img.Pixels)/cols <= i {
		return nil, fmt.Errorf("%w: row %d of %d pixels for shape %v", ErrShapeMismatch, i, len(img.Pixels), img.Shape)
	}
	return img.Pixels[i*cols : (i+1)*cols], nil
}

// MaxImageElements bounds the element count a header may declare.
const MaxImageElements = 1 << 27

// product multiplies positive dimensions, reporting false on a non-positive
// dimension or a result above MaxImageElements.
func product(dims []int) (int, bool) {
	n := 1
	for _, d := range dims {
		if d <= 0 || d > MaxImageElements/n {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func elementCount(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}
	n, ok := product(shape)
	if !ok {
		return 0, fmt.Errorf("%w: shape %v exceeds %d elements or has a non-positive dimension", ErrShapeMismatch, shape, MaxImageElements)
	}
	return n, nil
}

func typeSize(dtype string) (int, error) {
	switch dtype {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	case "uint64", "int64", "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, dtype)
	}
}

// DecodeImage expands raw little-endian samples into an Image.
func DecodeImage(raw []byte, shape []int, dtype, compression string) (Image, error) {
	count, err := elementCount(shape)
	if err != nil {
		return Image{}, err
	}
	size, err := typeSize(dtype)
	if err != nil {
		return Image{}, err
	}
	decompress, ok := lookupDecompressor(compression)
	if !ok {
		return Image{}, fmt.Errorf("%w: %q", ErrUnsupportedCompression, compression)
	}
	buf, err := decompress(raw, count*size)
	if err != nil {
		return Image{}, err
	}

	pixels := make([]float64, count)
	for i := range pixels {
		b := buf[i*size : (i+1)*size]
		switch dtype {
		case "uint8":
			pixels[i] = float64(b[0])
		case "int8":
			pixels[i] = float64(int8(b[0]))
		case "uint16":
			pixels[i] = float64(binary.LittleEndian.Uint16(b))
		case "int16":
			pixels[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case "uint32":
			pixels[i] = float64(binary.LittleEndian.Uint32(b))
		case "int32":
			pixels[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case "float32":
			pixels[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "uint64":
			pixels[i] = float64(binary.LittleEndian.Uint64(b))
		case "int64":
			pixels[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case "float64":
			pixels[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return Image{Shape: shapeCopy, Pixels: pixels}, nil
}

// EncodeUint32 packs samples as little-endian uint32, the native xspress layout.
func EncodeUint32(samples []uint32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// EncodeInt32 packs samples as little-endian int32, the native pilatus layout.
func EncodeInt32(samples []int32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}
