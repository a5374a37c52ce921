package localize

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec for cached descriptor blobs.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// ParseCompression maps a config name to a codec.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "zstd":
		return CompressionZSTD, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Blob layout: [codec uint8][uncompressed uint32][compressed uint32][data].
// A compressed size of 0 means the data is stored raw.
const blobHeaderSize = 9

// maxBlobSize bounds the uncompressed size a blob header may claim.
const maxBlobSize = 64 << 20

var (
	errShortBlob    = errors.New("blob too small for header")
	errBlobTooLarge = errors.New("blob exceeds size limit")
)

// compressBlob wraps data in a blob, falling back to raw storage when the
// codec saves less than 10%.
func compressBlob(data []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	raw := len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9
	body := packed
	if raw {
		body = data
	}
	out := make([]byte, blobHeaderSize+len(body))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	if !raw {
		binary.LittleEndian.PutUint32(out[5:], uint32(len(packed)))
	}
	copy(out[blobHeaderSize:], body)
	return out, nil
}

// decompressBlob reverses compressBlob. The codec is read from the blob.
func decompressBlob(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, errShortBlob
	}
	c := Compression(blob[0])
	size := binary.LittleEndian.Uint32(blob[1:])
	csize := binary.LittleEndian.Uint32(blob[5:])
	body := blob[blobHeaderSize:]
	if size > maxBlobSize {
		return nil, fmt.Errorf("%w: header claims %d bytes", errBlobTooLarge, size)
	}

	if csize == 0 {
		if uint32(len(body)) < size {
			return nil, errors.New("blob data too small")
		}
		return body[:size], nil
	}
	if uint32(len(body)) < csize {
		return nil, errors.New("compressed blob data too small")
	}
	body = body[:csize]

	switch c {
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(out)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob codec %d", c)
	}
}

// encodeDescriptors packs descriptors as [rows uint32][cols uint32] followed
// by little-endian float32 values.
func encodeDescriptors(descs [][]float64) []byte {
	cols := 0
	if len(descs) > 0 {
		cols = len(descs[0])
	}
	out := make([]byte, 8+4*len(descs)*cols)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(descs)))
	binary.LittleEndian.PutUint32(out[4:], uint32(cols))
	off := 8
	for _, d := range descs {
		for _, v := range d {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(float32(v)))
			off += 4
		}
	}
	return out
}

func decodeDescriptors(b []byte) ([][]float64, error) {
	if len(b) < 8 {
		return nil, errShortBlob
	}
	rows := int(binary.LittleEndian.Uint32(b[0:]))
	cols := int(binary.LittleEndian.Uint32(b[4:]))
	if rows > 0 && cols == 0 {
		return nil, fmt.Errorf("descriptor blob has %d rows of length 0", rows)
	}
	if len(b) != 8+4*rows*cols {
		return nil, fmt.Errorf("descriptor blob is %d bytes, want %d", len(b), 8+4*rows*cols)
	}
	out := make([][]float64, rows)
	off := 8
	for i := range out {
		d := make([]float64, cols)
		for j := range d {
			d[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
			off += 4
		}
		out[i] = d
	}
	return out, nil
}

// encodeKeypoints packs keypoints as [n uint32] followed by float32 x, y pairs.
func encodeKeypoints(kps []r2.Point) []byte {
	out := make([]byte, 4+8*len(kps))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(kps)))
	off := 4
	for _, p := range kps {
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(float32(p.Y)))
		off += 8
	}
	return out
}

func decodeKeypoints(b []byte) ([]r2.Point, error) {
	if len(b) < 4 {
		return nil, errShortBlob
	}
	n := int(binary.LittleEndian.Uint32(b[0:]))
	if len(b) != 4+8*n {
		return nil, fmt.Errorf("keypoint blob is %d bytes, want %d", len(b), 4+8*n)
	}
	out := make([]r2.Point, n)
	off := 4
	for i := range out {
		out[i] = r2.Point{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:]))),
		}
		off += 8
	}
	return out, nil
}
