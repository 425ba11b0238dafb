package store

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Compression identifies the algorithm used to compress a record's
// payload. The id is stored verbatim in the record header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLz4  Compression = 1
	// CompressionZstd trades encode speed for a better ratio than lz4;
	// useful for objects written once and read many times.
	CompressionZstd Compression = 2
)

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// compress writes the compressed form of data into dst and returns the
// chosen algorithm (which may differ from want, see compress()'s
// fall-back rule) together with the number of bytes written to dst.
//
// dst must be at least len(data) bytes long: in the worst case (no
// compression, or lz4 expanding incompressible data) the algorithm falls
// back to a raw copy.
func compress(want Compression, data, dst []byte, blockSize BlockSize, headerLen int) (Compression, int) {
	// If the payload plus header fits in a single block regardless of
	// compressibility, compressing it would only cost time: it would round
	// up to one block either way. This mirrors the original encoder's
	// single-block fast path.
	if int64(headerLen)+int64(len(data)) <= blockSize.Bytes() {
		copy(dst, data)
		return CompressionNone, len(data)
	}
	switch want {
	case CompressionLz4:
		ht := make([]int, 1<<16)
		n, err := lz4.CompressBlock(data, dst, ht)
		if err == nil && n > 0 && n < len(data) {
			return CompressionLz4, n
		}
		// lz4 failed to shrink the data (or the block was incompressible,
		// which CompressBlock signals by returning n == 0): fall back to a
		// raw copy.
		copy(dst, data)
		return CompressionNone, len(data)
	case CompressionZstd:
		out := zstdEncoder().EncodeAll(data, nil)
		if len(out) > 0 && len(out) < len(data) {
			n := copy(dst, out)
			return CompressionZstd, n
		}
		copy(dst, data)
		return CompressionNone, len(data)
	default:
		copy(dst, data)
		return CompressionNone, len(data)
	}
}

// decompress reverses compress. It allocates the output buffer itself
// and returns ErrExceedsRecordSize if the output would exceed maxLen.
func decompress(alg Compression, data []byte, maxLen int64) ([]byte, error) {
	switch alg {
	case CompressionNone:
		if int64(len(data)) > maxLen {
			return nil, ErrExceedsRecordSize
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case CompressionLz4:
		out := make([]byte, maxLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, ErrBadLength
		}
		if int64(n) > maxLen {
			return nil, ErrExceedsRecordSize
		}
		return out[:n], nil
	case CompressionZstd:
		out, err := zstdDecoder().DecodeAll(data, make([]byte, 0, bytesCap(maxLen)))
		if err != nil {
			return nil, ErrBadLength
		}
		if int64(len(out)) > maxLen {
			return nil, ErrExceedsRecordSize
		}
		return out, nil
	default:
		return nil, ErrUnknownCompression
	}
}

func bytesCap(maxLen int64) int64 {
	if maxLen > bytes.MinRead {
		return maxLen
	}
	return bytes.MinRead
}
