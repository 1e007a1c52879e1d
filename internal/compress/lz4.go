package compress

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Threshold is the text length above which chat payloads are compressed.
const Threshold = 128

var ErrDecompressionFailed = errors.New("decompression failed")

// Needed reports whether a text of n bytes goes through LZ4.
func Needed(n int) bool {
	return n > Threshold
}

// Bound is the largest block Block can return for n input bytes.
func Bound(n int) int {
	return lz4.CompressBlockBound(n)
}

// Block compresses src into a raw LZ4 block. The destination is sized to the
// worst-case bound so incompressible input still yields a valid block.
func Block(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return dst[:n], nil
}

// Unblock decompresses an LZ4 block that must expand to exactly originalLen
// bytes.
func Unblock(src []byte, originalLen int) ([]byte, error) {
	if originalLen <= 0 {
		return nil, fmt.Errorf("%w: original length %d", ErrDecompressionFailed, originalLen)
	}
	dst := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if n != originalLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrDecompressionFailed, n, originalLen)
	}
	return dst, nil
}
