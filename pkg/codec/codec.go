// Package codec compresses frame bodies on the wire. Payloads below the
// threshold are sent raw to avoid per-frame overhead; decompression is
// bounded so a malicious or corrupted peer cannot force unbounded
// allocation.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultThreshold is the payload size at or above which frames are
	// compressed.
	DefaultThreshold = 1024

	// DefaultMaxRatio bounds decompressed output to this multiple of the
	// declared compressed input size.
	DefaultMaxRatio = 32
)

var ErrCompressionBomb = errors.New("decompressed size exceeds bound")

// Codec is symmetric and stateless per frame: no cross-frame compression
// context, so frames decode independently and out of order.
type Codec struct {
	threshold int
	maxRatio  int
}

func New(threshold, maxRatio int) *Codec {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxRatio <= 0 {
		maxRatio = DefaultMaxRatio
	}
	return &Codec{threshold: threshold, maxRatio: maxRatio}
}

func (c *Codec) Threshold() int {
	return c.threshold
}

// Compress returns the zstd-compressed form of b and true when b meets the
// size policy, or b unchanged and false when it is below the threshold or
// compression would not shrink it.
func (c *Codec) Compress(b []byte) ([]byte, bool, error) {
	if len(b) < c.threshold {
		return b, false, nil
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, false, err
	}
	if _, err := enc.Write(b); err != nil {
		enc.Close()
		return nil, false, err
	}
	if err := enc.Close(); err != nil {
		return nil, false, err
	}

	if buf.Len() >= len(b) {
		return b, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress inflates b, rejecting output larger than maxRatio times the
// declared input size without ever allocating the claimed size up front.
func (c *Codec) Decompress(b []byte) ([]byte, error) {
	bound := len(b) * c.maxRatio

	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	defer dec.Close()

	// Read one byte past the bound so overflow is detectable.
	out, err := io.ReadAll(io.LimitReader(dec, int64(bound)+1))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if len(out) > bound {
		return nil, fmt.Errorf("%w: declared %d bytes, bound %d", ErrCompressionBomb, len(b), bound)
	}

	return out, nil
}
