package decode

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	// Compressed bodies carry no size header. Start from the block
	// size the client itself uses and grow from there.
	decompressInitial = 0x10004
	decompressMax     = 16 << 20
)

// decompress expands an LZ4 block payload. Some stores keep such
// columns as plain markup, which must not go near the block decoder
// since a leading '<' parses as a valid literal token.
func decompress(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if bytes.HasPrefix(data, []byte("<")) {
		return string(trimNul(data)), nil
	}
	size := decompressInitial
	if n := len(data) * 4; n > size {
		size = n
	}
	for ; size <= decompressMax; size *= 2 {
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return string(trimNul(dst[:n])), nil
		}
		if !errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return "", fmt.Errorf("decode: decompress body: %w", err)
		}
	}
	return "", fmt.Errorf("decode: decompress body: output exceeds %d bytes", decompressMax)
}

func trimNul(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}
