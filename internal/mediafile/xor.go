package mediafile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoXORKey means no .dat file in the scanned directory exposed a
// recognizable signature, so the key could not be derived.
var ErrNoXORKey = errors.New("mediafile: xor key not found")

// XORReader streams its source with every byte XORed against key.
type XORReader struct {
	src io.Reader
	key byte
}

// NewXORReader wraps src with the single-byte XOR transform.
func NewXORReader(src io.Reader, key byte) *XORReader {
	return &XORReader{src: src, key: key}
}

func (r *XORReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	for i := 0; i < n; i++ {
		p[i] ^= r.key
	}
	return n, err
}

// XORBytes returns a copy of data with every byte XORed against key.
func XORBytes(data []byte, key byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key
	}
	return out
}

// Known trailer byte pairs of formats that hide inside .dat files.
// The file tail is used because it is never mangled, whatever the
// client did to the header.
var datTrailers = [][2]byte{
	{0xff, 0xd9}, // jpeg EOI
	{0x60, 0x82}, // png IEND tail
}

// DiscoverXORKey scans the directory tree for .dat files and derives
// the installation's XOR key from a known trailer pair. Files are
// visited in walk order, so repeated runs derive the same key.
func DiscoverXORKey(dir string) (byte, error) {
	var key byte
	found := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found || d.IsDir() {
			return err
		}
		if !strings.EqualFold(filepath.Ext(path), ".dat") {
			return nil
		}
		k, ok := keyFromTail(path)
		if ok {
			key = k
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mediafile: scan %s: %w", dir, err)
	}
	if !found {
		return 0, fmt.Errorf("%w: no usable .dat files under %s", ErrNoXORKey, dir)
	}
	return key, nil
}

// keyFromTail derives the XOR key from the last two bytes of one .dat
// file. Both tail bytes must agree on the same key.
func keyFromTail(path string) (byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() < 2 {
		return 0, false
	}
	var tail [2]byte
	if _, err := f.ReadAt(tail[:], info.Size()-2); err != nil {
		return 0, false
	}

	for _, want := range datTrailers {
		k1 := tail[0] ^ want[0]
		k2 := tail[1] ^ want[1]
		if k1 == k2 {
			return k1, true
		}
	}
	return 0, false
}
