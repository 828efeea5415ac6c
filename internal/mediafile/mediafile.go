// Package mediafile locates and de-obfuscates media blobs referenced
// by chat messages. Images and some videos are stored under hashed
// directory layouts and, in the .dat case, XORed byte-for-byte with a
// per-installation key.
package mediafile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/wxvault/wxvault/internal/schema"
)

// ErrMediaMissing means the referenced blob is not on disk. Callers
// render an unavailable placeholder instead of failing the export.
var ErrMediaMissing = errors.New("mediafile: media file missing")

// Blob is an opened media stream with its detected content kind.
type Blob struct {
	io.ReadCloser
	Path string // source path on disk
	Ext  string // detected extension without dot, e.g. "jpg"
}

// Locator resolves media index rows to files under one account's data
// directory.
type Locator struct {
	dataDir string
	version schema.Version
	xorKey  byte
	hasXOR  bool
	logger  *log.Logger
}

// Option configures a Locator.
type Option func(*Locator)

// WithXORKey sets the de-obfuscation key for .dat files. Without it
// .dat files are returned as stored.
func WithXORKey(key byte) Option {
	return func(l *Locator) {
		l.xorKey = key
		l.hasXOR = true
	}
}

// WithLogger sets the logger for verbose output. If not set, logging
// is disabled.
func WithLogger(logger *log.Logger) Option {
	return func(l *Locator) { l.logger = logger }
}

// NewLocator creates a Locator for the given account data directory.
func NewLocator(dataDir string, version schema.Version, opts ...Option) *Locator {
	l := &Locator{dataDir: dataDir, version: version}
	for _, o := range opts {
		o(l)
	}
	return l
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Resolve returns the on-disk path for a media row, or ErrMediaMissing
// if the file is not present.
func (l *Locator) Resolve(row schema.MediaRow) (string, error) {
	path := l.layoutPath(row)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrMediaMissing, path)
		}
		return "", fmt.Errorf("mediafile: stat %s: %w", path, err)
	}
	return path, nil
}

// layoutPath maps the hard-link directory components onto the store
// generation's directory layout.
func (l *Locator) layoutPath(row schema.MediaRow) string {
	if l.version == schema.V4 {
		if row.Kind == "video" {
			return filepath.Join(l.dataDir, "msg", "video", row.Dir2, row.FileName)
		}
		return filepath.Join(l.dataDir, "msg", "attach", row.Dir1, row.Dir2, "Img", row.FileName)
	}
	if row.Kind == "video" {
		return filepath.Join(l.dataDir, "FileStorage", "Video", row.Dir2, row.FileName)
	}
	return filepath.Join(l.dataDir, "FileStorage", "MsgAttach", row.Dir1, "Image", row.Dir2, row.FileName)
}

// Open resolves the row and returns its content stream. .dat files
// are de-obfuscated on the fly when a XOR key is configured; the
// content kind is sniffed from the first decoded bytes.
func (l *Locator) Open(row schema.MediaRow) (*Blob, error) {
	path, err := l.Resolve(row)
	if err != nil {
		return nil, err
	}
	return l.openFile(path)
}

// OpenPath opens a blob by the store-relative path recorded in a
// message sidecar. Hints use backslashes and often repeat the account
// directory name; both are normalized away.
func (l *Locator) OpenPath(rel string) (*Blob, error) {
	rel = filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/"))
	if base := filepath.Base(l.dataDir); base != "." {
		prefix := base + string(filepath.Separator)
		rel = strings.TrimPrefix(rel, prefix)
	}
	path := filepath.Join(l.dataDir, rel)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMediaMissing, path)
		}
		return nil, fmt.Errorf("mediafile: stat %s: %w", path, err)
	}
	return l.openFile(path)
}

func (l *Locator) openFile(path string) (*Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mediafile: open %s: %w", path, err)
	}

	var r io.Reader = f
	obfuscated := strings.EqualFold(filepath.Ext(path), ".dat")
	if obfuscated && l.hasXOR {
		r = NewXORReader(f, l.xorKey)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("mediafile: read %s: %w", path, err)
	}
	head = head[:n]

	ext := DetectExt(head)
	if ext == "" {
		// Fall back to the stored extension; undecodable .dat content
		// keeps its raw form.
		ext = strings.TrimPrefix(filepath.Ext(path), ".")
		logf(l.logger, "no known signature in %s, keeping extension %q", path, ext)
	}

	return &Blob{
		ReadCloser: readCloser{io.MultiReader(bytes.NewReader(head), r), f},
		Path:       path,
		Ext:        ext,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
