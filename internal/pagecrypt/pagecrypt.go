// Package pagecrypt decrypts page-encrypted chat stores into plain
// SQLite database files.
//
// An encrypted store is a sequence of fixed-size pages. Every page
// carries an IV and a MAC in a reserve area at its end; the MAC covers
// the page ciphertext, the IV and the 1-based page number, so a page
// cannot be swapped or reordered without detection. The first 16 bytes
// of the file hold the KDF salt in place of the SQLite magic.
package pagecrypt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// sqliteMagic is the 16-byte header of a plain SQLite database file.
var sqliteMagic = []byte("SQLite format 3\x00")

var (
	// ErrBadKey means the key does not match the store: the first page
	// failed authentication under every supported layout.
	ErrBadKey = errors.New("pagecrypt: key does not match store")

	// ErrCorruptStore means the store itself is damaged: a page after
	// the first failed authentication, the file geometry is
	// inconsistent, or the decrypted catalog page is unreadable.
	ErrCorruptStore = errors.New("pagecrypt: store is corrupt")
)

// IsPlain reports whether the file at path is already a plain SQLite
// database. Files shorter than the magic are reported as not plain.
func IsPlain(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("pagecrypt: open store: %w", err)
	}
	defer f.Close()

	head := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, fmt.Errorf("pagecrypt: read header: %w", err)
	}
	return bytes.Equal(head, sqliteMagic), nil
}

// validateCatalogPage checks that a decrypted first page parses as the
// catalog page of a SQLite database with the expected geometry. This is
// what separates a damaged store from a wrong key: the key already
// authenticated, so a malformed catalog means corruption.
func validateCatalogPage(page []byte, pageSize, reserve int) error {
	if !bytes.Equal(page[:len(sqliteMagic)], sqliteMagic) {
		return fmt.Errorf("%w: catalog page missing file magic", ErrCorruptStore)
	}
	declared := int(binary.BigEndian.Uint16(page[16:18]))
	if declared == 1 {
		declared = 65536
	}
	if declared != pageSize {
		return fmt.Errorf("%w: header page size %d, file page size %d", ErrCorruptStore, declared, pageSize)
	}
	if int(page[20]) != reserve {
		return fmt.Errorf("%w: header reserves %d bytes per page, layout needs %d", ErrCorruptStore, page[20], reserve)
	}

	// B-tree header of the catalog starts after the 100-byte file header.
	usable := pageSize - reserve
	typ := page[100]
	var hdrLen int
	switch typ {
	case 2, 5:
		hdrLen = 12
	case 10, 13:
		hdrLen = 8
	default:
		return fmt.Errorf("%w: catalog page has invalid b-tree type %d", ErrCorruptStore, typ)
	}
	cells := int(binary.BigEndian.Uint16(page[103:105]))
	contentStart := int(binary.BigEndian.Uint16(page[105:107]))
	if contentStart == 0 {
		contentStart = 65536
	}
	if contentStart > usable {
		return fmt.Errorf("%w: catalog cell content starts at %d beyond usable size %d", ErrCorruptStore, contentStart, usable)
	}
	if 100+hdrLen+2*cells > contentStart {
		return fmt.Errorf("%w: catalog cell pointer array overlaps content area", ErrCorruptStore)
	}
	return nil
}

// CopyFile copies src to dst through a temporary file in dst's
// directory, renaming into place only once the copy is complete.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("pagecrypt: open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pagecrypt: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pagecrypt: copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pagecrypt: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pagecrypt: close temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pagecrypt: rename: %w", err)
	}
	return nil
}

// wipe overwrites key material with zeros.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
