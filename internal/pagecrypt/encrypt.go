package pagecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EncryptStore writes an encrypted copy of the plain SQLite database at
// src to dst, in the layout of the given store version. The plain
// database must already reserve the layout's per-page reserve bytes
// (byte 20 of its header): the IV and MAC live in that area.
func EncryptStore(src, dst string, key Key, version StoreVersion) error {
	p, err := profileFor(version)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("pagecrypt: open source: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("pagecrypt: stat source: %w", err)
	}

	hdr := make([]byte, 32)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("pagecrypt: read header: %w", err)
	}
	if !bytes.Equal(hdr[:len(sqliteMagic)], sqliteMagic) {
		return fmt.Errorf("pagecrypt: source is not a plain SQLite database")
	}
	pageSize := int(binary.BigEndian.Uint16(hdr[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if int(hdr[20]) != p.reserve {
		return fmt.Errorf("pagecrypt: source reserves %d bytes per page, %s layout needs %d",
			hdr[20], version, p.reserve)
	}
	if fi.Size()%int64(pageSize) != 0 {
		return fmt.Errorf("pagecrypt: source size %d is not a multiple of page size %d", fi.Size(), pageSize)
	}
	nPages := fi.Size() / int64(pageSize)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("pagecrypt: generate salt: %w", err)
	}
	encKey, macKey := p.deriveKeys(key, salt)
	defer wipe(encKey)
	defer wipe(macKey)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return fmt.Errorf("pagecrypt: init cipher: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pagecrypt: create temp: %w", err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	in := make([]byte, pageSize)
	out := make([]byte, pageSize)
	for n := uint32(1); int64(n) <= nPages; n++ {
		if _, err := io.ReadFull(f, in); err != nil {
			return fmt.Errorf("pagecrypt: read page %d: %w", n, err)
		}
		if err := p.encryptPage(block, macKey, salt, in, out, n); err != nil {
			return err
		}
		if _, err := tmp.Write(out); err != nil {
			return fmt.Errorf("pagecrypt: write page %d: %w", n, err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("pagecrypt: sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pagecrypt: close output: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pagecrypt: rename output: %w", err)
	}
	ok = true
	return nil
}

// encryptPage encrypts one plain page into out under a fresh IV. The
// salt replaces the magic on page 1; the reserve is filled with the IV,
// the MAC over (ciphertext, IV, page number), and zero padding.
func (p *profile) encryptPage(block cipher.Block, macKey, salt, page, out []byte, pageNo uint32) error {
	r := len(page) - p.reserve

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("pagecrypt: generate IV: %w", err)
	}

	off := 0
	if pageNo == 1 {
		off = saltSize
		copy(out[:saltSize], salt)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[off:r], page[off:r])

	reserve := out[r:]
	copy(reserve, iv)
	copy(reserve[ivSize:], p.sumMAC(macKey, p.pageContent(out, pageNo), iv, pageNo))
	for i := ivSize + p.macLen; i < len(reserve); i++ {
		reserve[i] = 0
	}
	return nil
}
