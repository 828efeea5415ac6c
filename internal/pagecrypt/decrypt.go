package pagecrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Candidate page sizes, default first. The true size is confirmed by
// authenticating the first page and re-checked against the decrypted
// header afterwards.
var pageSizes = []int{4096, 1024, 2048, 8192, 16384, 32768, 65536, 512}

const minPageSize = 512

// DetectStore authenticates the first page of the store at path against
// key, trying each supported layout, and reports the store version. It
// reads at most one page. A plain store reports VersionPlain regardless
// of the key; no authenticating layout reports ErrBadKey.
func DetectStore(path string, key Key) (StoreVersion, error) {
	plain, err := IsPlain(path)
	if err != nil {
		return VersionUnknown, err
	}
	if plain {
		return VersionPlain, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return VersionUnknown, fmt.Errorf("pagecrypt: open store: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return VersionUnknown, fmt.Errorf("pagecrypt: stat store: %w", err)
	}

	p, _, _, err := detectProfile(f, fi.Size(), key)
	if err != nil {
		return VersionUnknown, err
	}
	return p.version, nil
}

// detectProfile finds the (layout, page size) pair under which the key
// authenticates the first page.
func detectProfile(f *os.File, size int64, key Key) (*profile, int, []byte, error) {
	if size < minPageSize {
		return nil, 0, nil, fmt.Errorf("%w: %d bytes is smaller than any page", ErrCorruptStore, size)
	}
	salt := make([]byte, saltSize)
	if _, err := f.ReadAt(salt, 0); err != nil {
		return nil, 0, nil, fmt.Errorf("pagecrypt: read salt: %w", err)
	}

	for _, p := range profiles {
		_, macKey := p.deriveKeys(key, salt)
		for _, ps := range pageSizes {
			if int64(ps) > size {
				continue
			}
			page := make([]byte, ps)
			if _, err := f.ReadAt(page, 0); err != nil {
				return nil, 0, nil, fmt.Errorf("pagecrypt: read first page: %w", err)
			}
			if p.checkMAC(macKey, page, 1) {
				wipe(macKey)
				return p, ps, salt, nil
			}
		}
		wipe(macKey)
	}
	return nil, 0, nil, ErrBadKey
}

// DecryptStore decrypts the store at src into dst and returns the
// detected store version. The output is written to a temporary file and
// renamed into place only after every page has authenticated and the
// catalog page has validated, so a failed run never leaves a partial
// file at dst. Decrypting the same store with the same key twice yields
// byte-identical output.
//
// A src that is already a plain database is copied through unchanged.
func DecryptStore(ctx context.Context, src, dst string, key Key) (StoreVersion, error) {
	plain, err := IsPlain(src)
	if err != nil {
		return VersionUnknown, err
	}
	if plain {
		if err := CopyFile(src, dst); err != nil {
			return VersionPlain, err
		}
		return VersionPlain, nil
	}

	f, err := os.Open(src)
	if err != nil {
		return VersionUnknown, fmt.Errorf("pagecrypt: open store: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return VersionUnknown, fmt.Errorf("pagecrypt: stat store: %w", err)
	}

	p, pageSize, salt, err := detectProfile(f, fi.Size(), key)
	if err != nil {
		return VersionUnknown, err
	}
	if fi.Size()%int64(pageSize) != 0 {
		return p.version, fmt.Errorf("%w: %d bytes is not a multiple of the %d-byte page size",
			ErrCorruptStore, fi.Size(), pageSize)
	}
	nPages := fi.Size() / int64(pageSize)

	encKey, macKey := p.deriveKeys(key, salt)
	defer wipe(encKey)
	defer wipe(macKey)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return p.version, fmt.Errorf("pagecrypt: init cipher: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return p.version, fmt.Errorf("pagecrypt: create temp: %w", err)
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
	var catalog []byte
	for n := uint32(1); int64(n) <= nPages; n++ {
		if err := ctx.Err(); err != nil {
			return p.version, err
		}
		if _, err := io.ReadFull(f, in); err != nil {
			return p.version, fmt.Errorf("pagecrypt: read page %d: %w", n, err)
		}
		if !p.checkMAC(macKey, in, n) {
			if n == 1 {
				return p.version, ErrBadKey
			}
			return p.version, fmt.Errorf("%w: page %d failed authentication", ErrCorruptStore, n)
		}
		p.decryptPage(block, in, out, n)
		if n == 1 {
			catalog = append([]byte(nil), out...)
		}
		if _, err := tmp.Write(out); err != nil {
			return p.version, fmt.Errorf("pagecrypt: write page %d: %w", n, err)
		}
	}

	if err := validateCatalogPage(catalog, pageSize, p.reserve); err != nil {
		return p.version, err
	}

	if err := tmp.Sync(); err != nil {
		return p.version, fmt.Errorf("pagecrypt: sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return p.version, fmt.Errorf("pagecrypt: close output: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return p.version, fmt.Errorf("pagecrypt: rename output: %w", err)
	}
	ok = true
	return p.version, nil
}

// decryptPage decrypts one stored page into out. The magic replaces the
// salt on page 1 and the reserve area is zeroed: its IV and MAC have no
// meaning in the plain database, and zeroing keeps the output
// deterministic.
func (p *profile) decryptPage(block cipher.Block, page, out []byte, pageNo uint32) {
	r := len(page) - p.reserve
	iv := page[r : r+ivSize]

	off := 0
	if pageNo == 1 {
		off = saltSize
		copy(out[:saltSize], sqliteMagic)
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out[off:r], page[off:r])
	for i := r; i < len(out); i++ {
		out[i] = 0
	}
}
