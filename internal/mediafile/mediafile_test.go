package mediafile

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/wxvault/wxvault/internal/schema"
)

// tinyJPEG is a fake but signature-correct JPEG body.
var tinyJPEG = []byte{0xff, 0xd8, 0xff, 0xe0, 'w', 'x', 'v', 0x00, 0xff, 0xd9}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestXORReaderRoundTrip(t *testing.T) {
	const key = 0x5a
	obfuscated := XORBytes(tinyJPEG, key)

	got, err := io.ReadAll(NewXORReader(bytes.NewReader(obfuscated), key))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, tinyJPEG) {
		t.Errorf("decoded = %x, want %x", got, tinyJPEG)
	}
}

func TestDiscoverXORKey(t *testing.T) {
	dir := t.TempDir()
	const key = 0x3c
	writeFile(t, filepath.Join(dir, "attach", "x", "note.txt"), []byte("not a dat"))
	writeFile(t, filepath.Join(dir, "attach", "x", "pic.dat"), XORBytes(tinyJPEG, key))

	got, err := DiscoverXORKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Errorf("key = %#x, want %#x", got, key)
	}
}

func TestDiscoverXORKeyPNGTail(t *testing.T) {
	dir := t.TempDir()
	const key = 0x99
	png := []byte{0x89, 'P', 'N', 'G', 0x00, 0xae, 0x42, 0x60, 0x82}
	writeFile(t, filepath.Join(dir, "pic.dat"), XORBytes(png, key))

	got, err := DiscoverXORKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Errorf("key = %#x, want %#x", got, key)
	}
}

func TestDiscoverXORKeyNone(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "junk.dat"), []byte{0x01, 0x02, 0x03, 0x04})

	_, err := DiscoverXORKey(dir)
	if !errors.Is(err, ErrNoXORKey) {
		t.Fatalf("err = %v, want ErrNoXORKey", err)
	}
}

func TestDetectExt(t *testing.T) {
	tests := []struct {
		head []byte
		want string
	}{
		{tinyJPEG, "jpg"},
		{[]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}, "png"},
		{[]byte("GIF89a"), "gif"},
		{[]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}, "mp4"},
		{[]byte("#!AMR\n"), "amr"},
		{[]byte("#!SILK_V3 rest"), "silk"},
		{[]byte{0x02, '#', '!', 'S', 'I', 'L', 'K', '_', 'V', '3'}, "silk"},
		{[]byte("plain text"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := DetectExt(tt.head); got != tt.want {
			t.Errorf("DetectExt(%q) = %q, want %q", tt.head, got, tt.want)
		}
	}
}

func imageRow() schema.MediaRow {
	return schema.MediaRow{
		MD5:      "aabbccdd00112233aabbccdd00112233",
		FileName: "img001.dat",
		Dir1:     "a1b2",
		Dir2:     "2024-01",
		Kind:     "image",
	}
}

func TestOpenV3Image(t *testing.T) {
	dir := t.TempDir()
	const key = 0x5a
	row := imageRow()
	path := filepath.Join(dir, "FileStorage", "MsgAttach", "a1b2", "Image", "2024-01", "img001.dat")
	writeFile(t, path, XORBytes(tinyJPEG, key))

	l := NewLocator(dir, schema.V3, WithXORKey(key))
	blob, err := l.Open(row)
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()

	if blob.Ext != "jpg" {
		t.Errorf("ext = %q, want %q", blob.Ext, "jpg")
	}
	got, err := io.ReadAll(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, tinyJPEG) {
		t.Errorf("content = %x, want %x", got, tinyJPEG)
	}
}

func TestOpenV4Image(t *testing.T) {
	dir := t.TempDir()
	const key = 0x11
	row := imageRow()
	path := filepath.Join(dir, "msg", "attach", "a1b2", "2024-01", "Img", "img001.dat")
	writeFile(t, path, XORBytes(tinyJPEG, key))

	l := NewLocator(dir, schema.V4, WithXORKey(key))
	blob, err := l.Open(row)
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()
	if blob.Ext != "jpg" {
		t.Errorf("ext = %q, want %q", blob.Ext, "jpg")
	}
}

func TestOpenVideoPlain(t *testing.T) {
	dir := t.TempDir()
	row := schema.MediaRow{FileName: "vid001.mp4", Dir2: "2024-01", Kind: "video"}
	body := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
	writeFile(t, filepath.Join(dir, "FileStorage", "Video", "2024-01", "vid001.mp4"), body)

	l := NewLocator(dir, schema.V3)
	blob, err := l.Open(row)
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()

	if blob.Ext != "mp4" {
		t.Errorf("ext = %q, want %q", blob.Ext, "mp4")
	}
	got, err := io.ReadAll(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("content = %x, want %x", got, body)
	}
}

func TestOpenMissing(t *testing.T) {
	l := NewLocator(t.TempDir(), schema.V3)
	_, err := l.Open(imageRow())
	if !errors.Is(err, ErrMediaMissing) {
		t.Fatalf("err = %v, want ErrMediaMissing", err)
	}
}

func TestOpenDatWithoutKey(t *testing.T) {
	dir := t.TempDir()
	row := imageRow()
	obfuscated := XORBytes(tinyJPEG, 0x77)
	path := filepath.Join(dir, "FileStorage", "MsgAttach", "a1b2", "Image", "2024-01", "img001.dat")
	writeFile(t, path, obfuscated)

	l := NewLocator(dir, schema.V3)
	blob, err := l.Open(row)
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()

	// Without a key the stream stays as stored.
	if blob.Ext != "dat" {
		t.Errorf("ext = %q, want %q", blob.Ext, "dat")
	}
	got, err := io.ReadAll(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, obfuscated) {
		t.Errorf("content transformed without a key")
	}
}
