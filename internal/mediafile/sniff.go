package mediafile

import "bytes"

// sniffLen is how many leading bytes DetectExt needs.
const sniffLen = 16

// signatures maps leading magic bytes to file extensions. The silk
// entries cover both the bare stream and the one-byte-prefixed
// container voice notes use.
var signatures = []struct {
	offset int
	magic  []byte
	ext    string
}{
	{0, []byte{0xff, 0xd8, 0xff}, "jpg"},
	{0, []byte{0x89, 'P', 'N', 'G'}, "png"},
	{0, []byte("GIF8"), "gif"},
	{0, []byte("BM"), "bmp"},
	{4, []byte("ftyp"), "mp4"},
	{0, []byte("#!AMR"), "amr"},
	{0, []byte("#!SILK_V3"), "silk"},
	{1, []byte("#!SILK_V3"), "silk"},
	{0, []byte("RIFF"), "wav"},
}

// DetectExt sniffs the content kind from the first bytes of a media
// stream. Returns "" when no signature matches.
func DetectExt(head []byte) string {
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(head) >= end && bytes.Equal(head[sig.offset:end], sig.magic) {
			return sig.ext
		}
	}
	return ""
}
