package decode

import (
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Property slots inside the v3 message sidecar blob.
const (
	extraPropSender    = 1
	extraPropThumbPath = 3
	extraPropDataPath  = 4
)

// mediaHints are the auxiliary facts a store keeps outside the
// message body: the real sender in group chats and relative paths to
// attachment files.
type mediaHints struct {
	Sender    string
	ThumbPath string
	DataPath  string
}

// parseExtra walks the v3 sidecar blob. Field 3 repeats a property
// record of {1: type varint, 2: value string}; unknown fields and
// malformed tails are skipped rather than reported, decoding works
// with whatever survives.
func parseExtra(data []byte) mediaHints {
	var h mediaHints
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return h
		}
		data = data[n:]
		if num != 3 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return h
			}
			data = data[n:]
			continue
		}
		prop, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return h
		}
		data = data[n:]
		key, val := parseExtraProperty(prop)
		switch key {
		case extraPropSender:
			h.Sender = val
		case extraPropThumbPath:
			h.ThumbPath = val
		case extraPropDataPath:
			h.DataPath = val
		}
	}
	return h
}

func parseExtraProperty(data []byte) (key int64, val string) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return key, val
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return key, val
			}
			data = data[n:]
			key = int64(v)
		case num == 2 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return key, val
			}
			data = data[n:]
			val = string(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return key, val
			}
			data = data[n:]
		}
	}
	return key, val
}

// parsePackedInfo mines the v4 packed info blob for attachment paths.
// The blob's schema is not published, so this walks every string
// field at any nesting depth and keeps the ones that look like
// relative file paths, in wire order.
func parsePackedInfo(data []byte) mediaHints {
	var h mediaHints
	for _, p := range packedStrings(data, 0) {
		if !looksLikePath(p) {
			continue
		}
		if strings.Contains(p, "_t") || strings.Contains(strings.ToLower(p), "thumb") {
			if h.ThumbPath == "" {
				h.ThumbPath = p
			}
			continue
		}
		if h.DataPath == "" {
			h.DataPath = p
		}
	}
	return h
}

const packedMaxDepth = 4

func packedStrings(data []byte, depth int) []string {
	if depth > packedMaxDepth {
		return nil
	}
	var out []string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return out
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return out
			}
			data = data[n:]
			continue
		}
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return out
		}
		data = data[n:]
		if utf8.Valid(b) && printable(b) {
			out = append(out, string(b))
			continue
		}
		out = append(out, packedStrings(b, depth+1)...)
	}
	return out
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' {
			return false
		}
	}
	return true
}

func looksLikePath(s string) bool {
	if len(s) < 4 {
		return false
	}
	return strings.ContainsAny(s, `/\`) && !strings.Contains(s, "://")
}
