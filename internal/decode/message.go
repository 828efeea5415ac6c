// Package decode turns raw store rows into typed messages and
// resolves the references between them. Decoding is pure: media stays
// a reference until an exporter asks for bytes.
package decode

import "time"

// Kind discriminates the message variants.
type Kind int

const (
	KindUnsupported Kind = iota
	KindText
	KindImage
	KindVoice
	KindVideo
	KindSticker
	KindFile
	KindLink
	KindMiniProgram
	KindLocation
	KindCard
	KindTransfer
	KindCall
	KindSystemNotice
	KindQuote
	KindMergedForward
)

var kindNames = map[Kind]string{
	KindUnsupported:   "unsupported",
	KindText:          "text",
	KindImage:         "image",
	KindVoice:         "voice",
	KindVideo:         "video",
	KindSticker:       "sticker",
	KindFile:          "file",
	KindLink:          "link",
	KindMiniProgram:   "miniprogram",
	KindLocation:      "location",
	KindCard:          "card",
	KindTransfer:      "transfer",
	KindCall:          "call",
	KindSystemNotice:  "system",
	KindQuote:         "quote",
	KindMergedForward: "forward",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unsupported"
}

// Message is one decoded chat message. Kind selects which payload
// pointer is set; all other payload fields are nil.
type Message struct {
	ID         int64     // store-local row id
	Key        int64     // server id, the cross-reference key
	SessionID  string
	Sender     string // wxid of the author, empty when undetermined
	Time       time.Time
	Outgoing   bool
	RawType    int64
	RawSubType int64
	Kind       Kind

	Text        string // body for Text, SystemNotice and placeholders
	Image       *ImagePayload
	Voice       *VoicePayload
	Video       *VideoPayload
	Sticker     *StickerPayload
	File        *FilePayload
	Link        *LinkPayload
	MiniProgram *MiniProgramPayload
	Location    *LocationPayload
	Card        *CardPayload
	Transfer    *TransferPayload
	Call        *CallPayload
	Quote       *QuotePayload
	Forward     *ForwardPayload
}

// MediaRef points at a stored media blob without touching disk.
type MediaRef struct {
	MD5   string // media index key, lowercase hex
	Path  string // store-relative path hint, may be empty
	Size  int64
	Thumb string // store-relative thumbnail path hint
}

// ImagePayload references a stored picture.
type ImagePayload struct {
	Ref MediaRef
}

// VoicePayload references a voice note.
type VoicePayload struct {
	Duration time.Duration
	Ref      MediaRef
}

// VideoPayload references a stored video clip.
type VideoPayload struct {
	Duration time.Duration
	Ref      MediaRef
}

// StickerPayload references an animated sticker by its download URL.
type StickerPayload struct {
	MD5 string
	URL string
}

// FilePayload references a transferred file.
type FilePayload struct {
	Name string
	Ext  string
	Size int64
	Ref  MediaRef
}

// LinkPayload is a shared web link card.
type LinkPayload struct {
	Title       string
	Description string
	URL         string
	Source      string // publishing app or account name
}

// MiniProgramPayload is an embedded mini-app card.
type MiniProgramPayload struct {
	Title    string
	AppName  string
	URL      string
	PagePath string
}

// LocationPayload is a shared map position.
type LocationPayload struct {
	Latitude  float64
	Longitude float64
	Label     string
	POIName   string
}

// CardPayload is a shared contact card.
type CardPayload struct {
	ID       string
	Nickname string
	Province string
	City     string
}

// TransferPayload is a money transfer notice.
type TransferPayload struct {
	Amount string // display string including currency mark
	Memo   string
}

// CallPayload is a voice or video call record.
type CallPayload struct {
	Video       bool
	DisplayText string // e.g. call duration line, may be empty
}

// QuotePayload is a reply that references an earlier message by key.
type QuotePayload struct {
	Text         string // the fresh reply text
	QuotedKey    int64  // server id of the referenced message
	QuotedSender string // display name recorded at send time
	QuotedText   string // fallback rendering of the referenced message
	QuotedType   int64  // raw type of the referenced message
}

// ForwardPayload is a merged-forward bundle. Items is a flat arena:
// nested forwards reference their children by index, so arbitrarily
// deep nesting needs no recursive structures.
type ForwardPayload struct {
	Title string
	Items []ForwardItem
	Roots []int // indices of top-level items
}

// ForwardItem is one record inside a merged-forward bundle.
type ForwardItem struct {
	Sender   string // display name recorded in the bundle
	Time     time.Time
	Kind     Kind
	Text     string
	URL      string // link target for forwarded link cards
	MD5      string // media index key for forwarded pictures and clips
	DataPath string // store-relative media path, may be empty
	Depth    int    // 0 for top-level items
	Children []int  // indices into Items for nested bundles
}
