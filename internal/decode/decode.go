package decode

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wxvault/wxvault/internal/schema"
)

// Raw message type ids as stored in the message tables.
const (
	rawTypeText     = 1
	rawTypeImage    = 3
	rawTypeVoice    = 34
	rawTypeCard     = 42
	rawTypeVideo    = 43
	rawTypeSticker  = 47
	rawTypeLocation = 48
	rawTypeApp      = 49
	rawTypeCall     = 50
	rawTypeSystem   = 10000
	rawTypeSysTmpl  = 10002
)

// App message subtypes, from the <type> element of the payload.
const (
	appSubLink        = 5
	appSubFile        = 6
	appSubForward     = 19
	appSubMiniProgram = 33
	appSubMiniApp     = 36
	appSubQuote       = 57
	appSubTransfer    = 2000
)

// Decoder turns raw rows into typed messages. It never fails: rows it
// cannot understand come back as placeholders with the raw type ids
// preserved, so one bad payload cannot sink an export.
type Decoder struct {
	version   schema.Version
	accountID string
	logger    *log.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithAccountID sets the account holder's id, used to attribute
// outgoing messages.
func WithAccountID(id string) Option {
	return func(d *Decoder) { d.accountID = id }
}

// WithLogger routes decode diagnostics to the given logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Decoder) { d.logger = logger }
}

// NewDecoder returns a decoder for rows read from a store of the
// given version.
func NewDecoder(version schema.Version, opts ...Option) *Decoder {
	d := &Decoder{version: version}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type decoderFunc func(d *Decoder, row schema.MessageRow, body string, msg *Message) error

type appDecoderFunc func(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error

var decoders = map[int64]decoderFunc{
	rawTypeText:     decodeText,
	rawTypeImage:    decodeImage,
	rawTypeVoice:    decodeVoice,
	rawTypeCard:     decodeCard,
	rawTypeVideo:    decodeVideo,
	rawTypeSticker:  decodeSticker,
	rawTypeLocation: decodeLocation,
	rawTypeApp:      decodeApp,
	rawTypeCall:     decodeCall,
	rawTypeSystem:   decodeSystem,
	rawTypeSysTmpl:  decodeSystem,
}

var appDecoders = map[int64]appDecoderFunc{
	appSubLink:        decodeLink,
	appSubFile:        decodeFile,
	appSubForward:     decodeForward,
	appSubMiniProgram: decodeMiniProgram,
	appSubMiniApp:     decodeMiniProgram,
	appSubQuote:       decodeQuote,
	appSubTransfer:    decodeTransfer,
}

// Decode converts one raw row into a Message. Decoder funcs assign to
// the message only after their payload parsed, so an error leaves a
// clean placeholder behind.
func (d *Decoder) Decode(row schema.MessageRow) Message {
	msg := Message{
		ID:         row.LocalID,
		Key:        row.Key(),
		SessionID:  row.SessionID,
		Time:       time.Unix(row.Time, 0).UTC(),
		RawType:    row.Type,
		RawSubType: row.SubType,
	}
	body := d.body(row)
	d.attributeSender(&msg, row, &body)

	fn := decoders[row.Type]
	if fn == nil {
		return msg
	}
	if err := fn(d, row, body, &msg); err != nil {
		logf(d.logger, "decode: message %d (type %d): %v", msg.ID, row.Type, err)
	}
	return msg
}

// body picks the message text source. A compressed payload replaces
// the plain column when it expands; otherwise the plain column stands.
func (d *Decoder) body(row schema.MessageRow) string {
	if len(row.Compressed) > 0 {
		text, err := decompress(row.Compressed)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			logf(d.logger, "decode: message %d: %v", row.LocalID, err)
		}
	}
	return row.Content.String
}

// attributeSender fills Sender and Outgoing from whichever signals the
// store version carries. Group bodies prefix the author id, which is
// stripped here so decoders see the payload alone.
func (d *Decoder) attributeSender(msg *Message, row schema.MessageRow, body *string) {
	chatroom := strings.HasSuffix(row.SessionID, "@chatroom")
	if chatroom {
		if sender, rest, ok := splitGroupSender(*body); ok {
			msg.Sender = sender
			*body = rest
		}
	}

	if d.version == schema.V4 {
		if row.Sender != "" {
			msg.Sender = row.Sender
		}
		msg.Outgoing = d.accountID != "" && msg.Sender == d.accountID
		if msg.Sender == "" && !chatroom {
			msg.Sender = row.SessionID
		}
		return
	}

	if row.IsSender == 1 {
		msg.Outgoing = true
		msg.Sender = d.accountID
		return
	}
	if chatroom {
		if h := parseExtra(row.Extra); h.Sender != "" {
			msg.Sender = h.Sender
		}
		return
	}
	msg.Sender = row.SessionID
}

// hints extracts media path hints from whichever sidecar blob the row
// carries.
func hints(row schema.MessageRow) mediaHints {
	if len(row.Extra) > 0 {
		return parseExtra(row.Extra)
	}
	if len(row.PackedInfo) > 0 {
		return parsePackedInfo(row.PackedInfo)
	}
	return mediaHints{}
}

func decodeText(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	msg.Kind = KindText
	msg.Text = body
	return nil
}

func decodeImage(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x imgXML
	decodeXML(xmlBody(body), &x) // best effort, path hints alone suffice
	h := hints(row)
	msg.Kind = KindImage
	msg.Image = &ImagePayload{Ref: MediaRef{
		MD5:   strings.ToLower(x.Img.MD5),
		Size:  x.Img.Length,
		Path:  h.DataPath,
		Thumb: h.ThumbPath,
	}}
	return nil
}

func decodeVoice(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x voiceXML
	decodeXML(xmlBody(body), &x)
	h := hints(row)
	msg.Kind = KindVoice
	msg.Voice = &VoicePayload{
		Duration: time.Duration(x.VoiceMsg.VoiceLength) * time.Millisecond,
		Ref:      MediaRef{Path: h.DataPath},
	}
	return nil
}

func decodeVideo(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x videoXML
	decodeXML(xmlBody(body), &x)
	h := hints(row)
	msg.Kind = KindVideo
	msg.Video = &VideoPayload{
		Duration: time.Duration(x.VideoMsg.PlayLength) * time.Second,
		Ref: MediaRef{
			MD5:   strings.ToLower(x.VideoMsg.MD5),
			Size:  x.VideoMsg.Length,
			Path:  h.DataPath,
			Thumb: h.ThumbPath,
		},
	}
	return nil
}

func decodeSticker(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x emojiXML
	if !decodeXML(xmlBody(body), &x) {
		return fmt.Errorf("sticker payload: malformed xml")
	}
	msg.Kind = KindSticker
	msg.Sticker = &StickerPayload{
		MD5: strings.ToLower(x.Emoji.MD5),
		URL: x.Emoji.CdnURL,
	}
	return nil
}

func decodeLocation(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x locationXML
	if !decodeXML(xmlBody(body), &x) {
		return fmt.Errorf("location payload: malformed xml")
	}
	msg.Kind = KindLocation
	msg.Location = &LocationPayload{
		Latitude:  x.Location.X,
		Longitude: x.Location.Y,
		Label:     x.Location.Label,
		POIName:   x.Location.POIName,
	}
	return nil
}

func decodeCard(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x cardXML
	if !decodeXML(xmlBody(body), &x) {
		return fmt.Errorf("card payload: malformed xml")
	}
	msg.Kind = KindCard
	msg.Card = &CardPayload{
		ID:       x.Username,
		Nickname: x.Nickname,
		Province: x.Province,
		City:     x.City,
	}
	return nil
}

func decodeCall(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var x voipXML
	if !decodeXML(xmlBody(body), &x) {
		return fmt.Errorf("call payload: malformed xml")
	}
	msg.Kind = KindCall
	msg.Call = &CallPayload{
		Video:       x.Bubble.RoomType == 0,
		DisplayText: strings.TrimSpace(x.Bubble.Msg),
	}
	return nil
}

func decodeSystem(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	msg.Kind = KindSystemNotice
	b := xmlBody(body)
	if !strings.HasPrefix(b, "<") {
		msg.Text = strings.TrimSpace(body)
		return nil
	}
	var rv revokeXML
	if decodeXML(b, &rv) && strings.TrimSpace(rv.Text) != "" {
		msg.Text = strings.TrimSpace(rv.Text)
		return nil
	}
	var sys sysMsgXML
	if decodeXML(b, &sys) && sys.RevokeMsg.ReplaceMsg != "" {
		msg.Text = strings.TrimSpace(sys.RevokeMsg.ReplaceMsg)
	}
	return nil
}

// decodeApp dispatches the type 49 container on its payload subtype.
// Subtypes without a decoder keep the placeholder kind but salvage the
// title, so exports still show what the message was about.
func decodeApp(d *Decoder, row schema.MessageRow, body string, msg *Message) error {
	var app appMsgXML
	if !decodeXML(xmlBody(body), &app) {
		return fmt.Errorf("app payload: malformed xml")
	}
	sub := row.SubType
	if sub == 0 {
		sub = app.AppMsg.Type
	}
	msg.RawSubType = sub
	fn := appDecoders[sub]
	if fn == nil {
		msg.Text = app.AppMsg.Title
		return nil
	}
	return fn(d, row, &app, msg)
}

func decodeLink(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error {
	source := app.AppMsg.SourceDisplayName
	if source == "" {
		source = app.AppInfo.AppName
	}
	msg.Kind = KindLink
	msg.Link = &LinkPayload{
		Title:       app.AppMsg.Title,
		Description: app.AppMsg.Des,
		URL:         app.AppMsg.URL,
		Source:      source,
	}
	return nil
}

func decodeFile(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error {
	h := hints(row)
	msg.Kind = KindFile
	msg.File = &FilePayload{
		Name: app.AppMsg.Title,
		Ext:  app.AppMsg.AppAttach.FileExt,
		Size: app.AppMsg.AppAttach.TotalLen,
		Ref:  MediaRef{Path: h.DataPath},
	}
	return nil
}

func decodeMiniProgram(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error {
	name := app.AppMsg.SourceDisplayName
	if name == "" {
		name = app.AppInfo.AppName
	}
	msg.Kind = KindMiniProgram
	msg.MiniProgram = &MiniProgramPayload{
		Title:    app.AppMsg.Title,
		AppName:  name,
		URL:      app.AppMsg.URL,
		PagePath: app.AppMsg.WeAppInfo.PagePath,
	}
	return nil
}

func decodeTransfer(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error {
	msg.Kind = KindTransfer
	msg.Transfer = &TransferPayload{
		Amount: app.AppMsg.WCPayInfo.FeeDesc,
		Memo:   app.AppMsg.WCPayInfo.PayMemo,
	}
	return nil
}

func decodeQuote(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error {
	ref := app.AppMsg.ReferMsg
	sender := ref.DisplayName
	if sender == "" {
		sender = ref.ChatUsr
	}
	if sender == "" {
		sender = ref.FromUsr
	}
	msg.Kind = KindQuote
	msg.Text = app.AppMsg.Title
	msg.Quote = &QuotePayload{
		Text:         app.AppMsg.Title,
		QuotedKey:    ref.SvrID,
		QuotedSender: sender,
		QuotedText:   ref.Content,
		QuotedType:   ref.Type,
	}
	return nil
}

func decodeForward(d *Decoder, row schema.MessageRow, app *appMsgXML, msg *Message) error {
	if app.AppMsg.RecordItem == "" {
		return fmt.Errorf("forward payload: missing record bundle")
	}
	var rec recordInfoXML
	if !decodeXML(app.AppMsg.RecordItem, &rec) {
		return fmt.Errorf("forward payload: malformed record bundle")
	}
	p := &ForwardPayload{Title: app.AppMsg.Title}
	p.Roots = appendRecords(p, &rec, 0)
	msg.Kind = KindMergedForward
	msg.Text = app.AppMsg.Title
	msg.Forward = p
	return nil
}

// Record item data types inside a merged-forward bundle.
const (
	recordText    = 1
	recordImage   = 2
	recordVideo   = 4
	recordLink    = 5
	recordFile    = 8
	recordForward = 17
	recordMiniApp = 19
)

// appendRecords flattens one bundle level into the payload's arena and
// returns the indices of the items it added. Children are assigned by
// index after the recursive call, since appends may move the backing
// array.
func appendRecords(p *ForwardPayload, info *recordInfoXML, depth int) []int {
	var ids []int
	for _, rec := range info.DataList.Items {
		item := ForwardItem{
			Sender: rec.SourceName,
			Time:   parseRecordTime(rec.SourceTime),
			Depth:  depth,
		}
		switch rec.DataType {
		case recordText:
			item.Kind = KindText
			item.Text = rec.DataDesc
		case recordImage:
			item.Kind = KindImage
			item.MD5 = strings.ToLower(rec.FullMD5)
			item.DataPath = rec.DataPath
		case recordVideo:
			item.Kind = KindVideo
			item.MD5 = strings.ToLower(rec.FullMD5)
			item.DataPath = rec.DataPath
		case recordLink:
			item.Kind = KindLink
			item.Text = rec.DataTitle
			item.URL = rec.Link
		case recordFile:
			item.Kind = KindFile
			item.Text = rec.DataTitle
			item.DataPath = rec.DataPath
		case recordForward:
			item.Kind = KindMergedForward
			item.Text = rec.DataTitle
		case recordMiniApp:
			item.Kind = KindMiniProgram
			item.Text = rec.DataTitle
			item.URL = rec.Link
		default:
			item.Kind = KindUnsupported
			item.Text = rec.DataDesc
			if item.Text == "" {
				item.Text = rec.DataTitle
			}
		}
		idx := len(p.Items)
		p.Items = append(p.Items, item)
		if rec.DataType == recordForward && rec.RecordXML.RecordInfo != nil {
			children := appendRecords(p, rec.RecordXML.RecordInfo, depth+1)
			p.Items[idx].Children = children
		}
		ids = append(ids, idx)
	}
	return ids
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
