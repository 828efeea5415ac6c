package decode

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wxvault/wxvault/internal/schema"
)

const (
	testAccount = "wxid_owner01"
	testFriend  = "wxid_friend01"
	testRoom    = "8450123456@chatroom"
)

func v3Row(typ int64, content string) schema.MessageRow {
	return schema.MessageRow{
		LocalID:   7,
		ServerID:  4200,
		Type:      typ,
		Time:      1700000000,
		SessionID: testFriend,
		Content:   sql.NullString{String: content, Valid: true},
	}
}

// extraBlob builds a v3 sidecar with the given properties, each a
// {1: key, 2: value} record under field 3.
func extraBlob(t *testing.T, props map[int64]string) []byte {
	t.Helper()
	var blob []byte
	for _, key := range []int64{extraPropSender, extraPropThumbPath, extraPropDataPath} {
		val, ok := props[key]
		if !ok {
			continue
		}
		var rec []byte
		rec = protowire.AppendTag(rec, 1, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(key))
		rec = protowire.AppendTag(rec, 2, protowire.BytesType)
		rec = protowire.AppendBytes(rec, []byte(val))
		blob = protowire.AppendTag(blob, 3, protowire.BytesType)
		blob = protowire.AppendBytes(blob, rec)
	}
	return blob
}

func testDecoder(opts ...Option) *Decoder {
	opts = append([]Option{WithAccountID(testAccount)}, opts...)
	return NewDecoder(schema.V3, opts...)
}

func TestDecodeText(t *testing.T) {
	msg := testDecoder().Decode(v3Row(1, "hello there"))

	if msg.Kind != KindText {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindText)
	}
	if msg.Text != "hello there" {
		t.Errorf("Text = %q, want %q", msg.Text, "hello there")
	}
	if msg.Sender != testFriend {
		t.Errorf("Sender = %q, want %q", msg.Sender, testFriend)
	}
	if msg.Outgoing {
		t.Error("Outgoing = true for an incoming row")
	}
	if msg.Key != 4200 {
		t.Errorf("Key = %d, want 4200", msg.Key)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !msg.Time.Equal(want) || msg.Time.Location() != time.UTC {
		t.Errorf("Time = %v, want %v", msg.Time, want)
	}
}

func TestDecodeTextOutgoing(t *testing.T) {
	row := v3Row(1, "from me")
	row.IsSender = 1
	msg := testDecoder().Decode(row)

	if !msg.Outgoing {
		t.Error("Outgoing = false for a sent row")
	}
	if msg.Sender != testAccount {
		t.Errorf("Sender = %q, want %q", msg.Sender, testAccount)
	}
}

func TestDecodeGroupSenderPrefix(t *testing.T) {
	row := v3Row(1, "wxid_bob99:\nmorning all")
	row.SessionID = testRoom
	msg := testDecoder().Decode(row)

	if msg.Sender != "wxid_bob99" {
		t.Errorf("Sender = %q, want %q", msg.Sender, "wxid_bob99")
	}
	if msg.Text != "morning all" {
		t.Errorf("Text = %q, want %q", msg.Text, "morning all")
	}
}

func TestDecodeGroupSenderFromExtra(t *testing.T) {
	row := v3Row(1, "no prefix here")
	row.SessionID = testRoom
	row.Extra = extraBlob(t, map[int64]string{extraPropSender: "wxid_carol77"})
	msg := testDecoder().Decode(row)

	if msg.Sender != "wxid_carol77" {
		t.Errorf("Sender = %q, want %q", msg.Sender, "wxid_carol77")
	}
	if msg.Text != "no prefix here" {
		t.Errorf("Text = %q, want %q", msg.Text, "no prefix here")
	}
}

func TestDecodeV4Sender(t *testing.T) {
	d := NewDecoder(schema.V4, WithAccountID(testAccount))

	row := v3Row(1, "mine")
	row.Sender = testAccount
	if msg := d.Decode(row); !msg.Outgoing {
		t.Error("Outgoing = false for a row sent by the account")
	}

	row.Sender = testFriend
	msg := d.Decode(row)
	if msg.Outgoing {
		t.Error("Outgoing = true for a row sent by the peer")
	}
	if msg.Sender != testFriend {
		t.Errorf("Sender = %q, want %q", msg.Sender, testFriend)
	}
}

func TestDecodeImage(t *testing.T) {
	row := v3Row(3, `<msg><img md5="ABCDEF0123456789" length="2048"/></msg>`)
	row.Extra = extraBlob(t, map[int64]string{
		extraPropThumbPath: `wxid_owner01\FileStorage\MsgAttach\a1\Image\2024-01\x_t.dat`,
		extraPropDataPath:  `wxid_owner01\FileStorage\MsgAttach\a1\Image\2024-01\x.dat`,
	})
	msg := testDecoder().Decode(row)

	if msg.Kind != KindImage {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindImage)
	}
	ref := msg.Image.Ref
	if ref.MD5 != "abcdef0123456789" {
		t.Errorf("MD5 = %q, want lowercased digest", ref.MD5)
	}
	if ref.Size != 2048 {
		t.Errorf("Size = %d, want 2048", ref.Size)
	}
	if !strings.HasSuffix(ref.Path, "x.dat") {
		t.Errorf("Path = %q, want data path hint", ref.Path)
	}
	if !strings.HasSuffix(ref.Thumb, "x_t.dat") {
		t.Errorf("Thumb = %q, want thumb path hint", ref.Thumb)
	}
}

func TestDecodeVoice(t *testing.T) {
	msg := testDecoder().Decode(v3Row(34, `<msg><voicemsg voicelength="4200"/></msg>`))

	if msg.Kind != KindVoice {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindVoice)
	}
	if want := 4200 * time.Millisecond; msg.Voice.Duration != want {
		t.Errorf("Duration = %v, want %v", msg.Voice.Duration, want)
	}
}

func TestDecodeVideo(t *testing.T) {
	msg := testDecoder().Decode(v3Row(43, `<msg><videomsg md5="FFEE00" length="99000" playlength="9"/></msg>`))

	if msg.Kind != KindVideo {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindVideo)
	}
	v := msg.Video
	if v.Duration != 9*time.Second {
		t.Errorf("Duration = %v, want 9s", v.Duration)
	}
	if v.Ref.MD5 != "ffee00" {
		t.Errorf("MD5 = %q, want %q", v.Ref.MD5, "ffee00")
	}
	if v.Ref.Size != 99000 {
		t.Errorf("Size = %d, want 99000", v.Ref.Size)
	}
}

func TestDecodeSticker(t *testing.T) {
	msg := testDecoder().Decode(v3Row(47, `<msg><emoji md5="AA11" cdnurl="https://emoji.example/aa11"/></msg>`))

	if msg.Kind != KindSticker {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindSticker)
	}
	if msg.Sticker.URL != "https://emoji.example/aa11" {
		t.Errorf("URL = %q", msg.Sticker.URL)
	}
	if msg.Sticker.MD5 != "aa11" {
		t.Errorf("MD5 = %q, want %q", msg.Sticker.MD5, "aa11")
	}
}

func TestDecodeLocation(t *testing.T) {
	msg := testDecoder().Decode(v3Row(48,
		`<msg><location x="31.2304" y="121.4737" label="Huangpu" poiname="The Bund"/></msg>`))

	if msg.Kind != KindLocation {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindLocation)
	}
	loc := msg.Location
	if loc.Latitude != 31.2304 || loc.Longitude != 121.4737 {
		t.Errorf("coords = (%v, %v), want (31.2304, 121.4737)", loc.Latitude, loc.Longitude)
	}
	if loc.POIName != "The Bund" {
		t.Errorf("POIName = %q", loc.POIName)
	}
	if loc.Label != "Huangpu" {
		t.Errorf("Label = %q", loc.Label)
	}
}

func TestDecodeCard(t *testing.T) {
	msg := testDecoder().Decode(v3Row(42,
		`<msg username="wxid_new1" nickname="Sam" province="Zhejiang" city="Hangzhou"/>`))

	if msg.Kind != KindCard {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindCard)
	}
	c := msg.Card
	if c.ID != "wxid_new1" || c.Nickname != "Sam" {
		t.Errorf("card = %+v", c)
	}
	if c.Province != "Zhejiang" || c.City != "Hangzhou" {
		t.Errorf("card place = %q/%q", c.Province, c.City)
	}
}

func TestDecodeCall(t *testing.T) {
	msg := testDecoder().Decode(v3Row(50,
		`<voipmsg type="VoIPBubbleMsg"><VoIPBubbleMsg><msg>Call duration 00:42</msg><roomType>0</roomType></VoIPBubbleMsg></voipmsg>`))

	if msg.Kind != KindCall {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindCall)
	}
	if msg.Call.DisplayText != "Call duration 00:42" {
		t.Errorf("DisplayText = %q", msg.Call.DisplayText)
	}
	if !msg.Call.Video {
		t.Error("Video = false, want true for room type 0")
	}
}

func TestDecodeSystemPlain(t *testing.T) {
	msg := testDecoder().Decode(v3Row(10000, `You have added Sam as a contact.`))

	if msg.Kind != KindSystemNotice {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindSystemNotice)
	}
	if msg.Text != "You have added Sam as a contact." {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestDecodeSystemRevoke(t *testing.T) {
	msg := testDecoder().Decode(v3Row(10002,
		`<sysmsg type="revokemsg"><revokemsg><replacemsg>"Sam" recalled a message</replacemsg></revokemsg></sysmsg>`))

	if msg.Kind != KindSystemNotice {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindSystemNotice)
	}
	if msg.Text != `"Sam" recalled a message` {
		t.Errorf("Text = %q", msg.Text)
	}
}

const linkXML = `<msg><appmsg appid="" sdkver="0">
	<title>Go 1.25 released</title>
	<des>Release notes for the latest Go version.</des>
	<type>5</type>
	<url>https://go.dev/blog/go1.25</url>
	<sourcedisplayname>The Go Blog</sourcedisplayname>
</appmsg></msg>`

func TestDecodeLink(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, linkXML))

	if msg.Kind != KindLink {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindLink)
	}
	if msg.RawSubType != 5 {
		t.Errorf("RawSubType = %d, want 5 from the payload", msg.RawSubType)
	}
	l := msg.Link
	if l.Title != "Go 1.25 released" || l.URL != "https://go.dev/blog/go1.25" {
		t.Errorf("link = %+v", l)
	}
	if l.Source != "The Go Blog" {
		t.Errorf("Source = %q", l.Source)
	}
}

func TestDecodeFile(t *testing.T) {
	row := v3Row(49, `<msg><appmsg><title>report.pdf</title><type>6</type>
		<appattach><totallen>51200</totallen><fileext>pdf</fileext></appattach></appmsg></msg>`)
	row.SubType = 6
	row.Extra = extraBlob(t, map[int64]string{
		extraPropDataPath: `wxid_owner01\FileStorage\File\2024-01\report.pdf`,
	})
	msg := testDecoder().Decode(row)

	if msg.Kind != KindFile {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindFile)
	}
	f := msg.File
	if f.Name != "report.pdf" || f.Ext != "pdf" || f.Size != 51200 {
		t.Errorf("file = %+v", f)
	}
	if !strings.HasSuffix(f.Ref.Path, "report.pdf") {
		t.Errorf("Ref.Path = %q", f.Ref.Path)
	}
}

func TestDecodeMiniProgram(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, `<msg><appmsg><title>Order lunch</title><type>33</type>
		<url>https://mp.example/launch</url>
		<sourcedisplayname>Lunchbox</sourcedisplayname>
		<weappinfo><username>gh_lunch@app</username><pagepath>pages/index</pagepath></weappinfo>
	</appmsg></msg>`))

	if msg.Kind != KindMiniProgram {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindMiniProgram)
	}
	mp := msg.MiniProgram
	if mp.AppName != "Lunchbox" || mp.PagePath != "pages/index" {
		t.Errorf("miniprogram = %+v", mp)
	}
}

func TestDecodeTransfer(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, `<msg><appmsg><type>2000</type>
		<wcpayinfo><feedesc>¥88.00</feedesc><pay_memo>lunch</pay_memo></wcpayinfo></appmsg></msg>`))

	if msg.Kind != KindTransfer {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindTransfer)
	}
	if msg.Transfer.Amount != "¥88.00" || msg.Transfer.Memo != "lunch" {
		t.Errorf("transfer = %+v", msg.Transfer)
	}
}

func TestDecodeQuote(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, `<msg><appmsg><title>agreed!</title><type>57</type>
		<refermsg><type>1</type><svrid>9001</svrid><fromusr>wxid_friend01</fromusr>
		<displayname>Sam</displayname><content>see you at nine</content></refermsg></appmsg></msg>`))

	if msg.Kind != KindQuote {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindQuote)
	}
	q := msg.Quote
	if q.Text != "agreed!" || msg.Text != "agreed!" {
		t.Errorf("reply text = %q / %q", q.Text, msg.Text)
	}
	if q.QuotedKey != 9001 {
		t.Errorf("QuotedKey = %d, want 9001", q.QuotedKey)
	}
	if q.QuotedSender != "Sam" {
		t.Errorf("QuotedSender = %q", q.QuotedSender)
	}
	if q.QuotedText != "see you at nine" {
		t.Errorf("QuotedText = %q", q.QuotedText)
	}
}

const forwardXML = `<msg><appmsg><title>Chat history of Team</title><type>19</type>
<recorditem><![CDATA[<recordinfo><title>Chat history of Team</title><datalist count="3">
<dataitem datatype="1" dataid="a"><sourcename>Sam</sourcename><sourcetime>2024-01-15 09:30:00</sourcetime><datadesc>standup in five</datadesc></dataitem>
<dataitem datatype="17" dataid="b"><sourcename>Ada</sourcename><sourcetime>2024-01-15 09:31:00</sourcetime><datatitle>Chat history of Ops</datatitle>
<recordxml><recordinfo><title>Chat history of Ops</title><datalist count="1">
<dataitem datatype="1" dataid="c"><sourcename>Lin</sourcename><sourcetime>2024-01-14 18:00:00</sourcetime><datadesc>deploy done</datadesc></dataitem>
</datalist></recordinfo></recordxml></dataitem>
<dataitem datatype="2" dataid="d"><sourcename>Sam</sourcename><sourcetime>2024-01-15 09:32:00</sourcetime><fullmd5>00FFAA</fullmd5></dataitem>
</datalist></recordinfo>]]></recorditem></appmsg></msg>`

func TestDecodeForward(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, forwardXML))

	if msg.Kind != KindMergedForward {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindMergedForward)
	}
	fw := msg.Forward
	if fw.Title != "Chat history of Team" {
		t.Errorf("Title = %q", fw.Title)
	}
	if len(fw.Items) != 4 {
		t.Fatalf("len(Items) = %d, want 4", len(fw.Items))
	}
	if want := []int{0, 1, 3}; len(fw.Roots) != 3 || fw.Roots[0] != want[0] || fw.Roots[1] != want[1] || fw.Roots[2] != want[2] {
		t.Errorf("Roots = %v, want %v", fw.Roots, want)
	}

	first := fw.Items[0]
	if first.Kind != KindText || first.Text != "standup in five" || first.Sender != "Sam" {
		t.Errorf("first item = %+v", first)
	}
	if want := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC); !first.Time.Equal(want) {
		t.Errorf("first item time = %v, want %v", first.Time, want)
	}

	nested := fw.Items[1]
	if nested.Kind != KindMergedForward || len(nested.Children) != 1 || nested.Children[0] != 2 {
		t.Errorf("nested item = %+v", nested)
	}
	child := fw.Items[2]
	if child.Depth != 1 || child.Sender != "Lin" || child.Text != "deploy done" {
		t.Errorf("nested child = %+v", child)
	}

	img := fw.Items[3]
	if img.Kind != KindImage || img.MD5 != "00ffaa" {
		t.Errorf("image item = %+v", img)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg := testDecoder().Decode(v3Row(123456, "mystery payload"))

	if msg.Kind != KindUnsupported {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindUnsupported)
	}
	if msg.RawType != 123456 {
		t.Errorf("RawType = %d, want preserved", msg.RawType)
	}
	if msg.Key != 4200 {
		t.Errorf("Key = %d, want 4200", msg.Key)
	}
}

func TestDecodeUnknownAppSubtype(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, `<msg><appmsg><title>Mystery card</title><type>9999</type></appmsg></msg>`))

	if msg.Kind != KindUnsupported {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindUnsupported)
	}
	if msg.RawSubType != 9999 {
		t.Errorf("RawSubType = %d, want 9999", msg.RawSubType)
	}
	if msg.Text != "Mystery card" {
		t.Errorf("Text = %q, want salvaged title", msg.Text)
	}
}

func TestDecodeMalformedAppPayload(t *testing.T) {
	msg := testDecoder().Decode(v3Row(49, `<msg><appmsg><title>broken`))

	if msg.Kind != KindUnsupported {
		t.Errorf("Kind = %v, want %v", msg.Kind, KindUnsupported)
	}
}

func TestDecodeCompressedBody(t *testing.T) {
	plain := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	dst := make([]byte, lz4.CompressBlockBound(len(plain)))
	n, err := lz4.CompressBlock([]byte(plain), dst, nil)
	if err != nil {
		t.Fatalf("CompressBlock: %v", err)
	}
	if n == 0 {
		t.Fatal("CompressBlock: input not compressible")
	}

	row := v3Row(1, "")
	row.Compressed = dst[:n]
	msg := testDecoder().Decode(row)

	if msg.Text != plain {
		t.Errorf("Text = %q, want round-tripped body", msg.Text)
	}
}

func TestDecodeCompressedPlainMarkup(t *testing.T) {
	row := v3Row(49, "")
	row.Compressed = []byte(linkXML + "\x00")
	msg := testDecoder().Decode(row)

	if msg.Kind != KindLink {
		t.Fatalf("Kind = %v, want %v from uncompressed markup", msg.Kind, KindLink)
	}
}

func TestDecodeParseExtraSkipsUnknownFields(t *testing.T) {
	blob := extraBlob(t, map[int64]string{extraPropDataPath: `a\b.dat`})
	var prefixed []byte
	prefixed = protowire.AppendTag(prefixed, 1, protowire.VarintType)
	prefixed = protowire.AppendVarint(prefixed, 3)
	prefixed = append(prefixed, blob...)

	h := parseExtra(prefixed)
	if h.DataPath != `a\b.dat` {
		t.Errorf("DataPath = %q, want %q", h.DataPath, `a\b.dat`)
	}
}

func TestDecodeParseExtraTruncated(t *testing.T) {
	blob := extraBlob(t, map[int64]string{extraPropDataPath: `a\b.dat`})
	if h := parseExtra(blob[:len(blob)-3]); h != (mediaHints{}) {
		t.Errorf("parseExtra(truncated) = %+v, want zero hints", h)
	}
}

func TestParsePackedInfoPaths(t *testing.T) {
	var inner []byte
	inner = protowire.AppendTag(inner, 2, protowire.BytesType)
	inner = protowire.AppendBytes(inner, []byte("msg/attach/a1/b2/Img/photo.dat"))
	inner = protowire.AppendTag(inner, 3, protowire.BytesType)
	inner = protowire.AppendBytes(inner, []byte("msg/attach/a1/b2/Img/photo_t.dat"))

	var blob []byte
	blob = protowire.AppendTag(blob, 1, protowire.BytesType)
	blob = protowire.AppendBytes(blob, inner)

	h := parsePackedInfo(blob)
	if h.DataPath != "msg/attach/a1/b2/Img/photo.dat" {
		t.Errorf("DataPath = %q", h.DataPath)
	}
	if h.ThumbPath != "msg/attach/a1/b2/Img/photo_t.dat" {
		t.Errorf("ThumbPath = %q", h.ThumbPath)
	}
}

func TestSplitGroupSender(t *testing.T) {
	tests := []struct {
		body   string
		sender string
		rest   string
		ok     bool
	}{
		{"wxid_a:\nhello", "wxid_a", "hello", true},
		{"wxid_a:\n<msg/>", "wxid_a", "<msg/>", true},
		{"plain text", "", "plain text", false},
		{"<msg>x:\ny</msg>", "", "<msg>x:\ny</msg>", false},
		{":\nempty", "", ":\nempty", false},
	}
	for _, tt := range tests {
		sender, rest, ok := splitGroupSender(tt.body)
		if sender != tt.sender || rest != tt.rest || ok != tt.ok {
			t.Errorf("splitGroupSender(%q) = %q, %q, %v; want %q, %q, %v",
				tt.body, sender, rest, ok, tt.sender, tt.rest, tt.ok)
		}
	}
}

func TestKindString(t *testing.T) {
	if got := KindMergedForward.String(); got != "forward" {
		t.Errorf("String() = %q, want %q", got, "forward")
	}
	if got := Kind(99).String(); got != "unsupported" {
		t.Errorf("String() = %q, want %q", got, "unsupported")
	}
}
