package decode

import (
	"encoding/xml"
	"strings"
	"time"
)

// The client stores most non-text payloads as XML fragments inside
// the message content. These structs mirror only the elements the
// decoders read; everything else is ignored by encoding/xml.

type appMsgXML struct {
	AppMsg struct {
		Title             string `xml:"title"`
		Des               string `xml:"des"`
		Type              int64  `xml:"type"`
		URL               string `xml:"url"`
		SourceDisplayName string `xml:"sourcedisplayname"`
		AppAttach         struct {
			TotalLen int64  `xml:"totallen"`
			FileExt  string `xml:"fileext"`
		} `xml:"appattach"`
		WeAppInfo struct {
			UserName string `xml:"username"`
			PagePath string `xml:"pagepath"`
		} `xml:"weappinfo"`
		WCPayInfo struct {
			FeeDesc string `xml:"feedesc"`
			PayMemo string `xml:"pay_memo"`
		} `xml:"wcpayinfo"`
		ReferMsg struct {
			Type        int64  `xml:"type"`
			SvrID       int64  `xml:"svrid"`
			FromUsr     string `xml:"fromusr"`
			ChatUsr     string `xml:"chatusr"`
			DisplayName string `xml:"displayname"`
			Content     string `xml:"content"`
		} `xml:"refermsg"`
		RecordItem string `xml:"recorditem"` // CDATA-wrapped nested record XML
	} `xml:"appmsg"`
	AppInfo struct {
		AppName string `xml:"appname"`
	} `xml:"appinfo"`
}

type imgXML struct {
	Img struct {
		MD5    string `xml:"md5,attr"`
		Length int64  `xml:"length,attr"`
	} `xml:"img"`
}

type voiceXML struct {
	VoiceMsg struct {
		VoiceLength int64 `xml:"voicelength,attr"` // milliseconds
	} `xml:"voicemsg"`
}

type videoXML struct {
	VideoMsg struct {
		MD5        string `xml:"md5,attr"`
		Length     int64  `xml:"length,attr"`
		PlayLength int64  `xml:"playlength,attr"` // seconds
	} `xml:"videomsg"`
}

type emojiXML struct {
	Emoji struct {
		MD5    string `xml:"md5,attr"`
		CdnURL string `xml:"cdnurl,attr"`
	} `xml:"emoji"`
}

type locationXML struct {
	Location struct {
		X       float64 `xml:"x,attr"` // latitude
		Y       float64 `xml:"y,attr"` // longitude
		Label   string  `xml:"label,attr"`
		POIName string  `xml:"poiname,attr"`
	} `xml:"location"`
}

// cardXML carries its payload as attributes of the root element.
type cardXML struct {
	XMLName  xml.Name `xml:"msg"`
	Username string   `xml:"username,attr"`
	Nickname string   `xml:"nickname,attr"`
	Province string   `xml:"province,attr"`
	City     string   `xml:"city,attr"`
}

type voipXML struct {
	Bubble struct {
		Msg      string `xml:"msg"`
		RoomType int    `xml:"roomType"`
	} `xml:"VoIPBubbleMsg"`
}

type revokeXML struct {
	XMLName xml.Name `xml:"revokemsg"`
	Text    string   `xml:",chardata"`
}

type sysMsgXML struct {
	XMLName   xml.Name `xml:"sysmsg"`
	Type      string   `xml:"type,attr"`
	RevokeMsg struct {
		ReplaceMsg string `xml:"replacemsg"`
	} `xml:"revokemsg"`
}

// recordInfoXML is the merged-forward bundle. Nested bundles repeat
// the same structure inside <recordxml>, which encoding/xml follows
// through the pointer field.
type recordInfoXML struct {
	Title    string `xml:"title"`
	DataList struct {
		Items []recordItemXML `xml:"dataitem"`
	} `xml:"datalist"`
}

type recordItemXML struct {
	DataType   int64  `xml:"datatype,attr"`
	SourceName string `xml:"sourcename"`
	SourceTime string `xml:"sourcetime"`
	DataTitle  string `xml:"datatitle"`
	DataDesc   string `xml:"datadesc"`
	Link       string `xml:"link"`
	FullMD5    string `xml:"fullmd5"`
	DataPath   string `xml:"datasourcepath"`
	RecordXML  struct {
		RecordInfo *recordInfoXML `xml:"recordinfo"`
	} `xml:"recordxml"`
}

// decodeXML unmarshals an XML fragment, reporting success instead of
// an error since malformed payloads downgrade to placeholders.
func decodeXML(body string, dst any) bool {
	return xml.Unmarshal([]byte(body), dst) == nil
}

// xmlBody cuts any prefix before the first XML tag. Group messages
// prefix payloads with the sender id and a colon.
func xmlBody(s string) string {
	if i := strings.Index(s, "<"); i > 0 {
		return s[i:]
	}
	return s
}

// splitGroupSender splits the "wxid:\n<content>" prefix a group
// message body carries in older stores.
func splitGroupSender(body string) (sender, rest string, ok bool) {
	i := strings.Index(body, ":\n")
	if i <= 0 || strings.ContainsAny(body[:i], "<> \t") {
		return "", body, false
	}
	return body[:i], body[i+2:], true
}

// recordTimeLayout is the wall-clock stamp format used inside
// merged-forward bundles.
const recordTimeLayout = "2006-01-02 15:04:05"

func parseRecordTime(s string) time.Time {
	t, err := time.Parse(recordTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
